package wsgate

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/dasiyes/ivmgate/configs/config"
	"github.com/dasiyes/ivmgate/internal/gate"
	"github.com/dasiyes/ivmgate/internal/services"
	"github.com/dasiyes/ivmgate/internal/throttle"
	"github.com/dasiyes/ivmgate/tools"
	"github.com/dasiyes/ivmgate/tools/metrics"
	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type WSHandler struct {
	ctx      context.Context
	lgr      *log.Logger
	session  *services.Session
	resolver gate.AddrResolver
	guard    *acceptGuard
	cfg      *config.ServiceConfig
	upgrader websocket.Upgrader
}

// NewWSHandler builds the websocket edge of the gateway. ctx bounds the
// lifetime of every connection it upgrades.
func NewWSHandler(
	ctx context.Context,
	l *log.Logger,
	session *services.Session,
	resolver gate.AddrResolver,
	cfg *config.ServiceConfig,
) *WSHandler {

	hndlr := WSHandler{
		ctx:      ctx,
		lgr:      l,
		session:  session,
		resolver: resolver,
		guard:    newAcceptGuard(cfg.AcceptRate, cfg.AcceptBurst),
		cfg:      cfg,
	}
	hndlr.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.WsioopTimeOut,
		CheckOrigin: func(r *http.Request) bool {
			return tools.OriginTrusted(r, cfg.GetTrustedOrigins())
		},
	}
	return &hndlr
}

func (h *WSHandler) Router() chi.Router {
	rtr := chi.NewRouter()
	rtr.Use(h.clientAddr)

	rtr.Route("/", func(r chi.Router) {
		r.Get("/", h.connman)
	})

	return rtr
}

// clientAddr resolves the logical client address once per request.
func (h *WSHandler) clientAddr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, err := h.resolver.Resolve(r.RemoteAddr, r.Header)
		if err != nil {
			metrics.HandshakeRefused("address")
			h.lgr.Printf("[clientAddr] %v", err)
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}
		rc := RequestContext{Addr: addr, Accepted: time.Now()}
		next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
	})
}

// connman runs admission, then takes care of the connection upgrade and
// hands the socket to its Con.
func (h *WSHandler) connman(w http.ResponseWriter, r *http.Request) {

	if !h.guard.Allow() {
		metrics.HandshakeRefused("rate")
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		metrics.HandshakeRefused("not_websocket")
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	if !h.upgrader.CheckOrigin(r) {
		metrics.HandshakeRefused("origin")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	rc, ok := FromContext(r.Context())
	if !ok {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	con, v, err := h.session.Admit(r.Context(), rc.Addr)
	if err != nil {
		metrics.HandshakeRefused("gateway")
		h.lgr.Printf("[connman] admission of %s failed: %v", rc.Addr, err)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	if con == nil {
		refuse(w, v, time.Now())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.lgr.Printf("[connman] upgrading the connection from %s failed: %v", rc.Addr, err)
		con.Abort()
		return
	}

	services.TuneConn(conn, h.cfg.ReadLimit, logrus.WithFields(logrus.Fields{"ip": rc.Addr.Addr().String(), "con_id": con.ID.String()}))
	con.Run(h.ctx, conn)
}

// refuse answers a handshake the gateway did not admit.
func refuse(w http.ResponseWriter, v throttle.Verdict, now time.Time) {
	metrics.HandshakeRefused(v.Kind.String())
	switch v.Kind {
	case throttle.Blocked, throttle.UnbannedAndBlocked:
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
	default:
		if v.Kind == throttle.Banned {
			if secs := int(v.Until.Sub(now).Seconds()); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
		http.Error(w, "Forbidden", http.StatusForbidden)
	}
}
