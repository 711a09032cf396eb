package services

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/dasiyes/ivmgate/configs/config"
	"github.com/dasiyes/ivmgate/internal/gate"
	"github.com/dasiyes/ivmgate/internal/throttle"
	"github.com/dasiyes/ivmgate/pkg/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Socket is the part of a websocket connection a Con drives. It is
// satisfied by *websocket.Conn.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Con is one admitted websocket connection. Its loop is the only writer of
// the socket; request tasks and other connections reach it through ctl.
type Con struct {
	ID        ConID
	ip        netip.Addr
	addr      netip.AddrPort
	session   *Session
	task      *ipManager
	kick      <-chan struct{}
	ctl       chan any
	ann       chan any
	done      chan struct{}
	closeOnce sync.Once
	listeners *ledger
	reqStats  map[string]*reqCounter
	// sub is the live statistics subscription, nil when not listening.
	sub *listener
	// ban is the last request level ban this connection ran into.
	ban   throttle.Ban
	sock  Socket
	cfg   *config.ServiceConfig
	clock gate.Clock
	lgr   *log.Entry
}

func newCon(s *Session, w *wsIP, addr netip.AddrPort, l *ledger) *Con {
	id := uuid.New()
	return &Con{
		ID:        id,
		ip:        w.addr,
		addr:      addr,
		session:   s,
		task:      w.task,
		kick:      w.kick,
		ctl:       make(chan any, conCtlInbox),
		ann:       make(chan any, conAnnInbox),
		done:      make(chan struct{}),
		listeners: l,
		reqStats:  make(map[string]*reqCounter),
		cfg:       s.cfg,
		clock:     s.clock,
		lgr:       s.slgr.WithFields(log.Fields{"ip": w.addr.String(), "con_id": id.String()}),
	}
}

func (c *Con) IP() netip.Addr {
	return c.ip
}

// Abort releases an admitted Con whose socket never came up.
func (c *Con) Abort() {
	c.closeOnce.Do(func() { close(c.done) })
	c.session.notifyDisconnected(c.ip, c.ID)
}

// Stop asks the loop to close the connection.
func (c *Con) Stop() {
	select {
	case c.ctl <- stopMsg{}:
	case <-c.done:
	}
}

// announce is used by the Session and never blocks it.
func (c *Con) announce(msg any, lgr *log.Entry) {
	select {
	case c.ann <- msg:
	case <-c.done:
	default:
		// a lost listenerRemoved is covered by the listener's off signal;
		// a lost listenerAdded means a missing connected event
		lgr.Errorf("[announce] con %s is lagging, %T dropped", c.ID, msg)
	}
}

// Run drives the connection until the client leaves, the IP is
// disconnected, Stop is called or ctx is cancelled.
func (c *Con) Run(ctx context.Context, sock Socket) {
	c.sock = sock
	c.lgr.Debugf("[Run] connection from %s started", c.addr)

	reqCtx, cancelReqs := context.WithCancel(ctx)
	defer cancelReqs()
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxInflightPerConn)

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go c.readPump(frames, readErr)

	c.listeners.Send(c.connectedEvent(), c.lgr)

	code, reason := websocket.CloseNormalClosure, ""
loop:
	for {
		var err error
		select {
		case <-ctx.Done():
			code, reason = websocket.CloseGoingAway, "server shutdown"
			break loop
		case <-c.kick:
			code, reason = websocket.ClosePolicyViolation, "disconnected by gateway"
			break loop
		case rerr := <-readErr:
			if websocket.IsUnexpectedCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.lgr.Warnf("[Run] read failed: %v", rerr)
			} else {
				c.lgr.Debugf("[Run] client left: %v", rerr)
			}
			break loop
		case frame := <-frames:
			err = c.onFrame(reqCtx, &g, frame)
		case msg := <-c.ctl:
			var stop bool
			stop, err = c.onCtl(reqCtx, msg)
			if stop {
				break loop
			}
		case msg := <-c.ann:
			c.onAnnounce(msg)
		}
		if err != nil {
			c.lgr.Errorf("[Run] write failed: %v", err)
			code, reason = websocket.CloseInternalServerErr, ""
			break loop
		}
	}

	c.teardown(cancelReqs, &g, code, reason)
}

func (c *Con) readPump(frames chan<- []byte, readErr chan<- error) {
	for {
		mt, data, err := c.sock.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if mt != websocket.BinaryMessage {
			c.lgr.Warnf("[readPump] frame of type %d dropped", mt)
			continue
		}
		select {
		case frames <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Con) onCtl(ctx context.Context, msg any) (bool, error) {
	switch m := msg.(type) {
	case sendFrame:
		return false, c.writeFrame(m.frame)
	case sendEvent:
		return false, c.writeEvent(m.key, m.ev)
	case reqVerdict:
		return false, c.onVerdict(ctx, m)
	case setLiveStats:
		return false, c.onLiveStats(ctx, m)
	case stopMsg:
		return true, nil
	default:
		c.lgr.Errorf("[onCtl] unexpected message %T", msg)
		return false, nil
	}
}

func (c *Con) onAnnounce(msg any) {
	switch m := msg.(type) {
	case listenerAdded:
		if c.listeners.Add(m.l) {
			m.l.deliver(c.connectedEvent(), c.lgr)
		}
	case listenerRemoved:
		c.listeners.Remove(m.conID)
	default:
		c.lgr.Errorf("[onAnnounce] unexpected message %T", msg)
	}
}

func (c *Con) onLiveStats(ctx context.Context, m setLiveStats) error {
	if !m.enabled {
		if c.sub != nil {
			close(c.sub.off)
			c.sub = nil
			c.session.unsubscribe(c.ID)
		}
		return nil
	}
	if c.sub != nil {
		c.lgr.Debug("[onLiveStats] already listening")
		return nil
	}

	l := &listener{conID: c.ID, key: m.key, tx: c.ctl, done: c.done, off: make(chan struct{})}
	stats, err := c.session.subscribe(ctx, l)
	if err != nil {
		c.lgr.Warnf("[onLiveStats] unable to subscribe: %v", err)
		return nil
	}
	c.sub = l
	return c.writeEvent(m.key, wire.IPConnectionsSnapshot{IPs: stats})
}

func (c *Con) connectedEvent() wire.Connected {
	ev := wire.Connected{
		IP:       c.ip.String(),
		Addr:     c.addr.String(),
		ConID:    c.ID.String(),
		ReqStats: pathCounts(c.reqStats),
	}
	if c.ban.Active() {
		ev.Banned = c.clock.Now().Before(c.ban.Until)
		ev.BannedUntilMs = millis(c.ban.Until)
		ev.BanReason = c.ban.Reason.String()
	}
	return ev
}

func (c *Con) writeEvent(key wire.RouteKey, ev wire.Event) error {
	frame, err := wire.EncodeEvent(key, ev)
	if err != nil {
		c.lgr.Errorf("[writeEvent] unable to encode %s: %v", ev.Kind(), err)
		return nil
	}
	return c.writeFrame(frame)
}

func (c *Con) writeFrame(frame []byte) error {
	if c.cfg.WsioopTimeOut > 0 {
		if err := c.sock.SetWriteDeadline(time.Now().Add(c.cfg.WsioopTimeOut)); err != nil {
			return err
		}
	}
	return c.sock.WriteMessage(websocket.BinaryMessage, frame)
}

// teardown stops accepting work, awaits the request tasks, leaves the
// listeners and finally reports to the gateway.
func (c *Con) teardown(cancelReqs context.CancelFunc, g *errgroup.Group, code int, reason string) {
	c.closeOnce.Do(func() { close(c.done) })
	cancelReqs()
	if err := g.Wait(); err != nil {
		c.lgr.Errorf("[teardown] request task failed: %v", err)
	}

	if c.sub != nil {
		close(c.sub.off)
		c.sub = nil
		c.session.unsubscribe(c.ID)
	}
	c.listeners.Remove(c.ID)
	c.listeners.Send(wire.Disconnected{ConID: c.ID.String()}, c.lgr)

	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.lgr.Debugf("[teardown] unable to send the close frame: %v", err)
	}
	if err := c.sock.Close(); err != nil {
		c.lgr.Debugf("[teardown] Error closing the socket: %v", err)
	}

	c.session.notifyDisconnected(c.ip, c.ID)
	c.lgr.Debug("[teardown] connection closed")
}
