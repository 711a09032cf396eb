package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dasiyes/ivmgate/pkg/wire"
	"github.com/dasiyes/ivmgate/tools"
	"github.com/go-chi/chi"
	log "github.com/sirupsen/logrus"
)

// Snapshotter is the part of the gateway the api reads from.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]wire.IPStat, error)
}

type ApiHandler struct {
	Gateway Snapshotter
	Name    string
	Now     func() time.Time
}

func (ah *ApiHandler) Router() chi.Router {
	rtr := chi.NewRouter()

	rtr.Route("/", func(r chi.Router) {
		r.Get("/", ah.welcome)
		r.Get("/info", ah.serverinfo)
		r.Get("/ips", ah.ips)
		r.Get("/ipcount", ah.ipcount)
		r.Get("/top", ah.top)
	})

	return rtr
}

func (ah *ApiHandler) welcome(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("{\"success\":\"Welcome to ivmgate api\"}"))
}

func (ah *ApiHandler) serverinfo(w http.ResponseWriter, r *http.Request) {
	tools.ServerInfo(w, r, ah.Name)
}

func (ah *ApiHandler) snapshot(w http.ResponseWriter, r *http.Request) ([]wire.IPStat, bool) {
	stats, err := ah.Gateway.Snapshot(r.Context())
	if err != nil {
		log.Errorf("[api] snapshot failed: %v", err)
		http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		return nil, false
	}
	return stats, true
}

func (ah *ApiHandler) ips(w http.ResponseWriter, r *http.Request) {
	stats, ok := ah.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]interface{}{"ips": stats})
}

func (ah *ApiHandler) ipcount(w http.ResponseWriter, r *http.Request) {
	stats, ok := ah.snapshot(w, r)
	if !ok {
		return
	}
	now := time.Now
	if ah.Now != nil {
		now = ah.Now
	}
	writeJSON(w, tools.CountIPs(stats, now().UnixMilli()))
}

func (ah *ApiHandler) top(w http.ResponseWriter, r *http.Request) {
	stats, ok := ah.snapshot(w, r)
	if !ok {
		return
	}
	ip, max := tools.TopIP(stats)
	writeJSON(w, map[string]interface{}{"ip": ip, "allowed": max})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("[api] unable to encode the response: %v", err)
	}
}
