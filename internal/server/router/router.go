/*
MIT License

# Copyright (c) 2023 ivmanto

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package router

import (
	"context"
	stdlog "log"
	"net/http"
	"os"

	"github.com/dasiyes/ivmgate/api"
	"github.com/dasiyes/ivmgate/configs/config"
	"github.com/dasiyes/ivmgate/internal/gate"
	"github.com/dasiyes/ivmgate/internal/server/wsgate"
	"github.com/dasiyes/ivmgate/internal/services"
	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var l = log.New()

// Constructing web application depenedencies in the format of handler
type srvHandler struct {
	ctx      context.Context
	session  *services.Session
	resolver gate.AddrResolver
	cfg      *config.ServiceConfig
	// ... add other dependencies here
}

func (h *srvHandler) router() chi.Router {

	rtr := chi.NewRouter()

	// Building middleware chain
	rtr.Use(accessControl)
	rtr.Use(healthcheck)
	rtr.Use(serverinfo)

	// Handle requests to the root URL "/" - gateway websocket connections
	rtr.Route("/", func(wr chi.Router) {
		wl := stdlog.New(os.Stderr, "[http-srv] ", stdlog.LstdFlags)
		ws := wsgate.NewWSHandler(h.ctx, wl, h.session, h.resolver, h.cfg)
		wr.Mount("/", ws.Router())
	})

	// Handle Prometheus metrics
	rtr.Handle("/metrics", promhttp.Handler())

	// Route the API calls to/v1/api/ ...
	rtr.Route("/v1", func(r chi.Router) {
		rh := api.ApiHandler{Gateway: h.session, Name: h.cfg.Name}
		r.Mount("/api", rh.Router())
	})

	return rtr
}

// NewResolver picks how client addresses are derived from requests: a
// single header, trusted proxies, or the TCP peer.
func NewResolver(cfg *config.ServiceConfig) (gate.AddrResolver, error) {
	switch {
	case cfg.ClientIPHeader != "":
		return gate.HeaderResolver{Header: cfg.ClientIPHeader}, nil
	case len(cfg.TrustedProxies) > 0:
		return gate.NewProxyResolver(cfg.TrustedProxies)
	default:
		return gate.DirectResolver{}, nil
	}
}

// Handler to manage endpoints. ctx bounds the websocket connections.
func NewHandler(ctx context.Context, session *services.Session, cfg *config.ServiceConfig) (http.Handler, error) {

	resolver, err := NewResolver(cfg)
	if err != nil {
		l.Errorf("[NewHandler] unable to build the address resolver: %v", err)
		return nil, err
	}

	e := srvHandler{
		ctx:      ctx,
		session:  session,
		resolver: resolver,
		cfg:      cfg,
	}
	l.Printf("...initializing router (http server Handler) ...")
	l.Debugf("...client address resolver: %T ...", resolver)

	return e.router(), nil
}
