package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"time"
)

type Instance struct {
	lg         *log.Logger
	httpServer *http.Server
}

// NewInstance builds the server up front so Shutdown works whether or not
// Start has run yet.
func NewInstance() *Instance {

	s := &Instance{
		lg: log.New(os.Stdout, "[http]: ", log.LstdFlags),
		httpServer: &http.Server{
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.lg.Println("...initiating new Instance of HTTP server...")

	return s
}

// Start blocks until the server stops. A graceful Shutdown returns nil,
// also when it came before Start.
func (s *Instance) Start(addr string, endp http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.lg.Printf("unable to listen on %s: %v", addr, err)
		return err
	}
	return s.Serve(ln, endp)
}

// Serve runs the server on an existing listener.
func (s *Instance) Serve(ln net.Listener, endp http.Handler) error {
	s.httpServer.Handler = endp

	err := s.httpServer.Serve(ln) // Blocks!
	if errors.Is(err, http.ErrServerClosed) {
		s.lg.Printf("http server stopped")
		return nil
	}
	s.lg.Printf("http Server stopped unexpected: %v", err)
	return err
}

// Shutdown stops accepting connections and waits for in-flight plain
// requests. Upgraded websocket connections are closed by the gateway.
func (s *Instance) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.lg.Printf("CRITICAL: Failed to shutdown http server gracefully: %v", err)
		return err
	}
	return nil
}
