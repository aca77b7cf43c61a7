// Package server exposes the daemon's local HTTP API: status and session
// queries, uplink and pendant control, and a WebSocket event stream.
package server

import (
	"context"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/BasedNight/friend-lite/bluetooth"
	"github.com/BasedNight/friend-lite/journal"
	"github.com/BasedNight/friend-lite/network"
	"github.com/BasedNight/friend-lite/uplink"
	"github.com/BasedNight/friend-lite/utils"
)

// Config holds the dependencies for the HTTP server. Pendant may be nil
// when BlueZ is unavailable; the pendant routes then answer 503.
type Config struct {
	Addr    string // listen address, default ":8080"
	Version string

	Uplink  *uplink.Client
	Pendant *bluetooth.Manager
	Monitor *network.Monitor
	Journal *journal.Journal
	Hub     *utils.Hub
	Logger  *zap.Logger
}

// Server serves the daemon API over HTTP.
type Server struct {
	cfg    Config
	log    *zap.Logger
	router *http.ServeMux
	http   *http.Server
	ln     net.Listener
}

func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		log:    cfg.Logger,
		router: http.NewServeMux(),
	}
	s.routes()
	return s
}

// Start binds the listen address and serves in the background. Shutdown is
// the caller's job via Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.http = &http.Server{Handler: s.router}
	s.log.Info("server: listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: serve failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, useful when Config.Addr used port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
