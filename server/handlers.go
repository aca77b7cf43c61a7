package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BasedNight/friend-lite/bluetooth"
	"github.com/BasedNight/friend-lite/journal"
	"github.com/BasedNight/friend-lite/network"
	"github.com/BasedNight/friend-lite/uplink"
)

// connectWaitTimeout bounds how long /uplink/connect blocks on the first
// attempt before answering 202 with the in-flight status.
const connectWaitTimeout = 15 * time.Second

type InfoResponse struct {
	Version         string `json:"version"`
	ProtocolVersion int    `json:"protocolVersion"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type StatusResponse struct {
	Uplink  uplink.Status            `json:"uplink"`
	Pendant *bluetooth.ManagerStatus `json:"pendant,omitempty"`
	Network network.Status           `json:"network"`
}

type ConnectRequest struct {
	Target string `json:"target"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) routes() {
	s.router.HandleFunc("/info", corsMiddleware(s.handleInfo))
	s.router.HandleFunc("/status", corsMiddleware(s.handleStatus))
	s.router.HandleFunc("/network/status", corsMiddleware(s.handleNetworkStatus))
	s.router.HandleFunc("/sessions", corsMiddleware(s.handleSessions))
	s.router.HandleFunc("/sessions/", corsMiddleware(s.handleSessionTransitions))
	s.router.HandleFunc("/uplink/connect", corsMiddleware(s.handleUplinkConnect))
	s.router.HandleFunc("/uplink/disconnect", corsMiddleware(s.handleUplinkDisconnect))
	s.router.HandleFunc("/pendant/connect", corsMiddleware(s.handlePendantConnect))
	s.router.HandleFunc("/pendant/disconnect", corsMiddleware(s.handlePendantDisconnect))
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("server: websocket upgrade failed", zap.Error(err))
		return
	}
	s.cfg.Hub.Register(conn)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	json.NewEncoder(w).Encode(InfoResponse{
		Version:         s.cfg.Version,
		ProtocolVersion: uplink.ProtocolVersion,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	resp := StatusResponse{
		Uplink:  s.cfg.Uplink.Status(),
		Network: s.cfg.Monitor.Current(),
	}
	if s.cfg.Pendant != nil {
		st := s.cfg.Pendant.Status()
		resp.Pendant = &st
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleNetworkStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	json.NewEncoder(w).Encode(s.cfg.Monitor.Current())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(ErrorResponse{Error: "Invalid limit"})
			return
		}
		limit = n
	}

	sessions, err := s.cfg.Journal.RecentSessions(limit)
	if err != nil {
		s.log.Error("server: list sessions", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Failed to read session history"})
		return
	}
	if sessions == nil {
		sessions = []journal.Session{}
	}
	json.NewEncoder(w).Encode(sessions)
}

func (s *Server) handleSessionTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "transitions" {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Not found"})
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Invalid session id"})
		return
	}

	transitions, err := s.cfg.Journal.Transitions(id)
	if err != nil {
		s.log.Error("server: list transitions", zap.Int64("session", id), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Failed to read session history"})
		return
	}
	if transitions == nil {
		transitions = []journal.Transition{}
	}
	json.NewEncoder(w).Encode(transitions)
}

func (s *Server) handleUplinkConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Invalid request body"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectWaitTimeout)
	defer cancel()

	err := s.cfg.Uplink.Start(ctx, req.Target)
	switch {
	case err == nil:
		json.NewEncoder(w).Encode(s.cfg.Uplink.Status())
	case errors.Is(err, uplink.ErrEmptyTarget):
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
	case errors.Is(err, uplink.ErrNoConnectivity):
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Still connecting or retrying; the session stays armed.
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(s.cfg.Uplink.Status())
	default:
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
	}
}

func (s *Server) handleUplinkDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	s.cfg.Uplink.Stop()
	json.NewEncoder(w).Encode(s.cfg.Uplink.Status())
}

func (s *Server) handlePendantConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	if s.cfg.Pendant == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Pendant manager not initialized"})
		return
	}
	if err := s.cfg.Pendant.Start(); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
		return
	}
	json.NewEncoder(w).Encode(s.cfg.Pendant.Status())
}

func (s *Server) handlePendantDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	if s.cfg.Pendant == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Pendant manager not initialized"})
		return
	}
	s.cfg.Pendant.Stop()
	json.NewEncoder(w).Encode(s.cfg.Pendant.Status())
}
