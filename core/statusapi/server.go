// Package statusapi exposes retained push state and live notifications.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/masher/core/infra/buildinfo"
	"github.com/cordum/masher/core/infra/logging"
	"github.com/cordum/masher/core/infra/metrics"
	"github.com/cordum/masher/core/masher/pushstate"
	"github.com/cordum/masher/core/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// BusStatus reports the bus connection for /health.
type BusStatus interface {
	IsConnected() bool
	Status() string
}

// Server serves the status endpoints.
type Server struct {
	States *pushstate.Store
	Hub    *notify.Hub
	Bus    BusStatus
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Bus     string `json:"bus,omitempty"`
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/pushes", s.handleListPushes)
	mux.HandleFunc("GET /v1/pushes/{tag}", s.handleGetPush)
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Run listens on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("status", "http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Version: buildinfo.Release()}
	code := http.StatusOK
	if s.Bus != nil {
		resp.Bus = s.Bus.Status()
		if !s.Bus.IsConnected() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleListPushes(w http.ResponseWriter, _ *http.Request) {
	entries, err := s.States.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []pushstate.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetPush(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	st, err := s.States.Load(tag)
	switch {
	case errors.Is(err, pushstate.ErrStateNotFound):
		http.Error(w, "no push state for "+tag, http.StatusNotFound)
		return
	case errors.Is(err, pushstate.ErrInvalidTag):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pushstate.Entry{TagID: tag, State: st})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("status", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("status", "ws connected", "remote", r.RemoteAddr)

	events, unsubscribe := s.Hub.Subscribe()
	defer unsubscribe()

	// The reader only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				logging.Error("status", "encode event failed", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
