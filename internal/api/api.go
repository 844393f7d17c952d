// Package api serves the control service's HTTP admin surface: clients
// submit desired configuration and read back configuration and observed
// cluster state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"drover"

	"drover/internal/config"
	"drover/internal/logging"
)

// Cluster is the control-plane surface the API needs.
type Cluster interface {
	SetConfiguration(ctx context.Context, configuration drover.Deployment) error
	Snapshot(ctx context.Context) (configuration, state drover.Deployment, err error)
}

// Server is the admin HTTP server.
type Server struct {
	cluster Cluster
	log     *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the server; Start binds it.
func NewServer(addr string, cluster Cluster) *Server {
	s := &Server{
		cluster: cluster,
		log:     logging.Component("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /v1/state", s.getState)
	mux.HandleFunc("GET /v1/configuration", s.getConfiguration)
	mux.HandleFunc("PUT /v1/configuration", s.putConfiguration)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and serves in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = listener
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin api serve failed", "err", err)
		}
	}()
	s.log.Info("admin api listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address. Valid after Start.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// configurationRequest is the PUT /v1/configuration body: the two YAML
// documents, submitted verbatim.
type configurationRequest struct {
	Applications string `json:"applications"`
	Deployment   string `json:"deployment"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	_, state, err := s.cluster.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) getConfiguration(w http.ResponseWriter, r *http.Request) {
	configuration, _, err := s.cluster.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, configuration)
}

func (s *Server) putConfiguration(w http.ResponseWriter, r *http.Request) {
	var req configurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request body: %w", err))
		return
	}

	deployment, err := config.ModelFromConfiguration([]byte(req.Applications), []byte(req.Deployment))
	if err != nil {
		var confErr *config.ConfigurationError
		if errors.As(err, &confErr) {
			s.writeError(w, http.StatusUnprocessableEntity, confErr)
			return
		}
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.cluster.SetConfiguration(r.Context(), deployment); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("configuration updated", "nodes", len(deployment.Nodes))
	s.writeJSON(w, http.StatusOK, deployment)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", status, "err", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
