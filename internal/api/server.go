// Package api exposes the tracker over HTTP: scope lifecycle, snapshots,
// manual refreshes and command submission.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/vkuzmin/fleetwatch/internal/cloud"
	"github.com/vkuzmin/fleetwatch/internal/reconcile"
	"github.com/vkuzmin/fleetwatch/internal/resource"
)

// Server is the HTTP front door for a Tracker.
type Server struct {
	addr       string
	tracker    *reconcile.Tracker
	httpServer *http.Server
}

// NewServer creates a new API server bound to the given tracker.
func NewServer(host string, port int, tracker *reconcile.Tracker) *Server {
	return &Server{
		addr:    fmt.Sprintf("%s:%d", host, port),
		tracker: tracker,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/scopes", s.handleListScopes)
	mux.HandleFunc("POST /v1/scopes/{project}/{location}", s.handleEnter)
	mux.HandleFunc("DELETE /v1/scopes/{project}/{location}", s.handleExit)
	mux.HandleFunc("GET /v1/scopes/{project}/{location}/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /v1/scopes/{project}/{location}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/scopes/{project}/{location}/commands", s.handleSubmit)
	mux.HandleFunc("GET /v1/scopes/{project}/{location}/commands/{resource}/{kind}", s.handleCommandStatus)

	return mux
}

// Run starts the API server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.routes(),
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func scopeFromRequest(r *http.Request) resource.Scope {
	return resource.Scope{
		Project:  r.PathValue("project"),
		Location: r.PathValue("location"),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListScopes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scopes": s.tracker.ActiveScopes()})
}

func (s *Server) handleEnter(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromRequest(r)
	if err := s.tracker.Enter(scope); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "entered"})
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromRequest(r)
	if err := s.tracker.Exit(scope); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "exited"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromRequest(r)
	snap, ok := s.tracker.LatestSnapshot(scope)
	if !ok {
		http.Error(w, "no snapshot for scope", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scope":     scope,
		"seq":       snap.Seq,
		"taken":     snap.Taken,
		"polling":   s.tracker.IsPolling(scope),
		"resources": snap.Resources,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromRequest(r)
	if err := s.tracker.Refresh(r.Context(), scope); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

type submitRequest struct {
	Kind       string            `json:"kind"`
	ResourceID string            `json:"resource_id"`
	Params     map[string]string `json:"params,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	cmd, err := s.tracker.Submit(r.Context(), cloud.Command{
		Scope:      scopeFromRequest(r),
		Kind:       cloud.CommandKind(req.Kind),
		ResourceID: req.ResourceID,
		Params:     req.Params,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "succeeded",
		"command_id": cmd.ID,
	})
}

func (s *Server) handleCommandStatus(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromRequest(r)
	status := s.tracker.CommandStatus(scope, r.PathValue("resource"), cloud.CommandKind(r.PathValue("kind")))
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode API response")
	}
}

// writeError maps tracker errors onto HTTP statuses. Local rejections are
// conflicts, unknown scopes are not-found, backend failures are bad gateways.
func writeError(w http.ResponseWriter, err error) {
	var cmdErr *reconcile.CommandError
	var fetchErr *reconcile.FetchError
	switch {
	case errors.Is(err, reconcile.ErrBusy), errors.Is(err, reconcile.ErrTransientTarget):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, reconcile.ErrScopeNotActive):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &cmdErr), errors.As(err, &fetchErr):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}
