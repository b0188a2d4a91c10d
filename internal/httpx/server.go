package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/fzheng/sigmapilot/internal/metrics"
)

// Server is the shared HTTP scaffold for every service: health, metrics,
// docs, and a router the service mounts its own endpoints on.
type Server struct {
	Router  *mux.Router
	service string
	token   string
	srv     *http.Server
}

// New builds a server with the standard surface mounted.
func New(service, addr, ownerToken string, reg *metrics.Registry) *Server {
	r := mux.NewRouter()
	s := &Server{Router: r, service: service, token: ownerToken}

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleDocs).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("http listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Admin wraps a handler with the x-owner-key check.
func (s *Server) Admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" || r.Header.Get("x-owner-key") != s.token {
			WriteError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": s.service,
		"ts":      time.Now().UTC(),
	})
}

func (s *Server) handleDocs(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"openapi": "3.0.0",
		"info":    map[string]string{"title": "sigmapilot " + s.service, "version": "v1"},
	})
}

// WriteJSON renders a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}

// WriteError renders the {error: "..."} envelope.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
