// Package api exposes the operational HTTP endpoints: health, due-status,
// and a manual reminder-pass trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nudgebot/nudgebot/internal/database"
	"github.com/nudgebot/nudgebot/internal/obligation"
)

// Server serves the operational HTTP API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds the ops API server listening on addr.
func NewServer(addr string, store database.Store, obligations *obligation.Service, logger *slog.Logger) *Server {
	log := logger.With("component", "api")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := store.Ping(req.Context()); err != nil {
			log.ErrorContext(req.Context(), "Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status/due", func(w http.ResponseWriter, req *http.Request) {
		due, err := obligations.Due(req.Context())
		if err != nil {
			log.ErrorContext(req.Context(), "Failed to compute due status", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to compute due status"})
			return
		}
		writeJSON(w, http.StatusOK, due)
	})

	r.Post("/reminders/run", func(w http.ResponseWriter, req *http.Request) {
		if err := obligations.RunReminderPass(req.Context()); err != nil {
			log.ErrorContext(req.Context(), "Manual reminder pass failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log,
	}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Ops API listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Ops API shutdown error", "error", err)
			return err
		}
		s.logger.Info("Ops API stopped gracefully.")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
