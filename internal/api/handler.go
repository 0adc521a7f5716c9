// Package api provides HTTP handlers for the relay API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/halfduplex/internal/store"
)

const defaultHealthCheckTimeout = 5 * time.Second

// Handler serves the relay's REST endpoints. repo may be nil when the
// transcript ledger is disabled.
type Handler struct {
	repo               store.Repository
	logger             *slog.Logger
	healthCheckTimeout time.Duration
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:               repo,
		logger:             logger,
		healthCheckTimeout: defaultHealthCheckTimeout,
	}
}

// Routes registers the handler's routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/transcripts/{sessionID}", h.Transcript)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
