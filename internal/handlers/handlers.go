// Package handlers exposes identity reconciliation over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"identityrecon/internal/models"
	"identityrecon/internal/service"
)

//go:generate mockgen -source=handlers.go -destination=mocks/handlers_mock.go -package=mocks Identifier,Pinger

// Identifier is the reconciliation service the handlers call.
type Identifier interface {
	Identify(ctx context.Context, email, phone *string) (*models.IdentifyResponse, error)
	Lookup(ctx context.Context, id int64) (*models.IdentifyResponse, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler serves the identify API.
type Handler struct {
	identifier Identifier
	checks     map[string]Pinger
	logger     *slog.Logger
}

// New creates a Handler. checks are consulted by the readiness endpoint,
// keyed by dependency name.
func New(identifier Identifier, checks map[string]Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{identifier: identifier, checks: checks, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: code, Message: message})
}

// writeServiceError maps service error kinds onto HTTP responses. Internal
// detail is logged, never returned.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", "email or phoneNumber is required")
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "contact not found")
	case errors.Is(err, service.ErrInvariantViolation):
		writeError(w, http.StatusInternalServerError, "internal_error", "identity data is inconsistent")
	case errors.Is(err, service.ErrStoreUnavailable),
		errors.Is(err, service.ErrConcurrencyConflict),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "try again later")
	default:
		h.logger.ErrorContext(r.Context(), "unhandled error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
