package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

const readyTimeout = 2 * time.Second

// Root handles GET / with a short description of the service.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"message":   "identity reconciliation service is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"endpoints": map[string]string{
			"identify": "/identify",
			"contact":  "/contacts/{id}",
			"health":   "/health",
			"ready":    "/health/ready",
			"metrics":  "/metrics",
		},
	})
}

// Health handles GET /health. It only reports that the process serves.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready by pinging every dependency.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "readiness check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{"status": "ready", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "not_ready"
	}
	writeJSON(w, status, body)
}
