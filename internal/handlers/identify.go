package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"identityrecon/internal/models"
)

const maxBodyBytes = 1 << 16

// Identify handles POST /identify.
func (h *Handler) Identify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req models.IdentifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.DebugContext(r.Context(), "invalid identify body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
		return
	}

	email, phone := req.Normalize()
	if email == nil && phone == nil {
		writeError(w, http.StatusBadRequest, "validation_error", "email or phoneNumber is required")
		return
	}

	resp, err := h.identifier.Identify(r.Context(), email, phone)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Contact handles GET /contacts/{id}.
func (h *Handler) Contact(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "contact id must be a positive integer")
		return
	}

	resp, err := h.identifier.Lookup(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
