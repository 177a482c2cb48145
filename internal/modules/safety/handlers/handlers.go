// Package handlers exposes the safety gate over HTTP: state inspection,
// direct metric injection, and the manual reset.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/modules/safety"
)

// Handler handles safety gate HTTP requests.
type Handler struct {
	gate *safety.Gate
	log  zerolog.Logger
}

// NewHandler creates a new safety handler
func NewHandler(gate *safety.Gate, log zerolog.Logger) *Handler {
	return &Handler{
		gate: gate,
		log:  log.With().Str("handler", "safety").Logger(),
	}
}

// HandleGetState returns the full gate position.
func (h *Handler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	h.writeState(w, h.gate.State())
}

// HandleIngestTick accepts one metric tick over HTTP. The WebSocket
// feed is the normal path; this endpoint serves producers that can
// only POST, and operational drills.
func (h *Handler) HandleIngestTick(w http.ResponseWriter, r *http.Request) {
	var tick safety.MetricTick
	if err := json.NewDecoder(r.Body).Decode(&tick); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	accepted := h.gate.Ingest(tick)
	response := map[string]interface{}{
		"data": map[string]interface{}{
			"accepted": accepted,
			"state":    h.gate.State(),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	h.writeJSON(w, http.StatusOK, response)
}

type resetRequest struct {
	Operator string `json:"operator"`
}

// HandleReset performs the operator's manual reset, the only exit from
// Emergency.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if r.Body != nil {
		// Body is optional; a bare POST resets as "api".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Operator == "" {
		req.Operator = "api"
	}

	h.log.Info().Str("operator", req.Operator).Msg("Manual safety reset requested")
	h.writeState(w, h.gate.ManualReset(req.Operator))
}

func (h *Handler) writeState(w http.ResponseWriter, state safety.State) {
	response := map[string]interface{}{
		"data": state,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	h.writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
