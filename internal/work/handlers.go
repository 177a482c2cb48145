package work

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handlers provides HTTP handlers for the run processor
type Handlers struct {
	processor *Processor
}

// NewHandlers creates new HTTP handlers for the run processor
func NewHandlers(processor *Processor) *Handlers {
	return &Handlers{processor: processor}
}

// RegisterRoutes registers HTTP routes for processor management
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/work", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/trigger", h.TriggerProcessor)
	})
}

// Status reports queue depth and in-flight jobs
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"queue_depth": h.processor.QueueDepth(),
		"in_flight":   h.processor.InFlight(),
	})
}

// TriggerProcessor wakes the processor to check for queued work
func (h *Handlers) TriggerProcessor(w http.ResponseWriter, r *http.Request) {
	h.processor.Trigger()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "triggered",
	})
}
