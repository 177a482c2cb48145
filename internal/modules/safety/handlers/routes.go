package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all safety routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/safety", func(r chi.Router) {
		r.Get("/state", h.HandleGetState)
		r.Post("/metrics", h.HandleIngestTick)
		r.Post("/reset", h.HandleReset)
	})
}
