package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all backtest routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/backtest", func(r chi.Router) {
		r.Post("/runs", h.HandleSubmitRun)
		r.Post("/walkforward", h.HandleSubmitWalkForward)
		r.Post("/compare", h.HandleSubmitCompare)
		r.Get("/runs", h.HandleListRuns)

		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				h.HandleGetRun(w, r, chi.URLParam(r, "runID"))
			})
			r.Get("/result", func(w http.ResponseWriter, r *http.Request) {
				h.HandleGetResult(w, r, chi.URLParam(r, "runID"))
			})
		})
	})
}
