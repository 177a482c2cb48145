package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all ledger routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/runs", h.HandleListRuns)
		r.Get("/public-key", h.HandleGetPublicKey)

		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				h.HandleGetRun(w, r, chi.URLParam(r, "runID"))
			})
			r.Get("/verify", func(w http.ResponseWriter, r *http.Request) {
				h.HandleVerifyRun(w, r, chi.URLParam(r, "runID"))
			})
			r.Get("/records/{seq}", func(w http.ResponseWriter, r *http.Request) {
				h.HandleGetRecord(w, r, chi.URLParam(r, "runID"), chi.URLParam(r, "seq"))
			})
			r.Post("/records/{seq}/corrections", func(w http.ResponseWriter, r *http.Request) {
				h.HandleCorrectRecord(w, r, chi.URLParam(r, "runID"), chi.URLParam(r, "seq"))
			})
		})
	})
}
