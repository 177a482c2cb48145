// Package handlers provides HTTP handlers for run ledger queries,
// verification, and corrections.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/ledger"
)

// Handler handles run ledger HTTP requests. Decision records enter the
// ledger through the decision pipeline; the only write exposed here is
// the correction endpoint, which appends a new record referencing the
// original rather than mutating it.
type Handler struct {
	service *ledger.Service
	log     zerolog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *ledger.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "ledger").Logger(),
	}
}

// runLister is satisfied by stores that can enumerate runs. The
// in-memory test store does not; the endpoint degrades to an empty
// listing there.
type runLister interface {
	ListRuns(ctx context.Context, limit int) ([]ledger.RunSummary, error)
}

// HandleListRuns handles GET /api/ledger/runs
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	lister, ok := h.service.Store().(runLister)
	if !ok {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{
				"runs":  []ledger.RunSummary{},
				"count": 0,
			},
			"metadata": map[string]interface{}{
				"timestamp": time.Now().Format(time.RFC3339),
			},
		})
		return
	}

	runs, err := lister.ListRuns(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"runs":  runs,
			"count": len(runs),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleGetRun handles GET /api/ledger/runs/{runID}
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	records, err := h.service.Store().List(r.Context(), runID)
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Msg("Failed to list run records")
		http.Error(w, "Failed to list run records", http.StatusInternalServerError)
		return
	}

	if len(records) == 0 {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"run_id":  runID,
			"records": records,
			"count":   len(records),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleGetRecord handles GET /api/ledger/runs/{runID}/records/{seq}
func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request, runID, seqStr string) {
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		http.Error(w, "Invalid sequence number", http.StatusBadRequest)
		return
	}

	record, err := h.service.Store().Get(r.Context(), runID, seq)
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Int64("seq", seq).Msg("Failed to get run record")
		http.Error(w, "Failed to get run record", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "Record not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"data": record,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	h.writeJSON(w, http.StatusOK, response)
}

// CorrectionRequest is the replacement decision cycle for a correction.
// The path names the record being corrected; the service allocates a
// fresh sequence and links the new record back to it.
type CorrectionRequest struct {
	Epoch         int                          `json:"epoch"`
	Seed          int64                        `json:"seed"`
	SchemaVersion string                       `json:"schema_version"`
	Coefficients  domain.ObjectiveCoefficients `json:"coefficients"`
	Constraints   domain.Constraints           `json:"constraints"`
	QuadWeight    float64                      `json:"quad_weight"`
	Decision      domain.PortfolioDecision     `json:"decision"`
	Safety        domain.SafetySnapshot        `json:"safety"`
}

// HandleCorrectRecord handles POST /api/ledger/runs/{runID}/records/{seq}/corrections
func (h *Handler) HandleCorrectRecord(w http.ResponseWriter, r *http.Request, runID, seqStr string) {
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		http.Error(w, "Invalid sequence number", http.StatusBadRequest)
		return
	}

	var req CorrectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	record, err := h.service.Correct(r.Context(), runID, seq, ledger.RecordInput{
		Epoch:         req.Epoch,
		Seed:          req.Seed,
		SchemaVersion: req.SchemaVersion,
		Coefficients:  req.Coefficients,
		Constraints:   req.Constraints,
		QuadWeight:    req.QuadWeight,
		Decision:      req.Decision,
		Safety:        req.Safety,
	})
	if err != nil {
		if domain.IsInvalidInput(err) {
			http.Error(w, "Record not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("run_id", runID).Int64("seq", seq).Msg("Failed to append correction")
		http.Error(w, "Failed to append correction", http.StatusInternalServerError)
		return
	}

	h.log.Info().
		Str("run_id", runID).
		Int64("corrects_seq", seq).
		Int64("seq", record.Seq).
		Msg("Correction appended")

	response := map[string]interface{}{
		"data": record,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	h.writeJSON(w, http.StatusCreated, response)
}

// HandleVerifyRun handles GET /api/ledger/runs/{runID}/verify
// An explicit ?public_key= overrides the service's configured key, so
// externally archived runs can be checked against a pinned key.
func (h *Handler) HandleVerifyRun(w http.ResponseWriter, r *http.Request, runID string) {
	publicKey := r.URL.Query().Get("public_key")
	if publicKey == "" {
		publicKey = h.service.PublicKey()
	}

	result, err := h.service.VerifyRun(r.Context(), runID, publicKey)
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Msg("Failed to verify run")
		http.Error(w, "Failed to verify run", http.StatusInternalServerError)
		return
	}

	if result.Records == 0 {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"data": result,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleGetPublicKey handles GET /api/ledger/public-key
func (h *Handler) HandleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	key := h.service.PublicKey()

	response := map[string]interface{}{
		"data": map[string]interface{}{
			"public_key": key,
			"signing":    key != "",
		},
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
