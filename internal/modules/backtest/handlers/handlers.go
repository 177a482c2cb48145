// Package handlers provides HTTP handlers for submitting backtest jobs
// and reading their results.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/backtest"
)

// Submitter queues jobs for background execution. Implemented by the
// work processor.
type Submitter interface {
	SubmitRun(ctx context.Context, spec backtest.RunSpec) (string, error)
	SubmitWalkForward(ctx context.Context, spec backtest.WalkForwardSpec) (string, error)
	SubmitCompare(ctx context.Context, spec backtest.CompareSpec) (string, error)
}

// Handler handles backtest HTTP requests.
type Handler struct {
	store     *backtest.Store
	submitter Submitter
	log       zerolog.Logger
}

// NewHandler creates a new backtest handler
func NewHandler(store *backtest.Store, submitter Submitter, log zerolog.Logger) *Handler {
	return &Handler{
		store:     store,
		submitter: submitter,
		log:       log.With().Str("handler", "backtest").Logger(),
	}
}

// defaultPanelEpochs is the panel depth used when a synthetic spec
// omits the epoch count.
const defaultPanelEpochs = 90

// runRequest is the submit body shared by all job kinds. History is
// either inline or generated from the synthetic panel spec; inline
// wins when both are present.
type runRequest struct {
	RunID        string                  `json:"run_id"`
	Seed         int64                   `json:"seed"`
	Model        string                  `json:"model"`
	Variant      string                  `json:"variant"`
	StartEpoch   int                     `json:"start_epoch"`
	EndEpoch     int                     `json:"end_epoch"`
	PerturbAfter int                     `json:"perturb_after"`
	Models       []string                `json:"models"`
	FitWindow    int                     `json:"fit_window"`
	EvalWindow   int                     `json:"eval_window"`
	History      domain.PriceHistory     `json:"history"`
	Synthetic    *backtest.SyntheticSpec `json:"synthetic"`
}

func (req *runRequest) resolveHistory() (domain.PriceHistory, error) {
	if len(req.History) > 0 {
		return req.History, nil
	}
	if req.Synthetic == nil {
		return nil, domain.InvalidInputError{Reason: "request needs history or synthetic panel spec"}
	}
	spec := *req.Synthetic
	if spec.Seed == 0 {
		spec.Seed = req.Seed
	}
	if spec.Epochs == 0 {
		spec.Epochs = defaultPanelEpochs
	}
	return backtest.GenerateHistory(spec)
}

// HandleSubmitRun handles POST /api/backtest/runs
func (h *Handler) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	history, err := req.resolveHistory()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runID, err := h.submitter.SubmitRun(r.Context(), backtest.RunSpec{
		RunID:        req.RunID,
		Seed:         req.Seed,
		History:      history,
		Model:        req.Model,
		Variant:      backtest.PipelineVariant(req.Variant),
		StartEpoch:   req.StartEpoch,
		EndEpoch:     req.EndEpoch,
		PerturbAfter: req.PerturbAfter,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to submit run")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.writeAccepted(w, runID)
}

// HandleSubmitWalkForward handles POST /api/backtest/walkforward
func (h *Handler) HandleSubmitWalkForward(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	history, err := req.resolveHistory()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runID, err := h.submitter.SubmitWalkForward(r.Context(), backtest.WalkForwardSpec{
		RunID:      req.RunID,
		Seed:       req.Seed,
		History:    history,
		Variant:    backtest.PipelineVariant(req.Variant),
		Models:     req.Models,
		FitWindow:  req.FitWindow,
		EvalWindow: req.EvalWindow,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to submit walk-forward run")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.writeAccepted(w, runID)
}

// HandleSubmitCompare handles POST /api/backtest/compare
func (h *Handler) HandleSubmitCompare(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	history, err := req.resolveHistory()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runID, err := h.submitter.SubmitCompare(r.Context(), backtest.CompareSpec{
		RunID:        req.RunID,
		Seed:         req.Seed,
		History:      history,
		Model:        req.Model,
		StartEpoch:   req.StartEpoch,
		EndEpoch:     req.EndEpoch,
		PerturbAfter: req.PerturbAfter,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to submit comparison")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.writeAccepted(w, runID)
}

// HandleListRuns handles GET /api/backtest/runs
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list backtest runs")
		http.Error(w, "Failed to list backtest runs", http.StatusInternalServerError)
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

// HandleGetRun handles GET /api/backtest/runs/{runID}
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	row, err := h.store.Get(r.Context(), runID)
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Msg("Failed to get backtest run")
		http.Error(w, "Failed to get backtest run", http.StatusInternalServerError)
		return
	}
	if row == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"data": row,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleGetResult handles GET /api/backtest/runs/{runID}/result
// The stored payload decodes by kind into the full typed result.
func (h *Handler) HandleGetResult(w http.ResponseWriter, r *http.Request, runID string) {
	row, err := h.store.Get(r.Context(), runID)
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Msg("Failed to get backtest run")
		http.Error(w, "Failed to get backtest run", http.StatusInternalServerError)
		return
	}
	if row == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if row.Status != backtest.StatusCompleted {
		http.Error(w, "Run has no result: "+row.Status, http.StatusConflict)
		return
	}

	payload, err := h.store.Payload(r.Context(), runID)
	if err != nil || len(payload) == 0 {
		h.log.Error().Err(err).Str("run_id", runID).Msg("Failed to load result payload")
		http.Error(w, "Failed to load result payload", http.StatusInternalServerError)
		return
	}

	result, err := decodeResult(row.Kind, payload)
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Str("kind", row.Kind).Msg("Failed to decode result payload")
		http.Error(w, "Failed to decode result payload", http.StatusInternalServerError)
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

func decodeResult(kind string, payload []byte) (interface{}, error) {
	switch kind {
	case backtest.KindWalkForward:
		var res backtest.WalkForwardResult
		if err := msgpack.Unmarshal(payload, &res); err != nil {
			return nil, err
		}
		return &res, nil
	case backtest.KindComparison:
		var res backtest.ComparisonResult
		if err := msgpack.Unmarshal(payload, &res); err != nil {
			return nil, err
		}
		return &res, nil
	default:
		var res backtest.RunResult
		if err := msgpack.Unmarshal(payload, &res); err != nil {
			return nil, err
		}
		return &res, nil
	}
}

func (h *Handler) writeAccepted(w http.ResponseWriter, runID string) {
	response := map[string]interface{}{
		"data": map[string]interface{}{
			"run_id": runID,
			"status": backtest.StatusRunning,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	h.writeJSON(w, http.StatusAccepted, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
