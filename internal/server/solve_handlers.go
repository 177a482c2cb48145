package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/fallback"
	"github.com/aristath/helmsman/internal/modules/ingestion"
	"github.com/aristath/helmsman/internal/modules/safety"
	"github.com/aristath/helmsman/internal/modules/translator"
	"github.com/rs/zerolog"
)

// SolveRequest carries one snapshot batch through the decision pipeline.
// Seed 0 means "pick one"; History provides the per-asset price context
// the translator needs for covariance estimates.
type SolveRequest struct {
	Batch   ingestion.Batch     `json:"batch"`
	History domain.PriceHistory `json:"history"`
	Seed    int64               `json:"seed,omitempty"`
}

// SolveResponse pairs the decision with the batch validation report
// and the gate's verdict on whether it could be executed right now.
type SolveResponse struct {
	Decision         domain.PortfolioDecision `json:"decision"`
	Report           ingestion.Report         `json:"report"`
	SafetyTier       string                   `json:"safety_tier,omitempty"`
	ExecutionAllowed bool                     `json:"execution_allowed"`
}

// solveError is returned when the batch is rejected before solving.
type solveError struct {
	Error  string            `json:"error"`
	Report *ingestion.Report `json:"report,omitempty"`
}

// SolveHandlersConfig holds the dependencies for the solve endpoint
type SolveHandlersConfig struct {
	Log        zerolog.Logger
	Cfg        *config.Config
	Validator  *ingestion.Validator
	Translator *translator.Translator
	Controller *fallback.Controller
	Gate       domain.SafetyStateProvider
}

// SolveHandlers runs one-shot solves over submitted snapshot batches.
type SolveHandlers struct {
	log        zerolog.Logger
	cfg        *config.Config
	validator  *ingestion.Validator
	translator *translator.Translator
	controller *fallback.Controller
	gate       domain.SafetyStateProvider
}

// NewSolveHandlers creates the solve endpoint handlers
func NewSolveHandlers(cfg SolveHandlersConfig) *SolveHandlers {
	return &SolveHandlers{
		log:        cfg.Log.With().Str("component", "solve_handlers").Logger(),
		cfg:        cfg.Cfg,
		validator:  cfg.Validator,
		translator: cfg.Translator,
		controller: cfg.Controller,
		gate:       cfg.Gate,
	}
}

// HandleSolve validates a batch, translates it and asks the solver stack
// for a decision
// POST /api/solve
func (h *SolveHandlers) HandleSolve(w http.ResponseWriter, r *http.Request) {
	// Emergency is terminal until an operator resets; the core produces
	// no allocations from it.
	if h.gate != nil && h.gate.Snapshot().Tier == string(safety.TierEmergency) {
		h.log.Warn().Msg("Solve refused while gate in emergency")
		writeJSON(w, http.StatusServiceUnavailable, solveError{Error: domain.ErrEmergencyHalt.Error()})
		return
	}

	var req SolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, solveError{Error: "invalid request body: " + err.Error()})
		return
	}

	snapshots, report, err := h.validator.Prepare(req.Batch)
	if err != nil {
		h.log.Warn().Err(err).Int("epoch", req.Batch.Epoch).Msg("Batch rejected")
		writeJSON(w, http.StatusUnprocessableEntity, solveError{Error: err.Error(), Report: &report})
		return
	}

	if !report.Acceptable() {
		h.log.Warn().
			Int("epoch", report.Epoch).
			Float64("quality", report.Quality.Overall).
			Msg("Batch quality below threshold")
		writeJSON(w, http.StatusUnprocessableEntity, solveError{Error: "batch quality below threshold", Report: &report})
		return
	}

	coeffs, err := h.translator.Translate(snapshots, req.History)
	if err != nil {
		h.log.Warn().Err(err).Int("epoch", req.Batch.Epoch).Msg("Translation failed")
		writeJSON(w, http.StatusUnprocessableEntity, solveError{Error: err.Error(), Report: &report})
		return
	}

	seed := req.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	constraints := domain.Constraints{
		MaxAssetWeight: h.cfg.Solver.MaxAssetWeight,
		MaxAssets:      h.cfg.Solver.MaxAssets,
		MinAssets:      h.cfg.Solver.MinAssets,
		Budget:         h.cfg.Solver.Budget,
	}

	decision := h.controller.Decide(r.Context(), req.Batch.Epoch, coeffs, constraints, seed)

	response := SolveResponse{Decision: decision, Report: report}
	if h.gate != nil {
		response.SafetyTier = h.gate.Snapshot().Tier
		response.ExecutionAllowed = h.gate.ExecutionAllowed()
	}

	h.log.Info().
		Int("epoch", decision.Epoch).
		Str("variant", string(decision.Variant)).
		Int("selected", len(decision.Selected)).
		Bool("fallback", decision.FallbackTriggered).
		Bool("execution_allowed", response.ExecutionAllowed).
		Msg("Solve completed")

	writeJSON(w, http.StatusOK, response)
}
