package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/modules/ledger"
)

func testService(t *testing.T) *ledger.Service {
	t.Helper()
	return ledger.NewService(ledger.NewMemoryStore(), nil, nil, nil, zerolog.Nop())
}

func recordCycle(t *testing.T, svc *ledger.Service, runID string, epoch int) domain.RunRecord {
	t.Helper()

	rec, err := svc.Record(context.Background(), ledger.RecordInput{
		RunID:         runID,
		Epoch:         epoch,
		Seed:          42,
		SchemaVersion: "1.0.0",
		Coefficients: domain.ObjectiveCoefficients{
			Order:       []string{"AAA", "BBB"},
			Linear:      map[string]float64{"AAA": 0.7, "BBB": 0.3},
			RiskPenalty: map[string]float64{"AAA": 0.1, "BBB": 0.1},
		},
		Constraints: domain.Constraints{MaxAssetWeight: 0.6, MaxAssets: 2, MinAssets: 1, Budget: 1.0},
		QuadWeight:  0.5,
		Decision: domain.PortfolioDecision{
			Epoch:          epoch,
			Weights:        map[string]float64{"AAA": 0.6, "BBB": 0.4},
			ObjectiveValue: 0.5,
			Variant:        domain.SolverClassical,
		},
		Safety: domain.SafetySnapshot{Tier: "normal"},
	})
	require.NoError(t, err)
	return rec
}

func newRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		h.RegisterRoutes(r)
	})
	return r
}

func TestHandleGetRun(t *testing.T) {
	svc := testService(t)
	recordCycle(t, svc, "run-1", 10)
	recordCycle(t, svc, "run-1", 11)

	router := newRouter(NewHandler(svc, zerolog.Nop()))

	req := httptest.NewRequest("GET", "/api/ledger/runs/run-1/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	data := response["data"].(map[string]interface{})
	assert.Equal(t, "run-1", data["run_id"])
	assert.Equal(t, float64(2), data["count"])
	assert.Contains(t, response, "metadata")
}

func TestHandleGetRunNotFound(t *testing.T) {
	router := newRouter(NewHandler(testService(t), zerolog.Nop()))

	req := httptest.NewRequest("GET", "/api/ledger/runs/missing/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetRecord(t *testing.T) {
	svc := testService(t)
	rec := recordCycle(t, svc, "run-1", 10)

	router := newRouter(NewHandler(svc, zerolog.Nop()))

	req := httptest.NewRequest("GET", "/api/ledger/runs/run-1/records/1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	data := response["data"].(map[string]interface{})
	assert.Equal(t, rec.InputHash, data["input_hash"])
	assert.Equal(t, rec.OutputHash, data["output_hash"])
}

func TestHandleGetRecordBadSeq(t *testing.T) {
	router := newRouter(NewHandler(testService(t), zerolog.Nop()))

	req := httptest.NewRequest("GET", "/api/ledger/runs/run-1/records/notanumber", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCorrectRecordAppendsCorrection(t *testing.T) {
	svc := testService(t)
	recordCycle(t, svc, "run-1", 10)

	router := newRouter(NewHandler(svc, zerolog.Nop()))

	body, err := json.Marshal(CorrectionRequest{
		Epoch:         10,
		Seed:          42,
		SchemaVersion: "1.0.0",
		Decision: domain.PortfolioDecision{
			Epoch:   10,
			Weights: map[string]float64{"AAA": 0.5, "BBB": 0.5},
			Variant: domain.SolverClassical,
		},
		Safety: domain.SafetySnapshot{Tier: "normal"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/ledger/runs/run-1/records/1/corrections", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	data := response["data"].(map[string]interface{})
	assert.Equal(t, "run-1:1", data["corrects"])
	assert.Equal(t, float64(2), data["seq"])

	// The original is untouched.
	original, err := svc.Store().Get(context.Background(), "run-1", 1)
	require.NoError(t, err)
	require.NotNil(t, original)
	assert.Empty(t, original.Corrects)
}

func TestHandleCorrectRecordMissingOriginal(t *testing.T) {
	router := newRouter(NewHandler(testService(t), zerolog.Nop()))

	req := httptest.NewRequest("POST", "/api/ledger/runs/run-1/records/7/corrections", strings.NewReader(`{"epoch":1}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCorrectRecordBadBody(t *testing.T) {
	svc := testService(t)
	recordCycle(t, svc, "run-1", 10)

	router := newRouter(NewHandler(svc, zerolog.Nop()))

	req := httptest.NewRequest("POST", "/api/ledger/runs/run-1/records/1/corrections", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleVerifyRun(t *testing.T) {
	svc := testService(t)
	recordCycle(t, svc, "run-1", 10)

	router := newRouter(NewHandler(svc, zerolog.Nop()))

	req := httptest.NewRequest("GET", "/api/ledger/runs/run-1/verify", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	data := response["data"].(map[string]interface{})
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, float64(1), data["records"])
}

func TestHandleListRunsMemoryFallback(t *testing.T) {
	// The in-memory store cannot enumerate runs; the endpoint returns
	// an empty listing rather than an error.
	svc := testService(t)
	recordCycle(t, svc, "run-1", 10)

	router := newRouter(NewHandler(svc, zerolog.Nop()))

	req := httptest.NewRequest("GET", "/api/ledger/runs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	data := response["data"].(map[string]interface{})
	assert.Equal(t, float64(0), data["count"])
}

func TestHandleGetPublicKeyUnsigned(t *testing.T) {
	router := newRouter(NewHandler(testService(t), zerolog.Nop()))

	req := httptest.NewRequest("GET", "/api/ledger/public-key", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	data := response["data"].(map[string]interface{})
	assert.Equal(t, false, data["signing"])
}
