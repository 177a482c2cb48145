package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/modules/safety"
)

func newTestRouter(t *testing.T) (*safety.Gate, chi.Router) {
	t.Helper()
	cfg := config.SafetyConfig{
		SoftDriftPct:      0.02,
		HardDriftPct:      0.05,
		SustainedBreaches: 3,
		EmergencyDrawdown: 0.20,
		CanaryWindowTicks: 3,
		MetricMaxAge:      90 * time.Second,
		Shadow:            true,
	}
	gate := safety.NewGate(cfg, "safety-http-test", nil, nil, nil, nil, zerolog.Nop())

	handler := NewHandler(gate, zerolog.Nop())
	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	return gate, router
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data, ok := body["data"].(map[string]interface{})
	require.True(t, ok, "response must carry a data envelope")
	return data
}

func TestGetState(t *testing.T) {
	_, router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/safety/state", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "normal", data["tier"])
	assert.Equal(t, "allow", data["signal"])
	assert.Equal(t, float64(0), data["canary_pct"])
	assert.Equal(t, true, data["shadow"])
}

func TestIngestTickMovesGate(t *testing.T) {
	gate, router := newTestRouter(t)

	body, err := json.Marshal(safety.MetricTick{Seq: 1, DriftPct: 0.03, WindowComplete: true})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/safety/metrics", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, true, data["accepted"])

	state, ok := data["state"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "soft_limit", state["tier"])
	assert.Equal(t, safety.TierSoftLimit, gate.State().Tier)
}

func TestIngestTickReportsRejection(t *testing.T) {
	gate, router := newTestRouter(t)
	require.True(t, gate.Ingest(safety.MetricTick{Seq: 5, WindowComplete: true}))

	body, err := json.Marshal(safety.MetricTick{Seq: 2, DriftPct: 0.5, WindowComplete: true})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/safety/metrics", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, false, data["accepted"])
	assert.Equal(t, safety.TierNormal, gate.State().Tier)
}

func TestIngestTickRejectsBadBody(t *testing.T) {
	_, router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/safety/metrics", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetReturnsToNormal(t *testing.T) {
	gate, router := newTestRouter(t)
	require.True(t, gate.Ingest(safety.MetricTick{Seq: 1, Drawdown: 0.5, WindowComplete: true}))
	require.Equal(t, safety.TierEmergency, gate.State().Tier)

	body := []byte(`{"operator":"oncall"}`)
	req := httptest.NewRequest(http.MethodPost, "/safety/reset", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "normal", data["tier"])
	assert.True(t, gate.ExecutionAllowed())
}

func TestResetWithEmptyBody(t *testing.T) {
	_, router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/safety/reset", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "normal", data["tier"])
}
