package work

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Processor, http.Handler) {
	t.Helper()

	p, _ := newTestProcessor(t)
	r := chi.NewRouter()
	NewHandlers(p).RegisterRoutes(r)
	return p, r
}

func TestStatusEndpoint(t *testing.T) {
	_, router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/work/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["queue_depth"])
}

func TestTriggerEndpoint(t *testing.T) {
	p, router := newTestRouter(t)
	go p.Run()
	defer p.Stop()

	req := httptest.NewRequest(http.MethodPost, "/work/trigger", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "triggered", body["status"])
}
