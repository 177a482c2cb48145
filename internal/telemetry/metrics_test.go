package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsEndpointServesRegisteredCollectors(t *testing.T) {
	m := NewMetrics()

	m.SolveTotal.WithLabelValues("combinatorial", "ok").Inc()
	m.FallbackTotal.Inc()
	m.BreakerState.Set(2)

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "helmsman_solve_total")
	assert.Contains(t, text, "helmsman_fallback_total 1")
	assert.Contains(t, text, "helmsman_breaker_state 2")
}

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	// Two instances must not collide on registration
	first := NewMetrics()
	second := NewMetrics()

	first.LedgerAppends.Inc()
	second.LedgerAppends.Inc()
	second.LedgerAppends.Inc()

	assert.NotSame(t, first.Registry(), second.Registry())
}
