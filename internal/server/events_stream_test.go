package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/helmsman/internal/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseRecorder is a response writer safe to read while the stream handler
// writes from its own goroutine.
type sseRecorder struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
	status int
}

func newSSERecorder() *sseRecorder {
	return &sseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *sseRecorder) Header() http.Header { return r.header }

func (r *sseRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *sseRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = code
}

func (r *sseRecorder) Flush() {}

func (r *sseRecorder) Body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

// startStream runs the handler against a cancellable request and returns
// the recorder, the cancel func and a channel closed when the handler exits.
func startStream(t *testing.T, h *EventsStreamHandler, target string) (*sseRecorder, context.CancelFunc, chan struct{}) {
	t.Helper()

	rec := newSSERecorder()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", target, nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		h.HandleEventsStream(rec, req)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("stream handler did not return after disconnect")
		}
	})

	return rec, cancel, done
}

func TestEventsStreamSendsConnectedMessage(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	h := NewEventsStreamHandler(bus, zerolog.Nop())

	rec, cancel, done := startStream(t, h, "/api/events/stream")

	require.Eventually(t, func() bool {
		return strings.Contains(rec.Body(), `"type":"connected"`)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func TestEventsStreamForwardsEvents(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	h := NewEventsStreamHandler(bus, zerolog.Nop())

	rec, cancel, done := startStream(t, h, "/api/events/stream")

	require.Eventually(t, func() bool {
		return bus.SubscriberCount(events.RunStarted) == 1
	}, 2*time.Second, 5*time.Millisecond)

	bus.Emit(events.RunStarted, "backtest", map[string]interface{}{"run_id": "r-1"})

	require.Eventually(t, func() bool {
		body := rec.Body()
		return strings.Contains(body, `"type":"RUN_STARTED"`) &&
			strings.Contains(body, `"run_id":"r-1"`) &&
			strings.Contains(body, `"module":"backtest"`)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	// Disconnect releases every subscription.
	assert.Equal(t, 0, bus.SubscriberCount(events.RunStarted))
	assert.Equal(t, 0, bus.SubscriberCount(events.SafetyTierChanged))
}

func TestEventsStreamFiltersTypes(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	h := NewEventsStreamHandler(bus, zerolog.Nop())

	rec, cancel, done := startStream(t, h, "/api/events/stream?types=RUN_COMPLETED")

	require.Eventually(t, func() bool {
		return bus.SubscriberCount(events.RunCompleted) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The filter keeps other types unsubscribed entirely.
	assert.Equal(t, 0, bus.SubscriberCount(events.RunStarted))

	bus.Emit(events.RunStarted, "backtest", map[string]interface{}{"run_id": "r-ignored"})
	bus.Emit(events.RunCompleted, "backtest", map[string]interface{}{"run_id": "r-2"})

	require.Eventually(t, func() bool {
		return strings.Contains(rec.Body(), `"type":"RUN_COMPLETED"`)
	}, 2*time.Second, 5*time.Millisecond)

	assert.NotContains(t, rec.Body(), "r-ignored")

	cancel()
	<-done

	assert.Equal(t, 0, bus.SubscriberCount(events.RunCompleted))
}
