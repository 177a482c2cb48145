package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/helmsman/internal/events"
	"github.com/rs/zerolog"
)

// streamableTypes lists every event type the stream forwards when no
// filter is requested.
var streamableTypes = []events.EventType{
	events.RunStarted,
	events.RunCompleted,
	events.RunFailed,
	events.DecisionRecorded,
	events.FallbackTriggered,
	events.BreakerStateMoved,
	events.SafetyTierChanged,
	events.CanaryChanged,
	events.MetricsStale,
	events.PolicyDenied,
	events.ArchiveCompleted,
	events.SystemStatusChanged,
	events.FeedStatusChanged,
	events.ErrorOccurred,
	events.JobStarted,
	events.JobProgress,
	events.JobCompleted,
	events.JobFailed,
}

// EventsStreamHandler handles Server-Sent Events (SSE) streaming for all system events.
type EventsStreamHandler struct {
	eventBus *events.Bus
	log      zerolog.Logger
}

// NewEventsStreamHandler creates a new events stream handler.
func NewEventsStreamHandler(eventBus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		eventBus: eventBus,
		log:      log.With().Str("component", "events_stream").Logger(),
	}
}

// HandleEventsStream handles GET /api/events/stream requests (SSE).
func (h *EventsStreamHandler) HandleEventsStream(w http.ResponseWriter, r *http.Request) {
	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Get flusher for streaming
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Parse optional type filter
	typesFilter := r.URL.Query().Get("types")

	var allowedTypes map[events.EventType]bool
	if typesFilter != "" {
		allowedTypes = make(map[events.EventType]bool)
		for _, t := range strings.Split(typesFilter, ",") {
			allowedTypes[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	h.log.Info().
		Str("types_filter", typesFilter).
		Msg("Client connected to event stream")

	// Create event channel for this connection
	eventChan := make(chan *events.Event, 100) // Buffer to prevent blocking

	eventHandler := func(event *events.Event) {
		// Non-blocking send (drop if channel full)
		select {
		case eventChan <- event:
		default:
			h.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event channel full, dropping event")
		}
	}

	// Subscribe to all event types (or just the ones in the filter)
	subscribed := streamableTypes
	if allowedTypes != nil {
		subscribed = make([]events.EventType, 0, len(allowedTypes))
		for eventType := range allowedTypes {
			subscribed = append(subscribed, eventType)
		}
	}

	unsubscribes := make([]func(), 0, len(subscribed))
	for _, eventType := range subscribed {
		unsubscribes = append(unsubscribes, h.eventBus.Subscribe(eventType, eventHandler))
	}
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}()

	// Create done channel to detect client disconnect
	done := r.Context().Done()

	// Send initial connection message
	fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]interface{}{
		"type":    "connected",
		"message": "Connected to event stream",
	}))
	flusher.Flush()

	// Heartbeat ticker to keep connection alive
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			eventJSON := h.encodeEvent(map[string]interface{}{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			})

			fmt.Fprintf(w, "data: %s\n\n", eventJSON)
			flusher.Flush()

		case <-heartbeat.C:
			// Periodic heartbeat keeps proxies from closing the stream
			fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

// encodeEvent encodes an event map to JSON string.
func (h *EventsStreamHandler) encodeEvent(event map[string]interface{}) string {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}
