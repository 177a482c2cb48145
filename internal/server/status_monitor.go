package server

import (
	"sync"
	"time"

	"github.com/aristath/helmsman/internal/domain"
	"github.com/aristath/helmsman/internal/events"
	"github.com/aristath/helmsman/internal/modules/safety"
	"github.com/rs/zerolog"
)

// StatusMonitor periodically checks system statuses and emits events on changes
type StatusMonitor struct {
	eventManager *events.Manager
	gate         domain.SafetyStateProvider
	feed         *safety.MetricsFeed // nil when no feed is configured
	log          zerolog.Logger

	// Track previous states
	lastFeedConnected bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewStatusMonitor creates a new status monitor
func NewStatusMonitor(
	eventManager *events.Manager,
	gate domain.SafetyStateProvider,
	feed *safety.MetricsFeed,
	log zerolog.Logger,
) *StatusMonitor {
	return &StatusMonitor{
		eventManager: eventManager,
		gate:         gate,
		feed:         feed,
		log:          log.With().Str("component", "status_monitor").Logger(),
		stop:         make(chan struct{}),
	}
}

// Start begins periodic status monitoring
func (m *StatusMonitor) Start(interval time.Duration) {
	go m.monitor(interval)
}

// Stop ends the monitoring loop
func (m *StatusMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

// monitor runs the periodic monitoring loop
func (m *StatusMonitor) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Do initial check
	m.checkStatuses()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkStatuses()
		}
	}
}

// checkStatuses checks all monitored statuses and emits events on changes
func (m *StatusMonitor) checkStatuses() {
	m.checkSystemStatus()
	m.checkFeedStatus()
}

// checkSystemStatus emits a periodic SYSTEM_STATUS_CHANGED heartbeat.
// The safety gate emits its own tier changes; the periodic event lets
// stream consumers refresh dashboards without polling.
func (m *StatusMonitor) checkSystemStatus() {
	if m.eventManager == nil {
		return
	}

	status := "healthy"
	if m.gate != nil && m.gate.Snapshot().Tier != string(safety.TierNormal) {
		status = "degraded"
	}

	m.eventManager.EmitTyped(events.SystemStatusChanged, "status_monitor", &events.SystemStatusChangedData{
		Status:    status,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// checkFeedStatus checks if the metrics feed connection status has changed
func (m *StatusMonitor) checkFeedStatus() {
	if m.feed == nil {
		return
	}

	connected := m.feed.Connected()

	// Emit event if status changed
	if connected != m.lastFeedConnected {
		if m.eventManager != nil {
			m.eventManager.EmitTyped(events.FeedStatusChanged, "status_monitor", &events.FeedStatusChangedData{
				Connected: connected,
				Timestamp: time.Now().Format(time.RFC3339),
			})
		}
		m.lastFeedConnected = connected
	}
}
