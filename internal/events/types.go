// Package events provides event management functionality.
package events

// EventType represents different event types
type EventType string

const (
	// Run lifecycle events
	RunStarted   EventType = "RUN_STARTED"
	RunCompleted EventType = "RUN_COMPLETED"
	RunFailed    EventType = "RUN_FAILED"

	// Decision pipeline events
	DecisionRecorded  EventType = "DECISION_RECORDED"
	FallbackTriggered EventType = "FALLBACK_TRIGGERED"
	BreakerStateMoved EventType = "BREAKER_STATE_MOVED"

	// Safety gate events
	SafetyTierChanged EventType = "SAFETY_TIER_CHANGED"
	CanaryChanged     EventType = "CANARY_CHANGED"
	MetricsStale      EventType = "METRICS_STALE"
	PolicyDenied      EventType = "POLICY_DENIED"

	// Operational events
	ArchiveCompleted    EventType = "ARCHIVE_COMPLETED"
	SystemStatusChanged EventType = "SYSTEM_STATUS_CHANGED"
	FeedStatusChanged   EventType = "FEED_STATUS_CHANGED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"

	// Job lifecycle events for background work
	JobStarted   EventType = "JOB_STARTED"
	JobProgress  EventType = "JOB_PROGRESS"
	JobCompleted EventType = "JOB_COMPLETED"
	JobFailed    EventType = "JOB_FAILED"
)
