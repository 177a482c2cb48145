package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// RunStartedData contains data for RunStarted events
type RunStartedData struct {
	RunID    string `json:"run_id"`
	Seed     int64  `json:"seed"`
	Epochs   int    `json:"epochs"`
	Universe int    `json:"universe"`
}

// EventType returns the event type for RunStartedData
func (d *RunStartedData) EventType() EventType {
	return RunStarted
}

// RunCompletedData contains data for RunCompleted events
type RunCompletedData struct {
	RunID         string  `json:"run_id"`
	FinalEquity   float64 `json:"final_equity"`
	TotalReturn   float64 `json:"total_return"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	FallbackCount int     `json:"fallback_count"`
	DurationMS    float64 `json:"duration_ms"`
}

// EventType returns the event type for RunCompletedData
func (d *RunCompletedData) EventType() EventType {
	return RunCompleted
}

// RunFailedData contains data for RunFailed events. DataIntegrity marks
// aborts on a fatal data fault rather than a solver or storage failure.
type RunFailedData struct {
	RunID         string `json:"run_id"`
	Epoch         int    `json:"epoch"`
	Error         string `json:"error"`
	DataIntegrity bool   `json:"data_integrity,omitempty"`
}

// EventType returns the event type for RunFailedData
func (d *RunFailedData) EventType() EventType {
	return RunFailed
}

// DecisionRecordedData contains data for DecisionRecorded events
type DecisionRecordedData struct {
	RunID             string `json:"run_id"`
	Seq               int64  `json:"seq"`
	Epoch             int    `json:"epoch"`
	Variant           string `json:"variant"`
	FallbackTriggered bool   `json:"fallback_triggered"`
	NoDecision        bool   `json:"no_decision"`
}

// EventType returns the event type for DecisionRecordedData
func (d *DecisionRecordedData) EventType() EventType {
	return DecisionRecorded
}

// FallbackTriggeredData contains data for FallbackTriggered events
type FallbackTriggeredData struct {
	Epoch         int     `json:"epoch"`
	Reason        string  `json:"reason"`
	LatencyMS     float64 `json:"latency_ms,omitempty"`
	NoiseEstimate float64 `json:"noise_estimate,omitempty"`
}

// EventType returns the event type for FallbackTriggeredData
func (d *FallbackTriggeredData) EventType() EventType {
	return FallbackTriggered
}

// BreakerStateMovedData contains data for BreakerStateMoved events
type BreakerStateMovedData struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Breaches int    `json:"breaches"`
	Cooldown int    `json:"cooldown,omitempty"`
}

// EventType returns the event type for BreakerStateMovedData
func (d *BreakerStateMovedData) EventType() EventType {
	return BreakerStateMoved
}

// SafetyTierChangedData contains data for SafetyTierChanged events
type SafetyTierChangedData struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Reason   string  `json:"reason"`
	DriftPct float64 `json:"drift_pct,omitempty"`
}

// EventType returns the event type for SafetyTierChangedData
func (d *SafetyTierChangedData) EventType() EventType {
	return SafetyTierChanged
}

// CanaryChangedData contains data for CanaryChanged events
type CanaryChangedData struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	Reason string `json:"reason"`
}

// EventType returns the event type for CanaryChangedData
func (d *CanaryChangedData) EventType() EventType {
	return CanaryChanged
}

// MetricsStaleData contains data for MetricsStale events
type MetricsStaleData struct {
	AgeSeconds       float64 `json:"age_seconds"`
	ThresholdSeconds float64 `json:"threshold_seconds"`
}

// EventType returns the event type for MetricsStaleData
func (d *MetricsStaleData) EventType() EventType {
	return MetricsStale
}

// PolicyDeniedData contains data for PolicyDenied events
type PolicyDeniedData struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail,omitempty"`
}

// EventType returns the event type for PolicyDeniedData
func (d *PolicyDeniedData) EventType() EventType {
	return PolicyDenied
}

// ArchiveCompletedData contains data for ArchiveCompleted events
type ArchiveCompletedData struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"size_bytes"`
	Records   int    `json:"records"`
}

// EventType returns the event type for ArchiveCompletedData
func (d *ArchiveCompletedData) EventType() EventType {
	return ArchiveCompleted
}

// SystemStatusChangedData contains data for SystemStatusChanged events
type SystemStatusChangedData struct {
	Status    string `json:"status,omitempty"`
	Timestamp string `json:"timestamp"`
}

// EventType returns the event type for SystemStatusChangedData
func (d *SystemStatusChangedData) EventType() EventType {
	return SystemStatusChanged
}

// FeedStatusChangedData contains data for FeedStatusChanged events
type FeedStatusChangedData struct {
	Connected bool   `json:"connected"`
	Timestamp string `json:"timestamp"`
}

// EventType returns the event type for FeedStatusChangedData
func (d *FeedStatusChangedData) EventType() EventType {
	return FeedStatusChanged
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// JobProgressInfo contains progress information for a job
type JobProgressInfo struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`

	// Phase identifies the current high-level operation (e.g., "translate",
	// "solve", "bootstrap")
	Phase string `json:"phase,omitempty"`

	// Details contains arbitrary key-value metrics for the current phase
	Details map[string]interface{} `json:"details,omitempty"`
}

// JobStatusData contains data for job lifecycle events
type JobStatusData struct {
	JobID       string                 `json:"job_id"`
	JobType     string                 `json:"job_type"`
	Status      string                 `json:"status"` // "started", "progress", "completed", "failed"
	Description string                 `json:"description"`
	Progress    *JobProgressInfo       `json:"progress,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Duration    float64                `json:"duration,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// EventType returns the event type for JobStatusData
// Note: The actual event type is determined by the Status field
func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "started":
		return JobStarted
	case "progress":
		return JobProgress
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	default:
		return JobStarted
	}
}

// EventWithData represents an event with typed data
type EventWithData struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for EventWithData
func (e *EventWithData) MarshalJSON() ([]byte, error) {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	// Marshal the data separately
	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for EventWithData
func (e *EventWithData) UnmarshalJSON(data []byte) error {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	// Unmarshal data based on event type
	if len(aux.Data) > 0 {
		var eventData EventData
		switch aux.Type {
		case RunStarted:
			eventData = &RunStartedData{}
		case RunCompleted:
			eventData = &RunCompletedData{}
		case RunFailed:
			eventData = &RunFailedData{}
		case DecisionRecorded:
			eventData = &DecisionRecordedData{}
		case FallbackTriggered:
			eventData = &FallbackTriggeredData{}
		case BreakerStateMoved:
			eventData = &BreakerStateMovedData{}
		case SafetyTierChanged:
			eventData = &SafetyTierChangedData{}
		case CanaryChanged:
			eventData = &CanaryChangedData{}
		case MetricsStale:
			eventData = &MetricsStaleData{}
		case PolicyDenied:
			eventData = &PolicyDeniedData{}
		case ArchiveCompleted:
			eventData = &ArchiveCompletedData{}
		case SystemStatusChanged:
			eventData = &SystemStatusChangedData{}
		case FeedStatusChanged:
			eventData = &FeedStatusChangedData{}
		case ErrorOccurred:
			eventData = &ErrorEventData{}
		case JobStarted, JobProgress, JobCompleted, JobFailed:
			eventData = &JobStatusData{}
		default:
			// For unknown types, use raw map
			var rawData map[string]interface{}
			if err := json.Unmarshal(aux.Data, &rawData); err != nil {
				return err
			}
			// Convert to generic data type
			eventData = &GenericEventData{Data: rawData}
		}

		if eventData != nil {
			if err := json.Unmarshal(aux.Data, eventData); err != nil {
				return err
			}
			e.Data = eventData
		}
	}

	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
