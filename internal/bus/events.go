// Package bus provides the in-process event bus for the Synapse intelligence
// orchestration layer. Every inter-module signal — pipeline steps, telemetry,
// sync activity, failures — flows through a single Bus instance that fans
// events out to registered listeners and retains a bounded history for
// replay and inspection.
package bus

import (
	"time"
)

// EventType identifies a class of event flowing through the bus.
// The set of types is a closed contract: dashboard consumers subscribe to
// these exact tags, so renaming one is a breaking change.
type EventType string

// Event types recognized by the orchestration layer.
const (
	// Prompt lifecycle
	EventPromptGenerated EventType = "prompt_generated"

	// Image generation lifecycle
	EventGenerationStarted   EventType = "generation_started"
	EventGenerationCompleted EventType = "generation_completed"
	EventImageGenerated      EventType = "image_generated"

	// Quality assessment
	EventImageAssessed EventType = "image_assessed"
	EventQualityAlert  EventType = "quality_alert"

	// Cross-environment sync
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncFailed    EventType = "sync_failed"

	// Validation and rule checks
	EventValidationError EventType = "validation_error"
	EventRuleConflict    EventType = "rule_conflict"

	// Session lifecycle
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"

	// Telemetry
	EventFeedbackReceived EventType = "feedback_received"
	EventUsageTracked     EventType = "usage_tracked"
	EventMemorySaved      EventType = "memory_saved"

	// Failures
	EventErrorOccurred EventType = "error_occurred"

	// Predictive maintenance
	EventForecastReady EventType = "forecast_ready"
	EventConfigTuned   EventType = "config_tuned"
)

// Event is a single immutable envelope published on the bus. Publishers
// build it, the bus copies it into history, and nothing mutates it after
// publish.
type Event struct {
	Type      EventType      `json:"type"`
	Data      any            `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PublishOptions carries the optional correlation fields attached to an
// event at publish time.
type PublishOptions struct {
	UserID    string
	SessionID string
	Metadata  map[string]any
}

// NewEvent builds an event envelope with the current UTC timestamp.
func NewEvent(eventType EventType, data any, opts PublishOptions) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		UserID:    opts.UserID,
		SessionID: opts.SessionID,
		Metadata:  opts.Metadata,
	}
}

// ErrorPayload is the data shape carried by error_occurred events.
type ErrorPayload struct {
	Source  string `json:"source"`
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}
