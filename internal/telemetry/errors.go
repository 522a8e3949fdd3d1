package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/logging"
)

const maxTrackedErrors = 1000

// TrackedError is one recorded failure.
type TrackedError struct {
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrorTracker is the central failure ledger. It records errors locally
// (bounded, FIFO eviction) and forwards them to the error sink when one is
// configured. It deliberately does not re-publish onto the bus: the
// orchestrator wires error_occurred events INTO the tracker, and publishing
// back out would loop.
type ErrorTracker struct {
	mu     sync.Mutex
	errors []TrackedError

	sink ErrorSink
	log  zerolog.Logger
}

// NewErrorTracker creates a tracker. sink may be nil.
func NewErrorTracker(sink ErrorSink) *ErrorTracker {
	return &ErrorTracker{
		sink: sink,
		log:  logging.WithComponent("errors"),
	}
}

// ModuleName implements registry.Module.
func (t *ErrorTracker) ModuleName() string { return "error tracker" }

// Track records one failure.
func (t *ErrorTracker) Track(source string, err error, context map[string]any) {
	if err == nil {
		return
	}

	tracked := TrackedError{
		Source:    source,
		Message:   err.Error(),
		Context:   context,
		Timestamp: time.Now().UTC(),
	}

	t.mu.Lock()
	t.errors = append(t.errors, tracked)
	if len(t.errors) > maxTrackedErrors {
		t.errors = t.errors[len(t.errors)-maxTrackedErrors:]
	}
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.CaptureException(err, context)
	} else {
		t.log.Error().Err(err).Str("source", source).Msg("tracked error (no sink configured)")
	}
}

// TrackMessage records a non-exception diagnostic message.
func (t *ErrorTracker) TrackMessage(message, level string) {
	if t.sink != nil {
		t.sink.CaptureMessage(message, level)
		return
	}
	t.log.Warn().Str("level", level).Msg(message)
}

// Recent returns up to n most-recent tracked errors, newest last.
func (t *ErrorTracker) Recent(n int) []TrackedError {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || n > len(t.errors) {
		n = len(t.errors)
	}
	out := make([]TrackedError, n)
	copy(out, t.errors[len(t.errors)-n:])
	return out
}

// Count returns the number of recorded errors.
func (t *ErrorTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.errors)
}
