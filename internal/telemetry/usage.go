package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/logging"
)

const maxQueuedUsageEvents = 1000

// UsageEvent is one locally queued usage record.
type UsageEvent struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// UsageTracker records usage events. Events are queued locally (bounded,
// FIFO eviction), forwarded to the metrics sink when one is configured, and
// re-published on the event bus as usage_tracked.
type UsageTracker struct {
	mu    sync.Mutex
	queue []UsageEvent

	sink MetricsSink
	bus  *bus.Bus
	log  zerolog.Logger
}

// NewUsageTracker creates a tracker. sink may be nil.
func NewUsageTracker(b *bus.Bus, sink MetricsSink) *UsageTracker {
	return &UsageTracker{
		sink: sink,
		bus:  b,
		log:  logging.WithComponent("usage"),
	}
}

// ModuleName implements registry.Module.
func (u *UsageTracker) ModuleName() string { return "usage tracker" }

// Track records one usage event. It never fails; sink errors cannot occur by
// contract and bus publish errors are logged only.
func (u *UsageTracker) Track(ctx context.Context, name string, properties map[string]any, userID string) {
	event := UsageEvent{
		Name:       name,
		Properties: properties,
		UserID:     userID,
		Timestamp:  time.Now().UTC(),
	}

	u.mu.Lock()
	u.queue = append(u.queue, event)
	if len(u.queue) > maxQueuedUsageEvents {
		u.queue = u.queue[len(u.queue)-maxQueuedUsageEvents:]
	}
	u.mu.Unlock()

	if u.sink != nil {
		u.sink.Track(name, properties, userID)
	} else {
		u.log.Debug().Str("event", name).Msg("usage event (no sink configured)")
	}

	if u.bus != nil {
		if err := u.bus.Publish(ctx, bus.EventUsageTracked, event, bus.PublishOptions{UserID: userID}); err != nil {
			u.log.Warn().Err(err).Msg("failed to publish usage event")
		}
	}
}

// Identify forwards a user-identify call to the sink, if configured.
func (u *UsageTracker) Identify(userID string, properties map[string]any) {
	if u.sink != nil {
		u.sink.Identify(userID, properties)
	}
}

// Recent returns up to n most-recent usage events, newest last.
func (u *UsageTracker) Recent(n int) []UsageEvent {
	u.mu.Lock()
	defer u.mu.Unlock()

	if n <= 0 || n > len(u.queue) {
		n = len(u.queue)
	}
	out := make([]UsageEvent, n)
	copy(out, u.queue[len(u.queue)-n:])
	return out
}

// Count returns the number of locally queued events.
func (u *UsageTracker) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.queue)
}
