package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/logging"
)

const (
	// DefaultHistorySize is the number of recent events retained for replay.
	DefaultHistorySize = 1000
)

// Handler processes one event. A non-nil error (or a panic) is isolated to
// the handler: it never reaches the publisher and is converted into an
// error_occurred event instead.
type Handler func(ctx context.Context, event Event) error

// SubscriptionID identifies a single listener registration.
type SubscriptionID uint64

// Subscription is the handle returned by Subscribe. Unsubscribe removes
// exactly that one registration and is safe to call more than once.
type Subscription struct {
	id        SubscriptionID
	eventType EventType
	bus       *Bus
}

// Unsubscribe removes this registration from the bus. Calling it after the
// registration is already gone is a no-op.
func (s Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.remove(s.eventType, s.id)
	}
}

type registration struct {
	id      SubscriptionID
	handler Handler
}

// Bus is the in-process publish/subscribe hub. All long-lived mutable state
// (listener table, history buffer, counters) is mutex guarded so publishers
// and subscribers may run from any goroutine.
type Bus struct {
	mu        sync.RWMutex
	listeners map[EventType][]registration

	historyMu   sync.RWMutex
	history     []Event
	historySize int

	statsMu    sync.RWMutex
	total      uint64
	typeCounts map[EventType]uint64

	subCounter atomic.Uint64
	closed     atomic.Bool

	log zerolog.Logger
}

// New creates a bus with the default history capacity.
func New() *Bus {
	return NewWithHistory(DefaultHistorySize)
}

// NewWithHistory creates a bus retaining at most historySize events.
func NewWithHistory(historySize int) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		listeners:   make(map[EventType][]registration),
		history:     make([]Event, 0, historySize),
		historySize: historySize,
		typeCounts:  make(map[EventType]uint64),
		log:         logging.WithComponent("bus"),
	}
}

// Wildcard subscribes a handler to every event type. Used by taps like the
// websocket observer and the telemetry collector.
const Wildcard EventType = ""

// Subscribe registers a handler for an event type. Multiple subscriptions to
// the same type are independent; each publish of that type invokes all of
// them. Listener invocation starts in registration order, but handlers run
// concurrently, so completion order is unordered. Subscribing to Wildcard
// receives all events.
func (b *Bus) Subscribe(eventType EventType, handler Handler) Subscription {
	id := SubscriptionID(b.subCounter.Add(1))

	b.mu.Lock()
	b.listeners[eventType] = append(b.listeners[eventType], registration{id: id, handler: handler})
	b.mu.Unlock()

	return Subscription{id: id, eventType: eventType, bus: b}
}

func (b *Bus) remove(eventType EventType, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.listeners[eventType]
	for i, reg := range regs {
		if reg.id == id {
			b.listeners[eventType] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(b.listeners[eventType]) == 0 {
		delete(b.listeners, eventType)
	}
}

// Publish builds an event envelope and delivers it to every listener
// registered for the type. Handlers run concurrently and Publish waits for
// all of them to finish before returning, so a caller that awaits Publish
// can assume delivery is complete. A handler failure never blocks its
// siblings and never propagates to the publisher; it is logged and
// re-published as an error_occurred event.
//
// The error re-publish is itself a normal publish: if an error_occurred
// handler fails while handling an error_occurred event, the bus recurses.
// This is a known hazard inherited from the system design and deliberately
// not guarded here.
func (b *Bus) Publish(ctx context.Context, eventType EventType, data any, opts PublishOptions) error {
	return b.PublishEvent(ctx, NewEvent(eventType, data, opts))
}

// PublishEvent delivers a pre-built envelope. See Publish.
func (b *Bus) PublishEvent(ctx context.Context, event Event) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}

	b.appendHistory(event)
	b.countEvent(event.Type)

	b.mu.RLock()
	regs := make([]registration, 0, len(b.listeners[event.Type])+len(b.listeners[Wildcard]))
	regs = append(regs, b.listeners[event.Type]...)
	regs = append(regs, b.listeners[Wildcard]...)
	b.mu.RUnlock()

	if len(regs) == 0 {
		return nil
	}

	type failure struct {
		id  SubscriptionID
		err error
	}
	failures := make([]failure, len(regs))

	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					failures[i] = failure{id: reg.id, err: fmt.Errorf("listener panic: %v", r)}
				}
			}()
			if err := reg.handler(ctx, event); err != nil {
				failures[i] = failure{id: reg.id, err: err}
			}
		}(i, reg)
	}
	wg.Wait()

	for _, f := range failures {
		if f.err == nil {
			continue
		}
		b.log.Error().
			Err(f.err).
			Str("event_type", string(event.Type)).
			Uint64("subscription", uint64(f.id)).
			Msg("event listener failed")

		_ = b.PublishEvent(ctx, NewEvent(EventErrorOccurred, ErrorPayload{
			Source:  "bus",
			Message: f.err.Error(),
			Context: fmt.Sprintf("listener for %s", event.Type),
		}, PublishOptions{UserID: event.UserID, SessionID: event.SessionID}))
	}

	return nil
}

func (b *Bus) appendHistory(event Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
}

func (b *Bus) countEvent(eventType EventType) {
	b.statsMu.Lock()
	b.total++
	b.typeCounts[eventType]++
	b.statsMu.Unlock()
}

// HistoryFilter selects events from the retained history. Zero values match
// everything; Limit <= 0 means no limit.
type HistoryFilter struct {
	Type      EventType
	UserID    string
	SessionID string
	Limit     int
}

// GetHistory returns the retained events matching the filter, oldest first.
// Events already evicted from the ring are gone; the bus does not
// reconstruct them.
func (b *Bus) GetHistory(filter HistoryFilter) []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	matched := make([]Event, 0, len(b.history))
	for _, event := range b.history {
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		if filter.UserID != "" && event.UserID != filter.UserID {
			continue
		}
		if filter.SessionID != "" && event.SessionID != filter.SessionID {
			continue
		}
		matched = append(matched, event)
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[len(matched)-filter.Limit:]
	}
	return matched
}

// ErrWaitTimeout is returned by WaitFor when no matching event arrives in
// time.
var ErrWaitTimeout = fmt.Errorf("bus: timed out waiting for event")

// WaitFor blocks until the next event of the given type is published, the
// timeout elapses, or ctx is cancelled. The temporary subscription is
// removed on every path.
func (b *Bus) WaitFor(ctx context.Context, eventType EventType, timeout time.Duration) (Event, error) {
	got := make(chan Event, 1)

	sub := b.Subscribe(eventType, func(_ context.Context, event Event) error {
		select {
		case got <- event:
		default:
		}
		return nil
	})
	defer sub.Unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case event := <-got:
		return event, nil
	case <-timer.C:
		return Event{}, fmt.Errorf("%w: %s after %s", ErrWaitTimeout, eventType, timeout)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Stats is an observability snapshot of bus activity.
type Stats struct {
	TotalEvents    uint64               `json:"total_events"`
	EventCounts    map[EventType]uint64 `json:"event_counts"`
	ListenerCounts map[EventType]int    `json:"listener_counts"`
}

// GetStats returns total and per-type publish counts plus the current
// listener count per type.
func (b *Bus) GetStats() Stats {
	stats := Stats{
		EventCounts:    make(map[EventType]uint64),
		ListenerCounts: make(map[EventType]int),
	}

	b.statsMu.RLock()
	stats.TotalEvents = b.total
	for t, n := range b.typeCounts {
		stats.EventCounts[t] = n
	}
	b.statsMu.RUnlock()

	b.mu.RLock()
	for t, regs := range b.listeners {
		stats.ListenerCounts[t] = len(regs)
	}
	b.mu.RUnlock()

	return stats
}

// Close stops the bus. Further publishes fail; existing subscriptions are
// dropped.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	b.listeners = make(map[EventType][]registration)
	b.mu.Unlock()
}
