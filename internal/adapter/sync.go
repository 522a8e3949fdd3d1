package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/connector"
	"github.com/normanking/synapse/internal/logging"
	"github.com/normanking/synapse/internal/telemetry"
)

// SyncOp is the kind of mutation a queued action carries.
type SyncOp string

const (
	SyncInsert SyncOp = "insert"
	SyncUpdate SyncOp = "update"
	SyncDelete SyncOp = "delete"
)

// SyncAction is one queued cross-environment mutation.
type SyncAction struct {
	Table    string         `json:"table"`
	Op       SyncOp         `json:"op"`
	Payload  map[string]any `json:"payload,omitempty"`
	QueuedAt time.Time      `json:"queued_at"`
}

// SyncTarget is the external environment actions are flushed to.
type SyncTarget interface {
	Apply(ctx context.Context, actions []SyncAction) error
}

// SyncTargetFunc adapts a function to SyncTarget.
type SyncTargetFunc func(ctx context.Context, actions []SyncAction) error

// Apply implements SyncTarget.
func (f SyncTargetFunc) Apply(ctx context.Context, actions []SyncAction) error {
	return f(ctx, actions)
}

// SyncSummary is the data carried by a successful Sync result.
type SyncSummary struct {
	Flushed  int           `json:"flushed"`
	Duration time.Duration `json:"duration"`
}

// EnvSync is the cross-environment sync adapter. Actions are queued
// individually and flushed as a batch by Sync; an optional auto-sync timer
// drives periodic flushes.
type EnvSync struct {
	mu     sync.Mutex
	queue  []SyncAction
	target SyncTarget

	autoStop chan struct{}

	bus *bus.Bus
	log zerolog.Logger
}

// NewEnvSync creates the adapter. A nil target accepts every flush.
func NewEnvSync(b *bus.Bus, target SyncTarget) *EnvSync {
	if target == nil {
		target = SyncTargetFunc(func(context.Context, []SyncAction) error { return nil })
	}
	return &EnvSync{
		target: target,
		bus:    b,
		log:    logging.WithComponent("envsync"),
	}
}

// ModuleName implements registry.Module.
func (s *EnvSync) ModuleName() string { return "environment sync" }

// Queue appends one action. It never fails and never triggers a flush.
func (s *EnvSync) Queue(table string, op SyncOp, payload map[string]any) {
	s.mu.Lock()
	s.queue = append(s.queue, SyncAction{
		Table:    table,
		Op:       op,
		Payload:  payload,
		QueuedAt: time.Now().UTC(),
	})
	pending := len(s.queue)
	s.mu.Unlock()

	telemetry.SyncActionsPending.Set(float64(pending))
}

// PendingCount reports the queue depth without flushing.
func (s *EnvSync) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Sync drains the queue to the target, publishing sync_started before the
// flush and sync_completed or sync_failed after it. A failed flush requeues
// nothing: the drained actions are reported in the failure and dropped.
func (s *EnvSync) Sync(ctx context.Context) connector.Result {
	start := time.Now()

	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	telemetry.SyncActionsPending.Set(0)

	s.publish(ctx, bus.EventSyncStarted, map[string]any{"pending": len(batch)})

	if len(batch) == 0 {
		summary := SyncSummary{Flushed: 0, Duration: time.Since(start)}
		s.publish(ctx, bus.EventSyncCompleted, summary)
		return connector.Succeed(summary, start)
	}

	if err := s.target.Apply(ctx, batch); err != nil {
		s.log.Warn().Err(err).Int("actions", len(batch)).Msg("sync flush failed")
		s.publish(ctx, bus.EventSyncFailed, map[string]any{
			"error":   err.Error(),
			"dropped": len(batch),
		})
		return connector.Fail(fmt.Errorf("sync flush: %w", err), start)
	}

	summary := SyncSummary{Flushed: len(batch), Duration: time.Since(start)}
	s.publish(ctx, bus.EventSyncCompleted, summary)
	return connector.Succeed(summary, start)
}

// EnableAutoSync starts a periodic flush every interval. Enabling twice is
// a no-op.
func (s *EnvSync) EnableAutoSync(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.autoStop != nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	stop := make(chan struct{})
	s.autoStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sync(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

// DisableAutoSync stops the periodic flush. Disabling when not enabled is a
// no-op.
func (s *EnvSync) DisableAutoSync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.autoStop == nil {
		return
	}
	close(s.autoStop)
	s.autoStop = nil
}

// AutoSyncEnabled reports whether the periodic flush is running.
func (s *EnvSync) AutoSyncEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoStop != nil
}

func (s *EnvSync) publish(ctx context.Context, t bus.EventType, data any) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, t, data, bus.PublishOptions{})
}
