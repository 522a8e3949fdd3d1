package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	b := New()
	defer b.Close()

	const n = 5
	var calls atomic.Int32
	for i := 0; i < n; i++ {
		b.Subscribe(EventPromptGenerated, func(_ context.Context, e Event) error {
			calls.Add(1)
			return nil
		})
	}

	if err := b.Publish(context.Background(), EventPromptGenerated, "hello", PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Publish waits for all handlers, so no sleep is needed.
	if got := calls.Load(); got != n {
		t.Errorf("expected %d handler calls, got %d", n, got)
	}
}

func TestListenerFailureIsolation(t *testing.T) {
	b := New()
	defer b.Close()

	var okCalls atomic.Int32
	var errorEvents atomic.Int32

	b.Subscribe(EventImageGenerated, func(_ context.Context, e Event) error {
		return errors.New("boom")
	})
	b.Subscribe(EventImageGenerated, func(_ context.Context, e Event) error {
		okCalls.Add(1)
		return nil
	})
	b.Subscribe(EventErrorOccurred, func(_ context.Context, e Event) error {
		errorEvents.Add(1)
		return nil
	})

	if err := b.Publish(context.Background(), EventImageGenerated, nil, PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if okCalls.Load() != 1 {
		t.Errorf("healthy listener should still run, got %d calls", okCalls.Load())
	}
	if errorEvents.Load() != 1 {
		t.Errorf("expected 1 error_occurred event, got %d", errorEvents.Load())
	}
}

func TestListenerPanicIsolation(t *testing.T) {
	b := New()
	defer b.Close()

	var okCalls atomic.Int32

	b.Subscribe(EventSyncStarted, func(_ context.Context, e Event) error {
		panic("listener blew up")
	})
	b.Subscribe(EventSyncStarted, func(_ context.Context, e Event) error {
		okCalls.Add(1)
		return nil
	})

	if err := b.Publish(context.Background(), EventSyncStarted, nil, PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if okCalls.Load() != 1 {
		t.Errorf("sibling listener should survive a panic, got %d calls", okCalls.Load())
	}
}

func TestHistoryBound(t *testing.T) {
	b := New()
	defer b.Close()

	for i := 0; i < DefaultHistorySize+1; i++ {
		meta := map[string]any{"seq": i}
		b.Publish(context.Background(), EventUsageTracked, nil, PublishOptions{Metadata: meta})
	}

	history := b.GetHistory(HistoryFilter{})
	if len(history) != DefaultHistorySize {
		t.Fatalf("expected %d events retained, got %d", DefaultHistorySize, len(history))
	}

	// Oldest (seq 0) must be evicted; first retained is seq 1.
	if seq := history[0].Metadata["seq"].(int); seq != 1 {
		t.Errorf("expected oldest retained seq 1, got %d", seq)
	}
}

func TestGetHistoryFilters(t *testing.T) {
	b := New()
	defer b.Close()

	ctx := context.Background()
	b.Publish(ctx, EventPromptGenerated, nil, PublishOptions{UserID: "u1", SessionID: "s1"})
	b.Publish(ctx, EventImageGenerated, nil, PublishOptions{UserID: "u1", SessionID: "s1"})
	b.Publish(ctx, EventPromptGenerated, nil, PublishOptions{UserID: "u2", SessionID: "s2"})

	if got := len(b.GetHistory(HistoryFilter{Type: EventPromptGenerated})); got != 2 {
		t.Errorf("type filter: expected 2, got %d", got)
	}
	if got := len(b.GetHistory(HistoryFilter{UserID: "u1"})); got != 2 {
		t.Errorf("user filter: expected 2, got %d", got)
	}
	if got := len(b.GetHistory(HistoryFilter{SessionID: "s2"})); got != 1 {
		t.Errorf("session filter: expected 1, got %d", got)
	}
	if got := len(b.GetHistory(HistoryFilter{Limit: 1})); got != 1 {
		t.Errorf("limit filter: expected 1, got %d", got)
	}
}

func TestWaitForReceivesEvent(t *testing.T) {
	b := New()
	defer b.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Publish(context.Background(), EventSessionStarted, "data", PublishOptions{})
	}()

	event, err := b.WaitFor(context.Background(), EventSessionStarted, time.Second)
	if err != nil {
		t.Fatalf("WaitFor failed: %v", err)
	}
	if event.Type != EventSessionStarted {
		t.Errorf("expected %s, got %s", EventSessionStarted, event.Type)
	}
}

func TestWaitForTimeout(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.WaitFor(context.Background(), EventSessionEnded, 100*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}

	// The temporary subscription must be cleaned up on timeout.
	if got := b.GetStats().ListenerCounts[EventSessionEnded]; got != 0 {
		t.Errorf("expected 0 residual subscriptions, got %d", got)
	}
}

func TestUnsubscribeRemovesExactlyOne(t *testing.T) {
	b := New()
	defer b.Close()

	var calls atomic.Int32
	handler := func(_ context.Context, e Event) error {
		calls.Add(1)
		return nil
	}

	sub1 := b.Subscribe(EventFeedbackReceived, handler)
	b.Subscribe(EventFeedbackReceived, handler)

	sub1.Unsubscribe()
	sub1.Unsubscribe() // second call must not panic or remove the sibling

	b.Publish(context.Background(), EventFeedbackReceived, nil, PublishOptions{})
	if calls.Load() != 1 {
		t.Errorf("expected 1 call after unsubscribing one of two, got %d", calls.Load())
	}
}

func TestWildcardReceivesAll(t *testing.T) {
	b := New()
	defer b.Close()

	var calls atomic.Int32
	b.Subscribe(Wildcard, func(_ context.Context, e Event) error {
		calls.Add(1)
		return nil
	})

	ctx := context.Background()
	b.Publish(ctx, EventPromptGenerated, nil, PublishOptions{})
	b.Publish(ctx, EventSyncCompleted, nil, PublishOptions{})

	if calls.Load() != 2 {
		t.Errorf("wildcard expected 2 calls, got %d", calls.Load())
	}
}

func TestGetStats(t *testing.T) {
	b := New()
	defer b.Close()

	b.Subscribe(EventPromptGenerated, func(_ context.Context, e Event) error { return nil })
	b.Subscribe(EventPromptGenerated, func(_ context.Context, e Event) error { return nil })

	ctx := context.Background()
	b.Publish(ctx, EventPromptGenerated, nil, PublishOptions{})
	b.Publish(ctx, EventImageGenerated, nil, PublishOptions{})

	stats := b.GetStats()
	if stats.TotalEvents != 2 {
		t.Errorf("expected 2 total events, got %d", stats.TotalEvents)
	}
	if stats.EventCounts[EventPromptGenerated] != 1 {
		t.Errorf("expected 1 prompt_generated, got %d", stats.EventCounts[EventPromptGenerated])
	}
	if stats.ListenerCounts[EventPromptGenerated] != 2 {
		t.Errorf("expected 2 listeners, got %d", stats.ListenerCounts[EventPromptGenerated])
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	b.Close()

	if err := b.Publish(context.Background(), EventPromptGenerated, nil, PublishOptions{}); err == nil {
		t.Error("expected error when publishing to closed bus")
	}
}

func BenchmarkPublish(bench *testing.B) {
	b := New()
	defer b.Close()

	b.Subscribe(EventPromptGenerated, func(_ context.Context, e Event) error { return nil })
	ctx := context.Background()

	bench.ResetTimer()
	for i := 0; i < bench.N; i++ {
		b.Publish(ctx, EventPromptGenerated, fmt.Sprintf("p%d", i), PublishOptions{})
	}
}
