package tuner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/synapse/internal/bus"
)

func newTestTuner(t *testing.T, b *bus.Bus) *Tuner {
	t.Helper()
	tn, err := New(Options{Bus: b})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tn.Close() })
	return tn
}

func TestAdaptNoOpBelowTrigger(t *testing.T) {
	tn := newTestTuner(t, nil)

	assert.Nil(t, tn.Adapt(context.Background(), "imagegen", "medium", 0.5))
	assert.Nil(t, tn.Adapt(context.Background(), "imagegen", "high", 0.8), "0.8 is not above the trigger")
	assert.Empty(t, tn.History())
	assert.Equal(t, DefaultConfig(), tn.GetConfig("imagegen"))
}

func TestAdaptCriticalGoesTightest(t *testing.T) {
	b := bus.New()
	defer b.Close()
	tn := newTestTuner(t, b)

	adj := tn.Adapt(context.Background(), "imagegen", "critical", 0.4)
	require.NotNil(t, adj, "critical risk triggers regardless of probability")
	assert.Equal(t, ModeSafe, adj.After.Mode)
	assert.Equal(t, 2, adj.After.ConcurrencyLimit)
	assert.Equal(t, ModeBalanced, adj.Before.Mode)

	assert.Equal(t, adj.After, tn.GetConfig("imagegen"))
	assert.Len(t, b.GetHistory(bus.HistoryFilter{Type: bus.EventConfigTuned}), 1)
}

func TestAdaptHighProbabilityTiers(t *testing.T) {
	tn := newTestTuner(t, nil)
	ctx := context.Background()

	adj := tn.Adapt(ctx, "sync", "high", 0.85)
	require.NotNil(t, adj)
	assert.Equal(t, ModeSafe, adj.After.Mode)
	assert.Equal(t, 4, adj.After.ConcurrencyLimit)

	adj = tn.Adapt(ctx, "memory", "medium", 0.95)
	require.NotNil(t, adj)
	assert.Equal(t, ModeSafe, adj.After.Mode, "probability above 0.9 goes tightest")
	assert.Equal(t, 2, adj.After.ConcurrencyLimit)

	adj = tn.Adapt(ctx, "vision", "medium", 0.81)
	require.NotNil(t, adj)
	assert.Equal(t, ModeBalanced, adj.After.Mode)
}

func TestResetRevertsAndLogs(t *testing.T) {
	tn := newTestTuner(t, nil)
	ctx := context.Background()

	require.NotNil(t, tn.Adapt(ctx, "imagegen", "critical", 0.9))
	tn.Reset(ctx, "imagegen")

	assert.Equal(t, DefaultConfig(), tn.GetConfig("imagegen"))
	history := tn.History()
	require.Len(t, history, 2)
	assert.Equal(t, "manual reset", history[1].Reason)

	// Resetting an untouched module records nothing.
	tn.Reset(ctx, "never_tuned")
	assert.Len(t, tn.History(), 2)
}

func TestResetAll(t *testing.T) {
	tn := newTestTuner(t, nil)
	ctx := context.Background()

	tn.Adapt(ctx, "a", "critical", 0.9)
	tn.Adapt(ctx, "b", "critical", 0.9)
	tn.ResetAll(ctx)

	assert.Equal(t, DefaultConfig(), tn.GetConfig("a"))
	assert.Equal(t, DefaultConfig(), tn.GetConfig("b"))
	assert.Len(t, tn.History(), 4)
}

func TestGetStats(t *testing.T) {
	tn := newTestTuner(t, nil)
	ctx := context.Background()

	tn.Adapt(ctx, "a", "critical", 0.9)
	tn.Adapt(ctx, "a", "critical", 0.95)
	tn.Adapt(ctx, "b", "high", 0.85)

	stats := tn.GetStats()
	assert.Equal(t, 3, stats.TotalAdjustments)
	assert.Equal(t, 2, stats.DistinctModules)
	assert.Equal(t, 3, stats.Last24Hours)
	assert.InDelta(t, 1.5, stats.AvgPerModule, 1e-9)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := New(Options{Path: dir})
	require.NoError(t, err)
	require.NotNil(t, first.Adapt(ctx, "imagegen", "critical", 0.9))
	tuned := first.GetConfig("imagegen")
	require.NoError(t, first.Close())

	second, err := New(Options{Path: dir})
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, tuned, second.GetConfig("imagegen"), "active configs survive restart")
	assert.Empty(t, second.History(), "the audit trail is process-local")
}
