package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/connector"
	"github.com/normanking/synapse/internal/store"
)

func newTestDB(b *bus.Bus) *connector.Database {
	return connector.NewDatabase(b, store.NewMemoryStore())
}

func TestCognitiveEnhancesAndAnnounces(t *testing.T) {
	b := bus.New()
	defer b.Close()

	c := NewCognitive(b, &MockEngine{})
	res := c.EnhancePrompt(context.Background(), "  a  red   fox  ", "u1", "s1")

	require.True(t, res.Success)
	enhanced := res.Data.(EnhancedPrompt)
	assert.Equal(t, "  a  red   fox  ", enhanced.Original)
	assert.Contains(t, enhanced.Enhanced, "a red fox")
	assert.Contains(t, enhanced.Enhanced, "highly detailed")
	assert.Contains(t, enhanced.Stages, "normalize")
	assert.Contains(t, enhanced.Stages, "quality")

	history := b.GetHistory(bus.HistoryFilter{Type: bus.EventPromptGenerated})
	require.Len(t, history, 1)
	assert.Equal(t, "u1", history[0].UserID)
}

func TestCognitiveDegradesWithoutEngine(t *testing.T) {
	c := NewCognitive(nil, &MockEngine{FailWith: errors.New("engine down")})
	res := c.EnhancePrompt(context.Background(), "mountain lake", "", "")

	// A failing engine skips the style stage, it never fails the chain.
	require.True(t, res.Success)
	enhanced := res.Data.(EnhancedPrompt)
	assert.NotContains(t, enhanced.Stages, "style")
	assert.Contains(t, enhanced.Enhanced, "mountain lake")
}

func TestCognitiveSkipsQualityStageWhenHinted(t *testing.T) {
	c := NewCognitive(nil, &MockEngine{FailWith: errors.New("down")})
	res := c.EnhancePrompt(context.Background(), "a castle, highly detailed", "", "")

	enhanced := res.Data.(EnhancedPrompt)
	assert.NotContains(t, enhanced.Stages, "quality")
	assert.Equal(t, 1, strings.Count(enhanced.Enhanced, "highly detailed"))
}

func TestMemorySaveRecallRoundTrip(t *testing.T) {
	b := bus.New()
	defer b.Close()

	m := NewContextMemory(b, newTestDB(b))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := m.Save(ctx, MemoryEntry{
			UserID:    "u1",
			SessionID: "s1",
			Prompt:    fmt.Sprintf("prompt %d", i),
		})
		require.True(t, res.Success)
	}

	res := m.Recall(ctx, "u1", 2)
	require.True(t, res.Success)
	rows := res.Data.([]store.Row)
	assert.Len(t, rows, 2)

	assert.Len(t, b.GetHistory(bus.HistoryFilter{Type: bus.EventMemorySaved}), 3)
}

func TestMemoryCacheInvalidatedBySave(t *testing.T) {
	b := bus.New()
	defer b.Close()

	m := NewContextMemory(b, newTestDB(b))
	ctx := context.Background()

	require.True(t, m.Save(ctx, MemoryEntry{UserID: "u1", Prompt: "one"}).Success)
	first := m.Recall(ctx, "u1", 0)
	require.Len(t, first.Data.([]store.Row), 1)

	// A save after a recall must not leave the stale window cached.
	require.True(t, m.Save(ctx, MemoryEntry{UserID: "u1", Prompt: "two"}).Success)
	second := m.Recall(ctx, "u1", 0)
	assert.Len(t, second.Data.([]store.Row), 2)
}

func TestMemorySaveFeedbackAnnounces(t *testing.T) {
	b := bus.New()
	defer b.Close()

	m := NewContextMemory(b, newTestDB(b))
	ctx := context.Background()

	require.True(t, m.Save(ctx, MemoryEntry{UserID: "u1", SessionID: "s1", Prompt: "p"}).Success)
	res := m.SaveFeedback(ctx, "u1", "s1", "loved it")
	require.True(t, res.Success)

	assert.Len(t, b.GetHistory(bus.HistoryFilter{Type: bus.EventFeedbackReceived}), 1)
}

func TestSyncQueueThenFlush(t *testing.T) {
	b := bus.New()
	defer b.Close()

	var applied []SyncAction
	s := NewEnvSync(b, SyncTargetFunc(func(_ context.Context, actions []SyncAction) error {
		applied = append(applied, actions...)
		return nil
	}))

	s.Queue("prompts", SyncInsert, map[string]any{"prompt": "p1"})
	s.Queue("prompts", SyncUpdate, map[string]any{"prompt": "p2"})
	assert.Equal(t, 2, s.PendingCount())

	res := s.Sync(context.Background())
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Data.(SyncSummary).Flushed)
	assert.Equal(t, 0, s.PendingCount())
	assert.Len(t, applied, 2)

	assert.Len(t, b.GetHistory(bus.HistoryFilter{Type: bus.EventSyncStarted}), 1)
	assert.Len(t, b.GetHistory(bus.HistoryFilter{Type: bus.EventSyncCompleted}), 1)
}

func TestSyncFlushFailurePublishesFailed(t *testing.T) {
	b := bus.New()
	defer b.Close()

	s := NewEnvSync(b, SyncTargetFunc(func(context.Context, []SyncAction) error {
		return errors.New("remote unreachable")
	}))
	s.Queue("prompts", SyncInsert, nil)

	res := s.Sync(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "remote unreachable")
	assert.Len(t, b.GetHistory(bus.HistoryFilter{Type: bus.EventSyncFailed}), 1)
	assert.Empty(t, b.GetHistory(bus.HistoryFilter{Type: bus.EventSyncCompleted}))
}

func TestSyncAutoSyncIdempotent(t *testing.T) {
	s := NewEnvSync(nil, nil)

	s.EnableAutoSync(time.Hour)
	s.EnableAutoSync(time.Hour)
	assert.True(t, s.AutoSyncEnabled())

	s.DisableAutoSync()
	s.DisableAutoSync()
	assert.False(t, s.AutoSyncEnabled())
}

func TestSimulationRunAllAggregatesConflicts(t *testing.T) {
	b := bus.New()
	defer b.Close()

	s := NewSimulation(b)
	s.AddScenario(Scenario{ID: "ok", Run: func(context.Context) error { return nil }})
	s.AddScenario(Scenario{ID: "bad1", Run: func(context.Context) error { return errors.New("rule broken") }})
	s.AddScenario(Scenario{ID: "bad2", Run: func(context.Context) error { panic("boom") }})

	res := s.RunAll(context.Background())
	require.True(t, res.Success)
	report := res.Data.(SimulationReport)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, []string{"bad1", "bad2"}, report.Failed)

	// One aggregate conflict event, not one per failure.
	conflicts := b.GetHistory(bus.HistoryFilter{Type: bus.EventRuleConflict})
	require.Len(t, conflicts, 1)
	data := conflicts[0].Data.(map[string]any)
	assert.Equal(t, []string{"bad1", "bad2"}, data["failed_scenarios"])
}

func TestSimulationRunAllCleanIsSilent(t *testing.T) {
	b := bus.New()
	defer b.Close()

	s := NewSimulation(b)
	s.AddScenario(Scenario{ID: "ok", Run: func(context.Context) error { return nil }})

	res := s.RunAll(context.Background())
	require.True(t, res.Success)
	assert.Empty(t, b.GetHistory(bus.HistoryFilter{Type: bus.EventRuleConflict}))
}

func TestSimulationAddRemoveRunOne(t *testing.T) {
	s := NewSimulation(nil)
	s.AddScenario(Scenario{ID: "a", Run: func(context.Context) error { return nil }})
	s.AddScenario(Scenario{ID: "b", Run: func(context.Context) error { return errors.New("nope") }})
	assert.Equal(t, []string{"a", "b"}, s.Scenarios())

	assert.True(t, s.RunScenario(context.Background(), "a").Success)
	assert.False(t, s.RunScenario(context.Background(), "b").Success)
	assert.False(t, s.RunScenario(context.Background(), "missing").Success)

	assert.True(t, s.RemoveScenario("b"))
	assert.False(t, s.RemoveScenario("b"))
	assert.Equal(t, []string{"a"}, s.Scenarios())
}

func TestVisionQuickModeZeroesMetrics(t *testing.T) {
	b := bus.New()
	defer b.Close()

	v := NewVision(b, &MockAnalyzer{Score: 85})
	res := v.Assess(context.Background(), "mock://images/gen_1.png", "sunset", AssessQuick, "u1", "s1")

	require.True(t, res.Success)
	qa := res.Data.(QualityAssessment)
	assert.Equal(t, 85.0, qa.Score)
	assert.Equal(t, QualityMetrics{}, qa.Metrics)

	assert.Len(t, b.GetHistory(bus.HistoryFilter{Type: bus.EventImageAssessed}), 1)
	assert.Empty(t, b.GetHistory(bus.HistoryFilter{Type: bus.EventQualityAlert}))
}

func TestVisionLowScoreRaisesAlert(t *testing.T) {
	b := bus.New()
	defer b.Close()

	v := NewVision(b, &MockAnalyzer{Score: 50})
	res := v.Assess(context.Background(), "mock://images/gen_2.png", "sunset", AssessFull, "u1", "s1")

	require.True(t, res.Success)
	qa := res.Data.(QualityAssessment)
	assert.Less(t, qa.Score, QualityThreshold)
	assert.NotZero(t, qa.Metrics.Sharpness)

	assert.Len(t, b.GetHistory(bus.HistoryFilter{Type: bus.EventImageAssessed}), 1)
	assert.Len(t, b.GetHistory(bus.HistoryFilter{Type: bus.EventQualityAlert}), 1)
}

func TestVisionBatch(t *testing.T) {
	v := NewVision(nil, &MockAnalyzer{Score: 80})
	urls := []string{"a.png", "b.png", "c.png"}

	res := v.AssessBatch(context.Background(), urls, "sunset", "", "")
	require.True(t, res.Success)
	results := res.Data.([]QualityAssessment)
	require.Len(t, results, 3)
	for i, qa := range results {
		assert.Equal(t, urls[i], qa.ImageURL)
	}
}

func TestVisionBatchFailure(t *testing.T) {
	v := NewVision(nil, &MockAnalyzer{FailWith: errors.New("blind")})
	res := v.AssessBatch(context.Background(), []string{"a.png"}, "x", "", "")
	assert.False(t, res.Success)
}

func TestVisionCompareMergesSuggestions(t *testing.T) {
	v := NewVision(nil, &MockAnalyzer{Score: 55})
	res := v.Compare(context.Background(), "a.png", "b.png", "sunset", "", "")

	require.True(t, res.Success)
	cmp := res.Data.(Comparison)
	assert.GreaterOrEqual(t, cmp.Best.Score, cmp.Other.Score)

	// Both assessments carry the same two suggestions; the merge dedupes.
	assert.Len(t, cmp.Suggestions, 2)
}

func TestMockEngineDeterministic(t *testing.T) {
	e := &MockEngine{}
	a1, err := e.AnalyzePrompt(context.Background(), "a majestic dragon over castle ruins")
	require.NoError(t, err)
	a2, _ := e.AnalyzePrompt(context.Background(), "a majestic dragon over castle ruins")
	assert.Equal(t, a1, a2)
	assert.Equal(t, "image_generation", a1.Intent)
	assert.Contains(t, a1.Subjects, "majestic")
}
