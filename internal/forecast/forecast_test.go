package forecast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/synapse/internal/adapter"
	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/tuner"
)

// rampLogs produces n entries for a module whose latency climbs by slope
// each step.
func rampLogs(module string, n int, slope, errRate, mem float64) []HealthLog {
	logs := make([]HealthLog, n)
	base := time.Now().UTC().Add(-time.Duration(n) * time.Minute)
	for i := range logs {
		logs[i] = HealthLog{
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Module:      module,
			Latency:     slope * float64(i),
			ErrorRate:   errRate,
			MemoryUsage: mem,
		}
	}
	return logs
}

func TestAnomalyRiskTiersFromSlope(t *testing.T) {
	cases := []struct {
		slope float64
		want  Risk
	}{
		{60, RiskCritical},
		{25, RiskHigh},
		{15, RiskMedium},
		{5, RiskLow},
	}
	for _, tc := range cases {
		trends := extractTrends(groupByModule(rampLogs("m", 10, tc.slope, 0, 0)))
		anomalies := detectAnomalies(trends)
		require.Len(t, anomalies, 1)
		assert.Equal(t, tc.want, anomalies[0].Risk, "slope %.0f", tc.slope)
		assert.InDelta(t, tc.slope, anomalies[0].Slope, 1e-9)
		assert.InDelta(t, 1.0, anomalies[0].Confidence, 1e-9, "a perfect ramp fits exactly")
	}
}

func TestRiskEscalationOnErrorRate(t *testing.T) {
	trends := extractTrends(groupByModule(rampLogs("m", 10, 15, 0.06, 0)))
	anomalies := detectAnomalies(trends)
	require.Len(t, anomalies, 1)
	assert.Equal(t, RiskHigh, anomalies[0].Risk, "medium slope with >5%% errors escalates one tier")
}

func TestRiskEscalationCanApplyTwice(t *testing.T) {
	trends := extractTrends(groupByModule(rampLogs("m", 10, 15, 0.06, 0.85)))
	anomalies := detectAnomalies(trends)
	assert.Equal(t, RiskCritical, anomalies[0].Risk, "error rate and memory each bump a tier")

	// Already critical: both bumps are capped.
	trends = extractTrends(groupByModule(rampLogs("m", 10, 60, 0.06, 0.85)))
	anomalies = detectAnomalies(trends)
	assert.Equal(t, RiskCritical, anomalies[0].Risk)
}

func TestCorrelationThresholdIsStrict(t *testing.T) {
	e := NewEngine(Options{})

	// Rank permutations of 0..4 give exact Pearson coefficients of k/10.
	base := []float64{0, 1, 2, 3, 4}
	above := []float64{1, 0, 2, 4, 3}       // r = 0.8
	atThreshold := []float64{1, 2, 0, 3, 4} // r = 0.7 exactly

	require.InDelta(t, 0.8, pearson(base, above), 1e-9)
	require.InDelta(t, 0.7, pearson(base, atThreshold), 1e-9)

	trends := []Trend{
		{Module: "a", Recent: base},
		{Module: "b", Recent: above},
		{Module: "c", Recent: atThreshold},
	}
	patterns := e.detectCorrelations(trends, nil)

	var positive [][]string
	for _, p := range patterns {
		if p.Type == "positive" {
			positive = append(positive, p.Modules)
		}
	}
	require.Len(t, positive, 1, "only coefficients strictly above 0.7 are reported")
	assert.Equal(t, []string{"a", "b"}, positive[0])
}

func TestCascadingChainRanksRiskyModules(t *testing.T) {
	e := NewEngine(Options{})
	trends := []Trend{
		{Module: "fast", AvgLatency: 10},
		{Module: "slow", AvgLatency: 100},
		{Module: "broken", AvgLatency: 80},
	}
	anomalies := []AnomalyPrediction{
		{Module: "fast", Risk: RiskLow},
		{Module: "slow", Risk: RiskHigh},
		{Module: "broken", Risk: RiskCritical},
	}

	patterns := e.detectCorrelations(trends, anomalies)
	require.NotEmpty(t, patterns)
	assert.Equal(t, "cascading", patterns[0].Type)
	// Critical impact is doubled: broken (160) outranks slow (100).
	assert.Equal(t, []string{"broken", "slow"}, patterns[0].Modules)
}

func TestRiskScoring(t *testing.T) {
	risks := assessRisks([]AnomalyPrediction{
		{Module: "m", Slope: 15, Confidence: 1, Risk: RiskMedium},
	})
	require.Len(t, risks, 1)
	assert.InDelta(t, 0.15, risks[0].Probability, 1e-9)
	assert.InDelta(t, 66, risks[0].Impact, 1e-9, "tier base 50 + slope 15 + confidence 1")
	assert.Equal(t, "within 24 hours", risks[0].FailureWindow)

	risks = assessRisks([]AnomalyPrediction{
		{Module: "m", Slope: -80, Confidence: 1, Risk: RiskCritical},
	})
	assert.InDelta(t, 1.0, risks[0].Probability, 1e-9, "probability caps at 1")
	assert.InDelta(t, 100, risks[0].Impact, 1e-9, "impact caps at 100")
	assert.Equal(t, "within 1 hour", risks[0].FailureWindow)

	risks = assessRisks([]AnomalyPrediction{
		{Module: "m", Slope: 3, Confidence: 0.5, Risk: RiskLow},
	})
	assert.Equal(t, "beyond 7 days", risks[0].FailureWindow)
}

func TestPatternDetection(t *testing.T) {
	spiky := []float64{1, 1, 1, 1, 10, 1, 10, 1, 10, 1, 10, 1}
	assert.True(t, hasSpikes(spiky))
	assert.False(t, hasSpikes([]float64{1, 1, 1, 10}))

	drifting := []float64{1, 1, 1, 1, 2, 2, 2, 2}
	assert.True(t, hasDrift(drifting))
	assert.False(t, hasDrift([]float64{1, 1, 1, 1, 1.1, 1.1, 1.1, 1.1}))

	oscillating := []float64{1, 5, 1, 5, 1, 5, 1}
	assert.True(t, hasOscillation(oscillating))
	assert.False(t, hasOscillation([]float64{1, 2, 3, 4, 5, 6, 7}))
}

func TestAdvisoryActionsAndAutoApplicable(t *testing.T) {
	e := NewEngine(Options{})
	advisories := e.generateAdvisories(context.Background(), []RiskAssessment{
		{Module: "a", Risk: RiskCritical, Probability: 0.95},
		{Module: "b", Risk: RiskHigh, Probability: 0.85},
		{Module: "c", Risk: RiskMedium, Probability: 0.6},
		{Module: "d", Risk: RiskLow, Probability: 0.35},
		{Module: "e", Risk: RiskLow, Probability: 0.1},
	})
	require.Len(t, advisories, 5)

	assert.Equal(t, "urgent", advisories[0].Action)
	assert.False(t, advisories[0].AutoApplicable, "critical is never auto-applicable")
	assert.Equal(t, "restart", advisories[1].Action)
	assert.True(t, advisories[1].AutoApplicable)
	assert.Equal(t, "optimize", advisories[2].Action)
	assert.False(t, advisories[2].AutoApplicable, "probability must exceed 0.7")
	assert.Equal(t, "scale", advisories[3].Action)
	assert.Equal(t, "monitor", advisories[4].Action)
}

func TestAdvisoryPrefersAIFallsBackToRules(t *testing.T) {
	risks := []RiskAssessment{{Module: "m", Risk: RiskHigh, Probability: 0.85}}

	ai := NewEngine(Options{Advisor: &adapter.MockEngine{}})
	advisories := ai.generateAdvisories(context.Background(), risks)
	assert.Equal(t, "ai", advisories[0].Source)

	broken := NewEngine(Options{Advisor: &adapter.MockEngine{FailWith: errors.New("offline")}})
	advisories = broken.generateAdvisories(context.Background(), risks)
	assert.Equal(t, "rules", advisories[0].Source)
	assert.Contains(t, advisories[0].Recommendation, "85%")
}

func TestOverallHealth(t *testing.T) {
	score, status := overallHealth(nil)
	assert.Equal(t, 100.0, score)
	assert.Equal(t, "Healthy", status)

	score, status = overallHealth([]RiskAssessment{
		{Probability: 1, Impact: 100},
	})
	assert.Equal(t, 0.0, score)
	assert.Equal(t, "Critical", status)

	score, status = overallHealth([]RiskAssessment{
		{Probability: 0.5, Impact: 60},
		{Probability: 0.1, Impact: 20},
	})
	// 100 - (30+2)/200*100 = 84
	assert.InDelta(t, 84, score, 1e-9)
	assert.Equal(t, "Healthy", status)
}

func TestForecastEndToEnd(t *testing.T) {
	b := bus.New()
	defer b.Close()

	tn, err := tuner.New(tuner.Options{Bus: b})
	require.NoError(t, err)
	defer tn.Close()

	e := NewEngine(Options{Bus: b, Tuner: tn})

	logs := append(
		rampLogs("imagegen", 10, 60, 0.06, 0.85), // critical, triggers tuning
		rampLogs("memory", 10, 2, 0, 0)...,
	)
	summary := e.Forecast(context.Background(), logs)

	assert.Equal(t, 20, summary.WindowSize)
	assert.Len(t, summary.Trends, 2)
	assert.Len(t, summary.Anomalies, 2)
	assert.Len(t, summary.Risks, 2)
	assert.Len(t, summary.Advisories, 2)
	assert.NotEmpty(t, summary.HealthStatus)

	require.Len(t, summary.AutoTuningActions, 1)
	assert.Equal(t, "imagegen", summary.AutoTuningActions[0].Module)
	assert.Equal(t, tuner.ModeSafe, tn.GetConfig("imagegen").Mode)

	assert.Len(t, b.GetHistory(bus.HistoryFilter{Type: bus.EventForecastReady}), 1)
}

func TestForecastTrimsToWindow(t *testing.T) {
	e := NewEngine(Options{WindowSize: 5})
	summary := e.Forecast(context.Background(), rampLogs("m", 50, 1, 0, 0))
	assert.Equal(t, 5, summary.WindowSize)
}
