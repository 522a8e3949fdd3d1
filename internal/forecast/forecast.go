// Package forecast is the predictive maintenance layer. It consumes a
// trailing window of module health logs and produces one aggregate summary:
// trends, anomaly predictions, correlation patterns, risk assessments,
// behavioral patterns, advisories, an overall health score, and any
// auto-tuning actions taken in response.
package forecast

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/adapter"
	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/logging"
	"github.com/normanking/synapse/internal/telemetry"
	"github.com/normanking/synapse/internal/tuner"
)

// DefaultWindowSize is how many trailing health logs a forecast reads.
const DefaultWindowSize = 100

// recentTrendPoints caps the trailing sub-window kept per module.
const recentTrendPoints = 10

// correlationThreshold is the Pearson coefficient above which a module pair
// is reported as positively correlated.
const correlationThreshold = 0.7

// Risk is a module's predicted risk tier.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// escalate bumps a risk one tier, capped at critical.
func escalate(r Risk) Risk {
	switch r {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// HealthLog is one entry in the append-only health stream the forecast
// reads. The forecast never mutates it.
type HealthLog struct {
	Timestamp    time.Time `json:"timestamp"`
	Module       string    `json:"module"`
	Latency      float64   `json:"latency,omitempty"`
	ErrorRate    float64   `json:"error_rate,omitempty"`
	MemoryUsage  float64   `json:"memory_usage,omitempty"`
	CPUUsage     float64   `json:"cpu_usage,omitempty"`
	RequestCount int       `json:"request_count,omitempty"`
	Severity     string    `json:"severity,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Trend is one module's averaged view over the window.
type Trend struct {
	Module       string    `json:"module"`
	AvgLatency   float64   `json:"avg_latency"`
	AvgErrorRate float64   `json:"avg_error_rate"`
	AvgMemory    float64   `json:"avg_memory"`
	Recent       []float64 `json:"recent"`
}

// AnomalyPrediction is the slope-derived risk reading for one module.
type AnomalyPrediction struct {
	Module     string  `json:"module"`
	Slope      float64 `json:"slope"`
	Confidence float64 `json:"confidence"`
	Risk       Risk    `json:"risk"`
}

// CorrelationPattern links modules whose behavior moves together.
type CorrelationPattern struct {
	Type        string   `json:"type"`
	Modules     []string `json:"modules"`
	Coefficient float64  `json:"coefficient,omitempty"`
	Description string   `json:"description"`
}

// RiskAssessment scores one anomaly into probability and impact.
type RiskAssessment struct {
	Module        string  `json:"module"`
	Risk          Risk    `json:"risk"`
	Probability   float64 `json:"probability"`
	Impact        float64 `json:"impact"`
	FailureWindow string  `json:"failure_window"`
}

// ModulePatterns lists the behavioral patterns one module exhibits. A module
// may exhibit several at once.
type ModulePatterns struct {
	Module   string   `json:"module"`
	Patterns []string `json:"patterns"`
}

// PredictiveAdvisory is one actionable recommendation.
type PredictiveAdvisory struct {
	Module         string `json:"module"`
	Recommendation string `json:"recommendation"`
	Action         string `json:"action"`
	AutoApplicable bool   `json:"auto_applicable"`
	Source         string `json:"source"`
}

// PredictiveSummary is the aggregate output of one forecast call.
type PredictiveSummary struct {
	GeneratedAt       time.Time            `json:"generated_at"`
	WindowSize        int                  `json:"window_size"`
	Trends            []Trend              `json:"trends"`
	Anomalies         []AnomalyPrediction  `json:"anomalies"`
	Correlations      []CorrelationPattern `json:"correlations,omitempty"`
	Risks             []RiskAssessment     `json:"risks"`
	Patterns          []ModulePatterns     `json:"patterns,omitempty"`
	Advisories        []PredictiveAdvisory `json:"advisories"`
	HealthScore       float64              `json:"health_score"`
	HealthStatus      string               `json:"health_status"`
	AutoTuningActions []tuner.Adjustment   `json:"auto_tuning_actions,omitempty"`
}

// Engine runs the forecast pipeline. It is stateless between calls; only the
// attached tuner carries state forward.
type Engine struct {
	advisor    adapter.Engine
	tuner      *tuner.Tuner
	bus        *bus.Bus
	windowSize int
	log        zerolog.Logger
}

// Options configures an Engine. All fields are optional.
type Options struct {
	// Advisor is the AI path for advisory generation; rules are the
	// fallback when it is nil or failing.
	Advisor adapter.Engine
	Tuner   *tuner.Tuner
	Bus     *bus.Bus
	// WindowSize overrides DefaultWindowSize when positive.
	WindowSize int
}

// NewEngine creates a forecast engine.
func NewEngine(opts Options) *Engine {
	windowSize := opts.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Engine{
		advisor:    opts.Advisor,
		tuner:      opts.Tuner,
		bus:        opts.Bus,
		windowSize: windowSize,
		log:        logging.WithComponent("forecast"),
	}
}

// ModuleName implements registry.Module.
func (e *Engine) ModuleName() string { return "forecast engine" }

// Forecast runs the full pipeline over the trailing window of logs and
// returns one aggregate summary. Every stage runs on every invocation.
func (e *Engine) Forecast(ctx context.Context, logs []HealthLog) PredictiveSummary {
	if len(logs) > e.windowSize {
		logs = logs[len(logs)-e.windowSize:]
	}

	summary := PredictiveSummary{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  len(logs),
	}

	grouped := groupByModule(logs)

	summary.Trends = extractTrends(grouped)
	summary.Anomalies = detectAnomalies(summary.Trends)
	summary.Correlations = e.detectCorrelations(summary.Trends, summary.Anomalies)
	summary.Risks = assessRisks(summary.Anomalies)
	summary.Patterns = detectPatterns(grouped)
	summary.Advisories = e.generateAdvisories(ctx, summary.Risks)
	summary.HealthScore, summary.HealthStatus = overallHealth(summary.Risks)
	summary.AutoTuningActions = e.autoTune(ctx, summary.Risks)

	telemetry.ForecastHealthScore.Set(summary.HealthScore)

	if e.bus != nil {
		_ = e.bus.Publish(ctx, bus.EventForecastReady, summary, bus.PublishOptions{})
	}

	e.log.Info().
		Int("window", summary.WindowSize).
		Int("modules", len(summary.Trends)).
		Float64("health", summary.HealthScore).
		Str("status", summary.HealthStatus).
		Msg("forecast complete")
	return summary
}

func groupByModule(logs []HealthLog) map[string][]HealthLog {
	grouped := make(map[string][]HealthLog)
	for _, l := range logs {
		grouped[l.Module] = append(grouped[l.Module], l)
	}
	return grouped
}

// extractTrends is stage 1: per-module averages plus the trailing latency
// sub-window. Output order is deterministic (sorted by module).
func extractTrends(grouped map[string][]HealthLog) []Trend {
	modules := make([]string, 0, len(grouped))
	for m := range grouped {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	trends := make([]Trend, 0, len(modules))
	for _, m := range modules {
		entries := grouped[m]
		trend := Trend{Module: m}
		for _, l := range entries {
			trend.AvgLatency += l.Latency
			trend.AvgErrorRate += l.ErrorRate
			trend.AvgMemory += l.MemoryUsage
		}
		n := float64(len(entries))
		trend.AvgLatency /= n
		trend.AvgErrorRate /= n
		trend.AvgMemory /= n

		recent := entries
		if len(recent) > recentTrendPoints {
			recent = recent[len(recent)-recentTrendPoints:]
		}
		for _, l := range recent {
			trend.Recent = append(trend.Recent, l.Latency)
		}
		trends = append(trends, trend)
	}
	return trends
}

// detectAnomalies is stage 2: regression slope over the recent series sets
// the base tier, then elevated error rate and memory usage each bump it one
// tier. Both bumps can apply in the same call; the cap is critical.
func detectAnomalies(trends []Trend) []AnomalyPrediction {
	anomalies := make([]AnomalyPrediction, 0, len(trends))
	for _, t := range trends {
		slope, r2 := linearRegression(t.Recent)

		risk := RiskLow
		abs := math.Abs(slope)
		switch {
		case abs > 50:
			risk = RiskCritical
		case abs > 20:
			risk = RiskHigh
		case abs > 10:
			risk = RiskMedium
		}
		if t.AvgErrorRate > 0.05 {
			risk = escalate(risk)
		}
		if t.AvgMemory > 0.80 {
			risk = escalate(risk)
		}

		anomalies = append(anomalies, AnomalyPrediction{
			Module:     t.Module,
			Slope:      slope,
			Confidence: r2,
			Risk:       risk,
		})
	}
	return anomalies
}

// detectCorrelations is stage 3: the cascading-failure chain across risky
// modules, plus pairwise Pearson correlation of the trailing windows.
func (e *Engine) detectCorrelations(trends []Trend, anomalies []AnomalyPrediction) []CorrelationPattern {
	var patterns []CorrelationPattern

	// (a) cascading chain: rank High/Critical modules by impact score.
	type risky struct {
		module string
		score  float64
	}
	riskByModule := make(map[string]Risk, len(anomalies))
	for _, a := range anomalies {
		riskByModule[a.Module] = a.Risk
	}
	var chain []risky
	for _, t := range trends {
		switch riskByModule[t.Module] {
		case RiskHigh:
			chain = append(chain, risky{t.Module, t.AvgLatency})
		case RiskCritical:
			chain = append(chain, risky{t.Module, t.AvgLatency * 2})
		}
	}
	if len(chain) >= 2 {
		sort.Slice(chain, func(i, j int) bool { return chain[i].score > chain[j].score })
		modules := make([]string, len(chain))
		for i, r := range chain {
			modules[i] = r.module
		}
		patterns = append(patterns, CorrelationPattern{
			Type:        "cascading",
			Modules:     modules,
			Description: fmt.Sprintf("%d modules at elevated risk may fail in cascade", len(modules)),
		})
	}

	// (b) pairwise Pearson over equal-length trailing windows.
	for i := 0; i < len(trends); i++ {
		for j := i + 1; j < len(trends); j++ {
			a, b := trends[i].Recent, trends[j].Recent
			n := len(a)
			if len(b) < n {
				n = len(b)
			}
			if n < 2 {
				continue
			}
			r := pearson(a[len(a)-n:], b[len(b)-n:])
			if r > correlationThreshold {
				patterns = append(patterns, CorrelationPattern{
					Type:        "positive",
					Modules:     []string{trends[i].Module, trends[j].Module},
					Coefficient: r,
					Description: fmt.Sprintf("%s and %s trend together (r=%.2f)", trends[i].Module, trends[j].Module, r),
				})
			}
		}
	}
	return patterns
}

// assessRisks is stage 4: probability from normalized slope scaled by a
// tier multiplier, impact from a tier base blended with slope and
// confidence, and a failure window from slope magnitude.
func assessRisks(anomalies []AnomalyPrediction) []RiskAssessment {
	tierMultiplier := map[Risk]float64{RiskLow: 0.5, RiskMedium: 1.0, RiskHigh: 1.5, RiskCritical: 2.0}
	tierBase := map[Risk]float64{RiskLow: 20, RiskMedium: 50, RiskHigh: 75, RiskCritical: 95}

	risks := make([]RiskAssessment, 0, len(anomalies))
	for _, a := range anomalies {
		abs := math.Abs(a.Slope)

		probability := math.Min(abs/100, 1) * tierMultiplier[a.Risk]
		if probability > 1 {
			probability = 1
		}

		impact := tierBase[a.Risk] + abs + a.Confidence
		if impact > 100 {
			impact = 100
		}

		window := "beyond 7 days"
		switch {
		case abs > 50:
			window = "within 1 hour"
		case abs > 20:
			window = "within 6 hours"
		case abs > 10:
			window = "within 24 hours"
		case abs > 5:
			window = "within 7 days"
		}

		risks = append(risks, RiskAssessment{
			Module:        a.Module,
			Risk:          a.Risk,
			Probability:   probability,
			Impact:        impact,
			FailureWindow: window,
		})
	}
	return risks
}

// detectPatterns is stage 5: spikes, drift, and oscillation, each evaluated
// independently per module over its full window.
func detectPatterns(grouped map[string][]HealthLog) []ModulePatterns {
	modules := make([]string, 0, len(grouped))
	for m := range grouped {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	var out []ModulePatterns
	for _, m := range modules {
		series := make([]float64, 0, len(grouped[m]))
		for _, l := range grouped[m] {
			series = append(series, l.Latency)
		}

		var patterns []string
		if hasSpikes(series) {
			patterns = append(patterns, "spike")
		}
		if hasDrift(series) {
			patterns = append(patterns, "drift")
		}
		if hasOscillation(series) {
			patterns = append(patterns, "oscillation")
		}
		if len(patterns) > 0 {
			out = append(out, ModulePatterns{Module: m, Patterns: patterns})
		}
	}
	return out
}

// hasSpikes reports more than 3 points exceeding twice the window average.
func hasSpikes(series []float64) bool {
	if len(series) == 0 {
		return false
	}
	avg := mean(series)
	if avg == 0 {
		return false
	}
	count := 0
	for _, v := range series {
		if v > 2*avg {
			count++
		}
	}
	return count > 3
}

// hasDrift reports a mean shift above 20% between window halves.
func hasDrift(series []float64) bool {
	if len(series) < 4 {
		return false
	}
	half := len(series) / 2
	first, second := mean(series[:half]), mean(series[half:])
	if first == 0 {
		return false
	}
	return math.Abs(second-first)/first > 0.20
}

// hasOscillation reports more than 30% of points being local extrema.
func hasOscillation(series []float64) bool {
	if len(series) < 3 {
		return false
	}
	extrema := 0
	for i := 1; i < len(series)-1; i++ {
		if (series[i] > series[i-1] && series[i] > series[i+1]) ||
			(series[i] < series[i-1] && series[i] < series[i+1]) {
			extrema++
		}
	}
	return float64(extrema)/float64(len(series)) > 0.30
}

// generateAdvisories is stage 6: the AI path is attempted first and falls
// back to the rule table on unavailability or failure.
func (e *Engine) generateAdvisories(ctx context.Context, risks []RiskAssessment) []PredictiveAdvisory {
	advisories := make([]PredictiveAdvisory, 0, len(risks))
	for _, r := range risks {
		action := "monitor"
		switch {
		case r.Risk == RiskCritical:
			action = "urgent"
		case r.Probability > 0.8:
			action = "restart"
		case r.Probability > 0.5:
			action = "optimize"
		case r.Probability > 0.3:
			action = "scale"
		}

		advisory := PredictiveAdvisory{
			Module:         r.Module,
			Action:         action,
			AutoApplicable: r.Risk != RiskCritical && action != "urgent" && r.Probability > 0.7,
			Source:         "rules",
			Recommendation: fmt.Sprintf("Module %s shows %s risk with %.0f%% failure probability (%s); recommended action: %s.",
				r.Module, r.Risk, r.Probability*100, r.FailureWindow, action),
		}

		if e.advisor != nil {
			suggestion, err := e.advisor.Advise(ctx,
				fmt.Sprintf("module %s, risk %s, failure probability %.2f, expected %s", r.Module, r.Risk, r.Probability, r.FailureWindow))
			if err == nil && suggestion != "" {
				advisory.Recommendation = suggestion
				advisory.Source = "ai"
			} else if err != nil {
				e.log.Debug().Err(err).Str("module", r.Module).Msg("ai advisory unavailable, using rules")
			}
		}

		advisories = append(advisories, advisory)
	}
	return advisories
}

// overallHealth is stage 7.
func overallHealth(risks []RiskAssessment) (float64, string) {
	score := 100.0
	if len(risks) > 0 {
		var weighted float64
		for _, r := range risks {
			weighted += r.Probability * r.Impact
		}
		score = 100 - weighted/(float64(len(risks))*100)*100
	}
	score = math.Max(0, math.Min(100, score))

	status := "Critical"
	switch {
	case score > 80:
		status = "Healthy"
	case score > 50:
		status = "Warning"
	}
	return score, status
}

// autoTune is stage 8: forward triggering assessments to the tuner and fold
// its actions into the summary.
func (e *Engine) autoTune(ctx context.Context, risks []RiskAssessment) []tuner.Adjustment {
	if e.tuner == nil {
		return nil
	}

	var actions []tuner.Adjustment
	for _, r := range risks {
		if r.Probability <= 0.8 && r.Risk != RiskCritical {
			continue
		}
		if adj := e.tuner.Adapt(ctx, r.Module, string(r.Risk), r.Probability); adj != nil {
			actions = append(actions, *adj)
		}
	}
	return actions
}

// linearRegression fits y = a + bx over x = 0..n-1 and returns the slope
// with the r-squared goodness of fit.
func linearRegression(series []float64) (slope, r2 float64) {
	n := float64(len(series))
	if n < 2 {
		return 0, 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssRes, ssTot float64
	for i, y := range series {
		fit := intercept + slope*float64(i)
		ssRes += (y - fit) * (y - fit)
		ssTot += (y - meanY) * (y - meanY)
	}
	if ssTot == 0 {
		return slope, 0
	}
	return slope, 1 - ssRes/ssTot
}

// pearson computes the correlation coefficient of two equal-length series.
func pearson(a, b []float64) float64 {
	n := float64(len(a))
	if n == 0 || len(a) != len(b) {
		return 0
	}

	meanA, meanB := mean(a), mean(b)
	var cov, varA, varB float64
	for i := range a {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

func mean(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	var sum float64
	for _, v := range series {
		sum += v
	}
	return sum / float64(len(series))
}
