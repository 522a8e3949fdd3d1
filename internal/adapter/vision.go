package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/connector"
	"github.com/normanking/synapse/internal/logging"
	"github.com/normanking/synapse/internal/telemetry"
)

// QualityThreshold is the score below which an assessment additionally
// raises a quality_alert event.
const QualityThreshold = 70.0

// visionBatchLimit caps how many images a batch assessment scores at once.
const visionBatchLimit = 4

// AssessMode selects how much detail an assessment computes.
type AssessMode string

const (
	// AssessQuick scores the image without a metric breakdown.
	AssessQuick AssessMode = "quick"
	// AssessFull scores the image and fills in every sub-metric.
	AssessFull AssessMode = "full"
)

// QualityMetrics is the full-mode metric breakdown.
type QualityMetrics struct {
	Sharpness   float64 `json:"sharpness"`
	Composition float64 `json:"composition"`
	ColorMatch  float64 `json:"color_match"`
	PromptMatch float64 `json:"prompt_match"`
}

// QualityAssessment is the data carried by a successful Assess result.
type QualityAssessment struct {
	ImageURL    string         `json:"image_url"`
	Score       float64        `json:"score"`
	Mode        AssessMode     `json:"mode"`
	Metrics     QualityMetrics `json:"metrics"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

// Comparison is the data carried by a Compare result.
type Comparison struct {
	Best        QualityAssessment `json:"best"`
	Other       QualityAssessment `json:"other"`
	Suggestions []string          `json:"suggestions,omitempty"`
}

// Analyzer is the pluggable vision strategy. Real analyzers live behind
// external services; the mock is the default.
type Analyzer interface {
	Analyze(ctx context.Context, imageURL, prompt string) (QualityAssessment, error)
}

// MockAnalyzer is a deterministic Analyzer for tests. Score overrides the
// computed score when non-zero; FailWith makes every call fail.
type MockAnalyzer struct {
	Score    float64
	FailWith error
}

// Analyze implements Analyzer. Without an override the score is derived
// from the URL so repeated calls agree.
func (m *MockAnalyzer) Analyze(_ context.Context, imageURL, _ string) (QualityAssessment, error) {
	if m.FailWith != nil {
		return QualityAssessment{}, m.FailWith
	}

	score := m.Score
	if score == 0 {
		sum := 0
		for _, c := range imageURL {
			sum += int(c)
		}
		score = 60 + float64(sum%36)
	}

	return QualityAssessment{
		ImageURL: imageURL,
		Score:    score,
		Metrics: QualityMetrics{
			Sharpness:   score,
			Composition: score - 5,
			ColorMatch:  score + 2,
			PromptMatch: score - 2,
		},
		Suggestions: suggestionsFor(score),
	}, nil
}

func suggestionsFor(score float64) []string {
	if score >= QualityThreshold {
		return nil
	}
	return []string{
		"increase sampling steps for finer detail",
		"add composition guidance to the prompt",
	}
}

// Vision is the quality-assessment adapter.
type Vision struct {
	analyzer Analyzer
	bus      *bus.Bus
	log      zerolog.Logger
}

// NewVision creates the adapter. A nil analyzer falls back to the mock.
func NewVision(b *bus.Bus, analyzer Analyzer) *Vision {
	if analyzer == nil {
		analyzer = &MockAnalyzer{}
	}
	return &Vision{
		analyzer: analyzer,
		bus:      b,
		log:      logging.WithComponent("vision"),
	}
}

// ModuleName implements registry.Module.
func (v *Vision) ModuleName() string { return "vision quality" }

// Assess scores one image. Quick mode reports the score with zeroed
// sub-metrics; full mode keeps the analyzer's breakdown. Every assessment
// publishes image_assessed; scores under QualityThreshold additionally
// publish quality_alert.
func (v *Vision) Assess(ctx context.Context, imageURL, prompt string, mode AssessMode, userID, sessionID string) connector.Result {
	start := time.Now()

	qa, err := v.analyzer.Analyze(ctx, imageURL, prompt)
	if err != nil {
		v.log.Warn().Err(err).Str("image", imageURL).Msg("assessment failed")
		return connector.Fail(fmt.Errorf("assess %s: %w", imageURL, err), start)
	}

	qa.Mode = mode
	if mode == AssessQuick {
		qa.Metrics = QualityMetrics{}
		qa.Suggestions = nil
	}

	telemetry.QualityScore.Observe(qa.Score)

	opts := bus.PublishOptions{UserID: userID, SessionID: sessionID}
	if v.bus != nil {
		_ = v.bus.Publish(ctx, bus.EventImageAssessed, qa, opts)
		if qa.Score < QualityThreshold {
			_ = v.bus.Publish(ctx, bus.EventQualityAlert, qa, opts)
		}
	}

	return connector.Succeed(qa, start)
}

// AssessBatch scores several images concurrently in full mode. One failed
// image fails the batch result, but every image is still attempted.
func (v *Vision) AssessBatch(ctx context.Context, imageURLs []string, prompt, userID, sessionID string) connector.Result {
	start := time.Now()

	results := make([]QualityAssessment, len(imageURLs))
	var mu sync.Mutex
	var firstErr error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(visionBatchLimit)
	for i, url := range imageURLs {
		i, url := i, url
		g.Go(func() error {
			res := v.Assess(gctx, url, prompt, AssessFull, userID, sessionID)
			mu.Lock()
			defer mu.Unlock()
			if !res.Success {
				if firstErr == nil {
					firstErr = fmt.Errorf("%s", res.Error)
				}
				return nil
			}
			results[i] = res.Data.(QualityAssessment)
			return nil
		})
	}
	_ = g.Wait()

	if firstErr != nil {
		return connector.Fail(fmt.Errorf("batch assess: %w", firstErr), start)
	}
	return connector.Succeed(results, start)
}

// Compare assesses two images in full mode and returns the better one with
// the improvement suggestions of both merged and deduplicated.
func (v *Vision) Compare(ctx context.Context, urlA, urlB, prompt, userID, sessionID string) connector.Result {
	start := time.Now()

	resA := v.Assess(ctx, urlA, prompt, AssessFull, userID, sessionID)
	if !resA.Success {
		return connector.Fail(fmt.Errorf("compare: %s", resA.Error), start)
	}
	resB := v.Assess(ctx, urlB, prompt, AssessFull, userID, sessionID)
	if !resB.Success {
		return connector.Fail(fmt.Errorf("compare: %s", resB.Error), start)
	}

	a := resA.Data.(QualityAssessment)
	b := resB.Data.(QualityAssessment)

	cmp := Comparison{Best: a, Other: b}
	if b.Score > a.Score {
		cmp.Best, cmp.Other = b, a
	}
	cmp.Suggestions = mergeSuggestions(a.Suggestions, b.Suggestions)

	return connector.Succeed(cmp, start)
}

func mergeSuggestions(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var merged []string
	for _, list := range lists {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			merged = append(merged, s)
		}
	}
	return merged
}
