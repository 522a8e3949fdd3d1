package orchestrator

import (
	"context"
	"time"

	"github.com/normanking/synapse/internal/adapter"
	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/connector"
	"github.com/normanking/synapse/internal/telemetry"
)

// Pipeline step names, in execution order.
const (
	StepIntelligence = "intelligence"
	StepEnhance      = "enhance"
	StepValidate     = "validate"
	StepGenerate     = "generate"
	StepAssess       = "assess"
	StepSave         = "save"
	StepSync         = "sync"
)

// StepResult records one pipeline step's outcome.
type StepResult struct {
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Pipeline is the transient state built up across one run. It is never
// persisted beyond the returned PipelineResult.
type Pipeline struct {
	UserID         string                      `json:"user_id"`
	SessionID      string                      `json:"session_id"`
	OriginalPrompt string                      `json:"original_prompt"`
	Analysis       *adapter.PromptAnalysis     `json:"analysis,omitempty"`
	EnhancedPrompt string                      `json:"enhanced_prompt,omitempty"`
	Generation     *connector.GenerationResult `json:"generation,omitempty"`
	Assessment     *adapter.QualityAssessment  `json:"assessment,omitempty"`
	Saved          bool                        `json:"saved"`
	Synced         bool                        `json:"synced"`
	Errors         []string                    `json:"errors,omitempty"`
}

// PipelineResult aggregates every step's outcome. RunGenerationPipeline
// always returns one, even on overall failure.
type PipelineResult struct {
	Success  bool                  `json:"success"`
	Steps    map[string]StepResult `json:"steps"`
	Pipeline Pipeline              `json:"pipeline"`
	Errors   []string              `json:"errors,omitempty"`
	Duration time.Duration         `json:"duration"`
}

// RunGenerationPipeline drives one prompt through the full generation
// pipeline. Steps run in fixed order; intelligence and enhance failures are
// non-fatal, a failed validation verdict aborts everything after it, a
// failed generation skips assess and save, and every later step is guarded
// individually so one failure cannot cascade into the next.
func (o *Orchestrator) RunGenerationPipeline(ctx context.Context, prompt, userID string) PipelineResult {
	start := time.Now()
	userID, sessionID := o.sessionScope(userID)

	p := Pipeline{
		UserID:         userID,
		SessionID:      sessionID,
		OriginalPrompt: prompt,
	}
	result := PipelineResult{Steps: make(map[string]StepResult)}

	// Step 1: intelligence pre-processing. Non-fatal.
	o.runStep(&result, &p, StepIntelligence, func() (bool, string) {
		if o.deps.Intelligence == nil {
			return true, ""
		}
		analysis, err := o.deps.Intelligence.AnalyzePrompt(ctx, prompt)
		if err != nil {
			return false, err.Error()
		}
		p.Analysis = &analysis
		return true, ""
	})

	// Step 2: prompt enhancement. Non-fatal; falls back to the original.
	effective := prompt
	o.runStep(&result, &p, StepEnhance, func() (bool, string) {
		res := o.deps.Cognitive.EnhancePrompt(ctx, prompt, userID, sessionID)
		if !res.Success {
			return false, res.Error
		}
		enhanced := res.Data.(adapter.EnhancedPrompt)
		p.EnhancedPrompt = enhanced.Enhanced
		effective = enhanced.Enhanced
		o.bumpMetrics(func(m *SessionMetrics) { m.PromptsGenerated++ })
		return true, ""
	})

	// Step 3: validation. The call itself succeeding is not the verdict; an
	// invalid prompt aborts everything after this step.
	valid := false
	o.runStep(&result, &p, StepValidate, func() (bool, string) {
		res := o.deps.Validator.ValidatePrompt(ctx, effective, userID, sessionID)
		if !res.Success {
			return false, res.Error
		}
		report := res.Data.(connector.ValidationReport)
		valid = report.IsValid
		if !valid {
			p.Errors = append(p.Errors, "prompt rejected: "+joinReasons(report.Reasons))
		}
		return true, ""
	})
	if !valid {
		return o.finish(result, p, start, false)
	}

	// Steps 4-5 assess their own output; keep the auto-assessment listener
	// out of the way for this session while they run.
	o.markInline(sessionID)
	defer o.unmarkInline(sessionID)

	// Step 4: image generation.
	o.runStep(&result, &p, StepGenerate, func() (bool, string) {
		res := o.deps.ImageGen.Generate(ctx, connector.GenerationRequest{
			Prompt:    effective,
			UserID:    userID,
			SessionID: sessionID,
		})
		if !res.Success {
			return false, res.Error
		}
		gen := res.Data.(connector.GenerationResult)
		p.Generation = &gen
		o.bumpMetrics(func(m *SessionMetrics) { m.ImagesGenerated++ })
		return true, ""
	})

	// Step 5: quality assessment. Requires a generation result; its failure
	// must not prevent save.
	if p.Generation != nil {
		o.runStep(&result, &p, StepAssess, func() (bool, string) {
			res := o.deps.Vision.Assess(ctx, p.Generation.ImageURL, effective, adapter.AssessFull, userID, sessionID)
			if !res.Success {
				return false, res.Error
			}
			qa := res.Data.(adapter.QualityAssessment)
			p.Assessment = &qa
			o.bumpMetrics(func(m *SessionMetrics) { m.QualityChecks++ })
			return true, ""
		})
	}

	// Step 6: persist to context memory. Requires a successful generation.
	if p.Generation != nil {
		o.runStep(&result, &p, StepSave, func() (bool, string) {
			entry := adapter.MemoryEntry{
				UserID:    userID,
				SessionID: sessionID,
				Prompt:    effective,
				ImageURL:  p.Generation.ImageURL,
			}
			if p.Assessment != nil {
				entry.QualityScore = p.Assessment.Score
			}
			res := o.deps.Memory.Save(ctx, entry)
			if !res.Success {
				return false, res.Error
			}
			p.Saved = true
			return true, ""
		})
	}

	// Step 7: best-effort sync, gated by configuration. Non-fatal.
	if o.opts.EnableAutoSync && o.deps.EnvSync != nil {
		o.runStep(&result, &p, StepSync, func() (bool, string) {
			if p.Saved {
				o.deps.EnvSync.Queue("context_memory", adapter.SyncInsert, map[string]any{
					"prompt":    effective,
					"image_url": p.Generation.ImageURL,
				})
			}
			res := o.deps.EnvSync.Sync(ctx)
			if !res.Success {
				return false, res.Error
			}
			p.Synced = true
			o.bumpMetrics(func(m *SessionMetrics) { m.SyncOperations++ })
			return true, ""
		})
	}

	// Overall success hinges on the critical steps only: a failed optional
	// step is reported in Errors without flipping the verdict.
	success := result.Steps[StepGenerate].Success
	if step, attempted := result.Steps[StepSave]; attempted && !step.Success {
		success = false
	}
	return o.finish(result, p, start, success)
}

// runStep executes one guarded step, recording its outcome and latency. A
// panicking collaborator is caught and recorded as the step's failure rather
// than escaping the pipeline.
func (o *Orchestrator) runStep(result *PipelineResult, p *Pipeline, name string, fn func() (bool, string)) {
	stepStart := time.Now()
	ok, errMsg := o.safeStep(fn)

	step := StepResult{
		Success:   ok,
		Duration:  time.Since(stepStart),
		Timestamp: stepStart.UTC(),
		Error:     errMsg,
	}
	result.Steps[name] = step
	telemetry.PipelineStepDuration.WithLabelValues(name).Observe(step.Duration.Seconds())

	if !ok {
		p.Errors = append(p.Errors, name+": "+errMsg)
		o.log.Warn().Str("step", name).Str("error", errMsg).Msg("pipeline step failed")
	}
}

func (o *Orchestrator) safeStep(fn func() (bool, string)) (ok bool, errMsg string) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			errMsg = "panic in pipeline step"
			o.log.Error().Any("panic", r).Msg("pipeline step panicked")
		}
	}()
	return fn()
}

func (o *Orchestrator) finish(result PipelineResult, p Pipeline, start time.Time, success bool) PipelineResult {
	result.Success = success
	result.Pipeline = p
	result.Errors = p.Errors
	result.Duration = time.Since(start)

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	telemetry.PipelineRunsTotal.WithLabelValues(outcome).Inc()

	o.log.Info().
		Bool("success", success).
		Int("errors", len(p.Errors)).
		Dur("duration", result.Duration).
		Msg("pipeline run complete")
	return result
}

func joinReasons(reasons []string) string {
	switch len(reasons) {
	case 0:
		return "invalid prompt"
	case 1:
		return reasons[0]
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}

// Publish re-exports bus publishing for embedders that hold only the
// orchestrator. It exists so UI surfaces can inject events without reaching
// into the bus directly.
func (o *Orchestrator) Publish(ctx context.Context, t bus.EventType, data any) error {
	if o.deps.Bus == nil {
		return nil
	}
	userID, sessionID := o.sessionScope("")
	return o.deps.Bus.Publish(ctx, t, data, bus.PublishOptions{UserID: userID, SessionID: sessionID})
}
