// Package orchestrator provides the central coordination layer for Synapse.
// It owns the session lifecycle, wires the event-listener graph at
// construction time, and drives the generation pipeline end to end.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/adapter"
	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/connector"
	"github.com/normanking/synapse/internal/logging"
	"github.com/normanking/synapse/internal/telemetry"
)

// anonymousSession identifies pipeline runs made without an active session.
const anonymousSession = "anonymous"

// SessionMetrics counts what a session actually accomplished. Increments are
// conditional on step success, never unconditional.
type SessionMetrics struct {
	PromptsGenerated int `json:"prompts_generated"`
	ImagesGenerated  int `json:"images_generated"`
	QualityChecks    int `json:"quality_checks"`
	SyncOperations   int `json:"sync_operations"`
}

// Session is one user session. Exactly one live session per orchestrator
// instance at a time.
type Session struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time,omitempty"`
	Metrics   SessionMetrics `json:"metrics"`
}

// Options configures an Orchestrator.
type Options struct {
	UserID         string
	EnableAutoSync bool
}

// Deps are the collaborators the orchestrator coordinates. All fields are
// required except Intelligence, which may be nil.
type Deps struct {
	Bus          *bus.Bus
	Cognitive    *adapter.Cognitive
	Memory       *adapter.ContextMemory
	Vision       *adapter.Vision
	EnvSync      *adapter.EnvSync
	Intelligence adapter.Engine
	ImageGen     *connector.ImageGen
	Validator    *connector.Validator
	Guard        *connector.Guard
	Usage        *telemetry.UsageTracker
	Errors       *telemetry.ErrorTracker
}

// Orchestrator is the central coordinator.
type Orchestrator struct {
	opts Options
	deps Deps
	log  zerolog.Logger

	mu      sync.Mutex
	session *Session

	// inlineAssess tracks sessions whose pipeline run assesses its own
	// generation, so the auto-assessment listener leaves them alone.
	inlineMu     sync.Mutex
	inlineAssess map[string]int

	subs []bus.Subscription
}

// New creates an orchestrator and wires its listener graph. The graph is the
// system's implicit business-rule layer: it is constructed exactly once here
// and stays attached until Close.
func New(opts Options, deps Deps) *Orchestrator {
	o := &Orchestrator{
		opts:         opts,
		deps:         deps,
		inlineAssess: make(map[string]int),
		log:          logging.WithComponent("orchestrator"),
	}
	o.wireListeners()
	return o
}

// Close detaches the orchestrator's listeners from the bus.
func (o *Orchestrator) Close() {
	for _, sub := range o.subs {
		sub.Unsubscribe()
	}
	o.subs = nil
}

// StartSession begins a new session, generating a session ID when none is
// supplied. A session already in progress is replaced.
func (o *Orchestrator) StartSession(ctx context.Context, userID, sessionID string) *Session {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if userID == "" {
		userID = o.opts.UserID
	}

	session := &Session{
		SessionID: sessionID,
		UserID:    userID,
		StartTime: time.Now().UTC(),
	}

	o.mu.Lock()
	if o.session != nil {
		o.log.Warn().Str("session_id", o.session.SessionID).Msg("replacing unfinished session")
	}
	o.session = session
	snapshot := *session
	o.mu.Unlock()

	o.publish(ctx, bus.EventSessionStarted, snapshot, userID, sessionID)
	o.log.Info().Str("session_id", sessionID).Str("user_id", userID).Msg("session started")
	return &snapshot
}

// EndSession finalizes the live session: stamps the end time, publishes
// session_ended with the computed duration, and returns the completed
// snapshot. Returns nil when no session is active.
func (o *Orchestrator) EndSession(ctx context.Context) *Session {
	o.mu.Lock()
	session := o.session
	o.session = nil
	if session != nil {
		session.EndTime = time.Now().UTC()
	}
	o.mu.Unlock()

	if session == nil {
		return nil
	}

	duration := session.EndTime.Sub(session.StartTime)
	o.publish(ctx, bus.EventSessionEnded, map[string]any{
		"session":  *session,
		"duration": duration.String(),
	}, session.UserID, session.SessionID)
	o.log.Info().Str("session_id", session.SessionID).Dur("duration", duration).Msg("session ended")
	return session
}

// CurrentSession returns a snapshot of the live session, or nil.
func (o *Orchestrator) CurrentSession() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	snapshot := *o.session
	return &snapshot
}

// sessionScope resolves the identifiers a pipeline run should carry. Session
// tracking is bookkeeping, not a precondition: without an active session the
// run proceeds under a sentinel identifier.
func (o *Orchestrator) sessionScope(userID string) (string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session != nil {
		if userID == "" {
			userID = o.session.UserID
		}
		return userID, o.session.SessionID
	}
	if userID == "" {
		userID = o.opts.UserID
	}
	return userID, anonymousSession
}

func (o *Orchestrator) markInline(sessionID string) {
	o.inlineMu.Lock()
	o.inlineAssess[sessionID]++
	o.inlineMu.Unlock()
}

func (o *Orchestrator) unmarkInline(sessionID string) {
	o.inlineMu.Lock()
	if o.inlineAssess[sessionID] <= 1 {
		delete(o.inlineAssess, sessionID)
	} else {
		o.inlineAssess[sessionID]--
	}
	o.inlineMu.Unlock()
}

func (o *Orchestrator) assessingInline(sessionID string) bool {
	o.inlineMu.Lock()
	defer o.inlineMu.Unlock()
	return o.inlineAssess[sessionID] > 0
}

func (o *Orchestrator) bumpMetrics(update func(*SessionMetrics)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil {
		update(&o.session.Metrics)
	}
}

// wireListeners attaches the construction-time listener graph.
func (o *Orchestrator) wireListeners() {
	b := o.deps.Bus
	if b == nil {
		return
	}

	sub := func(t bus.EventType, h bus.Handler) {
		o.subs = append(o.subs, b.Subscribe(t, h))
	}

	sub(bus.EventPromptGenerated, func(ctx context.Context, e bus.Event) error {
		o.track(ctx, "prompt_enhanced", nil, e.UserID)
		return nil
	})

	// Auto-assessment races independently of the triggering publish. An
	// assessment failure here is downgraded to a logged low-severity error.
	// Pipeline runs assess their own generation inline and are skipped.
	sub(bus.EventImageGenerated, func(_ context.Context, e bus.Event) error {
		gen, ok := e.Data.(connector.GenerationResult)
		if !ok || o.deps.Vision == nil || o.assessingInline(e.SessionID) {
			return nil
		}
		go func() {
			res := o.deps.Vision.Assess(context.Background(), gen.ImageURL, "", adapter.AssessQuick, e.UserID, e.SessionID)
			if !res.Success {
				o.log.Debug().Str("image", gen.ImageURL).Str("error", res.Error).Msg("auto-assessment failed")
			}
		}()
		return nil
	})

	sub(bus.EventImageAssessed, func(ctx context.Context, e bus.Event) error {
		qa, ok := e.Data.(adapter.QualityAssessment)
		if !ok {
			return nil
		}
		o.track(ctx, "image_assessed", map[string]any{"score": qa.Score}, e.UserID)
		if qa.Score < adapter.QualityThreshold && o.deps.Guard != nil {
			o.deps.Guard.Report(connector.ReportQuality, connector.SeverityMedium,
				"image quality below threshold",
				map[string]any{"score": qa.Score, "image_url": qa.ImageURL})
		}
		return nil
	})

	sub(bus.EventSyncCompleted, func(ctx context.Context, e bus.Event) error {
		o.track(ctx, "sync_completed", nil, e.UserID)
		return nil
	})

	sub(bus.EventSyncFailed, func(_ context.Context, e bus.Event) error {
		if o.deps.Guard != nil {
			o.deps.Guard.Report(connector.ReportSync, connector.SeverityHigh,
				"cross-environment sync failed", asDetails(e.Data))
		}
		return nil
	})

	sub(bus.EventRuleConflict, func(_ context.Context, e bus.Event) error {
		if o.deps.Guard != nil {
			o.deps.Guard.Report(connector.ReportRule, connector.SeverityHigh,
				"simulation scenarios failed", asDetails(e.Data))
		}
		return nil
	})

	sub(bus.EventValidationError, func(_ context.Context, e bus.Event) error {
		if o.deps.Guard != nil {
			o.deps.Guard.Report(connector.ReportValidation, connector.SeverityMedium,
				"prompt validation failed", asDetails(e.Data))
		}
		return nil
	})

	sub(bus.EventErrorOccurred, func(_ context.Context, e bus.Event) error {
		if o.deps.Errors == nil {
			return nil
		}
		if payload, ok := e.Data.(bus.ErrorPayload); ok {
			o.deps.Errors.Track(payload.Source, errors.New(payload.Message),
				map[string]any{"context": payload.Context})
			return nil
		}
		o.deps.Errors.TrackMessage("unstructured error event", "warning")
		return nil
	})

	sub(bus.EventFeedbackReceived, func(ctx context.Context, e bus.Event) error {
		o.track(ctx, "feedback_received", asDetails(e.Data), e.UserID)
		return nil
	})
}

func (o *Orchestrator) track(ctx context.Context, name string, properties map[string]any, userID string) {
	if o.deps.Usage != nil {
		o.deps.Usage.Track(ctx, name, properties, userID)
	}
}

func (o *Orchestrator) publish(ctx context.Context, t bus.EventType, data any, userID, sessionID string) {
	if o.deps.Bus == nil {
		return
	}
	if err := o.deps.Bus.Publish(ctx, t, data, bus.PublishOptions{UserID: userID, SessionID: sessionID}); err != nil {
		o.log.Warn().Err(err).Str("event_type", string(t)).Msg("publish failed")
	}
}

func asDetails(data any) map[string]any {
	if m, ok := data.(map[string]any); ok {
		return m
	}
	if data == nil {
		return nil
	}
	return map[string]any{"data": data}
}
