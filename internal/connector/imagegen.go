package connector

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/logging"
)

// GenerationRequest is one image-generation call.
type GenerationRequest struct {
	Prompt    string `json:"prompt"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// GenerationResult is the backend's answer.
type GenerationResult struct {
	ImageURL     string `json:"image_url"`
	GenerationID string `json:"generation_id"`
	Model        string `json:"model,omitempty"`
}

// Backend is the pluggable image-generation strategy. The default is a
// deterministic mock; a real model endpoint sits behind the same contract.
type Backend interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error)
}

// MockBackend is the default test/development backend. It answers every
// request with a synthetic image reference, or fails every request when
// FailWith is set.
type MockBackend struct {
	Latency  time.Duration
	FailWith error

	counter atomic.Uint64
}

// Generate implements Backend.
func (m *MockBackend) Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return GenerationResult{}, ctx.Err()
		}
	}
	if m.FailWith != nil {
		return GenerationResult{}, m.FailWith
	}

	n := m.counter.Add(1)
	return GenerationResult{
		ImageURL:     fmt.Sprintf("mock://images/gen_%d.png", n),
		GenerationID: fmt.Sprintf("gen_%d", n),
		Model:        "mock-diffusion-v1",
	}, nil
}

// ImageGen is the fault-isolating wrapper around the generation backend.
// It announces generation_started before the call and generation_completed
// after it, both carrying the same user and session correlation fields so
// subscribers can pair request and response.
type ImageGen struct {
	backend Backend
	bus     *bus.Bus
	log     zerolog.Logger
}

// NewImageGen creates the connector. A nil backend falls back to the mock.
func NewImageGen(b *bus.Bus, backend Backend) *ImageGen {
	if backend == nil {
		backend = &MockBackend{}
	}
	return &ImageGen{
		backend: backend,
		bus:     b,
		log:     logging.WithComponent("imagegen"),
	}
}

// ModuleName implements registry.Module.
func (c *ImageGen) ModuleName() string { return "image generation" }

// Generate runs one generation call. It never returns a Go error; callers
// branch on Result.Success.
func (c *ImageGen) Generate(ctx context.Context, req GenerationRequest) Result {
	start := time.Now()
	opts := bus.PublishOptions{UserID: req.UserID, SessionID: req.SessionID}

	c.publish(ctx, bus.EventGenerationStarted, map[string]any{"prompt": req.Prompt}, opts)

	res, err := c.backend.Generate(ctx, req)
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", req.UserID).Msg("generation failed")
		c.publish(ctx, bus.EventGenerationCompleted, map[string]any{"success": false, "error": err.Error()}, opts)
		c.publish(ctx, bus.EventErrorOccurred, bus.ErrorPayload{
			Source:  "imagegen",
			Message: err.Error(),
			Context: "generate",
		}, opts)
		return Fail(err, start)
	}

	c.publish(ctx, bus.EventGenerationCompleted, map[string]any{"success": true, "generation_id": res.GenerationID}, opts)
	c.publish(ctx, bus.EventImageGenerated, res, opts)

	return Succeed(res, start)
}

func (c *ImageGen) publish(ctx context.Context, t bus.EventType, data any, opts bus.PublishOptions) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, t, data, opts); err != nil {
		c.log.Warn().Err(err).Str("event_type", string(t)).Msg("publish failed")
	}
}
