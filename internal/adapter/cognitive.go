package adapter

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/connector"
	"github.com/normanking/synapse/internal/logging"
)

// qualityModifiers are appended to prompts that carry no quality hints of
// their own. Order matters: the chain appends them as one suffix.
var qualityModifiers = []string{"highly detailed", "sharp focus", "professional quality"}

// EnhancedPrompt is the data carried by a successful enhancement Result.
type EnhancedPrompt struct {
	Original string   `json:"original"`
	Enhanced string   `json:"enhanced"`
	Stages   []string `json:"stages"`
}

// Cognitive is the prompt-enhancement chain. It rewrites a raw prompt
// through a fixed sequence of stages and announces the outcome as
// prompt_generated. Enhancement is best-effort: pipeline callers fall back
// to the original prompt when it fails.
type Cognitive struct {
	engine Engine
	bus    *bus.Bus
	log    zerolog.Logger
}

// NewCognitive creates the adapter. A nil engine falls back to the mock.
func NewCognitive(b *bus.Bus, engine Engine) *Cognitive {
	if engine == nil {
		engine = &MockEngine{}
	}
	return &Cognitive{
		engine: engine,
		bus:    b,
		log:    logging.WithComponent("cognitive"),
	}
}

// ModuleName implements registry.Module.
func (c *Cognitive) ModuleName() string { return "cognitive chain" }

// EnhancePrompt runs the enhancement chain over a raw prompt.
func (c *Cognitive) EnhancePrompt(ctx context.Context, prompt, userID, sessionID string) connector.Result {
	start := time.Now()

	enhanced := EnhancedPrompt{Original: prompt}

	// Stage 1: normalize whitespace.
	cleaned := strings.Join(strings.Fields(prompt), " ")
	enhanced.Stages = append(enhanced.Stages, "normalize")

	// Stage 2: consult the intelligence engine for style context. A failing
	// engine degrades the chain, it does not fail it.
	analysis, err := c.engine.AnalyzePrompt(ctx, cleaned)
	if err != nil {
		c.log.Debug().Err(err).Msg("prompt analysis unavailable, skipping style stage")
	} else if analysis.Style != "" && !strings.Contains(strings.ToLower(cleaned), strings.ToLower(analysis.Style)) {
		cleaned = cleaned + ", " + analysis.Style
		enhanced.Stages = append(enhanced.Stages, "style")
	}

	// Stage 3: append quality modifiers unless the prompt already has some.
	lowered := strings.ToLower(cleaned)
	hasQualityHint := false
	for _, mod := range qualityModifiers {
		if strings.Contains(lowered, mod) {
			hasQualityHint = true
			break
		}
	}
	if !hasQualityHint {
		cleaned = cleaned + ", " + strings.Join(qualityModifiers, ", ")
		enhanced.Stages = append(enhanced.Stages, "quality")
	}

	enhanced.Enhanced = cleaned

	if c.bus != nil {
		_ = c.bus.Publish(ctx, bus.EventPromptGenerated, enhanced,
			bus.PublishOptions{UserID: userID, SessionID: sessionID})
	}

	return connector.Succeed(enhanced, start)
}
