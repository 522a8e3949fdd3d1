package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/logging"
)

const (
	// MinPromptLength is the shortest prompt accepted.
	MinPromptLength = 3

	// MaxPromptLength triggers a warning without failing validation.
	MaxPromptLength = 1000
)

// blockedSubstrings fails validation closed when present anywhere in the
// prompt, case-insensitive. This is deliberately naive substring filtering,
// not semantic content safety.
var blockedSubstrings = []string{
	"<script",
	"javascript:",
	"onerror=",
	"onload=",
	"eval(",
	"drop table",
}

// ValidationReport is the data carried by a validation Result.
type ValidationReport struct {
	IsValid  bool     `json:"is_valid"`
	Reasons  []string `json:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validator is the prompt validation sink. The validation call itself
// succeeds whenever it runs to completion; an unsafe prompt is reported via
// IsValid=false in the returned data, and a validation_error event is
// published.
type Validator struct {
	bus *bus.Bus
	log zerolog.Logger
}

// NewValidator creates the validator.
func NewValidator(b *bus.Bus) *Validator {
	return &Validator{
		bus: b,
		log: logging.WithComponent("validator"),
	}
}

// ModuleName implements registry.Module.
func (v *Validator) ModuleName() string { return "prompt validator" }

// ValidatePrompt checks shape and safety of a prompt.
func (v *Validator) ValidatePrompt(ctx context.Context, prompt, userID, sessionID string) Result {
	start := time.Now()
	report := ValidationReport{IsValid: true}

	trimmed := strings.TrimSpace(prompt)
	if len(trimmed) < MinPromptLength {
		report.IsValid = false
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("prompt shorter than %d characters", MinPromptLength))
	}
	if len(trimmed) > MaxPromptLength {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("prompt longer than %d characters; it may be truncated", MaxPromptLength))
	}

	lowered := strings.ToLower(trimmed)
	for _, blocked := range blockedSubstrings {
		if strings.Contains(lowered, blocked) {
			report.IsValid = false
			report.Reasons = append(report.Reasons,
				fmt.Sprintf("prompt contains blocked pattern %q", blocked))
		}
	}

	if !report.IsValid {
		v.log.Warn().Str("user_id", userID).Strs("reasons", report.Reasons).Msg("prompt rejected")
		if v.bus != nil {
			_ = v.bus.Publish(ctx, bus.EventValidationError, report,
				bus.PublishOptions{UserID: userID, SessionID: sessionID})
		}
	}

	return Succeed(report, start)
}
