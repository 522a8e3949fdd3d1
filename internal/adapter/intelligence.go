// Package adapter contains the higher-level capability wrappers of the
// orchestration layer. Adapters compose connectors and the event bus into
// domain operations — context memory, prompt enhancement, cross-environment
// sync, behavioral simulation, vision quality assessment — and emit the
// domain events the rest of the system listens for.
package adapter

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// PromptAnalysis is the intelligence engine's reading of a raw prompt.
type PromptAnalysis struct {
	Intent     string   `json:"intent"`
	Subjects   []string `json:"subjects,omitempty"`
	Style      string   `json:"style,omitempty"`
	Complexity float64  `json:"complexity"`
}

// Engine is the pluggable intelligence strategy. The mock implementation is
// the default; the OpenAI-backed one sits behind the same contract and can
// be swapped in without touching callers.
type Engine interface {
	AnalyzePrompt(ctx context.Context, prompt string) (PromptAnalysis, error)
	Advise(ctx context.Context, prompt string) (string, error)
}

// MockEngine is a deterministic Engine for tests and offline development.
type MockEngine struct {
	FailWith error
}

// AnalyzePrompt implements Engine with a cheap heuristic reading.
func (m *MockEngine) AnalyzePrompt(_ context.Context, prompt string) (PromptAnalysis, error) {
	if m.FailWith != nil {
		return PromptAnalysis{}, m.FailWith
	}

	words := strings.Fields(prompt)
	analysis := PromptAnalysis{
		Intent:     "image_generation",
		Complexity: float64(len(words)) / 20,
	}
	if analysis.Complexity > 1 {
		analysis.Complexity = 1
	}
	for _, w := range words {
		if len(w) > 4 {
			analysis.Subjects = append(analysis.Subjects, strings.ToLower(strings.Trim(w, ".,!?")))
		}
	}
	return analysis, nil
}

// Advise implements Engine.
func (m *MockEngine) Advise(_ context.Context, prompt string) (string, error) {
	if m.FailWith != nil {
		return "", m.FailWith
	}
	return fmt.Sprintf("Consider adding lighting and composition detail to %q.", prompt), nil
}

// OpenAIEngine is the production Engine backed by the OpenAI chat API.
type OpenAIEngine struct {
	client *openai.Client
	model  string
}

// NewOpenAIEngine creates an engine. An empty model falls back to
// gpt-4o-mini.
func NewOpenAIEngine(apiKey, model string) (*OpenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIEngine{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// AnalyzePrompt implements Engine.
func (o *OpenAIEngine) AnalyzePrompt(ctx context.Context, prompt string) (PromptAnalysis, error) {
	content, err := o.complete(ctx,
		"You analyze image-generation prompts. Answer with one short line: intent, main subjects, style.",
		prompt)
	if err != nil {
		return PromptAnalysis{}, err
	}
	return PromptAnalysis{
		Intent:     "image_generation",
		Style:      content,
		Complexity: float64(len(strings.Fields(prompt))) / 20,
	}, nil
}

// Advise implements Engine.
func (o *OpenAIEngine) Advise(ctx context.Context, prompt string) (string, error) {
	return o.complete(ctx,
		"You advise on improving image-generation prompts. Answer with one concrete suggestion.",
		prompt)
}

func (o *OpenAIEngine) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
