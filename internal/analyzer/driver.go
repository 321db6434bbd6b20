// Copyright 2025 James Ross
package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// LLMDriver issues one system-prompt + sample-texts completion and returns
// raw model text. Kept as an interface, rather than calling the Anthropic
// SDK directly from Worker, so the parse/validate logic below can be
// exercised with a fake in tests without a live API key.
type LLMDriver interface {
	Complete(ctx context.Context, systemPrompt string, sampleTexts []string) (string, error)
}

const maxPromptSamples = 20

// AnthropicDriver is the concrete LLMDriver backed by anthropic-sdk-go,
// issuing each enrichment prompt through Messages.New the way
// jordigilh-kubernaut's provider wiring does rather than a hand-rolled
// HTTP POST.
type AnthropicDriver struct {
	client *anthropic.Client
	model  string
}

func NewAnthropicDriver(apiKey, model string) *AnthropicDriver {
	return &AnthropicDriver{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (d *AnthropicDriver) Complete(ctx context.Context, systemPrompt string, sampleTexts []string) (string, error) {
	if len(sampleTexts) > maxPromptSamples {
		sampleTexts = sampleTexts[:maxPromptSamples]
	}
	user := strings.Join(sampleTexts, "\n")

	msg, err := d.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(d.model)),
		MaxTokens: anthropic.F(int64(512)),
		System:    anthropic.F([]anthropic.TextBlockParam{{Text: anthropic.F(systemPrompt)}}),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		}),
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}
	if len(msg.Content) == 0 {
		return "", nil
	}
	return strings.TrimSpace(msg.Content[0].Text), nil
}
