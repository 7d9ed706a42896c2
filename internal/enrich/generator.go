// Package enrich turns detected matches into short trash-talk lines.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// SystemPrompt instructs the model to answer with a single line.
const SystemPrompt = "You are a trash-talk generator you will only respond with your zinger, " +
	"a snarky line tailored to the target player and provided match details. " +
	"the zinger should include the target player's name and their placement in the match. " +
	"the zinger should be creative and funny. " +
	"Never include explanations, quotes, or special characters."

const defaultMaxTokens = 1000

// ErrEmptyArtifact is returned when the model answers without any text.
var ErrEmptyArtifact = errors.New("enrich: generator returned no text")

// Generator produces the artifact text for a match and its target player.
type Generator interface {
	GenerateArtifact(ctx context.Context, eventPayload json.RawMessage, target string) (string, error)
}

type AnthropicConfig struct {
	APIKey string
	// Model defaults to Claude Sonnet 4.5.
	Model string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// MaxRetries is the SDK retry budget for a single call. Redelivery by
	// the broker is the outer retry, so it defaults to 0.
	MaxRetries int
}

// AnthropicGenerator calls the Messages API.
type AnthropicGenerator struct {
	client anthropic.Client
	model  anthropic.Model
}

func NewAnthropicGenerator(cfg AnthropicConfig) (*AnthropicGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("enrich: anthropic api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_5
	}
	return &AnthropicGenerator{client: anthropic.NewClient(opts...), model: model}, nil
}

func (g *AnthropicGenerator) GenerateArtifact(ctx context.Context, eventPayload json.RawMessage, target string) (string, error) {
	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       g.model,
		MaxTokens:   defaultMaxTokens,
		Temperature: anthropic.Float(1),
		System:      []anthropic.TextBlockParam{{Text: SystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(UserPrompt(target, eventPayload))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("enrich: create message: %w", err)
	}

	for _, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		if text := strings.TrimSpace(block.Text); text != "" {
			return text, nil
		}
	}
	return "", ErrEmptyArtifact
}

// UserPrompt renders the user turn sent to the model.
func UserPrompt(target string, eventPayload json.RawMessage) string {
	return "target player: " + target + "\nmatch details: " + string(eventPayload)
}
