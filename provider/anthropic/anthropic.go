// Package anthropic adapts the Anthropic Messages API to the provider
// contract.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nightjarhq/nightjar/core"
	"github.com/nightjarhq/nightjar/provider"
)

const defaultModel = "claude-sonnet-4-20250514"

// Provider calls the Anthropic Messages API.
type Provider struct {
	id     string
	client *sdk.Client
	model  string
}

// Option configures the provider.
type Option func(*Provider)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithID overrides the provider identifier used in routing order.
func WithID(id string) Option {
	return func(p *Provider) {
		p.id = id
	}
}

// New creates an Anthropic provider with the given API key.
func New(apiKey string, opts ...Option) *Provider {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	p := &Provider{
		id:     "anthropic",
		client: &client,
		model:  defaultModel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() string {
	return p.id
}

func (p *Provider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	system := req.System

	var messages []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case core.RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case core.RoleSystem:
			// The Messages API takes system text out of band.
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(p.id, err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &provider.ChatResponse{
		Text: text,
		Usage: core.TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// classify maps SDK failures onto the router's transient/permanent split.
func classify(id string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return provider.Transient(id, err)
	}

	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 400, 404, 413, 422:
			return provider.Permanent(id, err)
		}
		return provider.Transient(id, err)
	}

	return provider.Transient(id, fmt.Errorf("anthropic call: %w", err))
}
