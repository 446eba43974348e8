// Package openai adapts any OpenAI-compatible chat completions endpoint
// to the provider contract. Pointing BaseURL at OpenRouter, DeepSeek or
// Mistral gives those vendors the same treatment.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nightjarhq/nightjar/core"
	"github.com/nightjarhq/nightjar/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config configures an OpenAI-compatible provider.
type Config struct {
	// ID is the routing identifier; defaults to "openai".
	ID string

	// APIKey is sent as a bearer token. Required.
	APIKey string

	// BaseURL is the API root without trailing slash; defaults to the
	// OpenAI endpoint.
	BaseURL string

	// Model names the chat model; defaults to "gpt-4o-mini".
	Model string

	// Temperature for sampling; defaults to 0.7.
	Temperature float64

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Provider speaks the chat completions wire format over HTTP.
type Provider struct {
	id          string
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	client      *http.Client
}

// New creates a provider from cfg.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: APIKey is required")
	}
	p := &Provider{
		id:          cfg.ID,
		apiKey:      cfg.APIKey,
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		client:      cfg.HTTPClient,
	}
	if p.id == "" {
		p.id = "openai"
	}
	if p.baseURL == "" {
		p.baseURL = defaultBaseURL
	}
	if p.model == "" {
		p.model = "gpt-4o-mini"
	}
	if p.temperature == 0 {
		p.temperature = 0.7
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 60 * time.Second}
	}
	return p, nil
}

func (p *Provider) ID() string {
	return p.id
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatReply struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *Provider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	payload := chatPayload{
		Model:       p.model,
		MaxTokens:   req.MaxTokens,
		Temperature: p.temperature,
	}
	if req.System != "" {
		payload.Messages = append(payload.Messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, provider.Permanent(p.id, fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, provider.Permanent(p.id, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, provider.Transient(p.id, err)
		}
		return nil, provider.Transient(p.id, fmt.Errorf("http call: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, provider.Transient(p.id, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(p.id, resp.StatusCode, raw)
	}

	var reply chatReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, provider.Transient(p.id, fmt.Errorf("decode response: %w", err))
	}
	if reply.Error != nil {
		return nil, provider.Permanent(p.id, fmt.Errorf("%s: %s", reply.Error.Type, reply.Error.Message))
	}
	if len(reply.Choices) == 0 {
		return nil, provider.Transient(p.id, fmt.Errorf("empty choices in response"))
	}

	return &provider.ChatResponse{
		Text: reply.Choices[0].Message.Content,
		Usage: core.TokenUsage{
			InputTokens:  reply.Usage.PromptTokens,
			OutputTokens: reply.Usage.CompletionTokens,
		},
	}, nil
}

// classifyStatus follows the usual gateway split: rate limits, timeouts
// and 5xx are retryable elsewhere; other 4xx mean the request itself is
// bad.
func classifyStatus(id string, status int, body []byte) error {
	err := fmt.Errorf("status %d: %s", status, truncate(string(body), 200))
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return provider.Transient(id, err)
	default:
		return provider.Permanent(id, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
