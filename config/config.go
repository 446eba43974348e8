// Package config reads the core's configuration surface from environment
// variables. Every knob has a default so a bare environment still yields
// a working configuration; only provider credentials are caller concerns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderConfig holds one backend's credentials and model selection.
type ProviderConfig struct {
	ID      string
	APIKey  string
	BaseURL string
	Model   string
}

// Config is the full configuration surface of the conversation core.
type Config struct {
	// Assembly.
	TokenBudget   int
	RecentWindow  int
	SemanticK     int
	MinSimilarity float32
	IndexTimeout  time.Duration

	// Routing.
	ProviderOrder        []string
	DegradedThreshold    int
	UnavailableThreshold int
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	ProviderTimeout      time.Duration
	MaxResponseTokens    int

	// Retention.
	MessageTTL            time.Duration
	SessionTTL            time.Duration
	MaxMessagesPerSession int
	ConfidenceDecay       float64
	SweepInterval         time.Duration

	// Storage.
	DatabasePath string
	IndexPath    string

	// Providers, keyed by the same ids ProviderOrder uses.
	Providers map[string]ProviderConfig
}

// FromEnv builds a Config from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		TokenBudget:   envInt("TOKEN_BUDGET", 4000),
		RecentWindow:  envInt("RECENT_WINDOW", 20),
		SemanticK:     envInt("SEMANTIC_K", 5),
		MinSimilarity: float32(envFloat("MIN_SIMILARITY", 0.7)),
		IndexTimeout:  envDuration("INDEX_TIMEOUT", 3*time.Second),

		DegradedThreshold:    envInt("DEGRADED_THRESHOLD", 3),
		UnavailableThreshold: envInt("UNAVAILABLE_THRESHOLD", 6),
		BackoffBase:          envDuration("BACKOFF_BASE", 10*time.Second),
		BackoffCap:           envDuration("BACKOFF_CAP", 5*time.Minute),
		ProviderTimeout:      envDuration("PROVIDER_TIMEOUT", 30*time.Second),
		MaxResponseTokens:    envInt("MAX_RESPONSE_TOKENS", 1024),

		MessageTTL:            envDuration("MESSAGE_TTL", 30*24*time.Hour),
		SessionTTL:            envDuration("SESSION_TTL", 90*24*time.Hour),
		MaxMessagesPerSession: envInt("MAX_MESSAGES_PER_SESSION", 2000),
		ConfidenceDecay:       envFloat("CONFIDENCE_DECAY", 0.99),
		SweepInterval:         envDuration("SWEEP_INTERVAL", time.Hour),

		DatabasePath: envStr("DATABASE_PATH", "nightjar.db"),
		IndexPath:    envStr("INDEX_PATH", ""),

		Providers: map[string]ProviderConfig{},
	}

	if v := os.Getenv("PROVIDER_ORDER"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.ProviderOrder = append(cfg.ProviderOrder, id)
			}
		}
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Providers["anthropic"] = ProviderConfig{
			ID:     "anthropic",
			APIKey: key,
			Model:  os.Getenv("ANTHROPIC_MODEL"),
		}
	}

	// All OpenAI-compatible vendors share one wire format; each is just
	// an id, key, base URL and model.
	for _, v := range []struct {
		id, keyEnv, defaultBase string
	}{
		{"openai", "OPENAI_API_KEY", ""},
		{"openrouter", "OPENROUTER_API_KEY", "https://openrouter.ai/api/v1"},
		{"deepseek", "DEEPSEEK_API_KEY", "https://api.deepseek.com/v1"},
		{"mistral", "MISTRAL_API_KEY", "https://api.mistral.ai/v1"},
	} {
		key := os.Getenv(v.keyEnv)
		if key == "" {
			continue
		}
		upper := strings.ToUpper(v.id)
		base := os.Getenv(upper + "_BASE_URL")
		if base == "" {
			base = v.defaultBase
		}
		cfg.Providers[v.id] = ProviderConfig{
			ID:      v.id,
			APIKey:  key,
			BaseURL: base,
			Model:   os.Getenv(upper + "_MODEL"),
		}
	}

	if len(cfg.ProviderOrder) == 0 {
		for _, id := range []string{"anthropic", "openai", "openrouter", "deepseek", "mistral"} {
			if _, ok := cfg.Providers[id]; ok {
				cfg.ProviderOrder = append(cfg.ProviderOrder, id)
			}
		}
	}

	for _, id := range cfg.ProviderOrder {
		if _, ok := cfg.Providers[id]; !ok {
			return nil, fmt.Errorf("config: PROVIDER_ORDER names %q but no API key for it is set", id)
		}
	}

	return cfg, nil
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
