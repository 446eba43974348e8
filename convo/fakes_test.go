package convo_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/nightjarhq/nightjar/core"
	"github.com/nightjarhq/nightjar/index"
	"github.com/nightjarhq/nightjar/index/chromem"
	"github.com/nightjarhq/nightjar/provider"
	"github.com/nightjarhq/nightjar/store/sqlite"
)

// vecEmbedder returns fixed vectors per input text so tests control
// similarity exactly. Unknown texts get the x-axis unit vector.
type vecEmbedder struct {
	vectors map[string][]float32
}

func (e *vecEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return unit(1, 0, 0), nil
}

func (e *vecEmbedder) Dimensions() int { return 3 }

// gateEmbedder blocks every Embed call until the gate is closed, holding
// the embed workers mid-flight.
type gateEmbedder struct {
	gate chan struct{}
}

func (e *gateEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	<-e.gate
	return unit(1, 0, 0), nil
}

func (e *gateEmbedder) Dimensions() int { return 3 }

// failingEmbedder breaks every call; the assembler must degrade.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedder offline")
}

func (failingEmbedder) Dimensions() int { return 3 }

// brokenIndex fails every operation, standing in for an unreachable
// vector service.
type brokenIndex struct{}

func (brokenIndex) Upsert(context.Context, string, []float32, map[string]string) error {
	return errors.New("index down")
}

func (brokenIndex) Query(context.Context, []float32, int, float32) ([]index.Match, error) {
	return nil, errors.New("index down")
}

func (brokenIndex) Delete(context.Context, string) error          { return errors.New("index down") }
func (brokenIndex) DeleteBySession(context.Context, string) error { return errors.New("index down") }
func (brokenIndex) Count() int                                    { return 0 }
func (brokenIndex) Close() error                                  { return nil }

// echoProvider replies with a fixed prefix plus the last message.
type echoProvider struct {
	id    string
	calls int
}

func (p *echoProvider) ID() string { return p.id }

func (p *echoProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.calls++
	last := ""
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1].Content
	}
	return &provider.ChatResponse{
		Text:  "echo: " + last,
		Usage: coreUsage(len(req.Messages), 3),
	}, nil
}

// downProvider always fails transiently.
type downProvider struct {
	id string
}

func (p *downProvider) ID() string { return p.id }

func (p *downProvider) Chat(context.Context, *provider.ChatRequest) (*provider.ChatResponse, error) {
	return nil, provider.Transient(p.id, errors.New("unreachable"))
}

func coreUsage(in, out int) core.TokenUsage {
	return core.TokenUsage{InputTokens: in, OutputTokens: out}
}

func unit(x, y, z float32) []float32 {
	n := float32(math.Sqrt(float64(x*x + y*y + z*z)))
	return []float32{x / n, y / n, z / n}
}

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "convo.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestIndex(t *testing.T) *chromem.Index {
	t.Helper()
	idx, err := chromem.New()
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}
	return idx
}
