package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nightjarhq/nightjar/provider"
)

type fakeProvider struct {
	id    string
	calls int
	chat  func(ctx context.Context) (*provider.ChatResponse, error)
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Chat(ctx context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.calls++
	return f.chat(ctx)
}

func succeeding(id string) *fakeProvider {
	return &fakeProvider{id: id, chat: func(context.Context) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Text: "ok from " + id}, nil
	}}
}

func failing(id string) *fakeProvider {
	return &fakeProvider{id: id, chat: func(context.Context) (*provider.ChatResponse, error) {
		return nil, provider.Transient(id, errors.New("boom"))
	}}
}

func hanging(id string) *fakeProvider {
	return &fakeProvider{id: id, chat: func(ctx context.Context) (*provider.ChatResponse, error) {
		<-ctx.Done()
		return nil, provider.Transient(id, ctx.Err())
	}}
}

func stateOf(t *testing.T, r *Router, id string) ProviderState {
	t.Helper()
	for _, s := range r.Snapshot() {
		if s.ProviderID == id {
			return s
		}
	}
	t.Fatalf("No state for provider %s", id)
	return ProviderState{}
}

func TestFallbackToThirdProvider(t *testing.T) {
	a, b, c := failing("a"), failing("b"), succeeding("c")
	r := New(Config{}, a, b, c)

	resp, err := r.Send(context.Background(), &provider.ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Text != "ok from c" {
		t.Errorf("Response from wrong provider: %q", resp.Text)
	}

	if s := stateOf(t, r, "a"); s.ConsecutiveFailures != 1 {
		t.Errorf("a failures = %d, want 1", s.ConsecutiveFailures)
	}
	if s := stateOf(t, r, "b"); s.ConsecutiveFailures != 1 {
		t.Errorf("b failures = %d, want 1", s.ConsecutiveFailures)
	}

	// Below thresholds both stay selectable and first in order next call.
	if _, err := r.Send(context.Background(), &provider.ChatRequest{}, nil); err != nil {
		t.Fatalf("Second send failed: %v", err)
	}
	if a.calls != 2 {
		t.Errorf("a should still be tried first, calls = %d", a.calls)
	}
}

func TestTimeoutTreatedAsTransient(t *testing.T) {
	a, b := hanging("a"), succeeding("b")
	r := New(Config{CallTimeout: 20 * time.Millisecond}, a, b)

	resp, err := r.Send(context.Background(), &provider.ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Text != "ok from b" {
		t.Errorf("Expected fallback to b, got %q", resp.Text)
	}
	if s := stateOf(t, r, "a"); s.ConsecutiveFailures != 1 {
		t.Errorf("Timed-out provider failures = %d, want 1", s.ConsecutiveFailures)
	}
}

func TestPermanentErrorAdvancesWithoutHealthPenalty(t *testing.T) {
	a := &fakeProvider{id: "a", chat: func(context.Context) (*provider.ChatResponse, error) {
		return nil, provider.Permanent("a", errors.New("bad request"))
	}}
	b := succeeding("b")
	r := New(Config{}, a, b)

	resp, err := r.Send(context.Background(), &provider.ChatRequest{}, nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Text != "ok from b" {
		t.Errorf("Expected fallback to b, got %q", resp.Text)
	}
	if s := stateOf(t, r, "a"); s.ConsecutiveFailures != 0 || s.Status != Healthy {
		t.Errorf("Permanent error should not count against health: %+v", s)
	}
}

func TestExhaustionCarriesAllAttempts(t *testing.T) {
	r := New(Config{}, failing("a"), failing("b"), failing("c"))

	_, err := r.Send(context.Background(), &provider.ChatRequest{}, nil)
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected ExhaustedError, got %v", err)
	}
	if len(exhausted.Attempts) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(exhausted.Attempts))
	}
	for i, id := range []string{"a", "b", "c"} {
		if exhausted.Attempts[i].Provider != id {
			t.Errorf("Attempt %d from %s, want %s", i, exhausted.Attempts[i].Provider, id)
		}
		if exhausted.Attempts[i].Err == nil {
			t.Errorf("Attempt %d lost its error", i)
		}
	}
}

func TestStateMachineAndCooldownProbe(t *testing.T) {
	a := failing("a")
	b := succeeding("b")
	r := New(Config{DegradedThreshold: 2, UnavailableThreshold: 4, BackoffBase: time.Minute}, a, b)

	now := time.Now()
	r.now = func() time.Time { return now }

	ctx := context.Background()
	req := &provider.ChatRequest{}

	// Two failures: degraded but still selected.
	for i := 0; i < 2; i++ {
		if _, err := r.Send(ctx, req, nil); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	if s := stateOf(t, r, "a"); s.Status != Degraded {
		t.Fatalf("After 2 failures status = %s, want degraded", s.Status)
	}

	// Two more: unavailable with a cooldown.
	for i := 0; i < 2; i++ {
		if _, err := r.Send(ctx, req, nil); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	s := stateOf(t, r, "a")
	if s.Status != Unavailable {
		t.Fatalf("After 4 failures status = %s, want unavailable", s.Status)
	}
	if !s.CooldownUntil.After(now) {
		t.Fatalf("CooldownUntil not set: %v", s.CooldownUntil)
	}

	// Inside the cooldown the provider is skipped entirely.
	callsBefore := a.calls
	if _, err := r.Send(ctx, req, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if a.calls != callsBefore {
		t.Errorf("Unavailable provider was called during cooldown")
	}

	// Past the cooldown it gets a probe; a success restores it.
	now = now.Add(2 * time.Minute)
	a.chat = func(context.Context) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Text: "ok from a"}, nil
	}
	resp, err := r.Send(ctx, req, nil)
	if err != nil {
		t.Fatalf("Probe send failed: %v", err)
	}
	if resp.Text != "ok from a" {
		t.Errorf("Probe should go to the recovered provider, got %q", resp.Text)
	}
	if s := stateOf(t, r, "a"); s.Status != Healthy || s.ConsecutiveFailures != 0 {
		t.Errorf("After probe success state = %+v, want healthy", s)
	}
}

func TestDeterministicSelectionOrder(t *testing.T) {
	var sequence []string
	mk := func(id string) *fakeProvider {
		return &fakeProvider{id: id, chat: func(context.Context) (*provider.ChatResponse, error) {
			sequence = append(sequence, id)
			return nil, provider.Transient(id, errors.New("boom"))
		}}
	}
	r := New(Config{DegradedThreshold: 100, UnavailableThreshold: 200}, mk("a"), mk("b"), mk("c"))

	order := []string{"c", "a", "b"}
	for i := 0; i < 2; i++ {
		sequence = nil
		_, err := r.Send(context.Background(), &provider.ChatRequest{}, order)
		if err == nil {
			t.Fatal("Expected exhaustion")
		}
		if fmt.Sprint(sequence) != fmt.Sprint(order) {
			t.Errorf("Call %d sequence %v, want %v", i, sequence, order)
		}
	}
}

func TestUnknownProviderInOrderSkipped(t *testing.T) {
	r := New(Config{}, succeeding("a"))

	resp, err := r.Send(context.Background(), &provider.ChatRequest{}, []string{"ghost", "a"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Text != "ok from a" {
		t.Errorf("Expected a to serve the request, got %q", resp.Text)
	}
}
