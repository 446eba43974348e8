// Package router dispatches composed requests across multiple language
// model backends with ordered fallback and per-provider health tracking.
//
// Each provider moves through Healthy -> Degraded -> Unavailable as
// consecutive failures cross configured thresholds; Unavailable providers
// sit out of selection until an exponential cooldown expires, after which
// a single successful probe returns them to Healthy. Health state lives
// only in memory and resets on restart.
package router

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nightjarhq/nightjar/provider"
)

// Status is a provider's health classification.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "healthy"
	}
}

// Config holds the router's failure thresholds and backoff parameters.
type Config struct {
	// DegradedThreshold is the consecutive-failure count that moves a
	// provider Healthy -> Degraded. Defaults to 3.
	DegradedThreshold int

	// UnavailableThreshold moves Degraded -> Unavailable and starts the
	// cooldown. Defaults to 6.
	UnavailableThreshold int

	// BackoffBase is the first cooldown period. Defaults to 10s.
	BackoffBase time.Duration

	// BackoffCap bounds the exponential cooldown. Defaults to 5m.
	BackoffCap time.Duration

	// CallTimeout bounds each individual provider call. Defaults to 30s.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 3
	}
	if c.UnavailableThreshold <= c.DegradedThreshold {
		c.UnavailableThreshold = c.DegradedThreshold * 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 10 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// ProviderState is a point-in-time copy of one provider's health.
type ProviderState struct {
	ProviderID          string
	Status              Status
	ConsecutiveFailures int
	LastSuccessAt       time.Time
	CooldownUntil       time.Time
}

// state is the live, locked counterpart of ProviderState. Each provider
// has its own mutex so health updates for different providers never
// contend.
type state struct {
	mu sync.Mutex
	ProviderState
}

// Attempt records the last error from one provider tried during a
// dispatch, kept for diagnostics on exhaustion.
type Attempt struct {
	Provider string
	Err      error
}

// ExhaustedError is returned when every eligible provider failed.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "all AI backends unavailable: no eligible providers"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return "all AI backends unavailable: " + strings.Join(parts, "; ")
}

// Router executes calls with ordered fallback over registered providers.
type Router struct {
	cfg       Config
	providers map[string]provider.Provider
	states    map[string]*state
	order     []string
	now       func() time.Time
}

// New creates a router over providers. Registration order is the default
// preference order and the deterministic tie-break between equally
// healthy providers.
func New(cfg Config, providers ...provider.Provider) *Router {
	r := &Router{
		cfg:       cfg.withDefaults(),
		providers: make(map[string]provider.Provider, len(providers)),
		states:    make(map[string]*state, len(providers)),
		now:       time.Now,
	}
	for _, p := range providers {
		id := p.ID()
		r.providers[id] = p
		r.states[id] = &state{ProviderState: ProviderState{ProviderID: id}}
		r.order = append(r.order, id)
	}
	return r
}

// Send dispatches req to the first eligible provider in preferredOrder,
// falling back on failure until the list is exhausted. A nil or empty
// preferredOrder uses registration order. Unknown provider IDs in the
// order are skipped.
func (r *Router) Send(ctx context.Context, req *provider.ChatRequest, preferredOrder []string) (*provider.ChatResponse, error) {
	order := preferredOrder
	if len(order) == 0 {
		order = r.order
	}

	var attempts []Attempt
	for _, id := range order {
		p, ok := r.providers[id]
		if !ok {
			log.Printf("[ROUTER] Unknown provider %q in preferred order, skipping", id)
			continue
		}
		if !r.eligible(id) {
			continue
		}

		resp, err := r.call(ctx, p, req)
		if err == nil {
			r.reportSuccess(id)
			return resp, nil
		}

		r.reportFailure(id, err)
		attempts = append(attempts, Attempt{Provider: id, Err: err})

		if !provider.IsTransient(err) {
			log.Printf("[ROUTER] Permanent error from %s, advancing: %v", id, err)
		} else {
			log.Printf("[ROUTER] Transient error from %s, advancing: %v", id, err)
		}

		// The caller gave up; no point trying further providers.
		if ctx.Err() != nil && ctx.Err() == context.Canceled {
			break
		}
	}

	return nil, &ExhaustedError{Attempts: attempts}
}

func (r *Router) call(ctx context.Context, p provider.Provider, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	resp, err := p.Chat(callCtx, req)
	if err != nil && callCtx.Err() == context.DeadlineExceeded {
		// A timed-out call is always treated as transient regardless of
		// how the provider wrapped it.
		return nil, provider.Transient(p.ID(), context.DeadlineExceeded)
	}
	return resp, err
}

// eligible reports whether the provider may be selected: anything not
// Unavailable, or an Unavailable provider whose cooldown has expired
// (the probe case).
func (r *Router) eligible(id string) bool {
	s := r.states[id]
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status != Unavailable {
		return true
	}
	return !r.now().Before(s.CooldownUntil)
}

func (r *Router) reportSuccess(id string) {
	s := r.states[id]
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.Status
	s.ConsecutiveFailures = 0
	s.LastSuccessAt = r.now()
	s.Status = Healthy
	s.CooldownUntil = time.Time{}

	if prev != Healthy {
		log.Printf("[ROUTER] Provider %s recovered: %s -> healthy", id, prev)
	}
}

// reportFailure advances the failure count and the health state machine.
// Permanent errors advance the fallback chain but say nothing about the
// provider's health, so only transient failures count.
func (r *Router) reportFailure(id string, err error) {
	if !provider.IsTransient(err) {
		return
	}

	s := r.states[id]
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ConsecutiveFailures++

	switch {
	case s.ConsecutiveFailures >= r.cfg.UnavailableThreshold:
		if s.Status != Unavailable {
			log.Printf("[ROUTER] Provider %s -> unavailable after %d consecutive failures", id, s.ConsecutiveFailures)
		}
		s.Status = Unavailable
		s.CooldownUntil = r.now().Add(r.backoff(s.ConsecutiveFailures))
	case s.ConsecutiveFailures >= r.cfg.DegradedThreshold:
		if s.Status == Healthy {
			log.Printf("[ROUTER] Provider %s -> degraded after %d consecutive failures", id, s.ConsecutiveFailures)
		}
		if s.Status != Unavailable {
			s.Status = Degraded
		}
	}
}

// backoff grows exponentially with failures beyond the unavailable
// threshold and is capped.
func (r *Router) backoff(failures int) time.Duration {
	d := r.cfg.BackoffBase
	for i := r.cfg.UnavailableThreshold; i < failures && d < r.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > r.cfg.BackoffCap {
		d = r.cfg.BackoffCap
	}
	return d
}

// Snapshot returns a copy of every provider's health state in
// registration order.
func (r *Router) Snapshot() []ProviderState {
	out := make([]ProviderState, 0, len(r.order))
	for _, id := range r.order {
		s := r.states[id]
		s.mu.Lock()
		out = append(out, s.ProviderState)
		s.mu.Unlock()
	}
	return out
}
