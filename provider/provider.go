// Package provider defines the language-model backend contract and the
// error classification the router's fallback logic depends on.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/nightjarhq/nightjar/core"
)

// ChatRequest is one composed call to a backend: the assembled context
// window plus the system preamble (character prompt and recalled block).
type ChatRequest struct {
	System    string
	Messages  []*core.Message
	MaxTokens int
}

// ChatResponse is the backend's reply.
type ChatResponse struct {
	Text  string
	Usage core.TokenUsage
}

// Provider is a single language-model backend.
type Provider interface {
	// ID returns the configured provider identifier, e.g. "anthropic".
	ID() string

	// Chat sends the composed request. Failures must be returned as
	// *provider.Error so the router can classify them.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Class partitions provider failures for fallback handling.
type Class int

const (
	// ClassTransient failures (timeouts, rate limits, 5xx) may succeed on
	// another provider and count against health thresholds.
	ClassTransient Class = iota

	// ClassPermanent failures (malformed request, auth) are not retried
	// against the same provider but do advance the fallback chain.
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified provider failure.
type Error struct {
	Provider string
	Class    Class
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a transient failure of the named provider.
func Transient(providerID string, err error) *Error {
	return &Error{Provider: providerID, Class: ClassTransient, Err: err}
}

// Permanent wraps err as a permanent failure of the named provider.
func Permanent(providerID string, err error) *Error {
	return &Error{Provider: providerID, Class: ClassPermanent, Err: err}
}

// IsTransient reports whether err is a classified transient failure.
// Unclassified errors are treated as transient, the safe direction for
// fallback: worst case a doomed request is retried elsewhere.
func IsTransient(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Class == ClassTransient
	}
	return true
}
