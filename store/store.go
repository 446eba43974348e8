// Package store defines the durable session store contract: the per-session
// message log that owns every Message. Implementations must make Append
// atomic and surface I/O failures as *core.StorageError.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nightjarhq/nightjar/core"
)

// ErrNotFound is returned (possibly wrapped) when a session or message
// does not exist. Callers distinguish it from I/O failures with errors.Is.
var ErrNotFound = errors.New("not found")

// SessionStats summarizes a session's stored volume, used by the janitor
// for cap-based eviction.
type SessionStats struct {
	Messages int
	Tokens   int
}

// Store is the durable per-session message log.
//
// Implementations: sqlite.Store (local), swappable for any durable keyed
// store that preserves the Session -> Message ownership relation.
type Store interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, s *core.Session) error

	// GetSession returns the session or an error wrapping sql.ErrNoRows
	// semantics as a StorageError with Op "get session".
	GetSession(ctx context.Context, id string) (*core.Session, error)

	// DeleteSession removes the session row. Messages must already be gone;
	// callers cascade Message-first.
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns all sessions, oldest activity first.
	ListSessions(ctx context.Context) ([]*core.Session, error)

	// Touch updates last_active_at.
	Touch(ctx context.Context, sessionID string, at time.Time) error

	// SetCharacter rebinds the session's character without touching messages.
	SetCharacter(ctx context.Context, sessionID, characterID string) error

	// AddTokens adds n to the session's running token total.
	AddTokens(ctx context.Context, sessionID string, n int) error

	// Append atomically inserts a message and returns its assigned ID.
	// The message is either fully written or not written at all.
	Append(ctx context.Context, msg *core.Message) (string, error)

	// Recent returns up to limit messages for the session, most-recent-last.
	// It never blocks waiting for new data.
	Recent(ctx context.Context, sessionID string, limit int) ([]*core.Message, error)

	// Get returns a single message by ID.
	Get(ctx context.Context, messageID string) (*core.Message, error)

	// Delete removes a message by ID.
	Delete(ctx context.Context, messageID string) error

	// UpdateConfidence re-scores a message's confidence.
	UpdateConfidence(ctx context.Context, messageID string, confidence float64) error

	// DecayConfidence multiplies every confidence in the session by factor.
	DecayConfidence(ctx context.Context, sessionID string, factor float64) error

	// SetEmbeddingRef records the embedding record backing a message,
	// closing the async embed window. It returns ErrNotFound when the
	// message was deleted in the meantime, so the caller can remove the
	// record instead of leaving an orphan in the index.
	SetEmbeddingRef(ctx context.Context, messageID, ref string) error

	// ExpiredMessages returns the session's messages created before cutoff,
	// oldest first.
	ExpiredMessages(ctx context.Context, sessionID string, cutoff time.Time) ([]*core.Message, error)

	// EvictionCandidates returns up to n messages ordered by the eviction
	// priority rule: oldest first, lowest confidence breaking ties.
	EvictionCandidates(ctx context.Context, sessionID string, n int) ([]*core.Message, error)

	// Stats returns message and token counts for the session.
	Stats(ctx context.Context, sessionID string) (*SessionStats, error)

	// Close releases the underlying handle.
	Close() error
}
