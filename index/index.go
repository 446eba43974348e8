// Package index defines the semantic index contract: a nearest-neighbor
// index over message embeddings used for long-range recall. The index
// references messages, it never owns them; consistency is maintained by
// deleting records after their source message, never before.
package index

import (
	"context"
)

// Match is one semantic query hit.
type Match struct {
	MessageID  string
	Similarity float32
}

// Index is the external-backed nearest-neighbor index.
//
// All failures are reported as *core.IndexError. Callers treat them as
// soft: a failed query means a turn proceeds without semantic recall.
type Index interface {
	// Upsert stores or replaces the embedding record named by ref.
	// Metadata must carry at least message_id and session_id.
	Upsert(ctx context.Context, ref string, vector []float32, metadata map[string]string) error

	// Query returns up to k matches with similarity >= minSimilarity,
	// ordered by similarity descending. Sub-threshold hits are excluded,
	// not merely ranked low.
	Query(ctx context.Context, vector []float32, k int, minSimilarity float32) ([]Match, error)

	// Delete removes the record named by ref. Deleting a missing ref is
	// not an error; sweeps are idempotent.
	Delete(ctx context.Context, ref string) error

	// DeleteBySession removes every record for the session.
	DeleteBySession(ctx context.Context, sessionID string) error

	// Count reports how many records the index holds.
	Count() int

	// Close releases resources.
	Close() error
}
