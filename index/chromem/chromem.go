// Package chromem backs the semantic index with chromem-go, a pure Go
// embedded vector database with cosine similarity.
package chromem

import (
	"context"
	"fmt"
	"log"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/nightjarhq/nightjar/core"
	"github.com/nightjarhq/nightjar/index"
)

const collectionName = "conversation_memory"

// Index stores embedding records in a single chromem collection; session
// scoping is done with a session_id metadata filter rather than
// per-session collections, so sweeps can delete across the whole index.
type Index struct {
	db *chromem.DB

	mu  sync.Mutex
	col *chromem.Collection
}

// New creates an in-memory index.
func New() (*Index, error) {
	return open(chromem.NewDB())
}

// NewPersistent creates an index persisted under dir.
func NewPersistent(dir string) (*Index, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, core.NewIndexError("open", err)
	}
	return open(db)
}

func open(db *chromem.DB) (*Index, error) {
	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, core.NewIndexError("create collection", err)
	}
	return &Index{db: db, col: col}, nil
}

func (i *Index) Upsert(ctx context.Context, ref string, vector []float32, metadata map[string]string) error {
	if metadata["message_id"] == "" {
		return core.NewIndexError("upsert", fmt.Errorf("metadata missing message_id"))
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	doc := chromem.Document{
		ID:        ref,
		Content:   metadata["content"],
		Embedding: vector,
		Metadata:  metadata,
	}
	if err := i.col.AddDocument(ctx, doc); err != nil {
		return core.NewIndexError("upsert", err)
	}
	return nil
}

func (i *Index) Query(ctx context.Context, vector []float32, k int, minSimilarity float32) ([]index.Match, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	// chromem rejects nResults larger than the collection.
	if n := i.col.Count(); n == 0 {
		return nil, nil
	} else if k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := i.col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, core.NewIndexError("query", err)
	}

	matches := make([]index.Match, 0, len(results))
	for _, r := range results {
		if r.Similarity < minSimilarity {
			continue
		}
		msgID := r.Metadata["message_id"]
		if msgID == "" {
			log.Printf("[INDEX] Skipping record %s without message_id", r.ID)
			continue
		}
		matches = append(matches, index.Match{MessageID: msgID, Similarity: r.Similarity})
	}
	return matches, nil
}

func (i *Index) Delete(ctx context.Context, ref string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.col.Delete(ctx, nil, nil, ref); err != nil {
		return core.NewIndexError("delete", err)
	}
	return nil
}

func (i *Index) DeleteBySession(ctx context.Context, sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.col.Delete(ctx, map[string]string{"session_id": sessionID}, nil); err != nil {
		return core.NewIndexError("delete session", err)
	}
	return nil
}

func (i *Index) Count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.col.Count()
}

func (i *Index) Close() error {
	// chromem holds everything in memory (or flushed files); nothing to do.
	return nil
}
