// Package convo holds the conversation core: the context assembler that
// builds bounded prompts from recent and recalled history, the memory
// janitor that prunes both stores, and the engine facade that ties them
// to the provider router.
package convo

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/nightjarhq/nightjar/core"
	"github.com/nightjarhq/nightjar/embedder"
	"github.com/nightjarhq/nightjar/index"
	"github.com/nightjarhq/nightjar/store"
)

// recallBoost is added to a message's confidence each time it is recalled
// into a context, capped at 1.0.
const recallBoost = 0.05

// AssemblerConfig holds the context-assembly knobs.
type AssemblerConfig struct {
	// TokenBudget is the hard bound B on assembled context size.
	// Defaults to 4000.
	TokenBudget int

	// RecentWindow is the number of most recent messages W pulled from the
	// session store. Defaults to 20.
	RecentWindow int

	// SemanticK is the maximum number of recalled matches K. Defaults to 5.
	SemanticK int

	// MinSimilarity is the recall threshold theta; matches below it are
	// excluded at the index. Defaults to 0.7.
	MinSimilarity float32

	// IndexTimeout bounds the semantic query; on expiry the turn proceeds
	// without recall. Defaults to 3s.
	IndexTimeout time.Duration
}

func (c AssemblerConfig) withDefaults() AssemblerConfig {
	if c.TokenBudget <= 0 {
		c.TokenBudget = 4000
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 20
	}
	if c.SemanticK <= 0 {
		c.SemanticK = 5
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = 0.7
	}
	if c.IndexTimeout <= 0 {
		c.IndexTimeout = 3 * time.Second
	}
	return c
}

// Recalled is one semantically recalled message with its match score.
type Recalled struct {
	Message    *core.Message
	Similarity float32
}

// Context is an assembled, budget-bounded prompt for one turn.
type Context struct {
	// Recalled holds the semantic block, similarity descending. It is
	// delivered to providers through the formatted preamble, not as
	// inline messages.
	Recalled []Recalled

	// Messages is the recent window in chronological order with the
	// in-flight turn last.
	Messages []*core.Message

	// TotalTokens is the token sum of everything above, including the
	// formatted recall preamble.
	TotalTokens int
}

// RecalledPreamble formats the recalled block for the system prompt, each
// entry tagged with its original timestamp. Empty when nothing was
// recalled.
func (c *Context) RecalledPreamble() string {
	if len(c.Recalled) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant past conversation:\n")
	for _, r := range c.Recalled {
		fmt.Fprintf(&b, "- [%s] %s: %s\n",
			r.Message.CreatedAt.Format("2006-01-02 15:04"), r.Message.Role, r.Message.Content)
	}
	return b.String()
}

// Assembler merges the recent window and semantic recall into a bounded
// context.
type Assembler struct {
	store store.Store
	index index.Index
	emb   embedder.Embedder
	cfg   AssemblerConfig

	// vectors caches query embeddings by content hash so repeated or
	// retried turns skip recomputation.
	vectors *ristretto.Cache
}

// NewAssembler creates an assembler over the given stores.
func NewAssembler(st store.Store, idx index.Index, emb embedder.Embedder, cfg AssemblerConfig) (*Assembler, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 22,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Assembler{
		store:   st,
		index:   idx,
		emb:     emb,
		cfg:     cfg.withDefaults(),
		vectors: cache,
	}, nil
}

// Assemble builds the context for turn, a user message that may not be
// persisted yet. The recent window is always included chronologically;
// recalled matches fill remaining budget, similarity descending. When the
// total exceeds the budget, recalled entries are dropped lowest-similarity
// first, then the oldest window messages; the newest window message and
// the turn itself are never dropped.
//
// Only *core.BudgetExceededError and *core.StorageError are returned.
// Index and embedder failures degrade to a context without recall.
func (a *Assembler) Assemble(ctx context.Context, sessionID string, turn *core.Message) (*Context, error) {
	window, err := a.store.Recent(ctx, sessionID, a.cfg.RecentWindow)
	if err != nil {
		return nil, err
	}

	windowTokens := 0
	for _, m := range window {
		windowTokens += m.TokenCount
	}

	// The single-message floor: the newest stored message plus the turn
	// must fit, or no truncation policy can help.
	floor := turn.TokenCount
	if n := len(window); n > 0 {
		floor += window[n-1].TokenCount
	}
	if floor > a.cfg.TokenBudget {
		return nil, &core.BudgetExceededError{Budget: a.cfg.TokenBudget, Required: floor}
	}

	var recalled []Recalled
	if windowTokens+turn.TokenCount < a.cfg.TokenBudget {
		recalled = a.recall(ctx, sessionID, turn, window)
	}

	total := windowTokens + turn.TokenCount + recalledTokens(recalled)

	// Drop recalled entries from the tail: the slice is ordered by
	// similarity descending with confidence breaking ties, so the tail is
	// always the least valuable entry.
	for total > a.cfg.TokenBudget && len(recalled) > 0 {
		recalled = recalled[:len(recalled)-1]
		total = windowTokens + turn.TokenCount + recalledTokens(recalled)
	}

	// Then shed the oldest end of the window. Recency dominates inside
	// the window regardless of confidence.
	for total > a.cfg.TokenBudget && len(window) > 1 {
		total -= window[0].TokenCount
		windowTokens -= window[0].TokenCount
		window = window[1:]
	}

	a.reinforce(ctx, recalled)

	messages := make([]*core.Message, 0, len(window)+1)
	messages = append(messages, window...)
	messages = append(messages, turn)

	return &Context{
		Recalled:    recalled,
		Messages:    messages,
		TotalTokens: total,
	}, nil
}

// recall queries the semantic index for the turn. Every failure here is
// soft: it logs and returns nil so the turn proceeds on recency alone.
func (a *Assembler) recall(ctx context.Context, sessionID string, turn *core.Message, window []*core.Message) []Recalled {
	vector, err := a.vector(ctx, turn.Content)
	if err != nil {
		log.Printf("[ASSEMBLER] Embedding failed, skipping recall: %v", err)
		return nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, a.cfg.IndexTimeout)
	defer cancel()

	matches, err := a.index.Query(queryCtx, vector, a.cfg.SemanticK, a.cfg.MinSimilarity)
	if err != nil {
		log.Printf("[ASSEMBLER] Semantic query failed, skipping recall: %v", err)
		return nil
	}

	seen := make(map[string]bool, len(window)+1)
	for _, m := range window {
		seen[m.ID] = true
	}
	if turn.ID != "" {
		seen[turn.ID] = true
	}

	var out []Recalled
	for _, match := range matches {
		if seen[match.MessageID] {
			continue
		}
		msg, err := a.store.Get(ctx, match.MessageID)
		if err != nil {
			// The index can briefly lag a delete; anything else is worth
			// a log line but never fails the turn.
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("[ASSEMBLER] Loading recalled message %s: %v", match.MessageID, err)
			}
			continue
		}
		if msg.SessionID != sessionID {
			continue
		}
		out = append(out, Recalled{Message: msg, Similarity: match.Similarity})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Message.Confidence > out[j].Message.Confidence
	})
	return out
}

// vector returns the embedding for text, served from the cache when the
// same content was embedded recently.
func (a *Assembler) vector(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	key := h.Sum64()

	if v, ok := a.vectors.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := a.emb.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	a.vectors.Set(key, vec, int64(len(vec)*4))
	return vec, nil
}

// reinforce bumps the confidence of every recalled message that made the
// final context. Failures only log; re-scoring is best effort.
func (a *Assembler) reinforce(ctx context.Context, recalled []Recalled) {
	for _, r := range recalled {
		c := r.Message.Confidence + recallBoost
		if c > 1.0 {
			c = 1.0
		}
		if c == r.Message.Confidence {
			continue
		}
		if err := a.store.UpdateConfidence(ctx, r.Message.ID, c); err != nil {
			log.Printf("[ASSEMBLER] Re-scoring message %s: %v", r.Message.ID, err)
			continue
		}
		r.Message.Confidence = c
	}
}

// Close releases the embedding cache.
func (a *Assembler) Close() {
	a.vectors.Close()
}

func recalledTokens(recalled []Recalled) int {
	if len(recalled) == 0 {
		return 0
	}
	// Preamble header plus a small per-entry tag overhead.
	total := core.EstimateTokens("Relevant past conversation:")
	for _, r := range recalled {
		total += r.Message.TokenCount + 8
	}
	return total
}
