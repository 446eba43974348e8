package convo

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nightjarhq/nightjar/core"
	"github.com/nightjarhq/nightjar/embedder"
	"github.com/nightjarhq/nightjar/index"
	"github.com/nightjarhq/nightjar/provider"
	"github.com/nightjarhq/nightjar/router"
	"github.com/nightjarhq/nightjar/store"
)

const (
	defaultMaxResponseTokens = 1024
	defaultEmbedWorkers      = 2
	embedQueueSize           = 64
	embedTimeout             = 30 * time.Second
)

// Engine is the single entry point for the conversation core. Each turn
// it assembles a bounded context, dispatches it through the router, and
// persists the exchange; embedding into the semantic index happens
// asynchronously on a fixed worker pool.
type Engine struct {
	store     store.Store
	index     index.Index
	emb       embedder.Embedder
	router    *router.Router
	assembler *Assembler
	janitor   *Janitor
	locks     *lockTable

	systemPrompt      func(characterID string) string
	providerOrder     []string
	maxResponseTokens int
	embedWorkers      int

	embedQueue chan *core.Message
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithSystemPrompt sets the character prompt template. The function
// receives the session's character id; its result becomes the system
// preamble, ahead of any recalled block.
func WithSystemPrompt(fn func(characterID string) string) EngineOption {
	return func(e *Engine) {
		e.systemPrompt = fn
	}
}

// WithJanitor attaches a janitor. The janitor adopts the engine's session
// locks so sweeps never race live turns.
func WithJanitor(j *Janitor) EngineOption {
	return func(e *Engine) {
		e.janitor = j
	}
}

// WithProviderOrder sets the preferred fallback order for every turn.
// Unset, the router's registration order applies.
func WithProviderOrder(order []string) EngineOption {
	return func(e *Engine) {
		e.providerOrder = order
	}
}

// WithMaxResponseTokens bounds provider completions.
func WithMaxResponseTokens(n int) EngineOption {
	return func(e *Engine) {
		e.maxResponseTokens = n
	}
}

// WithEmbedWorkers sets the embed pool size.
func WithEmbedWorkers(n int) EngineOption {
	return func(e *Engine) {
		e.embedWorkers = n
	}
}

// NewEngine wires the conversation core together.
func NewEngine(st store.Store, idx index.Index, emb embedder.Embedder, rt *router.Router, asmCfg AssemblerConfig, opts ...EngineOption) (*Engine, error) {
	asm, err := NewAssembler(st, idx, emb, asmCfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:             st,
		index:             idx,
		emb:               emb,
		router:            rt,
		assembler:         asm,
		locks:             newLockTable(),
		maxResponseTokens: defaultMaxResponseTokens,
		embedWorkers:      defaultEmbedWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.janitor != nil {
		e.janitor.locks = e.locks
	}

	e.embedQueue = make(chan *core.Message, embedQueueSize)
	for i := 0; i < e.embedWorkers; i++ {
		e.wg.Add(1)
		go e.embedWorker()
	}

	return e, nil
}

// HandleTurn runs one conversation turn: create or load the session,
// assemble the context, dispatch, persist both sides of the exchange.
//
// Caller-visible failures are *core.StorageError,
// *core.BudgetExceededError and *router.ExhaustedError; everything else
// degrades internally.
func (e *Engine) HandleTurn(ctx context.Context, sessionID, characterID, userText string) (string, core.TokenUsage, error) {
	lock := e.locks.acquire(sessionID)
	defer lock.Unlock()

	session, err := e.ensureSession(ctx, sessionID, characterID)
	if err != nil {
		return "", core.TokenUsage{}, err
	}

	now := time.Now().UTC()
	turn := &core.Message{
		SessionID:  sessionID,
		Role:       core.RoleUser,
		Content:    userText,
		TokenCount: core.EstimateTokens(userText),
		Confidence: 1.0,
		CreatedAt:  now,
	}

	cctx, err := e.assembler.Assemble(ctx, sessionID, turn)
	if err != nil {
		return "", core.TokenUsage{}, err
	}

	// The user turn is durable before dispatch; a total provider outage
	// must not lose what the user said.
	turnID, err := e.store.Append(ctx, turn)
	if err != nil {
		return "", core.TokenUsage{}, err
	}
	turn.ID = turnID

	resp, err := e.router.Send(ctx, &provider.ChatRequest{
		System:    e.composeSystem(session.CharacterID, cctx),
		Messages:  cctx.Messages,
		MaxTokens: e.maxResponseTokens,
	}, e.providerOrder)
	if err != nil {
		return "", core.TokenUsage{}, err
	}

	reply := &core.Message{
		SessionID:  sessionID,
		Role:       core.RoleAssistant,
		Content:    resp.Text,
		TokenCount: core.EstimateTokens(resp.Text),
		Confidence: 1.0,
		CreatedAt:  time.Now().UTC(),
	}
	replyID, err := e.store.Append(ctx, reply)
	if err != nil {
		return "", core.TokenUsage{}, err
	}
	reply.ID = replyID

	if err := e.store.AddTokens(ctx, sessionID, resp.Usage.Total()); err != nil {
		log.Printf("[ENGINE] Token accounting for session %s: %v", sessionID, err)
	}
	if err := e.store.Touch(ctx, sessionID, time.Now().UTC()); err != nil {
		log.Printf("[ENGINE] Touching session %s: %v", sessionID, err)
	}

	e.enqueueEmbed(turn)
	e.enqueueEmbed(reply)

	return resp.Text, resp.Usage, nil
}

// ensureSession loads the session, creating it on the first turn. A
// changed character id rebinds the session without touching memory.
func (e *Engine) ensureSession(ctx context.Context, sessionID, characterID string) (*core.Session, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC()
		session = &core.Session{
			ID:           sessionID,
			CharacterID:  characterID,
			CreatedAt:    now,
			LastActiveAt: now,
		}
		if err := e.store.CreateSession(ctx, session); err != nil {
			return nil, err
		}
		log.Printf("[ENGINE] Created session %s (character %s)", sessionID, characterID)
		return session, nil
	}
	if err != nil {
		return nil, err
	}

	if characterID != "" && characterID != session.CharacterID {
		if err := e.store.SetCharacter(ctx, sessionID, characterID); err != nil {
			return nil, err
		}
		session.CharacterID = characterID
	}
	return session, nil
}

func (e *Engine) composeSystem(characterID string, cctx *Context) string {
	var system string
	if e.systemPrompt != nil {
		system = e.systemPrompt(characterID)
	}
	if preamble := cctx.RecalledPreamble(); preamble != "" {
		if system != "" {
			system += "\n\n"
		}
		system += preamble
	}
	return system
}

// SwitchCharacter rebinds the session's character. Stored memory is
// character-agnostic and untouched.
func (e *Engine) SwitchCharacter(ctx context.Context, sessionID, characterID string) error {
	lock := e.locks.acquire(sessionID)
	defer lock.Unlock()
	return e.store.SetCharacter(ctx, sessionID, characterID)
}

// PurgeSession deletes the session and everything it owns, in the
// janitor's cascade order.
func (e *Engine) PurgeSession(ctx context.Context, sessionID string) error {
	j := e.janitor
	if j == nil {
		j = NewJanitor(e.store, e.index, JanitorConfig{})
		j.locks = e.locks
	}
	return j.PurgeSession(ctx, sessionID)
}

// Feedback adjusts a message's confidence by delta, clamped to [0, 1].
// Negative deltas mark a remembered exchange as unhelpful so eviction and
// truncation prefer it.
func (e *Engine) Feedback(ctx context.Context, messageID string, delta float64) error {
	msg, err := e.store.Get(ctx, messageID)
	if err != nil {
		return err
	}
	c := msg.Confidence + delta
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return e.store.UpdateConfidence(ctx, messageID, c)
}

// Stats reports the session's stored volume.
func (e *Engine) Stats(ctx context.Context, sessionID string) (*store.SessionStats, error) {
	return e.store.Stats(ctx, sessionID)
}

// ProviderStates returns the router's current health snapshot.
func (e *Engine) ProviderStates() []router.ProviderState {
	return e.router.Snapshot()
}

// enqueueEmbed hands a persisted message to the embed pool. A full queue
// drops the job; the message stays usable through the recent window and
// only misses semantic recall.
func (e *Engine) enqueueEmbed(msg *core.Message) {
	select {
	case e.embedQueue <- msg:
	default:
		log.Printf("[ENGINE] Embed queue full, skipping message %s", msg.ID)
	}
}

// embedWorker drains the embed queue: compute the vector, upsert the
// index record, then close the async window by writing the ref back to
// the message row.
func (e *Engine) embedWorker() {
	defer e.wg.Done()

	for msg := range e.embedQueue {
		ctx, cancel := context.WithTimeout(context.Background(), embedTimeout)

		vec, err := e.emb.Embed(ctx, msg.Content)
		if err != nil {
			log.Printf("[ENGINE] Embedding message %s: %v", msg.ID, err)
			cancel()
			continue
		}

		ref := uuid.NewString()
		err = e.index.Upsert(ctx, ref, vec, map[string]string{
			"message_id": msg.ID,
			"session_id": msg.SessionID,
			"role":       string(msg.Role),
			"content":    msg.Content,
			"created_at": msg.CreatedAt.UTC().Format(time.RFC3339Nano),
			"confidence": strconv.FormatFloat(msg.Confidence, 'f', 3, 64),
		})
		if err != nil {
			log.Printf("[ENGINE] Indexing message %s: %v", msg.ID, err)
			cancel()
			continue
		}

		if err := e.store.SetEmbeddingRef(ctx, msg.ID, ref); err != nil {
			// The ref never landed on the message, either because a sweep
			// deleted it mid-embed or because the write failed; remove the
			// record so the index holds no entry for a message that does
			// not know it.
			if errors.Is(err, store.ErrNotFound) {
				log.Printf("[ENGINE] Message %s deleted before embedding completed, dropping record", msg.ID)
			} else {
				log.Printf("[ENGINE] Recording embedding ref for message %s: %v", msg.ID, err)
			}
			if derr := e.index.Delete(ctx, ref); derr != nil {
				log.Printf("[ENGINE] Rolling back embedding %s: %v", ref, derr)
			}
		}
		cancel()
	}
}

// Close drains the embed pool and releases the assembler's cache. The
// store and index handles belong to the caller.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.embedQueue)
		e.wg.Wait()
		e.assembler.Close()
	})
	return nil
}
