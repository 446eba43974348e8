package convo

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nightjarhq/nightjar/core"
	"github.com/nightjarhq/nightjar/index"
	"github.com/nightjarhq/nightjar/store"
)

// JanitorConfig holds retention policy for the background sweep.
type JanitorConfig struct {
	// MessageTTL is the maximum message age; older messages are evicted.
	// Zero disables age-based eviction.
	MessageTTL time.Duration

	// SessionTTL is the inactivity bound; sessions idle longer are purged
	// wholesale. Zero disables session expiry.
	SessionTTL time.Duration

	// MaxMessagesPerSession caps stored messages; overflow is evicted
	// oldest first, lowest confidence breaking ties. Zero disables the cap.
	MaxMessagesPerSession int

	// ConfidenceDecay multiplies every message's confidence once per
	// sweep. 1.0 (or 0) disables decay.
	ConfidenceDecay float64
}

// Janitor runs the scheduled eviction sweep over both stores. Sweeps are
// idempotent and keep the store/index consistency invariant: a message
// row is always deleted before its embedding record, never after.
type Janitor struct {
	store store.Store
	index index.Index
	cfg   JanitorConfig
	locks *lockTable
	now   func() time.Time
}

// NewJanitor creates a janitor. When the janitor is attached to an engine
// through WithJanitor it shares the engine's session locks; standalone it
// uses its own table.
func NewJanitor(st store.Store, idx index.Index, cfg JanitorConfig) *Janitor {
	return &Janitor{
		store: st,
		index: idx,
		cfg:   cfg,
		locks: newLockTable(),
		now:   time.Now,
	}
}

// Sweep runs one eviction pass over every session. Cancellation is
// honored between sessions only; a single session's cascade always runs
// to completion once started.
func (j *Janitor) Sweep(ctx context.Context) error {
	sessions, err := j.store.ListSessions(ctx)
	if err != nil {
		return err
	}

	now := j.now()
	purged, evicted := 0, 0
	for _, s := range sessions {
		select {
		case <-ctx.Done():
			log.Printf("[JANITOR] Sweep cancelled after %d sessions", purged+evicted)
			return ctx.Err()
		default:
		}

		if j.cfg.SessionTTL > 0 && now.Sub(s.LastActiveAt) > j.cfg.SessionTTL {
			if err := j.PurgeSession(ctx, s.ID); err != nil {
				log.Printf("[JANITOR] Purging expired session %s: %v", s.ID, err)
				continue
			}
			purged++
			continue
		}

		n, err := j.sweepSession(ctx, s.ID, now)
		if err != nil {
			log.Printf("[JANITOR] Sweeping session %s: %v", s.ID, err)
			continue
		}
		evicted += n
	}

	if purged > 0 || evicted > 0 {
		log.Printf("[JANITOR] Sweep complete: %d sessions purged, %d messages evicted", purged, evicted)
	}
	return nil
}

// sweepSession applies message-level retention to one live session under
// its lock: TTL eviction, then cap eviction, then confidence decay.
func (j *Janitor) sweepSession(ctx context.Context, sessionID string, now time.Time) (int, error) {
	lock := j.locks.acquire(sessionID)
	defer lock.Unlock()

	evicted := 0

	if j.cfg.MessageTTL > 0 {
		expired, err := j.store.ExpiredMessages(ctx, sessionID, now.Add(-j.cfg.MessageTTL))
		if err != nil {
			return evicted, err
		}
		for _, m := range expired {
			if err := j.deleteMessage(ctx, m); err != nil {
				return evicted, err
			}
			evicted++
		}
	}

	if j.cfg.MaxMessagesPerSession > 0 {
		stats, err := j.store.Stats(ctx, sessionID)
		if err != nil {
			return evicted, err
		}
		if over := stats.Messages - j.cfg.MaxMessagesPerSession; over > 0 {
			victims, err := j.store.EvictionCandidates(ctx, sessionID, over)
			if err != nil {
				return evicted, err
			}
			for _, m := range victims {
				if err := j.deleteMessage(ctx, m); err != nil {
					return evicted, err
				}
				evicted++
			}
		}
	}

	if j.cfg.ConfidenceDecay > 0 && j.cfg.ConfidenceDecay < 1 {
		if err := j.store.DecayConfidence(ctx, sessionID, j.cfg.ConfidenceDecay); err != nil {
			return evicted, err
		}
	}

	return evicted, nil
}

// deleteMessage removes one message and then its embedding record. The
// order is the consistency invariant: an interrupted cascade may leave a
// dangling index record (cleaned up by a later sweep) but never a message
// whose embedding is gone.
func (j *Janitor) deleteMessage(ctx context.Context, m *core.Message) error {
	if err := j.store.Delete(ctx, m.ID); err != nil {
		return err
	}
	if m.EmbeddingRef == "" {
		return nil
	}
	if err := j.index.Delete(ctx, m.EmbeddingRef); err != nil {
		var ierr *core.IndexError
		if errors.As(err, &ierr) {
			log.Printf("[JANITOR] Orphaned embedding %s, next sweep retries: %v", m.EmbeddingRef, err)
			return nil
		}
		return err
	}
	return nil
}

// PurgeSession deletes a session wholesale: every message with its
// embedding record, then any leftover index records, then the session
// row. The session's lock table entry is evicted afterwards.
func (j *Janitor) PurgeSession(ctx context.Context, sessionID string) error {
	lock := j.locks.acquire(sessionID)
	defer lock.Unlock()

	for {
		batch, err := j.store.Recent(ctx, sessionID, 256)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		for _, m := range batch {
			if err := j.deleteMessage(ctx, m); err != nil {
				return err
			}
		}
	}

	// Catch records whose messages were deleted in an interrupted
	// earlier cascade.
	if err := j.index.DeleteBySession(ctx, sessionID); err != nil {
		log.Printf("[JANITOR] Clearing index for session %s: %v", sessionID, err)
	}

	if err := j.store.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	j.locks.evict(sessionID)
	log.Printf("[JANITOR] Purged session %s", sessionID)
	return nil
}

// RunLoop sweeps every interval until ctx is cancelled.
func (j *Janitor) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[JANITOR] Sweep loop started, interval %s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[JANITOR] Sweep loop stopped")
			return
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[JANITOR] Sweep failed: %v", err)
			}
		}
	}
}
