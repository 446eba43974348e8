package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nightjarhq/nightjar/core"
	"github.com/nightjarhq/nightjar/store"
	"github.com/nightjarhq/nightjar/store/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestSession(t *testing.T, s *sqlite.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := s.CreateSession(context.Background(), &core.Session{
		ID:           id,
		CharacterID:  "companion",
		CreatedAt:    now,
		LastActiveAt: now,
	})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
}

func TestAppendGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestSession(t, s, "session1")

	content := "hello there, do you remember the garden?\n\twith tabs and 日本語"
	id, err := s.Append(ctx, &core.Message{
		SessionID:  "session1",
		Role:       core.RoleUser,
		Content:    content,
		TokenCount: core.EstimateTokens(content),
	})
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if id == "" {
		t.Fatal("Append returned empty ID")
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get message: %v", err)
	}
	if got.Content != content {
		t.Errorf("Content changed in round trip: %q != %q", got.Content, content)
	}
	if got.TokenCount != core.EstimateTokens(content) {
		t.Errorf("TokenCount changed in round trip: %d", got.TokenCount)
	}
	if got.Role != core.RoleUser {
		t.Errorf("Role = %q, want user", got.Role)
	}
	if got.Confidence != 1.0 {
		t.Errorf("Default confidence = %f, want 1.0", got.Confidence)
	}
}

func TestGetMissingMessage(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecentOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestSession(t, s, "session1")

	contents := []string{"first", "second", "third", "fourth", "fifth"}
	for _, c := range contents {
		if _, err := s.Append(ctx, &core.Message{
			SessionID: "session1", Role: core.RoleUser, Content: c, TokenCount: 1,
		}); err != nil {
			t.Fatalf("Failed to append %q: %v", c, err)
		}
	}

	msgs, err := s.Recent(ctx, "session1", 3)
	if err != nil {
		t.Fatalf("Failed to fetch recent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("Recent returned %d messages, want 3", len(msgs))
	}
	// Most-recent-last: the three newest, chronological.
	want := []string{"third", "fourth", "fifth"}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Errorf("Recent[%d] = %q, want %q", i, m.Content, want[i])
		}
	}
}

func TestRecentEmptySession(t *testing.T) {
	s := openTestStore(t)
	createTestSession(t, s, "session1")

	msgs, err := s.Recent(context.Background(), "session1", 10)
	if err != nil {
		t.Fatalf("Failed to fetch recent: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected no messages, got %d", len(msgs))
	}
}

func TestEvictionCandidatesAgeBeforeConfidence(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestSession(t, s, "session1")

	now := time.Now().UTC()
	// An old high-confidence message must be evicted before a young
	// low-confidence one.
	old := &core.Message{
		SessionID: "session1", Role: core.RoleUser, Content: "old but trusted",
		TokenCount: 3, Confidence: 0.9, CreatedAt: now.Add(-31 * 24 * time.Hour),
	}
	young := &core.Message{
		SessionID: "session1", Role: core.RoleUser, Content: "young but doubtful",
		TokenCount: 3, Confidence: 0.1, CreatedAt: now.Add(-10 * 24 * time.Hour),
	}
	if _, err := s.Append(ctx, young); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if _, err := s.Append(ctx, old); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	victims, err := s.EvictionCandidates(ctx, "session1", 1)
	if err != nil {
		t.Fatalf("Failed to list candidates: %v", err)
	}
	if len(victims) != 1 || victims[0].Content != "old but trusted" {
		t.Fatalf("Expected the oldest message first, got %+v", victims)
	}
}

func TestEvictionCandidatesConfidenceBreaksTies(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestSession(t, s, "session1")

	at := time.Now().UTC().Add(-time.Hour)
	for _, m := range []*core.Message{
		{SessionID: "session1", Role: core.RoleUser, Content: "confident", TokenCount: 1, Confidence: 0.8, CreatedAt: at},
		{SessionID: "session1", Role: core.RoleUser, Content: "doubtful", TokenCount: 1, Confidence: 0.2, CreatedAt: at},
	} {
		if _, err := s.Append(ctx, m); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	victims, err := s.EvictionCandidates(ctx, "session1", 1)
	if err != nil {
		t.Fatalf("Failed to list candidates: %v", err)
	}
	if len(victims) != 1 || victims[0].Content != "doubtful" {
		t.Fatalf("Expected the low-confidence message among age ties, got %+v", victims)
	}
}

func TestExpiredMessages(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestSession(t, s, "session1")

	now := time.Now().UTC()
	stale := &core.Message{
		SessionID: "session1", Role: core.RoleUser, Content: "stale",
		TokenCount: 1, CreatedAt: now.Add(-48 * time.Hour),
	}
	fresh := &core.Message{
		SessionID: "session1", Role: core.RoleUser, Content: "fresh",
		TokenCount: 1, CreatedAt: now,
	}
	for _, m := range []*core.Message{stale, fresh} {
		if _, err := s.Append(ctx, m); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	expired, err := s.ExpiredMessages(ctx, "session1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Failed to list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].Content != "stale" {
		t.Fatalf("Expected only the stale message, got %+v", expired)
	}
}

func TestConfidenceUpdateAndDecay(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestSession(t, s, "session1")

	id, err := s.Append(ctx, &core.Message{
		SessionID: "session1", Role: core.RoleUser, Content: "hi", TokenCount: 1,
	})
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	if err := s.UpdateConfidence(ctx, id, 0.5); err != nil {
		t.Fatalf("Failed to update confidence: %v", err)
	}
	if err := s.DecayConfidence(ctx, "session1", 0.5); err != nil {
		t.Fatalf("Failed to decay confidence: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get message: %v", err)
	}
	if got.Confidence < 0.24 || got.Confidence > 0.26 {
		t.Errorf("Confidence after update+decay = %f, want 0.25", got.Confidence)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestSession(t, s, "session1")

	sess, err := s.GetSession(ctx, "session1")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if sess.CharacterID != "companion" {
		t.Errorf("CharacterID = %q, want companion", sess.CharacterID)
	}

	if err := s.SetCharacter(ctx, "session1", "pirate"); err != nil {
		t.Fatalf("Failed to set character: %v", err)
	}
	if err := s.AddTokens(ctx, "session1", 42); err != nil {
		t.Fatalf("Failed to add tokens: %v", err)
	}
	later := time.Now().UTC().Add(time.Minute)
	if err := s.Touch(ctx, "session1", later); err != nil {
		t.Fatalf("Failed to touch session: %v", err)
	}

	sess, err = s.GetSession(ctx, "session1")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if sess.CharacterID != "pirate" {
		t.Errorf("CharacterID after switch = %q, want pirate", sess.CharacterID)
	}
	if sess.TotalTokens != 42 {
		t.Errorf("TotalTokens = %d, want 42", sess.TotalTokens)
	}
	if !sess.LastActiveAt.Equal(later) {
		t.Errorf("LastActiveAt = %v, want %v", sess.LastActiveAt, later)
	}

	if err := s.DeleteSession(ctx, "session1"); err != nil {
		t.Fatalf("Failed to delete session: %v", err)
	}
	if _, err := s.GetSession(ctx, "session1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestSetCharacterMissingSession(t *testing.T) {
	s := openTestStore(t)

	err := s.SetCharacter(context.Background(), "ghost", "pirate")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSetEmbeddingRefDeletedMessage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestSession(t, s, "session1")

	id, err := s.Append(ctx, &core.Message{
		SessionID: "session1", Role: core.RoleUser, Content: "short lived", TokenCount: 2,
	})
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	// The write-back must report the missing row so the embedding record
	// just created for it can be removed.
	err = s.SetEmbeddingRef(ctx, id, "ref-late")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetEmbeddingRef on deleted message = %v, want ErrNotFound", err)
	}
}

func TestStatsAndEmbeddingRef(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestSession(t, s, "session1")

	id, err := s.Append(ctx, &core.Message{
		SessionID: "session1", Role: core.RoleAssistant, Content: "reply", TokenCount: 7,
	})
	if err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	if err := s.SetEmbeddingRef(ctx, id, "ref-123"); err != nil {
		t.Fatalf("Failed to set embedding ref: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get message: %v", err)
	}
	if got.EmbeddingRef != "ref-123" {
		t.Errorf("EmbeddingRef = %q, want ref-123", got.EmbeddingRef)
	}

	stats, err := s.Stats(ctx, "session1")
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Messages != 1 || stats.Tokens != 7 {
		t.Errorf("Stats = %+v, want 1 message / 7 tokens", stats)
	}
}
