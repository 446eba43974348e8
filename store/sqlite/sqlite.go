// Package sqlite implements the session store on an embedded SQLite
// database. Message IDs are ULIDs, so lexical ID order is insertion order
// and the recent-window query needs no timestamp comparison.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/nightjarhq/nightjar/core"
	"github.com/nightjarhq/nightjar/store"
)

// Store is a SQLite-backed session store. The *sql.DB handle pools
// connections and is safe for concurrent use across session locks.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{
		db:      db,
		// Monotonic entropy keeps IDs ordered even within one millisecond,
		// which the recent-window query relies on.
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		character_id   TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		last_active_at TEXT NOT NULL,
		total_tokens   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(last_active_at);

	CREATE TABLE IF NOT EXISTS messages (
		id            TEXT PRIMARY KEY,
		session_id    TEXT NOT NULL REFERENCES sessions(id),
		role          TEXT NOT NULL,
		content       TEXT NOT NULL,
		token_count   INTEGER NOT NULL,
		confidence    REAL NOT NULL DEFAULT 1.0,
		embedding_ref TEXT,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(session_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Store) CreateSession(ctx context.Context, sess *core.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, character_id, created_at, last_active_at, total_tokens)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.CharacterID,
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
		sess.LastActiveAt.UTC().Format(time.RFC3339Nano),
		sess.TotalTokens)
	if err != nil {
		return core.NewStorageError("create session", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, character_id, created_at, last_active_at, total_tokens
		 FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, core.NewStorageError("get session", err)
	}
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return core.NewStorageError("delete session", err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context) ([]*core.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, character_id, created_at, last_active_at, total_tokens
		 FROM sessions ORDER BY last_active_at ASC`)
	if err != nil {
		return nil, core.NewStorageError("list sessions", err)
	}
	defer rows.Close()

	var sessions []*core.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, core.NewStorageError("list sessions", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("list sessions", err)
	}
	return sessions, nil
}

func (s *Store) Touch(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return core.NewStorageError("touch session", err)
	}
	return nil
}

func (s *Store) SetCharacter(ctx context.Context, sessionID, characterID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET character_id = ? WHERE id = ?`, characterID, sessionID)
	if err != nil {
		return core.NewStorageError("set character", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) AddTokens(ctx context.Context, sessionID string, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET total_tokens = total_tokens + ? WHERE id = ?`, n, sessionID)
	if err != nil {
		return core.NewStorageError("add tokens", err)
	}
	return nil
}

// Append inserts the message in a single statement, so a failed write
// leaves no partial row behind. The assigned ULID is returned and also
// written back to msg.ID.
func (s *Store) Append(ctx context.Context, msg *core.Message) (string, error) {
	id := msg.ID
	if id == "" {
		id = s.newID()
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	confidence := msg.Confidence
	if confidence == 0 {
		confidence = 1.0
	}

	var ref any
	if msg.EmbeddingRef != "" {
		ref = msg.EmbeddingRef
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, token_count, confidence, embedding_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, msg.SessionID, string(msg.Role), msg.Content, msg.TokenCount,
		confidence, ref, createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", core.NewStorageError("append message", err)
	}

	msg.ID = id
	msg.Confidence = confidence
	msg.CreatedAt = createdAt
	return id, nil
}

func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]*core.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, token_count, confidence, embedding_ref, created_at
		 FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, core.NewStorageError("recent messages", err)
	}
	defer rows.Close()

	var msgs []*core.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, core.NewStorageError("recent messages", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("recent messages", err)
	}

	// Query is newest-first for the LIMIT; callers get most-recent-last.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) Get(ctx context.Context, messageID string) (*core.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, token_count, confidence, embedding_ref, created_at
		 FROM messages WHERE id = ?`, messageID)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	if err != nil {
		return nil, core.NewStorageError("get message", err)
	}
	return m, nil
}

func (s *Store) Delete(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID); err != nil {
		return core.NewStorageError("delete message", err)
	}
	return nil
}

func (s *Store) UpdateConfidence(ctx context.Context, messageID string, confidence float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET confidence = ? WHERE id = ?`, confidence, messageID)
	if err != nil {
		return core.NewStorageError("update confidence", err)
	}
	return nil
}

func (s *Store) DecayConfidence(ctx context.Context, sessionID string, factor float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET confidence = confidence * ? WHERE session_id = ?`,
		factor, sessionID)
	if err != nil {
		return core.NewStorageError("decay confidence", err)
	}
	return nil
}

// SetEmbeddingRef reports ErrNotFound when the message no longer exists,
// so a caller that just indexed it can remove the now-orphaned record.
func (s *Store) SetEmbeddingRef(ctx context.Context, messageID, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET embedding_ref = ? WHERE id = ?`, ref, messageID)
	if err != nil {
		return core.NewStorageError("set embedding ref", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ExpiredMessages(ctx context.Context, sessionID string, cutoff time.Time) ([]*core.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, token_count, confidence, embedding_ref, created_at
		 FROM messages WHERE session_id = ? AND created_at < ? ORDER BY created_at ASC, id ASC`,
		sessionID, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, core.NewStorageError("expired messages", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// EvictionCandidates orders by age first and confidence second: an old
// high-confidence message is evicted before a young low-confidence one.
func (s *Store) EvictionCandidates(ctx context.Context, sessionID string, n int) ([]*core.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, token_count, confidence, embedding_ref, created_at
		 FROM messages WHERE session_id = ?
		 ORDER BY created_at ASC, confidence ASC, id ASC LIMIT ?`,
		sessionID, n)
	if err != nil {
		return nil, core.NewStorageError("eviction candidates", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *Store) Stats(ctx context.Context, sessionID string) (*store.SessionStats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(token_count), 0) FROM messages WHERE session_id = ?`,
		sessionID)

	var stats store.SessionStats
	if err := row.Scan(&stats.Messages, &stats.Tokens); err != nil {
		return nil, core.NewStorageError("session stats", err)
	}
	return &stats, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*core.Session, error) {
	var sess core.Session
	var createdAt, lastActive string

	if err := row.Scan(&sess.ID, &sess.CharacterID, &createdAt, &lastActive, &sess.TotalTokens); err != nil {
		return nil, err
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.LastActiveAt, _ = time.Parse(time.RFC3339Nano, lastActive)
	return &sess, nil
}

func scanMessage(row scanner) (*core.Message, error) {
	var m core.Message
	var role, createdAt string
	var ref sql.NullString

	err := row.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.TokenCount,
		&m.Confidence, &ref, &createdAt)
	if err != nil {
		return nil, err
	}
	m.Role = core.Role(role)
	if ref.Valid {
		m.EmbeddingRef = ref.String
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]*core.Message, error) {
	var msgs []*core.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, core.NewStorageError("scan message", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewStorageError("scan message", err)
	}
	return msgs, nil
}
