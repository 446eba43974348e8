package core

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session is the durable per-conversation record. It is created on the
// first turn for a given identity and mutated on every turn.
type Session struct {
	ID           string
	CharacterID  string
	CreatedAt    time.Time
	LastActiveAt time.Time
	TotalTokens  int
}

// Message is a single conversation turn. Role and Content are immutable
// once written; Confidence may be re-scored by the assembler or decayed
// by the janitor. EmbeddingRef is empty until asynchronous embedding
// completes, after which it names exactly one EmbeddingRecord.
type Message struct {
	ID           string
	SessionID    string
	Role         Role
	Content      string
	TokenCount   int
	Confidence   float64
	EmbeddingRef string
	CreatedAt    time.Time
}

// EmbeddingRecord is the semantic index entry for a message. MessageID is
// a back-reference for lookup, not ownership.
type EmbeddingRecord struct {
	ID        string
	MessageID string
	Vector    []float32
	Metadata  map[string]string
}

// TokenUsage tracks provider token consumption for one turn.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns combined input and output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}
