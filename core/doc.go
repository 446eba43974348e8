// Package core defines the shared data model for the conversation memory
// engine: sessions, messages, embedding records, and the error taxonomy
// that crosses component boundaries.
//
// Ownership flows Session -> Message. EmbeddingRecords live in the semantic
// index and hold a non-owning back-reference to their source Message;
// deletion always cascades Message first, EmbeddingRecord second.
package core
