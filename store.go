package cell

import (
	"context"
	"encoding/json"
)

// MessageStore persists chats, dialogs and messages. Dialogs and messages
// are append-only from the engine's perspective.
type MessageStore interface {
	// GetOrCreateChat returns the chat for (userID, key), creating it on
	// first reference.
	GetOrCreateChat(ctx context.Context, userID, key string) (Chat, error)
	// LatestMessage returns the most recent message of a chat, or nil when
	// the chat has no messages yet.
	LatestMessage(ctx context.Context, chatID string) (*Message, error)
	// CreateDialog opens a new dialog in the chat.
	CreateDialog(ctx context.Context, chatID string) (Dialog, error)
	// StoreMessage persists a message and returns it with ID and CreatedAt
	// assigned.
	StoreMessage(ctx context.Context, msg Message) (Message, error)
	// DialogMessages returns all messages of a dialog in chronological order.
	DialogMessages(ctx context.Context, dialogID string) ([]Message, error)
}

// SearchQuery scopes a vector search.
type SearchQuery struct {
	// Fields limits which payload fields the store must return; empty means all.
	Fields []string
	// Limit caps the number of hits.
	Limit int
	// MinScore drops hits scoring below the threshold.
	MinScore float32
	// FilterField / FilterValues restrict hits to records whose payload
	// field matches one of the values (e.g. chat_id ∈ {...}).
	FilterField  string
	FilterValues []string
}

// VectorStore persists memory records and answers similarity searches.
type VectorStore interface {
	// StoreRecords writes one record per retrieval section.
	StoreRecords(ctx context.Context, records []MemoryRecord) error
	// SearchRecords runs a similarity search for each query embedding and
	// returns the merged hits, best score first.
	SearchRecords(ctx context.Context, embeddings [][]float32, q SearchQuery) ([]ScoredRecord, error)
}

// StateScope identifies one agent state blob: the agent definition plus the
// acting identity.
type StateScope struct {
	Agent    string
	Identity string
}

// StateStore persists agent state blobs. Writers race at blob granularity;
// last write wins across processes.
type StateStore interface {
	// LoadState returns the persisted state for the scope, or an empty map
	// when none exists.
	LoadState(ctx context.Context, scope StateScope) (map[string]json.RawMessage, error)
	// SaveState rewrites the entire state blob for the scope.
	SaveState(ctx context.Context, scope StateScope, state map[string]json.RawMessage) error
}

// UnlockFunc releases a held lock. Safe to call exactly once.
type UnlockFunc func() error

// Locker provides named exclusive locks. Implementations backed by a shared
// store (store/sqlite, store/postgres, transport/redis) serialize holders
// across processes; MutexLocker serializes within one process only.
type Locker interface {
	// Lock blocks until the named lock is held or ctx is done.
	Lock(ctx context.Context, name string) (UnlockFunc, error)
}
