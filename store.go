package memoria

import "context"

// MemoryFilter restricts memory reads. The Conversation restriction
// means (conversation_id = Conversation OR pinned): pinned memories are
// global to the user. Bad memories are excluded unless IncludeBad is set.
type MemoryFilter struct {
	Conversation string
	IncludeBad   bool
}

// MemoryPatch is a partial update of a memory. Nil fields are left
// untouched. Setting Text clears the stored embedding until the caller
// re-embeds, unless the same patch carries a replacement vector;
// setting Embedding writes the new vector (an empty slice clears it).
// Provenance entries are merged into the stored map.
type MemoryPatch struct {
	Text       *string
	Embedding  *[]float32
	Bad        *bool
	Pinned     *bool
	Importance *float64
	Confidence *float64
	Provenance map[string]string
}

// ListMemoriesOptions pages a per-user memory listing.
type ListMemoriesOptions struct {
	Conversation string // empty = all conversations
	Limit        int
	Offset       int
}

// Store is the durable record keeper. Every method is scoped to a
// single user; implementations enforce the partition in every
// predicate and never return another user's rows.
//
// Writes within one user are serializable. Any call may fail with a
// transient error (retried by the engine with bounded backoff) or an
// *ErrFatal (surfaced).
type Store interface {
	// AppendMessage stores one turn, creating the conversation lazily.
	AppendMessage(ctx context.Context, userID, conversationID string, role Role, text string) (Message, error)
	// GetMessage fetches one message by id within a conversation.
	GetMessage(ctx context.Context, userID, conversationID, messageID string) (Message, error)
	// RecentMessages returns up to k most recent messages in ascending time.
	RecentMessages(ctx context.Context, userID, conversationID string, k int) ([]Message, error)
	// MessagesSince returns messages with created_at > since, ascending.
	MessagesSince(ctx context.Context, userID, conversationID string, since int64) ([]Message, error)
	// DeleteConversation cascades to messages and summaries and
	// detaches memories (their conversation_id becomes empty).
	DeleteConversation(ctx context.Context, userID, conversationID string) error

	// InsertMemory stores a new memory atomically. A duplicate
	// (user_id, idempotency_key) fails with *ErrConflict carrying the
	// existing row's id.
	InsertMemory(ctx context.Context, mem Memory) (string, error)
	// GetMemory fetches one memory by id.
	GetMemory(ctx context.Context, userID, memoryID string) (Memory, error)
	// UpdateMemory applies a partial update. A text change clears the
	// embedding until re-embedded.
	UpdateMemory(ctx context.Context, userID, memoryID string, patch MemoryPatch) error
	// DeleteMemory hard-deletes a memory.
	DeleteMemory(ctx context.Context, userID, memoryID string) error
	// ListMemories returns memories ordered by (created_at desc, id desc).
	ListMemories(ctx context.Context, userID string, opts ListMemoriesOptions) ([]Memory, error)

	// VectorTopK returns up to k memories by cosine distance ascending.
	// Rows with a nil embedding are skipped.
	VectorTopK(ctx context.Context, userID string, queryVec []float32, k int, filter MemoryFilter) ([]ScoredMemory, error)
	// LexicalTopK returns up to k memories by full-text rank descending.
	LexicalTopK(ctx context.Context, userID, query string, k int, filter MemoryFilter) ([]ScoredMemory, error)
	// RecentMemories returns up to k memories by (created_at desc, id desc).
	RecentMemories(ctx context.Context, userID string, k int, filter MemoryFilter) ([]Memory, error)
	// MemoriesSince returns memories created after since, any
	// conversation when conversationID is empty.
	MemoriesSince(ctx context.Context, userID, conversationID string, since int64) ([]Memory, error)
	// CountMemoriesSince counts memories created after since.
	CountMemoriesSince(ctx context.Context, userID string, since int64) (int, error)

	// GetSummary returns the summary for (user, conversation, scope),
	// or *ErrNotFound.
	GetSummary(ctx context.Context, userID, conversationID string, scope SummaryScope) (Summary, error)
	// UpsertSummary rewrites the single summary row in place.
	UpsertSummary(ctx context.Context, s Summary) error

	// InsertInsight appends an insight.
	InsertInsight(ctx context.Context, ins Insight) error
	// ListInsights returns insights newest-first.
	ListInsights(ctx context.Context, userID string, limit int) ([]Insight, error)

	// Init creates the schema.
	Init(ctx context.Context) error
	Close() error
}
