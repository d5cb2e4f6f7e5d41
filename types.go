package memoria

// MemoryType classifies a durable statement about the user.
type MemoryType string

const (
	MemoryPreference MemoryType = "preference"
	MemoryFact       MemoryType = "fact"
	MemoryPlan       MemoryType = "plan"
	MemoryEntity     MemoryType = "entity"
	MemoryRelation   MemoryType = "relation"
)

// ValidMemoryType reports whether t is one of the closed set of types.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryPreference, MemoryFact, MemoryPlan, MemoryEntity, MemoryRelation:
		return true
	}
	return false
}

// defaultImportance maps memory types to the importance assigned when
// the extractor omits one.
var defaultImportance = map[MemoryType]float64{
	MemoryPreference: 0.7,
	MemoryPlan:       0.8,
	MemoryFact:       0.6,
	MemoryEntity:     0.5,
	MemoryRelation:   0.5,
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Conversation is a per-user chat thread. Created lazily on the first
// message that references an unknown id; never mutated afterwards.
type Conversation struct {
	ID        string
	UserID    string
	CreatedAt int64
}

// Message is one turn in a conversation. Append-only; ordering within a
// conversation is (created_at asc, id asc).
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Text           string
	CreatedAt      int64
}

// Memory is a single durable, typed statement about a user.
//
// IdempotencyKey is the fingerprint: a stable hash of the normalized
// text and type, unique per user. Embedding may be nil transiently
// while the embed job is pending; Provenance carries write-path
// metadata such as the source message id or "embedding_failed".
type Memory struct {
	ID             string
	UserID         string
	ConversationID string // empty = not tied to a conversation
	Text           string
	Type           MemoryType
	Importance     float64 // [0,1], type-derived default
	Confidence     float64 // [0,1], from the extractor
	Bad            bool    // excluded from all retrieval when true
	Pinned         bool    // receives a fused-score floor in ranking
	IdempotencyKey string
	Embedding      []float32
	Provenance     map[string]string
	CreatedAt      int64
	UpdatedAt      int64
}

// SummaryScope distinguishes the rolling summary from a full-history one.
type SummaryScope string

const (
	ScopeRolling SummaryScope = "rolling"
	ScopeFull    SummaryScope = "full"
)

// Summary is the bounded compression of a conversation's older turns.
// At most one row exists per (user, conversation, scope); the
// summarizer rewrites it in place.
type Summary struct {
	ID             string
	UserID         string
	ConversationID string
	Scope          SummaryScope
	Content        string
	Citations      []string // memory ids referenced by the content
	CreatedAt      int64
	UpdatedAt      int64
}

// Insight is a higher-order statement derived from multiple memories.
// Append-only.
type Insight struct {
	ID         string
	UserID     string
	Content    string
	Supporting []string // memory ids
	CreatedAt  int64
}

// ScoredMemory pairs a memory with a backend-native score: cosine
// distance (ascending) for vector search, full-text rank (descending)
// for lexical search.
type ScoredMemory struct {
	Memory Memory
	Score  float64
}

// ResponseShape is an advisory tag that selects response parsing.
type ResponseShape string

const (
	ShapeText ResponseShape = "text"
	ShapeJSON ResponseShape = "json"
)

// CompletionRequest is a structured prompt for the Provider.
type CompletionRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	Shape       ResponseShape
}

// Usage reports token consumption for one provider call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CompletionResponse carries the model output and usage stats.
type CompletionResponse struct {
	Text  string
	Usage Usage
}

// ChatResult is the foreground answer for one chat turn.
type ChatResult struct {
	AssistantText      string
	CitedMemoryIDs     []string
	AssistantMessageID string
}
