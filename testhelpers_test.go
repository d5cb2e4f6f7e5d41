package memoria

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// memStore is a full in-memory Store used across the package tests.
type memStore struct {
	mu        sync.Mutex
	messages  map[string][]Message // user|conv -> turns, append order
	memOwner  map[string]string    // memory id -> user id
	memories  map[string]Memory    // memory id -> row
	byFp      map[string]string    // user|fingerprint -> memory id
	summaries map[string]Summary   // user|conv|scope -> row
	insights  []Insight
}

func newMemStore() *memStore {
	return &memStore{
		messages:  make(map[string][]Message),
		memOwner:  make(map[string]string),
		memories:  make(map[string]Memory),
		byFp:      make(map[string]string),
		summaries: make(map[string]Summary),
	}
}

func convKey(userID, conversationID string) string { return userID + "|" + conversationID }

func (s *memStore) AppendMessage(_ context.Context, userID, conversationID string, role Role, text string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		CreatedAt:      NowUnixMilli(),
	}
	key := convKey(userID, conversationID)
	if prev := s.messages[key]; len(prev) > 0 && msg.CreatedAt <= prev[len(prev)-1].CreatedAt {
		msg.CreatedAt = prev[len(prev)-1].CreatedAt + 1
	}
	s.messages[key] = append(s.messages[key], msg)
	return msg, nil
}

func (s *memStore) GetMessage(_ context.Context, userID, conversationID, messageID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[convKey(userID, conversationID)] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return Message{}, &ErrNotFound{Kind: "message", ID: messageID}
}

func (s *memStore) RecentMessages(_ context.Context, userID, conversationID string, k int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[convKey(userID, conversationID)]
	if len(msgs) > k {
		msgs = msgs[len(msgs)-k:]
	}
	return append([]Message(nil), msgs...), nil
}

func (s *memStore) MessagesSince(_ context.Context, userID, conversationID string, since int64) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages[convKey(userID, conversationID)] {
		if m.CreatedAt > since {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) DeleteConversation(_ context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, convKey(userID, conversationID))
	for k, sum := range s.summaries {
		if sum.UserID == userID && sum.ConversationID == conversationID {
			delete(s.summaries, k)
		}
	}
	for id, m := range s.memories {
		if s.memOwner[id] == userID && m.ConversationID == conversationID {
			m.ConversationID = ""
			s.memories[id] = m
		}
	}
	return nil
}

func (s *memStore) InsertMemory(_ context.Context, mem Memory) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fpKey := mem.UserID + "|" + mem.IdempotencyKey
	if existing, ok := s.byFp[fpKey]; ok {
		return "", &ErrConflict{ExistingID: existing}
	}
	s.memories[mem.ID] = mem
	s.memOwner[mem.ID] = mem.UserID
	s.byFp[fpKey] = mem.ID
	return mem.ID, nil
}

func (s *memStore) GetMemory(_ context.Context, userID, memoryID string) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, ok := s.memories[memoryID]
	if !ok || s.memOwner[memoryID] != userID {
		return Memory{}, &ErrNotFound{Kind: "memory", ID: memoryID}
	}
	return mem, nil
}

func (s *memStore) UpdateMemory(_ context.Context, userID, memoryID string, patch MemoryPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, ok := s.memories[memoryID]
	if !ok || s.memOwner[memoryID] != userID {
		return &ErrNotFound{Kind: "memory", ID: memoryID}
	}
	if patch.Text != nil {
		mem.Text = *patch.Text
		mem.Embedding = nil
	}
	if patch.Embedding != nil {
		mem.Embedding = *patch.Embedding
	}
	if patch.Bad != nil {
		mem.Bad = *patch.Bad
	}
	if patch.Pinned != nil {
		mem.Pinned = *patch.Pinned
	}
	if patch.Importance != nil {
		mem.Importance = *patch.Importance
	}
	if patch.Confidence != nil {
		mem.Confidence = *patch.Confidence
	}
	if len(patch.Provenance) > 0 {
		if mem.Provenance == nil {
			mem.Provenance = make(map[string]string)
		}
		for k, v := range patch.Provenance {
			mem.Provenance[k] = v
		}
	}
	mem.UpdatedAt = NowUnixMilli()
	s.memories[memoryID] = mem
	return nil
}

func (s *memStore) DeleteMemory(_ context.Context, userID, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, ok := s.memories[memoryID]
	if !ok || s.memOwner[memoryID] != userID {
		return &ErrNotFound{Kind: "memory", ID: memoryID}
	}
	delete(s.memories, memoryID)
	delete(s.memOwner, memoryID)
	delete(s.byFp, userID+"|"+mem.IdempotencyKey)
	return nil
}

// userMemories returns the user's memories passing the filter, unsorted.
func (s *memStore) userMemories(userID string, filter MemoryFilter) []Memory {
	var out []Memory
	for id, mem := range s.memories {
		if s.memOwner[id] != userID {
			continue
		}
		if mem.Bad && !filter.IncludeBad {
			continue
		}
		if filter.Conversation != "" && mem.ConversationID != filter.Conversation && !mem.Pinned {
			continue
		}
		out = append(out, mem)
	}
	return out
}

func (s *memStore) ListMemories(_ context.Context, userID string, opts ListMemoriesOptions) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Memory
	for id, mem := range s.memories {
		if s.memOwner[id] != userID {
			continue
		}
		if opts.Conversation != "" && mem.ConversationID != opts.Conversation {
			continue
		}
		out = append(out, mem)
	}
	sortNewest(out)
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *memStore) VectorTopK(_ context.Context, userID string, queryVec []float32, k int, filter MemoryFilter) ([]ScoredMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScoredMemory
	for _, mem := range s.userMemories(userID, filter) {
		if len(mem.Embedding) == 0 {
			continue
		}
		out = append(out, ScoredMemory{Memory: mem, Score: 1 - cosine(queryVec, mem.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *memStore) LexicalTopK(_ context.Context, userID, query string, k int, filter MemoryFilter) ([]ScoredMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	terms := strings.Fields(strings.ToLower(query))
	var out []ScoredMemory
	for _, mem := range s.userMemories(userID, filter) {
		text := strings.ToLower(mem.Text)
		var hits float64
		for _, t := range terms {
			if strings.Contains(text, t) {
				hits++
			}
		}
		if hits > 0 {
			out = append(out, ScoredMemory{Memory: mem, Score: hits})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *memStore) RecentMemories(_ context.Context, userID string, k int, filter MemoryFilter) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.userMemories(userID, filter)
	sortNewest(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *memStore) MemoriesSince(_ context.Context, userID, conversationID string, since int64) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Memory
	for id, mem := range s.memories {
		if s.memOwner[id] != userID || mem.CreatedAt <= since {
			continue
		}
		if conversationID != "" && mem.ConversationID != conversationID {
			continue
		}
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *memStore) CountMemoriesSince(_ context.Context, userID string, since int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, mem := range s.memories {
		if s.memOwner[id] == userID && mem.CreatedAt > since {
			n++
		}
	}
	return n, nil
}

func (s *memStore) GetSummary(_ context.Context, userID, conversationID string, scope SummaryScope) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[userID+"|"+conversationID+"|"+string(scope)]
	if !ok {
		return Summary{}, &ErrNotFound{Kind: "summary", ID: conversationID}
	}
	return sum, nil
}

func (s *memStore) UpsertSummary(_ context.Context, sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[sum.UserID+"|"+sum.ConversationID+"|"+string(sum.Scope)] = sum
	return nil
}

func (s *memStore) InsertInsight(_ context.Context, ins Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights = append(s.insights, ins)
	return nil
}

func (s *memStore) ListInsights(_ context.Context, userID string, limit int) ([]Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Insight
	for i := len(s.insights) - 1; i >= 0 && len(out) < limit; i-- {
		if s.insights[i].UserID == userID {
			out = append(out, s.insights[i])
		}
	}
	return out, nil
}

func (s *memStore) Init(_ context.Context) error { return nil }
func (s *memStore) Close() error                 { return nil }

var _ Store = (*memStore)(nil)

func sortNewest(mems []Memory) {
	sort.Slice(mems, func(i, j int) bool {
		if mems[i].CreatedAt != mems[j].CreatedAt {
			return mems[i].CreatedAt > mems[j].CreatedAt
		}
		return mems[i].ID > mems[j].ID
	})
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// fakeProvider returns scripted responses in order, or a fixed error.
type fakeProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     []CompletionRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.err != nil {
		return CompletionResponse{}, p.err
	}
	if len(p.responses) == 0 {
		return CompletionResponse{Text: ""}, nil
	}
	resp := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return CompletionResponse{Text: resp, Usage: Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// fakeEmbedding produces deterministic vectors derived from the text.
type fakeEmbedding struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (e *fakeEmbedding) Name() string    { return "fake-embed" }
func (e *fakeEmbedding) Dimensions() int { return 4 }

func (e *fakeEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedText(t)
	}
	return out, nil
}

// embedText maps text to a stable unit-ish vector so equal texts get
// distance 0 from each other.
func embedText(t string) []float32 {
	v := make([]float32, 4)
	for i, r := range t {
		v[i%4] += float32(r%13) + 1
	}
	return v
}

var errBoom = &ErrHTTP{Status: 500, Body: "boom"}
