package memoria

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// extractMemoriesPrompt asks the model for typed memory candidates.
const extractMemoriesPrompt = `You are a memory extraction system. Given one user message from a chat conversation, extract durable statements ABOUT THE USER worth remembering long-term.

Extract statements like:
- Stable facts (job, location, timezone, skills)
- Preferences (likes, dislikes, communication style, tools)
- Plans and goals (upcoming events, projects, intentions)
- Entities the user cares about (people, pets, products, places)
- Relations between the user and entities (works at, married to, owns)

Rules:
- Only extract what is clearly stated or strongly implied by the message
- Each statement must be a single, concise, self-contained sentence
- Classify each as one of: preference, fact, plan, entity, relation
- Give each a confidence between 0 and 1
- Do NOT extract transient chit-chat, questions, or general knowledge
- Return an empty array if nothing durable is present

Return a JSON array:
[{"text": "Works as a data scientist in Berlin", "type": "fact", "confidence": 0.9}]

An optional "importance" field between 0 and 1 may be included.
Return ONLY the JSON array, no extra text. Return [] if nothing found.`

// maxCandidateChars bounds a single extracted statement after sanitize.
const maxCandidateChars = 1000

// memoryCandidate is the strict wire shape of one extractor element.
// Unknown keys reject the element, not the batch.
type memoryCandidate struct {
	Text       string   `json:"text"`
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
	Importance *float64 `json:"importance"`
}

// WriterConfig holds the write-path knobs.
type WriterConfig struct {
	MinConfidence float64       // candidates below this are dropped
	BatchSize     int           // embedding batch size
	EmbedAttempts int           // per-item embed retries
	EmbedBackoff  time.Duration // base backoff between embed retries
}

// DefaultWriterConfig returns the standard write-path parameters.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		MinConfidence: 0.6,
		BatchSize:     64,
		EmbedAttempts: 3,
		EmbedBackoff:  500 * time.Millisecond,
	}
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriterConfig replaces the default write-path parameters.
func WithWriterConfig(cfg WriterConfig) WriterOption {
	return func(w *Writer) { w.cfg = cfg }
}

// WithWriterLogger sets the structured logger.
func WithWriterLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// Writer turns raw user turns into typed, de-duplicated,
// confidence-scored memory records and keeps their embedding state
// consistent. It is idempotent per message: re-running extraction over
// the same message changes nothing, because candidates collide on
// their fingerprint and the conflict is absorbed.
type Writer struct {
	store     Store
	provider  Provider
	embedding EmbeddingProvider
	validator Validator
	cfg       WriterConfig
	logger    *slog.Logger
}

// NewWriter creates the extraction write path.
func NewWriter(store Store, provider Provider, embedding EmbeddingProvider, validator Validator, opts ...WriterOption) *Writer {
	w := &Writer{
		store:     store,
		provider:  provider,
		embedding: embedding,
		validator: validator,
		cfg:       DefaultWriterConfig(),
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ExtractFromMessage runs the full pipeline for one user message:
// validate, extract, filter, fingerprint, insert, embed. It returns
// the memories now backing the message (freshly inserted or already
// present). Partial embed failure does not roll back inserts.
func (w *Writer) ExtractFromMessage(ctx context.Context, userID string, msg Message) ([]Memory, error) {
	verdict, err := w.validator.Validate(ctx, msg.Text, TagWriterExtract)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	if !verdict.Safe {
		return nil, &ErrUnsafe{Tag: TagWriterExtract, Reason: verdict.Reason}
	}

	resp, err := w.provider.Complete(ctx, CompletionRequest{
		System:      extractMemoriesPrompt,
		User:        w.validator.Sanitize(msg.Text),
		Temperature: 0.0,
		MaxTokens:   1024,
		Shape:       ShapeJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	candidates := w.parseCandidates(resp.Text)
	if len(candidates) == 0 {
		w.logger.Debug("no memory candidates", "user", userID, "message", msg.ID)
		return nil, nil
	}

	now := NowUnixMilli()
	var memories []Memory
	var pending []Memory // rows that still need an embedding
	for _, c := range candidates {
		mem := Memory{
			ID:             NewID(),
			UserID:         userID,
			ConversationID: msg.ConversationID,
			Text:           c.Text,
			Type:           MemoryType(c.Type),
			Importance:     *c.Importance,
			Confidence:     c.Confidence,
			IdempotencyKey: Fingerprint(c.Text, MemoryType(c.Type)),
			Provenance:     map[string]string{"source_message": msg.ID},
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		id, err := w.store.InsertMemory(ctx, mem)
		switch {
		case err == nil:
			mem.ID = id
			pending = append(pending, mem)
		case IsConflict(err):
			// Absorbed: keep the existing row, raising its scores when
			// the new sighting is more confident.
			existing, gerr := w.absorbConflict(ctx, userID, err, mem)
			if gerr != nil {
				return memories, gerr
			}
			mem = existing
		default:
			return memories, fmt.Errorf("insert memory: %w", err)
		}
		memories = append(memories, mem)
	}

	if len(pending) > 0 {
		w.embedPending(ctx, userID, pending)
	}
	w.logger.Info("extraction complete",
		"user", userID,
		"message", msg.ID,
		"candidates", len(candidates),
		"inserted", len(pending))
	return memories, nil
}

// absorbConflict resolves a fingerprint collision: when the new
// candidate is more confident than the stored row, confidence and
// importance are bumped; otherwise the insert is a no-op.
func (w *Writer) absorbConflict(ctx context.Context, userID string, conflict error, candidate Memory) (Memory, error) {
	var ec *ErrConflict
	if !errors.As(conflict, &ec) {
		return Memory{}, conflict
	}
	existing, err := w.store.GetMemory(ctx, userID, ec.ExistingID)
	if err != nil {
		return Memory{}, fmt.Errorf("load conflicting memory: %w", err)
	}
	if candidate.Confidence > existing.Confidence {
		patch := MemoryPatch{
			Confidence: &candidate.Confidence,
			Importance: &candidate.Importance,
		}
		if err := w.store.UpdateMemory(ctx, userID, existing.ID, patch); err != nil {
			return Memory{}, fmt.Errorf("bump conflicting memory: %w", err)
		}
		existing.Confidence = candidate.Confidence
		existing.Importance = candidate.Importance
	}
	return existing, nil
}

// Correct replaces a memory's text in place. The id and fingerprint
// are unchanged: a correction is an edit of an existing statement, not
// a new statement, and keeping identity preserves citations. The
// embedding is cleared and repopulated within the embed retry budget.
func (w *Writer) Correct(ctx context.Context, userID, memoryID, newText string) (Memory, error) {
	verdict, err := w.validator.Validate(ctx, newText, TagCorrection)
	if err != nil {
		return Memory{}, fmt.Errorf("validate: %w", err)
	}
	if !verdict.Safe {
		return Memory{}, &ErrUnsafe{Tag: TagCorrection, Reason: verdict.Reason}
	}

	mem, err := w.store.GetMemory(ctx, userID, memoryID)
	if err != nil {
		return Memory{}, err
	}

	text := w.validator.Sanitize(newText)
	if len(text) > maxCandidateChars {
		text = text[:maxCandidateChars]
	}
	if err := w.store.UpdateMemory(ctx, userID, memoryID, MemoryPatch{Text: &text}); err != nil {
		return Memory{}, fmt.Errorf("update memory text: %w", err)
	}
	mem.Text = text
	mem.Embedding = nil

	w.embedPending(ctx, userID, []Memory{mem})
	updated, err := w.store.GetMemory(ctx, userID, memoryID)
	if err != nil {
		return mem, nil //nolint:nilerr // correction already applied
	}
	return updated, nil
}

// parseCandidates decodes the extractor output with a per-element
// try/skip loop: malformed or out-of-bounds elements are discarded and
// never abort the batch. Strict decoding rejects unknown keys.
func (w *Writer) parseCandidates(response string) []memoryCandidate {
	content := strings.TrimSpace(response)
	// LLMs sometimes wrap JSON in markdown fences — find the array.
	if !strings.HasPrefix(content, "[") {
		start := strings.Index(content, "[")
		end := strings.LastIndex(content, "]")
		if start < 0 || end <= start {
			return nil
		}
		content = content[start : end+1]
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		w.logger.Warn("extractor output is not a JSON array", "error", err)
		return nil
	}

	var out []memoryCandidate
	for _, elem := range raw {
		dec := json.NewDecoder(bytes.NewReader(elem))
		dec.DisallowUnknownFields()
		var c memoryCandidate
		if err := dec.Decode(&c); err != nil {
			continue
		}
		c.Text = w.validator.Sanitize(c.Text)
		if len(c.Text) > maxCandidateChars {
			c.Text = c.Text[:maxCandidateChars]
		}
		if c.Text == "" || !ValidMemoryType(MemoryType(c.Type)) {
			continue
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			continue
		}
		if c.Confidence < w.cfg.MinConfidence {
			continue
		}
		if c.Importance == nil || *c.Importance < 0 || *c.Importance > 1 {
			imp := defaultImportance[MemoryType(c.Type)]
			c.Importance = &imp
		}
		out = append(out, c)
	}
	return out
}

// embedPending batch-embeds the given memories and writes the vectors
// back. A batch failure falls back to per-item bounded retries; after
// exhaustion the row is marked degraded via provenance and left for a
// later pass.
func (w *Writer) embedPending(ctx context.Context, userID string, mems []Memory) {
	for start := 0; start < len(mems); start += w.cfg.BatchSize {
		end := min(start+w.cfg.BatchSize, len(mems))
		batch := mems[start:end]

		texts := make([]string, len(batch))
		for i, m := range batch {
			texts[i] = m.Text
		}

		vecs, err := w.embedding.Embed(ctx, texts)
		if err == nil && len(vecs) == len(batch) {
			for i, m := range batch {
				w.storeEmbedding(ctx, userID, m.ID, vecs[i])
			}
			continue
		}
		if err != nil {
			w.logger.Warn("batch embed failed, retrying per item", "user", userID, "batch", len(batch), "error", err)
		}

		for _, m := range batch {
			w.embedOne(ctx, userID, m)
		}
	}
}

// embedOne retries a single item's embedding up to the configured
// budget, then marks the row degraded.
func (w *Writer) embedOne(ctx context.Context, userID string, m Memory) {
	vecs, err := retryCall(ctx, w.cfg.EmbedAttempts, w.cfg.EmbedBackoff, w.embedding.Name(), w.logger, func() ([][]float32, error) {
		return w.embedding.Embed(ctx, []string{m.Text})
	})
	if err == nil && len(vecs) == 1 {
		w.storeEmbedding(ctx, userID, m.ID, vecs[0])
		return
	}
	w.logger.Error("embedding exhausted, memory degraded", "user", userID, "memory", m.ID, "error", err)
	patch := MemoryPatch{Provenance: map[string]string{"embedding_failed": "true"}}
	if uerr := w.store.UpdateMemory(ctx, userID, m.ID, patch); uerr != nil {
		w.logger.Error("mark degraded failed", "user", userID, "memory", m.ID, "error", uerr)
	}
}

func (w *Writer) storeEmbedding(ctx context.Context, userID, memoryID string, vec []float32) {
	patch := MemoryPatch{Embedding: &vec}
	if err := w.store.UpdateMemory(ctx, userID, memoryID, patch); err != nil {
		w.logger.Error("store embedding failed", "user", userID, "memory", memoryID, "error", err)
	}
}
