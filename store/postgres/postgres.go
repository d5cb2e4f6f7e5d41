// Package postgres implements memoria.Store using PostgreSQL with
// pgvector for native vector similarity search and tsvector for
// full-text lexical search.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/memoria"
)

// Store implements memoria.Store backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost
// of slower builds. Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

var _ memoria.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (user_id, id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conv_idx ON messages (user_id, conversation_id, created_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			importance DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			bad BOOLEAN NOT NULL DEFAULT FALSE,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			idempotency_key TEXT NOT NULL,
			embedding %s,
			provenance JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (user_id, idempotency_key)
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS memories_user_idx ON memories (user_id, created_at)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS memories_embedding_idx ON memories USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),
		`CREATE INDEX IF NOT EXISTS memories_fts_idx ON memories USING gin (to_tsvector('english', content))`,

		`CREATE TABLE IF NOT EXISTS summaries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			content TEXT NOT NULL,
			citations JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (user_id, conversation_id, scope)
		)`,

		`CREATE TABLE IF NOT EXISTS insights (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			supporting JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS insights_user_idx ON insights (user_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// --- Messages ---

// AppendMessage stores one turn, creating the conversation row lazily.
func (s *Store) AppendMessage(ctx context.Context, userID, conversationID string, role memoria.Role, text string) (memoria.Message, error) {
	msg := memoria.Message{
		ID:             memoria.NewID(),
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		CreatedAt:      memoria.NowUnixMilli(),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return memoria.Message{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, user_id, created_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		conversationID, userID, msg.CreatedAt)
	if err != nil {
		return memoria.Message{}, fmt.Errorf("postgres: ensure conversation: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, user_id, conversation_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, userID, conversationID, string(role), text, msg.CreatedAt)
	if err != nil {
		return memoria.Message{}, fmt.Errorf("postgres: insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return memoria.Message{}, fmt.Errorf("postgres: commit: %w", err)
	}
	return msg, nil
}

// GetMessage fetches one message by id within a conversation.
func (s *Store) GetMessage(ctx context.Context, userID, conversationID, messageID string) (memoria.Message, error) {
	var m memoria.Message
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE id = $1 AND user_id = $2 AND conversation_id = $3`,
		messageID, userID, conversationID).
		Scan(&m.ID, &m.ConversationID, &role, &m.Text, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return memoria.Message{}, &memoria.ErrNotFound{Kind: "message", ID: messageID}
	}
	if err != nil {
		return memoria.Message{}, fmt.Errorf("postgres: get message: %w", err)
	}
	m.Role = memoria.Role(role)
	return m, nil
}

// RecentMessages returns up to k most recent messages in ascending time.
func (s *Store) RecentMessages(ctx context.Context, userID, conversationID string, k int) ([]memoria.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE user_id = $1 AND conversation_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		userID, conversationID, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order (oldest first).
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesSince returns messages with created_at > since, ascending.
func (s *Store) MessagesSince(ctx context.Context, userID, conversationID string, since int64) ([]memoria.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE user_id = $1 AND conversation_id = $2 AND created_at > $3
		 ORDER BY created_at ASC, id ASC`,
		userID, conversationID, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]memoria.Message, error) {
	var msgs []memoria.Message
	for rows.Next() {
		var m memoria.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.Role = memoria.Role(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteConversation removes the conversation, its messages, and its
// summaries. Memories extracted from it are detached, not deleted.
func (s *Store) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	stmts := []string{
		`DELETE FROM messages WHERE user_id = $1 AND conversation_id = $2`,
		`DELETE FROM summaries WHERE user_id = $1 AND conversation_id = $2`,
		`UPDATE memories SET conversation_id = '' WHERE user_id = $1 AND conversation_id = $2`,
		`DELETE FROM conversations WHERE user_id = $1 AND id = $2`,
	}
	for _, q := range stmts {
		if _, err := tx.Exec(ctx, q, userID, conversationID); err != nil {
			return fmt.Errorf("postgres: delete conversation: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// --- Memories ---

// InsertMemory stores a new memory. A duplicate (user_id,
// idempotency_key) fails with *memoria.ErrConflict carrying the
// existing row's id.
func (s *Store) InsertMemory(ctx context.Context, mem memoria.Memory) (string, error) {
	var emb any
	if len(mem.Embedding) > 0 {
		emb = serializeEmbedding(mem.Embedding)
	}
	prov, _ := json.Marshal(mem.Provenance)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, user_id, conversation_id, content, type, importance, confidence, bad, pinned, idempotency_key, embedding, provenance, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		mem.ID, mem.UserID, mem.ConversationID, mem.Text, string(mem.Type),
		mem.Importance, mem.Confidence, mem.Bad, mem.Pinned,
		mem.IdempotencyKey, emb, prov, mem.CreatedAt, mem.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			var existing string
			serr := s.pool.QueryRow(ctx,
				`SELECT id FROM memories WHERE user_id = $1 AND idempotency_key = $2`,
				mem.UserID, mem.IdempotencyKey).Scan(&existing)
			if serr != nil {
				return "", fmt.Errorf("postgres: resolve duplicate memory: %w", serr)
			}
			return "", &memoria.ErrConflict{ExistingID: existing}
		}
		return "", fmt.Errorf("postgres: insert memory: %w", err)
	}
	return mem.ID, nil
}

// GetMemory fetches one memory by id.
func (s *Store) GetMemory(ctx context.Context, userID, memoryID string) (memoria.Memory, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+memoryCols+` FROM memories WHERE id = $1 AND user_id = $2`, memoryID, userID)
	mem, err := scanMemoryRow(row.Scan)
	if err == pgx.ErrNoRows {
		return memoria.Memory{}, &memoria.ErrNotFound{Kind: "memory", ID: memoryID}
	}
	if err != nil {
		return memoria.Memory{}, fmt.Errorf("postgres: get memory: %w", err)
	}
	return mem, nil
}

// UpdateMemory applies a partial update. A text change clears the
// embedding; provenance entries are merged via jsonb concatenation.
func (s *Store) UpdateMemory(ctx context.Context, userID, memoryID string, patch memoria.MemoryPatch) error {
	var sets []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if patch.Text != nil {
		sets = append(sets, "content = "+arg(*patch.Text))
	}
	// Postgres rejects duplicate assignments to one column, so the
	// embedding clause is rendered exactly once: a replacement vector
	// wins, otherwise a text change clears the stale vector.
	switch {
	case patch.Embedding != nil && len(*patch.Embedding) > 0:
		sets = append(sets, "embedding = "+arg(serializeEmbedding(*patch.Embedding))+"::vector")
	case patch.Embedding != nil || patch.Text != nil:
		sets = append(sets, "embedding = NULL")
	}
	if patch.Bad != nil {
		sets = append(sets, "bad = "+arg(*patch.Bad))
	}
	if patch.Pinned != nil {
		sets = append(sets, "pinned = "+arg(*patch.Pinned))
	}
	if patch.Importance != nil {
		sets = append(sets, "importance = "+arg(*patch.Importance))
	}
	if patch.Confidence != nil {
		sets = append(sets, "confidence = "+arg(*patch.Confidence))
	}
	if len(patch.Provenance) > 0 {
		data, _ := json.Marshal(patch.Provenance)
		sets = append(sets, "provenance = COALESCE(provenance, '{}'::jsonb) || "+arg(data)+"::jsonb")
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = "+arg(memoria.NowUnixMilli()))

	q := `UPDATE memories SET ` + strings.Join(sets, ", ") +
		` WHERE id = ` + arg(memoryID) + ` AND user_id = ` + arg(userID)
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("postgres: update memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &memoria.ErrNotFound{Kind: "memory", ID: memoryID}
	}
	return nil
}

// DeleteMemory hard-deletes a memory.
func (s *Store) DeleteMemory(ctx context.Context, userID, memoryID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memories WHERE id = $1 AND user_id = $2`, memoryID, userID)
	if err != nil {
		return fmt.Errorf("postgres: delete memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &memoria.ErrNotFound{Kind: "memory", ID: memoryID}
	}
	return nil
}

// ListMemories returns memories ordered by (created_at desc, id desc).
func (s *Store) ListMemories(ctx context.Context, userID string, opts memoria.ListMemoriesOptions) ([]memoria.Memory, error) {
	q := `SELECT ` + memoryCols + ` FROM memories WHERE user_id = $1`
	args := []any{userID}
	if opts.Conversation != "" {
		args = append(args, opts.Conversation)
		q += ` AND conversation_id = $` + strconv.Itoa(len(args))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit, opts.Offset)
		q += ` LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// VectorTopK performs native pgvector cosine-distance search over the
// HNSW index and returns distance, ascending.
func (s *Store) VectorTopK(ctx context.Context, userID string, queryVec []float32, k int, filter memoria.MemoryFilter) ([]memoria.ScoredMemory, error) {
	embStr := serializeEmbedding(queryVec)
	where, args := filterWhere(filter, []any{embStr, userID})
	args = append(args, k)

	q := `SELECT ` + memoryCols + `, embedding <=> $1::vector AS distance
		 FROM memories
		 WHERE user_id = $2 AND embedding IS NOT NULL` + where + `
		 ORDER BY embedding <=> $1::vector
		 LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer rows.Close()
	return scanScored(rows)
}

// LexicalTopK performs tsvector full-text search ranked by ts_rank,
// descending.
func (s *Store) LexicalTopK(ctx context.Context, userID, query string, k int, filter memoria.MemoryFilter) ([]memoria.ScoredMemory, error) {
	where, args := filterWhere(filter, []any{query, userID})
	args = append(args, k)

	q := `SELECT ` + memoryCols + `,
		 ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
		 FROM memories
		 WHERE user_id = $2 AND to_tsvector('english', content) @@ plainto_tsquery('english', $1)` + where + `
		 ORDER BY score DESC
		 LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: lexical search: %w", err)
	}
	defer rows.Close()
	return scanScored(rows)
}

// RecentMemories returns up to k memories by (created_at desc, id desc).
func (s *Store) RecentMemories(ctx context.Context, userID string, k int, filter memoria.MemoryFilter) ([]memoria.Memory, error) {
	where, args := filterWhere(filter, []any{userID})
	args = append(args, k)

	q := `SELECT ` + memoryCols + ` FROM memories WHERE user_id = $1` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// MemoriesSince returns memories created after since, newest last.
func (s *Store) MemoriesSince(ctx context.Context, userID, conversationID string, since int64) ([]memoria.Memory, error) {
	q := `SELECT ` + memoryCols + ` FROM memories WHERE user_id = $1 AND created_at > $2`
	args := []any{userID, since}
	if conversationID != "" {
		args = append(args, conversationID)
		q += ` AND conversation_id = $3`
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: memories since: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// CountMemoriesSince counts memories created after since.
func (s *Store) CountMemoriesSince(ctx context.Context, userID string, since int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = $1 AND created_at > $2`, userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count memories: %w", err)
	}
	return n, nil
}

// --- Summaries ---

// GetSummary returns the summary for (user, conversation, scope).
func (s *Store) GetSummary(ctx context.Context, userID, conversationID string, scope memoria.SummaryScope) (memoria.Summary, error) {
	var sum memoria.Summary
	var scopeStr string
	var cit []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, conversation_id, scope, content, citations, created_at, updated_at
		 FROM summaries WHERE user_id = $1 AND conversation_id = $2 AND scope = $3`,
		userID, conversationID, string(scope)).
		Scan(&sum.ID, &sum.UserID, &sum.ConversationID, &scopeStr, &sum.Content, &cit, &sum.CreatedAt, &sum.UpdatedAt)
	if err == pgx.ErrNoRows {
		return memoria.Summary{}, &memoria.ErrNotFound{Kind: "summary", ID: conversationID}
	}
	if err != nil {
		return memoria.Summary{}, fmt.Errorf("postgres: get summary: %w", err)
	}
	sum.Scope = memoria.SummaryScope(scopeStr)
	_ = json.Unmarshal(cit, &sum.Citations)
	return sum, nil
}

// UpsertSummary rewrites the single summary row in place.
func (s *Store) UpsertSummary(ctx context.Context, sum memoria.Summary) error {
	cit, _ := json.Marshal(sum.Citations)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO summaries (id, user_id, conversation_id, scope, content, citations, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id, conversation_id, scope) DO UPDATE SET
			content = EXCLUDED.content,
			citations = EXCLUDED.citations,
			updated_at = EXCLUDED.updated_at`,
		sum.ID, sum.UserID, sum.ConversationID, string(sum.Scope), sum.Content, cit, sum.CreatedAt, sum.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert summary: %w", err)
	}
	return nil
}

// --- Insights ---

// InsertInsight appends an insight.
func (s *Store) InsertInsight(ctx context.Context, ins memoria.Insight) error {
	sup, _ := json.Marshal(ins.Supporting)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO insights (id, user_id, content, supporting, created_at) VALUES ($1, $2, $3, $4, $5)`,
		ins.ID, ins.UserID, ins.Content, sup, ins.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert insight: %w", err)
	}
	return nil
}

// ListInsights returns insights newest-first.
func (s *Store) ListInsights(ctx context.Context, userID string, limit int) ([]memoria.Insight, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, content, supporting, created_at FROM insights
		 WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list insights: %w", err)
	}
	defer rows.Close()

	var out []memoria.Insight
	for rows.Next() {
		var ins memoria.Insight
		var sup []byte
		if err := rows.Scan(&ins.ID, &ins.UserID, &ins.Content, &sup, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan insight: %w", err)
		}
		_ = json.Unmarshal(sup, &ins.Supporting)
		out = append(out, ins)
	}
	return out, rows.Err()
}

// --- Row helpers ---

const memoryCols = `id, user_id, conversation_id, content, type, importance, confidence, bad, pinned, idempotency_key, embedding::text, provenance, created_at, updated_at`

func scanMemories(rows pgx.Rows) ([]memoria.Memory, error) {
	var out []memoria.Memory
	for rows.Next() {
		mem, err := scanMemoryRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		out = append(out, mem)
	}
	return out, rows.Err()
}

func scanScored(rows pgx.Rows) ([]memoria.ScoredMemory, error) {
	var out []memoria.ScoredMemory
	for rows.Next() {
		var score float64
		mem, err := scanMemoryRowExtra(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan scored memory: %w", err)
		}
		out = append(out, memoria.ScoredMemory{Memory: mem, Score: score})
	}
	return out, rows.Err()
}

func scanMemoryRow(scan func(...any) error) (memoria.Memory, error) {
	var m memoria.Memory
	var typ string
	var emb *string
	var prov []byte
	err := scan(&m.ID, &m.UserID, &m.ConversationID, &m.Text, &typ,
		&m.Importance, &m.Confidence, &m.Bad, &m.Pinned, &m.IdempotencyKey,
		&emb, &prov, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return memoria.Memory{}, err
	}
	m.Type = memoria.MemoryType(typ)
	if emb != nil {
		m.Embedding = deserializeEmbedding(*emb)
	}
	if len(prov) > 0 {
		_ = json.Unmarshal(prov, &m.Provenance)
	}
	return m, nil
}

func scanMemoryRowExtra(rows pgx.Rows, extra *float64) (memoria.Memory, error) {
	var m memoria.Memory
	var typ string
	var emb *string
	var prov []byte
	err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Text, &typ,
		&m.Importance, &m.Confidence, &m.Bad, &m.Pinned, &m.IdempotencyKey,
		&emb, &prov, &m.CreatedAt, &m.UpdatedAt, extra)
	if err != nil {
		return memoria.Memory{}, err
	}
	m.Type = memoria.MemoryType(typ)
	if emb != nil {
		m.Embedding = deserializeEmbedding(*emb)
	}
	if len(prov) > 0 {
		_ = json.Unmarshal(prov, &m.Provenance)
	}
	return m, nil
}

// filterWhere renders the shared memory filter starting after the
// already-bound args. The conversation restriction keeps pinned
// memories in scope; bad rows are excluded unless requested.
func filterWhere(f memoria.MemoryFilter, bound []any) (string, []any) {
	args := bound
	var sb strings.Builder
	if f.Conversation != "" {
		args = append(args, f.Conversation)
		n := strconv.Itoa(len(args))
		sb.WriteString(` AND (conversation_id = $` + n + ` OR pinned)`)
	}
	if !f.IncludeBad {
		sb.WriteString(` AND NOT bad`)
	}
	return sb.String(), args
}

// --- Vector encoding ---

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// deserializeEmbedding parses pgvector's text output format back to
// []float32. Malformed components are dropped.
func deserializeEmbedding(s string) []float32 {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			continue
		}
		out = append(out, float32(v))
	}
	return out
}
