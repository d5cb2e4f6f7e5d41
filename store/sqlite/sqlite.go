// Package sqlite implements memoria.Store using pure-Go SQLite
// with in-process brute-force vector search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/memoria"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements memoria.Store backed by a local SQLite file.
// Embeddings are stored as JSON text and vector search is done
// in-process using brute-force cosine similarity; lexical search uses
// an FTS5 index kept in sync with the memories table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ memoria.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			importance REAL NOT NULL,
			confidence REAL NOT NULL,
			bad INTEGER NOT NULL DEFAULT 0,
			pinned INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT NOT NULL,
			embedding TEXT,
			provenance TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(user_id, idempotency_key)
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			content TEXT NOT NULL,
			citations TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(user_id, conversation_id, scope)
		)`,
		`CREATE TABLE IF NOT EXISTS insights (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			supporting TEXT,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(user_id, conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_user ON insights(user_id, created_at)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	// FTS5 full-text index for lexical search over memories.
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(memory_id UNINDEXED, content)`)

	s.logger.Debug("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// --- Messages ---

// AppendMessage stores one turn, creating the conversation row lazily.
func (s *Store) AppendMessage(ctx context.Context, userID, conversationID string, role memoria.Role, text string) (memoria.Message, error) {
	start := time.Now()
	msg := memoria.Message{
		ID:             memoria.NewID(),
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		CreatedAt:      memoria.NowUnixMilli(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memoria.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, user_id, created_at) VALUES (?, ?, ?)`,
		conversationID, userID, msg.CreatedAt)
	if err != nil {
		return memoria.Message{}, fmt.Errorf("ensure conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, user_id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, userID, conversationID, string(role), text, msg.CreatedAt)
	if err != nil {
		return memoria.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return memoria.Message{}, fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: message appended", "user", userID, "conversation", conversationID, "role", role, "duration", time.Since(start))
	return msg, nil
}

// GetMessage fetches one message by id within a conversation.
func (s *Store) GetMessage(ctx context.Context, userID, conversationID, messageID string) (memoria.Message, error) {
	var m memoria.Message
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		WHERE id = ? AND user_id = ? AND conversation_id = ?`,
		messageID, userID, conversationID).
		Scan(&m.ID, &m.ConversationID, &role, &m.Text, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return memoria.Message{}, &memoria.ErrNotFound{Kind: "message", ID: messageID}
	}
	if err != nil {
		return memoria.Message{}, fmt.Errorf("get message: %w", err)
	}
	m.Role = memoria.Role(role)
	return m, nil
}

// RecentMessages returns up to k most recent messages in ascending time.
func (s *Store) RecentMessages(ctx context.Context, userID, conversationID string, k int) ([]memoria.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		WHERE user_id = ? AND conversation_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, conversationID, k)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Query is newest-first; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesSince returns messages with created_at > since, ascending.
func (s *Store) MessagesSince(ctx context.Context, userID, conversationID string, since int64) ([]memoria.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		WHERE user_id = ? AND conversation_id = ? AND created_at > ?
		ORDER BY created_at ASC, id ASC`,
		userID, conversationID, since)
	if err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]memoria.Message, error) {
	var msgs []memoria.Message
	for rows.Next() {
		var m memoria.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = memoria.Role(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteConversation removes the conversation, its messages, and its
// summaries. Memories extracted from it are detached, not deleted.
func (s *Store) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM messages WHERE user_id = ? AND conversation_id = ?`,
		`DELETE FROM summaries WHERE user_id = ? AND conversation_id = ?`,
		`UPDATE memories SET conversation_id = '' WHERE user_id = ? AND conversation_id = ?`,
		`DELETE FROM conversations WHERE user_id = ? AND id = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, userID, conversationID); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: conversation deleted", "user", userID, "conversation", conversationID, "duration", time.Since(start))
	return nil
}

// --- Memories ---

// InsertMemory stores a new memory. A duplicate (user_id,
// idempotency_key) fails with *memoria.ErrConflict carrying the
// existing row's id.
func (s *Store) InsertMemory(ctx context.Context, mem memoria.Memory) (string, error) {
	start := time.Now()
	var emb any
	if len(mem.Embedding) > 0 {
		emb = serializeEmbedding(mem.Embedding)
	}
	prov, _ := json.Marshal(mem.Provenance)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, conversation_id, content, type, importance, confidence, bad, pinned, idempotency_key, embedding, provenance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mem.ID, mem.UserID, mem.ConversationID, mem.Text, string(mem.Type),
		mem.Importance, mem.Confidence, boolInt(mem.Bad), boolInt(mem.Pinned),
		mem.IdempotencyKey, emb, string(prov), mem.CreatedAt, mem.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			// Resolve on the tx: the pool has a single connection and it
			// is held until the deferred rollback.
			var existing string
			serr := tx.QueryRowContext(ctx,
				`SELECT id FROM memories WHERE user_id = ? AND idempotency_key = ?`,
				mem.UserID, mem.IdempotencyKey).Scan(&existing)
			if serr != nil {
				return "", fmt.Errorf("resolve duplicate memory: %w", serr)
			}
			return "", &memoria.ErrConflict{ExistingID: existing}
		}
		return "", fmt.Errorf("insert memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_fts (memory_id, content) VALUES (?, ?)`, mem.ID, mem.Text); err != nil {
		return "", fmt.Errorf("insert memory fts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: memory inserted", "user", mem.UserID, "memory", mem.ID, "type", mem.Type, "duration", time.Since(start))
	return mem.ID, nil
}

// GetMemory fetches one memory by id.
func (s *Store) GetMemory(ctx context.Context, userID, memoryID string) (memoria.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryCols+` FROM memories WHERE id = ? AND user_id = ?`, memoryID, userID)
	mem, err := scanMemoryRow(row.Scan)
	if err == sql.ErrNoRows {
		return memoria.Memory{}, &memoria.ErrNotFound{Kind: "memory", ID: memoryID}
	}
	if err != nil {
		return memoria.Memory{}, fmt.Errorf("get memory: %w", err)
	}
	return mem, nil
}

// UpdateMemory applies a partial update. A text change rewrites the
// FTS row and clears the embedding unless the patch carries a
// replacement vector; provenance entries are merged.
func (s *Store) UpdateMemory(ctx context.Context, userID, memoryID string, patch memoria.MemoryPatch) error {
	start := time.Now()
	current, err := s.GetMemory(ctx, userID, memoryID)
	if err != nil {
		return err
	}

	var sets []string
	var args []any
	if patch.Text != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Text)
	}
	// A text change invalidates the stored vector unless the same patch
	// carries a replacement; either way the column is set at most once.
	switch {
	case patch.Embedding != nil && len(*patch.Embedding) > 0:
		sets = append(sets, "embedding = ?")
		args = append(args, serializeEmbedding(*patch.Embedding))
	case patch.Embedding != nil || patch.Text != nil:
		sets = append(sets, "embedding = NULL")
	}
	if patch.Bad != nil {
		sets = append(sets, "bad = ?")
		args = append(args, boolInt(*patch.Bad))
	}
	if patch.Pinned != nil {
		sets = append(sets, "pinned = ?")
		args = append(args, boolInt(*patch.Pinned))
	}
	if patch.Importance != nil {
		sets = append(sets, "importance = ?")
		args = append(args, *patch.Importance)
	}
	if patch.Confidence != nil {
		sets = append(sets, "confidence = ?")
		args = append(args, *patch.Confidence)
	}
	if len(patch.Provenance) > 0 {
		merged := current.Provenance
		if merged == nil {
			merged = make(map[string]string, len(patch.Provenance))
		}
		for k, v := range patch.Provenance {
			merged[k] = v
		}
		data, _ := json.Marshal(merged)
		sets = append(sets, "provenance = ?")
		args = append(args, string(data))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, memoria.NowUnixMilli(), memoryID, userID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := `UPDATE memories SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND user_id = ?`
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	if patch.Text != nil {
		// Keep FTS index in sync.
		_, _ = tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, memoryID)
		if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts (memory_id, content) VALUES (?, ?)`, memoryID, *patch.Text); err != nil {
			return fmt.Errorf("update memory fts: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: memory updated", "user", userID, "memory", memoryID, "duration", time.Since(start))
	return nil
}

// DeleteMemory hard-deletes a memory and its FTS entry.
func (s *Store) DeleteMemory(ctx context.Context, userID, memoryID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE id = ? AND user_id = ?`, memoryID, userID)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &memoria.ErrNotFound{Kind: "memory", ID: memoryID}
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, memoryID)
	s.logger.Debug("sqlite: memory deleted", "user", userID, "memory", memoryID)
	return nil
}

// ListMemories returns memories ordered by (created_at desc, id desc).
func (s *Store) ListMemories(ctx context.Context, userID string, opts memoria.ListMemoriesOptions) ([]memoria.Memory, error) {
	q := `SELECT ` + memoryCols + ` FROM memories WHERE user_id = ?`
	args := []any{userID}
	if opts.Conversation != "" {
		q += ` AND conversation_id = ?`
		args = append(args, opts.Conversation)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// VectorTopK performs brute-force cosine similarity search over
// memories with a stored embedding and returns cosine distance,
// ascending.
func (s *Store) VectorTopK(ctx context.Context, userID string, queryVec []float32, k int, filter memoria.MemoryFilter) ([]memoria.ScoredMemory, error) {
	start := time.Now()
	q := `SELECT ` + memoryCols + ` FROM memories WHERE user_id = ? AND embedding IS NOT NULL` + filterSQL(filter)
	args := filterArgs(userID, filter)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	mems, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}

	results := make([]memoria.ScoredMemory, 0, len(mems))
	for _, m := range mems {
		if len(m.Embedding) == 0 {
			continue
		}
		if len(m.Embedding) != len(queryVec) {
			return nil, &memoria.ErrFatal{Reason: fmt.Sprintf(
				"embedding dimension mismatch: memory %s has %d, query has %d", m.ID, len(m.Embedding), len(queryVec))}
		}
		dist := 1 - float64(cosineSimilarity(queryVec, m.Embedding))
		results = append(results, memoria.ScoredMemory{Memory: m, Score: dist})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score < results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	s.logger.Debug("sqlite: vector search", "user", userID, "scanned", len(mems), "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// LexicalTopK performs FTS5 keyword search. Results are sorted by
// relevance; FTS5 rank is negative (closer to 0 = better), so -rank is
// returned as a descending score.
func (s *Store) LexicalTopK(ctx context.Context, userID, query string, k int, filter memoria.MemoryFilter) ([]memoria.ScoredMemory, error) {
	start := time.Now()
	match := matchExpr(query)
	if match == "" {
		return nil, nil
	}

	q := `SELECT ` + prefixCols("m") + `, f.rank
		FROM memories_fts f
		JOIN memories m ON m.id = f.memory_id
		WHERE memories_fts MATCH ? AND m.user_id = ?` + filterSQLAlias(filter, "m.") + `
		ORDER BY f.rank LIMIT ?`
	args := append([]any{match}, filterArgs(userID, filter)...)
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var results []memoria.ScoredMemory
	for rows.Next() {
		var rank float64
		mem, err := scanMemoryRowExtra(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("scan lexical hit: %w", err)
		}
		score := -rank
		if score < 0 {
			score = 0
		}
		results = append(results, memoria.ScoredMemory{Memory: mem, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: lexical search", "user", userID, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// RecentMemories returns up to k memories by (created_at desc, id desc).
func (s *Store) RecentMemories(ctx context.Context, userID string, k int, filter memoria.MemoryFilter) ([]memoria.Memory, error) {
	q := `SELECT ` + memoryCols + ` FROM memories WHERE user_id = ?` + filterSQL(filter) +
		` ORDER BY created_at DESC, id DESC LIMIT ?`
	args := append(filterArgs(userID, filter), k)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recent memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// MemoriesSince returns memories created after since, newest last.
func (s *Store) MemoriesSince(ctx context.Context, userID, conversationID string, since int64) ([]memoria.Memory, error) {
	q := `SELECT ` + memoryCols + ` FROM memories WHERE user_id = ? AND created_at > ?`
	args := []any{userID, since}
	if conversationID != "" {
		q += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memories since: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// CountMemoriesSince counts memories created after since.
func (s *Store) CountMemoriesSince(ctx context.Context, userID string, since int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = ? AND created_at > ?`, userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// --- Summaries ---

// GetSummary returns the summary for (user, conversation, scope).
func (s *Store) GetSummary(ctx context.Context, userID, conversationID string, scope memoria.SummaryScope) (memoria.Summary, error) {
	var sum memoria.Summary
	var scopeStr, citJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, conversation_id, scope, content, citations, created_at, updated_at
		FROM summaries WHERE user_id = ? AND conversation_id = ? AND scope = ?`,
		userID, conversationID, string(scope)).
		Scan(&sum.ID, &sum.UserID, &sum.ConversationID, &scopeStr, &sum.Content, &citJSON, &sum.CreatedAt, &sum.UpdatedAt)
	if err == sql.ErrNoRows {
		return memoria.Summary{}, &memoria.ErrNotFound{Kind: "summary", ID: conversationID}
	}
	if err != nil {
		return memoria.Summary{}, fmt.Errorf("get summary: %w", err)
	}
	sum.Scope = memoria.SummaryScope(scopeStr)
	_ = json.Unmarshal([]byte(citJSON), &sum.Citations)
	return sum, nil
}

// UpsertSummary rewrites the single summary row in place.
func (s *Store) UpsertSummary(ctx context.Context, sum memoria.Summary) error {
	start := time.Now()
	cit, _ := json.Marshal(sum.Citations)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (id, user_id, conversation_id, scope, content, citations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, conversation_id, scope) DO UPDATE SET
			content = excluded.content,
			citations = excluded.citations,
			updated_at = excluded.updated_at`,
		sum.ID, sum.UserID, sum.ConversationID, string(sum.Scope), sum.Content, string(cit), sum.CreatedAt, sum.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	s.logger.Debug("sqlite: summary upserted", "user", sum.UserID, "conversation", sum.ConversationID, "chars", len(sum.Content), "duration", time.Since(start))
	return nil
}

// --- Insights ---

// InsertInsight appends an insight.
func (s *Store) InsertInsight(ctx context.Context, ins memoria.Insight) error {
	sup, _ := json.Marshal(ins.Supporting)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO insights (id, user_id, content, supporting, created_at) VALUES (?, ?, ?, ?, ?)`,
		ins.ID, ins.UserID, ins.Content, string(sup), ins.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert insight: %w", err)
	}
	return nil
}

// ListInsights returns insights newest-first.
func (s *Store) ListInsights(ctx context.Context, userID string, limit int) ([]memoria.Insight, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, supporting, created_at FROM insights
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var out []memoria.Insight
	for rows.Next() {
		var ins memoria.Insight
		var sup string
		if err := rows.Scan(&ins.ID, &ins.UserID, &ins.Content, &sup, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		_ = json.Unmarshal([]byte(sup), &ins.Supporting)
		out = append(out, ins)
	}
	return out, rows.Err()
}

// --- Row helpers ---

const memoryCols = `id, user_id, conversation_id, content, type, importance, confidence, bad, pinned, idempotency_key, embedding, provenance, created_at, updated_at`

func prefixCols(alias string) string {
	cols := strings.Split(memoryCols, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func scanMemories(rows *sql.Rows) ([]memoria.Memory, error) {
	var out []memoria.Memory
	for rows.Next() {
		mem, err := scanMemoryRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, mem)
	}
	return out, rows.Err()
}

func scanMemoryRow(scan func(...any) error) (memoria.Memory, error) {
	var m memoria.Memory
	var typ string
	var bad, pinned int
	var emb, prov sql.NullString
	err := scan(&m.ID, &m.UserID, &m.ConversationID, &m.Text, &typ,
		&m.Importance, &m.Confidence, &bad, &pinned, &m.IdempotencyKey,
		&emb, &prov, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return memoria.Memory{}, err
	}
	m.Type = memoria.MemoryType(typ)
	m.Bad = bad != 0
	m.Pinned = pinned != 0
	if emb.Valid {
		m.Embedding, _ = deserializeEmbedding(emb.String)
	}
	if prov.Valid && prov.String != "" {
		_ = json.Unmarshal([]byte(prov.String), &m.Provenance)
	}
	return m, nil
}

func scanMemoryRowExtra(rows *sql.Rows, extra *float64) (memoria.Memory, error) {
	var m memoria.Memory
	var typ string
	var bad, pinned int
	var emb, prov sql.NullString
	err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Text, &typ,
		&m.Importance, &m.Confidence, &bad, &pinned, &m.IdempotencyKey,
		&emb, &prov, &m.CreatedAt, &m.UpdatedAt, extra)
	if err != nil {
		return memoria.Memory{}, err
	}
	m.Type = memoria.MemoryType(typ)
	m.Bad = bad != 0
	m.Pinned = pinned != 0
	if emb.Valid {
		m.Embedding, _ = deserializeEmbedding(emb.String)
	}
	if prov.Valid && prov.String != "" {
		_ = json.Unmarshal([]byte(prov.String), &m.Provenance)
	}
	return m, nil
}

// filterSQL renders the shared memory filter: the conversation
// restriction keeps pinned memories in scope, and bad rows are excluded
// unless explicitly requested.
func filterSQL(f memoria.MemoryFilter) string {
	return filterSQLAlias(f, "")
}

func filterSQLAlias(f memoria.MemoryFilter, alias string) string {
	var sb strings.Builder
	if f.Conversation != "" {
		sb.WriteString(` AND (` + alias + `conversation_id = ? OR ` + alias + `pinned = 1)`)
	}
	if !f.IncludeBad {
		sb.WriteString(` AND ` + alias + `bad = 0`)
	}
	return sb.String()
}

func filterArgs(userID string, f memoria.MemoryFilter) []any {
	args := []any{userID}
	if f.Conversation != "" {
		args = append(args, f.Conversation)
	}
	return args
}

// matchExpr builds a safe FTS5 MATCH expression: alphanumeric tokens,
// individually quoted, joined with OR. Everything else is stripped so
// user input cannot inject FTS syntax.
func matchExpr(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	})
	if len(fields) == 0 {
		return ""
	}
	for i, f := range fields {
		fields[i] = `"` + f + `"`
	}
	return strings.Join(fields, " OR ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Vector math ---

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
