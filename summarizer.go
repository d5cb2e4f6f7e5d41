package memoria

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// summarizePrompt folds new turns into the prior rolling summary.
const summarizePrompt = `You maintain a rolling summary of a chat conversation for later context injection.

You receive the prior summary (possibly empty), the new messages since it was written, and a list of memory records extracted in the same window, each labelled [mem-<id>].

Rules:
- Produce ONE updated summary that merges the prior summary with the new messages
- Keep it under %d characters
- Preserve concrete details: names, dates, decisions, numbers
- When a statement is backed by a listed memory, cite it inline as [[mem-<id>]]
- Cite only ids from the provided list
- Plain prose, no headings, no bullet lists

Return only the summary text.`

// unsafePlaceholder replaces a message the validator refused, so the
// surrounding turns still summarize coherently.
const unsafePlaceholder = "[message removed]"

// citationPattern matches inline memory citations: [[mem-<id>]].
var citationPattern = regexp.MustCompile(`\[\[mem-([0-9a-fA-F-]+)\]\]`)

// SummarizerConfig holds the rolling-summary knobs.
type SummarizerConfig struct {
	TurnThreshold int // new user turns that make a summary due
	CharThreshold int // new-turn characters that make a summary due
	MaxChars      int // hard bound on summary content length
}

// DefaultSummarizerConfig returns the standard parameters.
func DefaultSummarizerConfig() SummarizerConfig {
	return SummarizerConfig{
		TurnThreshold: 8,
		CharThreshold: 4000,
		MaxChars:      2000,
	}
}

// SummarizerOption configures a Summarizer.
type SummarizerOption func(*Summarizer)

// WithSummarizerConfig replaces the default parameters.
func WithSummarizerConfig(cfg SummarizerConfig) SummarizerOption {
	return func(s *Summarizer) { s.cfg = cfg }
}

// WithSummarizerLogger sets the structured logger.
func WithSummarizerLogger(l *slog.Logger) SummarizerOption {
	return func(s *Summarizer) { s.logger = l }
}

// Summarizer maintains one rolling summary per (user, conversation),
// rewritten in place. A failed attempt leaves the prior summary intact.
type Summarizer struct {
	store     Store
	provider  Provider
	validator Validator
	cfg       SummarizerConfig
	logger    *slog.Logger
}

// NewSummarizer creates the rolling summarizer.
func NewSummarizer(store Store, provider Provider, validator Validator, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{
		store:     store,
		provider:  provider,
		validator: validator,
		cfg:       DefaultSummarizerConfig(),
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Due reports whether enough new user turns (or characters) have
// accumulated since the rolling summary was last written.
func (s *Summarizer) Due(ctx context.Context, userID, conversationID string) (bool, error) {
	var since int64
	if prior, err := s.store.GetSummary(ctx, userID, conversationID, ScopeRolling); err == nil {
		since = prior.UpdatedAt
	} else if !IsNotFound(err) {
		return false, err
	}

	msgs, err := s.store.MessagesSince(ctx, userID, conversationID, since)
	if err != nil {
		return false, err
	}

	turns, chars := 0, 0
	for _, m := range msgs {
		if m.Role == RoleUser {
			turns++
		}
		chars += len(m.Text)
	}
	return turns >= s.cfg.TurnThreshold || chars >= s.cfg.CharThreshold, nil
}

// Summarize folds the messages since the last rolling summary into an
// updated one with citations into the window's memories, and upserts
// it. A no-op when there are no new messages.
func (s *Summarizer) Summarize(ctx context.Context, userID, conversationID string) (Summary, error) {
	var prior Summary
	if p, err := s.store.GetSummary(ctx, userID, conversationID, ScopeRolling); err == nil {
		prior = p
	} else if !IsNotFound(err) {
		return Summary{}, err
	}

	msgs, err := s.store.MessagesSince(ctx, userID, conversationID, prior.UpdatedAt)
	if err != nil {
		return Summary{}, err
	}
	if len(msgs) == 0 {
		return prior, nil
	}

	// Memories extracted in the covered window are the only legal
	// citation targets.
	windowMems, err := s.store.MemoriesSince(ctx, userID, conversationID, prior.UpdatedAt)
	if err != nil {
		return Summary{}, err
	}
	validIDs := make(map[string]bool, len(windowMems))
	for _, m := range windowMems {
		validIDs[m.ID] = true
	}

	userPrompt, err := s.buildInput(ctx, prior, msgs, windowMems)
	if err != nil {
		return Summary{}, err
	}

	resp, err := s.provider.Complete(ctx, CompletionRequest{
		System:      fmt.Sprintf(summarizePrompt, s.cfg.MaxChars),
		User:        userPrompt,
		Temperature: 0.2,
		MaxTokens:   1024,
		Shape:       ShapeText,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("summarize: %w", err)
	}

	content, citations := extractCitations(resp.Text, validIDs)
	content = strings.TrimSpace(content)
	if len(content) > s.cfg.MaxChars {
		content = strings.ToValidUTF8(content[:s.cfg.MaxChars], "")
	}

	now := NowUnixMilli()
	// Strictly after the last folded message, even on a fast clock.
	if last := msgs[len(msgs)-1].CreatedAt; now <= last {
		now = last + 1
	}

	updated := Summary{
		ID:             prior.ID,
		UserID:         userID,
		ConversationID: conversationID,
		Scope:          ScopeRolling,
		Content:        content,
		Citations:      citations,
		CreatedAt:      prior.CreatedAt,
		UpdatedAt:      now,
	}
	if updated.ID == "" {
		updated.ID = NewID()
		updated.CreatedAt = now
	}

	if err := s.store.UpsertSummary(ctx, updated); err != nil {
		return Summary{}, fmt.Errorf("upsert summary: %w", err)
	}
	s.logger.Info("summary updated",
		"user", userID,
		"conversation", conversationID,
		"chars", len(content),
		"citations", len(citations),
		"folded_messages", len(msgs))
	return updated, nil
}

// buildInput assembles the completion input: prior summary, screened
// new messages, and the citable memory list. Messages the validator
// refuses are replaced with a fixed placeholder rather than dropped,
// keeping the dialogue coherent.
func (s *Summarizer) buildInput(ctx context.Context, prior Summary, msgs []Message, mems []Memory) (string, error) {
	var b strings.Builder

	b.WriteString("Prior summary:\n")
	if prior.Content == "" {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(prior.Content + "\n")
	}

	b.WriteString("\nNew messages:\n")
	for _, m := range msgs {
		text := m.Text
		verdict, err := s.validator.Validate(ctx, text, TagSummarizerInput)
		if err != nil {
			return "", fmt.Errorf("validate message: %w", err)
		}
		if !verdict.Safe {
			text = unsafePlaceholder
		}
		fmt.Fprintf(&b, "[%s]: %s\n", m.Role, s.validator.Sanitize(text))
	}

	b.WriteString("\nMemories from this window:\n")
	if len(mems) == 0 {
		b.WriteString("(none)\n")
	}
	for _, m := range mems {
		fmt.Fprintf(&b, "[mem-%s] %s\n", m.ID, m.Text)
	}

	return b.String(), nil
}

// extractCitations strips [[mem-...]] markers from the content and
// returns the distinct ids that pass the validity filter.
func extractCitations(content string, valid map[string]bool) (string, []string) {
	seen := make(map[string]bool)
	var citations []string
	for _, match := range citationPattern.FindAllStringSubmatch(content, -1) {
		id := match[1]
		if valid[id] && !seen[id] {
			seen[id] = true
			citations = append(citations, id)
		}
	}
	cleaned := citationPattern.ReplaceAllString(content, "")
	cleaned = strings.ReplaceAll(cleaned, "  ", " ")
	return cleaned, citations
}
