package memoria

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// minePrompt asks for higher-order statements over one type group.
const minePrompt = `You analyze a user's stored memory records, all of the same category, and derive higher-order insights: patterns, recurring themes, or conclusions that span multiple records.

Each record is labelled [mem-<id>].

Rules:
- Produce at most %d insights
- Every insight must be supported by at least two of the listed records
- List the supporting record ids for each insight
- Do not restate a single record; an insight must combine several
- Return an empty array when no pattern spans multiple records

Return a JSON array:
[{"content": "Consistently prefers asynchronous communication", "supporting": ["<id>", "<id>"]}]

Return ONLY the JSON array, no extra text.`

// insightCandidate is the strict wire shape of one mined element.
type insightCandidate struct {
	Content    string   `json:"content"`
	Supporting []string `json:"supporting"`
}

// InsightConfig holds the mining knobs.
type InsightConfig struct {
	MinConfidence float64 // memories below this are not considered
	WindowSize    int     // recent memories examined
	PerGroup      int     // insights requested per type group
}

// DefaultInsightConfig returns the standard mining parameters.
func DefaultInsightConfig() InsightConfig {
	return InsightConfig{
		MinConfidence: 0.7,
		WindowSize:    100,
		PerGroup:      3,
	}
}

// InsightOption configures an InsightMiner.
type InsightOption func(*InsightMiner)

// WithInsightConfig replaces the default mining parameters.
func WithInsightConfig(cfg InsightConfig) InsightOption {
	return func(m *InsightMiner) { m.cfg = cfg }
}

// WithInsightLogger sets the structured logger.
func WithInsightLogger(l *slog.Logger) InsightOption {
	return func(m *InsightMiner) { m.logger = l }
}

// InsightMiner groups recent high-confidence memories by type and
// derives higher-order insights with supporting citations. Insights
// are append-only; an insight with zero verifiable supports is dropped.
type InsightMiner struct {
	store     Store
	provider  Provider
	validator Validator
	cfg       InsightConfig
	logger    *slog.Logger
}

// NewInsightMiner creates the periodic insight job.
func NewInsightMiner(store Store, provider Provider, validator Validator, opts ...InsightOption) *InsightMiner {
	m := &InsightMiner{
		store:     store,
		provider:  provider,
		validator: validator,
		cfg:       DefaultInsightConfig(),
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mine runs one mining pass for a user and persists the surviving
// insights. Group failures are independent: one type group erroring
// does not abort the others.
func (m *InsightMiner) Mine(ctx context.Context, userID string) ([]Insight, error) {
	recent, err := m.store.RecentMemories(ctx, userID, m.cfg.WindowSize, MemoryFilter{})
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}

	groups := make(map[MemoryType][]Memory)
	for _, mem := range recent {
		if mem.Confidence < m.cfg.MinConfidence {
			continue
		}
		verdict, verr := m.validator.Validate(ctx, mem.Text, TagInsightInput)
		if verr != nil {
			return nil, fmt.Errorf("validate memory: %w", verr)
		}
		if !verdict.Safe {
			continue
		}
		groups[mem.Type] = append(groups[mem.Type], mem)
	}

	var mined []Insight
	for typ, mems := range groups {
		if len(mems) < 2 {
			continue
		}
		insights, gerr := m.mineGroup(ctx, userID, typ, mems)
		if gerr != nil {
			m.logger.Warn("insight group failed", "user", userID, "type", typ, "error", gerr)
			continue
		}
		mined = append(mined, insights...)
	}
	return mined, nil
}

// mineGroup runs the completion for one type group, verifies every
// supporting id against the store, and persists survivors.
func (m *InsightMiner) mineGroup(ctx context.Context, userID string, typ MemoryType, mems []Memory) ([]Insight, error) {
	byID := make(map[string]bool, len(mems))
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\n\n", typ)
	for _, mem := range mems {
		byID[mem.ID] = true
		fmt.Fprintf(&b, "[mem-%s] %s\n", mem.ID, mem.Text)
	}

	resp, err := m.provider.Complete(ctx, CompletionRequest{
		System:      fmt.Sprintf(minePrompt, m.cfg.PerGroup),
		User:        b.String(),
		Temperature: 0.2,
		MaxTokens:   1024,
		Shape:       ShapeJSON,
	})
	if err != nil {
		return nil, err
	}

	var out []Insight
	for _, c := range parseInsights(resp.Text) {
		// Only supports that exist for this user survive; an insight
		// left with none is dropped entirely.
		var supports []string
		for _, id := range c.Supporting {
			if byID[id] {
				supports = append(supports, id)
				continue
			}
			if _, gerr := m.store.GetMemory(ctx, userID, id); gerr == nil {
				supports = append(supports, id)
			}
		}
		if len(supports) == 0 {
			continue
		}
		ins := Insight{
			ID:         NewID(),
			UserID:     userID,
			Content:    m.validator.Sanitize(c.Content),
			Supporting: supports,
			CreatedAt:  NowUnixMilli(),
		}
		if ins.Content == "" {
			continue
		}
		if err := m.store.InsertInsight(ctx, ins); err != nil {
			return out, fmt.Errorf("insert insight: %w", err)
		}
		out = append(out, ins)
	}
	m.logger.Info("insight group mined", "user", userID, "type", typ, "memories", len(mems), "insights", len(out))
	return out, nil
}

// parseInsights decodes the miner output with the same per-element
// try/skip discipline as the extractor.
func parseInsights(response string) []insightCandidate {
	content := strings.TrimSpace(response)
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
		return nil
	}

	var out []insightCandidate
	for _, elem := range raw {
		dec := json.NewDecoder(bytes.NewReader(elem))
		dec.DisallowUnknownFields()
		var c insightCandidate
		if err := dec.Decode(&c); err != nil {
			continue
		}
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}
