package memoria

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// RankedMemory is one retrieval result with per-source scores and the
// fused score the final ordering is based on.
type RankedMemory struct {
	Memory   Memory
	VecScore float64 // clamp(1 - cosine_distance, 0, 1); 0 if absent from vector results
	LexScore float64 // rank / max(rank); 0 if absent from lexical results
	Fused    float64
}

// RetrieverConfig holds the hybrid ranking knobs.
type RetrieverConfig struct {
	KVec        int     // vector candidates fetched
	KLex        int     // lexical candidates fetched
	KRecent     int     // recency candidates fetched
	KOut        int     // results returned
	WVec        float64 // vector weight in fusion
	WLex        float64 // lexical weight in fusion
	PinnedFloor float64 // minimum fused score for pinned memories
}

// DefaultRetrieverConfig returns the standard ranking parameters.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		KVec:        40,
		KLex:        40,
		KRecent:     10,
		KOut:        20,
		WVec:        0.6,
		WLex:        0.4,
		PinnedFloor: 0.5,
	}
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithRetrieverConfig replaces the default ranking parameters.
func WithRetrieverConfig(cfg RetrieverConfig) RetrieverOption {
	return func(r *Retriever) { r.cfg = cfg }
}

// WithRetrieverLogger sets the structured logger.
func WithRetrieverLogger(l *slog.Logger) RetrieverOption {
	return func(r *Retriever) { r.logger = l }
}

// Retriever fuses dense-vector similarity, lexical relevance, and
// recency into a single ordering under strict per-user isolation.
//
// The three store queries fan out concurrently; a source that fails
// contributes nothing and the others still produce a result. Fatal
// errors from the vector index are the exception and are returned.
type Retriever struct {
	store     Store
	embedding EmbeddingProvider
	validator Validator
	cfg       RetrieverConfig
	logger    *slog.Logger
}

// NewRetriever creates a hybrid retriever.
func NewRetriever(store Store, embedding EmbeddingProvider, validator Validator, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		store:     store,
		embedding: embedding,
		validator: validator,
		cfg:       DefaultRetrieverConfig(),
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns up to KOut memories for (user, query), optionally
// restricted to a conversation (pinned memories are always in scope).
// Bad memories never appear. An empty query after sanitization skips
// vector and lexical search and returns recent memories only.
func (r *Retriever) Retrieve(ctx context.Context, userID, query, conversationID string) ([]RankedMemory, error) {
	query = r.validator.Sanitize(query)
	filter := MemoryFilter{Conversation: conversationID}

	if query == "" {
		recent, err := r.store.RecentMemories(ctx, userID, r.cfg.KOut, filter)
		if err != nil {
			return nil, err
		}
		out := make([]RankedMemory, 0, len(recent))
		for _, m := range recent {
			rm := RankedMemory{Memory: m}
			if m.Pinned {
				rm.Fused = r.cfg.PinnedFloor
			}
			out = append(out, rm)
		}
		return out, nil
	}

	// Query embedding. On failure the vector source is simply empty:
	// the foreground path must still answer.
	var queryVec []float32
	if embs, err := r.embedding.Embed(ctx, []string{query}); err != nil {
		r.logger.Warn("query embedding failed, vector source skipped", "user", userID, "error", err)
	} else if len(embs) > 0 {
		queryVec = embs[0]
	}

	var (
		wg      sync.WaitGroup
		vecHits []ScoredMemory
		lexHits []ScoredMemory
		recent  []Memory
		fatal   error
	)

	if len(queryVec) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := r.store.VectorTopK(ctx, userID, queryVec, r.cfg.KVec, filter)
			if err != nil {
				// A dimension mismatch is a misconfiguration, not an
				// outage; it must not degrade into empty results.
				if IsFatal(err) {
					fatal = err
					return
				}
				r.logger.Warn("vector search failed, source skipped", "user", userID, "error", err)
				return
			}
			vecHits = hits
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		hits, err := r.store.LexicalTopK(ctx, userID, query, r.cfg.KLex, filter)
		if err != nil {
			r.logger.Warn("lexical search failed, source skipped", "user", userID, "error", err)
			return
		}
		lexHits = hits
	}()
	go func() {
		defer wg.Done()
		mems, err := r.store.RecentMemories(ctx, userID, r.cfg.KRecent, filter)
		if err != nil {
			r.logger.Warn("recency scan failed, source skipped", "user", userID, "error", err)
			return
		}
		recent = mems
	}()
	wg.Wait()

	if fatal != nil {
		return nil, fatal
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	results := fuse(vecHits, lexHits, recent, r.cfg)
	r.logger.Debug("retrieve",
		"user", userID,
		"vector", len(vecHits),
		"lexical", len(lexHits),
		"recent", len(recent),
		"returned", len(results))
	return results, nil
}

// fusedEntry accumulates per-source evidence for one memory.
type fusedEntry struct {
	mem         Memory
	vec, lex    float64
	recencyRank int // reverse position in the recency scan; 0 = absent
}

// fuse merges the three source sets into the final ordering:
// fused = wVec*vecScore + wLex*lexScore, with recency used only as a
// tie-break ordinal and pinned memories floored at PinnedFloor.
func fuse(vecHits, lexHits []ScoredMemory, recent []Memory, cfg RetrieverConfig) []RankedMemory {
	merged := make(map[string]*fusedEntry)
	get := func(m Memory) *fusedEntry {
		e, ok := merged[m.ID]
		if !ok {
			e = &fusedEntry{mem: m}
			merged[m.ID] = e
		}
		return e
	}

	for _, h := range vecHits {
		// Vector backends report cosine distance, ascending.
		e := get(h.Memory)
		e.vec = clamp01(1 - h.Score)
	}

	var maxRank float64
	for _, h := range lexHits {
		if h.Score > maxRank {
			maxRank = h.Score
		}
	}
	if maxRank > 0 {
		for _, h := range lexHits {
			e := get(h.Memory)
			e.lex = h.Score / maxRank
		}
	}

	for i, m := range recent {
		// First element is the most recent; higher ordinal wins ties.
		e := get(m)
		e.recencyRank = len(recent) - i
	}

	results := make([]RankedMemory, 0, len(merged))
	for _, e := range merged {
		if e.mem.Bad {
			continue
		}
		fused := cfg.WVec*e.vec + cfg.WLex*e.lex
		if e.mem.Pinned && fused < cfg.PinnedFloor {
			fused = cfg.PinnedFloor
		}
		results = append(results, RankedMemory{
			Memory:   e.mem,
			VecScore: e.vec,
			LexScore: e.lex,
			Fused:    fused,
		})
	}

	rank := func(id string) int { return merged[id].recencyRank }
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Fused != b.Fused {
			return a.Fused > b.Fused
		}
		ra, rb := rank(a.Memory.ID), rank(b.Memory.ID)
		if ra != rb {
			return ra > rb
		}
		if a.Memory.CreatedAt != b.Memory.CreatedAt {
			return a.Memory.CreatedAt > b.Memory.CreatedAt
		}
		return a.Memory.ID < b.Memory.ID
	})

	if len(results) > cfg.KOut {
		results = results[:cfg.KOut]
	}
	return results
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
