package memoria

import (
	"context"
	"math"
	"testing"
)

func TestFuseWeights(t *testing.T) {
	cfg := DefaultRetrieverConfig()
	a := Memory{ID: "a", CreatedAt: 1}
	b := Memory{ID: "b", CreatedAt: 2}

	// a: distance 0.2 -> vec 0.8; lexical rank 4 of max 4 -> lex 1.0
	// b: distance 0.5 -> vec 0.5; lexical rank 2 of max 4 -> lex 0.5
	results := fuse(
		[]ScoredMemory{{Memory: a, Score: 0.2}, {Memory: b, Score: 0.5}},
		[]ScoredMemory{{Memory: a, Score: 4}, {Memory: b, Score: 2}},
		nil, cfg)

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Memory.ID != "a" {
		t.Fatalf("top result = %s, want a", results[0].Memory.ID)
	}
	wantA := 0.6*0.8 + 0.4*1.0
	if math.Abs(results[0].Fused-wantA) > 1e-9 {
		t.Errorf("fused(a) = %v, want %v", results[0].Fused, wantA)
	}
	wantB := 0.6*0.5 + 0.4*0.5
	if math.Abs(results[1].Fused-wantB) > 1e-9 {
		t.Errorf("fused(b) = %v, want %v", results[1].Fused, wantB)
	}
}

func TestFuseClampsVectorScore(t *testing.T) {
	// Distance above 1 must clamp to a zero vector score, not go negative.
	m := Memory{ID: "far"}
	results := fuse([]ScoredMemory{{Memory: m, Score: 1.7}}, nil, nil, DefaultRetrieverConfig())
	if len(results) != 1 || results[0].VecScore != 0 {
		t.Errorf("VecScore = %v, want 0", results[0].VecScore)
	}
}

func TestFusePinnedFloor(t *testing.T) {
	cfg := DefaultRetrieverConfig()
	pinned := Memory{ID: "p", Pinned: true}
	plain := Memory{ID: "q"}

	// Both score poorly; only the pinned one is floored at 0.5.
	results := fuse(
		[]ScoredMemory{{Memory: pinned, Score: 0.95}, {Memory: plain, Score: 0.95}},
		nil, nil, cfg)

	byID := map[string]RankedMemory{}
	for _, r := range results {
		byID[r.Memory.ID] = r
	}
	if got := byID["p"].Fused; got != cfg.PinnedFloor {
		t.Errorf("pinned fused = %v, want floor %v", got, cfg.PinnedFloor)
	}
	if got := byID["q"].Fused; got >= cfg.PinnedFloor {
		t.Errorf("plain fused = %v, want below floor", got)
	}
	if results[0].Memory.ID != "p" {
		t.Errorf("pinned memory should rank first, got %s", results[0].Memory.ID)
	}
}

func TestFusePinnedFloorIsNotACap(t *testing.T) {
	cfg := DefaultRetrieverConfig()
	pinned := Memory{ID: "p", Pinned: true}
	results := fuse([]ScoredMemory{{Memory: pinned, Score: 0.0}}, []ScoredMemory{{Memory: pinned, Score: 3}}, nil, cfg)
	want := 0.6*1.0 + 0.4*1.0
	if math.Abs(results[0].Fused-want) > 1e-9 {
		t.Errorf("fused = %v, want %v (floor must not lower a strong score)", results[0].Fused, want)
	}
}

func TestFuseExcludesBad(t *testing.T) {
	bad := Memory{ID: "bad", Bad: true}
	good := Memory{ID: "good"}
	results := fuse(
		[]ScoredMemory{{Memory: bad, Score: 0.0}, {Memory: good, Score: 0.3}},
		nil, nil, DefaultRetrieverConfig())
	for _, r := range results {
		if r.Memory.ID == "bad" {
			t.Fatal("bad memory leaked into results")
		}
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
}

func TestFuseRecencyTieBreak(t *testing.T) {
	older := Memory{ID: "older", CreatedAt: 10}
	newer := Memory{ID: "newer", CreatedAt: 20}
	// Identical fused scores; recency scan lists newer first.
	results := fuse(
		[]ScoredMemory{{Memory: older, Score: 0.4}, {Memory: newer, Score: 0.4}},
		nil,
		[]Memory{newer, older},
		DefaultRetrieverConfig())
	if results[0].Memory.ID != "newer" {
		t.Errorf("tie should break toward recency, got %s first", results[0].Memory.ID)
	}
}

func TestFuseBoundsOutput(t *testing.T) {
	cfg := DefaultRetrieverConfig()
	cfg.KOut = 3
	var hits []ScoredMemory
	for i := 0; i < 10; i++ {
		hits = append(hits, ScoredMemory{Memory: Memory{ID: string(rune('a' + i))}, Score: float64(i) / 10})
	}
	results := fuse(hits, nil, nil, cfg)
	if len(results) != 3 {
		t.Errorf("got %d results, want KOut=3", len(results))
	}
}

func TestRetrieveEmptyQuery(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	now := NowUnixMilli()
	for i, text := range []string{"one", "two", "three"} {
		mem := Memory{
			ID: NewID(), UserID: "u1", Text: text, Type: MemoryFact,
			IdempotencyKey: Fingerprint(text, MemoryFact),
			CreatedAt:      now + int64(i), UpdatedAt: now + int64(i),
		}
		if _, err := store.InsertMemory(ctx, mem); err != nil {
			t.Fatal(err)
		}
	}

	embed := &fakeEmbedding{}
	r := NewRetriever(store, embed, NewRuleValidator())

	results, err := r.Retrieve(ctx, "u1", "   ", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Memory.Text != "three" {
		t.Errorf("first result = %q, want most recent", results[0].Memory.Text)
	}
	if embed.calls != 0 {
		t.Errorf("empty query must not call the embedder, got %d calls", embed.calls)
	}
}

func TestRetrieveDegradesWithoutEmbedding(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mem := Memory{
		ID: NewID(), UserID: "u1", Text: "drinks espresso every morning", Type: MemoryPreference,
		IdempotencyKey: Fingerprint("drinks espresso every morning", MemoryPreference),
		CreatedAt:      NowUnixMilli(), UpdatedAt: NowUnixMilli(),
	}
	if _, err := store.InsertMemory(ctx, mem); err != nil {
		t.Fatal(err)
	}

	embed := &fakeEmbedding{err: errBoom}
	r := NewRetriever(store, embed, NewRuleValidator())

	// Lexical still finds the row even though embedding failed.
	results, err := r.Retrieve(ctx, "u1", "espresso", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 from lexical", len(results))
	}
	if results[0].LexScore == 0 {
		t.Error("lexical score missing on surviving result")
	}
}

// fatalVectorStore simulates a store whose vector index rejects the
// query, e.g. because the configured embedding dimension is wrong.
type fatalVectorStore struct {
	*memStore
}

func (s *fatalVectorStore) VectorTopK(context.Context, string, []float32, int, MemoryFilter) ([]ScoredMemory, error) {
	return nil, &ErrFatal{Reason: "embedding dimension mismatch"}
}

func TestRetrieveSurfacesFatalVectorError(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mem := Memory{
		ID: NewID(), UserID: "u1", Text: "drinks espresso every morning", Type: MemoryPreference,
		IdempotencyKey: Fingerprint("drinks espresso every morning", MemoryPreference),
		CreatedAt:      NowUnixMilli(), UpdatedAt: NowUnixMilli(),
	}
	if _, err := store.InsertMemory(ctx, mem); err != nil {
		t.Fatal(err)
	}

	r := NewRetriever(&fatalVectorStore{memStore: store}, &fakeEmbedding{}, NewRuleValidator())
	_, err := r.Retrieve(ctx, "u1", "espresso", "")
	if !IsFatal(err) {
		t.Fatalf("got %v, want a fatal error, not silent degradation", err)
	}
}

func TestRetrieveUserIsolation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mine := Memory{
		ID: NewID(), UserID: "u1", Text: "owns a red bicycle", Type: MemoryFact,
		IdempotencyKey: Fingerprint("owns a red bicycle", MemoryFact),
		CreatedAt:      NowUnixMilli(), UpdatedAt: NowUnixMilli(),
	}
	theirs := Memory{
		ID: NewID(), UserID: "u2", Text: "owns a red bicycle", Type: MemoryFact,
		IdempotencyKey: Fingerprint("owns a red bicycle", MemoryFact),
		CreatedAt:      NowUnixMilli(), UpdatedAt: NowUnixMilli(),
	}
	if _, err := store.InsertMemory(ctx, mine); err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertMemory(ctx, theirs); err != nil {
		t.Fatal(err)
	}

	r := NewRetriever(store, &fakeEmbedding{}, NewRuleValidator())
	results, err := r.Retrieve(ctx, "u1", "red bicycle", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, res := range results {
		if res.Memory.UserID != "u1" {
			t.Fatalf("another user's memory leaked: %s", res.Memory.ID)
		}
	}
}
