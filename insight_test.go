package memoria

import (
	"context"
	"fmt"
	"testing"
)

func seedMemories(t *testing.T, store *memStore, userID string, typ MemoryType, confidence float64, texts ...string) []Memory {
	t.Helper()
	now := NowUnixMilli()
	var out []Memory
	for i, text := range texts {
		mem := Memory{
			ID: NewID(), UserID: userID, Text: text, Type: typ,
			Confidence: confidence, Importance: defaultImportance[typ],
			IdempotencyKey: Fingerprint(text, typ),
			CreatedAt:      now + int64(i), UpdatedAt: now + int64(i),
		}
		if _, err := store.InsertMemory(context.Background(), mem); err != nil {
			t.Fatal(err)
		}
		out = append(out, mem)
	}
	return out
}

func TestMineInsights(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mems := seedMemories(t, store, "u1", MemoryPreference, 0.9,
		"Prefers email over phone calls",
		"Likes async communication",
	)

	provider := &fakeProvider{responses: []string{fmt.Sprintf(
		`[{"content": "Consistently prefers asynchronous communication", "supporting": ["%s", "%s"]}]`,
		mems[0].ID, mems[1].ID)}}
	m := NewInsightMiner(store, provider, NewRuleValidator())

	insights, err := m.Mine(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(insights) != 1 {
		t.Fatalf("got %d insights, want 1", len(insights))
	}
	if len(insights[0].Supporting) != 2 {
		t.Errorf("supporting = %v, want both ids", insights[0].Supporting)
	}

	listed, err := store.ListInsights(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 {
		t.Errorf("persisted %d insights, want 1", len(listed))
	}
}

func TestMineDropsUnverifiableSupports(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mems := seedMemories(t, store, "u1", MemoryFact, 0.9,
		"Works remotely",
		"Travels monthly",
	)

	provider := &fakeProvider{responses: []string{fmt.Sprintf(
		`[{"content": "Partially grounded", "supporting": ["%s", "fabricated-id"]},
		  {"content": "Fully fabricated", "supporting": ["ghost-1", "ghost-2"]}]`,
		mems[0].ID)}}
	m := NewInsightMiner(store, provider, NewRuleValidator())

	insights, err := m.Mine(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(insights) != 1 {
		t.Fatalf("got %d insights, want 1 (fabricated one dropped)", len(insights))
	}
	if len(insights[0].Supporting) != 1 || insights[0].Supporting[0] != mems[0].ID {
		t.Errorf("supporting = %v, want only the real id", insights[0].Supporting)
	}
}

func TestMineSkipsSmallAndLowConfidenceGroups(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	// Single preference: group too small. Two low-confidence facts: filtered out.
	seedMemories(t, store, "u1", MemoryPreference, 0.9, "Only one preference")
	seedMemories(t, store, "u1", MemoryFact, 0.4, "Weak fact one", "Weak fact two")

	provider := &fakeProvider{}
	m := NewInsightMiner(store, provider, NewRuleValidator())

	insights, err := m.Mine(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(insights) != 0 {
		t.Errorf("got %d insights, want none", len(insights))
	}
	if provider.callCount() != 0 {
		t.Errorf("provider called %d times, want 0", provider.callCount())
	}
}

func TestMineGroupFailureIsIndependent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedMemories(t, store, "u1", MemoryPreference, 0.9, "Likes tea", "Likes green tea")
	seedMemories(t, store, "u1", MemoryFact, 0.9, "Lives in Kyoto", "Commutes by train")

	// One group's completion errors, the other returns nothing; Mine
	// must not fail outright.
	provider := &fakeProvider{err: errBoom}
	m := NewInsightMiner(store, provider, NewRuleValidator())

	insights, err := m.Mine(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(insights) != 0 {
		t.Errorf("got %d insights, want none", len(insights))
	}
}
