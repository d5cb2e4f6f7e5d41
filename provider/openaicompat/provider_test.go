package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nevindra/memoria"
)

func TestComplete(t *testing.T) {
	var got chatBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "Hello back."}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 4},
		})
	}))
	defer srv.Close()

	p := NewProvider("sk-test", "gpt-4o-mini", srv.URL)
	resp, err := p.Complete(context.Background(), memoria.CompletionRequest{
		System:      "be brief",
		User:        "hello",
		MaxTokens:   64,
		Temperature: 0.4,
		Shape:       memoria.ShapeText,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "Hello back." {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if got.Model != "gpt-4o-mini" || got.MaxTokens != 64 {
		t.Errorf("request body = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "hello" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.ResponseFormat != nil {
		t.Error("text shape must not set response_format")
	}
}

func TestCompleteJSONShape(t *testing.T) {
	var got chatBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "[]"}}},
		})
	}))
	defer srv.Close()

	p := NewProvider("sk-test", "gpt-4o-mini", srv.URL)
	if _, err := p.Complete(context.Background(), memoria.CompletionRequest{User: "x", Shape: memoria.ShapeJSON}); err != nil {
		t.Fatal(err)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", got.ResponseFormat)
	}
}

func TestCompleteRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	p := NewProvider("sk-test", "gpt-4o-mini", srv.URL)
	_, err := p.Complete(context.Background(), memoria.CompletionRequest{User: "x"})
	var httpErr *memoria.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *ErrHTTP", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", httpErr.Status)
	}
	if httpErr.RetryAfter != 7*time.Second {
		t.Errorf("retry-after = %v, want 7s", httpErr.RetryAfter)
	}
	if !memoria.IsTransient(err) {
		t.Error("429 must be transient")
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	p := NewProvider("sk-test", "gpt-4o-mini", srv.URL)
	_, err := p.Complete(context.Background(), memoria.CompletionRequest{User: "x"})
	var llmErr *memoria.ErrLLM
	if !errors.As(err, &llmErr) {
		t.Fatalf("err = %v, want *ErrLLM", err)
	}
}

func TestEmbedOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body embedBody
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Input) != 2 {
			t.Errorf("input = %v", body.Input)
		}
		// Deliberately out of order.
		w.Write([]byte(`{"data": [
			{"index": 1, "embedding": [0, 1]},
			{"index": 0, "embedding": [1, 0]}
		]}`))
	}))
	defer srv.Close()

	e := NewEmbedding("sk-test", "text-embedding-3-small", srv.URL, 2)
	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors not in input order: %v", vecs)
	}
	if e.Dimensions() != 2 {
		t.Errorf("dimensions = %d", e.Dimensions())
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [{"index": 0, "embedding": [1]}]}`))
	}))
	defer srv.Close()

	e := NewEmbedding("sk-test", "text-embedding-3-small", srv.URL, 1)
	_, err := e.Embed(context.Background(), []string{"a", "b"})
	var llmErr *memoria.ErrLLM
	if !errors.As(err, &llmErr) {
		t.Fatalf("err = %v, want *ErrLLM", err)
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": [{"index": 0, "embedding": [1, 0, 0]}]}`))
	}))
	defer srv.Close()

	e := NewEmbedding("sk-test", "text-embedding-3-small", srv.URL, 4)
	_, err := e.Embed(context.Background(), []string{"a"})
	if !memoria.IsFatal(err) {
		t.Fatalf("err = %v, want fatal on dimension mismatch", err)
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	e := NewEmbedding("sk-test", "text-embedding-3-small", "http://unused", 1)
	vecs, err := e.Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("got %v, %v; want nil, nil without a network call", vecs, err)
	}
}
