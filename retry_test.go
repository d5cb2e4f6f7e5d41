package memoria

import (
	"context"
	"testing"
	"time"
)

// stubProvider returns pre-configured results in order.
type stubProvider struct {
	calls   int
	results []stubResult
}

type stubResult struct {
	resp CompletionResponse
	err  error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Complete(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i].resp, s.results[i].err
	}
	return CompletionResponse{}, nil
}

var _ Provider = (*stubProvider)(nil)

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: CompletionResponse{Text: "hello"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	resp, err := p.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "hello" {
		t.Errorf("got %q, want %q", resp.Text, "hello")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_RetriesOn429(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 429, Body: "rate limited"}},
		{resp: CompletionResponse{Text: "ok"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	resp, err := p.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("got %q, want %q", resp.Text, "ok")
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_DoesNotRetryNonTransient(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 401, Body: "bad key"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.Complete(context.Background(), CompletionRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1 (no retry for 401)", stub.calls)
	}
}

func TestWithRetry_ExhaustsMaxAttempts(t *testing.T) {
	transient := stubResult{err: &ErrHTTP{Status: 503, Body: "unavailable"}}
	stub := &stubProvider{results: []stubResult{transient, transient, transient, transient}}
	p := WithRetry(stub, RetryBaseDelay(0), RetryMaxAttempts(3))

	_, err := p.Complete(context.Background(), CompletionRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if stub.calls != 3 {
		t.Errorf("got %d calls, want 3", stub.calls)
	}
}

func TestWithRetry_RespectsRetryAfter(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 429, Body: "rate limited", RetryAfter: 100 * time.Millisecond}},
		{resp: CompletionResponse{Text: "ok"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(time.Millisecond))

	start := time.Now()
	_, err := p.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("retried after %v, want at least the Retry-After of 100ms", elapsed)
	}
}

func TestWithRetry_ContextCancelDuringBackoff(t *testing.T) {
	transient := stubResult{err: &ErrHTTP{Status: 503, Body: "unavailable"}}
	stub := &stubProvider{results: []stubResult{transient, transient}}
	p := WithRetry(stub, RetryBaseDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Complete(ctx, CompletionRequest{})
	if err != context.DeadlineExceeded {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithEmbeddingRetry_RetriesOn503(t *testing.T) {
	embed := &fakeEmbedding{err: errBoom}
	p := WithEmbeddingRetry(embed, RetryBaseDelay(0), RetryMaxAttempts(2))

	if _, err := p.Embed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected error, got nil")
	}
	if embed.calls != 2 {
		t.Errorf("got %d calls, want 2", embed.calls)
	}
	if p.Dimensions() != embed.Dimensions() {
		t.Error("dimensions not delegated")
	}
}

func TestWithRateLimit_AllowsUnderBudget(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: CompletionResponse{Text: "a"}},
		{resp: CompletionResponse{Text: "b"}},
	}}
	p := WithRateLimit(stub, RPM(10))

	for i := 0; i < 2; i++ {
		if _, err := p.Complete(context.Background(), CompletionRequest{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRateLimit_BlocksOverBudget(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: CompletionResponse{Text: "a"}},
	}}
	p := WithRateLimit(stub, RPM(1))

	if _, err := p.Complete(context.Background(), CompletionRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Complete(ctx, CompletionRequest{})
	if err != context.DeadlineExceeded {
		t.Errorf("err = %v, want deadline exceeded while budget is spent", err)
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1 (second blocked)", stub.calls)
	}
}
