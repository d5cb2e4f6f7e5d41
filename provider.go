package memoria

import "context"

// Provider abstracts the LLM completion backend.
type Provider interface {
	// Complete sends a structured prompt and returns the model output.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	// Name returns the provider name (e.g. "openai", "openrouter").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts, order-preserving.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// FallbackProvider tries providers in order, moving to the next only on
// transient failures. Non-transient errors surface immediately.
type FallbackProvider struct {
	providers []Provider
}

// NewFallbackProvider composes a provider chain. Panics if providers is empty.
func NewFallbackProvider(providers ...Provider) *FallbackProvider {
	if len(providers) == 0 {
		panic("memoria: fallback provider needs at least one backend")
	}
	return &FallbackProvider{providers: providers}
}

// Name returns the first (primary) provider's name.
func (f *FallbackProvider) Name() string { return f.providers[0].Name() }

// Complete tries each provider in order until one succeeds or fails
// non-transiently.
func (f *FallbackProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var last error
	for _, p := range f.providers {
		resp, err := p.Complete(ctx, req)
		if err == nil || !IsTransient(err) {
			return resp, err
		}
		last = err
		if ctx.Err() != nil {
			return CompletionResponse{}, ctx.Err()
		}
	}
	return CompletionResponse{}, last
}

var _ Provider = (*FallbackProvider)(nil)
