package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/nevindra/memoria"
)

// Embedding implements memoria.EmbeddingProvider over the embeddings API.
type Embedding struct {
	provider *Provider
	dims     int
}

// NewEmbedding creates an OpenAI-compatible embedding provider.
// dims is the output dimension of the chosen model (e.g. 1536 for
// text-embedding-3-small).
func NewEmbedding(apiKey, model, baseURL string, dims int, opts ...ProviderOption) *Embedding {
	return &Embedding{
		provider: NewProvider(apiKey, model, baseURL, opts...),
		dims:     dims,
	}
}

// Name returns the provider name.
func (e *Embedding) Name() string { return e.provider.name }

// Dimensions returns the embedding dimension.
func (e *Embedding) Dimensions() int { return e.dims }

// embedBody is the embeddings request body.
type embedBody struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the subset of the embeddings response we read.
type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed embeds texts in one batch request. The returned vectors are in
// input order regardless of the order the API reports them in.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.provider.sendHTTP(ctx, "/embeddings", embedBody{Model: e.provider.model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, e.provider.httpErr(resp)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, &memoria.ErrLLM{Provider: e.provider.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(er.Data) != len(texts) {
		return nil, &memoria.ErrLLM{Provider: e.provider.name, Message: fmt.Sprintf("embedding count mismatch: want %d, got %d", len(texts), len(er.Data))}
	}

	sort.Slice(er.Data, func(i, j int) bool { return er.Data[i].Index < er.Data[j].Index })
	out := make([][]float32, len(er.Data))
	for i, d := range er.Data {
		if e.dims > 0 && len(d.Embedding) != e.dims {
			return nil, &memoria.ErrFatal{Reason: fmt.Sprintf(
				"%s: embedding dimension mismatch: configured %d, got %d", e.provider.name, e.dims, len(d.Embedding))}
		}
		out[i] = d.Embedding
	}
	return out, nil
}

// Compile-time interface check.
var _ memoria.EmbeddingProvider = (*Embedding)(nil)
