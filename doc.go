// Package memoria is a persistent per-user semantic memory engine for
// LLM-driven chat applications.
//
// Given a stream of user turns it extracts durable facts ("memories"),
// stores them with vector and lexical indexes, and on each new turn
// assembles a bounded context of the most relevant prior memories plus a
// rolling conversation summary for injection into an LLM prompt.
//
// # Quick Start
//
//	provider := openaicompat.NewProvider(apiKey, "gpt-4o-mini", "https://api.openai.com/v1")
//	embedding := openaicompat.NewEmbedding(apiKey, "text-embedding-3-small", "https://api.openai.com/v1", 1536)
//	store := sqlite.New("memoria.db")
//
//	engine := memoria.New(store, provider, embedding)
//	defer engine.Close(context.Background())
//
//	result, err := engine.AssembleAndAnswer(ctx, "u1", "c1", "I work as a data scientist in Berlin")
//
// AssembleAndAnswer is the foreground path: it validates the turn,
// retrieves relevant memories, produces the assistant answer, and
// schedules extraction and summarization as background tasks.
//
// # Core Interfaces
//
// The root package defines the contracts all components implement:
//
//   - [Provider] — LLM completion backend
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [Store] — durable per-user record keeper with vector-kNN, lexical
//     rank, and ordered scans
//   - [Validator] — prompt-injection screening at every boundary where
//     untrusted text enters a prompt
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI, OpenRouter, and any
// OpenAI-compatible API).
// Storage: store/sqlite (embedded, FTS5 + in-process vector search),
// store/postgres (pgvector + tsvector).
// Observability: observer (OpenTelemetry traces, metrics, logs).
package memoria
