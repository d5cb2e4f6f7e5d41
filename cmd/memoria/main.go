package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/memoria"
	"github.com/nevindra/memoria/internal/config"
	"github.com/nevindra/memoria/observer"
	"github.com/nevindra/memoria/provider/openaicompat"
	"github.com/nevindra/memoria/store/postgres"
	"github.com/nevindra/memoria/store/sqlite"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 1. Load config
	cfg := config.Load(os.Getenv("MEMORIA_CONFIG"))

	// 2. Create providers
	var provider memoria.Provider = openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	var embedding memoria.EmbeddingProvider = openaicompat.NewEmbedding(
		cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL, cfg.Embedding.Dimensions)

	// 3. Observer (optional)
	orchOpts := []memoria.OrchestratorOption{
		memoria.WithWorkers(cfg.Tasks.Workers),
		memoria.WithQueueCapacity(cfg.Tasks.QueueCapacity),
	}
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
		embedding = observer.WrapEmbedding(embedding, cfg.Embedding.Model, inst)
		orchOpts = append(orchOpts, memoria.WithTaskHook(observer.TaskHook(inst)))
	}

	// 4. Retry middleware
	provider = memoria.WithRetry(provider, memoria.RetryLogger(logger))
	embedding = memoria.WithEmbeddingRetry(embedding, memoria.RetryLogger(logger))

	// 5. Create store
	var store memoria.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("postgres pool: %v", err)
		}
		defer pool.Close()
		store = postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
	} else {
		store = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer store.Close()

	// 6. Create engine
	engine := memoria.New(store, provider, embedding,
		memoria.WithLogger(logger),
		memoria.WithRetrieval(retrieverConfig(cfg)),
		memoria.WithWriting(writerConfig(cfg)),
		memoria.WithSummarizing(summarizerConfig(cfg)),
		memoria.WithInsights(insightConfig(cfg)),
		memoria.WithEngineConfig(engineConfig(cfg)),
		memoria.WithOrchestration(orchOpts...),
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = engine.Close(shutdownCtx)
	}()

	// 7. Chat REPL
	repl(ctx, engine)
}

// The mapping helpers translate the flat config sections into the
// engine's per-component parameter structs, keeping defaults for the
// knobs the file does not expose.

func retrieverConfig(cfg config.Config) memoria.RetrieverConfig {
	return memoria.RetrieverConfig{
		KVec:        cfg.Retrieval.VectorTopK,
		KLex:        cfg.Retrieval.LexicalTopK,
		KRecent:     cfg.Retrieval.RecentTopK,
		KOut:        cfg.Retrieval.OutputTopK,
		WVec:        cfg.Retrieval.VectorWt,
		WLex:        cfg.Retrieval.LexicalWt,
		PinnedFloor: cfg.Retrieval.PinnedFloor,
	}
}

func writerConfig(cfg config.Config) memoria.WriterConfig {
	wc := memoria.DefaultWriterConfig()
	wc.MinConfidence = cfg.Memory.MinConfidence
	return wc
}

func summarizerConfig(cfg config.Config) memoria.SummarizerConfig {
	sc := memoria.DefaultSummarizerConfig()
	sc.TurnThreshold = cfg.Memory.SummaryTurns
	sc.CharThreshold = cfg.Memory.SummaryChars
	sc.MaxChars = cfg.Memory.SummaryMaxChars
	return sc
}

func insightConfig(cfg config.Config) memoria.InsightConfig {
	ic := memoria.DefaultInsightConfig()
	ic.WindowSize = cfg.Memory.InsightWindow
	ic.PerGroup = cfg.Memory.InsightPerGroup
	return ic
}

func engineConfig(cfg config.Config) memoria.EngineConfig {
	ec := memoria.DefaultEngineConfig()
	ec.InsightInterval = time.Duration(cfg.Memory.InsightIntervalH) * time.Hour
	ec.InsightMinNew = cfg.Memory.InsightMinNew
	return ec
}

func repl(ctx context.Context, engine *memoria.Engine) {
	userID := os.Getenv("MEMORIA_USER")
	if userID == "" {
		userID = "local"
	}
	conversationID := memoria.NewID()
	fmt.Printf("memoria chat (user=%s, conversation=%s). Ctrl-D to exit.\n", userID, conversationID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		result, err := engine.AssembleAndAnswer(ctx, userID, conversationID, text)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println(result.AssistantText)
		if len(result.CitedMemoryIDs) > 0 {
			fmt.Printf("(cited memories: %s)\n", strings.Join(result.CitedMemoryIDs, ", "))
		}
	}
}
