package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Database  DatabaseConfig  `toml:"database"`
	Retrieval RetrievalConfig `toml:"retrieval"`
	Memory    MemoryConfig    `toml:"memory"`
	Tasks     TasksConfig     `toml:"tasks"`
	Observer  ObserverConfig  `toml:"observer"`
}

type LLMConfig struct {
	Model   string `toml:"model"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

type EmbeddingConfig struct {
	Model      string `toml:"model"`
	BaseURL    string `toml:"base_url"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

type DatabaseConfig struct {
	// Path is the SQLite file used when URL is empty.
	Path string `toml:"path"`
	// URL is a PostgreSQL connection string; when set it takes
	// precedence over Path.
	URL string `toml:"url"`
}

type RetrievalConfig struct {
	VectorTopK  int     `toml:"vector_top_k"`
	LexicalTopK int     `toml:"lexical_top_k"`
	RecentTopK  int     `toml:"recent_top_k"`
	OutputTopK  int     `toml:"output_top_k"`
	VectorWt    float64 `toml:"vector_weight"`
	LexicalWt   float64 `toml:"lexical_weight"`
	PinnedFloor float64 `toml:"pinned_floor"`
}

type MemoryConfig struct {
	MinConfidence    float64 `toml:"min_confidence"`
	SummaryTurns     int     `toml:"summary_turns"`
	SummaryChars     int     `toml:"summary_chars"`
	SummaryMaxChars  int     `toml:"summary_max_chars"`
	InsightWindow    int     `toml:"insight_window"`
	InsightPerGroup  int     `toml:"insight_per_group"`
	InsightIntervalH int     `toml:"insight_interval_hours"`
	InsightMinNew    int     `toml:"insight_min_new"`
}

type TasksConfig struct {
	Workers       int `toml:"workers"`
	QueueCapacity int `toml:"queue_capacity"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:       LLMConfig{Model: "gpt-4o-mini", BaseURL: "https://api.openai.com/v1"},
		Embedding: EmbeddingConfig{Model: "text-embedding-3-small", BaseURL: "https://api.openai.com/v1", Dimensions: 1536},
		Database:  DatabaseConfig{Path: "memoria.db"},
		Retrieval: RetrievalConfig{
			VectorTopK:  40,
			LexicalTopK: 40,
			RecentTopK:  10,
			OutputTopK:  20,
			VectorWt:    0.6,
			LexicalWt:   0.4,
			PinnedFloor: 0.5,
		},
		Memory: MemoryConfig{
			MinConfidence:    0.6,
			SummaryTurns:     8,
			SummaryChars:     4000,
			SummaryMaxChars:  2000,
			InsightWindow:    100,
			InsightPerGroup:  3,
			InsightIntervalH: 24,
			InsightMinNew:    50,
		},
		Tasks: TasksConfig{Workers: 4, QueueCapacity: 256},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "memoria.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("MEMORIA_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("MEMORIA_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MEMORIA_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("MEMORIA_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("MEMORIA_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("MEMORIA_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if os.Getenv("MEMORIA_OBSERVER_ENABLED") == "true" || os.Getenv("MEMORIA_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = cfg.LLM.BaseURL
	}

	return cfg
}
