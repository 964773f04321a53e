// Package config loads the classifier configuration from YAML with
// environment-variable overrides for secrets and endpoints.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Store     StoreConfig     `yaml:"store"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Review    ReviewConfig    `yaml:"review"`
}

// StoreConfig locates the embedded knowledge database.
type StoreConfig struct {
	Path     string `yaml:"path"`      // sqlite file, ":memory:" for tests
	PoolSize int    `yaml:"pool_size"` // worker connections, default 10
}

// LLMConfig configures the chat-completion backend.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // ollama, gemini
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`      // per-call, default 120s
	MaxRetries  int           `yaml:"max_retries"`  // transport errors only
	Temperature float64       `yaml:"temperature"`  // default for agents
	MaxTokens   int           `yaml:"max_tokens"`   // 0 = provider default
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // ollama, genai
	Endpoint   string `yaml:"endpoint"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"`
}

// RetrievalConfig tunes the vector index and hybrid search.
type RetrievalConfig struct {
	TopK             int           `yaml:"top_k"`
	BroadThreshold   float64       `yaml:"broad_threshold"`   // default 0.30
	SimilarThreshold float64       `yaml:"similar_threshold"` // default 0.60
	RebuildInterval  time.Duration `yaml:"rebuild_interval"`  // default 24h
	WatchTrigger     string        `yaml:"watch_trigger"`     // file path; touch to rebuild
}

// PipelineConfig tunes orchestration.
type PipelineConfig struct {
	Workers              int     `yaml:"workers"` // default 10
	MergeSimilarity      float64 `yaml:"merge_similarity"`       // aggregation singleton merge, default 0.78
	GoldenSetMinQuality  float64 `yaml:"golden_set_min_quality"` // short-circuit threshold, default 0.9
	FallbackAttenuation  float64 `yaml:"fallback_attenuation"`   // NCM best-match penalty, default 0.7
	OutputDir            string  `yaml:"output_dir"`
}

// ReviewConfig tunes the human-review loop.
type ReviewConfig struct {
	WrapLetter   string `yaml:"wrap_letter"`   // next-pending wrap target, default "A"
	PendingLimit int    `yaml:"pending_limit"` // list page size
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Path:     "classifica.db",
			PoolSize: 10,
		},
		LLM: LLMConfig{
			Provider:    "ollama",
			BaseURL:     "http://localhost:11434",
			Model:       "llama3.1",
			Timeout:     120 * time.Second,
			MaxRetries:  3,
			Temperature: 0.1,
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			Endpoint:   "http://localhost:11434",
			Model:      "all-minilm",
			Dimensions: 384,
		},
		Retrieval: RetrievalConfig{
			TopK:             5,
			BroadThreshold:   0.30,
			SimilarThreshold: 0.60,
			RebuildInterval:  24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			Workers:             10,
			MergeSimilarity:     0.78,
			GoldenSetMinQuality: 0.9,
			FallbackAttenuation: 0.7,
			OutputDir:           "out",
		},
		Review: ReviewConfig{
			WrapLetter:   "A",
			PendingLimit: 50,
		},
	}
}

// Load reads the YAML file at path, layering it over Default and then
// applying environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

// applyEnv layers environment variables over file values. Secrets are only
// ever read from the environment in deployed setups.
func (c *Config) applyEnv() {
	if v := os.Getenv("CLASSIFICA_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("CLASSIFICA_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("CLASSIFICA_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("CLASSIFICA_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = v
	}
}

// normalize clamps zero values back to defaults so partial YAML files stay
// usable.
func (c *Config) normalize() {
	def := Default()
	if c.Store.PoolSize <= 0 {
		c.Store.PoolSize = def.Store.PoolSize
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = def.LLM.Timeout
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = def.LLM.MaxRetries
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = def.Retrieval.TopK
	}
	if c.Retrieval.BroadThreshold <= 0 {
		c.Retrieval.BroadThreshold = def.Retrieval.BroadThreshold
	}
	if c.Retrieval.SimilarThreshold <= 0 {
		c.Retrieval.SimilarThreshold = def.Retrieval.SimilarThreshold
	}
	if c.Retrieval.RebuildInterval <= 0 {
		c.Retrieval.RebuildInterval = def.Retrieval.RebuildInterval
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = def.Pipeline.Workers
	}
	if c.Pipeline.MergeSimilarity <= 0 {
		c.Pipeline.MergeSimilarity = def.Pipeline.MergeSimilarity
	}
	if c.Pipeline.GoldenSetMinQuality <= 0 {
		c.Pipeline.GoldenSetMinQuality = def.Pipeline.GoldenSetMinQuality
	}
	if c.Pipeline.FallbackAttenuation <= 0 {
		c.Pipeline.FallbackAttenuation = def.Pipeline.FallbackAttenuation
	}
	if c.Review.WrapLetter == "" {
		c.Review.WrapLetter = def.Review.WrapLetter
	}
	if c.Review.PendingLimit <= 0 {
		c.Review.PendingLimit = def.Review.PendingLimit
	}
}
