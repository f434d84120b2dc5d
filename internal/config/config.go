// Package config provides configuration for the reviewrag daemon and CLI.
//
// Values come from an optional YAML file overridden by REVIEWRAG_* environment
// variables. See Load for the precedence rules.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete reviewrag configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Store         StoreConfig         `koanf:"store"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Generation    GenerationConfig    `koanf:"generation"`
	Indexer       IndexerConfig       `koanf:"indexer"`
	Events        EventsConfig        `koanf:"events"`
	Cache         CacheConfig         `koanf:"cache"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// RateLimit is the sustained query rate in requests per second. Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// StoreConfig selects and configures the similarity store backend.
type StoreConfig struct {
	Backend      string `koanf:"backend"` // sqlite, qdrant or chromem
	SQLitePath   string `koanf:"sqlite_path"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	Dimension    int    `koanf:"dimension"`

	QdrantHost       string `koanf:"qdrant_host"`
	QdrantPort       int    `koanf:"qdrant_port"`
	QdrantAPIKey     Secret `koanf:"qdrant_api_key"`
	QdrantUseTLS     bool   `koanf:"qdrant_use_tls"`
	QdrantCollection string `koanf:"qdrant_collection"`

	// ChromemPath persists the chromem database. Empty keeps it in memory.
	ChromemPath string `koanf:"chromem_path"`
}

// EmbeddingsConfig configures the embedding model.
type EmbeddingsConfig struct {
	Provider string   `koanf:"provider"` // fastembed, tei or openai
	Model    string   `koanf:"model"`
	BaseURL  string   `koanf:"base_url"`
	APIKey   Secret   `koanf:"api_key"`
	CacheDir string   `koanf:"cache_dir"`
	Timeout  Duration `koanf:"timeout"`
}

// GenerationConfig configures the answer-generation capability.
type GenerationConfig struct {
	Model     string   `koanf:"model"`
	BaseURL   string   `koanf:"base_url"`
	APIKey    Secret   `koanf:"api_key"`
	MaxTokens int      `koanf:"max_tokens"`
	Timeout   Duration `koanf:"timeout"`
	RateLimit float64  `koanf:"rate_limit"`
	RateBurst int      `koanf:"rate_burst"`
}

// IndexerConfig configures the offline indexing job.
type IndexerConfig struct {
	BatchSize int `koanf:"batch_size"`
}

// EventsConfig configures NATS publication of indexing run events.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// CacheConfig configures the query embedding cache.
type CacheConfig struct {
	Enabled bool     `koanf:"enabled"`
	Path    string   `koanf:"path"` // empty runs badger in memory
	TTL     Duration `koanf:"ttl"`
}

// ObservabilityConfig holds logging and OpenTelemetry settings.
type ObservabilityConfig struct {
	ServiceName     string  `koanf:"service_name"`
	LogLevel        string  `koanf:"log_level"`
	LogFormat       string  `koanf:"log_format"`
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	OTLPEndpoint    string  `koanf:"otlp_endpoint"`
	OTLPProtocol    string  `koanf:"otlp_protocol"`
	OTLPInsecure    bool    `koanf:"otlp_insecure"`
	TraceSampleRate float64 `koanf:"trace_sample_rate"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = int(cfg.Server.RateLimit) + 1
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "sqlite"
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "reviewrag.db"
	}
	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = 8
	}
	if cfg.Store.Dimension == 0 {
		cfg.Store.Dimension = 384 // all-MiniLM-L6-v2
	}
	if cfg.Store.QdrantHost == "" {
		cfg.Store.QdrantHost = "localhost"
	}
	if cfg.Store.QdrantPort == 0 {
		cfg.Store.QdrantPort = 6334
	}
	if cfg.Store.QdrantCollection == "" {
		cfg.Store.QdrantCollection = "review_embeddings"
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "sentence-transformers/all-MiniLM-L6-v2"
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(30 * time.Second)
	}

	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "gpt-4o-mini"
	}
	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = 150
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = Duration(30 * time.Second)
	}
	if cfg.Generation.RateLimit == 0 {
		cfg.Generation.RateLimit = 5
	}
	if cfg.Generation.RateBurst == 0 {
		cfg.Generation.RateBurst = 10
	}

	if cfg.Indexer.BatchSize == 0 {
		cfg.Indexer.BatchSize = 100
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://localhost:4222"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "reviewrag.index"
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = Duration(24 * time.Hour)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "reviewrag"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}
	if cfg.Observability.TraceSampleRate == 0 {
		cfg.Observability.TraceSampleRate = 1.0
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server rate limit cannot be negative")
	}

	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite backend")
		}
	case "qdrant":
		if c.Store.QdrantPort < 1 || c.Store.QdrantPort > 65535 {
			return fmt.Errorf("invalid qdrant port: %d", c.Store.QdrantPort)
		}
	case "chromem":
	default:
		return fmt.Errorf("unknown store backend %q (want sqlite, qdrant or chromem)", c.Store.Backend)
	}
	if c.Store.Dimension <= 0 {
		return fmt.Errorf("store dimension must be positive, got %d", c.Store.Dimension)
	}
	if c.Store.MaxOpenConns <= 0 {
		return fmt.Errorf("store max_open_conns must be positive, got %d", c.Store.MaxOpenConns)
	}

	switch c.Embeddings.Provider {
	case "fastembed":
	case "tei":
		if c.Embeddings.BaseURL == "" {
			return errors.New("embeddings.base_url is required for the tei provider")
		}
	case "openai":
		if !c.Embeddings.APIKey.IsSet() {
			return errors.New("embeddings.api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown embeddings provider %q (want fastembed, tei or openai)", c.Embeddings.Provider)
	}

	if c.Generation.MaxTokens <= 0 {
		return fmt.Errorf("generation max_tokens must be positive, got %d", c.Generation.MaxTokens)
	}
	if c.Generation.Timeout <= 0 {
		return errors.New("generation timeout must be positive")
	}

	if c.Indexer.BatchSize <= 0 {
		return fmt.Errorf("indexer batch_size must be positive, got %d", c.Indexer.BatchSize)
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Observability.TraceSampleRate < 0 || c.Observability.TraceSampleRate > 1 {
		return fmt.Errorf("trace sample rate must be within [0, 1], got %v", c.Observability.TraceSampleRate)
	}

	return nil
}
