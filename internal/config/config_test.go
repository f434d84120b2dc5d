package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "pgvector" }, "unknown store backend"},
		{"zero dimension", func(c *Config) { c.Store.Dimension = -1 }, "dimension must be positive"},
		{"tei without url", func(c *Config) { c.Embeddings.Provider = "tei" }, "base_url is required"},
		{"openai without key", func(c *Config) { c.Embeddings.Provider = "openai" }, "api_key is required"},
		{"unknown provider", func(c *Config) { c.Embeddings.Provider = "word2vec" }, "unknown embeddings provider"},
		{"negative batch", func(c *Config) { c.Indexer.BatchSize = -5 }, "batch_size must be positive"},
		{"sample rate", func(c *Config) { c.Observability.TraceSampleRate = 1.5 }, "sample rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestSecret_Redacts(t *testing.T) {
	s := Secret("sk-live-123")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "sk-live")
	assert.Equal(t, "sk-live-123", s.Value())

	out, err := json.Marshal(struct{ Key Secret }{s})
	assert.NoError(t, err)
	assert.NotContains(t, string(out), "sk-live")

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	assert.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, "1m30s", d.Duration().String())
	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
