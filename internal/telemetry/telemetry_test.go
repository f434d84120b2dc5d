package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/reviewrag/internal/config"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "disabled skips checks", mutate: func(c *Config) { c.Endpoint = "" }},
		{name: "enabled default", mutate: func(c *Config) { c.Enabled = true }},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.Enabled = true; c.Endpoint = "" },
			wantErr: "endpoint is required",
		},
		{
			name:    "unknown protocol",
			mutate:  func(c *Config) { c.Enabled = true; c.Protocol = "udp" },
			wantErr: "protocol must be",
		},
		{
			name:    "insecure remote endpoint",
			mutate:  func(c *Config) { c.Enabled = true; c.Endpoint = "collector.example.com:4317" },
			wantErr: "insecure connections",
		},
		{
			name:   "secure remote endpoint",
			mutate: func(c *Config) { c.Enabled = true; c.Insecure = false; c.Endpoint = "collector.example.com:4317" },
		},
		{
			name:    "sample rate out of range",
			mutate:  func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 },
			wantErr: "sample rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("http://127.0.0.1:4318"))
	assert.True(t, isLocalEndpoint("[::1]:4317"))
	assert.False(t, isLocalEndpoint("otel.internal:4317"))
}

func TestConfigFromSettings(t *testing.T) {
	obs := config.Default().Observability
	obs.EnableTelemetry = true
	obs.TraceSampleRate = 0.25

	cfg := ConfigFromSettings(obs, "1.2.3")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "reviewrag", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, 0.25, cfg.SampleRate)
	assert.NoError(t, cfg.Validate())
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	degraded, _ := tel.Degraded()
	assert.False(t, degraded)
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Protocol = "carrier-pigeon"

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTestTelemetry_RecordsSpansAndMetrics(t *testing.T) {
	ctx := context.Background()
	tel := NewTestTelemetry()

	_, span := tel.Tracer("reviewrag/test").Start(ctx, "query.handle")
	span.SetAttributes(attribute.Int("top_k", 5))
	span.End()

	counter, err := tel.Meter("reviewrag/test").Int64Counter("reviewrag.test.count")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	require.NotNil(t, tel.SpanByName("query.handle"))
	tel.AssertSpanAttribute(t, "query.handle", "top_k", int64(5))
	assert.Contains(t, tel.MetricNames(ctx), "reviewrag.test.count")
}
