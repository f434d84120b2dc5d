package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TEIConfig configures a text-embeddings-inference client.
type TEIConfig struct {
	// BaseURL is the TEI server, e.g. http://localhost:8080.
	BaseURL string
	// Model is informational; TEI serves a single model.
	Model string
	// APIKey is sent as a bearer token when set.
	APIKey    string
	Dimension int
	Timeout   time.Duration
}

// Validate validates the configuration.
func (c TEIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// TEIModel calls the /embed endpoint of a TEI server.
type TEIModel struct {
	config TEIConfig
	client *http.Client
}

// NewTEIModel creates a TEI client.
func NewTEIModel(cfg TEIConfig) (*TEIModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TEIModel{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// Embed returns the vector for text.
func (m *TEIModel) Embed(ctx context.Context, text string) ([]float32, error) {
	return firstVector(m.EmbedBatch(ctx, []string{text}))
}

// EmbedBatch sends texts in a single request.
func (m *TEIModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkInputs(texts); err != nil {
		return nil, err
	}

	body, err := json.Marshal(teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.config.APIKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbeddingFailed, err)
	}
	if err := checkBatch(vectors, len(texts), m.config.Dimension); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Dimension returns the configured vector size.
func (m *TEIModel) Dimension() int {
	return m.config.Dimension
}

// Close is a no-op since TEI is reached over HTTP.
func (m *TEIModel) Close() error {
	return nil
}
