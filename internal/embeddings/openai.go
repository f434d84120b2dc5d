package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIEmbeddingModel = "text-embedding-3-small"

// OpenAIConfig configures an OpenAI-compatible embeddings client.
type OpenAIConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	Dimension int
	Timeout   time.Duration
}

// OpenAIModel requests vectors truncated to Dimension from an
// OpenAI-compatible API.
type OpenAIModel struct {
	client    openai.Client
	model     string
	dimension int
}

// NewOpenAIModel creates an OpenAI embeddings client.
func NewOpenAIModel(cfg OpenAIConfig) (*OpenAIModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key required for openai embeddings", ErrInvalidConfig)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	model := cfg.Model
	if model == "" || model == "sentence-transformers/all-MiniLM-L6-v2" {
		model = defaultOpenAIEmbeddingModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIModel{
		client:    openai.NewClient(opts...),
		model:     model,
		dimension: cfg.Dimension,
	}, nil
}

// Embed returns the vector for text.
func (m *OpenAIModel) Embed(ctx context.Context, text string) ([]float32, error) {
	return firstVector(m.EmbedBatch(ctx, []string{text}))
}

// EmbedBatch sends texts in a single request.
func (m *OpenAIModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkInputs(texts); err != nil {
		return nil, err
	}

	resp, err := m.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          m.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions:     openai.Int(int64(m.dimension)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= int64(len(texts)) {
			return nil, fmt.Errorf("%w: unexpected embedding index %d", ErrEmbeddingFailed, item.Index)
		}
		v := make([]float32, len(item.Embedding))
		for i, x := range item.Embedding {
			v[i] = float32(x)
		}
		vectors[item.Index] = v
	}
	if err := checkBatch(vectors, len(texts), m.dimension); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Dimension returns the requested vector size.
func (m *OpenAIModel) Dimension() int {
	return m.dimension
}

// Close is a no-op.
func (m *OpenAIModel) Close() error {
	return nil
}
