package http

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/query"
	"github.com/fyrsmithlabs/reviewrag/internal/rag"
	"github.com/fyrsmithlabs/reviewrag/internal/retrieval"
	"github.com/fyrsmithlabs/reviewrag/internal/store"
	"github.com/fyrsmithlabs/reviewrag/internal/store/sqlite"
)

type fixedEmbedder []float32

func (f fixedEmbedder) Embed(context.Context, string) ([]float32, error) { return f, nil }

type echoSynthesizer struct{}

func (echoSynthesizer) Synthesize(_ context.Context, contexts []string, _ string, _ float64) (string, error) {
	return "from " + contexts[0], nil
}

// setupSQLiteServer serves queries over an indexed SQLite store holding
// three reviews.
func setupSQLiteServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(ctx, sqlite.Config{
		Path:      filepath.Join(t.TempDir(), "reviews.db"),
		Dimension: 2,
	}, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.ReplaceCleaned(ctx, []rag.CleanedRecord{
		{ID: "r1", Text: "battery lasts two days"},
		{ID: "r2", Text: "screen is dim"},
		{ID: "r3", Text: "battery drains fast"},
	}))
	w, err := s.NewGeneration(ctx)
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(ctx, []store.Entry{
		{ID: "r1", Vector: []float32{1, 0}},
		{ID: "r2", Vector: []float32{0, 1}},
		{ID: "r3", Vector: []float32{0.5, 0.5}},
	}))
	require.NoError(t, w.Activate(ctx))

	svc := query.NewService(fixedEmbedder{1, 0}, retrieval.New(s), echoSynthesizer{}, logging.NewNop())
	server, err := NewServer(svc, s, logging.NewNop(), nil)
	require.NoError(t, err)
	return server
}

func TestHandleQuery_HugeTopKReturnsEveryRecord(t *testing.T) {
	server := setupSQLiteServer(t)

	for _, topK := range []string{"1000000000000000", "9223372036854775807"} {
		rec := postQuery(t, server, "/api/v1/query", `{"query_text":"battery?","top_k":`+topK+`}`)
		require.Equal(t, http.StatusOK, rec.Code, "top_k %s: %s", topK, rec.Body.String())

		var matches []MatchResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &matches))
		require.Len(t, matches, 3)
		assert.Equal(t, []string{"r1", "r3", "r2"}, []string{matches[0].ReviewID, matches[1].ReviewID, matches[2].ReviewID})
		require.NotNil(t, matches[0].GeneratedResponse)
		assert.Equal(t, "from battery lasts two days", *matches[0].GeneratedResponse)
	}
}
