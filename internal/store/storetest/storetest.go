// Package storetest holds behaviour tests shared by every store.Index
// backend.
package storetest

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reviewrag/internal/rag"
	"github.com/fyrsmithlabs/reviewrag/internal/store"
)

// Dim is the vector size used by the suite.
const Dim = 4

// Factory returns a fresh, empty index of dimension Dim whose record text
// source already contains records.
type Factory func(t *testing.T, records []rag.CleanedRecord) store.Index

var reviews = []rag.CleanedRecord{
	{ID: "r1", Text: "great battery life"},
	{ID: "r2", Text: "battery lasts a day"},
	{ID: "r3", Text: "screen cracked"},
}

var vectors = map[string][]float32{
	"r1": {1, 0, 0, 0},
	"r2": {0.8, 0.6, 0, 0},
	"r3": {0, 0, 1, 0},
}

func entries(records []rag.CleanedRecord) []store.Entry {
	out := make([]store.Entry, len(records))
	for i, r := range records {
		out[i] = store.Entry{ID: r.ID, Text: r.Text, Vector: vectors[r.ID]}
	}
	return out
}

func activate(t *testing.T, idx store.Index, es []store.Entry) string {
	t.Helper()
	ctx := context.Background()
	w, err := idx.NewGeneration(ctx)
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(ctx, es))
	require.NoError(t, w.Activate(ctx))
	return w.Generation()
}

func hitIDs(hits []store.Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

// Run executes the suite against newIndex.
func Run(t *testing.T, newIndex Factory) {
	t.Run("empty index returns no hits", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t, reviews)

		gen, err := idx.ActiveGeneration(ctx)
		require.NoError(t, err)
		assert.Empty(t, gen)

		hits, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 5)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("nearest first with text and distance", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t, reviews)
		gen := activate(t, idx, entries(reviews))

		active, err := idx.ActiveGeneration(ctx)
		require.NoError(t, err)
		assert.Equal(t, gen, active)

		hits, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, []string{"r1", "r2"}, hitIDs(hits))
		assert.Equal(t, "great battery life", hits[0].Text)
		assert.InDelta(t, -1.0, hits[0].Distance, 1e-5)
		assert.InDelta(t, -0.8, hits[1].Distance, 1e-5)
	})

	t.Run("fewer records than k returns all", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t, reviews)
		activate(t, idx, entries(reviews))

		hits, err := idx.Search(ctx, []float32{0, 0, 1, 0}, 10)
		require.NoError(t, err)
		assert.Len(t, hits, 3)
		assert.Equal(t, "r3", hits[0].ID)
		for i := 1; i < len(hits); i++ {
			assert.LessOrEqual(t, hits[i-1].Distance, hits[i].Distance)
		}
	})

	t.Run("k far larger than the store returns all records", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t, reviews)
		activate(t, idx, entries(reviews))

		for _, k := range []int{1 << 20, 1 << 50, math.MaxInt - 1, math.MaxInt} {
			hits, err := idx.Search(ctx, []float32{1, 0, 0, 0}, k)
			require.NoError(t, err, "k=%d", k)
			assert.Equal(t, []string{"r1", "r2", "r3"}, hitIDs(hits), "k=%d", k)
		}
	})

	t.Run("ties break by id", func(t *testing.T) {
		ctx := context.Background()
		records := []rag.CleanedRecord{
			{ID: "b", Text: "same"},
			{ID: "a", Text: "same"},
			{ID: "c", Text: "other"},
		}
		idx := newIndex(t, records)
		activate(t, idx, []store.Entry{
			{ID: "b", Text: "same", Vector: []float32{0, 1, 0, 0}},
			{ID: "a", Text: "same", Vector: []float32{0, 1, 0, 0}},
			{ID: "c", Text: "other", Vector: []float32{1, 0, 0, 0}},
		})

		hits, err := idx.Search(ctx, []float32{0, 1, 0, 0}, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, hitIDs(hits))
	})

	t.Run("malformed query vectors are rejected", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t, reviews)
		activate(t, idx, entries(reviews))

		bad := [][]float32{
			{1, 0, 0},
			{1, 0, 0, 0, 0},
			{float32(math.NaN()), 0, 0, 0},
			{float32(math.Inf(1)), 0, 0, 0},
			nil,
		}
		for _, v := range bad {
			_, err := idx.Search(ctx, v, 3)
			require.Error(t, err)
			assert.True(t, errors.Is(err, rag.ErrMalformedVector), "vector %v: %v", v, err)
		}

		hits, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 3)
		require.NoError(t, err)
		assert.Len(t, hits, 3)
	})

	t.Run("malformed entries are rejected", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t, reviews)
		w, err := idx.NewGeneration(ctx)
		require.NoError(t, err)

		err = w.WriteBatch(ctx, []store.Entry{{ID: "r1", Text: "x", Vector: []float32{1}}})
		assert.ErrorIs(t, err, rag.ErrMalformedVector)
	})

	t.Run("rewriting an id replaces it", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t, reviews)
		w, err := idx.NewGeneration(ctx)
		require.NoError(t, err)
		require.NoError(t, w.WriteBatch(ctx, entries(reviews)))
		require.NoError(t, w.WriteBatch(ctx, entries(reviews)))
		require.NoError(t, w.WriteBatch(ctx, []store.Entry{
			{ID: "r3", Text: "screen cracked", Vector: []float32{1, 0, 0, 0}},
		}))
		require.NoError(t, w.Activate(ctx))

		hits, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 10)
		require.NoError(t, err)
		assert.Len(t, hits, 3)
		assert.Equal(t, []string{"r1", "r3", "r2"}, hitIDs(hits))
	})

	t.Run("inactive generation is invisible until activated", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t, reviews)
		first := activate(t, idx, entries(reviews[:1]))

		w, err := idx.NewGeneration(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, first, w.Generation())
		require.NoError(t, w.WriteBatch(ctx, entries(reviews)))

		hits, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"r1"}, hitIDs(hits))

		require.NoError(t, w.Activate(ctx))

		hits, err = idx.Search(ctx, []float32{1, 0, 0, 0}, 10)
		require.NoError(t, err)
		assert.Len(t, hits, 3)

		active, err := idx.ActiveGeneration(ctx)
		require.NoError(t, err)
		assert.Equal(t, w.Generation(), active)
	})

	t.Run("resume continues an inactive generation", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t, reviews)
		w, err := idx.NewGeneration(ctx)
		require.NoError(t, err)
		require.NoError(t, w.WriteBatch(ctx, entries(reviews[:2])))

		resumed, err := idx.ResumeGeneration(ctx, w.Generation())
		require.NoError(t, err)
		assert.Equal(t, w.Generation(), resumed.Generation())
		require.NoError(t, resumed.WriteBatch(ctx, entries(reviews[2:])))
		require.NoError(t, resumed.Activate(ctx))

		hits, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 10)
		require.NoError(t, err)
		assert.Len(t, hits, 3)
	})

	t.Run("count reports committed entries", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t, reviews)
		w, err := idx.NewGeneration(ctx)
		require.NoError(t, err)

		n, err := w.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		require.NoError(t, w.WriteBatch(ctx, entries(reviews[:2])))
		require.NoError(t, w.WriteBatch(ctx, entries(reviews[:2])))
		n, err = w.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		resumed, err := idx.ResumeGeneration(ctx, w.Generation())
		require.NoError(t, err)
		n, err = resumed.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("resume rejects unknown and active generations", func(t *testing.T) {
		ctx := context.Background()
		idx := newIndex(t, reviews)

		_, err := idx.ResumeGeneration(ctx, "g20000101000000_deadbeef")
		assert.ErrorIs(t, err, store.ErrGenerationNotFound)

		_, err = idx.ResumeGeneration(ctx, "g1'; DROP TABLE record_embeddings; --")
		assert.ErrorIs(t, err, store.ErrGenerationNotFound)

		gen := activate(t, idx, entries(reviews))
		_, err = idx.ResumeGeneration(ctx, gen)
		assert.ErrorIs(t, err, store.ErrGenerationNotFound)
	})

	t.Run("ids with sql metacharacters round trip", func(t *testing.T) {
		ctx := context.Background()
		odd := "r'1\"; DROP TABLE cleaned_records; --"
		idx := newIndex(t, []rag.CleanedRecord{{ID: odd, Text: "it's \"fine\""}})
		activate(t, idx, []store.Entry{{ID: odd, Text: "it's \"fine\"", Vector: []float32{0, 0, 0, 1}}})

		hits, err := idx.Search(ctx, []float32{0, 0, 0, 1}, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, odd, hits[0].ID)
		assert.Equal(t, "it's \"fine\"", hits[0].Text)
	})

	t.Run("ping", func(t *testing.T) {
		idx := newIndex(t, reviews)
		assert.NoError(t, idx.Ping(context.Background()))
	})
}
