package chromem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reviewrag/internal/rag"
	"github.com/fyrsmithlabs/reviewrag/internal/store"
	"github.com/fyrsmithlabs/reviewrag/internal/store/storetest"
)

func TestStore_Index(t *testing.T) {
	storetest.Run(t, func(t *testing.T, _ []rag.CleanedRecord) store.Index {
		s, err := Open(Config{Dimension: storetest.Dim}, nil)
		require.NoError(t, err)
		return s
	})
}

func TestOpen_RequiresDimension(t *testing.T) {
	_, err := Open(Config{}, nil)
	assert.Error(t, err)
}

func TestStore_PersistentReopenKeepsActiveGeneration(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Config{Path: dir, Dimension: 2}, nil)
	require.NoError(t, err)

	w, err := s.NewGeneration(ctx)
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(ctx, []store.Entry{
		{ID: "a", Text: "one", Vector: []float32{1, 0}},
		{ID: "b", Text: "two", Vector: []float32{0, 1}},
	}))
	require.NoError(t, w.Activate(ctx))
	require.NoError(t, s.Close())

	reopened, err := Open(Config{Path: dir, Dimension: 2}, nil)
	require.NoError(t, err)

	gen, err := reopened.ActiveGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, w.Generation(), gen)

	hits, err := reopened.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)
	assert.Equal(t, "two", hits[0].Text)
}

func TestStore_SearchDuringActivationSeesOneGeneration(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Config{Dimension: 2}, nil)
	require.NoError(t, err)

	old, err := s.NewGeneration(ctx)
	require.NoError(t, err)
	require.NoError(t, old.WriteBatch(ctx, []store.Entry{{ID: "old", Text: "old", Vector: []float32{1, 0}}}))
	require.NoError(t, old.Activate(ctx))

	next, err := s.NewGeneration(ctx)
	require.NoError(t, err)
	require.NoError(t, next.WriteBatch(ctx, []store.Entry{{ID: "new", Text: "new", Vector: []float32{1, 0}}}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			hits, err := s.Search(ctx, []float32{1, 0}, 5)
			if !assert.NoError(t, err) {
				return
			}
			if assert.Len(t, hits, 1) {
				assert.Contains(t, []string{"old", "new"}, hits[0].ID)
			}
		}
	}()

	require.NoError(t, next.Activate(ctx))
	<-done

	hits, err := s.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "new", hits[0].ID)
}

func TestStore_StaleGenerations(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Config{Dimension: 2}, nil)
	require.NoError(t, err)
	const past = "g19990101000000000000000_deadbeef"

	current, err := s.NewGeneration(ctx)
	require.NoError(t, err)
	require.NoError(t, current.WriteBatch(ctx, []store.Entry{{ID: "a", Text: "one", Vector: []float32{1, 0}}}))
	require.NoError(t, current.Activate(ctx))

	_, err = s.db.CreateCollection(collectionName(past), nil, noEmbedding)
	require.NoError(t, err)

	_, err = s.ResumeGeneration(ctx, past)
	assert.ErrorIs(t, err, store.ErrStaleGeneration)

	skewed := &writer{store: s, gen: past}
	require.NoError(t, skewed.WriteBatch(ctx, []store.Entry{{ID: "b", Text: "two", Vector: []float32{0, 1}}}))
	require.NoError(t, skewed.Activate(ctx))

	assert.Nil(t, s.db.GetCollection(collectionName(current.Generation()), noEmbedding))
	hits, err := s.Search(ctx, []float32{0, 1}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)
}
