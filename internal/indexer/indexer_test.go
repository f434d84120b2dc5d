package indexer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/reviewrag/internal/embeddings"
	"github.com/fyrsmithlabs/reviewrag/internal/embeddings/embeddingstest"
	"github.com/fyrsmithlabs/reviewrag/internal/events"
	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/rag"
	"github.com/fyrsmithlabs/reviewrag/internal/store/sqlite"
)

const dim = 8

func openStore(t *testing.T, n int) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), sqlite.Config{
		Path:      filepath.Join(t.TempDir(), "index.db"),
		Dimension: dim,
	}, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	records := make([]rag.CleanedRecord, n)
	for i := range records {
		records[i] = rag.CleanedRecord{ID: fmt.Sprintf("r%02d", i+1), Text: fmt.Sprintf("review number %d", i+1)}
	}
	require.NoError(t, s.ReplaceCleaned(context.Background(), records))
	return s
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

func TestRun_IndexesEveryRecordInBatches(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 5)
	model := embeddingstest.New(dim)
	pub := &recordingPublisher{}

	var progress []BatchProgress
	res, err := New(s, s, model, pub, logging.NewNop()).Run(ctx, Options{
		BatchSize: 2,
		Progress:  func(p BatchProgress) { progress = append(progress, p) },
	})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Indexed)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 3, res.Batches)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, []int{2, 2, 1}, model.BatchSizes)

	require.Len(t, progress, 3)
	assert.Equal(t, BatchProgress{Generation: res.Generation, Batch: 3, Size: 1, Processed: 5, LastID: "r05"}, progress[2])

	active, err := s.ActiveGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Generation, active)

	gens, err := s.Generations(ctx)
	require.NoError(t, err)
	require.Len(t, gens, 1)
	assert.Equal(t, 5, gens[0].RecordCount)

	assert.Equal(t, []events.Kind{
		events.KindStarted, events.KindBatch, events.KindBatch, events.KindBatch, events.KindCompleted,
	}, pub.kinds())
}

func TestRun_TraceLogsEmbeddedRange(t *testing.T) {
	s := openStore(t, 3)
	logger := logging.NewTestLogger()

	_, err := New(s, s, embeddingstest.New(dim), nil, logger.Logger).Run(context.Background(), Options{BatchSize: 2})
	require.NoError(t, err)

	logger.AssertLogged(t, logging.TraceLevel, "batch embedded")
	logger.AssertField(t, "batch embedded", "first_id", "r01")
	logger.AssertField(t, "batch embedded", "last_id", "r02")
	logger.AssertField(t, "batch embedded", "first_id", "r03")
	assert.Equal(t, 2, logger.FilterMessage("batch embedded").Len())
}

func TestRun_SearchFindsIndexedRecord(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 3)
	model := embeddingstest.New(dim)

	_, err := New(s, s, model, nil, nil).Run(ctx, Options{})
	require.NoError(t, err)

	q, err := model.Embed(ctx, "review number 2")
	require.NoError(t, err)
	hits, err := s.Search(ctx, q, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "r02", hits[0].ID)
	assert.InDelta(t, -1.0, hits[0].Distance, 1e-5)
}

func TestRun_EmptySourceActivatesEmptyGeneration(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 0)
	model := embeddingstest.New(dim)

	res, err := New(s, s, model, nil, nil).Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Indexed)
	assert.Equal(t, 0, model.EmbedBatchCalls)

	active, err := s.ActiveGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Generation, active)

	hits, err := s.Search(ctx, make([]float32, dim), 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 4)
	model := embeddingstest.New(dim)
	ix := New(s, s, model, nil, nil)

	q, err := model.Embed(ctx, "review number 3")
	require.NoError(t, err)

	first, err := ix.Run(ctx, Options{BatchSize: 3})
	require.NoError(t, err)
	before, err := s.Search(ctx, q, 4)
	require.NoError(t, err)

	second, err := ix.Run(ctx, Options{BatchSize: 3})
	require.NoError(t, err)
	after, err := s.Search(ctx, q, 4)
	require.NoError(t, err)

	assert.NotEqual(t, first.Generation, second.Generation)
	assert.Equal(t, before, after)

	gens, err := s.Generations(ctx)
	require.NoError(t, err)
	require.Len(t, gens, 1)
	assert.Equal(t, 4, gens[0].RecordCount)
}

func TestRun_FailureIsResumable(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 5)
	boom := errors.New("model crashed")
	model := embeddingstest.New(dim)
	model.Err = boom
	model.FailOnCall = 2
	pub := &recordingPublisher{}
	logger := logging.NewTestLogger()

	_, err := New(s, s, model, pub, logger.Logger).Run(ctx, Options{BatchSize: 2})
	require.Error(t, err)

	var ierr *rag.IndexingError
	require.ErrorAs(t, err, &ierr)
	assert.ErrorIs(t, err, rag.ErrIndexing)
	assert.ErrorIs(t, err, rag.ErrEmbedding)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, ierr.Offset)
	assert.Equal(t, "r02", ierr.LastID)
	assert.NotEmpty(t, ierr.Generation)

	logger.AssertLogged(t, zapcore.ErrorLevel, "indexing failed")
	assert.Equal(t, []events.Kind{events.KindStarted, events.KindBatch, events.KindFailed}, pub.kinds())

	// Nothing is visible before activation.
	active, err := s.ActiveGeneration(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	res, err := New(s, s, embeddingstest.New(dim), nil, nil).Run(ctx, Options{
		BatchSize:  2,
		Generation: ierr.Generation,
		AfterID:    ierr.LastID,
	})
	require.NoError(t, err)
	assert.Equal(t, ierr.Generation, res.Generation)
	assert.Equal(t, 3, res.Indexed)
	assert.Equal(t, 5, res.Total)

	gens, err := s.Generations(ctx)
	require.NoError(t, err)
	require.Len(t, gens, 1)
	assert.True(t, gens[0].Active)
	assert.Equal(t, 5, gens[0].RecordCount)
}

func TestRun_ResumedFailureCountsWholeGeneration(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 7)

	model := embeddingstest.New(dim)
	model.Err = errors.New("model crashed")
	model.FailOnCall = 2
	_, err := New(s, s, model, nil, nil).Run(ctx, Options{BatchSize: 2})
	var first *rag.IndexingError
	require.ErrorAs(t, err, &first)
	require.Equal(t, 2, first.Offset)

	// The resumed run commits two more records, then fails again.
	model = embeddingstest.New(dim)
	model.Err = errors.New("model crashed again")
	model.FailOnCall = 2
	pub := &recordingPublisher{}
	var progress []BatchProgress
	_, err = New(s, s, model, pub, nil).Run(ctx, Options{
		BatchSize:  2,
		Generation: first.Generation,
		AfterID:    first.LastID,
		Progress:   func(p BatchProgress) { progress = append(progress, p) },
	})
	var second *rag.IndexingError
	require.ErrorAs(t, err, &second)
	assert.Equal(t, first.Generation, second.Generation)
	assert.Equal(t, 4, second.Offset)
	assert.Equal(t, "r04", second.LastID)

	require.Len(t, progress, 1)
	assert.Equal(t, 4, progress[0].Processed)

	pub.mu.Lock()
	failed := pub.events[len(pub.events)-1]
	pub.mu.Unlock()
	assert.Equal(t, events.KindFailed, failed.Kind)
	assert.Equal(t, 4, failed.Processed)

	res, err := New(s, s, embeddingstest.New(dim), nil, nil).Run(ctx, Options{
		BatchSize:  2,
		Generation: second.Generation,
		AfterID:    second.LastID,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Indexed)
	assert.Equal(t, 7, res.Total)
}

func TestRun_ResumeOlderThanActiveIsRefused(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, 3)

	model := embeddingstest.New(dim)
	model.Err = errors.New("model crashed")
	model.FailOnCall = 2
	_, err := New(s, s, model, nil, nil).Run(ctx, Options{BatchSize: 1})
	var failed *rag.IndexingError
	require.ErrorAs(t, err, &failed)

	res, err := New(s, s, embeddingstest.New(dim), nil, nil).Run(ctx, Options{})
	require.NoError(t, err)

	// Activating the newer run dropped the failed generation, so it can
	// no longer be resumed and serving stays on the newer data.
	_, err = New(s, s, embeddingstest.New(dim), nil, nil).Run(ctx, Options{
		Generation: failed.Generation,
		AfterID:    failed.LastID,
	})
	assert.ErrorIs(t, err, rag.ErrIndexing)

	active, err := s.ActiveGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Generation, active)
}

func TestRun_FailureBeforeFirstBatchKeepsCursor(t *testing.T) {
	s := openStore(t, 3)
	model := embeddingstest.New(dim)
	model.Err = errors.New("offline")

	_, err := New(s, s, model, nil, nil).Run(context.Background(), Options{})
	var ierr *rag.IndexingError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 0, ierr.Offset)
	assert.Empty(t, ierr.LastID)
}

func TestRun_ResumeUnknownGeneration(t *testing.T) {
	s := openStore(t, 1)
	model := embeddingstest.New(dim)

	_, err := New(s, s, model, nil, nil).Run(context.Background(), Options{Generation: "g_missing", AfterID: "r01"})
	var ierr *rag.IndexingError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "r01", ierr.LastID)
	assert.Equal(t, 0, model.EmbedBatchCalls)
}

func TestRun_CursorRequiresGeneration(t *testing.T) {
	s := openStore(t, 1)
	model := embeddingstest.New(dim)

	_, err := New(s, s, model, nil, nil).Run(context.Background(), Options{AfterID: "r01"})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	assert.Equal(t, 0, model.EmbedBatchCalls)

	gens, err := s.Generations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gens)
}

type shortModel struct{ *embeddingstest.Model }

func (m shortModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := m.Model.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	return out[:len(out)-1], nil
}

type wrongDimModel struct{ *embeddingstest.Model }

func (m wrongDimModel) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, dim-1)
	}
	return out, nil
}

func TestRun_BatchMismatchAborts(t *testing.T) {
	tests := []struct {
		name  string
		model embeddings.Model
	}{
		{"short batch", shortModel{embeddingstest.New(dim)}},
		{"wrong dimension", wrongDimModel{embeddingstest.New(dim)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t, 3)
			_, err := New(s, s, tt.model, nil, nil).Run(context.Background(), Options{})
			assert.ErrorIs(t, err, ErrBatchMismatch)
			assert.ErrorIs(t, err, rag.ErrIndexing)

			active, err := s.ActiveGeneration(context.Background())
			require.NoError(t, err)
			assert.Empty(t, active)
		})
	}
}

func TestRun_PublishFailureDoesNotAbort(t *testing.T) {
	s := openStore(t, 2)
	pub := &recordingPublisher{err: errors.New("nats down")}
	logger := logging.NewTestLogger()

	res, err := New(s, s, embeddingstest.New(dim), pub, logger.Logger).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Indexed)
	logger.AssertLogged(t, zapcore.WarnLevel, "failed to publish run event")
}

func TestRun_CancelledContext(t *testing.T) {
	s := openStore(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(s, s, embeddingstest.New(dim), nil, nil).Run(ctx, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, rag.ErrIndexing)
}
