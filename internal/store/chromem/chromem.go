// Package chromem is an embedded store.Index backed by chromem-go. Each
// generation is its own collection and activation swaps which one readers
// see.
package chromem

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/store"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/reviewrag/internal/store/chromem")

const (
	collectionPrefix = "reviews_"
	// pointerCollection holds a single document whose content is the active
	// generation id, so a persistent database reopens with the right one.
	pointerCollection = "reviewrag_active"
	pointerDocID      = "active"
)

// Config configures the chromem backend.
type Config struct {
	// Path persists the database. Empty keeps it in memory.
	Path string
	// Compress gzips persisted collections.
	Compress  bool
	Dimension int
}

// Store implements store.Index.
type Store struct {
	db     *chromem.DB
	dim    int
	logger *logging.Logger

	mu         sync.RWMutex
	active     string // generation id
	activeColl *chromem.Collection
}

var _ store.Index = (*Store)(nil)

// Open creates or reopens the database.
func Open(cfg Config, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("chromem: dimension must be positive, got %d", cfg.Dimension)
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("chromem: creating directory %s: %w", cfg.Path, err)
		}
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("chromem: opening %s: %w", cfg.Path, err)
		}
	}

	s := &Store{db: db, dim: cfg.Dimension, logger: logger}
	if p := db.GetCollection(pointerCollection, noEmbedding); p != nil {
		doc, err := p.GetByID(context.Background(), pointerDocID)
		if err == nil {
			if c := db.GetCollection(collectionName(doc.Content), noEmbedding); c != nil {
				s.active, s.activeColl = doc.Content, c
			}
		}
	}
	return s, nil
}

// noEmbedding refuses to embed text. Every document and query carries a
// precomputed vector.
func noEmbedding(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("chromem: embeddings must be precomputed")
}

func collectionName(gen string) string {
	return collectionPrefix + gen
}

// Search queries the active collection. chromem ranks by cosine similarity;
// the reported distance is its negation.
func (s *Store) Search(ctx context.Context, vec []float32, k int) ([]store.Hit, error) {
	if err := store.CheckQuery(vec, s.dim, k); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "chromem.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	// Readers keep the collection they started with even if activation
	// drops it from the database meanwhile.
	s.mu.RLock()
	gen, c := s.active, s.activeColl
	s.mu.RUnlock()
	if c == nil {
		return []store.Hit{}, nil
	}
	// chromem requires nResults <= Count. Ranking the whole collection
	// keeps id tie-breaking exact at the k boundary.
	n := c.Count()
	if n == 0 {
		return []store.Hit{}, nil
	}

	results, err := c.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("chromem: querying %s: %w", gen, err)
	}

	hits := make([]store.Hit, len(results))
	for i, r := range results {
		hits[i] = store.Hit{ID: r.ID, Text: r.Content, Distance: -float64(r.Similarity)}
	}
	hits = store.SortHits(hits, k)
	span.SetAttributes(attribute.Int("results", len(hits)))
	return hits, nil
}

// ActiveGeneration returns the active generation id.
func (s *Store) ActiveGeneration(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, nil
}

// NewGeneration creates an empty collection.
func (s *Store) NewGeneration(_ context.Context) (store.Writer, error) {
	gen := store.NewGenerationID()
	if _, err := s.db.CreateCollection(collectionName(gen), nil, noEmbedding); err != nil {
		return nil, fmt.Errorf("chromem: creating generation: %w", err)
	}
	return &writer{store: s, gen: gen}, nil
}

// ResumeGeneration reopens an existing inactive collection.
func (s *Store) ResumeGeneration(_ context.Context, id string) (store.Writer, error) {
	if err := store.ValidateGenerationID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if id == active || s.db.GetCollection(collectionName(id), noEmbedding) == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrGenerationNotFound, id)
	}
	if err := store.CheckNotStale(id, active); err != nil {
		return nil, err
	}
	return &writer{store: s, gen: id}, nil
}

// Ping always succeeds for the embedded database.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op; persistent collections are written on every change.
func (s *Store) Close() error {
	return nil
}

type writer struct {
	store *Store
	gen   string
}

func (w *writer) Generation() string { return w.gen }

// Count returns the number of documents in the generation's collection.
func (w *writer) Count(_ context.Context) (int, error) {
	c := w.store.db.GetCollection(collectionName(w.gen), noEmbedding)
	if c == nil {
		return 0, fmt.Errorf("%w: %s", store.ErrGenerationNotFound, w.gen)
	}
	return c.Count(), nil
}

// WriteBatch adds the entries in a single chromem call. Existing ids are
// deleted first so that rewriting a record replaces it.
func (w *writer) WriteBatch(ctx context.Context, entries []store.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := store.CheckEntries(entries, w.store.dim); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "chromem.WriteBatch")
	defer span.End()
	span.SetAttributes(attribute.String("generation", w.gen), attribute.Int("entries", len(entries)))

	c := w.store.db.GetCollection(collectionName(w.gen), noEmbedding)
	if c == nil {
		return fmt.Errorf("%w: %s", store.ErrGenerationNotFound, w.gen)
	}

	docs := make([]chromem.Document, len(entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		docs[i] = chromem.Document{
			ID:        e.ID,
			Content:   e.Text,
			Embedding: append([]float32(nil), e.Vector...),
		}
	}

	if err := c.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("chromem: replacing documents: %w", err)
	}
	if err := c.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "add failed")
		return fmt.Errorf("chromem: adding documents: %w", err)
	}
	return nil
}

// Activate points readers at this generation and deletes the others.
func (w *writer) Activate(ctx context.Context) error {
	s := w.store
	name := collectionName(w.gen)
	c := s.db.GetCollection(name, noEmbedding)
	if c == nil {
		return fmt.Errorf("%w: %s", store.ErrGenerationNotFound, w.gen)
	}

	s.mu.Lock()
	previous := s.active
	s.active, s.activeColl = w.gen, c
	s.mu.Unlock()

	if err := s.persistActive(ctx, w.gen); err != nil {
		s.logger.Warn(ctx, "chromem: persisting active generation failed", zap.Error(err))
	}

	for other := range s.db.ListCollections() {
		if other == name || !strings.HasPrefix(other, collectionPrefix) {
			continue
		}
		if gen := strings.TrimPrefix(other, collectionPrefix); gen > w.gen && gen != previous {
			continue
		}
		if err := s.db.DeleteCollection(other); err != nil {
			s.logger.Warn(ctx, "chromem: dropping old generation failed",
				zap.String("collection", other), zap.Error(err))
		}
	}

	s.logger.Info(ctx, "generation activated",
		zap.String("generation", w.gen),
		zap.String("previous", previous),
	)
	return nil
}

func (s *Store) persistActive(ctx context.Context, gen string) error {
	p, err := s.db.GetOrCreateCollection(pointerCollection, nil, noEmbedding)
	if err != nil {
		return err
	}
	return p.AddDocument(ctx, chromem.Document{
		ID:        pointerDocID,
		Content:   gen,
		Embedding: []float32{1},
	})
}
