// Package qdrant is a store.Index backed by a Qdrant server over gRPC.
//
// Each generation is a collection named <alias>_<generation> using Dot
// distance. Readers always query the alias; activation repoints it in a
// single UpdateAliases call and then deletes older generation collections.
package qdrant

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/store"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/reviewrag/internal/store/qdrant")

// pointNamespace derives stable point UUIDs from record ids.
var pointNamespace = uuid.MustParse("6f1c1d0e-8c43-5d8e-9a3b-2f0b8e1b7c55")

const (
	payloadRecordID = "record_id"
	payloadText     = "text"
	// tieSlack widens each query so that equal scores at the k boundary can
	// still be ordered by id.
	tieSlack = 8
)

// Config configures the Qdrant client.
type Config struct {
	// Host is the Qdrant server hostname. Default: "localhost".
	Host string
	// Port is the gRPC port (not the 6333 REST port). Default: 6334.
	Port   int
	APIKey string
	UseTLS bool

	// Collection is the alias readers query. Default: "review_embeddings".
	Collection string
	Dimension  int

	// MaxMessageSize bounds gRPC messages. Default: 50MB.
	MaxMessageSize int
	// DialTimeout bounds the startup health check. Default: 5s.
	DialTimeout time.Duration
	// RequestTimeout bounds each call. Default: 30s.
	RequestTimeout time.Duration
	// RetryAttempts retries transient failures. Default: 3.
	RetryAttempts int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "review_embeddings"
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	if err := store.ValidateGenerationID(c.Collection); err != nil {
		return fmt.Errorf("invalid collection name %q", c.Collection)
	}
	return nil
}

// api is the subset of *qdrant.Client the store uses.
type api interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	DeleteCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)
	ListAliases(ctx context.Context) ([]*qdrant.AliasDescription, error)
	UpdateAliases(ctx context.Context, actions []*qdrant.AliasOperations) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Count(ctx context.Context, req *qdrant.CountPoints) (uint64, error)
	Close() error
}

// Store implements store.Index.
type Store struct {
	client api
	config Config
	logger *logging.Logger
}

var _ store.Index = (*Store)(nil)

// Open connects to Qdrant and verifies it answers.
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("qdrant: invalid config: %w", err)
	}

	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	}
	if !cfg.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant: creating client: %w", err)
	}

	s := newStore(client, cfg, logger)

	hctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	logger.Info(hctx, "connecting to qdrant", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
	if err := s.Ping(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func newStore(client api, cfg Config, logger *logging.Logger) *Store {
	return &Store{client: client, config: cfg, logger: logger}
}

func (s *Store) collectionFor(gen string) string {
	return s.config.Collection + "_" + gen
}

func (s *Store) generationOf(collection string) (string, bool) {
	prefix := s.config.Collection + "_"
	if !strings.HasPrefix(collection, prefix) {
		return "", false
	}
	return strings.TrimPrefix(collection, prefix), true
}

// PointID maps a record id to its Qdrant point UUID.
func PointID(recordID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(recordID)).String()
}

// Ping runs a health check.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check failed: %w", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// ActiveGeneration resolves the alias to its generation.
func (s *Store) ActiveGeneration(ctx context.Context) (string, error) {
	target, err := s.aliasTarget(ctx)
	if err != nil {
		return "", err
	}
	gen, _ := s.generationOf(target)
	return gen, nil
}

func (s *Store) aliasTarget(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	var aliases []*qdrant.AliasDescription
	err := s.retryOperation(ctx, func() error {
		var err error
		aliases, err = s.client.ListAliases(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("qdrant: listing aliases: %w", err)
	}
	for _, a := range aliases {
		if a.GetAliasName() == s.config.Collection {
			return a.GetCollectionName(), nil
		}
	}
	return "", nil
}

// Search queries the alias with Dot distance. The reported distance is the
// negated score.
func (s *Store) Search(ctx context.Context, vec []float32, k int) ([]store.Hit, error) {
	if err := store.CheckQuery(vec, s.config.Dimension, k); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "qdrant.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	target, err := s.aliasTarget(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if target == "" {
		return []store.Hit{}, nil
	}

	qctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	var points []*qdrant.ScoredPoint
	err = s.retryOperation(qctx, func() error {
		var err error
		points, err = s.client.Query(qctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vec...),
			Limit:          qdrant.PtrOf(uint64(min(k, math.MaxInt-tieSlack) + tieSlack)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return []store.Hit{}, nil
		}
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "query failed")
		return nil, fmt.Errorf("qdrant: query: %w", err)
	}

	hits := make([]store.Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, store.Hit{
			ID:       p.GetPayload()[payloadRecordID].GetStringValue(),
			Text:     p.GetPayload()[payloadText].GetStringValue(),
			Distance: -float64(p.GetScore()),
		})
	}
	hits = store.SortHits(hits, k)
	span.SetAttributes(attribute.Int("results", len(hits)))
	return hits, nil
}

// NewGeneration creates an empty collection with Dot distance.
func (s *Store) NewGeneration(ctx context.Context) (store.Writer, error) {
	gen := store.NewGenerationID()
	name := s.collectionFor(gen)

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	err := s.retryOperation(ctx, func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.config.Dimension),
				Distance: qdrant.Distance_Dot,
			}),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: creating collection %s: %w", name, err)
	}
	return &writer{store: s, gen: gen}, nil
}

// ResumeGeneration reopens an existing collection that the alias does not
// point at.
func (s *Store) ResumeGeneration(ctx context.Context, id string) (store.Writer, error) {
	if err := store.ValidateGenerationID(id); err != nil {
		return nil, err
	}
	active, err := s.ActiveGeneration(ctx)
	if err != nil {
		return nil, err
	}
	if active == id {
		return nil, fmt.Errorf("%w: %s is active", store.ErrGenerationNotFound, id)
	}
	if err := store.CheckNotStale(id, active); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	var exists bool
	err = s.retryOperation(ctx, func() error {
		var err error
		exists, err = s.client.CollectionExists(ctx, s.collectionFor(id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: checking collection: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrGenerationNotFound, id)
	}
	return &writer{store: s, gen: id}, nil
}

type writer struct {
	store *Store
	gen   string
}

func (w *writer) Generation() string { return w.gen }

// Count returns the exact number of points in the generation's collection.
func (w *writer) Count(ctx context.Context) (int, error) {
	s := w.store
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	var n uint64
	err := s.retryOperation(ctx, func() error {
		var err error
		n, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.collectionFor(w.gen),
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if status.Code(err) == codes.NotFound {
		return 0, fmt.Errorf("%w: %s", store.ErrGenerationNotFound, w.gen)
	}
	if err != nil {
		return 0, fmt.Errorf("qdrant: count: %w", err)
	}
	return int(n), nil
}

// WriteBatch upserts all entries in one call. Point ids derive from record
// ids, so rewriting a record replaces its point.
func (w *writer) WriteBatch(ctx context.Context, entries []store.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s := w.store
	if err := store.CheckEntries(entries, s.config.Dimension); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "qdrant.WriteBatch")
	defer span.End()
	span.SetAttributes(attribute.String("generation", w.gen), attribute.Int("entries", len(entries)))

	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(e.ID)),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadRecordID: e.ID,
				payloadText:     e.Text,
			}),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	err := s.retryOperation(ctx, func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collectionFor(w.gen),
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", store.ErrGenerationNotFound, w.gen)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "upsert failed")
		return fmt.Errorf("qdrant: upsert: %w", err)
	}
	return nil
}

// Activate repoints the alias in one request, then deletes the previous
// collection and those of older generations.
func (w *writer) Activate(ctx context.Context) error {
	s := w.store
	name := s.collectionFor(w.gen)

	previous, err := s.aliasTarget(ctx)
	if err != nil {
		return err
	}

	actions := make([]*qdrant.AliasOperations, 0, 2)
	if previous != "" {
		actions = append(actions, qdrant.NewAliasDelete(s.config.Collection))
	}
	actions = append(actions, qdrant.NewAliasCreate(s.config.Collection, name))

	uctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()
	if err := s.retryOperation(uctx, func() error {
		return s.client.UpdateAliases(uctx, actions)
	}); err != nil {
		return fmt.Errorf("qdrant: switching alias: %w", err)
	}

	s.logger.Info(ctx, "generation activated",
		zap.String("generation", w.gen),
		zap.String("previous_collection", previous),
	)

	collections, err := s.client.ListCollections(uctx)
	if err != nil {
		s.logger.Warn(ctx, "qdrant: listing collections for cleanup failed", zap.Error(err))
		return nil
	}
	for _, c := range collections {
		gen, ok := s.generationOf(c)
		if !ok || c == name || (gen > w.gen && c != previous) {
			continue
		}
		if err := s.client.DeleteCollection(uctx, c); err != nil {
			s.logger.Warn(ctx, "qdrant: dropping old generation failed",
				zap.String("collection", c), zap.Error(err))
		}
	}
	return nil
}
