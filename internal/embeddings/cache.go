package embeddings

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/rag"
)

// CacheConfig configures the query embedding cache.
type CacheConfig struct {
	// Dir holds badger files. Empty runs in memory.
	Dir string
	// TTL expires entries. Zero keeps them until the model changes.
	TTL time.Duration
	// Namespace separates entries of different models sharing one Dir.
	Namespace string
}

// CachedModel serves single-text embeddings from a badger cache and falls
// through to the wrapped model on a miss. Batch calls are never cached.
type CachedModel struct {
	Model

	db     *badger.DB
	ttl    time.Duration
	prefix []byte
	logger *logging.Logger
}

// NewCachedModel wraps inner with a badger cache.
func NewCachedModel(inner Model, cfg CacheConfig, logger *logging.Logger) (*CachedModel, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{logger.Named("badger").Underlying().Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening embedding cache: %w", err)
	}

	return &CachedModel{
		Model:  inner,
		db:     db,
		ttl:    cfg.TTL,
		prefix: []byte(fmt.Sprintf("emb/%s/%d/", cfg.Namespace, inner.Dimension())),
		logger: logger,
	}, nil
}

// Embed returns a cached vector when one exists. Cache failures are logged
// and never fail the call.
func (c *CachedModel) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	if v, ok := c.get(key); ok {
		return v, nil
	}

	v, err := c.Model.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.set(key, v); err != nil {
		c.logger.Warn(ctx, "embedding cache write failed", zap.Error(err))
	}
	return v, nil
}

// Close closes the cache and the wrapped model.
func (c *CachedModel) Close() error {
	return errors.Join(c.db.Close(), c.Model.Close())
}

func (c *CachedModel) key(text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return append(append([]byte{}, c.prefix...), sum[:]...)
}

func (c *CachedModel) get(key []byte) ([]float32, bool) {
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false
	}
	v, err := rag.DecodeVector(raw)
	if err != nil || len(v) != c.Model.Dimension() {
		return nil, false
	}
	return v, true
}

func (c *CachedModel) set(key []byte, v []float32) error {
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, rag.EncodeVector(v))
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

// badgerLogger routes badger's internal logging to zap at debug level,
// except errors.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Debugf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
