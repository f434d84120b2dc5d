// Package backends opens the record database and the configured similarity
// index.
package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/reviewrag/internal/config"
	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/store"
	"github.com/fyrsmithlabs/reviewrag/internal/store/chromem"
	"github.com/fyrsmithlabs/reviewrag/internal/store/qdrant"
	"github.com/fyrsmithlabs/reviewrag/internal/store/sqlite"
)

// Backends holds the open storage handles. Records is always SQLite; Index
// is Records itself unless another backend is configured.
type Backends struct {
	Records *sqlite.Store
	Index   store.Index
}

// Open opens storage according to cfg.
func Open(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (*Backends, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	records, err := sqlite.Open(ctx, sqlite.Config{
		Path:         cfg.SQLitePath,
		MaxOpenConns: cfg.MaxOpenConns,
		Dimension:    cfg.Dimension,
	}, logger.Named("sqlite"))
	if err != nil {
		return nil, err
	}

	b := &Backends{Records: records}
	switch cfg.Backend {
	case "sqlite", "":
		b.Index = records
	case "qdrant":
		b.Index, err = qdrant.Open(ctx, qdrant.Config{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey.Value(),
			UseTLS:     cfg.QdrantUseTLS,
			Collection: cfg.QdrantCollection,
			Dimension:  cfg.Dimension,
		}, logger.Named("qdrant"))
	case "chromem":
		b.Index, err = chromem.Open(chromem.Config{
			Path:      cfg.ChromemPath,
			Dimension: cfg.Dimension,
		}, logger.Named("chromem"))
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		_ = records.Close()
		return nil, err
	}
	return b, nil
}

// Close closes the index and the record database.
func (b *Backends) Close() error {
	if b.Index == store.Index(b.Records) {
		return b.Records.Close()
	}
	return errors.Join(b.Index.Close(), b.Records.Close())
}
