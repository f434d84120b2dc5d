// Package sqlite is the default storage backend. One database file holds the
// raw and cleaned review tables and every embedding generation.
//
// Similarity is computed in SQL by the neg_inner_product scalar function,
// which decodes little-endian float32 BLOBs. The query vector is always a
// bound parameter.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"

	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/rag"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/reviewrag/internal/store/sqlite")

const distanceFunc = "neg_inner_product"

var registerOnce sync.Once

// registerFunctions installs the scalar functions on the driver. The driver
// only exposes them to connections opened afterwards.
func registerFunctions() {
	registerOnce.Do(func() {
		_ = sqlite.RegisterDeterministicScalarFunction(distanceFunc, 2, negInnerProduct)
	})
}

func negInnerProduct(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%s: expected 2 arguments, got %d", distanceFunc, len(args))
	}
	a, ok := args[0].([]byte)
	if !ok {
		if args[0] == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: unsupported argument type %T, want BLOB", distanceFunc, args[0])
	}
	b, ok := args[1].([]byte)
	if !ok {
		if args[1] == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: unsupported argument type %T, want BLOB", distanceFunc, args[1])
	}
	if len(a) != len(b) {
		return nil, fmt.Errorf("%s: dimension mismatch (%d vs %d bytes)", distanceFunc, len(a), len(b))
	}
	va, err := rag.DecodeVector(a)
	if err != nil {
		return nil, err
	}
	vb, err := rag.DecodeVector(b)
	if err != nil {
		return nil, err
	}
	return -rag.InnerProduct(va, vb), nil
}

const schema = `
CREATE TABLE IF NOT EXISTS raw_records (
	id         TEXT PRIMARY KEY,
	product_id TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL,
	rating     REAL NOT NULL DEFAULT 0,
	timestamp  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS cleaned_records (
	id   TEXT PRIMARY KEY,
	text TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS index_generations (
	id           TEXT PRIMARY KEY,
	created_at   INTEGER NOT NULL,
	active       INTEGER NOT NULL DEFAULT 0,
	record_count INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS index_generations_single_active
	ON index_generations(active) WHERE active = 1;
CREATE TABLE IF NOT EXISTS record_embeddings (
	generation TEXT NOT NULL,
	id         TEXT NOT NULL,
	embedding  BLOB NOT NULL,
	PRIMARY KEY (generation, id)
);
`

// Config configures the SQLite backend.
type Config struct {
	// Path is the database file. ":memory:" keeps everything on a single
	// in-memory connection.
	Path string
	// MaxOpenConns bounds the connection pool. Defaults to 8.
	MaxOpenConns int
	// Dimension is the vector size every stored embedding must have.
	Dimension int
}

// Store implements store.Index and the review record tables.
type Store struct {
	db     *sql.DB
	dim    int
	logger *logging.Logger
}

// Open opens or creates the database and applies the schema.
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("sqlite: dimension must be positive, got %d", cfg.Dimension)
	}
	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 8
	}

	registerFunctions()

	dsn := cfg.Path
	if cfg.Path == ":memory:" {
		maxConns = 1
	} else {
		dsn = cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: applying schema: %w", err)
	}

	logger.Debug(ctx, "sqlite store opened",
		zap.String("path", cfg.Path),
		zap.Int("max_open_conns", maxConns),
		zap.Int("dimension", cfg.Dimension),
	)

	return &Store{db: db, dim: cfg.Dimension, logger: logger}, nil
}

// Ping runs a trivial query to verify the database answers.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Dimension returns the configured vector size.
func (s *Store) Dimension() int {
	return s.dim
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
