package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewrag/internal/rag"
	"github.com/fyrsmithlabs/reviewrag/internal/store"
)

var _ store.Index = (*Store)(nil)

const searchQuery = `
SELECT e.id, c.text, ` + distanceFunc + `(e.embedding, ?) AS distance
FROM record_embeddings e
JOIN cleaned_records c ON c.id = e.id
WHERE e.generation = (SELECT id FROM index_generations WHERE active = 1)
ORDER BY distance ASC, e.id ASC
LIMIT ?`

// Search returns the k nearest records of the active generation.
func (s *Store) Search(ctx context.Context, vec []float32, k int) ([]store.Hit, error) {
	if err := store.CheckQuery(vec, s.dim, k); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "sqlite.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	rows, err := s.db.QueryContext(ctx, searchQuery, rag.EncodeVector(vec), k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("sqlite: search: %w", err)
	}
	defer rows.Close()

	// k comes from the client; only the rows returned bound the slice.
	hits := make([]store.Hit, 0, min(k, 64))
	for rows.Next() {
		var h store.Hit
		if err := rows.Scan(&h.ID, &h.Text, &h.Distance); err != nil {
			return nil, fmt.Errorf("sqlite: scanning hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("sqlite: search: %w", err)
	}

	span.SetAttributes(attribute.Int("results", len(hits)))
	return hits, nil
}

// ActiveGeneration returns the active generation id, or "" if none.
func (s *Store) ActiveGeneration(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM index_generations WHERE active = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: active generation: %w", err)
	}
	return id, nil
}

// NewGeneration registers an empty inactive generation.
func (s *Store) NewGeneration(ctx context.Context) (store.Writer, error) {
	id := store.NewGenerationID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO index_generations (id, created_at, active) VALUES (?, ?, 0)`,
		id, time.Now().UTC().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: creating generation: %w", err)
	}
	s.logger.Debug(ctx, "generation created", zap.String("generation", id))
	return &writer{store: s, id: id}, nil
}

// ResumeGeneration reopens an inactive generation.
func (s *Store) ResumeGeneration(ctx context.Context, id string) (store.Writer, error) {
	if err := store.ValidateGenerationID(id); err != nil {
		return nil, err
	}
	var active bool
	err := s.db.QueryRowContext(ctx, `SELECT active FROM index_generations WHERE id = ?`, id).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && active) {
		return nil, fmt.Errorf("%w: %s", store.ErrGenerationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: resuming generation: %w", err)
	}
	current, err := s.ActiveGeneration(ctx)
	if err != nil {
		return nil, err
	}
	if err := store.CheckNotStale(id, current); err != nil {
		return nil, err
	}
	return &writer{store: s, id: id}, nil
}

// GenerationInfo describes one row of index_generations.
type GenerationInfo struct {
	ID          string
	CreatedAt   time.Time
	Active      bool
	RecordCount int
}

// Generations lists all generations, newest first.
func (s *Store) Generations(ctx context.Context) ([]GenerationInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id, g.created_at, g.active,
			CASE WHEN g.active = 1 THEN g.record_count
			ELSE (SELECT COUNT(*) FROM record_embeddings e WHERE e.generation = g.id) END
		FROM index_generations g ORDER BY g.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing generations: %w", err)
	}
	defer rows.Close()

	var out []GenerationInfo
	for rows.Next() {
		var (
			g       GenerationInfo
			created int64
		)
		if err := rows.Scan(&g.ID, &created, &g.Active, &g.RecordCount); err != nil {
			return nil, fmt.Errorf("sqlite: scanning generation: %w", err)
		}
		g.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}

type writer struct {
	store *Store
	id    string
}

func (w *writer) Generation() string { return w.id }

// Count returns the number of embeddings stored in the generation.
func (w *writer) Count(ctx context.Context) (int, error) {
	var n int
	err := w.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM record_embeddings WHERE generation = ?`, w.id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: counting generation: %w", err)
	}
	return n, nil
}

// WriteBatch upserts entries in one transaction.
func (w *writer) WriteBatch(ctx context.Context, entries []store.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := store.CheckEntries(entries, w.store.dim); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "sqlite.WriteBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("generation", w.id),
		attribute.Int("entries", len(entries)),
	)

	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pending bool
	err = tx.QueryRowContext(ctx,
		`SELECT active = 0 FROM index_generations WHERE id = ?`, w.id).Scan(&pending)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !pending) {
		return fmt.Errorf("%w: %s", store.ErrGenerationNotFound, w.id)
	}
	if err != nil {
		return fmt.Errorf("sqlite: checking generation: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO record_embeddings (generation, id, embedding) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, w.id, e.ID, rag.EncodeVector(e.Vector)); err != nil {
			span.RecordError(err)
			return fmt.Errorf("sqlite: writing %q: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Activate swaps the active flag in one transaction and drops the
// previously active generation and every older one.
func (w *writer) Activate(ctx context.Context) error {
	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous string
	err = tx.QueryRowContext(ctx, `SELECT id FROM index_generations WHERE active = 1`).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: reading active generation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE index_generations SET active = 0 WHERE active = 1 AND id <> ?`, w.id); err != nil {
		return fmt.Errorf("sqlite: deactivating: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE index_generations
		SET active = 1,
			record_count = (SELECT COUNT(*) FROM record_embeddings WHERE generation = ?)
		WHERE id = ?`, w.id, w.id)
	if err != nil {
		return fmt.Errorf("sqlite: activating: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: %s", store.ErrGenerationNotFound, w.id)
	}

	// The previous generation goes too, even when its id sorts after this
	// one (ids from hosts with skewed clocks).
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_embeddings WHERE generation IN
			(SELECT id FROM index_generations WHERE (id < ? OR id = ?) AND id <> ?)`, w.id, previous, w.id); err != nil {
		return fmt.Errorf("sqlite: dropping old embeddings: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM index_generations WHERE (id < ? OR id = ?) AND id <> ?`, w.id, previous, w.id); err != nil {
		return fmt.Errorf("sqlite: dropping old generations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}

	w.store.logger.Info(ctx, "generation activated", zap.String("generation", w.id))
	return nil
}
