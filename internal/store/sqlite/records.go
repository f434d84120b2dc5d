package sqlite

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/reviewrag/internal/rag"
)

// ReplaceRaw atomically replaces the raw_records table contents. When ids
// repeat, the first occurrence wins. It returns the number of rows stored.
func (s *Store) ReplaceRaw(ctx context.Context, records []rag.RawRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM raw_records`); err != nil {
		return 0, fmt.Errorf("sqlite: clearing raw records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO raw_records (id, product_id, text, rating, timestamp) VALUES (`+placeholders(5)+`)`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	var stored int
	for _, r := range records {
		res, err := stmt.ExecContext(ctx, r.ID, r.ProductID, r.Text, r.Rating, r.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("sqlite: inserting raw record %q: %w", r.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stored++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return stored, nil
}

// ListRaw returns every raw record ordered by id.
func (s *Store) ListRaw(ctx context.Context) ([]rag.RawRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, text, rating, timestamp FROM raw_records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing raw records: %w", err)
	}
	defer rows.Close()

	var out []rag.RawRecord
	for rows.Next() {
		var r rag.RawRecord
		if err := rows.Scan(&r.ID, &r.ProductID, &r.Text, &r.Rating, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("sqlite: scanning raw record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceCleaned atomically replaces the cleaned_records table contents.
func (s *Store) ReplaceCleaned(ctx context.Context, records []rag.CleanedRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cleaned_records`); err != nil {
		return fmt.Errorf("sqlite: clearing cleaned records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cleaned_records (id, text) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, r.Text); err != nil {
			return fmt.Errorf("sqlite: inserting cleaned record %q: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// ListCleanedAfter pages cleaned records by id. An empty afterID starts at
// the beginning.
func (s *Store) ListCleanedAfter(ctx context.Context, afterID string, limit int) ([]rag.CleanedRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("sqlite: limit must be positive, got %d", limit)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text FROM cleaned_records WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing cleaned records: %w", err)
	}
	defer rows.Close()

	out := make([]rag.CleanedRecord, 0, limit)
	for rows.Next() {
		var r rag.CleanedRecord
		if err := rows.Scan(&r.ID, &r.Text); err != nil {
			return nil, fmt.Errorf("sqlite: scanning cleaned record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountCleaned returns the number of cleaned records.
func (s *Store) CountCleaned(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cleaned_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: counting cleaned records: %w", err)
	}
	return n, nil
}
