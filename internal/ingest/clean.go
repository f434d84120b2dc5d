package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/reviewrag/internal/rag"
)

var (
	whitespace = regexp.MustCompile(`[\s\p{Zs}]+`)
	// Everything that is not a word character or the collapsed space.
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\p{M}_ ]`)
)

// CleanText lowercases s, collapses whitespace runs to one space, strips
// punctuation and trims the result. Stripping happens after collapsing, so
// "a - b" becomes "a  b".
func CleanText(s string) string {
	s = strings.ToLower(s)
	s = whitespace.ReplaceAllString(s, " ")
	s = punctuation.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// RawSource lists the ingested records.
type RawSource interface {
	ListRaw(ctx context.Context) ([]rag.RawRecord, error)
}

// CleanedSink atomically replaces the cleaned record set.
type CleanedSink interface {
	ReplaceCleaned(ctx context.Context, records []rag.CleanedRecord) error
}

// Stats summarizes a Preprocess run.
type Stats struct {
	Read       int
	Duplicates int
	Empty      int
	Written    int
}

// Clean dedups records by id (first occurrence wins), cleans their text and
// drops records whose cleaned text is empty.
func Clean(records []rag.RawRecord) ([]rag.CleanedRecord, Stats) {
	stats := Stats{Read: len(records)}
	seen := make(map[string]struct{}, len(records))
	out := make([]rag.CleanedRecord, 0, len(records))

	for _, r := range records {
		if _, dup := seen[r.ID]; dup {
			stats.Duplicates++
			continue
		}
		seen[r.ID] = struct{}{}

		text := CleanText(r.Text)
		if text == "" {
			stats.Empty++
			continue
		}
		out = append(out, rag.CleanedRecord{ID: r.ID, Text: text})
	}
	stats.Written = len(out)
	return out, stats
}

// Preprocess reads every raw record from src, cleans it and replaces the
// cleaned set in dst.
func Preprocess(ctx context.Context, src RawSource, dst CleanedSink) (Stats, error) {
	raw, err := src.ListRaw(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("listing raw records: %w", err)
	}

	cleaned, stats := Clean(raw)
	if err := dst.ReplaceCleaned(ctx, cleaned); err != nil {
		return Stats{}, fmt.Errorf("replacing cleaned records: %w", err)
	}
	return stats, nil
}
