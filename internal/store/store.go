// Package store defines the similarity index used by the indexer and the
// query path.
//
// Every indexing run writes into a fresh generation. Readers only ever see
// the active generation, and activation swaps the pointer atomically, so a
// query running during a re-index observes either the old or the new
// embeddings, never a mix.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/reviewrag/internal/rag"
)

// ErrGenerationNotFound is returned when resuming a generation that does not
// exist or is already active.
var ErrGenerationNotFound = errors.New("generation not found")

// ErrStaleGeneration is returned when resuming a generation older than the
// active one. Finishing it would roll readers back.
var ErrStaleGeneration = errors.New("generation older than the active one")

// CheckNotStale rejects gen when it sorts before active.
func CheckNotStale(gen, active string) error {
	if active != "" && gen < active {
		return fmt.Errorf("%w: %s predates %s", ErrStaleGeneration, gen, active)
	}
	return nil
}

// Entry is one embedding to store.
type Entry struct {
	ID     string
	Text   string
	Vector []float32
}

// Hit is one search result. Lower distance means more similar.
type Hit struct {
	ID       string
	Text     string
	Distance float64
}

// Writer fills a single inactive generation.
type Writer interface {
	// Generation returns the id of the generation being written.
	Generation() string
	// WriteBatch stores entries atomically, replacing any existing entry
	// with the same id in this generation.
	WriteBatch(ctx context.Context, entries []Entry) error
	// Count returns the number of entries committed to this generation.
	Count(ctx context.Context) (int, error)
	// Activate makes the generation visible to Search and drops the
	// previously active generation and every older one.
	Activate(ctx context.Context) error
}

// Index is a generation-versioned similarity store.
type Index interface {
	// NewGeneration starts an empty generation.
	NewGeneration(ctx context.Context) (Writer, error)
	// ResumeGeneration reopens an inactive generation left by a failed run.
	// Generations older than the active one cannot be resumed.
	ResumeGeneration(ctx context.Context, id string) (Writer, error)
	// Search returns at most k hits from the active generation ordered by
	// ascending distance, then id. No active generation yields no hits.
	Search(ctx context.Context, vec []float32, k int) ([]Hit, error)
	// ActiveGeneration returns the active generation id, or "" if none.
	ActiveGeneration(ctx context.Context) (string, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend.
	Close() error
}

var (
	genMu   sync.Mutex
	genLast time.Time
)

// NewGenerationID returns a name-safe generation id. Ids sort in creation
// order within a process.
func NewGenerationID() string {
	genMu.Lock()
	now := time.Now().UTC()
	if !now.After(genLast) {
		now = genLast.Add(time.Nanosecond)
	}
	genLast = now
	genMu.Unlock()

	return fmt.Sprintf("g%s%09d_%s",
		now.Format("20060102150405"),
		now.Nanosecond(),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
	)
}

// ValidateGenerationID rejects ids that could not have come from
// NewGenerationID.
func ValidateGenerationID(id string) error {
	if id == "" || len(id) > 64 {
		return fmt.Errorf("%w: invalid id %q", ErrGenerationNotFound, id)
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return fmt.Errorf("%w: invalid id %q", ErrGenerationNotFound, id)
		}
	}
	return nil
}

// CheckQuery validates a search request before a backend builds a query.
func CheckQuery(vec []float32, dim, k int) error {
	if k <= 0 {
		return fmt.Errorf("k must be positive, got %d", k)
	}
	return rag.ValidateVector(vec, dim)
}

// CheckEntries validates a batch before it is written.
func CheckEntries(entries []Entry, dim int) error {
	for i, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("entry %d: empty id", i)
		}
		if err := rag.ValidateVector(e.Vector, dim); err != nil {
			return fmt.Errorf("entry %q: %w", e.ID, err)
		}
	}
	return nil
}

// SortHits orders hits by ascending distance, then id, and keeps the first k.
func SortHits(hits []Hit, k int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})
	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
