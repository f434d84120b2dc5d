package ingest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fyrsmithlabs/reviewrag/internal/rag"
)

// maxLineSize bounds a single JSON line.
const maxLineSize = 4 * 1024 * 1024

// ErrMalformedLine is returned when an input line is not a valid record.
var ErrMalformedLine = errors.New("malformed input line")

// LoadJSONLines reads one JSON object per line. Blank lines are skipped.
// Records keep their input order, duplicates included.
func LoadJSONLines(r io.Reader) ([]rag.RawRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var records []rag.RawRecord
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var rec rag.RawRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedLine, line, err)
		}
		if rec.ID == "" {
			return nil, fmt.Errorf("%w: line %d: missing review_id", ErrMalformedLine, line)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading input after line %d: %w", line, err)
	}
	return records, nil
}
