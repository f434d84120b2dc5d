package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestCommandsExist(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"ingest", "preprocess", "index", "dbcheck", "query", "health"} {
		t.Run(name, func(t *testing.T) {
			cmd, _, err := root.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, cmd.Name())
			assert.NotEmpty(t, cmd.Short)
		})
	}
}

func TestPersistentFlags(t *testing.T) {
	root := newRootCmd()
	server := root.PersistentFlags().Lookup("server")
	require.NotNil(t, server)
	assert.Equal(t, "http://localhost:8000", server.DefValue)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestIndexHelpMentionsResume(t *testing.T) {
	out, _, err := runCmd(t, "index", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "--resume-generation")
	assert.Contains(t, out, "--after")
}

// fakeTEI serves /embed with 4-dimensional vectors derived from the text,
// so identical texts embed identically.
func fakeTEI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs []string `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make([][]float32, len(req.Inputs))
		for i, text := range req.Inputs {
			v := []float32{1, 0, 0, 0}
			if strings.Contains(text, "battery") {
				v = []float32{0, 1, 0, 0}
			}
			out[i] = v
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupLocalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REVIEWRAG_STORE_SQLITE_PATH", filepath.Join(t.TempDir(), "reviews.db"))
	t.Setenv("REVIEWRAG_STORE_DIMENSION", "4")
	t.Setenv("REVIEWRAG_EMBEDDINGS_PROVIDER", "tei")
	t.Setenv("REVIEWRAG_EMBEDDINGS_BASE_URL", fakeTEI(t).URL)
}

func TestPipeline(t *testing.T) {
	setupLocalEnv(t)

	path := filepath.Join(t.TempDir(), "reviews.jsonl")
	data := `{"review_id":"r1","product_id":"p1","review_text":"Great Battery!!","rating":5}
{"review_id":"r2","product_id":"p1","review_text":"Screen   scratches.","rating":2}
{"review_id":"r2","product_id":"p1","review_text":"duplicate","rating":2}
{"review_id":"r3","product_id":"p2","review_text":"...","rating":3}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	out, _, err := runCmd(t, "ingest", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Ingested 3 records")

	out, _, err = runCmd(t, "preprocess")
	require.NoError(t, err)
	assert.Contains(t, out, "written 2")

	out, _, err = runCmd(t, "index", "--batch-size", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "batch 1: 1 records")
	assert.Contains(t, out, "Indexed 2 records in 2 batches")

	out, _, err = runCmd(t, "dbcheck")
	require.NoError(t, err)
	assert.Contains(t, out, "Database connection successful")
}

func TestIngestMissingFile(t *testing.T) {
	setupLocalEnv(t)
	_, _, err := runCmd(t, "ingest", filepath.Join(t.TempDir(), "nope.jsonl"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open")
}

func TestIngestMalformedLine(t *testing.T) {
	setupLocalEnv(t)
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"review_id\":\"r1\"}\nnot json\n"), 0o600))

	_, _, err := runCmd(t, "ingest", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestIndexReportsResumeCursor(t *testing.T) {
	t.Setenv("REVIEWRAG_STORE_SQLITE_PATH", filepath.Join(t.TempDir(), "reviews.db"))
	t.Setenv("REVIEWRAG_STORE_DIMENSION", "4")
	t.Setenv("REVIEWRAG_EMBEDDINGS_PROVIDER", "tei")

	calls := 0
	tei := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([][]float32{{1, 0, 0, 0}})
	}))
	defer tei.Close()
	t.Setenv("REVIEWRAG_EMBEDDINGS_BASE_URL", tei.URL)

	path := filepath.Join(t.TempDir(), "reviews.jsonl")
	data := "{\"review_id\":\"r1\",\"review_text\":\"one\"}\n{\"review_id\":\"r2\",\"review_text\":\"two\"}\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	_, _, err := runCmd(t, "ingest", path)
	require.NoError(t, err)
	_, _, err = runCmd(t, "preprocess")
	require.NoError(t, err)

	_, stderr, err := runCmd(t, "index", "--batch-size", "1")
	require.Error(t, err)
	assert.Contains(t, stderr, "--resume-generation")
	assert.Contains(t, stderr, `--after "r1"`)
}

func TestQueryCommand(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"review_id":"r1","review_text":"great battery","similarity_score":-0.1,"generated_response":"People like the battery."},
			{"review_id":"r2","review_text":"lasts all day","similarity_score":-0.3}
		]`))
	}))
	defer srv.Close()

	out, _, err := runCmd(t, "--server", srv.URL, "query", "--top-k", "2", "how is the battery?")
	require.NoError(t, err)

	assert.Equal(t, "how is the battery?", got["query_text"])
	assert.Equal(t, float64(2), got["top_k"])
	assert.NotContains(t, got, "temperature")

	assert.Contains(t, out, "Answer: People like the battery.")
	assert.Contains(t, out, "1. [r1]")
	assert.Contains(t, out, "2. [r2]")
}

func TestQueryCommandServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"no matches found"}`))
	}))
	defer srv.Close()

	_, _, err := runCmd(t, "--server", srv.URL, "query", "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404: no matches found")
}

func TestHealthCommand(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr string
	}{
		{"with generation", http.StatusOK, `{"status":"ok","generation":"g1"}`, "Generation:    g1", ""},
		{"no generation", http.StatusOK, `{"status":"ok"}`, "none (run reviewctl index)", ""},
		{"unhealthy", http.StatusServiceUnavailable, `{"status":"unavailable"}`, "", "status 503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/health", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			out, _, err := runCmd(t, "--server", srv.URL, "health")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out, "Server Status: ok")
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestHealthCommandUnreachable(t *testing.T) {
	_, _, err := runCmd(t, "--server", "http://127.0.0.1:1", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}
