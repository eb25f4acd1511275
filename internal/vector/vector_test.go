package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/db"
	"github.com/agentdev/ads/internal/history"
)

type fakeVectorServer struct {
	mu       sync.Mutex
	queries  []string
	upserts  [][]Document
	hits     []Hit
	*httptest.Server
}

func newFakeVectorServer(t *testing.T) *fakeVectorServer {
	t.Helper()
	f := &fakeVectorServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.queries = append(f.queries, req.Query)
		hits := f.hits
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"hits": hits})
	})
	mux.HandleFunc("/rerank", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Hits []Hit `json:"hits"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Reverse to make reordering observable.
		for i, j := 0, len(req.Hits)-1; i < j; i, j = i+1, j-1 {
			req.Hits[i], req.Hits[j] = req.Hits[j], req.Hits[i]
		}
		json.NewEncoder(w).Encode(map[string]any{"hits": req.Hits})
	})
	mux.HandleFunc("/upsert", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Documents []Document `json:"documents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.upserts = append(f.upserts, req.Documents)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeVectorServer) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func newTestService(t *testing.T, srv *fakeVectorServer, cfg config.VectorConfig) (*Service, *KV, *history.Store) {
	t.Helper()
	sqlDB, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	kv, err := NewKV(sqlDB)
	require.NoError(t, err)
	hist, err := history.NewStore(sqlDB, config.HistoryConfig{})
	require.NoError(t, err)

	cfg.Enabled = true
	cfg.BaseURL = srv.URL
	if cfg.MaxChars == 0 {
		cfg.MaxChars = 200
	}
	return NewService(cfg, kv, hist, logger.Default()), kv, hist
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("", 10, 2))
	assert.Equal(t, []string{"short"}, chunkText("short", 10, 2))

	chunks := chunkText("abcdefghij", 4, 2)
	assert.Equal(t, []string{"abcd", "cdef", "efgh", "ghij"}, chunks)

	// Oversized overlap is clamped rather than looping forever.
	chunks = chunkText("abcdefghij", 4, 10)
	assert.NotEmpty(t, chunks)
}

func TestAutoContextRewritesTriggerKeyword(t *testing.T) {
	srv := newFakeVectorServer(t)
	srv.hits = []Hit{{ID: "1", Text: "snippet"}}
	svc, _, hist := newTestService(t, srv, config.VectorConfig{})
	ctx := context.Background()

	_, err := hist.Add(ctx, history.Entry{
		Namespace: "ws", SessionID: "s1", Role: history.RoleUser,
		Text: "implement the retry logic", Ts: time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	out, err := svc.AutoContext(ctx, "nsA", "ws", "s1", "继续")
	require.NoError(t, err)
	assert.Contains(t, out, "snippet")

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.queries, 1)
	assert.Equal(t, "implement the retry logic", srv.queries[0])
}

func TestAutoContextThrottleServesCache(t *testing.T) {
	srv := newFakeVectorServer(t)
	srv.hits = []Hit{{ID: "1", Text: "cached snippet"}}
	svc, _, _ := newTestService(t, srv, config.VectorConfig{MinIntervalMs: 60_000})
	ctx := context.Background()

	first, err := svc.AutoContext(ctx, "nsA", "ws", "s1", "how does auth work")
	require.NoError(t, err)
	assert.Contains(t, first, "cached snippet")
	assert.Equal(t, 1, srv.queryCount())

	second, err := svc.AutoContext(ctx, "nsA", "ws", "s1", "another question")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, srv.queryCount(), "second call inside the interval must not hit the service")

	// A different workspace key has its own budget.
	_, err = svc.AutoContext(ctx, "nsB", "ws", "s1", "third question")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.queryCount())
}

func TestAutoContextSkipsOverlongQueries(t *testing.T) {
	srv := newFakeVectorServer(t)
	svc, _, _ := newTestService(t, srv, config.VectorConfig{MaxQueryChars: 5})

	out, err := svc.AutoContext(context.Background(), "ns", "ws", "s1", "much too long for the limit")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, srv.queryCount())
}

func TestAutoContextDropsStaleFileHits(t *testing.T) {
	srv := newFakeVectorServer(t)
	srv.hits = []Hit{
		{ID: "stale", Text: "old content", Metadata: map[string]any{"path": "docs/spec/design.md", "content_hash": "aaa"}},
		{ID: "fresh", Text: "current content", Metadata: map[string]any{"path": "docs/spec/task.md", "content_hash": "bbb"}},
	}
	svc, kv, _ := newTestService(t, srv, config.VectorConfig{})
	ctx := context.Background()

	// The design doc was re-indexed with a different hash; the task doc matches.
	require.NoError(t, kv.Set(ctx, fileHashKey("ns", "docs/spec/design.md"), "zzz"))
	require.NoError(t, kv.Set(ctx, fileHashKey("ns", "docs/spec/task.md"), "bbb"))

	out, err := svc.AutoContext(ctx, "ns", "ws", "s1", "what changed")
	require.NoError(t, err)
	assert.NotContains(t, out, "old content")
	assert.Contains(t, out, "current content")
}

func TestPreflightIndexesChangedFilesOnce(t *testing.T) {
	srv := newFakeVectorServer(t)
	svc, _, _ := newTestService(t, srv, config.VectorConfig{})
	ctx := context.Background()

	root := t.TempDir()
	specDir := filepath.Join(root, "docs", "spec")
	require.NoError(t, os.MkdirAll(specDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(specDir, "design.md"), []byte("design body"), 0o644))

	require.NoError(t, svc.Preflight(ctx, "ns", root))
	srv.mu.Lock()
	upserts := len(srv.upserts)
	srv.mu.Unlock()
	assert.Equal(t, 1, upserts)

	// Unchanged content is skipped on the next run.
	require.NoError(t, svc.Preflight(ctx, "ns", root))
	srv.mu.Lock()
	assert.Len(t, srv.upserts, upserts)
	srv.mu.Unlock()

	// A content change triggers a re-index.
	require.NoError(t, os.WriteFile(filepath.Join(specDir, "design.md"), []byte("revised body"), 0o644))
	require.NoError(t, svc.Preflight(ctx, "ns", root))
	srv.mu.Lock()
	assert.Len(t, srv.upserts, upserts+1)
	srv.mu.Unlock()
}

func TestPreflightAdvancesHistoryCursor(t *testing.T) {
	srv := newFakeVectorServer(t)
	svc, kv, hist := newTestService(t, srv, config.VectorConfig{})
	ctx := context.Background()

	_, err := hist.Add(ctx, history.Entry{
		Namespace: "ws", SessionID: "s1", Role: history.RoleUser,
		Text: "first message", Ts: time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Preflight(ctx, "ns", t.TempDir()))
	cursor, err := kv.Get(ctx, historyCursorKey("ns", "ws", "s1"))
	require.NoError(t, err)
	assert.NotEmpty(t, cursor)

	srv.mu.Lock()
	firstRuns := len(srv.upserts)
	srv.mu.Unlock()

	// No new rows: nothing more is upserted.
	require.NoError(t, svc.Preflight(ctx, "ns", t.TempDir()))
	srv.mu.Lock()
	assert.Len(t, srv.upserts, firstRuns)
	srv.mu.Unlock()
}
