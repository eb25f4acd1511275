package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/errkind"
)

type fakeHandler struct {
	name     string
	parallel bool
	execute  func(ctx context.Context, payload string, tc *Context) (string, error)
}

func (h *fakeHandler) Name() string   { return h.name }
func (h *fakeHandler) Parallel() bool { return h.parallel }
func (h *fakeHandler) Execute(ctx context.Context, payload string, tc *Context) (string, error) {
	return h.execute(ctx, payload, tc)
}

func testContext(t *testing.T) *Context {
	t.Helper()
	return &Context{
		Cwd: t.TempDir(),
		Tools: config.ToolsConfig{
			MaxReadBytes:  1 << 20,
			MaxWriteBytes: 1 << 20,
		},
	}
}

func TestExecuteParallelBatchesConcurrently(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight int32
		peak     int32
		seqOrder []string
	)

	parallelExec := func(ctx context.Context, payload string, tc *Context) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "par:" + payload, nil
	}
	serialExec := func(ctx context.Context, payload string, tc *Context) (string, error) {
		require.Zero(t, atomic.LoadInt32(&inFlight), "serial handler ran during a parallel batch")
		mu.Lock()
		seqOrder = append(seqOrder, payload)
		mu.Unlock()
		return "seq:" + payload, nil
	}

	r := &Registry{handlers: make(map[string]Handler)}
	r.Register(&fakeHandler{name: "read", parallel: true, execute: parallelExec})
	r.Register(&fakeHandler{name: "grep", parallel: true, execute: parallelExec})
	r.Register(&fakeHandler{name: "exec", parallel: false, execute: serialExec})

	text := "<<<tool.read\na\n>>><<<tool.grep\nb\n>>><<<tool.exec\nc\n>>><<<tool.read\nd\n>>>"
	blocks := ExtractToolBlocks(text)
	require.Len(t, blocks, 4)

	results, err := r.Execute(context.Background(), blocks, testContext(t))
	require.NoError(t, err)
	require.Len(t, results, 4)

	// Results come back in source order regardless of scheduling.
	assert.Equal(t, "par:a", results[0].Output)
	assert.Equal(t, "par:b", results[1].Output)
	assert.Equal(t, "seq:c", results[2].Output)
	assert.Equal(t, "par:d", results[3].Output)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(2), "first batch should overlap")
	assert.Equal(t, []string{"c"}, seqOrder)
}

func TestExecuteBatchRespectsConcurrencyCap(t *testing.T) {
	var inFlight, peak int32
	exec := func(ctx context.Context, payload string, tc *Context) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return payload, nil
	}

	r := &Registry{handlers: make(map[string]Handler)}
	r.Register(&fakeHandler{name: "read", parallel: true, execute: exec})

	var blocks []Block
	for i := 0; i < 12; i++ {
		blocks = append(blocks, Block{Name: "read", Payload: fmt.Sprintf("p%d", i)})
	}

	_, err := r.Execute(context.Background(), blocks, testContext(t))
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(parallelBatchLimit))
}

func TestExecuteHandlerErrorsDoNotAbort(t *testing.T) {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register(&fakeHandler{name: "bad", parallel: false, execute: func(ctx context.Context, payload string, tc *Context) (string, error) {
		return "", errkind.Tool("boom")
	}})
	r.Register(&fakeHandler{name: "good", parallel: false, execute: func(ctx context.Context, payload string, tc *Context) (string, error) {
		return "ok", nil
	}})

	blocks := []Block{{Name: "bad"}, {Name: "good"}, {Name: "nosuch"}}
	results, err := r.Execute(context.Background(), blocks, testContext(t))
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Error(t, results[0].Err)
	assert.Contains(t, results[0].Rendered(), "tool bad failed")
	assert.Equal(t, "ok", results[1].Rendered())
	assert.Contains(t, results[2].Rendered(), "unknown tool")
}

func TestExecuteCancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRegistry(nil)
	_, err := r.Execute(ctx, []Block{{Name: "read", Payload: "x"}}, testContext(t))
	require.Error(t, err)
	assert.True(t, errkind.IsAbort(err))
}

func TestReadToolRejectsPathOutsideAllowlist(t *testing.T) {
	tc := testContext(t)

	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("nope"), 0o644))

	h := &readTool{}
	_, err := h.Execute(context.Background(), outside, tc)
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrInput)

	_, err = h.Execute(context.Background(), "../escape.txt", tc)
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrInput)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	tc := testContext(t)

	w := &writeTool{}
	out, err := w.Execute(context.Background(), `{"path":"sub/dir/note.txt","content":"hello world"}`, tc)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 11 bytes")

	r := &readTool{}
	got, err := r.Execute(context.Background(), "sub/dir/note.txt", tc)
	require.NoError(t, err)
	assert.Contains(t, got, "hello world")
}

func TestReadToolRejectsBinary(t *testing.T) {
	tc := testContext(t)
	path := filepath.Join(tc.Cwd, "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x7f, 0x00, 0x01, 0x02}, 0o644))

	_, err := (&readTool{}).Execute(context.Background(), "blob.bin", tc)
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrInput)
}

func TestReadToolReadsFullyUpToCap(t *testing.T) {
	tc := testContext(t)
	// Larger than any single read chunk; everything under the cap must come
	// back, and one byte over the cap flags truncation.
	content := strings.Repeat("x", 300_000)
	path := filepath.Join(tc.Cwd, "big.txt")
	require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o644))

	got, err := (&readTool{}).Execute(context.Background(), "big.txt", tc)
	require.NoError(t, err)
	assert.NotContains(t, got, "(truncated)")
	assert.Contains(t, got, content)

	got, err = (&readTool{}).Execute(context.Background(),
		`{"path":"big.txt","maxBytes":1000}`, tc)
	require.NoError(t, err)
	assert.Contains(t, got, "(truncated)")
	assert.Contains(t, got, strings.Repeat("x", 1000))
	assert.NotContains(t, got, strings.Repeat("x", 1001))
}

func TestReadToolLineRange(t *testing.T) {
	tc := testContext(t)
	path := filepath.Join(tc.Cwd, "lines.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o644))

	got, err := (&readTool{}).Execute(context.Background(), `{"path":"lines.txt","startLine":2,"endLine":3}`, tc)
	require.NoError(t, err)
	assert.Contains(t, got, "two\nthree")
	assert.NotContains(t, got, "one\n")
	assert.NotContains(t, got, "four")
}

func TestResolvePathSymlinkEscape(t *testing.T) {
	tc := testContext(t)
	outside := t.TempDir()
	link := filepath.Join(tc.Cwd, "out")
	require.NoError(t, os.Symlink(outside, link))

	_, err := resolvePath(tc.Cwd, "out/file.txt", tc.AllowedDirs())
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrInput)
}
