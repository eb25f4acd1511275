package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/ads/internal/agent"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/db"
	"github.com/agentdev/ads/internal/threads"
)

type stubAdapter struct {
	mu       sync.Mutex
	id       string
	threadID string
	resumed  []string
	cwd      string
}

func (a *stubAdapter) Metadata() agent.Metadata {
	return agent.Metadata{ID: a.id, Name: a.id, Capabilities: agent.Capabilities{Stateful: true}}
}
func (a *stubAdapter) Status() agent.Status { return agent.Status{Ready: true} }
func (a *stubAdapter) SetWorkingDirectory(path string) {
	a.mu.Lock()
	a.cwd = path
	a.mu.Unlock()
}
func (a *stubAdapter) SetModel(string) {}
func (a *stubAdapter) ThreadID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}
func (a *stubAdapter) ResumeThread(id string) {
	a.mu.Lock()
	a.threadID = id
	a.resumed = append(a.resumed, id)
	a.mu.Unlock()
}
func (a *stubAdapter) Reset() {
	a.mu.Lock()
	a.threadID = ""
	a.mu.Unlock()
}
func (a *stubAdapter) Send(ctx context.Context, input []agent.InputPart, opts agent.SendOptions) (*agent.SendResult, error) {
	return &agent.SendResult{Response: "ok", AgentID: a.id}, nil
}
func (a *stubAdapter) OnEvent(func(agent.Event)) func() { return func() {} }

type fixture struct {
	manager *Manager
	store   *threads.Store
	made    []*stubAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlDB, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	store, err := threads.NewStore(sqlDB, t.TempDir())
	require.NoError(t, err)

	f := &fixture{store: store}
	factory := func(cwd string) (map[string]agent.Adapter, string, error) {
		a := &stubAdapter{id: "codex"}
		f.made = append(f.made, a)
		return map[string]agent.Adapter{"codex": a}, "codex", nil
	}
	f.manager = NewManager(factory, store, "ws", logger.Default())
	return f
}

func TestGetOrCreateReusesEntryForSameCwd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	e1, err := f.manager.GetOrCreate(ctx, "u1", dir, false)
	require.NoError(t, err)
	e2, err := f.manager.GetOrCreate(ctx, "u1", dir, false)
	require.NoError(t, err)

	assert.Same(t, e1, e2)
	assert.Len(t, f.made, 1)
	assert.Equal(t, dir, f.made[0].cwd)
}

func TestGetOrCreateRebuildsOnCwdChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e1, err := f.manager.GetOrCreate(ctx, "u1", t.TempDir(), false)
	require.NoError(t, err)
	f.made[0].threadID = "t-old"

	e2, err := f.manager.GetOrCreate(ctx, "u1", t.TempDir(), false)
	require.NoError(t, err)

	assert.NotSame(t, e1, e2)
	require.Len(t, f.made, 2)

	// The old workspace's thread id was persisted before teardown.
	v, _, err := f.store.Get(ctx, "ws", "u1")
	require.NoError(t, err)
	assert.Equal(t, "t-old", v.ForAgent("codex"))
}

func TestResumeReplaysSavedThreadIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Set(ctx, "ws", "u1",
		threads.Value{Multi: map[string]string{"codex": "t-saved"}}, "/w"))

	_, err := f.manager.GetOrCreate(ctx, "u1", t.TempDir(), true)
	require.NoError(t, err)

	require.Len(t, f.made, 1)
	assert.Equal(t, []string{"t-saved"}, f.made[0].resumed)
}

func TestResetPreservesOrDeletesThreads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.GetOrCreate(ctx, "u1", t.TempDir(), false)
	require.NoError(t, err)
	f.made[0].threadID = "t-1"

	require.NoError(t, f.manager.Reset(ctx, "u1", true))
	_, ok := f.manager.Get("u1")
	assert.False(t, ok)

	v, _, err := f.store.Get(ctx, "ws", "u1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", v.ForAgent("codex"))

	// Without preserve the stored ids are removed too.
	_, err = f.manager.GetOrCreate(ctx, "u1", t.TempDir(), false)
	require.NoError(t, err)
	require.NoError(t, f.manager.Reset(ctx, "u1", false))

	v, _, err = f.store.Get(ctx, "ws", "u1")
	require.NoError(t, err)
	assert.True(t, v.IsZero())
}
