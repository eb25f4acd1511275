package gateway

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/ads/internal/agent"
	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/db"
	"github.com/agentdev/ads/internal/history"
	"github.com/agentdev/ads/internal/session"
	"github.com/agentdev/ads/internal/threads"
	"github.com/agentdev/ads/internal/tools"
	"github.com/agentdev/ads/internal/workspace"
)

type chatAdapter struct {
	id       string
	threadID string
	cwd      string
	fanout   agent.EventFanout
	send     func(ctx context.Context) (string, error)
}

func (f *chatAdapter) Metadata() agent.Metadata {
	return agent.Metadata{ID: f.id, Name: f.id}
}
func (f *chatAdapter) Status() agent.Status            { return agent.Status{Ready: true} }
func (f *chatAdapter) SetWorkingDirectory(path string) { f.cwd = path }
func (f *chatAdapter) SetModel(string)                 {}
func (f *chatAdapter) ThreadID() string                { return f.threadID }
func (f *chatAdapter) ResumeThread(id string)          { f.threadID = id }
func (f *chatAdapter) Reset()                          { f.threadID = "" }
func (f *chatAdapter) OnEvent(fn func(agent.Event)) func() {
	return f.fanout.OnEvent(fn)
}
func (f *chatAdapter) Send(ctx context.Context, input []agent.InputPart, opts agent.SendOptions) (*agent.SendResult, error) {
	if f.send != nil {
		text, err := f.send(ctx)
		if err != nil {
			return nil, err
		}
		return &agent.SendResult{Response: text}, nil
	}
	return &agent.SendResult{Response: "ok from " + f.id}, nil
}

type chatFixture struct {
	chat *Chat
	hist *history.Store
	root string
}

func newChatFixture(t *testing.T, send func(ctx context.Context) (string, error)) *chatFixture {
	t.Helper()

	sqlDB, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	hist, err := history.NewStore(sqlDB, config.HistoryConfig{
		MaxEntriesPerSession: 100,
		MaxTextLength:        4096,
		DedupeWindowMs:       60_000,
	})
	require.NoError(t, err)

	thr, err := threads.NewStore(sqlDB, t.TempDir())
	require.NoError(t, err)

	factory := func(cwd string) (map[string]agent.Adapter, string, error) {
		return map[string]agent.Adapter{
			"codex":  &chatAdapter{id: "codex", send: send},
			"claude": &chatAdapter{id: "claude", send: send},
		}, "codex", nil
	}
	sessions := session.NewManager(factory, thr, "test", logger.Default())
	t.Cleanup(func() { sessions.Close(context.Background()) })

	cfg := &config.Config{
		Agents: config.AgentsConfig{
			MaxSupervisorRounds:   1,
			MaxDelegations:        1,
			DelegationConcurrency: 1,
		},
	}
	root := t.TempDir()
	chat := NewChat("test", sessions, tools.NewRegistry(logger.Default()), hist, nil,
		workspace.NewLockPool(), root, cfg, logger.Default())
	return &chatFixture{chat: chat, hist: hist, root: workspace.Normalize(root)}
}

func TestAckDeduplicatesByClientMessageID(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	dup, err := f.chat.Ack(ctx, "s1", "m1", "hello")
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = f.chat.Ack(ctx, "s1", "m1", "hello")
	require.NoError(t, err)
	assert.True(t, dup, "redelivery of the same client message id")

	dup, err = f.chat.Ack(ctx, "s1", "m2", "hello")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestAckWithoutClientMessageIDNeverDedupes(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		dup, err := f.chat.Ack(ctx, "s1", "", "same text")
		require.NoError(t, err)
		assert.False(t, dup)
	}
}

func TestRunPromptRecordsTranscript(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	res, err := f.chat.RunPrompt(ctx, "u1", "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok from codex", res.Response)

	entries, err := f.hist.Get(ctx, "test", "s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.RoleAI, entries[0].Role)
	assert.Equal(t, "ok from codex", entries[0].Text)
}

func TestCommandPwdAndCd(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	res, err := f.chat.Command(ctx, "u1", "s1", "/pwd")
	require.NoError(t, err)
	assert.Equal(t, f.root, res.Text)
	assert.True(t, res.Silent)

	sub := filepath.Join(f.root, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	res, err = f.chat.Command(ctx, "u1", "s1", "/cd sub")
	require.NoError(t, err)
	assert.Equal(t, "cwd: "+sub, res.Text)
	assert.Equal(t, sub, f.chat.Cwd("u1"))

	// Other users keep their own working directory.
	assert.Equal(t, f.root, f.chat.Cwd("u2"))

	_, err = f.chat.Command(ctx, "u1", "s1", "/cd does-not-exist")
	assert.ErrorIs(t, err, errkind.ErrInput)
}

func TestCommandAgentListAndSwitch(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	res, err := f.chat.Command(ctx, "u1", "s1", "/agent")
	require.NoError(t, err)
	assert.Contains(t, res.Text, "* codex")
	assert.Contains(t, res.Text, "  claude")

	res, err = f.chat.Command(ctx, "u1", "s1", "/agent claude")
	require.NoError(t, err)
	assert.Equal(t, "active agent: claude", res.Text)

	_, err = f.chat.Command(ctx, "u1", "s1", "/agent gemini")
	assert.ErrorIs(t, err, errkind.ErrInput)
}

func TestCommandUnknown(t *testing.T) {
	f := newChatFixture(t, nil)

	_, err := f.chat.Command(context.Background(), "u1", "s1", "/frobnicate now")
	assert.ErrorIs(t, err, errkind.ErrInput)
}

func TestInterruptAbortsTurn(t *testing.T) {
	started := make(chan struct{})
	f := newChatFixture(t, func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	assert.False(t, f.chat.Interrupt("u1"), "nothing in flight yet")

	done := make(chan error, 1)
	go func() {
		_, err := f.chat.RunPrompt(context.Background(), "u1", "s1", "long job")
		done <- err
	}()

	<-started
	assert.True(t, f.chat.Interrupt("u1"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not abort in time")
	}
}

func TestEscCommandReportsIdle(t *testing.T) {
	f := newChatFixture(t, nil)

	res, err := f.chat.Command(context.Background(), "u1", "s1", "/esc")
	require.NoError(t, err)
	assert.Equal(t, "nothing to abort", res.Text)
	assert.True(t, res.Silent)
}

func TestClearHistoryWipesTranscript(t *testing.T) {
	f := newChatFixture(t, nil)
	ctx := context.Background()

	_, err := f.chat.Ack(ctx, "s1", "m1", "keep me not")
	require.NoError(t, err)
	_, err = f.chat.RunPrompt(ctx, "u1", "s1", "hello")
	require.NoError(t, err)

	n, err := f.chat.ClearHistory(ctx, "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries, err := f.hist.Get(ctx, "test", "s1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
