package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/ads/internal/agent"
	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/db"
	"github.com/agentdev/ads/internal/task/models"
	"github.com/agentdev/ads/internal/task/queue"
	"github.com/agentdev/ads/internal/task/store"
	"github.com/agentdev/ads/internal/tools"
)

type scriptedAdapter struct {
	mu       sync.Mutex
	id       string
	response string
	sends    int
	resets   int
	fanout   agent.EventFanout
}

func (a *scriptedAdapter) Metadata() agent.Metadata {
	return agent.Metadata{ID: a.id, Name: a.id, Capabilities: agent.Capabilities{Stateful: true}}
}
func (a *scriptedAdapter) Status() agent.Status      { return agent.Status{Ready: true} }
func (a *scriptedAdapter) SetWorkingDirectory(string) {}
func (a *scriptedAdapter) SetModel(string)            {}
func (a *scriptedAdapter) ThreadID() string           { return "" }
func (a *scriptedAdapter) ResumeThread(string)        {}
func (a *scriptedAdapter) Reset() {
	a.mu.Lock()
	a.resets++
	a.mu.Unlock()
}
func (a *scriptedAdapter) OnEvent(fn func(agent.Event)) func() { return a.fanout.OnEvent(fn) }
func (a *scriptedAdapter) Send(ctx context.Context, input []agent.InputPart, opts agent.SendOptions) (*agent.SendResult, error) {
	a.mu.Lock()
	a.sends++
	a.mu.Unlock()
	a.fanout.Emit(agent.Event{AgentID: a.id, Phase: agent.PhaseResponding, Detail: "chunk"})
	return &agent.SendResult{Response: a.response, AgentID: a.id}, nil
}

func newTestExecutor(t *testing.T, adapter *scriptedAdapter) (*Executor, *store.Store, *int) {
	t.Helper()
	sqlDB, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	st, err := store.New(sqlDB)
	require.NoError(t, err)

	builds := 0
	factory := func(cwd string) (map[string]agent.Adapter, string, error) {
		builds++
		return map[string]agent.Adapter{adapter.id: adapter}, adapter.id, nil
	}

	cfg := &config.Config{
		Agents: config.AgentsConfig{MaxSupervisorRounds: 1, MaxDelegations: 2, DelegationConcurrency: 1},
	}
	ex := New(factory, tools.NewRegistry(logger.Default()), st, nil, cfg, t.TempDir(), logger.Default())
	return ex, st, &builds
}

func createTask(t *testing.T, st *store.Store, in store.CreateInput) *models.Task {
	t.Helper()
	task, err := st.Create(context.Background(), in, time.Now())
	require.NoError(t, err)
	return task
}

func TestRunTaskRecordsTranscript(t *testing.T) {
	adapter := &scriptedAdapter{id: "main", response: "all done"}
	ex, st, _ := newTestExecutor(t, adapter)
	ctx := context.Background()

	task := createTask(t, st, store.CreateInput{Title: "t", Prompt: "do the thing"})

	out, err := ex.RunTask(ctx, task, func(string, map[string]any) {})
	require.NoError(t, err)
	assert.Equal(t, "all done", out)

	msgs, err := st.Messages(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "do the thing", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "all done", msgs[1].Content)
}

func TestRunTaskStreamsAdapterEvents(t *testing.T) {
	adapter := &scriptedAdapter{id: "main", response: "ok"}
	ex, st, _ := newTestExecutor(t, adapter)
	ctx := context.Background()

	task := createTask(t, st, store.CreateInput{Prompt: "p"})

	var subjects []string
	_, err := ex.RunTask(ctx, task, func(subject string, data map[string]any) {
		subjects = append(subjects, subject)
	})
	require.NoError(t, err)
	assert.Contains(t, subjects, queue.SubjectMessageDelta)
}

func TestInheritContextReusesOrchestrator(t *testing.T) {
	adapter := &scriptedAdapter{id: "main", response: "ok"}
	ex, st, builds := newTestExecutor(t, adapter)
	ctx := context.Background()
	emit := func(string, map[string]any) {}

	first := createTask(t, st, store.CreateInput{Prompt: "a"})
	_, err := ex.RunTask(ctx, first, emit)
	require.NoError(t, err)
	assert.Equal(t, 1, *builds)

	// Inheriting task continues on the same orchestrator.
	second := createTask(t, st, store.CreateInput{Prompt: "b", InheritContext: true})
	_, err = ex.RunTask(ctx, second, emit)
	require.NoError(t, err)
	assert.Equal(t, 1, *builds)

	// A non-inheriting task forces a fresh one.
	third := createTask(t, st, store.CreateInput{Prompt: "c"})
	_, err = ex.RunTask(ctx, third, emit)
	require.NoError(t, err)
	assert.Equal(t, 2, *builds)
}
