package runctl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/db"
	"github.com/agentdev/ads/internal/task/models"
	"github.com/agentdev/ads/internal/task/store"
)

type fakeQueue struct {
	pauses  atomic.Int32
	resumes atomic.Int32
	notifys atomic.Int32
}

func (q *fakeQueue) Pause()  { q.pauses.Add(1) }
func (q *fakeQueue) Resume() { q.resumes.Add(1) }
func (q *fakeQueue) Notify() { q.notifys.Add(1) }

func newFixture(t *testing.T) (*Controller, *store.Store, *fakeQueue) {
	t.Helper()
	sqlDB, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	st, err := store.New(sqlDB)
	require.NoError(t, err)

	q := &fakeQueue{}
	return New(st, q, logger.Default()), st, q
}

func TestModeTransitions(t *testing.T) {
	c, _, q := newFixture(t)
	assert.Equal(t, ModeManual, c.Mode())

	c.SetModeAll()
	assert.Equal(t, ModeAll, c.Mode())
	assert.Equal(t, int32(1), q.resumes.Load())
	assert.Equal(t, int32(1), q.notifys.Load())

	c.SetModeManual()
	assert.Equal(t, ModeManual, c.Mode())
	assert.Equal(t, int32(1), q.pauses.Load())
}

func TestRequestSingleTaskRunNotFound(t *testing.T) {
	c, _, _ := newFixture(t)
	_, err := c.RequestSingleTaskRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRequestSingleTaskRunConflictsWithAllMode(t *testing.T) {
	c, st, _ := newFixture(t)
	task, err := st.Create(context.Background(), store.CreateInput{Prompt: "p"}, time.Now())
	require.NoError(t, err)

	c.SetModeAll()
	_, err = c.RequestSingleTaskRun(context.Background(), task.ID)
	assert.ErrorIs(t, err, ErrQueueRunning)
}

func TestRequestSingleTaskRunConflictsWithActiveTask(t *testing.T) {
	c, st, _ := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	active, err := st.Create(ctx, store.CreateInput{Prompt: "active"}, now)
	require.NoError(t, err)
	_, err = st.ClaimForExecution(ctx, now)
	require.NoError(t, err)

	other, err := st.Create(ctx, store.CreateInput{Prompt: "other"}, now.Add(time.Second))
	require.NoError(t, err)

	_, err = c.RequestSingleTaskRun(ctx, other.ID)
	assert.ErrorIs(t, err, ErrTaskActive)

	// Requesting the active task itself is idempotent.
	already, err := c.RequestSingleTaskRun(ctx, active.ID)
	require.NoError(t, err)
	assert.True(t, already)
}

func TestRequestSingleTaskRunRejectsTerminal(t *testing.T) {
	c, st, _ := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	task, err := st.Create(ctx, store.CreateInput{Prompt: "p"}, now)
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(ctx, task.ID, models.StatusCompleted, now))

	_, err = c.RequestSingleTaskRun(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskTerminal)
}

func TestSingleRunMovesTaskToFrontAndResumes(t *testing.T) {
	c, st, q := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	first, err := st.Create(ctx, store.CreateInput{Prompt: "first"}, now)
	require.NoError(t, err)
	target, err := st.Create(ctx, store.CreateInput{Prompt: "target"}, now.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, st.Enqueue(ctx, target.ID, now.Add(time.Second)))

	already, err := c.RequestSingleTaskRun(ctx, target.ID)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, ModeSingle, c.Mode())
	assert.Equal(t, int32(1), q.resumes.Load())
	assert.Equal(t, int32(1), q.notifys.Load())

	got, err := st.Get(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status, "queued task normalizes to pending")

	firstGot, err := st.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Less(t, got.QueueOrder, firstGot.QueueOrder)

	msgs, err := st.Messages(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "audit", msgs[0].MessageType)
}

func TestSingleModeBlocksPromotionAndRevertsOnTerminal(t *testing.T) {
	c, st, q := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	task, err := st.Create(ctx, store.CreateInput{Prompt: "p"}, now)
	require.NoError(t, err)
	_, err = c.RequestSingleTaskRun(ctx, task.ID)
	require.NoError(t, err)

	assert.False(t, c.ShouldPromoteQueuedOnTerminal(task.ID),
		"single mode must not promote on its own terminal event")
	assert.False(t, c.ShouldPromoteQueuedOnTerminal("someone-else"))

	assert.True(t, c.OnTaskTerminal(task.ID))
	assert.Equal(t, ModeManual, c.Mode())
	assert.Equal(t, int32(1), q.pauses.Load())

	// A second terminal event is a no-op.
	assert.False(t, c.OnTaskTerminal(task.ID))
}
