package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/ads/internal/db"
	"github.com/agentdev/ads/internal/task/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sqlDB, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	s, err := New(sqlDB)
	require.NoError(t, err)
	return s
}

func mustCreate(t *testing.T, s *Store, in CreateInput, now time.Time) *models.Task {
	t.Helper()
	task, err := s.Create(context.Background(), in, now)
	require.NoError(t, err)
	return task
}

func TestCreateDefaultsToPending(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	task := mustCreate(t, s, CreateInput{Title: "t", Prompt: "do things"}, now)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Equal(t, now.UnixMilli(), task.QueueOrder)
	assert.NotEmpty(t, task.ID)
}

func TestCreateRequiresPrompt(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(context.Background(), CreateInput{Title: "t"}, time.Now())
	assert.Error(t, err)
}

func TestClaimForExecutionSingleActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := mustCreate(t, s, CreateInput{Prompt: "one"}, now)
	mustCreate(t, s, CreateInput{Prompt: "two"}, now.Add(time.Second))

	claimed, err := s.ClaimForExecution(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.StatusPlanning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	// A second claim must fail while the first task is active.
	blocked, err := s.ClaimForExecution(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	// Completing the first frees the slot.
	require.NoError(t, s.UpdateStatus(ctx, first.ID, models.StatusCompleted, now))
	next, err := s.ClaimForExecution(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestClaimOrderFollowsQueueOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	late := mustCreate(t, s, CreateInput{Prompt: "late"}, base.Add(time.Minute))
	early := mustCreate(t, s, CreateInput{Prompt: "early"}, base)
	_ = late

	claimed, err := s.ClaimForExecution(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, early.ID, claimed.ID)
}

func TestEnqueueAndDequeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	task := mustCreate(t, s, CreateInput{Prompt: "queued work"}, now)
	require.NoError(t, s.Enqueue(ctx, task.ID, now))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	require.NotNil(t, got.QueuedAt)

	promoted, err := s.DequeueNextQueued(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, task.ID, promoted.ID)
	assert.Equal(t, models.StatusPending, promoted.Status)
}

func TestDequeueBlockedByActiveTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	active := mustCreate(t, s, CreateInput{Prompt: "active"}, now)
	_, err := s.ClaimForExecution(ctx, now)
	require.NoError(t, err)

	queued := mustCreate(t, s, CreateInput{Prompt: "waiting"}, now.Add(time.Second))
	require.NoError(t, s.Enqueue(ctx, queued.ID, now))

	promoted, err := s.DequeueNextQueued(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, promoted, "no promotion while %s is active", active.ID)
}

func TestTerminalStatusIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	task := mustCreate(t, s, CreateInput{Prompt: "p"}, now)
	require.NoError(t, s.UpdateStatus(ctx, task.ID, models.StatusCancelled, now))

	err := s.UpdateStatus(ctx, task.ID, models.StatusRunning, now)
	assert.Error(t, err, "terminal tasks must not transition again")

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestMarkPromptInjectedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	task := mustCreate(t, s, CreateInput{Prompt: "p"}, now)

	wrote, err := s.MarkPromptInjected(ctx, task.ID, now)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = s.MarkPromptInjected(ctx, task.ID, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, wrote, "second mark must be a no-op")
}

func TestRetryFailedRespectsBudgetAndFrontOfQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	other := mustCreate(t, s, CreateInput{Prompt: "other"}, now)
	task := mustCreate(t, s, CreateInput{Prompt: "flaky", MaxRetries: 1}, now.Add(time.Second))
	require.NoError(t, s.UpdateStatus(ctx, task.ID, models.StatusFailed, now))

	ok, err := s.RetryFailed(ctx, task.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	otherGot, err := s.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Less(t, got.QueueOrder, otherGot.QueueOrder, "retried task jumps to the front")

	// Budget exhausted: a second retry is refused.
	require.NoError(t, s.UpdateStatus(ctx, task.ID, models.StatusFailed, now))
	ok, err = s.RetryFailed(ctx, task.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimHonorsRetryBackoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	task := mustCreate(t, s, CreateInput{Prompt: "flaky", MaxRetries: 1}, now)
	require.NoError(t, s.UpdateStatus(ctx, task.ID, models.StatusFailed, now))

	notBefore := now.Add(time.Minute)
	ok, err := s.RetryFailed(ctx, task.ID, notBefore)
	require.NoError(t, err)
	require.True(t, ok)

	// Pending again, but held back until the backoff elapses.
	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	claimed, err := s.ClaimForExecution(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	claimed, err = s.ClaimForExecution(ctx, notBefore.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Nil(t, claimed.RetryNotBefore)
}

func TestSaveContextWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	task := mustCreate(t, s, CreateInput{Prompt: "p"}, now)

	wrote, err := s.SaveContext(ctx, task.ID, models.ContextChangedPaths, "a.go\nb.go", now)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = s.SaveContext(ctx, task.ID, models.ContextChangedPaths, "c.go", now)
	require.NoError(t, err)
	assert.False(t, wrote, "artifacts are write-once per type")

	ctxs, err := s.GetContexts(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, ctxs, 1)
	assert.Equal(t, "a.go\nb.go", ctxs[0].Content)
}

func TestActiveTaskID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	id, err := s.ActiveTaskID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	task := mustCreate(t, s, CreateInput{Prompt: "p"}, now)
	_, err = s.ClaimForExecution(ctx, now)
	require.NoError(t, err)

	id, err = s.ActiveTaskID(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, id)
}

func TestListFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a := mustCreate(t, s, CreateInput{Prompt: "a"}, now)
	b := mustCreate(t, s, CreateInput{Prompt: "b"}, now.Add(time.Second))
	require.NoError(t, s.Enqueue(ctx, b.ID, now))

	pending, err := s.List(ctx, ListFilter{Statuses: []models.Status{models.StatusPending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	all, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAddAndListMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	task := mustCreate(t, s, CreateInput{Prompt: "p"}, now)

	_, err := s.AddMessage(ctx, models.Message{TaskID: task.ID, Role: "ai", Content: "first", CreatedAt: 1})
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, models.Message{TaskID: task.ID, Role: "ai", Content: "second", CreatedAt: 2})
	require.NoError(t, err)

	msgs, err := s.Messages(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
}
