// Package store implements the per-workspace task store on SQLite. Every
// mutating operation is a single transaction so the queue worker, run
// controller, and HTTP handlers observe atomic transitions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/task/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	title              TEXT NOT NULL,
	prompt             TEXT NOT NULL,
	model              TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 0,
	queue_order        INTEGER NOT NULL,
	inherit_context    INTEGER NOT NULL DEFAULT 0,
	retry_count        INTEGER NOT NULL DEFAULT 0,
	max_retries        INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	queued_at          INTEGER,
	started_at         INTEGER,
	completed_at       INTEGER,
	result             TEXT NOT NULL DEFAULT '',
	error              TEXT NOT NULL DEFAULT '',
	prompt_injected_at INTEGER,
	retry_not_before   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_order ON tasks(status, queue_order);

CREATE TABLE IF NOT EXISTS task_messages (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL REFERENCES tasks(id),
	plan_step_id TEXT NOT NULL DEFAULT '',
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	message_type TEXT NOT NULL DEFAULT '',
	model_used   TEXT NOT NULL DEFAULT '',
	token_count  INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_messages_task ON task_messages(task_id, created_at);

CREATE TABLE IF NOT EXISTS task_contexts (
	task_id      TEXT NOT NULL REFERENCES tasks(id),
	context_type TEXT NOT NULL,
	content      TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (task_id, context_type)
);

CREATE TABLE IF NOT EXISTS task_bundle_drafts (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	tasks_json       TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	approved_at      INTEGER,
	created_task_ids TEXT NOT NULL DEFAULT ''
);
`

// Store persists tasks for one workspace.
type Store struct {
	db *sqlx.DB
}

// New wraps the workspace database and ensures the schema exists.
func New(sqlDB *sql.DB) (*Store, error) {
	db := sqlx.NewDb(sqlDB, "sqlite3")
	if _, err := db.Exec(schema); err != nil {
		return nil, errkind.Storage("task schema: %v", err)
	}
	return &Store{db: db}, nil
}

// CreateInput is the caller-supplied part of a new task.
type CreateInput struct {
	Title          string
	Prompt         string
	Model          string
	Status         models.Status // defaults to pending
	Priority       int
	InheritContext bool
	MaxRetries     int
}

// Create inserts a task with queue_order = now.
func (s *Store) Create(ctx context.Context, in CreateInput, now time.Time) (*models.Task, error) {
	if in.Prompt == "" {
		return nil, errkind.Input("task prompt is required")
	}
	status := in.Status
	if status == "" {
		status = models.StatusPending
	}
	if !status.Valid() {
		return nil, errkind.Input("invalid task status %q", status)
	}

	t := &models.Task{
		ID:             uuid.NewString(),
		Title:          in.Title,
		Prompt:         in.Prompt,
		Model:          in.Model,
		Status:         status,
		Priority:       in.Priority,
		QueueOrder:     now.UnixMilli(),
		InheritContext: in.InheritContext,
		MaxRetries:     in.MaxRetries,
		CreatedAt:      now.UnixMilli(),
	}
	if status == models.StatusQueued {
		qa := now.UnixMilli()
		t.QueuedAt = &qa
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tasks (id, title, prompt, model, status, priority, queue_order,
			inherit_context, retry_count, max_retries, created_at, queued_at)
		VALUES (:id, :title, :prompt, :model, :status, :priority, :queue_order,
			:inherit_context, :retry_count, :max_retries, :created_at, :queued_at)`, t)
	if err != nil {
		return nil, errkind.Storage("task insert: %v", err)
	}
	return t, nil
}

// Enqueue moves a pending task into the queue.
func (s *Store) Enqueue(ctx context.Context, taskID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, queued_at = ?, queue_order = ?
		WHERE id = ? AND status = ?`,
		models.StatusQueued, now.UnixMilli(), now.UnixMilli(), taskID, models.StatusPending)
	if err != nil {
		return errkind.Storage("task enqueue: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.Input("task %s is not pending", taskID)
	}
	return nil
}

// DequeueNextQueued promotes the front queued task to pending, provided no
// task is active. Returns nil when nothing was promoted.
func (s *Store) DequeueNextQueued(ctx context.Context, now time.Time) (*models.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errkind.Storage("task dequeue begin: %v", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.GetContext(ctx, &id, `
		SELECT id FROM tasks
		WHERE status = ?
		  AND NOT EXISTS (SELECT 1 FROM tasks WHERE status IN (?, ?))
		ORDER BY queue_order ASC LIMIT 1`,
		models.StatusQueued, models.StatusPlanning, models.StatusRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Storage("task dequeue select: %v", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
		models.StatusPending, id, models.StatusQueued)
	if err != nil {
		return nil, errkind.Storage("task dequeue update: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	t, err := getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errkind.Storage("task dequeue commit: %v", err)
	}
	return t, nil
}

// ClaimForExecution atomically transitions exactly one pending task to
// planning, provided no other task is active. Tasks waiting out a retry
// backoff (retry_not_before in the future) are not claimable. Returns nil on
// contention or an empty queue.
func (s *Store) ClaimForExecution(ctx context.Context, now time.Time) (*models.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errkind.Storage("task claim begin: %v", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?, retry_not_before = NULL
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = ?
			  AND (retry_not_before IS NULL OR retry_not_before <= ?)
			  AND NOT EXISTS (SELECT 1 FROM tasks WHERE status IN (?, ?))
			ORDER BY queue_order ASC LIMIT 1
		) AND status = ?`,
		models.StatusPlanning, now.UnixMilli(),
		models.StatusPending, now.UnixMilli(),
		models.StatusPlanning, models.StatusRunning,
		models.StatusPending)
	if err != nil {
		return nil, errkind.Storage("task claim: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	var id string
	if err := tx.GetContext(ctx, &id,
		`SELECT id FROM tasks WHERE status = ? LIMIT 1`, models.StatusPlanning); err != nil {
		return nil, errkind.Storage("task claim readback: %v", err)
	}
	t, err := getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errkind.Storage("task claim commit: %v", err)
	}
	return t, nil
}

// MarkPromptInjected sets prompt_injected_at once. Returns true if this call
// wrote the marker.
func (s *Store) MarkPromptInjected(ctx context.Context, taskID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET prompt_injected_at = ? WHERE id = ? AND prompt_injected_at IS NULL`,
		now.UnixMilli(), taskID)
	if err != nil {
		return false, errkind.Storage("task mark injected: %v", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateStatus transitions a task. Terminal states are monotonic: once a
// task is completed, failed, or cancelled the transition is refused.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, to models.Status, now time.Time) error {
	if !to.Valid() {
		return errkind.Input("invalid task status %q", to)
	}

	completedAt := sql.NullInt64{}
	if to.IsTerminal() {
		completedAt = sql.NullInt64{Int64: now.UnixMilli(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?,
			completed_at = COALESCE(?, completed_at),
			started_at = CASE WHEN ? IN (?, ?) AND started_at IS NULL THEN ? ELSE started_at END
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		to, completedAt,
		to, models.StatusPlanning, models.StatusRunning, now.UnixMilli(),
		taskID,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return errkind.Storage("task update status: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.Input("task %s not found or already terminal", taskID)
	}
	return nil
}

// SaveResult records the final agent output for a task.
func (s *Store) SaveResult(ctx context.Context, taskID, result string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET result = ? WHERE id = ?`, result, taskID)
	if err != nil {
		return errkind.Storage("task save result: %v", err)
	}
	return nil
}

// SaveError records the failure reason for a task.
func (s *Store) SaveError(ctx context.Context, taskID, msg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET error = ? WHERE id = ?`, msg, taskID)
	if err != nil {
		return errkind.Storage("task save error: %v", err)
	}
	return nil
}

// SaveContext records a write-once artifact. Returns true if this call wrote
// it, false if the type already existed for the task.
func (s *Store) SaveContext(ctx context.Context, taskID, contextType, content string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_contexts (task_id, context_type, content, created_at)
		VALUES (?, ?, ?, ?)`,
		taskID, contextType, content, now.UnixMilli())
	if err != nil {
		return false, errkind.Storage("task save context: %v", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetContexts returns the artifacts recorded for a task.
func (s *Store) GetContexts(ctx context.Context, taskID string) ([]models.Context, error) {
	var out []models.Context
	err := s.db.SelectContext(ctx, &out,
		`SELECT task_id, context_type, content, created_at
		 FROM task_contexts WHERE task_id = ? ORDER BY context_type`, taskID)
	if err != nil {
		return nil, errkind.Storage("task contexts: %v", err)
	}
	return out, nil
}

// AddMessage appends a transcript row to a task.
func (s *Store) AddMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO task_messages (id, task_id, plan_step_id, role, content,
			message_type, model_used, token_count, created_at)
		VALUES (:id, :task_id, :plan_step_id, :role, :content,
			:message_type, :model_used, :token_count, :created_at)`, msg)
	if err != nil {
		return nil, errkind.Storage("task add message: %v", err)
	}
	return &msg, nil
}

// Messages returns a task's transcript oldest first.
func (s *Store) Messages(ctx context.Context, taskID string) ([]models.Message, error) {
	var out []models.Message
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, task_id, plan_step_id, role, content, message_type,
			model_used, token_count, created_at
		FROM task_messages WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, errkind.Storage("task messages: %v", err)
	}
	return out, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Statuses []models.Status
}

// List returns tasks ordered by queue position.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]models.Task, error) {
	query := `SELECT * FROM tasks`
	var args []any
	if len(filter.Statuses) > 0 {
		in := make([]any, len(filter.Statuses))
		for i, st := range filter.Statuses {
			in[i] = st
		}
		q, a, err := sqlx.In(`SELECT * FROM tasks WHERE status IN (?)`, in)
		if err != nil {
			return nil, errkind.Storage("task list: %v", err)
		}
		query, args = q, a
	}
	query += ` ORDER BY queue_order ASC, created_at ASC`

	var out []models.Task
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, errkind.Storage("task list: %v", err)
	}
	return out, nil
}

// Get returns one task or a storage error wrapping sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, taskID string) (*models.Task, error) {
	var t models.Task
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Input("task %s not found", taskID)
	}
	if err != nil {
		return nil, errkind.Storage("task get: %v", err)
	}
	return &t, nil
}

// ActiveTaskID returns the id of the planning or running task, or "".
func (s *Store) ActiveTaskID(ctx context.Context) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id,
		`SELECT id FROM tasks WHERE status IN (?, ?) LIMIT 1`,
		models.StatusPlanning, models.StatusRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errkind.Storage("task active: %v", err)
	}
	return id, nil
}

// RetryFailed returns a failed task to the front of the queue when retries
// remain. The task is not claimable again before notBefore, which is how the
// queue's retry backoff is enforced. Returns false when the retry budget is
// exhausted.
func (s *Store) RetryFailed(ctx context.Context, taskID string, notBefore time.Time) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errkind.Storage("task retry begin: %v", err)
	}
	defer tx.Rollback()

	front, err := frontOfQueueTx(ctx, tx)
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET retry_count = retry_count + 1, status = ?, queue_order = ?,
			retry_not_before = ?, completed_at = NULL, error = ''
		WHERE id = ? AND retry_count < max_retries`,
		models.StatusPending, front, notBefore.UnixMilli(), taskID)
	if err != nil {
		return false, errkind.Storage("task retry: %v", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, errkind.Storage("task retry commit: %v", err)
	}
	return true, nil
}

// MoveToFront gives a task the smallest queue_order.
func (s *Store) MoveToFront(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errkind.Storage("task move begin: %v", err)
	}
	defer tx.Rollback()

	front, err := frontOfQueueTx(ctx, tx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET queue_order = ? WHERE id = ?`, front, taskID); err != nil {
		return errkind.Storage("task move: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return errkind.Storage("task move commit: %v", err)
	}
	return nil
}

// NormalizeToPending converts a queued or paused task to pending so the
// worker can claim it.
func (s *Store) NormalizeToPending(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ? AND status IN (?, ?)`,
		models.StatusPending, taskID, models.StatusQueued, models.StatusPaused)
	if err != nil {
		return errkind.Storage("task normalize: %v", err)
	}
	return nil
}

// frontOfQueueTx computes min(queue_order) - 1 over non-terminal tasks.
func frontOfQueueTx(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	var min sql.NullInt64
	err := tx.GetContext(ctx, &min, `
		SELECT MIN(queue_order) FROM tasks
		WHERE status NOT IN (?, ?, ?)`,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return 0, errkind.Storage("task front: %v", err)
	}
	if !min.Valid {
		return time.Now().UnixMilli(), nil
	}
	return min.Int64 - 1, nil
}

func getTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.Task, error) {
	var t models.Task
	if err := tx.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ?`, id); err != nil {
		return nil, errkind.Storage("task get: %v", err)
	}
	return &t, nil
}
