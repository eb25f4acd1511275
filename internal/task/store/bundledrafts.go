package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/task/models"
)

// BundleDraft is a batch of proposed tasks awaiting approval. Approval is
// idempotent: the first call materializes the tasks, later calls return the
// same ids.
type BundleDraft struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Tasks          []DraftTask `json:"tasks"`
	CreatedAt      int64       `json:"createdAt"`
	ApprovedAt     *int64      `json:"approvedAt,omitempty"`
	CreatedTaskIDs []string    `json:"createdTaskIds,omitempty"`
}

// DraftTask is one proposed task inside a draft.
type DraftTask struct {
	Title          string `json:"title"`
	Prompt         string `json:"prompt"`
	Model          string `json:"model,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	InheritContext bool   `json:"inheritContext,omitempty"`
	MaxRetries     int    `json:"maxRetries,omitempty"`
}

type bundleDraftRow struct {
	ID             string `db:"id"`
	Title          string `db:"title"`
	TasksJSON      string `db:"tasks_json"`
	CreatedAt      int64  `db:"created_at"`
	ApprovedAt     *int64 `db:"approved_at"`
	CreatedTaskIDs string `db:"created_task_ids"`
}

func (r *bundleDraftRow) toDraft() (*BundleDraft, error) {
	d := &BundleDraft{
		ID:         r.ID,
		Title:      r.Title,
		CreatedAt:  r.CreatedAt,
		ApprovedAt: r.ApprovedAt,
	}
	if err := json.Unmarshal([]byte(r.TasksJSON), &d.Tasks); err != nil {
		return nil, errkind.Storage("bundle draft decode: %v", err)
	}
	if r.CreatedTaskIDs != "" {
		if err := json.Unmarshal([]byte(r.CreatedTaskIDs), &d.CreatedTaskIDs); err != nil {
			return nil, errkind.Storage("bundle draft ids decode: %v", err)
		}
	}
	return d, nil
}

// CreateBundleDraft stores a draft for later approval.
func (s *Store) CreateBundleDraft(ctx context.Context, title string, tasks []DraftTask, now time.Time) (*BundleDraft, error) {
	if len(tasks) == 0 {
		return nil, errkind.Input("bundle draft needs at least one task")
	}
	for _, t := range tasks {
		if t.Prompt == "" {
			return nil, errkind.Input("bundle draft task prompt is required")
		}
	}
	raw, err := json.Marshal(tasks)
	if err != nil {
		return nil, errkind.Storage("bundle draft encode: %v", err)
	}
	d := &BundleDraft{
		ID:        uuid.NewString(),
		Title:     title,
		Tasks:     tasks,
		CreatedAt: now.UnixMilli(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_bundle_drafts (id, title, tasks_json, created_at)
		VALUES (?, ?, ?, ?)`,
		d.ID, d.Title, string(raw), d.CreatedAt)
	if err != nil {
		return nil, errkind.Storage("bundle draft insert: %v", err)
	}
	return d, nil
}

// GetBundleDraft returns one draft.
func (s *Store) GetBundleDraft(ctx context.Context, draftID string) (*BundleDraft, error) {
	var row bundleDraftRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM task_bundle_drafts WHERE id = ?`, draftID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Input("bundle draft %s not found", draftID)
	}
	if err != nil {
		return nil, errkind.Storage("bundle draft get: %v", err)
	}
	return row.toDraft()
}

// ApproveBundleDraft materializes the draft's tasks as queued tasks. The
// operation is idempotent: an already-approved draft returns its stored task
// ids without creating anything. created reports whether this call did the
// materialization.
func (s *Store) ApproveBundleDraft(ctx context.Context, draftID string, now time.Time) (ids []string, created bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, errkind.Storage("bundle approve begin: %v", err)
	}
	defer tx.Rollback()

	var row bundleDraftRow
	err = tx.GetContext(ctx, &row,
		`SELECT * FROM task_bundle_drafts WHERE id = ?`, draftID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, errkind.Input("bundle draft %s not found", draftID)
	}
	if err != nil {
		return nil, false, errkind.Storage("bundle approve get: %v", err)
	}
	d, err := row.toDraft()
	if err != nil {
		return nil, false, err
	}
	if d.ApprovedAt != nil {
		return d.CreatedTaskIDs, false, nil
	}

	ids = make([]string, 0, len(d.Tasks))
	ms := now.UnixMilli()
	for i, dt := range d.Tasks {
		t := models.Task{
			ID:             uuid.NewString(),
			Title:          dt.Title,
			Prompt:         dt.Prompt,
			Model:          dt.Model,
			Status:         models.StatusQueued,
			Priority:       dt.Priority,
			QueueOrder:     ms + int64(i),
			InheritContext: dt.InheritContext,
			MaxRetries:     dt.MaxRetries,
			CreatedAt:      ms,
		}
		qa := ms
		t.QueuedAt = &qa
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO tasks (id, title, prompt, model, status, priority, queue_order,
				inherit_context, retry_count, max_retries, created_at, queued_at)
			VALUES (:id, :title, :prompt, :model, :status, :priority, :queue_order,
				:inherit_context, :retry_count, :max_retries, :created_at, :queued_at)`, t); err != nil {
			return nil, false, errkind.Storage("bundle approve task insert: %v", err)
		}
		ids = append(ids, t.ID)
	}

	rawIDs, err := json.Marshal(ids)
	if err != nil {
		return nil, false, errkind.Storage("bundle approve ids encode: %v", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE task_bundle_drafts SET approved_at = ?, created_task_ids = ?
		WHERE id = ? AND approved_at IS NULL`,
		ms, string(rawIDs), draftID)
	if err != nil {
		return nil, false, errkind.Storage("bundle approve mark: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race to another approver; their ids win.
		return nil, false, errkind.Storage("bundle approve conflict")
	}
	if err := tx.Commit(); err != nil {
		return nil, false, errkind.Storage("bundle approve commit: %v", err)
	}
	return ids, true, nil
}
