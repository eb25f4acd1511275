// Package models defines the task entities persisted in the workspace
// database.
package models

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusPaused    Status = "paused"
	StatusPlanning  Status = "planning"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is a final state. Terminal transitions are
// monotonic: a task never leaves a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether s counts against the one-active-task-per-workspace
// limit.
func (s Status) IsActive() bool {
	return s == StatusPlanning || s == StatusRunning
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusPaused, StatusPlanning,
		StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is one unit of queued agent work.
type Task struct {
	ID             string `db:"id" json:"id"`
	Title          string `db:"title" json:"title"`
	Prompt         string `db:"prompt" json:"prompt"`
	Model          string `db:"model" json:"model,omitempty"`
	Status         Status `db:"status" json:"status"`
	Priority       int    `db:"priority" json:"priority"`
	QueueOrder     int64  `db:"queue_order" json:"queueOrder"`
	InheritContext bool   `db:"inherit_context" json:"inheritContext"`
	RetryCount     int    `db:"retry_count" json:"retryCount"`
	MaxRetries     int    `db:"max_retries" json:"maxRetries"`

	CreatedAt   int64  `db:"created_at" json:"createdAt"` // unix millis
	QueuedAt    *int64 `db:"queued_at" json:"queuedAt,omitempty"`
	StartedAt   *int64 `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt *int64 `db:"completed_at" json:"completedAt,omitempty"`

	Result string `db:"result" json:"result,omitempty"`
	Error  string `db:"error" json:"error,omitempty"`

	// PromptInjectedAt marks the one-shot "task started" fan-out.
	PromptInjectedAt *int64 `db:"prompt_injected_at" json:"promptInjectedAt,omitempty"`

	// RetryNotBefore holds back a retried task until its backoff elapses.
	RetryNotBefore *int64 `db:"retry_not_before" json:"retryNotBefore,omitempty"`
}

// Message is one transcript row attached to a task.
type Message struct {
	ID          string `db:"id" json:"id"`
	TaskID      string `db:"task_id" json:"taskId"`
	PlanStepID  string `db:"plan_step_id" json:"planStepId,omitempty"`
	Role        string `db:"role" json:"role"`
	Content     string `db:"content" json:"content"`
	MessageType string `db:"message_type" json:"messageType"`
	ModelUsed   string `db:"model_used" json:"modelUsed,omitempty"`
	TokenCount  int    `db:"token_count" json:"tokenCount,omitempty"`
	CreatedAt   int64  `db:"created_at" json:"createdAt"`
}

// Context artifact types recorded after a task reaches a terminal state.
const (
	ContextChangedPaths   = "artifact:changed_paths"
	ContextWorkspacePatch = "artifact:workspace_patch"
)

// Context is a write-once artifact attached to a task.
type Context struct {
	TaskID      string `db:"task_id" json:"taskId"`
	ContextType string `db:"context_type" json:"contextType"`
	Content     string `db:"content" json:"content"`
	CreatedAt   int64  `db:"created_at" json:"createdAt"`
}
