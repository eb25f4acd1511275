// Package queue drives task execution for one workspace: a worker loop that
// claims pending tasks, runs them through the agent hub under the workspace
// lock, and emits lifecycle events on the bus.
package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/events/bus"
	"github.com/agentdev/ads/internal/runner"
	"github.com/agentdev/ads/internal/task/models"
	"github.com/agentdev/ads/internal/task/store"
	"github.com/agentdev/ads/internal/workspace"
)

// Bus subjects for task lifecycle events. The WebSocket layer maps these to
// their colon-form wire names.
const (
	SubjectTaskStarted   = "task.started"
	SubjectTaskRunning   = "task.running"
	SubjectTaskCompleted = "task.completed"
	SubjectTaskFailed    = "task.failed"
	SubjectTaskCancelled = "task.cancelled"
	SubjectMessage       = "task.message"
	SubjectMessageDelta  = "task.message.delta"
	SubjectCommand       = "task.command"
)

// State is the queue's run state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// EventSink lets the turn runner stream progress events attributed to the
// running task.
type EventSink func(subject string, data map[string]any)

// TurnRunner executes one task's collaborative turn and returns the final
// response text.
type TurnRunner interface {
	RunTask(ctx context.Context, task *models.Task, emit EventSink) (string, error)
}

// PromotionPolicy is the run controller's slice the queue consults.
type PromotionPolicy interface {
	ShouldPromoteQueued() bool
	ShouldPromoteQueuedOnTerminal(taskID string) bool
	OnTaskTerminal(taskID string) bool
}

// alwaysPromote is the policy used when no controller is attached.
type alwaysPromote struct{}

func (alwaysPromote) ShouldPromoteQueued() bool                 { return true }
func (alwaysPromote) ShouldPromoteQueuedOnTerminal(string) bool { return true }
func (alwaysPromote) OnTaskTerminal(string) bool                { return false }

// Queue is the per-workspace task worker.
type Queue struct {
	store  *store.Store
	bus    bus.EventBus
	cfg    config.QueueConfig
	runner TurnRunner
	lock   *workspace.Lock
	root   string
	logger *logger.Logger

	mu           sync.Mutex
	state        State
	policy       PromotionPolicy
	cancelActive context.CancelFunc
	activeTaskID string

	notify chan struct{}
	done   chan struct{}

	skipMu   sync.Mutex
	injSkips map[string]int64
}

// New creates a stopped queue for the workspace rooted at root.
func New(st *store.Store, eventBus bus.EventBus, cfg config.QueueConfig, turn TurnRunner, locks *workspace.LockPool, root string, log *logger.Logger) *Queue {
	return &Queue{
		store:    st,
		bus:      eventBus,
		cfg:      cfg,
		runner:   turn,
		lock:     locks.Get(root),
		root:     root,
		logger:   log.WithWorkspace(root),
		state:    StateStopped,
		policy:   alwaysPromote{},
		notify:   make(chan struct{}, 1),
		injSkips: make(map[string]int64),
	}
}

// SetPolicy attaches the run controller. Called once during wiring, before
// Start.
func (q *Queue) SetPolicy(p PromotionPolicy) {
	q.mu.Lock()
	q.policy = p
	q.mu.Unlock()
}

// State returns the queue's current run state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// ActiveTaskID returns the id of the task currently executing, or "".
func (q *Queue) ActiveTaskID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeTaskID
}

func (q *Queue) countInjectionSkip(reason string) {
	q.skipMu.Lock()
	q.injSkips[reason]++
	q.skipMu.Unlock()
}

// InjectionSkips returns a copy of the prompts-not-injected counters, keyed
// by reason.
func (q *Queue) InjectionSkips() map[string]int64 {
	q.skipMu.Lock()
	defer q.skipMu.Unlock()
	out := make(map[string]int64, len(q.injSkips))
	for k, v := range q.injSkips {
		out[k] = v
	}
	return out
}

// Start launches the worker loop. The queue begins paused; the run
// controller resumes it.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.state != StateStopped {
		q.mu.Unlock()
		return
	}
	q.state = StatePaused
	q.done = make(chan struct{})
	q.mu.Unlock()

	go q.loop(ctx)
}

// Stop terminates the worker loop and cancels any in-flight task.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.state == StateStopped {
		q.mu.Unlock()
		return
	}
	done := q.done
	cancel := q.cancelActive
	q.state = StateStopped
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.Notify()
	if done != nil {
		<-done
	}
}

// Pause suspends claiming. An in-flight task keeps running.
func (q *Queue) Pause() {
	q.mu.Lock()
	if q.state == StateRunning {
		q.state = StatePaused
	}
	q.mu.Unlock()
}

// Resume re-enables claiming.
func (q *Queue) Resume() {
	q.mu.Lock()
	if q.state == StatePaused {
		q.state = StateRunning
	}
	q.mu.Unlock()
	q.Notify()
}

// Notify wakes the worker loop.
func (q *Queue) Notify() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Interrupt cancels the in-flight task's turn, if any. Returns true when a
// cancellation was delivered.
func (q *Queue) Interrupt() bool {
	q.mu.Lock()
	cancel := q.cancelActive
	q.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}

		if q.State() == StateStopped {
			return
		}
		q.step(ctx)
	}
}

// step claims and runs at most one task.
func (q *Queue) step(ctx context.Context) {
	if q.State() != StateRunning {
		return
	}

	// Belt and braces on top of the claim predicate.
	if activeID, err := q.store.ActiveTaskID(ctx); err != nil || activeID != "" {
		return
	}

	q.mu.Lock()
	policy := q.policy
	q.mu.Unlock()

	if policy.ShouldPromoteQueued() {
		if _, err := q.store.DequeueNextQueued(ctx, time.Now()); err != nil {
			q.logger.WithError(err).Warn("queue promotion failed")
		}
	}

	task, err := q.store.ClaimForExecution(ctx, time.Now())
	if err != nil {
		q.logger.WithError(err).Error("task claim failed")
		return
	}
	if task == nil {
		return
	}

	q.run(ctx, task)
}

func (q *Queue) run(ctx context.Context, task *models.Task) {
	log := q.logger.WithTaskID(task.ID)

	taskCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancelActive = cancel
	q.activeTaskID = task.ID
	q.mu.Unlock()

	defer func() {
		cancel()
		q.mu.Lock()
		q.cancelActive = nil
		q.activeTaskID = ""
		q.mu.Unlock()
	}()

	q.publish(SubjectTaskStarted, map[string]any{"taskId": task.ID, "title": task.Title})

	if strings.TrimSpace(task.Prompt) == "" {
		q.countInjectionSkip("empty_prompt")
	}
	if wrote, err := q.store.MarkPromptInjected(ctx, task.ID, time.Now()); err != nil {
		log.WithError(err).Warn("prompt injection marker failed")
	} else if !wrote {
		q.countInjectionSkip("already_injected")
		log.Debug("prompt already injected, resuming task")
	}

	if err := q.lock.Acquire(taskCtx); err != nil {
		q.finishCancelled(ctx, task, log)
		return
	}
	defer q.lock.Release()

	if err := q.store.UpdateStatus(ctx, task.ID, models.StatusRunning, time.Now()); err != nil {
		log.WithError(err).Error("task transition to running failed")
		return
	}
	q.publish(SubjectTaskRunning, map[string]any{"taskId": task.ID})

	emit := func(subject string, data map[string]any) {
		if data == nil {
			data = map[string]any{}
		}
		data["taskId"] = task.ID
		q.publish(subject, data)
	}

	result, err := q.runner.RunTask(taskCtx, task, emit)
	switch {
	case err == nil:
		q.finishCompleted(ctx, task, result, log)
	case errkind.IsAbort(err):
		q.finishCancelled(ctx, task, log)
	default:
		q.finishFailed(ctx, task, err, log)
	}
}

func (q *Queue) finishCompleted(ctx context.Context, task *models.Task, result string, log *logger.Logger) {
	if err := q.store.SaveResult(ctx, task.ID, result); err != nil {
		log.WithError(err).Error("task result save failed")
	}
	if err := q.store.UpdateStatus(ctx, task.ID, models.StatusCompleted, time.Now()); err != nil {
		log.WithError(err).Error("task completion failed")
	}
	q.recordArtifacts(task.ID, log)
	q.publish(SubjectTaskCompleted, map[string]any{"taskId": task.ID, "result": result})
	q.onTerminal(ctx, task.ID)
}

func (q *Queue) finishCancelled(ctx context.Context, task *models.Task, log *logger.Logger) {
	if err := q.store.UpdateStatus(ctx, task.ID, models.StatusCancelled, time.Now()); err != nil {
		log.WithError(err).Error("task cancellation failed")
	}
	q.recordArtifacts(task.ID, log)
	q.publish(SubjectTaskCancelled, map[string]any{"taskId": task.ID})
	q.onTerminal(ctx, task.ID)
	log.Info("task cancelled")
}

func (q *Queue) finishFailed(ctx context.Context, task *models.Task, cause error, log *logger.Logger) {
	backoff := q.cfg.RetryBackoff() * time.Duration(task.RetryCount+1)
	retried, err := q.store.RetryFailed(ctx, task.ID, time.Now().Add(backoff))
	if err != nil {
		log.WithError(err).Error("task retry bookkeeping failed")
	}
	if retried {
		log.WithError(cause).Warn("task failed, retrying after backoff")
		q.publish(SubjectMessage, map[string]any{
			"taskId": task.ID,
			"text":   "task failed, retry scheduled",
		})
		time.AfterFunc(backoff, q.Notify)
		return
	}

	if err := q.store.SaveError(ctx, task.ID, cause.Error()); err != nil {
		log.WithError(err).Error("task error save failed")
	}
	if err := q.store.UpdateStatus(ctx, task.ID, models.StatusFailed, time.Now()); err != nil {
		log.WithError(err).Error("task failure transition failed")
	}
	q.recordArtifacts(task.ID, log)
	q.publish(SubjectTaskFailed, map[string]any{"taskId": task.ID, "error": cause.Error()})
	q.onTerminal(ctx, task.ID)
	log.WithError(cause).Error("task failed")
}

func (q *Queue) onTerminal(ctx context.Context, taskID string) {
	q.mu.Lock()
	policy := q.policy
	q.mu.Unlock()

	if policy.OnTaskTerminal(taskID) {
		return
	}
	if policy.ShouldPromoteQueuedOnTerminal(taskID) {
		if _, err := q.store.DequeueNextQueued(ctx, time.Now()); err != nil {
			q.logger.WithError(err).Warn("post-terminal promotion failed")
		}
		q.Notify()
	}
}

// recordArtifacts captures the changed paths and a workspace patch after a
// terminal event. Runs on a fresh context so cancelled tasks still record.
func (q *Queue) recordArtifacts(taskID string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	now := time.Now()

	paths, err := q.gitOutput(ctx, "diff", "--name-only", "HEAD")
	if err != nil {
		q.saveArtifact(ctx, taskID, models.ContextChangedPaths, "no_changed_paths_recorded", now, log)
		q.saveArtifact(ctx, taskID, models.ContextWorkspacePatch, "patch_not_available", now, log)
		return
	}
	if paths == "" {
		q.saveArtifact(ctx, taskID, models.ContextChangedPaths, "", now, log)
		q.saveArtifact(ctx, taskID, models.ContextWorkspacePatch, "no_changed_paths_recorded", now, log)
		return
	}
	q.saveArtifact(ctx, taskID, models.ContextChangedPaths, paths, now, log)

	patch, err := q.gitOutput(ctx, "diff", "HEAD")
	if err != nil || patch == "" {
		q.saveArtifact(ctx, taskID, models.ContextWorkspacePatch, "patch_not_available", now, log)
		return
	}
	q.saveArtifact(ctx, taskID, models.ContextWorkspacePatch, patch, now, log)
}

func (q *Queue) saveArtifact(ctx context.Context, taskID, kind, content string, now time.Time, log *logger.Logger) {
	if _, err := q.store.SaveContext(ctx, taskID, kind, content, now); err != nil {
		log.WithError(err).Warn("artifact save failed")
	}
}

func (q *Queue) gitOutput(ctx context.Context, args ...string) (string, error) {
	res, err := runner.Run(ctx, runner.Request{
		Cmd:            "git",
		Args:           args,
		Dir:            q.root,
		Timeout:        20 * time.Second,
		MaxOutputBytes: 4 << 20,
		Allowlist:      []string{"git"},
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", errkind.Tool("git %s: %s", strings.Join(args, " "), strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (q *Queue) publish(subject string, data map[string]any) {
	ev := bus.NewEvent(subject, q.root, data)
	if err := q.bus.Publish(context.Background(), subject, ev); err != nil {
		q.logger.WithError(err).Warn("event publish failed")
	}
}
