// Package runctl implements the run controller: the mode switch that decides
// whether the task queue drains freely, stays paused, or runs exactly one
// task.
package runctl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/task/models"
	"github.com/agentdev/ads/internal/task/store"
)

// Mode is the queue drain policy.
type Mode string

const (
	ModeManual Mode = "manual"
	ModeAll    Mode = "all"
	ModeSingle Mode = "single"
)

// Errors map onto HTTP conflict semantics at the gateway.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrQueueRunning = errors.New("queue is running in all mode")
	ErrTaskActive   = errors.New("another task is active")
	ErrTaskTerminal = errors.New("task is in a terminal status")
)

// QueueControl is the slice of the queue the controller drives.
type QueueControl interface {
	Pause()
	Resume()
	Notify()
}

// Controller owns the queue mode and the single-task bookkeeping.
type Controller struct {
	store  *store.Store
	queue  QueueControl
	logger *logger.Logger

	mu           sync.Mutex
	mode         Mode
	singleTaskID string
}

// New creates a controller in manual mode.
func New(st *store.Store, queue QueueControl, log *logger.Logger) *Controller {
	return &Controller{store: st, queue: queue, logger: log, mode: ModeManual}
}

// Mode returns the current drain policy.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetModeAll lets the queue drain: queued tasks are promoted as slots free
// up.
func (c *Controller) SetModeAll() {
	c.mu.Lock()
	c.mode = ModeAll
	c.singleTaskID = ""
	c.mu.Unlock()

	c.queue.Resume()
	c.queue.Notify()
	c.logger.Info("run mode set to all")
}

// SetModeManual pauses the queue; no promotions occur.
func (c *Controller) SetModeManual() {
	c.mu.Lock()
	c.mode = ModeManual
	c.singleTaskID = ""
	c.mu.Unlock()

	c.queue.Pause()
	c.logger.Info("run mode set to manual")
}

// RequestSingleTaskRun runs exactly one task and then reverts to manual.
// Returns alreadyActive=true (and no error) when the task is already the
// active one, making the request idempotent.
func (c *Controller) RequestSingleTaskRun(ctx context.Context, taskID string) (alreadyActive bool, err error) {
	task, err := c.store.Get(ctx, taskID)
	if err != nil {
		return false, ErrTaskNotFound
	}

	c.mu.Lock()
	if c.mode == ModeAll {
		c.mu.Unlock()
		return false, ErrQueueRunning
	}
	c.mu.Unlock()

	activeID, err := c.store.ActiveTaskID(ctx)
	if err != nil {
		return false, err
	}
	if activeID == taskID {
		return true, nil
	}
	if activeID != "" {
		return false, ErrTaskActive
	}
	if task.Status.IsTerminal() {
		return false, ErrTaskTerminal
	}

	c.mu.Lock()
	c.mode = ModeSingle
	c.singleTaskID = taskID
	c.mu.Unlock()

	if err := c.store.MoveToFront(ctx, taskID); err != nil {
		return false, err
	}
	if task.Status == models.StatusQueued || task.Status == models.StatusPaused {
		if err := c.store.NormalizeToPending(ctx, taskID); err != nil {
			return false, err
		}
	}

	c.queue.Resume()
	c.queue.Notify()

	if _, err := c.store.AddMessage(ctx, models.Message{
		TaskID:      taskID,
		Role:        "system",
		Content:     "single-task run requested",
		MessageType: "audit",
		CreatedAt:   time.Now().UnixMilli(),
	}); err != nil {
		c.logger.WithError(err).Warn("failed to write single-run audit message")
	}

	c.logger.WithTaskID(taskID).Info("single-task run started")
	return false, nil
}

// OnTaskTerminal reacts to a task reaching a terminal status. In single mode
// for the tracked task it pauses the queue, reverts to manual, and returns
// true.
func (c *Controller) OnTaskTerminal(taskID string) bool {
	c.mu.Lock()
	if c.mode != ModeSingle || c.singleTaskID != taskID {
		c.mu.Unlock()
		return false
	}
	c.mode = ModeManual
	c.singleTaskID = ""
	c.mu.Unlock()

	c.queue.Pause()
	c.logger.WithTaskID(taskID).Info("single-task run finished, reverting to manual")
	return true
}

// ShouldPromoteQueued reports whether the worker loop may promote queued
// tasks on its own. Only the drain-all mode allows that; manual and single
// runs promote explicitly.
func (c *Controller) ShouldPromoteQueued() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode == ModeAll
}

// ShouldPromoteQueuedOnTerminal reports whether the queue may promote other
// queued tasks when taskID hits a terminal status. Single mode never
// promotes past its tracked task.
func (c *Controller) ShouldPromoteQueuedOnTerminal(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeSingle && c.singleTaskID == taskID {
		return false
	}
	return c.mode == ModeAll
}
