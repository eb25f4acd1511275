// Package session maps users to live orchestrators. Entries are created
// lazily per (user, cwd) and carry the saved thread ids that let /resume
// rehydrate vendor-side conversations.
package session

import (
	"context"
	"sync"

	"github.com/agentdev/ads/internal/agent"
	"github.com/agentdev/ads/internal/agent/orchestrator"
	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/threads"
)

// AdapterFactory builds the adapter set for a workspace. It returns the
// adapters keyed by agent id plus the id of the active agent.
type AdapterFactory func(cwd string) (map[string]agent.Adapter, string, error)

// ThreadStore is the slice of thread storage the manager needs.
type ThreadStore interface {
	Get(ctx context.Context, namespace, userID string) (threads.Value, string, error)
	Set(ctx context.Context, namespace, userID string, v threads.Value, cwd string) error
	Delete(ctx context.Context, namespace, userID string) error
}

// Entry is one user's live session.
type Entry struct {
	UserID       string
	Cwd          string
	Orchestrator *orchestrator.Orchestrator
}

// Manager owns the user → Entry map.
type Manager struct {
	factory   AdapterFactory
	store     ThreadStore
	namespace string
	logger    *logger.Logger

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewManager creates an empty manager. namespace scopes thread storage keys
// (one namespace per front, e.g. "ws" or "tg").
func NewManager(factory AdapterFactory, store ThreadStore, namespace string, log *logger.Logger) *Manager {
	return &Manager{
		factory:   factory,
		store:     store,
		namespace: namespace,
		logger:    log,
		entries:   make(map[string]*Entry),
	}
}

// GetOrCreate returns the user's entry, building a fresh orchestrator when
// none exists or the working directory changed. With resume set, saved
// thread ids are replayed into the matching adapters.
func (m *Manager) GetOrCreate(ctx context.Context, userID, cwd string, resume bool) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[userID]; ok {
		if e.Cwd == cwd {
			return e, nil
		}
		// cwd changed: persist thread ids before tearing down so the old
		// workspace's conversation stays resumable.
		m.persistLocked(ctx, e)
		e.Orchestrator.Close()
		delete(m.entries, userID)
	}

	adapters, activeID, err := m.factory(cwd)
	if err != nil {
		return nil, errkind.Config("adapter factory: %v", err)
	}
	orch, err := orchestrator.New(adapters, activeID, m.logger)
	if err != nil {
		return nil, errkind.Config("orchestrator: %v", err)
	}
	orch.SetWorkingDirectory(cwd)

	if resume {
		v, _, err := m.store.Get(ctx, m.namespace, userID)
		if err != nil {
			m.logger.WithError(err).Warn("thread lookup failed, starting fresh")
		} else if !v.IsZero() {
			for id, a := range adapters {
				if tid := v.ForAgent(id); tid != "" {
					a.ResumeThread(tid)
				}
			}
		}
	}

	e := &Entry{UserID: userID, Cwd: cwd, Orchestrator: orch}
	m.entries[userID] = e
	return e, nil
}

// Get returns the user's entry without creating one.
func (m *Manager) Get(userID string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	return e, ok
}

// SaveThreads persists the entry's current thread ids.
func (m *Manager) SaveThreads(ctx context.Context, userID string) error {
	m.mu.Lock()
	e, ok := m.entries[userID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	ids := e.Orchestrator.ThreadIDs()
	if len(ids) == 0 {
		return nil
	}
	return m.store.Set(ctx, m.namespace, userID, threads.Value{Multi: ids}, e.Cwd)
}

// Reset drops the user's in-memory adapters. With preserve set, thread ids
// are persisted first so /resume can rehydrate them; otherwise the stored
// ids are deleted too.
func (m *Manager) Reset(ctx context.Context, userID string, preserve bool) error {
	m.mu.Lock()
	e, ok := m.entries[userID]
	if ok {
		if preserve {
			m.persistLocked(ctx, e)
		}
		e.Orchestrator.Close()
		delete(m.entries, userID)
	}
	m.mu.Unlock()

	if !preserve {
		return m.store.Delete(ctx, m.namespace, userID)
	}
	return nil
}

// Close tears down every entry, persisting thread ids.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		m.persistLocked(ctx, e)
		e.Orchestrator.Close()
		delete(m.entries, id)
	}
}

func (m *Manager) persistLocked(ctx context.Context, e *Entry) {
	ids := e.Orchestrator.ThreadIDs()
	if len(ids) == 0 {
		return
	}
	if err := m.store.Set(ctx, m.namespace, e.UserID, threads.Value{Multi: ids}, e.Cwd); err != nil {
		m.logger.WithError(err).Warn("thread persist failed")
	}
}
