package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"

	"github.com/agentdev/ads/internal/attachments"
	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/db"
	"github.com/agentdev/ads/internal/events/bus"
	httpapi "github.com/agentdev/ads/internal/gateway/http"
	"github.com/agentdev/ads/internal/history"
	"github.com/agentdev/ads/internal/session"
	"github.com/agentdev/ads/internal/task/executor"
	"github.com/agentdev/ads/internal/task/queue"
	"github.com/agentdev/ads/internal/task/runctl"
	"github.com/agentdev/ads/internal/task/store"
	"github.com/agentdev/ads/internal/threads"
	"github.com/agentdev/ads/internal/tools"
	"github.com/agentdev/ads/internal/vector"
	"github.com/agentdev/ads/internal/workspace"
)

// wsBundle is one workspace's opened service stack: its SQLite database,
// the stores over it, and a running queue.
type wsBundle struct {
	Root        string
	DB          *sql.DB
	Tasks       *store.Store
	Attachments *attachments.Store
	History     *history.Store
	Threads     *threads.Store
	Vector      *vector.Service
	Registry    *tools.Registry
	Queue       *queue.Queue
	Run         *runctl.Controller
}

// workspaceSet opens workspace bundles lazily and caches them by normalized
// root, so every front that touches the same directory shares one stack.
type workspaceSet struct {
	ctx         context.Context
	cfg         *config.Config
	bus         bus.EventBus
	locks       *workspace.LockPool
	factory     session.AdapterFactory
	defaultRoot string
	logger      *logger.Logger

	mu   sync.Mutex
	open map[string]*wsBundle
}

func newWorkspaceSet(ctx context.Context, cfg *config.Config, eventBus bus.EventBus, locks *workspace.LockPool, factory session.AdapterFactory, defaultRoot string, log *logger.Logger) *workspaceSet {
	return &workspaceSet{
		ctx:         ctx,
		cfg:         cfg,
		bus:         eventBus,
		locks:       locks,
		factory:     factory,
		defaultRoot: workspace.Normalize(defaultRoot),
		logger:      log,
		open:        make(map[string]*wsBundle),
	}
}

// Open returns the bundle for root, building it on first use. The queue is
// started as part of the build; whether it drains is the run controller's
// call.
func (s *workspaceSet) Open(root string) (*wsBundle, error) {
	root = workspace.Normalize(root)

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.open[root]; ok {
		return b, nil
	}

	b, err := s.build(root)
	if err != nil {
		return nil, err
	}
	s.open[root] = b
	return b, nil
}

func (s *workspaceSet) build(root string) (*wsBundle, error) {
	if err := workspace.EnsureLayout(root); err != nil {
		return nil, err
	}
	ident, err := workspace.LoadIdentity(root)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.OpenSQLite(workspace.StateDBPath(root))
	if err != nil {
		return nil, err
	}

	tasks, err := store.New(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	atts, err := attachments.NewStore(sqlDB, root)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	hist, err := history.NewStore(sqlDB, s.cfg.History)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	thr, err := threads.NewStore(sqlDB, filepath.Join(root, workspace.DirName))
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	kv, err := vector.NewKV(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	registry := tools.NewRegistry(s.logger)
	exec := executor.New(s.factory, registry, tasks, atts, s.cfg, root, s.logger)
	q := queue.New(tasks, s.bus, s.cfg.Queue, exec, s.locks, root, s.logger)
	run := runctl.New(tasks, q, s.logger)
	q.SetPolicy(run)
	q.Start(s.ctx)

	s.logger.WithWorkspace(root).WithField("workspaceId", ident.ID).Info("workspace opened")
	return &wsBundle{
		Root:        root,
		DB:          sqlDB,
		Tasks:       tasks,
		Attachments: atts,
		History:     hist,
		Threads:     thr,
		Vector:      vector.NewService(s.cfg.Vector, kv, hist, s.logger),
		Registry:    registry,
		Queue:       q,
		Run:         run,
	}, nil
}

// Resolve is the HTTP API's workspace resolver. An empty root selects the
// default workspace.
func (s *workspaceSet) Resolve(_ context.Context, root string) (*httpapi.Workspace, error) {
	if root == "" {
		root = s.defaultRoot
	}
	b, err := s.Open(root)
	if err != nil {
		return nil, err
	}
	return &httpapi.Workspace{
		Root:        b.Root,
		Tasks:       b.Tasks,
		Queue:       b.Queue,
		Run:         b.Run,
		Attachments: b.Attachments,
	}, nil
}

// Close stops every queue and closes the workspace databases.
func (s *workspaceSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for root, b := range s.open {
		b.Queue.Stop()
		if err := b.DB.Close(); err != nil {
			s.logger.WithWorkspace(root).WithError(err).Warn("workspace db close")
		}
		delete(s.open, root)
	}
}
