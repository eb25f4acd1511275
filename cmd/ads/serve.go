package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentdev/ads/internal/agent"
	"github.com/agentdev/ads/internal/agent/cli"
	"github.com/agentdev/ads/internal/auth"
	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/events/bus"
	"github.com/agentdev/ads/internal/gateway"
	httpapi "github.com/agentdev/ads/internal/gateway/http"
	"github.com/agentdev/ads/internal/gateway/telegram"
	"github.com/agentdev/ads/internal/gateway/websocket"
	"github.com/agentdev/ads/internal/session"
	"github.com/agentdev/ads/internal/workspace"
)

func serveCmd() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web and Telegram fronts with the task queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(root)
		},
	}
	cmd.Flags().StringVar(&root, "workspace", "", "default workspace root (default: current directory)")
	return cmd
}

func runServe(defaultRoot string) error {
	// 1. Load configuration
	cfg, err := config.LoadWithPath(cfgFile)
	if err != nil {
		return err
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return errkind.Config("logger: %v", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting ads", zap.String("version", Version))

	// 3. Root context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (in-memory unless NATS is configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer natsBus.Close()
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}

	// 5. Global database (users, sessions, projects, prompts, preferences)
	globalDB, driver, err := openGlobalDB(cfg)
	if err != nil {
		return err
	}
	defer globalDB.Close()
	authStore, err := auth.NewStore(globalDB, driver)
	if err != nil {
		return err
	}
	authSvc := auth.NewService(authStore, cfg.Auth, log)
	log.Info("global database ready", zap.String("driver", driver))

	// 6. Workspaces
	if defaultRoot == "" {
		if defaultRoot, err = os.Getwd(); err != nil {
			return err
		}
	}
	locks := workspace.NewLockPool()
	factory, err := adapterFactory(cfg, log)
	if err != nil {
		return err
	}
	workspaces := newWorkspaceSet(ctx, cfg, eventBus, locks, factory, defaultRoot, log)
	defer workspaces.Close()
	def, err := workspaces.Open(defaultRoot)
	if err != nil {
		return err
	}
	log.Info("default workspace ready", zap.String("root", def.Root))

	// 7. WebSocket front
	wsSessions := session.NewManager(factory, def.Threads, "ws", log)
	defer wsSessions.Close(context.Background())
	wsChat := gateway.NewChat("ws", wsSessions, def.Registry, def.History, def.Vector, locks, def.Root, cfg, log)
	wsSrv := websocket.NewServer(cfg.WebSocket, authSvc, wsChat, eventBus, log)
	go func() {
		if err := wsSrv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("websocket server stopped")
		}
	}()

	// 8. HTTP server
	api := httpapi.NewServer(cfg, authSvc, workspaces.Resolve, log)
	router := api.Router()
	router.GET("/ws", gin.WrapH(wsSrv.Handler()))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("listening", zap.String("addr", addr), zap.String("websocket", "/ws"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	// 9. Telegram front (optional)
	if cfg.Telegram.Enabled {
		tgSessions := session.NewManager(factory, def.Threads, "tg", log)
		defer tgSessions.Close(context.Background())
		tgChat := gateway.NewChat("tg", tgSessions, def.Registry, def.History, def.Vector, locks, def.Root, cfg, log)
		bot, err := telegram.New(cfg.Telegram, tgChat, log)
		if err != nil {
			return err
		}
		go func() {
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("telegram bot stopped")
			}
		}()
		log.Info("telegram front enabled")
	}

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown")
	}
	return nil
}

// adapterFactory builds the per-session adapter constructor from the
// configured CLI agents, falling back to the built-in set.
func adapterFactory(cfg *config.Config, log *logger.Logger) (session.AdapterFactory, error) {
	cliCfgs := cli.Defaults()
	if len(cfg.Agents.CLI) > 0 {
		cliCfgs = cliCfgs[:0]
		for _, c := range cfg.Agents.CLI {
			cliCfgs = append(cliCfgs, cli.Config{
				ID:             c.ID,
				Name:           c.Name,
				Vendor:         c.Vendor,
				Command:        c.Command,
				ResumeCommand:  c.ResumeCommand,
				Model:          c.Model,
				TimeoutMs:      c.TimeoutMs,
				MaxOutputBytes: c.MaxOutputBytes,
			})
		}
	}

	active := cfg.Agents.DefaultAgent
	known := false
	for _, c := range cliCfgs {
		if c.ID == active {
			known = true
			break
		}
	}
	if !known {
		if active != "" {
			return nil, errkind.Config("agents.defaultAgent %q is not a configured cli agent", active)
		}
		active = cliCfgs[0].ID
	}

	return func(cwd string) (map[string]agent.Adapter, string, error) {
		adapters := make(map[string]agent.Adapter, len(cliCfgs))
		for _, c := range cliCfgs {
			a, err := cli.New(c, log)
			if err != nil {
				return nil, "", err
			}
			a.SetWorkingDirectory(cwd)
			adapters[c.ID] = a
		}
		return adapters, active, nil
	}, nil
}
