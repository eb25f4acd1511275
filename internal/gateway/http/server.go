// Package httpapi is the gin HTTP front: auth, projects, prompts, tasks,
// queue control, attachments, and bundle-draft approval.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/agentdev/ads/internal/attachments"
	"github.com/agentdev/ads/internal/auth"
	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/common/httpmw"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/task/queue"
	"github.com/agentdev/ads/internal/task/runctl"
	"github.com/agentdev/ads/internal/task/store"
)

// SessionCookie is the cookie carrying the web session token.
const SessionCookie = "ads_session"

const ctxUserKey = "ads.user"

// Workspace bundles the per-workspace services the API serves.
type Workspace struct {
	Root        string
	Tasks       *store.Store
	Queue       *queue.Queue
	Run         *runctl.Controller
	Attachments *attachments.Store
}

// WorkspaceResolver maps a workspace root (or "" for the default) to its
// service bundle.
type WorkspaceResolver func(ctx context.Context, root string) (*Workspace, error)

// Server is the HTTP API front.
type Server struct {
	cfg        *config.Config
	auth       *auth.Service
	workspaces WorkspaceResolver
	logger     *logger.Logger

	loginMu       sync.Mutex
	loginLimiters map[string]*rate.Limiter
}

// NewServer wires the API.
func NewServer(cfg *config.Config, authSvc *auth.Service, workspaces WorkspaceResolver, log *logger.Logger) *Server {
	return &Server{
		cfg:           cfg,
		auth:          authSvc,
		workspaces:    workspaces,
		logger:        log,
		loginLimiters: make(map[string]*rate.Limiter),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(s.logger, "api"))
	r.Use(httpmw.OtelTracing("api"))

	api := r.Group("/api")
	api.POST("/auth/login", s.handleLogin)
	api.POST("/auth/logout", s.handleLogout)

	authed := api.Group("", s.requireAuth)
	authed.GET("/auth/me", s.handleMe)

	authed.GET("/projects", s.handleListProjects)
	authed.POST("/projects", s.handleCreateProject)
	authed.PATCH("/projects/:id", s.handleUpdateProject)
	authed.DELETE("/projects/:id", s.handleDeleteProject)
	authed.POST("/projects/reorder", s.handleReorderProjects)

	authed.GET("/prompts", s.handleListPrompts)
	authed.POST("/prompts", s.handleUpsertPrompt)
	authed.PUT("/prompts/:id", s.handleUpsertPrompt)
	authed.DELETE("/prompts/:id", s.handleDeletePrompt)

	authed.GET("/preferences/:key", s.handleGetPreference)
	authed.PUT("/preferences/:key", s.handleSetPreference)

	authed.GET("/tasks", s.handleListTasks)
	authed.POST("/tasks", s.handleCreateTask)
	authed.GET("/tasks/:id", s.handleGetTask)
	authed.GET("/tasks/:id/messages", s.handleTaskMessages)
	authed.POST("/tasks/:id/run", s.handleRunTask)

	authed.GET("/task-queue/status", s.handleQueueStatus)
	authed.POST("/task-queue/start", s.handleQueueStart)
	authed.POST("/task-queue/pause", s.handleQueuePause)

	authed.POST("/attachments", s.handleUploadAttachment)
	authed.GET("/attachments/:id", s.handleDownloadAttachment)

	authed.POST("/task-bundle-drafts", s.handleCreateBundleDraft)
	authed.POST("/task-bundle-drafts/:id/approve", s.handleApproveBundleDraft)

	return r
}

// fail writes the uniform error envelope, mapping error kinds to statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errkind.ErrInput):
		status = http.StatusBadRequest
	case errors.Is(err, errkind.ErrAuth):
		status = http.StatusUnauthorized
	case errors.Is(err, errkind.ErrRateLimit):
		status = http.StatusTooManyRequests
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// requireAuth resolves the session cookie to a user or aborts with 401.
func (s *Server) requireAuth(c *gin.Context) {
	token, _ := c.Cookie(SessionCookie)
	user, _, err := s.auth.ValidateToken(c.Request.Context(), token, c.ClientIP())
	if err != nil {
		fail(c, errkind.Auth("authentication required"))
		return
	}
	c.Set(ctxUserKey, user)
	c.Next()
}

func currentUser(c *gin.Context) *auth.User {
	u, _ := c.Get(ctxUserKey)
	user, _ := u.(*auth.User)
	return user
}

// loginAllowed throttles login attempts per client IP.
func (s *Server) loginAllowed(ip string) bool {
	perMinute := s.cfg.Auth.LoginPerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	burst := s.cfg.Auth.LoginBurst
	if burst <= 0 {
		burst = 5
	}
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	lim, ok := s.loginLimiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
		s.loginLimiters[ip] = lim
	}
	return lim.Allow()
}

func (s *Server) setSessionCookie(c *gin.Context, token string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.Auth.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	if !s.loginAllowed(c.ClientIP()) {
		fail(c, errkind.RateLimit("too many login attempts"))
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errkind.Input("invalid login body: %v", err))
		return
	}
	user, token, err := s.auth.Login(c.Request.Context(), req.Username, req.Password,
		c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		fail(c, err)
		return
	}
	s.setSessionCookie(c, token, int(s.cfg.Auth.SessionTTLDuration().Seconds()))
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (s *Server) handleLogout(c *gin.Context) {
	token, _ := c.Cookie(SessionCookie)
	if err := s.auth.Logout(c.Request.Context(), token); err != nil {
		fail(c, err)
		return
	}
	s.setSessionCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user": currentUser(c)})
}

// workspaceFor resolves the workspace named by the request, defaulting to
// the server's primary workspace.
func (s *Server) workspaceFor(c *gin.Context) (*Workspace, bool) {
	ws, err := s.workspaces(c.Request.Context(), c.Query("workspace"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return ws, true
}

func (s *Server) handleRunTask(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	alreadyActive, err := ws.Run.RequestSingleTaskRun(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, runctl.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, runctl.ErrQueueRunning),
		errors.Is(err, runctl.ErrTaskActive),
		errors.Is(err, runctl.ErrTaskTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		fail(c, err)
	case alreadyActive:
		// Idempotent repeat while the single run is in flight.
		c.JSON(http.StatusAccepted, gin.H{"alreadyActive": true})
	default:
		c.JSON(http.StatusOK, gin.H{"mode": ws.Run.Mode(), "state": "scheduled"})
	}
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	activeID, err := ws.Tasks.ActiveTaskID(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":           ws.Run.Mode(),
		"state":          ws.Queue.State(),
		"activeTaskId":   activeID,
		"injectionSkips": ws.Queue.InjectionSkips(),
	})
}

func (s *Server) handleQueueStart(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	ws.Run.SetModeAll()
	c.JSON(http.StatusOK, gin.H{"mode": ws.Run.Mode()})
}

func (s *Server) handleQueuePause(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	ws.Run.SetModeManual()
	c.JSON(http.StatusOK, gin.H{"mode": ws.Run.Mode()})
}

// ListenAddr returns the configured bind address.
func (s *Server) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
}

// HTTPServer builds a net/http server with configured timeouts.
func (s *Server) HTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         s.ListenAddr(),
		Handler:      handler,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
	}
}
