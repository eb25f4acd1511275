package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentdev/ads/internal/auth"
	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/task/models"
	"github.com/agentdev/ads/internal/task/store"
)

func (s *Server) handleListProjects(c *gin.Context) {
	user := currentUser(c)
	projects, err := s.auth.Store().ListProjects(c.Request.Context(), user.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) handleCreateProject(c *gin.Context) {
	user := currentUser(c)
	var req struct {
		WorkspaceRoot string `json:"workspaceRoot"`
		DisplayName   string `json:"displayName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.WorkspaceRoot == "" {
		fail(c, errkind.Input("workspaceRoot is required"))
		return
	}
	p := &auth.Project{
		UserID:        user.ID,
		WorkspaceRoot: req.WorkspaceRoot,
		DisplayName:   req.DisplayName,
	}
	if err := s.auth.Store().UpsertProject(c.Request.Context(), p); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": p})
}

func (s *Server) handleUpdateProject(c *gin.Context) {
	user := currentUser(c)
	p, err := s.auth.Store().GetProject(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	var req struct {
		DisplayName   *string `json:"displayName"`
		ChatSessionID *string `json:"chatSessionId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errkind.Input("invalid project body: %v", err))
		return
	}
	if req.DisplayName != nil {
		p.DisplayName = *req.DisplayName
	}
	if req.ChatSessionID != nil {
		p.ChatSessionID = *req.ChatSessionID
	}
	if err := s.auth.Store().UpsertProject(c.Request.Context(), p); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": p})
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	user := currentUser(c)
	if err := s.auth.Store().DeleteProject(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleReorderProjects(c *gin.Context) {
	user := currentUser(c)
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		fail(c, errkind.Input("ids is required"))
		return
	}
	if err := s.auth.Store().ReorderProjects(c.Request.Context(), user.ID, req.IDs); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleListPrompts(c *gin.Context) {
	user := currentUser(c)
	prompts, err := s.auth.Store().ListPrompts(c.Request.Context(), user.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": prompts})
}

func (s *Server) handleUpsertPrompt(c *gin.Context) {
	user := currentUser(c)
	var req struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		fail(c, errkind.Input("prompt name is required"))
		return
	}
	p := &auth.Prompt{
		UserID:   user.ID,
		PromptID: c.Param("id"),
		Name:     req.Name,
		Content:  req.Content,
	}
	if err := s.auth.Store().UpsertPrompt(c.Request.Context(), p); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompt": p})
}

func (s *Server) handleDeletePrompt(c *gin.Context) {
	user := currentUser(c)
	if err := s.auth.Store().DeletePrompt(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleGetPreference(c *gin.Context) {
	user := currentUser(c)
	value, err := s.auth.Store().GetPreference(c.Request.Context(), user.ID, c.Param("key"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "value": value})
}

func (s *Server) handleSetPreference(c *gin.Context) {
	user := currentUser(c)
	var req struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errkind.Input("invalid preference body: %v", err))
		return
	}
	if err := s.auth.Store().SetPreference(c.Request.Context(), user.ID, c.Param("key"), req.Value); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleListTasks(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	var filter store.ListFilter
	if raw := c.Query("status"); raw != "" {
		filter.Statuses = append(filter.Statuses, models.Status(raw))
	}
	tasks, err := ws.Tasks.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleCreateTask(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	var req struct {
		Title          string `json:"title"`
		Prompt         string `json:"prompt"`
		Model          string `json:"model"`
		Priority       int    `json:"priority"`
		InheritContext bool   `json:"inheritContext"`
		MaxRetries     int    `json:"maxRetries"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errkind.Input("invalid task body: %v", err))
		return
	}
	task, err := ws.Tasks.Create(c.Request.Context(), store.CreateInput{
		Title:          req.Title,
		Prompt:         req.Prompt,
		Model:          req.Model,
		Status:         models.StatusQueued,
		Priority:       req.Priority,
		InheritContext: req.InheritContext,
		MaxRetries:     req.MaxRetries,
	}, time.Now())
	if err != nil {
		fail(c, err)
		return
	}
	ws.Queue.Notify()
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

func (s *Server) handleGetTask(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	task, err := ws.Tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	contexts, err := ws.Tasks.GetContexts(c.Request.Context(), task.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "contexts": contexts})
}

func (s *Server) handleTaskMessages(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	msgs, err := ws.Tasks.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleUploadAttachment(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		fail(c, errkind.Input("file field is required"))
		return
	}
	defer file.Close()

	a, err := ws.Attachments.Put(c.Request.Context(), file, header.Filename, c.PostForm("taskId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"attachment": a})
}

func (s *Server) handleDownloadAttachment(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	a, rc, err := ws.Attachments.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	defer rc.Close()

	c.Header("Content-Length", strconv.FormatInt(a.SizeBytes, 10))
	if a.Filename != "" {
		c.Header("Content-Disposition", `attachment; filename="`+a.Filename+`"`)
	}
	c.DataFromReader(http.StatusOK, a.SizeBytes, a.ContentType, rc, nil)
}

func (s *Server) handleCreateBundleDraft(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	var req struct {
		Title string            `json:"title"`
		Tasks []store.DraftTask `json:"tasks"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errkind.Input("invalid draft body: %v", err))
		return
	}
	draft, err := ws.Tasks.CreateBundleDraft(c.Request.Context(), req.Title, req.Tasks, time.Now())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"draft": draft})
}

func (s *Server) handleApproveBundleDraft(c *gin.Context) {
	ws, ok := s.workspaceFor(c)
	if !ok {
		return
	}
	ids, created, err := ws.Tasks.ApproveBundleDraft(c.Request.Context(), c.Param("id"), time.Now())
	if err != nil {
		fail(c, err)
		return
	}
	if created {
		// Only the approval that materialized the tasks wakes the queue;
		// repeats stay quiet so no duplicate broadcast goes out.
		ws.Queue.Notify()
	}
	c.JSON(http.StatusOK, gin.H{"createdTaskIds": ids, "created": created})
}
