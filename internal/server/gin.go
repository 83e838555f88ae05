package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sevir/fetch/internal/config"
	"github.com/sevir/fetch/internal/executor"
	"github.com/sevir/fetch/internal/orchestrator"
	"github.com/sevir/fetch/internal/task"
	"github.com/sevir/fetch/pkg/models"
)

const maxLogChunk = 64 * 1024

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware(), requestLogger(s.logger))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	{
		api.GET("/version", s.handleAPIVersion)
		api.GET("/stats", s.handleAPIStats)
		api.PUT("/pool", s.handleAPIPool)
		api.POST("/tasks", s.handleAPITaskSubmit)
		api.GET("/tasks", s.handleAPITasksList)
		api.GET("/tasks/current", s.handleAPITaskCurrent)
		api.GET("/tasks/:id", s.handleAPITaskGet)
		api.GET("/tasks/:id/log", s.handleAPITaskLog)
		api.POST("/tasks/:id/input", s.handleAPITaskInput)
		api.POST("/tasks/:id/cancel", s.handleAPITaskCancel)
		api.DELETE("/tasks/:id", s.handleAPITaskDelete)
	}

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"stats":  s.orchestrator.GetStats(),
	})
}

func (s *Server) handleAPIVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

func (s *Server) handleAPIStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orchestrator.GetStats())
}

func (s *Server) handleAPIPool(c *gin.Context) {
	var req struct {
		MaxConcurrent int `json:"max_concurrent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxConcurrent < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_concurrent must be at least 1"})
		return
	}
	s.orchestrator.SetMaxConcurrent(req.MaxConcurrent)
	c.JSON(http.StatusOK, gin.H{"pool": s.orchestrator.GetStats().Pool})
}

func (s *Server) handleAPITaskSubmit(c *gin.Context) {
	req := models.SubmitRequest{Background: true}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.config != nil && strings.TrimSpace(req.Workspace) != "" {
		ws, err := s.config.ResolveWorkspace(req.Workspace)
		if err != nil {
			writeError(c, err)
			return
		}
		req.Workspace = ws
	}

	t, err := s.orchestrator.Submit(c.Request.Context(), req)
	if err != nil {
		if t != nil {
			// The client went away or timed out while waiting; the task keeps running.
			c.JSON(http.StatusAccepted, gin.H{"task": t})
			return
		}
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if !t.IsTerminal() {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"task": t})
}

func (s *Server) handleAPITasksList(c *gin.Context) {
	statuses, err := parseStatusQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := parseIntQuery(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	offset, err := parseIntQuery(c, "offset")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tasks := s.orchestrator.ListTasks(task.ListFilter{
		Status:    statuses,
		SessionID: strings.TrimSpace(c.Query("session_id")),
		Limit:     limit,
		Offset:    offset,
	})

	items := make([]models.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, t.ToSummary())
	}
	c.JSON(http.StatusOK, gin.H{"tasks": items})
}

func (s *Server) handleAPITaskCurrent(c *gin.Context) {
	t, ok := s.orchestrator.Current()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

func (s *Server) handleAPITaskGet(c *gin.Context) {
	t, err := s.orchestrator.GetTask(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

func (s *Server) handleAPITaskLog(c *gin.Context) {
	t, err := s.orchestrator.GetTask(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if t.LogFile == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "log not available"})
		return
	}

	offset := int64(0)
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		offset = v
	}

	data, nextOffset, truncated, err := readLogChunk(t.LogFile, offset, maxLogChunk)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "log not available"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"content":     string(data),
		"next_offset": nextOffset,
		"truncated":   truncated,
		"status":      t.Status,
	})
}

func (s *Server) handleAPITaskInput(c *gin.Context) {
	var req models.InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	t, err := s.orchestrator.Reply(c.Param("id"), req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

func (s *Server) handleAPITaskCancel(c *gin.Context) {
	t, err := s.orchestrator.Cancel(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

func (s *Server) handleAPITaskDelete(c *gin.Context) {
	if err := s.orchestrator.Delete(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps domain errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrInvalidRequest), errors.Is(err, config.ErrUnknownWorkspace):
		status = http.StatusBadRequest
	case errors.Is(err, task.ErrConflict),
		errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrActive),
		errors.Is(err, orchestrator.ErrNotWaitingInput),
		errors.Is(err, orchestrator.ErrNoExecution),
		errors.Is(err, executor.ErrNotWaitingInput),
		errors.Is(err, executor.ErrInputRejected),
		errors.Is(err, executor.ErrExecutionNotFound):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseStatusQuery(c *gin.Context) ([]models.TaskStatus, error) {
	raw := c.QueryArray("status")
	if len(raw) == 1 && strings.Contains(raw[0], ",") {
		// Also accept a comma-separated list.
		raw = strings.Split(raw[0], ",")
	}

	var statuses []models.TaskStatus
	for _, part := range raw {
		st := models.TaskStatus(strings.TrimSpace(part))
		if st == "" {
			continue
		}
		if !models.ValidStatus(st) {
			return nil, &apiError{msg: "invalid status: " + string(st)}
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func parseIntQuery(c *gin.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &apiError{msg: "invalid " + name}
	}
	return v, nil
}

type apiError struct{ msg string }

func (e *apiError) Error() string { return e.msg }

func readLogChunk(path string, offset, max int64) ([]byte, int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, offset, false, err
	}

	size := st.Size()
	start := offset
	truncated := false

	if start > size {
		start = size
	}

	// From the beginning of a large file, return the tail window.
	if start == 0 && size > max {
		start = size - max
		truncated = true
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, start, false, err
	}

	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return nil, start, false, err
	}

	if int64(len(data)) > max {
		data = data[:max]
		truncated = true
	}

	return data, start + int64(len(data)), truncated, nil
}
