// Package server exposes the orchestrator over a REST API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sevir/fetch/internal/config"
	"github.com/sevir/fetch/internal/logging"
	"github.com/sevir/fetch/internal/orchestrator"
)

// Server is the HTTP front end of the orchestrator.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	addr         string
	version      string
	commit       string
	httpServer   *http.Server
	config       *config.Config
	gatherer     prometheus.Gatherer
	logger       *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Addr         string
	Orchestrator *orchestrator.Orchestrator
	Version      string
	Commit       string
	// AppConfig resolves workspace names; without it workspaces must be paths.
	AppConfig *config.Config
	// Gatherer backs /metrics; defaults to the global registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// New creates a new server.
func New(cfg Config) *Server {
	s := &Server{
		orchestrator: cfg.Orchestrator,
		addr:         cfg.Addr,
		version:      cfg.Version,
		commit:       cfg.Commit,
		config:       cfg.AppConfig,
		gatherer:     cfg.Gatherer,
		logger:       logging.OrNop(cfg.Logger),
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.newGinEngine(),
		ReadTimeout: 30 * time.Second,
		// Foreground submissions hold the request open until the task ends.
		WriteTimeout: 0,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger logs each request at debug level, slower ones at info.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		level := slog.LevelDebug
		if elapsed > 5*time.Second || c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelInfo
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", elapsed.String(),
		)
	}
}
