// Package web is the HTTP front door of the healing agent: it accepts run
// requests, reports run status, streams run events over SSE, answers
// questions about finished runs and exposes health and metrics.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/lucasnoah/healfactory/internal/db"
	"github.com/lucasnoah/healfactory/internal/events"
	"github.com/lucasnoah/healfactory/internal/llm"
	"github.com/lucasnoah/healfactory/internal/metrics"
	"github.com/lucasnoah/healfactory/internal/orchestrator"
	"github.com/lucasnoah/healfactory/internal/pipeline"
)

const (
	defaultHeartbeat = 15 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// Launcher starts runs in the background. *orchestrator.Supervisor implements it.
type Launcher interface {
	Start(req orchestrator.Request) bool
}

// AuditReader is the read side of the audit sink. *db.DB implements it.
type AuditReader interface {
	GetRun(runID string) (*db.Run, error)
	ListTraces(runID string, limit int) ([]db.Trace, error)
	ListFixes(runID string, limit int) ([]db.Fix, error)
	Ping(ctx context.Context) error
}

// Options configures a Server. Audit, LLM and Metrics are optional.
type Options struct {
	Version       string
	Store         *pipeline.Store
	Runs          Launcher
	Hub           *events.Hub
	Audit         AuditReader
	LLM           llm.Generator
	Metrics       *metrics.Metrics
	MaxIterations int
	Heartbeat     time.Duration
	Logger        *slog.Logger
}

// Server serves the agent API.
type Server struct {
	opts     Options
	logger   *slog.Logger
	validate *validator.Validate
	engine   *gin.Engine
}

// NewServer creates a Server with its routes registered.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 5
	}
	s := &Server{
		opts:     opts,
		logger:   opts.Logger,
		validate: newValidator(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.GET("/health", s.handleHealth)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
	agent := r.Group("/agent")
	agent.POST("/start", s.handleStart)
	agent.GET("/status", s.handleStatus)
	agent.GET("/stream", s.handleStream)
	agent.POST("/query", s.handleQuery)
	r.NoRoute(func(c *gin.Context) {
		abort(c, http.StatusNotFound, CodeNotFound, "route not found")
	})
	s.engine = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			return
		}
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}
