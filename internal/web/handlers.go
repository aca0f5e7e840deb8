package web

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lucasnoah/healfactory/internal/orchestrator"
	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// handleStart validates a run request and launches it in the background.
// A request for a run that is still active is acknowledged without starting
// a second copy.
func (s *Server) handleStart(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, CodeInvalidInput, invalidInputMessage)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
			Code:    CodeInvalidInput,
			Message: invalidInputMessage,
			Fields:  fieldErrors(err),
		}})
		return
	}

	logger := s.logger.With("run_id", req.RunID)

	flags := pipeline.DefaultFeatureFlags()
	if req.FeatureFlags != nil {
		flags = *req.FeatureFlags
	}
	maxIter := req.MaxIterations
	if maxIter == 0 {
		maxIter = s.opts.MaxIterations
	}

	started := s.opts.Runs.Start(orchestrator.Request{
		RunID:         req.RunID,
		RepoURL:       strings.TrimSpace(req.RepoURL),
		TeamName:      req.TeamName,
		LeaderName:    req.LeaderName,
		Branch:        req.BranchName,
		MaxIterations: maxIter,
		Flags:         flags,
	})
	if !started {
		logger.Info("duplicate start ignored")
		c.JSON(http.StatusOK, StartResponse{Accepted: true, RunID: req.RunID})
		return
	}

	// The run may already have reported progress; only fill the gap before it does.
	if s.opts.Store != nil {
		if cur, err := s.opts.Store.Get(req.RunID); err != nil || cur.Status != pipeline.StatusRunning {
			err := s.opts.Store.Put(pipeline.RunStatus{
				RunID:       req.RunID,
				Status:      pipeline.StatusRunning,
				CurrentNode: pipeline.NodeScanning,
				Iteration:   1,
			})
			if err != nil {
				logger.Warn("status write failed", "error", err)
			}
		}
	}

	logger.Info("run accepted", "repo", req.RepoURL, "branch", req.BranchName, "max_iterations", maxIter)
	c.JSON(http.StatusOK, StartResponse{Accepted: true, RunID: req.RunID})
}

// handleStatus reports a run's progress. Unknown runs are reported as queued.
func (s *Server) handleStatus(c *gin.Context) {
	runID := c.Query("run_id")
	if runID == "" {
		abort(c, http.StatusBadRequest, CodeInvalidInput, "run_id is required")
		return
	}
	if s.opts.Store == nil {
		c.JSON(http.StatusOK, pipeline.Queued(runID))
		return
	}
	c.JSON(http.StatusOK, s.opts.Store.Lookup(runID))
}

type healthResponse struct {
	Agent    string `json:"agent"`
	Version  string `json:"version"`
	Database string `json:"database"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{Agent: "ok", Version: s.opts.Version, Database: "unavailable"}
	if s.opts.Audit != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Audit.Ping(ctx); err == nil {
			resp.Database = "ok"
		} else {
			s.logger.Warn("database ping failed", "error", err)
		}
	}
	c.JSON(http.StatusOK, resp)
}
