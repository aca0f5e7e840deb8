package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lucasnoah/healfactory/internal/db"
	"github.com/lucasnoah/healfactory/internal/llm"
)

const (
	queryTraceLimit    = 50
	queryFixLimit      = 30
	queryEvidenceLimit = 10
	queryTemperature   = 0.3
)

const querySystemPrompt = "You are an AI assistant explaining CI/CD healing agent activity. " +
	"Answer based on the execution context provided. Be concise and specific."

// handleQuery answers a question about a run from its audit trail. With no
// model available it returns a structured summary instead.
func (s *Server) handleQuery(c *gin.Context) {
	var req QueryRequest
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
	if s.opts.Audit == nil {
		abort(c, http.StatusServiceUnavailable, CodeInternal, "audit store unavailable")
		return
	}

	run, err := s.opts.Audit.GetRun(req.RunID)
	if errors.Is(err, db.ErrNotFound) {
		abort(c, http.StatusNotFound, CodeNotFound, fmt.Sprintf("Run %s not found", req.RunID))
		return
	}
	if err != nil {
		s.logger.Error("query: load run", "run_id", req.RunID, "error", err)
		abort(c, http.StatusInternalServerError, CodeInternal, "failed to load run")
		return
	}
	traces, err := s.opts.Audit.ListTraces(req.RunID, 0)
	if err != nil {
		s.logger.Error("query: load traces", "run_id", req.RunID, "error", err)
		abort(c, http.StatusInternalServerError, CodeInternal, "failed to load traces")
		return
	}
	fixes, err := s.opts.Audit.ListFixes(req.RunID, 0)
	if err != nil {
		s.logger.Error("query: load fixes", "run_id", req.RunID, "error", err)
		abort(c, http.StatusInternalServerError, CodeInternal, "failed to load fixes")
		return
	}

	summary := fmt.Sprintf("Run %s status: %s. %d trace steps, %d fixes recorded.",
		req.RunID, runStatus(run), len(traces), len(fixes))

	var answer string
	if s.opts.LLM != nil && s.opts.LLM.Available() {
		out, err := s.opts.LLM.Complete(c.Request.Context(), llm.Request{
			System:      querySystemPrompt,
			User:        fmt.Sprintf("Context:\n%s\nQuestion: %s", runContext(run, traces, fixes), req.Question),
			Temperature: llm.Temp(queryTemperature),
		})
		if err != nil {
			s.logger.Warn("query: model call failed, using summary", "run_id", req.RunID, "error", err)
			answer = summary
		} else {
			answer = strings.TrimSpace(out)
		}
	} else {
		answer = summary + " (LLM unavailable; set GROQ_API_KEYS for detailed answers)"
	}

	evidence := make([]Evidence, 0, queryEvidenceLimit)
	for i, t := range traces {
		if i == queryEvidenceLimit {
			break
		}
		evidence = append(evidence, Evidence{StepIndex: t.StepIndex, AgentNode: t.AgentNode})
	}

	c.JSON(http.StatusOK, QueryResponse{RunID: req.RunID, Answer: answer, Evidence: evidence})
}

// runStatus prefers the final status once the run has finished.
func runStatus(r *db.Run) string {
	if r.FinalStatus != "" {
		return r.FinalStatus
	}
	return r.Status
}

// runContext renders the prompt context: run metadata, the first traces and
// the first fixes.
func runContext(r *db.Run, traces []db.Trace, fixes []db.Fix) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s\nStatus: %s\nRepo: %s\nBranch: %s\n", r.RunID, runStatus(r), r.RepoURL, r.Branch)
	if r.QuarantineReason != "" {
		fmt.Fprintf(&b, "Quarantine: %s\n", r.QuarantineReason)
	}
	b.WriteString("Execution trace:\n")
	for i, t := range traces {
		if i == queryTraceLimit {
			break
		}
		fmt.Fprintf(&b, "  Step %d: [%s] %s\n", t.StepIndex, t.AgentNode, traceLabel(t))
	}
	b.WriteString("Fixes:\n")
	for i, f := range fixes {
		if i == queryFixLimit {
			break
		}
		fmt.Fprintf(&b, "  %s:%d (%s) → %s\n", f.File, f.Line, f.BugType, f.Status)
	}
	return b.String()
}

func traceLabel(t db.Trace) string {
	if t.ActionType == "thought" && t.ThoughtText != "" {
		return t.ThoughtText
	}
	return t.ActionLabel
}
