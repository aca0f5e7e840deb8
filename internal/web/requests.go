package web

import (
	"errors"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/lucasnoah/healfactory/internal/github"
	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// StartRequest is the body of POST /agent/start.
type StartRequest struct {
	RunID         string                 `json:"run_id" validate:"required,runid"`
	RepoURL       string                 `json:"repo_url" validate:"required,githubrepo"`
	TeamName      string                 `json:"team_name" validate:"required,max=128"`
	LeaderName    string                 `json:"leader_name" validate:"required,max=128"`
	BranchName    string                 `json:"branch_name" validate:"required,max=255,healbranch"`
	MaxIterations int                    `json:"max_iterations" validate:"omitempty,min=1,max=20"`
	FeatureFlags  *pipeline.FeatureFlags `json:"feature_flags"`
}

// StartResponse acknowledges a start request.
type StartResponse struct {
	Accepted bool   `json:"accepted"`
	RunID    string `json:"run_id"`
}

// QueryRequest is the body of POST /agent/query.
type QueryRequest struct {
	RunID    string `json:"run_id" validate:"required,min=1,max=64"`
	Question string `json:"question" validate:"required,min=1,max=2000"`
}

// Evidence points at one trace step an answer drew on.
type Evidence struct {
	StepIndex int    `json:"step_index"`
	AgentNode string `json:"agent_node"`
}

// QueryResponse answers a question about a run.
type QueryResponse struct {
	RunID    string     `json:"run_id"`
	Answer   string     `json:"answer"`
	Evidence []Evidence `json:"evidence"`
}

// ErrorBody is the error envelope returned on every non-2xx response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine code and a human message.
type ErrorDetail struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// FieldError names one rejected request field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// Error codes.
const (
	CodeInvalidInput = "INVALID_INPUT"
	CodeNotFound     = "NOT_FOUND"
	CodeInternal     = "INTERNAL"
)

const invalidInputMessage = "Request payload validation failed"

// newValidator returns a validator with the request-specific tags registered.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("githubrepo", validateGitHubRepo)
	_ = v.RegisterValidation("healbranch", validateHealBranch)
	_ = v.RegisterValidation("runid", validateRunID)
	return v
}

// validateGitHubRepo accepts http(s) URLs of the form host/owner/repo.
func validateGitHubRepo(fl validator.FieldLevel) bool {
	raw := strings.TrimSpace(fl.Field().String())
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return false
	}
	path := strings.Trim(strings.TrimSuffix(u.Path, ".git"), "/")
	if strings.Count(path, "/") != 1 {
		return false
	}
	_, err = github.ParseRepoURL(raw)
	return err == nil
}

// validateHealBranch rejects protected names and anything git would refuse.
func validateHealBranch(fl validator.FieldLevel) bool {
	b := fl.Field().String()
	if strings.TrimSpace(b) == "" || pipeline.IsProtectedBranch(b) {
		return false
	}
	if strings.ContainsAny(b, " ~^:?*[\\") || strings.Contains(b, "..") {
		return false
	}
	return !strings.HasPrefix(b, "-") && !strings.HasSuffix(b, "/") && !strings.HasSuffix(b, ".lock")
}

func validateRunID(fl validator.FieldLevel) bool {
	return pipeline.ValidRunID(fl.Field().String())
}

// fieldErrors flattens validator output into the response envelope.
func fieldErrors(err error) []FieldError {
	var out []FieldError
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			out = append(out, FieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
	}
	return out
}
