// Package github is the CI oracle: it polls GitHub Actions for the latest
// workflow run on a branch and normalizes the answer to passed, failed or no_ci.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

const (
	DefaultAPIURL   = "https://api.github.com"
	DefaultTimeout  = 300 * time.Second
	DefaultInterval = 10 * time.Second
	apiVersion      = "2022-11-28"
	// emptyPollsForNoCI consecutive empty listings conclude the repo has no CI.
	emptyPollsForNoCI = 3
	demoDelay         = 2 * time.Second
	requestTimeout    = 15 * time.Second
)

// ErrNoToken is returned by calls that need a token when none is configured.
var ErrNoToken = errors.New("github token not configured")

// RepoRef identifies a GitHub repository.
type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) String() string { return r.Owner + "/" + r.Name }

// ParseRepoURL extracts owner and name from an https or scp-style git URL.
func ParseRepoURL(raw string) (RepoRef, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(strings.TrimRight(s, "/"), ".git")
	if rest, ok := strings.CutPrefix(s, "git@"); ok {
		if _, path, found := strings.Cut(rest, ":"); found {
			s = path
		}
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return RepoRef{}, fmt.Errorf("cannot parse owner/repo from %q", raw)
	}
	ref := RepoRef{Owner: parts[len(parts)-2], Name: parts[len(parts)-1]}
	if ref.Owner == "" || ref.Name == "" || strings.Contains(ref.Owner, ":") {
		return RepoRef{}, fmt.Errorf("cannot parse owner/repo from %q", raw)
	}
	return ref, nil
}

// PollOpts bounds one poll.
type PollOpts struct {
	Timeout  time.Duration
	Interval time.Duration
	// FreshWorkflow suppresses the early no_ci exit because a workflow was
	// just pushed and the provider may not have registered it yet.
	FreshWorkflow bool
}

// PollResult is the normalized outcome of a poll.
type PollResult struct {
	Status   pipeline.CIStatus
	RunID    string
	Duration time.Duration
	// Simulated is set when the result was assumed rather than observed.
	Simulated bool
}

// Config configures a Poller.
type Config struct {
	Token      string
	APIURL     string
	HTTPClient *http.Client
	// Limit and Burst bound request rate across every run sharing the Poller.
	Limit rate.Limit
	Burst int
}

// Poller queries the Actions API. One Poller is shared by all runs in a
// process; its limiter keeps them under the API quota together.
type Poller struct {
	token   string
	apiURL  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a Poller. An empty token puts it in demo mode.
func NewPoller(cfg Config, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: requestTimeout}
	}
	limit, burst := cfg.Limit, cfg.Burst
	if limit == 0 {
		limit = rate.Every(750 * time.Millisecond)
	}
	if burst <= 0 {
		burst = 4
	}
	return &Poller{
		token:   cfg.Token,
		apiURL:  apiURL,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HasToken reports whether real polling is possible.
func (p *Poller) HasToken() bool { return p.token != "" }

// workflowRun is the subset of the Actions run object we read.
type workflowRun struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HTMLURL    string `json:"html_url"`
}

type runsResponse struct {
	TotalCount   int           `json:"total_count"`
	WorkflowRuns []workflowRun `json:"workflow_runs"`
}

// observation is what one request told us.
type observation int

const (
	obsPending observation = iota
	obsEmpty
	obsPassed
	obsFailed
	obsFailOpen
)

// Poll waits for the latest workflow run on branch to conclude. It returns an
// error only when ctx is cancelled; every provider problem maps to a status.
func (p *Poller) Poll(ctx context.Context, repoURL, branch string, opts PollOpts) (PollResult, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	start := p.now()
	log := p.logger.With("branch", branch)

	if !p.HasToken() {
		log.Info("no GITHUB_TOKEN, simulating CI pass (demo mode)")
		if err := p.sleep(ctx, demoDelay); err != nil {
			return PollResult{}, err
		}
		return PollResult{Status: pipeline.CIPassed, Duration: demoDelay, Simulated: true}, nil
	}

	ref, err := ParseRepoURL(repoURL)
	if err != nil {
		log.Warn("cannot parse repo url, assuming CI pass", "error", err)
		return PollResult{Status: pipeline.CIPassed, Simulated: true}, nil
	}

	empty := 0
	for p.now().Sub(start) < opts.Timeout {
		obs, run, err := p.fetchLatest(ctx, ref, branch)
		if err != nil {
			if ctx.Err() != nil {
				return PollResult{}, ctx.Err()
			}
			log.Warn("github api error", "error", err)
		}

		elapsed := p.now().Sub(start)
		runID := ""
		if run != nil && run.ID != 0 {
			runID = strconv.FormatInt(run.ID, 10)
		}
		switch obs {
		case obsPassed:
			return PollResult{Status: pipeline.CIPassed, RunID: runID, Duration: elapsed}, nil
		case obsFailed:
			return PollResult{Status: pipeline.CIFailed, RunID: runID, Duration: elapsed}, nil
		case obsFailOpen:
			return PollResult{Status: pipeline.CIPassed, Duration: elapsed, Simulated: true}, nil
		case obsEmpty:
			empty++
			if empty >= emptyPollsForNoCI && !opts.FreshWorkflow {
				log.Info("no workflow runs found, repository has no CI", "polls", empty)
				return PollResult{Status: pipeline.CINoCI, Duration: elapsed}, nil
			}
		default:
			empty = 0
		}

		if err := p.sleep(ctx, opts.Interval); err != nil {
			return PollResult{}, err
		}
	}

	log.Warn("CI poll timed out", "timeout", opts.Timeout)
	return PollResult{Status: pipeline.CIFailed, Duration: opts.Timeout}, nil
}

func (p *Poller) fetchLatest(ctx context.Context, ref RepoRef, branch string) (observation, *workflowRun, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return obsPending, nil, err
	}

	q := url.Values{}
	q.Set("branch", branch)
	q.Set("per_page", "1")
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/runs?%s",
		p.apiURL, url.PathEscape(ref.Owner), url.PathEscape(ref.Name), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return obsPending, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	resp, err := p.http.Do(req)
	if err != nil {
		return obsPending, nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		p.logger.Warn("github api rejected request, assuming CI pass", "status", resp.StatusCode)
		return obsFailOpen, nil, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return obsPending, nil, fmt.Errorf("list workflow runs: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out runsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return obsPending, nil, fmt.Errorf("decode workflow runs: %w", err)
	}
	if len(out.WorkflowRuns) == 0 {
		return obsEmpty, nil, nil
	}

	run := out.WorkflowRuns[0]
	switch run.Conclusion {
	case "success":
		return obsPassed, &run, nil
	case "failure", "cancelled", "timed_out":
		return obsFailed, &run, nil
	default:
		return obsPending, &run, nil
	}
}
