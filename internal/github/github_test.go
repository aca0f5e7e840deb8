package github

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/lucasnoah/healfactory/internal/pipeline"
)

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://github.com/org/repo", "org/repo", false},
		{"https://github.com/org/repo.git", "org/repo", false},
		{"https://github.com/org/repo/", "org/repo", false},
		{"git@github.com:org/repo.git", "org/repo", false},
		{"  https://github.com/a-b/c.d  ", "a-b/c.d", false},
		{"repo", "", true},
		{"https://x", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRepoURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRepoURL(%q) expected error, got %s", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRepoURL(%q): %v", tt.in, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseRepoURL(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// fakeClock advances only when the poller sleeps.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

// sequenceServer replies with the given responses in order, repeating the last one.
type sequenceServer struct {
	mu        sync.Mutex
	responses []func(w http.ResponseWriter)
	requests  []*http.Request
}

func (s *sequenceServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r)
	i := len(s.requests) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	respond := s.responses[i]
	s.mu.Unlock()
	respond(w)
}

func runs(conclusion string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"total_count":1,"workflow_runs":[{"id":4242,"status":"completed","conclusion":%q}]}`, conclusion)
	}
}

func inProgress() func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		fmt.Fprint(w, `{"total_count":1,"workflow_runs":[{"id":4242,"status":"in_progress","conclusion":null}]}`)
	}
}

func noRuns() func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		fmt.Fprint(w, `{"total_count":0,"workflow_runs":[]}`)
	}
}

func status(code int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(code)
		fmt.Fprint(w, `{"message":"nope"}`)
	}
}

func newTestPoller(t *testing.T, srv *sequenceServer, token string) (*Poller, *fakeClock) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	p := NewPoller(Config{
		Token:  token,
		APIURL: ts.URL,
		Limit:  rate.Inf,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p.now = clock.now
	p.sleep = clock.sleep
	return p, clock
}

var fastOpts = PollOpts{Timeout: 60 * time.Second, Interval: 10 * time.Second}

func TestPoll_Success(t *testing.T) {
	srv := &sequenceServer{responses: []func(http.ResponseWriter){inProgress(), runs("success")}}
	p, clock := newTestPoller(t, srv, "tok")

	res, err := p.Poll(context.Background(), "https://github.com/org/repo", "fix-branch", fastOpts)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != pipeline.CIPassed || res.RunID != "4242" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Duration != 10*time.Second {
		t.Errorf("expected 10s, got %s", res.Duration)
	}
	if len(clock.sleeps) != 1 {
		t.Errorf("expected 1 sleep, got %d", len(clock.sleeps))
	}

	r := srv.requests[0]
	if r.URL.Path != "/repos/org/repo/actions/runs" {
		t.Errorf("unexpected path %s", r.URL.Path)
	}
	if r.URL.Query().Get("branch") != "fix-branch" || r.URL.Query().Get("per_page") != "1" {
		t.Errorf("unexpected query %s", r.URL.RawQuery)
	}
	if r.Header.Get("Authorization") != "Bearer tok" {
		t.Errorf("missing bearer token")
	}
	if r.Header.Get("X-GitHub-Api-Version") != "2022-11-28" {
		t.Errorf("missing api version header")
	}
}

func TestPoll_FailureConclusions(t *testing.T) {
	for _, c := range []string{"failure", "cancelled", "timed_out"} {
		srv := &sequenceServer{responses: []func(http.ResponseWriter){runs(c)}}
		p, _ := newTestPoller(t, srv, "tok")

		res, err := p.Poll(context.Background(), "https://github.com/org/repo", "b", fastOpts)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if res.Status != pipeline.CIFailed {
			t.Errorf("conclusion %s: expected failed, got %s", c, res.Status)
		}
	}
}

func TestPoll_NoCIAfterThreeEmptyPolls(t *testing.T) {
	srv := &sequenceServer{responses: []func(http.ResponseWriter){noRuns()}}
	p, _ := newTestPoller(t, srv, "tok")

	res, err := p.Poll(context.Background(), "https://github.com/org/repo", "b", fastOpts)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != pipeline.CINoCI {
		t.Errorf("expected no_ci, got %s", res.Status)
	}
	if len(srv.requests) != 3 {
		t.Errorf("expected 3 requests, got %d", len(srv.requests))
	}
}

func TestPoll_EmptyCountResetsWhenRunsAppear(t *testing.T) {
	srv := &sequenceServer{responses: []func(http.ResponseWriter){
		noRuns(), noRuns(), inProgress(), noRuns(), noRuns(), runs("success"),
	}}
	p, _ := newTestPoller(t, srv, "tok")

	res, err := p.Poll(context.Background(), "https://github.com/org/repo", "b", fastOpts)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != pipeline.CIPassed {
		t.Errorf("expected passed, got %s", res.Status)
	}
}

func TestPoll_FreshWorkflowSuppressesNoCI(t *testing.T) {
	srv := &sequenceServer{responses: []func(http.ResponseWriter){noRuns()}}
	p, _ := newTestPoller(t, srv, "tok")

	opts := fastOpts
	opts.FreshWorkflow = true
	res, err := p.Poll(context.Background(), "https://github.com/org/repo", "b", opts)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != pipeline.CIFailed {
		t.Errorf("expected failed on timeout, got %s", res.Status)
	}
	if len(srv.requests) != 6 {
		t.Errorf("expected a request every interval for the full timeout (6), got %d", len(srv.requests))
	}
	if res.Duration != opts.Timeout {
		t.Errorf("expected duration %s, got %s", opts.Timeout, res.Duration)
	}
}

func TestPoll_FailOpenStatuses(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests} {
		srv := &sequenceServer{responses: []func(http.ResponseWriter){status(code)}}
		p, _ := newTestPoller(t, srv, "tok")

		res, err := p.Poll(context.Background(), "https://github.com/org/repo", "b", fastOpts)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if res.Status != pipeline.CIPassed || !res.Simulated {
			t.Errorf("status %d: expected simulated pass, got %+v", code, res)
		}
	}
}

func TestPoll_ServerErrorsKeepPolling(t *testing.T) {
	srv := &sequenceServer{responses: []func(http.ResponseWriter){
		status(http.StatusBadGateway), func(w http.ResponseWriter) { fmt.Fprint(w, "not json") }, runs("failure"),
	}}
	p, _ := newTestPoller(t, srv, "tok")

	res, err := p.Poll(context.Background(), "https://github.com/org/repo", "b", fastOpts)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != pipeline.CIFailed || len(srv.requests) != 3 {
		t.Errorf("expected failed after 3 requests, got %+v after %d", res, len(srv.requests))
	}
}

func TestPoll_TimeoutIsFailed(t *testing.T) {
	srv := &sequenceServer{responses: []func(http.ResponseWriter){inProgress()}}
	p, _ := newTestPoller(t, srv, "tok")

	res, err := p.Poll(context.Background(), "https://github.com/org/repo", "b", fastOpts)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != pipeline.CIFailed {
		t.Errorf("expected failed, got %s", res.Status)
	}
}

func TestPoll_DemoModeWithoutToken(t *testing.T) {
	srv := &sequenceServer{responses: []func(http.ResponseWriter){runs("failure")}}
	p, clock := newTestPoller(t, srv, "")

	res, err := p.Poll(context.Background(), "https://github.com/org/repo", "b", fastOpts)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != pipeline.CIPassed || !res.Simulated {
		t.Errorf("expected simulated pass, got %+v", res)
	}
	if len(srv.requests) != 0 {
		t.Error("demo mode must not call the API")
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != demoDelay {
		t.Errorf("expected one demo delay, got %v", clock.sleeps)
	}
}

func TestPoll_UnparseableRepoFailsOpen(t *testing.T) {
	srv := &sequenceServer{responses: []func(http.ResponseWriter){runs("failure")}}
	p, _ := newTestPoller(t, srv, "tok")

	res, err := p.Poll(context.Background(), "repo", "b", fastOpts)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != pipeline.CIPassed {
		t.Errorf("expected passed, got %s", res.Status)
	}
}

func TestPoll_ContextCancelled(t *testing.T) {
	srv := &sequenceServer{responses: []func(http.ResponseWriter){inProgress()}}
	p, _ := newTestPoller(t, srv, "tok")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Poll(ctx, "https://github.com/org/repo", "b", fastOpts); err == nil {
		t.Error("expected context error")
	}
}
