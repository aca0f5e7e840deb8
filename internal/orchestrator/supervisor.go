package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/lucasnoah/healfactory/internal/report"
)

// Runner executes one run to completion. *Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req Request) (*report.Results, error)
}

// Supervisor launches runs in the background and refuses to start a run id
// that is already active in this process.
type Supervisor struct {
	ctx    context.Context
	runner Runner
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a Supervisor. Runs inherit ctx; cancelling it aborts
// every active run.
func NewSupervisor(ctx context.Context, runner Runner, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{ctx: ctx, runner: runner, logger: logger, active: map[string]context.CancelFunc{}}
}

// Start launches req in its own goroutine. It returns false without starting
// anything when a run with the same id is still active.
func (sv *Supervisor) Start(req Request) bool {
	sv.mu.Lock()
	if _, ok := sv.active[req.RunID]; ok {
		sv.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(sv.ctx)
	sv.active[req.RunID] = cancel
	sv.wg.Add(1)
	sv.mu.Unlock()

	go func() {
		defer sv.wg.Done()
		defer sv.release(req.RunID)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				sv.logger.Error("run panicked", "run_id", req.RunID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			}
		}()

		if _, err := sv.runner.Run(ctx, req); err != nil {
			sv.logger.Warn("run ended with error", "run_id", req.RunID, "error", err)
		}
	}()
	return true
}

func (sv *Supervisor) release(runID string) {
	sv.mu.Lock()
	delete(sv.active, runID)
	sv.mu.Unlock()
}

// Active reports whether runID is currently executing.
func (sv *Supervisor) Active(runID string) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	_, ok := sv.active[runID]
	return ok
}

// Running returns the number of active runs.
func (sv *Supervisor) Running() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.active)
}

// Cancel aborts an active run. It reports whether the run was found.
func (sv *Supervisor) Cancel(runID string) bool {
	sv.mu.Lock()
	cancel, ok := sv.active[runID]
	sv.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every launched run has returned.
func (sv *Supervisor) Wait() {
	sv.wg.Wait()
}
