package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/lucasnoah/healfactory/internal/report"
)

// blockingRunner holds every run until release is closed.
type blockingRunner struct {
	started chan string
	release chan struct{}
	calls   atomic.Int32
	panics  bool
}

func (b *blockingRunner) Run(ctx context.Context, req Request) (*report.Results, error) {
	b.calls.Add(1)
	b.started <- req.RunID
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if b.panics {
		panic("boom")
	}
	return &report.Results{RunID: req.RunID}, nil
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 4), release: make(chan struct{})}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSupervisor_DuplicateRunIsRejected(t *testing.T) {
	r := newBlockingRunner()
	sv := NewSupervisor(context.Background(), r, quietLogger())

	if !sv.Start(Request{RunID: "run_1"}) {
		t.Fatal("first start must succeed")
	}
	<-r.started
	if sv.Start(Request{RunID: "run_1"}) {
		t.Error("duplicate start must be rejected while active")
	}
	if !sv.Active("run_1") || sv.Running() != 1 {
		t.Errorf("expected run_1 active, running=%d", sv.Running())
	}

	close(r.release)
	sv.Wait()

	if sv.Active("run_1") || sv.Running() != 0 {
		t.Error("run must be released after completion")
	}
	if got := r.calls.Load(); got != 1 {
		t.Errorf("runner called %d times, want 1", got)
	}
}

func TestSupervisor_RestartAfterCompletion(t *testing.T) {
	r := newBlockingRunner()
	close(r.release)
	sv := NewSupervisor(context.Background(), r, quietLogger())

	sv.Start(Request{RunID: "run_1"})
	<-r.started
	sv.Wait()
	if !sv.Start(Request{RunID: "run_1"}) {
		t.Error("a finished run id may be started again")
	}
	<-r.started
	sv.Wait()
}

func TestSupervisor_CancelAndRecover(t *testing.T) {
	r := newBlockingRunner()
	sv := NewSupervisor(context.Background(), r, quietLogger())

	sv.Start(Request{RunID: "a"})
	<-r.started
	if !sv.Cancel("a") {
		t.Error("expected cancel to find the run")
	}
	sv.Wait()
	if sv.Cancel("a") {
		t.Error("cancel of a finished run must report false")
	}

	r.panics = true
	close(r.release)
	sv.Start(Request{RunID: "b"})
	<-r.started
	sv.Wait()
	if sv.Active("b") {
		t.Error("a panicking run must still be released")
	}
}
