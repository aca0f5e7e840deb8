package events

import (
	"sync"
	"time"

	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/score"
)

// Emitter publishes typed events for a single run and numbers its thoughts.
// Step 0 is reserved for the stream's connection notice, so the first
// thought a run emits is step 1.
type Emitter struct {
	pub   Publisher
	runID string
	now   func() time.Time

	mu   sync.Mutex
	step int
}

// NewEmitter binds pub to runID. A nil pub discards events.
func NewEmitter(pub Publisher, runID string) *Emitter {
	if pub == nil {
		pub = Discard
	}
	return &Emitter{pub: pub, runID: runID, now: time.Now}
}

// RunID returns the run the emitter is bound to.
func (e *Emitter) RunID() string { return e.runID }

// Step returns the index of the last thought emitted.
func (e *Emitter) Step() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.step
}

func (e *Emitter) publish(ch Channel, payload any) {
	e.pub.Publish(Event{Channel: ch, RunID: e.runID, Payload: payload})
}

// Thought emits a progress message for node and returns its step index.
func (e *Emitter) Thought(node pipeline.Node, message string) int {
	e.mu.Lock()
	e.step++
	step := e.step
	e.mu.Unlock()

	e.publish(ChannelThought, Thought{
		RunID:     e.runID,
		Node:      string(node),
		Message:   message,
		StepIndex: step,
		Timestamp: timestamp(e.now()),
	})
	return step
}

// FixApplied emits one fix outcome.
func (e *Emitter) FixApplied(f pipeline.FixRecord) {
	var sha *string
	if f.CommitSHA != "" {
		s := f.CommitSHA
		sha = &s
	}
	e.publish(ChannelFixApplied, FixApplied{
		RunID:      e.runID,
		File:       f.File,
		BugType:    f.BugType,
		Line:       f.Line,
		Status:     string(f.Status),
		Confidence: f.Confidence,
		CommitSHA:  sha,
	})
}

// CIUpdate emits a CI poll outcome.
func (e *Emitter) CIUpdate(rec pipeline.CIRunRecord) {
	e.publish(ChannelCIUpdate, CIUpdate{
		RunID:      e.runID,
		Iteration:  rec.Iteration,
		Status:     rec.Status,
		Regression: rec.Regression,
		Timestamp:  timestamp(e.now()),
	})
}

// Telemetry emits a resource sample.
func (e *Emitter) Telemetry(containerID string, cpuPct, memMB float64, goroutines int) {
	e.publish(ChannelTelemetry, TelemetryTick{
		RunID:       e.runID,
		ContainerID: containerID,
		CPUPct:      cpuPct,
		MemMB:       memMB,
		Goroutines:  goroutines,
		Timestamp:   timestamp(e.now()),
	})
}

// Status emits the run's externally visible progress.
func (e *Emitter) Status(status string, node pipeline.Node, iteration int) {
	e.publish(ChannelStatus, StatusUpdate{
		RunID:       e.runID,
		Status:      status,
		CurrentNode: string(node),
		Iteration:   iteration,
	})
}

// RunComplete emits the terminal event for the run.
func (e *Emitter) RunComplete(finalStatus string, s score.Breakdown, totalSecs float64, artifactPath string) {
	e.publish(ChannelRunComplete, RunComplete{
		RunID:         e.runID,
		FinalStatus:   finalStatus,
		Score:         s,
		TotalTimeSecs: totalSecs,
		ArtifactPath:  artifactPath,
	})
}

// Connected builds the step-0 thought sent when a stream client attaches.
func Connected(runID string, now time.Time) Event {
	return Event{
		Channel: ChannelThought,
		RunID:   runID,
		Payload: Thought{
			RunID:     runID,
			Node:      "stream",
			Message:   "SSE connected",
			StepIndex: 0,
			Timestamp: timestamp(now),
		},
	}
}
