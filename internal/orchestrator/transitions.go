package orchestrator

import "github.com/lucasnoah/healfactory/internal/pipeline"

// The functions below decide the next node after a stage returns. They read
// run state only and never mutate it.

// afterTesting skips straight to scoring when the suite passed locally.
func afterTesting(exitCode int) pipeline.Node {
	if exitCode == 0 {
		return pipeline.NodeScoring
	}
	return pipeline.NodeAnalyzing
}

// afterAnalyzing moves to fix generation only when something was parsed.
func afterAnalyzing(failures int) pipeline.Node {
	if failures == 0 {
		return pipeline.NodeScoring
	}
	return pipeline.NodeFixing
}

// afterCommit ends the run on quarantine. A failed commit still goes on to CI.
func afterCommit(s *pipeline.RunState) pipeline.Node {
	if s.Quarantined() {
		return pipeline.NodeDone
	}
	return pipeline.NodePollingCI
}

// afterCI grants another iteration unless CI passed, the run is quarantined,
// or the iteration budget is spent. no_ci never ends the loop by itself.
func afterCI(s *pipeline.RunState) pipeline.Node {
	switch {
	case s.CIStatus == pipeline.CIPassed:
		return pipeline.NodeScoring
	case s.Quarantined():
		return pipeline.NodeScoring
	case s.Iteration >= s.MaxIterations:
		return pipeline.NodeScoring
	}
	return pipeline.NodeRetrying
}

// isRegression reports a pass in the previous iteration followed by a failure now.
func isRegression(prev, cur pipeline.CIStatus) bool {
	return prev == pipeline.CIPassed && cur == pipeline.CIFailed
}
