// Package events is the fire-and-forget notification hub for run progress.
//
// Producers publish typed events on one of six channels; subscribers receive
// them through buffered Go channels. Publishing never blocks: a subscriber
// whose buffer is full loses the event, and the hub counts the drop.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/score"
)

// Channel names a notification stream.
type Channel string

const (
	ChannelThought     Channel = "run:event:thought_event"
	ChannelFixApplied  Channel = "run:event:fix_applied"
	ChannelCIUpdate    Channel = "run:event:ci_update"
	ChannelTelemetry   Channel = "run:event:telemetry_tick"
	ChannelRunComplete Channel = "run:event:run_complete"
	ChannelStatus      Channel = "run:status"
)

// Channels lists every channel in the order a client should register them.
var Channels = []Channel{
	ChannelThought, ChannelFixApplied, ChannelCIUpdate,
	ChannelTelemetry, ChannelRunComplete, ChannelStatus,
}

// Name is the short event name used as the SSE event field.
func (c Channel) Name() string {
	s := string(c)
	if i := strings.LastIndex(s, ":"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Event is one notification. Payload is one of the payload types below.
type Event struct {
	Channel Channel
	RunID   string
	Payload any
}

// Data returns the JSON encoding of the payload.
func (e Event) Data() ([]byte, error) {
	return json.Marshal(e.Payload)
}

// Terminal reports whether the event ends a run's stream.
func (e Event) Terminal() bool {
	return e.Channel == ChannelRunComplete
}

type Thought struct {
	RunID     string `json:"run_id"`
	Node      string `json:"node"`
	Message   string `json:"message"`
	StepIndex int    `json:"step_index"`
	Timestamp string `json:"timestamp"`
}

type FixApplied struct {
	RunID      string           `json:"run_id"`
	File       string           `json:"file"`
	BugType    pipeline.BugType `json:"bug_type"`
	Line       int              `json:"line"`
	Status     string           `json:"status"`
	Confidence float64          `json:"confidence"`
	CommitSHA  *string          `json:"commit_sha"`
}

type CIUpdate struct {
	RunID      string            `json:"run_id"`
	Iteration  int               `json:"iteration"`
	Status     pipeline.CIStatus `json:"status"`
	Regression bool              `json:"regression"`
	Timestamp  string            `json:"timestamp"`
}

// TelemetryTick reports process resource use; ContainerID is the host name.
type TelemetryTick struct {
	RunID       string  `json:"run_id"`
	ContainerID string  `json:"container_id"`
	CPUPct      float64 `json:"cpu_pct"`
	MemMB       float64 `json:"mem_mb"`
	Goroutines  int     `json:"goroutines"`
	Timestamp   string  `json:"timestamp"`
}

type RunComplete struct {
	RunID         string          `json:"run_id"`
	FinalStatus   string          `json:"final_status"`
	Score         score.Breakdown `json:"score"`
	TotalTimeSecs float64         `json:"total_time_secs"`
	ArtifactPath  string          `json:"pdf_url"`
}

type StatusUpdate struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	CurrentNode string `json:"current_node"`
	Iteration   int    `json:"iteration"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
