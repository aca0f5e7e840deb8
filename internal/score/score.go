// Package score computes the run score from elapsed time and commit count.
package score

import "time"

const (
	Base             = 100
	SpeedBonus       = 10
	SpeedThreshold   = 300 * time.Second
	FreeCommits      = 20
	PenaltyPerCommit = 2
)

// Breakdown is the score as written to the results artifact.
type Breakdown struct {
	Base              int `json:"base"`
	SpeedBonus        int `json:"speed_bonus"`
	EfficiencyPenalty int `json:"efficiency_penalty"`
	Total             int `json:"total"`
}

// Compute returns the score for a run that took elapsed and pushed commits commits.
// The total is never negative.
func Compute(elapsed time.Duration, commits int) Breakdown {
	b := Breakdown{Base: Base}
	if elapsed < SpeedThreshold {
		b.SpeedBonus = SpeedBonus
	}
	if extra := commits - FreeCommits; extra > 0 {
		b.EfficiencyPenalty = PenaltyPerCommit * extra
	}
	b.Total = max(0, b.Base+b.SpeedBonus-b.EfficiencyPenalty)
	return b
}
