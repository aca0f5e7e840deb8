package score

import (
	"testing"
	"time"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		commits int
		want    Breakdown
	}{
		{"fast and lean", 42 * time.Second, 3, Breakdown{100, 10, 0, 110}},
		{"just under threshold", 299*time.Second + 999*time.Millisecond, 0, Breakdown{100, 10, 0, 110}},
		{"at threshold", 300 * time.Second, 0, Breakdown{100, 0, 0, 100}},
		{"twenty commits free", 10 * time.Minute, 20, Breakdown{100, 0, 0, 100}},
		{"twenty one commits", 10 * time.Minute, 21, Breakdown{100, 0, 2, 98}},
		{"clamped at zero", 500 * time.Second, 200, Breakdown{100, 0, 360, 0}},
		{"negative commits", time.Second, -5, Breakdown{100, 10, 0, 110}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compute(tt.elapsed, tt.commits); got != tt.want {
				t.Errorf("Compute(%s, %d) = %+v, want %+v", tt.elapsed, tt.commits, got, tt.want)
			}
		})
	}
}

func TestSpeedBonusIndependentOfCommits(t *testing.T) {
	for c := 0; c <= 60; c += 7 {
		if got := Compute(time.Minute, c).SpeedBonus; got != SpeedBonus {
			t.Errorf("commits=%d: speed bonus %d", c, got)
		}
		if got := Compute(10*time.Minute, c).SpeedBonus; got != 0 {
			t.Errorf("commits=%d: slow run got speed bonus %d", c, got)
		}
	}
}

func TestTotalNeverNegative(t *testing.T) {
	for c := 0; c < 1000; c += 13 {
		if got := Compute(time.Hour, c).Total; got < 0 {
			t.Fatalf("commits=%d: negative total %d", c, got)
		}
	}
}
