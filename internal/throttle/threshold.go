// Package throttle holds the rate-window trackers and the decision functions
// the gateway composes into connection and request verdicts.
package throttle

import "time"

// Threshold allows at most Amount events per Window.
type Threshold struct {
	Amount uint64
	Window time.Duration
}

func NewThreshold(amount uint64, window time.Duration) Threshold {
	return Threshold{Amount: amount, Window: window}
}

// Tracker counts events inside the window started at StartedAt.
type Tracker struct {
	Count     uint64
	StartedAt time.Time
}

func NewTracker(now time.Time) Tracker {
	return Tracker{StartedAt: now}
}

// Reset opens a fresh window at now.
func (t *Tracker) Reset(now time.Time) {
	t.Count = 0
	t.StartedAt = now
}

// ThresholdAllow reports whether one more event fits the threshold. An elapsed window
// is reset and always allows. It never increments Count.
func ThresholdAllow(t *Tracker, th Threshold, now time.Time) bool {
	if now.Sub(t.StartedAt) >= th.Window {
		t.Reset(now)
		return true
	}
	return t.Count < th.Amount
}
