package queue

import "time"

// DefaultJobTimeout bounds one handler call.
const DefaultJobTimeout = 420 * time.Second

// Policy is a lane's retry budget. Backoff[i] is the delay after attempt i+1
// fails; the last entry repeats.
type Policy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// DefaultPolicies are the per-lane retry budgets.
var DefaultPolicies = map[Lane]Policy{
	LaneAIProcessing:  {MaxAttempts: 3, Backoff: []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}},
	LaneRevalidation:  {MaxAttempts: 2, Backoff: []time.Duration{60 * time.Second}},
	LaneNotifications: {MaxAttempts: 3, Backoff: []time.Duration{15 * time.Second, 60 * time.Second}},
	LaneMetering:      {MaxAttempts: 5, Backoff: []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second}},
	LaneIngestion:     {MaxAttempts: 3, Backoff: []time.Duration{10 * time.Second, 30 * time.Second}},
}

// PolicyFor returns the lane's policy, or a single attempt for unknown lanes.
func PolicyFor(l Lane) Policy {
	if p, ok := DefaultPolicies[l]; ok {
		return p
	}
	return Policy{MaxAttempts: 1}
}

// CanRetry reports whether another attempt follows attempt.
func (p Policy) CanRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Delay returns the wait after attempt fails.
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}
