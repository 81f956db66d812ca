package session

import (
	"math"
	"time"
)

// Leader says who is ahead.
type Leader int

const (
	LeaderNone Leader = iota
	LeaderLocal
	LeaderPartner
)

func (l Leader) String() string {
	switch l {
	case LeaderLocal:
		return "local"
	case LeaderPartner:
		return "partner"
	default:
		return "none"
	}
}

// LeadTracker decides when a change of leader is worth announcing: the gap
// must exceed ThresholdM, the leader must differ from the last announced
// one, and Debounce must have passed since the last announcement.
type LeadTracker struct {
	ThresholdM float64
	Debounce   time.Duration

	announced Leader
	lastAt    time.Time
}

// Observe feeds both distances and reports the new leader when an
// announcement is due.
func (l *LeadTracker) Observe(localM, partnerM float64, now time.Time) (Leader, bool) {
	gap := localM - partnerM
	if math.Abs(gap) <= l.ThresholdM {
		return l.announced, false
	}

	leader := LeaderLocal
	if gap < 0 {
		leader = LeaderPartner
	}

	if leader == l.announced {
		return leader, false
	}

	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.Debounce {
		return l.announced, false
	}

	l.announced = leader
	l.lastAt = now

	return leader, true
}

// Current returns the last announced leader.
func (l *LeadTracker) Current() Leader {
	return l.announced
}

// Reset forgets announcement history.
func (l *LeadTracker) Reset() {
	l.announced = LeaderNone
	l.lastAt = time.Time{}
}
