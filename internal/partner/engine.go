// Package partner turns the remote runner's sparse snapshots into a smooth
// display state and classifies the health of the link to them.
package partner

import (
	"sync"
	"time"

	"github.com/tonimelisma/pacepair/internal/wire"
)

// Status classifies how fresh the partner's data is.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusStale
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusStale:
		return "stale"
	case StatusPaused:
		return "paused"
	default:
		return "disconnected"
	}
}

// Config holds the age thresholds.
type Config struct {
	HeartbeatInterval    time.Duration
	StaleMultiple        float64       // connected while age < HeartbeatInterval * StaleMultiple
	DisconnectAfter      time.Duration // stale until this age, disconnected after
	ExtrapolationCeiling time.Duration // longest projection past the last receipt; stale after it
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    5 * time.Second,
		StaleMultiple:        2,
		DisconnectAfter:      30 * time.Second,
		ExtrapolationCeiling: 5 * time.Second,
	}
}

// Health is the connection bookkeeping. It is derived, never persisted.
type Health struct {
	LastSent            time.Time
	LastReceived        time.Time
	ConsecutiveFailures int
}

// State is the presentation view of the partner at an instant.
type State struct {
	Snapshot   *wire.Snapshot // latest accepted, nil before the first
	ReceivedAt time.Time
	DistanceM  float64 // extrapolated
	Status     Status
	Health     Health
}

// Engine holds the latest partner snapshot. Safe for concurrent use.
type Engine struct {
	cfg Config

	mu         sync.Mutex
	last       *wire.Snapshot
	seqs       map[string]uint64 // highest accepted seq per sender
	receivedAt time.Time
	paused     bool
	health     Health
}

// NewEngine creates an engine. Zero fields in cfg take their defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}

	if cfg.StaleMultiple <= 0 {
		cfg.StaleMultiple = def.StaleMultiple
	}

	if cfg.DisconnectAfter <= 0 {
		cfg.DisconnectAfter = def.DisconnectAfter
	}

	if cfg.ExtrapolationCeiling <= 0 {
		cfg.ExtrapolationCeiling = def.ExtrapolationCeiling
	}

	return &Engine{cfg: cfg, seqs: make(map[string]uint64)}
}

// ApplySnapshot accepts s if its sequence number is newer than every one
// accepted from the same sender, and reports whether it did. Older and
// duplicate sequence numbers leave the engine untouched, even when another
// sender's snapshot arrived in between.
func (e *Engine) ApplySnapshot(s *wire.Snapshot, receivedAt time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if seq, ok := e.seqs[s.UserID]; ok && s.Seq <= seq {
		return false
	}

	e.seqs[s.UserID] = s.Seq

	snap := *s
	e.last = &snap
	e.receivedAt = receivedAt
	e.paused = s.IsPaused
	e.markReceivedLocked(receivedAt)

	return true
}

// RecordHeartbeat notes a heartbeat (or any other message) from the partner.
func (e *Engine) RecordHeartbeat(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.markReceivedLocked(at)
}

// MarkPaused records a pause or resume announced by the partner.
func (e *Engine) MarkPaused(paused bool, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.paused = paused
	e.markReceivedLocked(at)

	if !paused && e.last != nil {
		// Projection restarts from the resume instant, not from before the
		// pause.
		e.receivedAt = at
	}
}

func (e *Engine) markReceivedLocked(at time.Time) {
	if at.After(e.health.LastReceived) {
		e.health.LastReceived = at
	}

	e.health.ConsecutiveFailures = 0
}

// RecordSent notes a successful send to the partner.
func (e *Engine) RecordSent(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.health.LastSent = at
	e.health.ConsecutiveFailures = 0
}

// RecordSendFailure counts a failed send to the partner.
func (e *Engine) RecordSendFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.health.ConsecutiveFailures++
}

// Interpolate returns the display state at now. Distance is projected from
// the last snapshot's pace for at most ExtrapolationCeiling past receipt,
// and frozen while the partner is paused or reports no plausible pace.
func (e *Engine) Interpolate(now time.Time) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := State{
		Status: e.statusLocked(now),
		Health: e.health,
	}

	if e.last == nil {
		return st
	}

	snap := *e.last
	st.Snapshot = &snap
	st.ReceivedAt = e.receivedAt
	st.DistanceM = snap.DistanceM

	pace := snap.Pace()
	if e.paused || pace < wire.MinPaceSecPerKm {
		return st
	}

	dt := now.Sub(e.receivedAt)
	if dt <= 0 {
		return st
	}

	dt = min(dt, e.cfg.ExtrapolationCeiling)
	st.DistanceM += dt.Seconds() * 1000 / pace

	return st
}

// Status classifies the link at now.
func (e *Engine) Status(now time.Time) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.statusLocked(now)
}

func (e *Engine) statusLocked(now time.Time) Status {
	if e.paused {
		return StatusPaused
	}

	if e.health.LastReceived.IsZero() {
		return StatusDisconnected
	}

	age := now.Sub(e.health.LastReceived)
	connectedFor := time.Duration(float64(e.cfg.HeartbeatInterval) * e.cfg.StaleMultiple)

	switch {
	case age < connectedFor && !e.projectionExpiredLocked(now):
		return StatusConnected
	case age < e.cfg.DisconnectAfter:
		return StatusStale
	default:
		return StatusDisconnected
	}
}

// projectionExpiredLocked reports whether the latest snapshot is older than
// the extrapolation ceiling, so the displayed distance no longer moves.
// Heartbeats alone do not keep a running partner connected.
func (e *Engine) projectionExpiredLocked(now time.Time) bool {
	return e.last != nil && now.Sub(e.receivedAt) > e.cfg.ExtrapolationCeiling
}

// Latest returns a copy of the latest accepted snapshot, or nil.
func (e *Engine) Latest() *wire.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.last == nil {
		return nil
	}

	snap := *e.last

	return &snap
}

// Reset forgets everything; used when a session ends.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.last = nil
	clear(e.seqs)
	e.receivedAt = time.Time{}
	e.paused = false
	e.health = Health{}
}
