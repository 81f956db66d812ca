// Package session runs one device's side of a shared virtual run: the
// offer/confirm handshake, the coordinated countdown, pause and resume, the
// periodic publishing of local stats and the reaction to the partner's.
//
// All state lives behind one mutex. Timer callbacks take the lock and check
// a per-timer token and the teardown generation before touching anything,
// so a cancelled or torn-down timer never acts. Network sends and other
// side effects are queued in order and performed by Run outside the lock.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/tonimelisma/pacepair/internal/geo"
	"github.com/tonimelisma/pacepair/internal/recovery"
	"github.com/tonimelisma/pacepair/internal/transport"
	"github.com/tonimelisma/pacepair/internal/wire"
)

// ErrInvalidTransition is returned when an operation is not valid in the
// current phase. The machine is left unchanged.
var ErrInvalidTransition = errors.New("session: invalid transition")

// Phase is the lifecycle phase of the run.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePendingConfirmation
	PhaseCountdown
	PhaseActive
	PhasePaused
)

func (p Phase) String() string {
	switch p {
	case PhasePendingConfirmation:
		return "pending-confirmation"
	case PhaseCountdown:
		return "countdown"
	case PhaseActive:
		return "active"
	case PhasePaused:
		return "paused"
	default:
		return "idle"
	}
}

// Running reports whether the run itself is under way.
func (p Phase) Running() bool {
	return p == PhaseActive || p == PhasePaused
}

// Config holds the timings and identity of the local runner.
type Config struct {
	UserID   string
	UserName string
	Activity geo.Activity

	DeclineTimeout            time.Duration
	StartLead                 time.Duration
	HeartbeatInterval         time.Duration
	PublishInterval           time.Duration
	LowBatteryPublishInterval time.Duration
	LowBatteryThreshold       float64 // fraction, 0..1
	BatteryCheckInterval      time.Duration
	StatusInterval            time.Duration
	ExtendedDisconnect        time.Duration
	LeadThresholdM            float64
	LeadDebounce              time.Duration
	PaceSmoothing             float64 // EMA alpha for reported pace
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		Activity:                  geo.ActivityRun,
		DeclineTimeout:            60 * time.Second,
		StartLead:                 3 * time.Second,
		HeartbeatInterval:         5 * time.Second,
		PublishInterval:           time.Second,
		LowBatteryPublishInterval: 5 * time.Second,
		LowBatteryThreshold:       0.2,
		BatteryCheckInterval:      30 * time.Second,
		StatusInterval:            time.Second,
		ExtendedDisconnect:        3 * time.Minute,
		LeadThresholdM:            10,
		LeadDebounce:              30 * time.Second,
		PaceSmoothing:             0.3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	fill := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}

	fill(&c.DeclineTimeout, def.DeclineTimeout)
	fill(&c.StartLead, def.StartLead)
	fill(&c.HeartbeatInterval, def.HeartbeatInterval)
	fill(&c.PublishInterval, def.PublishInterval)
	fill(&c.LowBatteryPublishInterval, def.LowBatteryPublishInterval)
	fill(&c.BatteryCheckInterval, def.BatteryCheckInterval)
	fill(&c.StatusInterval, def.StatusInterval)
	fill(&c.ExtendedDisconnect, def.ExtendedDisconnect)
	fill(&c.LeadDebounce, def.LeadDebounce)

	if c.LowBatteryThreshold <= 0 {
		c.LowBatteryThreshold = def.LowBatteryThreshold
	}

	if c.LeadThresholdM <= 0 {
		c.LeadThresholdM = def.LeadThresholdM
	}

	if c.PaceSmoothing <= 0 || c.PaceSmoothing > 1 {
		c.PaceSmoothing = def.PaceSmoothing
	}

	return c
}

// Clock abstracts time so tests can drive timers by hand.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback.
type Timer interface {
	Stop() bool
}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Messenger delivers envelopes to the partner. *transport.Transport
// implements it.
type Messenger interface {
	Send(ctx context.Context, env wire.Envelope) (transport.Outcome, error)
	SendGuaranteed(ctx context.Context, env wire.Envelope) error
}

// Reading is one sample of the local sensors. Any field may be nil.
// DistanceM, when present, is a device odometer (treadmill, footpod) and
// takes precedence over GPS-derived distance.
type Reading struct {
	Fix          *geo.Fix
	DistanceM    *float64
	HeartRateBpm *int
}

// Sensors reads the local measurements. Called with the machine's lock
// held, so implementations must not block.
type Sensors interface {
	Read() (Reading, error)
}

// Battery reports the charge level as a fraction in 0..1.
type Battery interface {
	Level() (float64, error)
}

// HealthTracker is the external workout-recording session.
type HealthTracker interface {
	Begin(ctx context.Context, sessionID string, start time.Time) error
	End(ctx context.Context, sessionID string, commit bool) error
}

// RecoveryStore persists the crash-recovery record. *recovery.Store
// implements it.
type RecoveryStore interface {
	Save(r recovery.Record) error
	Clear() error
}
