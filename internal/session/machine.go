package session

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/pacepair/internal/geo"
	"github.com/tonimelisma/pacepair/internal/partner"
	"github.com/tonimelisma/pacepair/internal/wire"
)

// eventBuffer is the capacity of the event channel. Events beyond it are
// dropped with a warning rather than blocking the machine.
const eventBuffer = 64

// Deps are the machine's collaborators. Messenger is required. A nil
// Partner gets a default engine; the remaining ones may be nil, in which
// case the matching behavior is skipped.
type Deps struct {
	Clock     Clock
	Messenger Messenger
	Partner   *partner.Engine
	Sensors   Sensors
	Battery   Battery
	Tracker   HealthTracker
	Recovery  RecoveryStore
	Logger    *slog.Logger
}

// run is the transient state of one session. It exists from the offer until
// the machine returns to idle.
type run struct {
	id       string
	peerID   string
	peerName string
	incoming bool

	startAt     time.Time
	countdown   int
	pausedTotal time.Duration
	pausedAt    time.Time
	tracking    bool

	gps       geo.State
	odo       geo.Odometer
	distanceM float64
	pace      float64
	heartRate *int
	lat, lon  *float64
	seq       uint64

	lastMoveAt   time.Time
	distAtMove   float64
	partnerDone  bool
	solo         bool
	discSince    time.Time
	discPrompted bool
}

// Machine is one device's session state machine. Safe for concurrent use.
type Machine struct {
	cfg       Config
	params    geo.Params
	clock     Clock
	messenger Messenger
	partner   *partner.Engine
	sensors   Sensors
	battery   Battery
	tracker   HealthTracker
	recovery  RecoveryStore
	logger    *slog.Logger

	mu         sync.Mutex
	phase      Phase
	run        *run
	gen        uint64
	tokenSeq   uint64
	timers     map[timerKind]timerSlot
	lowBattery bool
	lead       LeadTracker
	actions    []action

	wake   chan struct{}
	events chan Event
}

// New creates an idle machine.
func New(cfg Config, deps Deps) *Machine {
	cfg = cfg.withDefaults()

	clock := deps.Clock
	if clock == nil {
		clock = SystemClock()
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := deps.Partner
	if engine == nil {
		engine = partner.NewEngine(partner.DefaultConfig())
	}

	return &Machine{
		cfg:       cfg,
		params:    geo.ParamsFor(cfg.Activity),
		clock:     clock,
		messenger: deps.Messenger,
		partner:   engine,
		sensors:   deps.Sensors,
		battery:   deps.Battery,
		tracker:   deps.Tracker,
		recovery:  deps.Recovery,
		logger:    logger,
		timers:    make(map[timerKind]timerSlot),
		lead:      LeadTracker{ThresholdM: cfg.LeadThresholdM, Debounce: cfg.LeadDebounce},
		wake:      make(chan struct{}, 1),
		events:    make(chan Event, eventBuffer),
	}
}

// Events returns the notification stream for the presentation layer.
func (m *Machine) Events() <-chan Event {
	return m.events
}

func (m *Machine) emitLocked(ev Event) {
	ev.At = m.clock.Now()
	if ev.SessionID == "" && m.run != nil {
		ev.SessionID = m.run.id
	}

	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event dropped, consumer too slow", slog.String("event", ev.Kind.String()))
	}
}

func (m *Machine) invalid(op string) error {
	return fmt.Errorf("session: %s while %s: %w", op, m.phase, ErrInvalidTransition)
}

// Offer invites partnerID to a run and waits for confirmation. It returns
// the new session ID.
func (m *Machine) Offer(partnerID, partnerName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseIdle {
		return "", m.invalid("offer")
	}

	id := uuid.NewString()
	m.run = &run{id: id, peerID: partnerID, peerName: norm.NFC.String(partnerName)}
	m.phase = PhasePendingConfirmation

	m.sendLocked(actSendBoth, id, &wire.SessionOffer{
		SessionID: id,
		FromID:    m.cfg.UserID,
		FromName:  m.cfg.UserName,
	})
	m.scheduleLocked(timerDecline, m.cfg.DeclineTimeout, m.declineTimeoutLocked)

	m.logger.Info("session offered",
		slog.String("session_id", id),
		slog.String("peer_id", partnerID),
	)

	return id, nil
}

// OfferReceived handles an invitation from the partner. A repeat of the
// offer already pending is ignored; an offer arriving while another session
// is in progress is refused as busy.
func (m *Machine) OfferReceived(o *wire.SessionOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.offerReceivedLocked(o)
}

func (m *Machine) offerReceivedLocked(o *wire.SessionOffer) {
	if o.FromID == m.cfg.UserID {
		return
	}

	if m.run != nil && m.run.id == o.SessionID {
		m.logger.Debug("duplicate offer ignored", slog.String("session_id", o.SessionID))
		return
	}

	if m.phase != PhaseIdle {
		m.logger.Info("refusing offer while busy",
			slog.String("session_id", o.SessionID),
			slog.String("phase", m.phase.String()),
		)
		m.sendLocked(actSendBoth, o.SessionID, &wire.SessionEnded{
			SessionID: o.SessionID,
			UserID:    m.cfg.UserID,
			Reason:    wire.ReasonBusy,
		})

		return
	}

	m.run = &run{
		id:       o.SessionID,
		peerID:   o.FromID,
		peerName: norm.NFC.String(o.FromName),
		incoming: true,
	}
	m.phase = PhasePendingConfirmation
	m.scheduleLocked(timerDecline, m.cfg.DeclineTimeout, m.declineTimeoutLocked)

	m.emitLocked(Event{Kind: EventOfferReceived, PeerID: m.run.peerID, PeerName: m.run.peerName})
}

func (m *Machine) declineTimeoutLocked() {
	if m.phase != PhasePendingConfirmation {
		return
	}

	m.logger.Info("session offer timed out", slog.String("session_id", m.run.id))

	m.sendLocked(actSendBoth, m.run.id, &wire.SessionEnded{
		SessionID: m.run.id,
		UserID:    m.cfg.UserID,
		Reason:    wire.ReasonTimeout,
	})
	m.emitLocked(Event{Kind: EventSessionDeclined, PeerID: m.run.peerID, Reason: wire.ReasonTimeout})
	m.teardownLocked()
}

// Accept confirms the pending incoming offer and starts the countdown.
func (m *Machine) Accept() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhasePendingConfirmation || !m.run.incoming {
		return m.invalid("accept")
	}

	m.cancelLocked(timerDecline)

	startAt := m.clock.Now().Add(m.cfg.StartLead)
	m.sendLocked(actSendBoth, m.run.id, &wire.PeerConfirmed{
		SessionID: m.run.id,
		UserID:    m.cfg.UserID,
		StartAtMs: startAt.UnixMilli(),
	})

	m.logger.Info("session accepted",
		slog.String("session_id", m.run.id),
		slog.Time("start_at", startAt),
	)

	m.beginCountdownLocked(startAt)

	return nil
}

// Decline refuses the pending incoming offer.
func (m *Machine) Decline() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhasePendingConfirmation || !m.run.incoming {
		return m.invalid("decline")
	}

	m.sendLocked(actSendBoth, m.run.id, &wire.SessionEnded{
		SessionID: m.run.id,
		UserID:    m.cfg.UserID,
		Reason:    wire.ReasonDeclined,
	})
	m.emitLocked(Event{Kind: EventSessionDeclined, PeerID: m.run.peerID, Reason: wire.ReasonDeclined})
	m.teardownLocked()

	return nil
}

func (m *Machine) beginCountdownLocked(startAt time.Time) {
	m.run.startAt = startAt
	m.run.tracking = true
	m.phase = PhaseCountdown

	m.enqueueLocked(action{kind: actTrackerBegin, sessionID: m.run.id, start: startAt})
	m.countdownTickLocked()
}

func (m *Machine) countdownTickLocked() {
	remaining := m.run.startAt.Sub(m.clock.Now())
	if remaining <= 0 {
		m.activateLocked()
		return
	}

	n := int(math.Ceil(remaining.Seconds()))
	m.run.countdown = n
	m.emitLocked(Event{Kind: EventCountdownTick, Countdown: n})

	// Fire at the next whole-second boundary before the start.
	next := remaining - time.Duration(n-1)*time.Second
	m.scheduleLocked(timerCountdown, next, m.countdownTickLocked)
}

func (m *Machine) activateLocked() {
	now := m.clock.Now()

	m.phase = PhaseActive
	m.run.countdown = 0
	m.run.lastMoveAt = now

	m.logger.Info("session started",
		slog.String("session_id", m.run.id),
		slog.String("peer_id", m.run.peerID),
	)
	m.emitLocked(Event{Kind: EventSessionStarted, PeerID: m.run.peerID, PeerName: m.run.peerName})

	m.checkBatteryLocked()
	m.scheduleLocked(timerBattery, m.cfg.BatteryCheckInterval, m.batteryTickLocked)
	m.scheduleLocked(timerHeartbeat, m.cfg.HeartbeatInterval, m.heartbeatTickLocked)
	m.scheduleLocked(timerStatus, m.cfg.StatusInterval, m.statusTickLocked)
	m.schedulePublishLocked()
}

// Pause stops publishing, sends one final paused snapshot and tells the
// partner. Heartbeats continue.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseActive {
		return m.invalid("pause")
	}

	now := m.clock.Now()
	m.sampleLocked(now)

	m.run.pausedAt = now
	m.phase = PhasePaused
	m.cancelLocked(timerPublish)

	m.publishLocked()

	if !m.run.solo {
		m.sendLocked(actSend, m.run.id, &wire.Pause{
			SessionID: m.run.id,
			UserID:    m.cfg.UserID,
			AtMs:      now.UnixMilli(),
		})
	}

	m.logger.Info("session paused", slog.String("session_id", m.run.id))

	return nil
}

// Resume restarts publishing and adds the pause to the paused total.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhasePaused {
		return m.invalid("resume")
	}

	now := m.clock.Now()
	m.run.pausedTotal += now.Sub(m.run.pausedAt)
	m.run.pausedAt = time.Time{}
	m.run.lastMoveAt = now
	m.run.distAtMove = m.run.distanceM
	m.phase = PhaseActive

	if !m.run.solo {
		m.sendLocked(actSend, m.run.id, &wire.Resume{
			SessionID: m.run.id,
			UserID:    m.cfg.UserID,
			AtMs:      now.UnixMilli(),
		})
	}

	m.schedulePublishLocked()

	m.logger.Info("session resumed",
		slog.String("session_id", m.run.id),
		slog.Duration("paused_total", m.run.pausedTotal),
	)

	return nil
}

// End finishes the session from any non-idle phase. A run that took place
// sends its final stats over both delivery paths and commits the health
// session; an unstarted one discards it.
func (m *Machine) End() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhaseIdle {
		return m.invalid("end")
	}

	r := m.run
	ended := &wire.SessionEnded{SessionID: r.id, UserID: m.cfg.UserID, Reason: wire.ReasonEnded}

	if m.phase.Running() {
		if m.phase == PhaseActive {
			m.sampleLocked(m.clock.Now())
		}

		final := m.snapshotLocked(m.phase == PhasePaused)
		ended.Final = &final

		if !r.solo && !r.partnerDone {
			m.sendLocked(actSend, r.id, &wire.PartnerFinished{
				SessionID: r.id,
				UserID:    m.cfg.UserID,
				Final:     final,
			})
		}
	}

	m.sendLocked(actSendBoth, r.id, ended)

	if r.tracking {
		m.enqueueLocked(action{kind: actTrackerEnd, sessionID: r.id, commit: m.phase.Running()})
	}

	m.enqueueLocked(action{kind: actClearRecovery})

	m.logger.Info("session ended",
		slog.String("session_id", r.id),
		slog.String("phase", m.phase.String()),
		slog.Float64("distance_m", r.distanceM),
	)
	m.emitLocked(Event{Kind: EventSessionEnded, PeerID: r.peerID, Reason: wire.ReasonEnded})
	m.teardownLocked()

	return nil
}

// ContinueSolo dismisses the partner-finished prompt and keeps running
// without the partner. Heartbeats and snapshot sends stop.
func (m *Machine) ContinueSolo() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.phase.Running() || !m.run.partnerDone || m.run.solo {
		return m.invalid("continue solo")
	}

	m.run.solo = true
	m.cancelLocked(timerHeartbeat)
	m.cancelLocked(timerStatus)

	m.logger.Info("continuing solo", slog.String("session_id", m.run.id))

	return nil
}

// teardownLocked returns to idle. Bumping the generation makes any timer
// callback already waiting on the lock a no-op.
func (m *Machine) teardownLocked() {
	m.gen++
	m.cancelAllLocked()
	m.run = nil
	m.phase = PhaseIdle
	m.lead.Reset()
	m.partner.Reset()
}

// elapsedLocked is the active running time at now, excluding pauses.
func (m *Machine) elapsedLocked(now time.Time) time.Duration {
	r := m.run
	if r == nil || !m.phase.Running() {
		return 0
	}

	d := now.Sub(r.startAt) - r.pausedTotal
	if !r.pausedAt.IsZero() {
		d -= now.Sub(r.pausedAt)
	}

	return max(d, 0)
}

// View is a point-in-time summary for display.
type View struct {
	Phase     Phase
	SessionID string
	PeerID    string
	PeerName  string
	Incoming  bool
	Countdown int
	StartAt   time.Time
	Elapsed   time.Duration

	DistanceM    float64
	PaceSecPerKm float64
	Seq          uint64

	Partner         partner.State
	PartnerFinished bool
	Solo            bool
	LowBattery      bool
	Leader          Leader
}

// Status returns the current view.
func (m *Machine) Status() View {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	v := View{
		Phase:      m.phase,
		LowBattery: m.lowBattery,
		Leader:     m.lead.Current(),
		Partner:    m.partner.Interpolate(now),
	}

	r := m.run
	if r == nil {
		return v
	}

	v.SessionID = r.id
	v.PeerID = r.peerID
	v.PeerName = r.peerName
	v.Incoming = r.incoming
	v.Countdown = r.countdown
	v.StartAt = r.startAt
	v.Elapsed = m.elapsedLocked(now)
	v.DistanceM = r.distanceM
	v.PaceSecPerKm = r.pace
	v.Seq = r.seq
	v.PartnerFinished = r.partnerDone
	v.Solo = r.solo

	return v
}
