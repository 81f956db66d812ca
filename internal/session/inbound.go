package session

import (
	"log/slog"

	"github.com/tonimelisma/pacepair/internal/transport"
	"github.com/tonimelisma/pacepair/internal/wire"
)

// HandleDelivery applies one decoded message from the partner. Messages for
// a session other than the current one are ignored, apart from offers, and
// so are messages sent by anyone but the session's partner.
func (m *Machine) HandleDelivery(d transport.Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offer, ok := d.Message.(*wire.SessionOffer); ok {
		m.offerReceivedLocked(offer)
		m.wakeLocked()

		return
	}

	if m.run == nil || d.Envelope.SessionID != m.run.id {
		m.logger.Debug("message for another session ignored",
			slog.String("kind", string(d.Envelope.Kind)),
			slog.String("session_id", d.Envelope.SessionID),
		)

		return
	}

	if from := senderOf(d.Message); from != m.run.peerID {
		m.logger.Warn("message from outside the session dropped",
			slog.String("kind", string(d.Envelope.Kind)),
			slog.String("session_id", m.run.id),
			slog.String("from", from),
		)

		return
	}

	now := m.clock.Now()

	switch msg := d.Message.(type) {
	case *wire.PeerConfirmed:
		m.confirmedLocked(msg)
	case *wire.SessionEnded:
		m.endedByPeerLocked(msg)
	case *wire.PartnerFinished:
		if m.phase.Running() {
			m.partner.ApplySnapshot(&msg.Final, now)
			m.partnerFinishedLocked()
		}
	case *wire.Pause:
		if m.phase.Running() {
			m.partner.MarkPaused(true, now)
			m.emitLocked(Event{Kind: EventPartnerPaused, PeerID: m.run.peerID})
		}
	case *wire.Resume:
		if m.phase.Running() {
			m.partner.MarkPaused(false, now)
			m.emitLocked(Event{Kind: EventPartnerResumed, PeerID: m.run.peerID})
		}
	case *wire.Heartbeat:
		if m.phase.Running() {
			m.partner.RecordHeartbeat(now)
		}
	case *wire.Snapshot:
		if m.phase.Running() && m.partner.ApplySnapshot(msg, now) {
			m.leadCheckLocked()
		}
	}

	m.wakeLocked()
}

func (m *Machine) confirmedLocked(c *wire.PeerConfirmed) {
	if m.phase != PhasePendingConfirmation || m.run.incoming {
		// Second copy of a confirmation already acted on.
		return
	}

	m.cancelLocked(timerDecline)

	m.logger.Info("session confirmed by partner",
		slog.String("session_id", m.run.id),
		slog.Time("start_at", c.StartAt()),
	)

	m.beginCountdownLocked(c.StartAt())
}

func (m *Machine) endedByPeerLocked(e *wire.SessionEnded) {
	r := m.run

	switch m.phase {
	case PhasePendingConfirmation:
		m.logger.Info("session refused by partner",
			slog.String("session_id", r.id),
			slog.String("reason", e.Reason),
		)
		m.emitLocked(Event{Kind: EventSessionDeclined, PeerID: r.peerID, Reason: e.Reason})
		m.teardownLocked()
	case PhaseCountdown:
		m.enqueueLocked(action{kind: actTrackerEnd, sessionID: r.id, commit: false})
		m.enqueueLocked(action{kind: actClearRecovery})
		m.emitLocked(Event{Kind: EventSessionEnded, PeerID: r.peerID, Reason: e.Reason})
		m.teardownLocked()
	case PhaseActive, PhasePaused:
		if e.Final != nil {
			m.partner.ApplySnapshot(e.Final, m.clock.Now())
		}

		m.partnerFinishedLocked()
	}
}

// partnerFinishedLocked raises the partner-finished overlay once.
func (m *Machine) partnerFinishedLocked() {
	if m.run.partnerDone {
		return
	}

	m.run.partnerDone = true
	m.logger.Info("partner finished", slog.String("session_id", m.run.id))
	m.emitLocked(Event{Kind: EventPartnerFinished, PeerID: m.run.peerID, PeerName: m.run.peerName})
}

// senderOf returns the user id a session message claims to come from.
func senderOf(msg wire.Message) string {
	switch m := msg.(type) {
	case *wire.PeerConfirmed:
		return m.UserID
	case *wire.SessionEnded:
		return m.UserID
	case *wire.PartnerFinished:
		return m.UserID
	case *wire.Pause:
		return m.UserID
	case *wire.Resume:
		return m.UserID
	case *wire.Heartbeat:
		return m.UserID
	case *wire.Snapshot:
		return m.UserID
	default:
		return ""
	}
}
