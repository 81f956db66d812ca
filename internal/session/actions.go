package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/tonimelisma/pacepair/internal/recovery"
	"github.com/tonimelisma/pacepair/internal/transport"
	"github.com/tonimelisma/pacepair/internal/wire"
)

// finalFlushTimeout bounds the side effects still pending when Run exits.
const finalFlushTimeout = 2 * time.Second

type actionKind int

const (
	actSend actionKind = iota
	actSendGuaranteed
	actSendBoth
	actTrackerBegin
	actTrackerEnd
	actSaveRecovery
	actClearRecovery
)

// action is a side effect decided under the lock and performed outside it.
type action struct {
	kind      actionKind
	env       wire.Envelope
	sessionID string
	start     time.Time
	commit    bool
	record    recovery.Record
}

func (m *Machine) enqueueLocked(a action) {
	m.actions = append(m.actions, a)
	m.wakeLocked()
}

func (m *Machine) wakeLocked() {
	if len(m.actions) == 0 {
		return
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// sendLocked wraps msg in an envelope for the current session and queues it
// for the given delivery path.
func (m *Machine) sendLocked(kind actionKind, sessionID string, msg wire.Message) {
	env, err := wire.New(sessionID, msg, m.clock.Now())
	if err != nil {
		m.logger.Error("encoding outbound message",
			slog.String("kind", string(msg.Kind())),
			slog.String("error", err.Error()),
		)

		return
	}

	m.enqueueLocked(action{kind: kind, env: env})
}

// flushActions performs queued side effects in order until none remain.
func (m *Machine) flushActions(ctx context.Context) {
	for {
		m.mu.Lock()
		batch := m.actions
		m.actions = nil
		m.mu.Unlock()

		if len(batch) == 0 {
			return
		}

		for i := range batch {
			m.perform(ctx, &batch[i])
		}
	}
}

func (m *Machine) perform(ctx context.Context, a *action) {
	switch a.kind {
	case actSend:
		m.sendBestEffort(ctx, a.env)
	case actSendGuaranteed:
		m.sendGuaranteed(ctx, a.env)
	case actSendBoth:
		// Same envelope ID on both paths; the receiver keeps the first.
		m.sendBestEffort(ctx, a.env)
		m.sendGuaranteed(ctx, a.env)
	case actTrackerBegin:
		if m.tracker == nil {
			return
		}

		if err := m.tracker.Begin(ctx, a.sessionID, a.start); err != nil {
			m.logger.Warn("starting health session",
				slog.String("session_id", a.sessionID),
				slog.String("error", err.Error()),
			)
		}
	case actTrackerEnd:
		if m.tracker == nil {
			return
		}

		if err := m.tracker.End(ctx, a.sessionID, a.commit); err != nil {
			m.logger.Warn("ending health session",
				slog.String("session_id", a.sessionID),
				slog.Bool("commit", a.commit),
				slog.String("error", err.Error()),
			)
		}
	case actSaveRecovery:
		if m.recovery == nil {
			return
		}

		if err := m.recovery.Save(a.record); err != nil {
			m.logger.Warn("saving recovery record",
				slog.String("session_id", a.record.SessionID),
				slog.String("error", err.Error()),
			)
		}
	case actClearRecovery:
		if m.recovery == nil {
			return
		}

		if err := m.recovery.Clear(); err != nil {
			m.logger.Warn("clearing recovery record", slog.String("error", err.Error()))
		}
	}
}

func (m *Machine) sendBestEffort(ctx context.Context, env wire.Envelope) {
	outcome, err := m.messenger.Send(ctx, env)
	if err != nil {
		m.partner.RecordSendFailure()
		m.logger.Debug("send failed",
			slog.String("kind", string(env.Kind)),
			slog.String("error", err.Error()),
		)

		return
	}

	if outcome == transport.OutcomeSent {
		m.partner.RecordSent(m.clock.Now())
		return
	}

	m.partner.RecordSendFailure()
}

func (m *Machine) sendGuaranteed(ctx context.Context, env wire.Envelope) {
	if err := m.messenger.SendGuaranteed(ctx, env); err != nil {
		m.logger.Warn("posting to outbox",
			slog.String("kind", string(env.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// Run performs side effects and feeds inbound deliveries into the machine
// until ctx is cancelled. Actions still pending at exit get a short grace
// period so a final End reaches the transport.
func (m *Machine) Run(ctx context.Context, inbound <-chan transport.Delivery) error {
	m.logger.Info("session machine started", slog.String("user_id", m.cfg.UserID))

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			m.flushActions(flushCtx)
			cancel()

			m.logger.Info("session machine stopped")

			return nil
		case d, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}

			m.HandleDelivery(d)
			m.flushActions(ctx)
		case <-m.wake:
			m.flushActions(ctx)
		}
	}
}
