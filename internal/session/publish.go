package session

import (
	"log/slog"
	"time"

	"github.com/tonimelisma/pacepair/internal/geo"
	"github.com/tonimelisma/pacepair/internal/partner"
	"github.com/tonimelisma/pacepair/internal/recovery"
	"github.com/tonimelisma/pacepair/internal/wire"
)

// stillAfter is how long without forward progress before pace reads as
// unknown.
const stillAfter = 10 * time.Second

// publishIntervalLocked picks the cadence for the next re-arm.
func (m *Machine) publishIntervalLocked() time.Duration {
	if m.lowBattery {
		return m.cfg.LowBatteryPublishInterval
	}

	return m.cfg.PublishInterval
}

func (m *Machine) schedulePublishLocked() {
	m.scheduleLocked(timerPublish, m.publishIntervalLocked(), m.publishTickLocked)
}

func (m *Machine) publishTickLocked() {
	if m.phase != PhaseActive {
		return
	}

	m.sampleLocked(m.clock.Now())
	m.publishLocked()
	m.schedulePublishLocked()
}

// sampleLocked folds one sensor reading into the run's stats. Distance
// never decreases.
func (m *Machine) sampleLocked(now time.Time) {
	r := m.run

	if m.sensors != nil {
		reading, err := m.sensors.Read()
		if err != nil {
			m.logger.Debug("sensor read failed", slog.String("error", err.Error()))
		} else {
			m.applyReadingLocked(reading)
		}
	}

	if r.distanceM > r.distAtMove {
		dt := now.Sub(r.lastMoveAt)
		if dt > 0 {
			instant := dt.Seconds() / ((r.distanceM - r.distAtMove) / 1000)
			r.pace = geo.SmoothEMA(r.pace, instant, m.cfg.PaceSmoothing)
		}

		r.lastMoveAt = now
		r.distAtMove = r.distanceM
	} else if now.Sub(r.lastMoveAt) > stillAfter {
		r.pace = 0
	}
}

func (m *Machine) applyReadingLocked(reading Reading) {
	r := m.run

	if reading.Fix != nil {
		r.gps = geo.Smooth(r.gps, *reading.Fix, m.params)
		r.odo = geo.Advance(r.odo, r.gps)
		r.lat = wire.Float(r.gps.Lat)
		r.lon = wire.Float(r.gps.Lon)
	}

	candidate := r.odo.TotalM
	if reading.DistanceM != nil {
		candidate = *reading.DistanceM
	}

	r.distanceM = max(r.distanceM, candidate)

	if reading.HeartRateBpm != nil {
		hr := *reading.HeartRateBpm
		r.heartRate = &hr
	}
}

func (m *Machine) snapshotLocked(paused bool) wire.Snapshot {
	r := m.run
	now := m.clock.Now()

	s := wire.Snapshot{
		UserID:             m.cfg.UserID,
		DistanceM:          r.distanceM,
		DurationS:          m.elapsedLocked(now).Seconds(),
		HeartRateBpm:       r.heartRate,
		Lat:                r.lat,
		Lon:                r.lon,
		Seq:                r.seq + 1,
		ClientRecordedAtMs: now.UnixMilli(),
		IsPaused:           paused,
	}

	if r.pace >= wire.MinPaceSecPerKm {
		s.PaceSecPerKm = wire.Float(r.pace)
	}

	return s
}

// publishLocked sends the current stats to the partner and persists the
// recovery record.
func (m *Machine) publishLocked() {
	r := m.run
	snap := m.snapshotLocked(m.phase == PhasePaused)
	r.seq = snap.Seq

	if !r.solo {
		m.sendLocked(actSend, r.id, &snap)
	}

	m.enqueueLocked(action{kind: actSaveRecovery, record: recovery.Record{
		SessionID:     r.id,
		PeerID:        r.peerID,
		PeerName:      r.peerName,
		LastDistanceM: snap.DistanceM,
		LastDurationS: snap.DurationS,
		StartedAt:     r.startAt,
		LastSeq:       snap.Seq,
	}})

	m.leadCheckLocked()
}

func (m *Machine) leadCheckLocked() {
	now := m.clock.Now()

	ps := m.partner.Interpolate(now)
	if ps.Snapshot == nil {
		return
	}

	leader, changed := m.lead.Observe(m.run.distanceM, ps.DistanceM, now)
	if !changed {
		return
	}

	gap := m.run.distanceM - ps.DistanceM
	if gap < 0 {
		gap = -gap
	}

	m.emitLocked(Event{Kind: EventLeadChanged, Leader: leader, GapM: gap, PeerID: m.run.peerID})
}

func (m *Machine) heartbeatTickLocked() {
	if !m.phase.Running() || m.run.solo {
		return
	}

	m.sendLocked(actSend, m.run.id, &wire.Heartbeat{
		SessionID: m.run.id,
		UserID:    m.cfg.UserID,
		SentAtMs:  m.clock.Now().UnixMilli(),
	})
	m.scheduleLocked(timerHeartbeat, m.cfg.HeartbeatInterval, m.heartbeatTickLocked)
}

func (m *Machine) batteryTickLocked() {
	if !m.phase.Running() {
		return
	}

	m.checkBatteryLocked()
	m.scheduleLocked(timerBattery, m.cfg.BatteryCheckInterval, m.batteryTickLocked)
}

// checkBatteryLocked updates the low-battery flag. When it flips while
// publishing, the publish timer is re-armed at the new cadence right away.
func (m *Machine) checkBatteryLocked() {
	if m.battery == nil {
		return
	}

	level, err := m.battery.Level()
	if err != nil {
		m.logger.Debug("battery read failed", slog.String("error", err.Error()))
		return
	}

	low := level < m.cfg.LowBatteryThreshold
	if low == m.lowBattery {
		return
	}

	m.lowBattery = low
	m.logger.Info("battery state changed",
		slog.Bool("low", low),
		slog.Float64("level", level),
		slog.Duration("publish_interval", m.publishIntervalLocked()),
	)

	if m.armedLocked(timerPublish) {
		m.schedulePublishLocked()
	}
}

// statusTickLocked watches the partner link for an extended disconnect and
// the following reconnect.
func (m *Machine) statusTickLocked() {
	if !m.phase.Running() || m.run.solo {
		return
	}

	m.scheduleLocked(timerStatus, m.cfg.StatusInterval, m.statusTickLocked)

	r := m.run
	if r.partnerDone {
		return
	}

	now := m.clock.Now()

	if m.partner.Status(now) != partner.StatusDisconnected {
		if r.discPrompted {
			m.logger.Info("partner reconnected", slog.String("session_id", r.id))
			m.emitLocked(Event{Kind: EventPartnerReconnected, PeerID: r.peerID})
		}

		r.discSince = time.Time{}
		r.discPrompted = false

		return
	}

	if r.discSince.IsZero() {
		r.discSince = now
		return
	}

	if !r.discPrompted && now.Sub(r.discSince) > m.cfg.ExtendedDisconnect {
		r.discPrompted = true
		m.logger.Warn("partner disconnected for an extended period",
			slog.String("session_id", r.id),
			slog.Duration("since", now.Sub(r.discSince)),
		)
		m.emitLocked(Event{Kind: EventPartnerDisconnectedExtended, PeerID: r.peerID})
	}
}
