package session

import "time"

type timerKind int

const (
	timerDecline timerKind = iota
	timerCountdown
	timerHeartbeat
	timerPublish
	timerBattery
	timerStatus
)

type timerSlot struct {
	token uint64
	timer Timer
}

// scheduleLocked arms (or re-arms) the timer of the given kind. The callback
// runs with m.mu held, and only if the slot still holds the same token and
// no teardown happened in between.
func (m *Machine) scheduleLocked(kind timerKind, d time.Duration, fn func()) {
	m.cancelLocked(kind)

	m.tokenSeq++
	token := m.tokenSeq
	gen := m.gen

	t := m.clock.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		slot, ok := m.timers[kind]
		if m.gen != gen || !ok || slot.token != token {
			return
		}

		delete(m.timers, kind)
		fn()
		m.wakeLocked()
	})

	m.timers[kind] = timerSlot{token: token, timer: t}
}

// cancelLocked stops a timer. Cancelling an unarmed timer is a no-op.
func (m *Machine) cancelLocked(kind timerKind) {
	slot, ok := m.timers[kind]
	if !ok {
		return
	}

	slot.timer.Stop()
	delete(m.timers, kind)
}

func (m *Machine) armedLocked(kind timerKind) bool {
	_, ok := m.timers[kind]

	return ok
}

func (m *Machine) cancelAllLocked() {
	for kind, slot := range m.timers {
		slot.timer.Stop()
		delete(m.timers, kind)
	}
}
