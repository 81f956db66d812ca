package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pacepair/internal/partner"
	"github.com/tonimelisma/pacepair/internal/recovery"
	"github.com/tonimelisma/pacepair/internal/transport"
	"github.com/tonimelisma/pacepair/internal/wire"
	"github.com/tonimelisma/pacepair/testutil"
)

var testEpoch = time.Date(2026, 4, 12, 7, 30, 0, 0, time.UTC)

const (
	pathBestEffort = "best-effort"
	pathGuaranteed = "guaranteed"
)

type sentEnvelope struct {
	path string
	env  wire.Envelope
}

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sentEnvelope
	sendErr error
}

func (f *fakeMessenger) Send(_ context.Context, env wire.Envelope) (transport.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return transport.OutcomeQueued, f.sendErr
	}

	f.sent = append(f.sent, sentEnvelope{path: pathBestEffort, env: env})

	return transport.OutcomeSent, nil
}

func (f *fakeMessenger) SendGuaranteed(_ context.Context, env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, sentEnvelope{path: pathGuaranteed, env: env})

	return nil
}

// of returns the envelopes of a kind, in send order, across both paths.
func (f *fakeMessenger) of(kind wire.Kind) []sentEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []sentEnvelope

	for _, s := range f.sent {
		if s.env.Kind == kind {
			out = append(out, s)
		}
	}

	return out
}

// requireBothPaths checks that one message went out over the best-effort
// and the guaranteed path under a single envelope id.
func requireBothPaths(t *testing.T, sent []sentEnvelope) {
	t.Helper()

	require.Len(t, sent, 2)
	assert.Equal(t, pathBestEffort, sent[0].path)
	assert.Equal(t, pathGuaranteed, sent[1].path)
	assert.Equal(t, sent[0].env.ID, sent[1].env.ID)
}

func (f *fakeMessenger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.sent)
}

type trackerCall struct {
	sessionID string
	begin     bool
	commit    bool
}

type fakeTracker struct {
	mu    sync.Mutex
	calls []trackerCall
}

func (f *fakeTracker) Begin(_ context.Context, sessionID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, trackerCall{sessionID: sessionID, begin: true})

	return nil
}

func (f *fakeTracker) End(_ context.Context, sessionID string, commit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, trackerCall{sessionID: sessionID, commit: commit})

	return nil
}

func (f *fakeTracker) snapshot() []trackerCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]trackerCall(nil), f.calls...)
}

type fakeRecovery struct {
	mu      sync.Mutex
	saved   []recovery.Record
	cleared int
}

func (f *fakeRecovery) Save(r recovery.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.saved = append(f.saved, r)

	return nil
}

func (f *fakeRecovery) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cleared++

	return nil
}

// treadmill reports a device odometer that advances at a fixed speed on
// the test clock.
type treadmill struct {
	clock  *fakeClock
	start  time.Time
	speedM float64 // meters per second
	fail   bool
}

func (s *treadmill) Read() (Reading, error) {
	if s.fail {
		return Reading{}, errors.New("sensor unavailable")
	}

	d := s.clock.Now().Sub(s.start).Seconds() * s.speedM

	return Reading{DistanceM: wire.Float(d), HeartRateBpm: wire.Int(150)}, nil
}

type fakeBattery struct {
	mu    sync.Mutex
	level float64
}

func (b *fakeBattery) Level() (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.level, nil
}

func (b *fakeBattery) set(level float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.level = level
}

type harness struct {
	m         *Machine
	clock     *fakeClock
	messenger *fakeMessenger
	tracker   *fakeTracker
	recovery  *fakeRecovery
	battery   *fakeBattery
	sensors   *treadmill
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := newFakeClock(testEpoch)
	h := &harness{
		clock:     clock,
		messenger: &fakeMessenger{},
		tracker:   &fakeTracker{},
		recovery:  &fakeRecovery{},
		battery:   &fakeBattery{level: 0.9},
		sensors:   &treadmill{clock: clock, start: testEpoch, speedM: 3},
	}

	cfg := DefaultConfig()
	cfg.UserID = "local"
	cfg.UserName = "Local"

	h.m = New(cfg, Deps{
		Clock:     clock,
		Messenger: h.messenger,
		Partner:   partner.NewEngine(partner.DefaultConfig()),
		Sensors:   h.sensors,
		Battery:   h.battery,
		Tracker:   h.tracker,
		Recovery:  h.recovery,
		Logger:    testutil.Logger(t),
	})

	return h
}

func (h *harness) flush() {
	h.m.flushActions(context.Background())
}

// deliver feeds a message from the partner through a fresh envelope.
func (h *harness) deliver(t *testing.T, sessionID string, msg wire.Message) {
	t.Helper()

	env, err := wire.New(sessionID, msg, h.clock.Now())
	require.NoError(t, err)

	h.m.HandleDelivery(transport.Delivery{Envelope: env, Message: msg})
}

func (h *harness) offerFromPartner(t *testing.T, sessionID string) {
	t.Helper()

	h.deliver(t, sessionID, &wire.SessionOffer{SessionID: sessionID, FromID: "partner", FromName: "Partner"})
}

// startActive drives an incoming offer through the countdown to active and
// discards everything recorded on the way.
func (h *harness) startActive(t *testing.T) string {
	t.Helper()

	const id = "sess-1"

	h.offerFromPartner(t, id)
	require.NoError(t, h.m.Accept())
	h.clock.Advance(h.m.cfg.StartLead)
	require.Equal(t, PhaseActive, h.m.Status().Phase)

	// Distance counts from the start of the run.
	h.sensors.start = h.clock.Now()

	h.flush()
	drainEvents(h.m)

	h.messenger.mu.Lock()
	h.messenger.sent = nil
	h.messenger.mu.Unlock()

	return id
}

func drainEvents(m *Machine) []Event {
	var out []Event

	for {
		select {
		case ev := <-m.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventKinds(evs []Event) []EventKind {
	out := make([]EventKind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}

	return out
}

func countKind(evs []Event, kind EventKind) int {
	n := 0

	for _, ev := range evs {
		if ev.Kind == kind {
			n++
		}
	}

	return n
}

func decode[T wire.Message](t *testing.T, env wire.Envelope) T {
	t.Helper()

	msg, err := env.Decode()
	require.NoError(t, err)

	typed, ok := msg.(T)
	require.True(t, ok, "unexpected message type %T", msg)

	return typed
}
