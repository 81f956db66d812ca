package transport

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pacepair/internal/store"
	"github.com/tonimelisma/pacepair/internal/wire"
	"github.com/tonimelisma/pacepair/testutil"
)

var errGlitch = errors.New("radio glitch")

// memLink is an in-memory Link with scriptable reachability and failures.
type memLink struct {
	mu       sync.Mutex
	up       bool
	failNext int
	attempts int
	sent     [][]byte

	reach  chan bool
	frames chan []byte
}

func newMemLink(up bool) *memLink {
	return &memLink{up: up, reach: make(chan bool, 16), frames: make(chan []byte, 16)}
}

func (m *memLink) Send(_ context.Context, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++

	if !m.up {
		return ErrUnreachable
	}

	if m.failNext > 0 {
		m.failNext--
		return errGlitch
	}

	m.sent = append(m.sent, append([]byte(nil), frame...))

	return nil
}

func (m *memLink) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.up
}

func (m *memLink) Reachability() <-chan bool { return m.reach }
func (m *memLink) Frames() <-chan []byte     { return m.frames }

func (m *memLink) setReachable(up bool) {
	m.mu.Lock()
	m.up = up
	m.mu.Unlock()

	m.reach <- up
}

func (m *memLink) failSends(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failNext = n
}

func (m *memLink) sentEnvelopes(t *testing.T) []wire.Envelope {
	t.Helper()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]wire.Envelope, 0, len(m.sent))

	for _, f := range m.sent {
		env, err := wire.Unmarshal(f)
		require.NoError(t, err)

		out = append(out, env)
	}

	return out
}

// assertSeqs checks the snapshot sequence numbers the link delivered.
func assertSeqs(t *testing.T, m *memLink, want ...uint64) {
	t.Helper()

	envs := m.sentEnvelopes(t)
	got := make([]uint64, 0, len(envs))

	for _, env := range envs {
		msg, err := env.Decode()
		require.NoError(t, err)

		got = append(got, msg.(*wire.Snapshot).Seq)
	}

	require.Equal(t, want, got)
}

func (m *memLink) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sent)
}

func newTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()

	if path == "" {
		path = filepath.Join(t.TempDir(), "state.db")
	}

	db, err := store.Open(context.Background(), path, testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryStep = time.Millisecond
	cfg.OutboxRetryInterval = 20 * time.Millisecond

	return cfg
}

var testStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func snapshotEnv(t *testing.T, seq uint64) wire.Envelope {
	t.Helper()

	env, err := wire.New("sess-1", &wire.Snapshot{
		UserID:             "alice",
		DistanceM:          float64(seq) * 10,
		DurationS:          float64(seq),
		Seq:                seq,
		ClientRecordedAtMs: testStart.Add(time.Duration(seq) * time.Second).UnixMilli(),
	}, testStart)
	require.NoError(t, err)

	return env
}

func lifecycleEnv(t *testing.T, m wire.Message) wire.Envelope {
	t.Helper()

	env, err := wire.New("sess-1", m, testStart)
	require.NoError(t, err)

	return env
}

func frameOf(t *testing.T, env wire.Envelope) []byte {
	t.Helper()

	f, err := wire.Marshal(env)
	require.NoError(t, err)

	return f
}
