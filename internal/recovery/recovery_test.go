package recovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pacepair/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	return NewStore(filepath.Join(t.TempDir(), "state", "recovery.json"), testutil.Logger(t))
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	started := time.Date(2026, 3, 14, 9, 0, 3, 0, time.UTC)

	require.NoError(t, s.Save(Record{
		SessionID:     "sess-1",
		PeerID:        "bob",
		PeerName:      "Bob",
		LastDistanceM: 1234.5,
		LastDurationS: 600,
		StartedAt:     started,
		LastSeq:       42,
	}))

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePerms), info.Mode().Perm())

	r, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "sess-1", r.SessionID)
	assert.Equal(t, uint64(42), r.LastSeq)
	assert.True(t, started.Equal(r.StartedAt))
}

func TestSave_Overwrites(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Save(Record{SessionID: "sess-1", LastSeq: 1}))
	require.NoError(t, s.Save(Record{SessionID: "sess-1", LastSeq: 2}))

	r, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.LastSeq)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestSave_NormalizesPeerName(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	decomposed := "Jo\u0308rg"

	require.NoError(t, s.Save(Record{SessionID: "sess-1", PeerName: decomposed}))

	r, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "J\u00f6rg", r.PeerName)
}

func TestLoad_Absent(t *testing.T) {
	t.Parallel()

	r, err := newTestStore(t).Load()
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestLoad_CorruptIsRemoved(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o700))
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))

	r, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestClear(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Clear(), "clearing nothing is fine")

	require.NoError(t, s.Save(Record{SessionID: "sess-1"}))
	require.NoError(t, s.Clear())

	r, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, r)
}
