package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pacepair/internal/store"
	"github.com/tonimelisma/pacepair/testutil"
)

var errFeedDown = errors.New("feed down")

// fakeSource serves scripted pages keyed by (stream, anchor).
type fakeSource struct {
	mu          sync.Mutex
	pages       map[Stream]map[string]*ChangeSet
	fetchErr    error
	routes      map[string][]RoutePoint
	routeErrs   map[string]error
	routeCalls  map[string]int
	changeCalls int
	expired     string        // anchor the feed refuses with ErrAnchorExpired
	block       chan struct{} // when set, FetchChanges waits on it or ctx
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages: map[Stream]map[string]*ChangeSet{
			StreamWorkouts:        {},
			StreamActivityMinutes: {},
		},
		routes:     make(map[string][]RoutePoint),
		routeErrs:  make(map[string]error),
		routeCalls: make(map[string]int),
	}
}

func (f *fakeSource) setPage(stream Stream, anchor string, cs *ChangeSet) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pages[stream][anchor] = cs
}

func (f *fakeSource) FetchChanges(ctx context.Context, stream Stream, anchor string) (*ChangeSet, error) {
	f.mu.Lock()
	f.changeCalls++
	block := f.block
	err := f.fetchErr
	if anchor != "" && anchor == f.expired {
		err = ErrAnchorExpired
	}
	cs, ok := f.pages[stream][anchor]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}

	if !ok {
		// Caught up: nothing new, anchor unchanged.
		return &ChangeSet{NewAnchor: anchor}, nil
	}

	return cs, nil
}

func (f *fakeSource) FetchRoute(_ context.Context, workoutID string) ([]RoutePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.routeCalls[workoutID]++

	if err := f.routeErrs[workoutID]; err != nil {
		return nil, err
	}

	return f.routes[workoutID], nil
}

func (f *fakeSource) routeCallCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.routeCalls[id]
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewStore(db, testutil.Logger(t))
}

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func workout(id string, startedAgo time.Duration, distanceM float64) Workout {
	start := testNow.Add(-startedAgo)

	return Workout{
		ExternalID:   id,
		ActivityType: "running",
		StartedAt:    start,
		EndedAt:      start.Add(30 * time.Minute),
		DistanceM:    distanceM,
		DurationS:    1800,
		Calories:     320,
	}
}
