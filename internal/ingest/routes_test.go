package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pacepair/internal/metrics"
	"github.com/tonimelisma/pacepair/testutil"
)

func seedWorkouts(t *testing.T, st *Store, ws ...Workout) {
	t.Helper()

	_, err := st.Commit(context.Background(), StreamWorkouts, "", &ChangeSet{Workouts: ws, NewAnchor: "seed"})
	require.NoError(t, err)
}

func newTestQueue(t *testing.T, st *Store, src Source, cfg RouteQueueConfig) *RouteQueue {
	t.Helper()

	q := NewRouteQueue(st, src, cfg, metrics.New(nil), testutil.Logger(t))
	q.nowFunc = func() time.Time { return testNow }

	return q
}

func TestRouteQueue_SuccessMergesRoute(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	st.nowFunc = func() time.Time { return testNow }
	seedWorkouts(t, st, workout("w1", time.Hour, 5000))

	src := newFakeSource()
	src.routes["w1"] = []RoutePoint{
		{Lat: 60.1699, Lon: 24.9384, At: testNow.Add(-time.Hour)},
		{Lat: 60.1710, Lon: 24.9400, At: testNow.Add(-59 * time.Minute)},
	}

	q := newTestQueue(t, st, src, RouteQueueConfig{RetryDelay: 0})
	ctx := context.Background()

	report, err := q.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Completed)

	w, err := st.Workout(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, w.Route, 2)
	assert.InDelta(t, 60.1710, w.Route[1].Lat, 1e-9)

	task, err := q.Task(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, 0, task.Attempts)

	// Completed tasks are never claimed again.
	report, err = q.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Claimed)
}

func TestRouteQueue_FailsPermanentlyAtCeiling(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	seedWorkouts(t, st, workout("w1", time.Hour, 5000))

	src := newFakeSource()
	src.routeErrs["w1"] = errors.New("upstream 503")

	q := newTestQueue(t, st, src, RouteQueueConfig{MaxAttempts: 3, RetryDelay: 0})
	ctx := context.Background()

	report, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Retrying)
	assert.Equal(t, 1, report.Failed)

	task, err := q.Task(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, 3, task.Attempts)
	assert.Contains(t, task.LastError, "upstream 503")
	assert.Equal(t, 3, src.routeCallCount("w1"))

	// The workout itself is untouched.
	w, err := st.Workout(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Empty(t, w.Route)
}

func TestRouteQueue_RetryDelay(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	seedWorkouts(t, st, workout("w1", time.Hour, 5000))

	src := newFakeSource()
	src.routeErrs["w1"] = errors.New("timeout")

	q := newTestQueue(t, st, src, RouteQueueConfig{RetryDelay: time.Minute})
	ctx := context.Background()

	report, err := q.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retrying)

	report, err = q.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Claimed, "task is not eligible until the delay passes")

	q.nowFunc = func() time.Time { return testNow.Add(2 * time.Minute) }

	report, err = q.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
}

func TestRouteQueue_PriorityOrder(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	st.nowFunc = func() time.Time { return testNow }
	seedWorkouts(t, st,
		workout("old", 60*24*time.Hour, 1000),
		workout("recent", 2*time.Hour, 1000),
		workout("newest", time.Hour, 1000),
		workout("month", 20*24*time.Hour, 1000),
	)

	src := newFakeSource()
	q := newTestQueue(t, st, src, RouteQueueConfig{BatchSize: 1, RetryDelay: 0})
	ctx := context.Background()

	var order []string

	for _, id := range []string{"newest", "recent", "month", "old"} {
		_, err := q.ProcessBatch(ctx)
		require.NoError(t, err)

		task, err := q.Task(ctx, id)
		require.NoError(t, err)

		if task.Status == TaskCompleted {
			order = append(order, id)
		}
	}

	assert.Equal(t, []string{"newest", "recent", "month", "old"}, order)
}

func TestRouteQueue_RecoverInFlight(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	seedWorkouts(t, st, workout("w1", time.Hour, 5000))

	ctx := context.Background()
	_, err := st.db.ExecContext(ctx, `UPDATE route_tasks SET status = 'fetching'`)
	require.NoError(t, err)

	q := newTestQueue(t, st, newFakeSource(), RouteQueueConfig{})

	n, err := q.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[TaskPending])
}

func TestRouteQueue_ReclaimsLapsedClaim(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	st.nowFunc = func() time.Time { return testNow }
	seedWorkouts(t, st, workout("lapsed", time.Hour, 5000), workout("held", 2*time.Hour, 5000))

	ctx := context.Background()
	_, err := st.db.ExecContext(ctx, `UPDATE route_tasks SET status = 'fetching', last_attempt_at = ? WHERE workout_id = ?`,
		testNow.Add(-11*time.Minute).UnixMilli(), "lapsed")
	require.NoError(t, err)
	_, err = st.db.ExecContext(ctx, `UPDATE route_tasks SET status = 'fetching', last_attempt_at = ? WHERE workout_id = ?`,
		testNow.Add(-time.Minute).UnixMilli(), "held")
	require.NoError(t, err)

	src := newFakeSource()
	src.routes["lapsed"] = []RoutePoint{{Lat: 60.1699, Lon: 24.9384, At: testNow.Add(-time.Hour)}}
	src.routes["held"] = []RoutePoint{{Lat: 60.1699, Lon: 24.9384, At: testNow.Add(-2 * time.Hour)}}

	q := newTestQueue(t, st, src, RouteQueueConfig{RetryDelay: 0, ClaimLease: 10 * time.Minute})

	report, err := q.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Completed)

	task, err := q.Task(ctx, "lapsed")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, task.Status)

	task, err = q.Task(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, TaskFetching, task.Status, "a live claim stays reserved")
}

type panickingSource struct{ fakeSource }

func (p *panickingSource) FetchRoute(context.Context, string) ([]RoutePoint, error) {
	panic("malformed route")
}

func TestRouteQueue_PanicCountsAsFailure(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	seedWorkouts(t, st, workout("w1", time.Hour, 5000))

	q := newTestQueue(t, st, &panickingSource{}, RouteQueueConfig{RetryDelay: 0})
	ctx := context.Background()

	report, err := q.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retrying)

	task, err := q.Task(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Contains(t, task.LastError, "panic")
}

func TestRouteQueue_CanceledFetchReleasesClaim(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	seedWorkouts(t, st, workout("w1", time.Hour, 5000))

	ctx, cancel := context.WithCancel(context.Background())
	q := newTestQueue(t, st, cancelingSource{cancel: cancel}, RouteQueueConfig{RetryDelay: 0})

	report, err := q.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)

	task, err := q.Task(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, 0, task.Attempts, "abandoned fetches do not count as attempts")
}

// cancelingSource cancels the run while the fetch is in flight.
type cancelingSource struct {
	cancel context.CancelFunc
}

func (c cancelingSource) FetchChanges(context.Context, Stream, string) (*ChangeSet, error) {
	return &ChangeSet{}, nil
}

func (c cancelingSource) FetchRoute(ctx context.Context, _ string) ([]RoutePoint, error) {
	c.cancel()
	<-ctx.Done()

	return nil, ctx.Err()
}
