package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/pacepair/internal/metrics"
	"github.com/tonimelisma/pacepair/internal/store"
)

const (
	// A fetching task whose claim is older than the lease was abandoned by a
	// process that exited mid-fetch and is claimable again.
	sqlSelectRouteCandidates = `SELECT workout_id FROM route_tasks
		WHERE (status = 'pending' AND (last_attempt_at IS NULL OR last_attempt_at <= ?))
			OR (status = 'fetching' AND last_attempt_at <= ?)
		ORDER BY priority DESC, started_at DESC
		LIMIT ?`

	sqlClaimRouteTask = `UPDATE route_tasks SET status = 'fetching', last_attempt_at = ?
		WHERE workout_id = ? AND (status = 'pending'
			OR (status = 'fetching' AND last_attempt_at <= ?))`

	sqlCompleteRouteTask = `UPDATE route_tasks SET status = 'completed', last_error = NULL
		WHERE workout_id = ? AND status = 'fetching'`

	sqlFailRouteTask = `UPDATE route_tasks SET status = ?, attempts = attempts + 1, last_error = ?
		WHERE workout_id = ? AND status = 'fetching'`

	sqlReleaseRouteTask = `UPDATE route_tasks SET status = 'pending'
		WHERE workout_id = ? AND status = 'fetching'`

	sqlRecoverRouteTasks = `UPDATE route_tasks SET status = 'pending' WHERE status = 'fetching'`

	sqlSaveRoute = `UPDATE workouts SET route = ?, updated_at = ? WHERE external_id = ?`

	sqlGetRouteTask = `SELECT workout_id, priority, started_at, status, attempts, last_attempt_at, last_error
		FROM route_tasks WHERE workout_id = ?`

	sqlCountRouteTasks = `SELECT status, COUNT(*) FROM route_tasks GROUP BY status`
)

// RouteQueueConfig tunes route fetching.
type RouteQueueConfig struct {
	BatchSize   int           // tasks claimed per batch
	Concurrency int           // fetches in flight per batch
	MaxAttempts int           // failures before a task is permanently failed
	RetryDelay  time.Duration // minimum wait before a failed task is retried
	ClaimLease  time.Duration // how long a claimed task stays reserved
}

// DefaultRouteQueueConfig returns the defaults used when config is silent.
func DefaultRouteQueueConfig() RouteQueueConfig {
	return RouteQueueConfig{
		BatchSize:   5,
		Concurrency: 2,
		MaxAttempts: 3,
		RetryDelay:  time.Minute,
		ClaimLease:  10 * time.Minute,
	}
}

// BatchReport summarizes one or more processed batches.
type BatchReport struct {
	Claimed   int
	Completed int
	Retrying  int
	Failed    int
	Abandoned int
}

func (r *BatchReport) add(o BatchReport) {
	r.Claimed += o.Claimed
	r.Completed += o.Completed
	r.Retrying += o.Retrying
	r.Failed += o.Failed
	r.Abandoned += o.Abandoned
}

// RouteQueue augments imported workouts with their detailed path. It runs
// independently of any run session; tasks continue until completed or
// exhausted.
type RouteQueue struct {
	db      *sql.DB
	source  Source
	cfg     RouteQueueConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewRouteQueue creates a queue over the store's database.
func NewRouteQueue(st *Store, source Source, cfg RouteQueueConfig, m *metrics.Metrics, logger *slog.Logger) *RouteQueue {
	def := DefaultRouteQueueConfig()

	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}

	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = def.ClaimLease
	}

	if m == nil {
		m = metrics.New(nil)
	}

	return &RouteQueue{
		db:      st.db,
		source:  source,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// RecoverInFlight returns tasks stranded in "fetching" by a crash to
// "pending". Call once at start-up before processing.
func (q *RouteQueue) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, sqlRecoverRouteTasks)
	if err != nil {
		return 0, fmt.Errorf("ingest: recovering route tasks: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ingest: recovering route tasks: %w", err)
	}

	if n > 0 {
		q.logger.Info("recovered in-flight route tasks", slog.Int64("count", n))
	}

	return int(n), nil
}

// ProcessBatch claims up to BatchSize pending tasks ordered by priority and
// recency, and fetches their routes with bounded concurrency. Fetching tasks
// whose claim lease has lapsed are claimed again.
func (q *RouteQueue) ProcessBatch(ctx context.Context) (BatchReport, error) {
	var report BatchReport

	ids, err := q.claim(ctx)
	if err != nil {
		return report, err
	}

	report.Claimed = len(ids)
	if len(ids) == 0 {
		return report, nil
	}

	outcomes := make([]taskOutcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Concurrency)

	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = q.fetchOne(gctx, id)
			return nil
		})
	}

	_ = g.Wait() // fetchOne never returns an error to the group

	// Outcome writes use a context detached from cancellation so an expired
	// run still releases its claims.
	writeCtx := context.WithoutCancel(ctx)

	for i, id := range ids {
		if err := q.record(writeCtx, id, outcomes[i], &report); err != nil {
			return report, err
		}
	}

	q.logger.Info("route batch processed",
		slog.Int("claimed", report.Claimed),
		slog.Int("completed", report.Completed),
		slog.Int("retrying", report.Retrying),
		slog.Int("failed", report.Failed),
		slog.Int("abandoned", report.Abandoned),
	)

	return report, nil
}

// Drain processes batches until no eligible task remains or ctx ends.
func (q *RouteQueue) Drain(ctx context.Context) (BatchReport, error) {
	var total BatchReport

	for ctx.Err() == nil {
		r, err := q.ProcessBatch(ctx)
		total.add(r)

		if err != nil {
			return total, err
		}

		if r.Claimed == 0 || r.Claimed == r.Abandoned {
			break
		}
	}

	return total, nil
}

func (q *RouteQueue) claim(ctx context.Context) ([]string, error) {
	now := q.nowFunc()
	eligibleBefore := now.Add(-q.cfg.RetryDelay).UnixMilli()
	leaseExpired := now.Add(-q.cfg.ClaimLease).UnixMilli()

	rows, err := q.db.QueryContext(ctx, sqlSelectRouteCandidates, eligibleBefore, leaseExpired, q.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("ingest: selecting route tasks: %w", err)
	}

	var candidates []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ingest: scanning route task: %w", err)
		}

		candidates = append(candidates, id)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ingest: iterating route tasks: %w", err)
	}

	claimed := make([]string, 0, len(candidates))

	for _, id := range candidates {
		res, err := q.db.ExecContext(ctx, sqlClaimRouteTask, now.UnixMilli(), id, leaseExpired)
		if err != nil {
			return nil, fmt.Errorf("ingest: claiming route task %s: %w", id, err)
		}

		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, id)
		}
	}

	return claimed, nil
}

type taskOutcome struct {
	route     []RoutePoint
	err       error
	abandoned bool
}

// fetchOne runs a single fetch with panic recovery so one bad response
// cannot take the whole batch down.
func (q *RouteQueue) fetchOne(ctx context.Context, id string) (out taskOutcome) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("route fetch panicked",
				slog.String("workout_id", id),
				slog.Any("panic", r),
			)
			out = taskOutcome{err: fmt.Errorf("%w: panic: %v", ErrRouteFetch, r)}
		}
	}()

	route, err := q.source.FetchRoute(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return taskOutcome{abandoned: true}
		}

		return taskOutcome{err: fmt.Errorf("%w: %s: %w", ErrRouteFetch, id, err)}
	}

	return taskOutcome{route: route}
}

func (q *RouteQueue) record(ctx context.Context, id string, o taskOutcome, report *BatchReport) error {
	switch {
	case o.abandoned:
		if _, err := q.db.ExecContext(ctx, sqlReleaseRouteTask, id); err != nil {
			return fmt.Errorf("ingest: releasing route task %s: %w", id, err)
		}

		report.Abandoned++

		return nil

	case o.err == nil:
		if err := q.complete(ctx, id, o.route); err != nil {
			return err
		}

		report.Completed++
		q.metrics.RouteFetches.WithLabelValues("completed").Inc()

		return nil
	}

	task, err := q.Task(ctx, id)
	if err != nil {
		return err
	}

	status := TaskPending
	if task != nil && task.Attempts+1 >= q.cfg.MaxAttempts {
		status = TaskFailed
	}

	if _, err := q.db.ExecContext(ctx, sqlFailRouteTask, string(status), store.NullString(o.err.Error()), id); err != nil {
		return fmt.Errorf("ingest: recording route failure for %s: %w", id, err)
	}

	if status == TaskFailed {
		report.Failed++
		q.metrics.RouteFetches.WithLabelValues("failed").Inc()
		q.logger.Warn("route fetch permanently failed",
			slog.String("workout_id", id),
			slog.Int("attempts", q.cfg.MaxAttempts),
			slog.String("last_error", o.err.Error()),
		)
	} else {
		report.Retrying++
		q.metrics.RouteFetches.WithLabelValues("retry").Inc()
		q.logger.Debug("route fetch failed, will retry",
			slog.String("workout_id", id),
			slog.String("error", o.err.Error()),
		)
	}

	return nil
}

// complete merges the route into the workout and closes the task in one
// transaction.
func (q *RouteQueue) complete(ctx context.Context, id string, route []RoutePoint) error {
	encoded, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("ingest: encoding route for %s: %w", id, err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ingest: beginning route transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqlSaveRoute, string(encoded), q.nowFunc().UnixMilli(), id); err != nil {
		return fmt.Errorf("ingest: saving route for %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, sqlCompleteRouteTask, id); err != nil {
		return fmt.Errorf("ingest: completing route task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ingest: committing route for %s: %w", id, err)
	}

	return nil
}

// Task returns a task by workout id, or nil if none exists.
func (q *RouteQueue) Task(ctx context.Context, id string) (*RouteTask, error) {
	var (
		t           RouteTask
		status      string
		started     int64
		lastAttempt sql.NullInt64
		lastErr     sql.NullString
	)

	err := q.db.QueryRowContext(ctx, sqlGetRouteTask, id).Scan(
		&t.WorkoutID, &t.Priority, &started, &status, &t.Attempts, &lastAttempt, &lastErr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("ingest: reading route task %s: %w", id, err)
	}

	t.Status = TaskStatus(status)
	t.StartedAt = time.UnixMilli(started)
	t.LastError = lastErr.String

	if lastAttempt.Valid {
		t.LastAttemptAt = time.UnixMilli(lastAttempt.Int64)
	}

	return &t, nil
}

// Counts returns the number of tasks per status.
func (q *RouteQueue) Counts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := q.db.QueryContext(ctx, sqlCountRouteTasks)
	if err != nil {
		return nil, fmt.Errorf("ingest: counting route tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("ingest: scanning route task count: %w", err)
		}

		counts[TaskStatus(status)] = n
	}

	return counts, rows.Err()
}
