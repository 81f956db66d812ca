package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SQL statements for anchors and records.
const (
	sqlGetAnchor = `SELECT token, updated_at FROM sync_anchors WHERE data_type = ?` //nolint:gosec // G101: "token" is a change cursor, not credentials

	sqlCreateAnchor = `INSERT INTO sync_anchors (data_type, token, updated_at)
		VALUES (?, '', ?) ON CONFLICT(data_type) DO NOTHING`

	sqlAdvanceAnchor = `UPDATE sync_anchors SET token = ?, updated_at = ?
		WHERE data_type = ? AND token = ?`

	sqlResetAnchor = `UPDATE sync_anchors SET token = '', updated_at = ? WHERE data_type = ?`

	sqlListAnchors = `SELECT data_type, token, updated_at FROM sync_anchors ORDER BY data_type`

	sqlGetWorkout = `SELECT external_id, activity_type, started_at, ended_at,
		distance_m, duration_s, calories, route, imported_at, updated_at
		FROM workouts WHERE external_id = ?`

	sqlInsertWorkout = `INSERT INTO workouts
		(external_id, activity_type, started_at, ended_at, distance_m, duration_s,
		 calories, imported_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpdateWorkout = `UPDATE workouts SET
		activity_type = ?, ended_at = ?, distance_m = ?, duration_s = ?, calories = ?,
		updated_at = ?
		WHERE external_id = ?`

	sqlDeleteWorkout = `DELETE FROM workouts WHERE external_id = ?`

	sqlCountWorkouts = `SELECT COUNT(*) FROM workouts`

	sqlGetActivity = `SELECT started_at, ended_at, minutes FROM activity_minutes WHERE external_id = ?`

	sqlInsertActivity = `INSERT INTO activity_minutes
		(external_id, started_at, ended_at, minutes, imported_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlUpdateActivity = `UPDATE activity_minutes SET
		started_at = ?, ended_at = ?, minutes = ?, updated_at = ?
		WHERE external_id = ?`

	sqlDeleteActivity = `DELETE FROM activity_minutes WHERE external_id = ?`

	sqlCountActivity = `SELECT COUNT(*) FROM activity_minutes`

	sqlInsertRouteTask = `INSERT INTO route_tasks (workout_id, priority, started_at, status, attempts)
		VALUES (?, ?, ?, 'pending', 0)
		ON CONFLICT(workout_id) DO NOTHING`
)

// Anchor is the stored cursor for one stream. An empty Token means the
// stream has never been consumed (or was reset) and the next fetch starts
// from the beginning.
type Anchor struct {
	Stream    Stream
	Token     string
	UpdatedAt time.Time
}

// StoredWorkout is a workout row as persisted locally.
type StoredWorkout struct {
	Workout
	Route      []RoutePoint
	ImportedAt time.Time
	UpdatedAt  time.Time
}

// CommitResult counts what one committed page changed.
type CommitResult struct {
	Inserted       int
	Updated        int
	Unchanged      int
	Deleted        int
	Missing        int // deletions for records we never had
	RouteTasks     int
	AnchorAdvanced bool
}

// Writes is the number of rows the commit touched, anchor excluded.
func (r CommitResult) Writes() int {
	return r.Inserted + r.Updated + r.Deleted
}

// Store is the local workout store plus the anchor table. It is the only
// writer to both; presentation code reads the same database.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// NewStore wraps an open database (see store.Open).
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger, nowFunc: time.Now}
}

// FetchOrCreateAnchor returns the anchor for a stream, creating an empty
// one if the stream has never been seen.
func (s *Store) FetchOrCreateAnchor(ctx context.Context, stream Stream) (Anchor, error) {
	if _, err := s.db.ExecContext(ctx, sqlCreateAnchor, string(stream), s.nowFunc().UnixMilli()); err != nil {
		return Anchor{}, fmt.Errorf("ingest: creating anchor for %s: %w", stream, err)
	}

	var (
		token     string
		updatedAt int64
	)

	if err := s.db.QueryRowContext(ctx, sqlGetAnchor, string(stream)).Scan(&token, &updatedAt); err != nil {
		return Anchor{}, fmt.Errorf("ingest: reading anchor for %s: %w", stream, err)
	}

	return Anchor{Stream: stream, Token: token, UpdatedAt: time.UnixMilli(updatedAt)}, nil
}

// ResetAnchor rewinds a stream to the beginning. This is the only way an
// anchor ever moves backwards; the next sync re-imports everything, which
// the idempotent upsert absorbs.
func (s *Store) ResetAnchor(ctx context.Context, stream Stream) error {
	if _, err := s.FetchOrCreateAnchor(ctx, stream); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, sqlResetAnchor, s.nowFunc().UnixMilli(), string(stream)); err != nil {
		return fmt.Errorf("ingest: resetting anchor for %s: %w", stream, err)
	}

	s.logger.Warn("anchor reset", slog.String("stream", string(stream)))

	return nil
}

// ListAnchors returns every stored anchor.
func (s *Store) ListAnchors(ctx context.Context) ([]Anchor, error) {
	rows, err := s.db.QueryContext(ctx, sqlListAnchors)
	if err != nil {
		return nil, fmt.Errorf("ingest: listing anchors: %w", err)
	}
	defer rows.Close()

	var anchors []Anchor

	for rows.Next() {
		var (
			a         Anchor
			stream    string
			updatedAt int64
		)

		if err := rows.Scan(&stream, &a.Token, &updatedAt); err != nil {
			return nil, fmt.Errorf("ingest: scanning anchor row: %w", err)
		}

		a.Stream = Stream(stream)
		a.UpdatedAt = time.UnixMilli(updatedAt)
		anchors = append(anchors, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ingest: iterating anchor rows: %w", err)
	}

	return anchors, nil
}

// Commit applies one page of changes and advances the stream's anchor from
// prevAnchor to cs.NewAnchor, all in a single transaction. If the stored
// anchor is no longer prevAnchor (another run got there first) nothing is
// written and ErrAnchorConflict is returned.
func (s *Store) Commit(ctx context.Context, stream Stream, prevAnchor string, cs *ChangeSet) (CommitResult, error) {
	var res CommitResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("ingest: beginning commit transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT token FROM sync_anchors WHERE data_type = ?`, string(stream)).
		Scan(&current); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return res, fmt.Errorf("ingest: reading anchor in commit: %w", err)
	}

	if current != prevAnchor {
		return res, fmt.Errorf("%w: %s expected %q, found %q", ErrAnchorConflict, stream, prevAnchor, current)
	}

	now := s.nowFunc()

	switch stream {
	case StreamWorkouts:
		err = s.applyWorkouts(ctx, tx, cs, now, &res)
	case StreamActivityMinutes:
		err = s.applyActivity(ctx, tx, cs, now, &res)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}

	if err != nil {
		return res, err
	}

	if cs.NewAnchor != "" && cs.NewAnchor != prevAnchor {
		if err := advanceAnchor(ctx, tx, stream, prevAnchor, cs.NewAnchor, now); err != nil {
			return res, err
		}

		res.AnchorAdvanced = true
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("ingest: committing transaction: %w", err)
	}

	s.logger.Info("ingest page committed",
		slog.String("stream", string(stream)),
		slog.Int("inserted", res.Inserted),
		slog.Int("updated", res.Updated),
		slog.Int("unchanged", res.Unchanged),
		slog.Int("deleted", res.Deleted),
		slog.Bool("anchor_advanced", res.AnchorAdvanced),
	)

	return res, nil
}

// advanceAnchor moves the anchor with a compare-and-swap on the previous
// token, creating the row for a first-ever commit.
func advanceAnchor(ctx context.Context, tx *sql.Tx, stream Stream, prev, next string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, sqlCreateAnchor, string(stream), now.UnixMilli()); err != nil {
		return fmt.Errorf("ingest: creating anchor for %s: %w", stream, err)
	}

	res, err := tx.ExecContext(ctx, sqlAdvanceAnchor, next, now.UnixMilli(), string(stream), prev)
	if err != nil {
		return fmt.Errorf("ingest: saving anchor for %s: %w", stream, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ingest: saving anchor for %s: %w", stream, err)
	}

	if n != 1 {
		return fmt.Errorf("%w: %s advance from %q matched %d rows", ErrAnchorConflict, stream, prev, n)
	}

	return nil
}

func (s *Store) applyWorkouts(ctx context.Context, tx *sql.Tx, cs *ChangeSet, now time.Time, res *CommitResult) error {
	for i := range cs.Workouts {
		w := &cs.Workouts[i]

		existing, err := getWorkout(ctx, tx, w.ExternalID)
		if err != nil {
			return err
		}

		if existing == nil {
			if err := insertWorkout(ctx, tx, w, now); err != nil {
				return err
			}

			res.Inserted++
			res.RouteTasks++

			continue
		}

		if sameWorkout(&existing.Workout, w) {
			res.Unchanged++
			continue
		}

		_, err = tx.ExecContext(ctx, sqlUpdateWorkout,
			w.ActivityType, w.EndedAt.UnixMilli(), w.DistanceM, w.DurationS, w.Calories,
			now.UnixMilli(), w.ExternalID,
		)
		if err != nil {
			return fmt.Errorf("ingest: updating workout %s: %w", w.ExternalID, err)
		}

		res.Updated++
	}

	for _, id := range cs.Deleted {
		n, err := execCount(ctx, tx, sqlDeleteWorkout, id)
		if err != nil {
			return fmt.Errorf("ingest: deleting workout %s: %w", id, err)
		}

		res.Deleted += n
		res.Missing += 1 - n
	}

	return nil
}

func insertWorkout(ctx context.Context, tx *sql.Tx, w *Workout, now time.Time) error {
	_, err := tx.ExecContext(ctx, sqlInsertWorkout,
		w.ExternalID, w.ActivityType, w.StartedAt.UnixMilli(), w.EndedAt.UnixMilli(),
		w.DistanceM, w.DurationS, w.Calories, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ingest: inserting workout %s: %w", w.ExternalID, err)
	}

	_, err = tx.ExecContext(ctx, sqlInsertRouteTask,
		w.ExternalID, routePriority(w.StartedAt, now), w.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ingest: queueing route fetch for %s: %w", w.ExternalID, err)
	}

	return nil
}

func sameWorkout(a, b *Workout) bool {
	return a.ActivityType == b.ActivityType &&
		a.EndedAt.UnixMilli() == b.EndedAt.UnixMilli() &&
		a.DistanceM == b.DistanceM &&
		a.DurationS == b.DurationS &&
		a.Calories == b.Calories
}

func (s *Store) applyActivity(ctx context.Context, tx *sql.Tx, cs *ChangeSet, now time.Time, res *CommitResult) error {
	for i := range cs.Activity {
		a := &cs.Activity[i]

		var started, ended int64

		var minutes float64

		err := tx.QueryRowContext(ctx, sqlGetActivity, a.ExternalID).Scan(&started, &ended, &minutes)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, sqlInsertActivity,
				a.ExternalID, a.StartedAt.UnixMilli(), a.EndedAt.UnixMilli(), a.Minutes,
				now.UnixMilli(), now.UnixMilli(),
			)
			if err != nil {
				return fmt.Errorf("ingest: inserting activity %s: %w", a.ExternalID, err)
			}

			res.Inserted++
		case err != nil:
			return fmt.Errorf("ingest: reading activity %s: %w", a.ExternalID, err)
		case started == a.StartedAt.UnixMilli() && ended == a.EndedAt.UnixMilli() && minutes == a.Minutes:
			res.Unchanged++
		default:
			_, err = tx.ExecContext(ctx, sqlUpdateActivity,
				a.StartedAt.UnixMilli(), a.EndedAt.UnixMilli(), a.Minutes, now.UnixMilli(), a.ExternalID,
			)
			if err != nil {
				return fmt.Errorf("ingest: updating activity %s: %w", a.ExternalID, err)
			}

			res.Updated++
		}
	}

	for _, id := range cs.Deleted {
		n, err := execCount(ctx, tx, sqlDeleteActivity, id)
		if err != nil {
			return fmt.Errorf("ingest: deleting activity %s: %w", id, err)
		}

		res.Deleted += n
		res.Missing += 1 - n
	}

	return nil
}

func execCount(ctx context.Context, tx *sql.Tx, query string, args ...any) (int, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(n), nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getWorkout returns nil, nil when the workout does not exist.
func getWorkout(ctx context.Context, q queryRower, id string) (*StoredWorkout, error) {
	var (
		w                 StoredWorkout
		started, ended    int64
		imported, updated int64
		route             sql.NullString
	)

	err := q.QueryRowContext(ctx, sqlGetWorkout, id).Scan(
		&w.ExternalID, &w.ActivityType, &started, &ended,
		&w.DistanceM, &w.DurationS, &w.Calories, &route, &imported, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("ingest: reading workout %s: %w", id, err)
	}

	w.StartedAt = time.UnixMilli(started)
	w.EndedAt = time.UnixMilli(ended)
	w.ImportedAt = time.UnixMilli(imported)
	w.UpdatedAt = time.UnixMilli(updated)

	if route.Valid && route.String != "" {
		if err := json.Unmarshal([]byte(route.String), &w.Route); err != nil {
			return nil, fmt.Errorf("ingest: decoding route for %s: %w", id, err)
		}
	}

	return &w, nil
}

// Workout returns the stored workout, or nil if it does not exist.
func (s *Store) Workout(ctx context.Context, id string) (*StoredWorkout, error) {
	return getWorkout(ctx, s.db, id)
}

// Counts returns the number of stored workouts and activity samples.
func (s *Store) Counts(ctx context.Context) (workouts, activity int, err error) {
	if err := s.db.QueryRowContext(ctx, sqlCountWorkouts).Scan(&workouts); err != nil {
		return 0, 0, fmt.Errorf("ingest: counting workouts: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, sqlCountActivity).Scan(&activity); err != nil {
		return 0, 0, fmt.Errorf("ingest: counting activity: %w", err)
	}

	return workouts, activity, nil
}
