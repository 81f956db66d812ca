// Package ingest pulls workout and activity records from the external health
// data source into the local store. Each stream is consumed incrementally
// from an opaque anchor; a page of changes and the anchor that follows it are
// committed in the same transaction, so a crash mid-run simply re-fetches the
// uncommitted page on the next run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Fetch errors are recoverable: the anchor stays put and
// the next trigger retries. Commit errors propagate to the caller.
var (
	ErrExternalFetch  = errors.New("ingest: external fetch failed")
	ErrRouteFetch     = errors.New("ingest: route fetch failed")
	ErrAnchorConflict = errors.New("ingest: anchor moved underneath batch")
	ErrUnknownStream  = errors.New("ingest: unknown stream")

	// ErrAnchorExpired is returned by a Source when it no longer accepts
	// the stored anchor. The stream is re-enumerated from the beginning.
	ErrAnchorExpired = errors.New("ingest: anchor expired")
)

// Stream names one logical change stream of the health source. The string
// value doubles as the anchor key.
type Stream string

const (
	StreamWorkouts        Stream = "workouts"
	StreamActivityMinutes Stream = "activity_minutes"
)

// Streams lists every stream in the order a full sync processes them.
var Streams = []Stream{StreamWorkouts, StreamActivityMinutes}

// ParseStream validates a stream name.
func ParseStream(s string) (Stream, error) {
	for _, st := range Streams {
		if string(st) == s {
			return st, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownStream, s)
}

// Workout is one workout record as reported by the health source.
// ExternalID is the source's stable identifier and the local primary key.
type Workout struct {
	ExternalID   string
	ActivityType string
	StartedAt    time.Time
	EndedAt      time.Time
	DistanceM    float64
	DurationS    float64
	Calories     float64
}

// ActivitySample is one activity-duration record ("active minutes").
type ActivitySample struct {
	ExternalID string
	StartedAt  time.Time
	EndedAt    time.Time
	Minutes    float64
}

// ChangeSet is one page of changes after an anchor. Only the slice matching
// the requested stream is populated. More reports that another page follows
// NewAnchor.
type ChangeSet struct {
	Workouts  []Workout
	Activity  []ActivitySample
	Deleted   []string
	NewAnchor string
	More      bool
}

// RoutePoint is one sample of a workout's detailed path.
type RoutePoint struct {
	Lat  float64   `json:"lat"`
	Lon  float64   `json:"lon"`
	AltM float64   `json:"alt,omitempty"`
	At   time.Time `json:"t"`
}

// Source is the external health data feed. Defined at the consumer per
// "accept interfaces, return structs"; healthapi.Client implements it.
type Source interface {
	FetchChanges(ctx context.Context, stream Stream, anchor string) (*ChangeSet, error)
	FetchRoute(ctx context.Context, workoutID string) ([]RoutePoint, error)
}

// TaskStatus is the lifecycle of a route fetch task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskFetching  TaskStatus = "fetching"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// RouteTask is the queued request to augment one workout with its route.
type RouteTask struct {
	WorkoutID     string
	Priority      int
	StartedAt     time.Time
	Status        TaskStatus
	Attempts      int
	LastAttemptAt time.Time
	LastError     string
}

// Route priorities: recent workouts are fetched first.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

const (
	highPriorityWindow   = 7 * 24 * time.Hour
	normalPriorityWindow = 30 * 24 * time.Hour
)

// routePriority ranks a workout by how recently it started.
func routePriority(started, now time.Time) int {
	age := now.Sub(started)

	switch {
	case age <= highPriorityWindow:
		return PriorityHigh
	case age <= normalPriorityWindow:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
