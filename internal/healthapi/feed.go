package healthapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/tonimelisma/pacepair/internal/ingest"
)

// changesResponse is the body of GET /streams/{stream}/changes. Records in
// "added" carry the fields of whichever stream was requested.
type changesResponse struct {
	Added   []record `json:"added"`
	Deleted []string `json:"deleted"`
	Anchor  string   `json:"anchor"`
	HasMore bool     `json:"has_more"`
}

type record struct {
	ID           string    `json:"id"`
	ActivityType string    `json:"activity_type,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	DistanceM    float64   `json:"distance_m,omitempty"`
	DurationS    float64   `json:"duration_s,omitempty"`
	Calories     float64   `json:"calories,omitempty"`
	Minutes      float64   `json:"minutes,omitempty"`
}

type routeResponse struct {
	Points []ingest.RoutePoint `json:"points"`
}

// FetchChanges returns one page of changes after anchor. An empty anchor
// requests the stream from the beginning.
func (c *Client) FetchChanges(ctx context.Context, stream ingest.Stream, anchor string) (*ingest.ChangeSet, error) {
	path := "/streams/" + url.PathEscape(string(stream)) + "/changes"
	if anchor != "" {
		path += "?anchor=" + url.QueryEscape(anchor)
	}

	var body changesResponse
	if err := c.getJSON(ctx, path, &body); err != nil {
		if errors.Is(err, ErrGone) {
			return nil, fmt.Errorf("%w: %w", ingest.ErrAnchorExpired, err)
		}

		return nil, err
	}

	cs := &ingest.ChangeSet{
		Deleted:   body.Deleted,
		NewAnchor: body.Anchor,
		More:      body.HasMore,
	}

	for i := range body.Added {
		r := &body.Added[i]
		if r.ID == "" {
			c.logger.Warn("skipping record without id", slog.String("stream", string(stream)))
			continue
		}

		switch stream {
		case ingest.StreamWorkouts:
			cs.Workouts = append(cs.Workouts, ingest.Workout{
				ExternalID:   r.ID,
				ActivityType: r.ActivityType,
				StartedAt:    r.Start,
				EndedAt:      r.End,
				DistanceM:    r.DistanceM,
				DurationS:    r.DurationS,
				Calories:     r.Calories,
			})
		case ingest.StreamActivityMinutes:
			cs.Activity = append(cs.Activity, ingest.ActivitySample{
				ExternalID: r.ID,
				StartedAt:  r.Start,
				EndedAt:    r.End,
				Minutes:    r.Minutes,
			})
		default:
			return nil, fmt.Errorf("%w: %q", ingest.ErrUnknownStream, stream)
		}
	}

	return cs, nil
}

// FetchRoute returns the detailed path of one workout.
func (c *Client) FetchRoute(ctx context.Context, workoutID string) ([]ingest.RoutePoint, error) {
	var body routeResponse
	if err := c.getJSON(ctx, "/workouts/"+url.PathEscape(workoutID)+"/route", &body); err != nil {
		return nil, err
	}

	return body.Points, nil
}

var _ ingest.Source = (*Client)(nil)
