package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/pacepair/internal/metrics"
)

// maxPagesPerRun bounds a single stream pull so a feed that keeps reporting
// more pages cannot pin a run forever.
const maxPagesPerRun = 1000

// StreamReport summarizes one stream's pull.
type StreamReport struct {
	Stream Stream
	Pages  int
	CommitResult
	Anchor string
	Err    error
}

// RunReport is the outcome of one SyncAll or background run.
type RunReport struct {
	Streams   []StreamReport
	Routes    BatchReport
	Expired   bool
	NextRunAt time.Time
}

// Failed reports whether any stream ended in error.
func (r *RunReport) Failed() bool {
	for i := range r.Streams {
		if r.Streams[i].Err != nil {
			return true
		}
	}

	return false
}

// Syncer pulls every stream from the Source into the Store and then lets
// the route queue augment new workouts.
type Syncer struct {
	store   *Store
	source  Source
	routes  *RouteQueue
	metrics *metrics.Metrics
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewSyncer creates a syncer. routes may be nil to skip route fetching.
func NewSyncer(st *Store, source Source, routes *RouteQueue, m *metrics.Metrics, logger *slog.Logger) *Syncer {
	if m == nil {
		m = metrics.New(nil)
	}

	return &Syncer{
		store:   st,
		source:  source,
		routes:  routes,
		metrics: m,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// SyncStream pulls pages for one stream until the feed reports no more.
// Each page is committed together with its anchor; a fetch or commit failure
// leaves the anchor where the last successful page put it.
func (s *Syncer) SyncStream(ctx context.Context, stream Stream) (StreamReport, error) {
	report := StreamReport{Stream: stream}
	rewound := false

	for report.Pages < maxPagesPerRun {
		anchor, err := s.store.FetchOrCreateAnchor(ctx, stream)
		if err != nil {
			return report, err
		}

		report.Anchor = anchor.Token

		cs, err := s.source.FetchChanges(ctx, stream, anchor.Token)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}

			if errors.Is(err, ErrAnchorExpired) && anchor.Token != "" && !rewound {
				s.logger.Warn("anchor expired, re-enumerating stream",
					slog.String("stream", string(stream)),
				)

				if err := s.store.ResetAnchor(ctx, stream); err != nil {
					return report, err
				}

				rewound = true

				continue
			}

			return report, fmt.Errorf("%w: %s: %w", ErrExternalFetch, stream, err)
		}

		res, err := s.store.Commit(ctx, stream, anchor.Token, cs)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}

			return report, err
		}

		report.Pages++
		report.accumulate(res)
		s.observe(stream, res)

		if res.AnchorAdvanced {
			report.Anchor = cs.NewAnchor
		}

		if !cs.More {
			return report, nil
		}

		if !res.AnchorAdvanced {
			s.logger.Warn("feed reported more pages without moving the anchor",
				slog.String("stream", string(stream)),
				slog.String("anchor", anchor.Token),
			)

			return report, nil
		}
	}

	s.logger.Warn("page limit reached, resuming next run",
		slog.String("stream", string(stream)),
		slog.Int("pages", report.Pages),
	)

	return report, nil
}

func (r *StreamReport) accumulate(res CommitResult) {
	r.Inserted += res.Inserted
	r.Updated += res.Updated
	r.Unchanged += res.Unchanged
	r.Deleted += res.Deleted
	r.Missing += res.Missing
	r.RouteTasks += res.RouteTasks
	r.AnchorAdvanced = r.AnchorAdvanced || res.AnchorAdvanced
}

func (s *Syncer) observe(stream Stream, res CommitResult) {
	label := string(stream)

	s.metrics.IngestRecords.WithLabelValues(label, "inserted").Add(float64(res.Inserted))
	s.metrics.IngestRecords.WithLabelValues(label, "updated").Add(float64(res.Updated))
	s.metrics.IngestRecords.WithLabelValues(label, "unchanged").Add(float64(res.Unchanged))
	s.metrics.IngestRecords.WithLabelValues(label, "deleted").Add(float64(res.Deleted))

	if res.AnchorAdvanced {
		s.metrics.AnchorAdvances.WithLabelValues(label).Inc()
	}
}

// SyncAll pulls every stream and then drains the route queue. Fetch errors
// are recorded per stream and do not stop the other streams; storage errors
// and cancellation are returned.
func (s *Syncer) SyncAll(ctx context.Context) (RunReport, error) {
	var report RunReport

	for _, stream := range Streams {
		sr, err := s.SyncStream(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				report.Streams = append(report.Streams, sr)
				return report, ctx.Err()
			}

			sr.Err = err

			if !errors.Is(err, ErrExternalFetch) && !errors.Is(err, ErrAnchorConflict) {
				report.Streams = append(report.Streams, sr)
				return report, err
			}

			s.logger.Warn("stream sync failed, will retry next run",
				slog.String("stream", string(stream)),
				slog.String("error", err.Error()),
			)
		}

		report.Streams = append(report.Streams, sr)
	}

	if s.routes == nil {
		return report, nil
	}

	routes, err := s.routes.Drain(ctx)
	report.Routes = routes

	if err != nil {
		return report, err
	}

	return report, ctx.Err()
}

// RunBackground performs one SyncAll bounded by budget, as a background
// execution window would allow. On expiry the in-flight page is abandoned;
// committed pages stay committed and the anchor never runs ahead of them.
// NextRunAt is always set to now + interval.
func (s *Syncer) RunBackground(ctx context.Context, budget, interval time.Duration) (RunReport, error) {
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	report, err := s.SyncAll(runCtx)
	report.NextRunAt = s.nowFunc().Add(interval)

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		report.Expired = true

		s.logger.Warn("background sync expired",
			slog.Duration("budget", budget),
			slog.Time("next_run_at", report.NextRunAt),
		)

		return report, nil
	}

	return report, err
}

// Watch runs until ctx is done, syncing the notified stream on every change
// notification and all streams on every poll tick. Fetch failures are
// logged and retried on the next trigger.
func (s *Syncer) Watch(ctx context.Context, notifications <-chan Stream, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	s.logger.Info("ingest watch started", slog.Duration("poll_interval", pollInterval))

	if _, err := s.SyncAll(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case stream, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}

			s.logger.Debug("change notification", slog.String("stream", string(stream)))

			if err := s.syncNotified(ctx, stream); err != nil && ctx.Err() == nil {
				return err
			}

		case <-ticker.C:
			if _, err := s.SyncAll(ctx); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}

func (s *Syncer) syncNotified(ctx context.Context, stream Stream) error {
	if _, err := s.SyncStream(ctx, stream); err != nil {
		if errors.Is(err, ErrExternalFetch) || errors.Is(err, ErrAnchorConflict) {
			s.logger.Warn("notified sync failed",
				slog.String("stream", string(stream)),
				slog.String("error", err.Error()),
			)

			return nil
		}

		return err
	}

	if s.routes == nil || stream != StreamWorkouts {
		return nil
	}

	_, err := s.routes.Drain(ctx)

	return err
}
