package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pacepair/internal/ingest"
)

const ingestPIDFile = "ingest.pid"

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Pull new workouts and activity from the health feed",
		Long: `Pull every stream from the health feed into the local store, then fetch
routes for new workouts.

Without --watch, one run is made, bounded by ingest.background_budget, the way
a background execution window would bound it. With --watch, the command keeps
running: it syncs a stream whenever a file named after it changes in
ingest.notify_dir, syncs everything every ingest.poll_interval, and syncs
everything on SIGHUP. Use --kick to send that SIGHUP to a running watcher.`,
		RunE: runIngest,
	}

	cmd.Flags().Bool("watch", false, "keep running and sync on change notifications")
	cmd.Flags().Bool("kick", false, "ask a running watcher to sync now and exit")
	cmd.MarkFlagsMutuallyExclusive("watch", "kick")

	return cmd
}

func ingestPIDPath(cc *CLIContext) string {
	return filepath.Join(cc.Cfg.DataDir, ingestPIDFile)
}

func runIngest(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	kick, _ := cmd.Flags().GetBool("kick")
	if kick {
		if err := kickWatcher(ingestPIDPath(cc)); err != nil {
			return err
		}

		cc.Statusf("Sync requested\n")

		return nil
	}

	watch, _ := cmd.Flags().GetBool("watch")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ctx = shutdownContext(ctx, cc.Logger)

	m, err := newMetrics(ctx, cc)
	if err != nil {
		return err
	}

	stack, err := newIngestStack(ctx, cc, m)
	if err != nil {
		return err
	}
	defer stack.Close()

	if watch {
		return runIngestWatch(ctx, cc, stack)
	}

	report, err := stack.syncer.RunBackground(ctx, cc.Cfg.BackgroundBudget, cc.Cfg.PollInterval)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, newRunReportJSON(&report))
	}

	printRunReport(os.Stdout, &report)

	if report.Failed() {
		return fmt.Errorf("one or more streams failed; the next run retries them")
	}

	return nil
}

func runIngestWatch(ctx context.Context, cc *CLIContext, stack *ingestStack) error {
	lock, err := acquireWatchLock(ingestPIDPath(cc))
	if err != nil {
		return err
	}
	defer lock.Release()

	if n, err := stack.routes.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("recovering route tasks: %w", err)
	} else if n > 0 {
		cc.Logger.Info("requeued interrupted route fetches", slog.Int("count", n))
	}

	notes, err := ingest.WatchNotifications(ctx, cc.Cfg.NotifyDir, cc.Logger)
	if err != nil {
		return err
	}

	merged := mergeNotifications(ctx, notes, hangupSignals(ctx), cc.Logger)

	cc.Statusf("Watching %s (Ctrl-C to stop)\n", cc.Cfg.NotifyDir)

	return stack.syncer.Watch(ctx, merged, cc.Cfg.PollInterval)
}

// mergeNotifications forwards file notifications and turns every hangup into
// a notification for each stream. The output closes when ctx is done.
func mergeNotifications(
	ctx context.Context, notes <-chan ingest.Stream, hup <-chan struct{}, logger *slog.Logger,
) <-chan ingest.Stream {
	out := make(chan ingest.Stream, len(ingest.Streams))

	go func() {
		defer close(out)

		for {
			var batch []ingest.Stream

			select {
			case <-ctx.Done():
				return
			case s, ok := <-notes:
				if !ok {
					notes = nil
					continue
				}

				batch = []ingest.Stream{s}
			case <-hup:
				logger.Info("SIGHUP received, syncing all streams")
				batch = ingest.Streams
			}

			for _, s := range batch {
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func newRoutesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Fetch pending workout routes",
		Long: `Process the route queue until no task is eligible. Tasks interrupted by a
crash are requeued first. Failed fetches are retried on later runs until
ingest.route_max_attempts is reached.`,
		RunE: runRoutes,
	}
}

func runRoutes(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ctx = shutdownContext(ctx, cc.Logger)

	m, err := newMetrics(ctx, cc)
	if err != nil {
		return err
	}

	stack, err := newIngestStack(ctx, cc, m)
	if err != nil {
		return err
	}
	defer stack.Close()

	if _, err := stack.routes.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("recovering route tasks: %w", err)
	}

	report, err := stack.routes.Drain(ctx)
	if err != nil {
		return fmt.Errorf("fetching routes: %w", err)
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, report)
	}

	printBatchReport(os.Stdout, report)

	return nil
}

func newResetAnchorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-anchor <stream>",
		Short: "Forget a stream's anchor so the next ingest re-reads it from the start",
		Long: `Reset the stored anchor of a stream. The next ingest enumerates the whole
stream again; records already stored are matched by their external id, so
nothing is duplicated.

Streams: workouts, activity_minutes`,
		Args: cobra.ExactArgs(1),
		RunE: runResetAnchor,
	}
}

func runResetAnchor(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	stream, err := ingest.ParseStream(args[0])
	if err != nil {
		return err
	}

	db, err := openState(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := ingest.NewStore(db, cc.Logger).ResetAnchor(cmd.Context(), stream); err != nil {
		return err
	}

	cc.Statusf("Anchor for %s reset\n", stream)

	return nil
}

// streamReportJSON is the JSON shape of one stream's outcome.
type streamReportJSON struct {
	Stream   string `json:"stream"`
	Pages    int    `json:"pages"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Deleted  int    `json:"deleted"`
	Anchor   string `json:"anchor,omitempty"`
	Error    string `json:"error,omitempty"`
}

type runReportJSON struct {
	Streams   []streamReportJSON `json:"streams"`
	Routes    ingest.BatchReport `json:"routes"`
	Expired   bool               `json:"expired"`
	NextRunAt time.Time          `json:"next_run_at"`
}

func newRunReportJSON(r *ingest.RunReport) runReportJSON {
	out := runReportJSON{
		Streams:   make([]streamReportJSON, 0, len(r.Streams)),
		Routes:    r.Routes,
		Expired:   r.Expired,
		NextRunAt: r.NextRunAt,
	}

	for i := range r.Streams {
		sr := &r.Streams[i]

		js := streamReportJSON{
			Stream:   string(sr.Stream),
			Pages:    sr.Pages,
			Inserted: sr.Inserted,
			Updated:  sr.Updated,
			Deleted:  sr.Deleted,
			Anchor:   sr.Anchor,
		}

		if sr.Err != nil {
			js.Error = sr.Err.Error()
		}

		out.Streams = append(out.Streams, js)
	}

	return out
}

func printRunReport(w io.Writer, r *ingest.RunReport) {
	rows := make([][]string, 0, len(r.Streams))

	for i := range r.Streams {
		sr := &r.Streams[i]

		result := "ok"
		if sr.Err != nil {
			result = sr.Err.Error()
		}

		rows = append(rows, []string{
			string(sr.Stream),
			strconv.Itoa(sr.Pages),
			strconv.Itoa(sr.Inserted),
			strconv.Itoa(sr.Updated),
			strconv.Itoa(sr.Deleted),
			result,
		})
	}

	printTable(w, []string{"STREAM", "PAGES", "INSERTED", "UPDATED", "DELETED", "RESULT"}, rows)
	fmt.Fprintln(w)
	printBatchReport(w, r.Routes)

	if r.Expired {
		fmt.Fprintln(w, "Run budget expired before all streams finished.")
	}

	fmt.Fprintf(w, "Next run at %s\n", formatTime(r.NextRunAt))
}

func printBatchReport(w io.Writer, b ingest.BatchReport) {
	fmt.Fprintf(w, "Routes: %d claimed, %d completed, %d retrying, %d failed, %d abandoned\n",
		b.Claimed, b.Completed, b.Retrying, b.Failed, b.Abandoned)
}
