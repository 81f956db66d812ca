package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pacepair/internal/ingest"
	"github.com/tonimelisma/pacepair/internal/recovery"
	"github.com/tonimelisma/pacepair/internal/transport"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ingest progress, queued messages and any interrupted run",
		Long: `Display the local state: the anchor of each health stream, how many
records are stored, the route queue, undelivered session messages waiting in
the outbox, and the recovery record of a run that did not end cleanly.`,
		RunE: runStatus,
	}
}

type statusAnchor struct {
	Stream    string    `json:"stream"`
	Anchor    string    `json:"anchor"`
	UpdatedAt time.Time `json:"updated_at"`
}

type statusReport struct {
	Anchors     []statusAnchor   `json:"anchors"`
	Workouts    int              `json:"workouts"`
	Activity    int              `json:"activity_minutes"`
	RouteTasks  map[string]int   `json:"route_tasks"`
	OutboxDepth int              `json:"outbox_depth"`
	Recovery    *recovery.Record `json:"recovery,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	report, err := collectStatus(cmd.Context(), cc)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, report)
	}

	printStatus(os.Stdout, report)

	return nil
}

func collectStatus(ctx context.Context, cc *CLIContext) (*statusReport, error) {
	db, err := openState(ctx, cc)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	st := ingest.NewStore(db, cc.Logger)

	anchors, err := st.ListAnchors(ctx)
	if err != nil {
		return nil, err
	}

	report := &statusReport{RouteTasks: make(map[string]int)}

	for _, a := range anchors {
		report.Anchors = append(report.Anchors, statusAnchor{
			Stream:    string(a.Stream),
			Anchor:    a.Token,
			UpdatedAt: a.UpdatedAt,
		})
	}

	report.Workouts, report.Activity, err = st.Counts(ctx)
	if err != nil {
		return nil, err
	}

	// Counting tasks needs no feed access.
	tasks, err := ingest.NewRouteQueue(st, nil, ingest.DefaultRouteQueueConfig(), nil, cc.Logger).Counts(ctx)
	if err != nil {
		return nil, err
	}

	for status, n := range tasks {
		report.RouteTasks[string(status)] = n
	}

	report.OutboxDepth, err = transport.NewOutbox(db, cc.Logger).Len(ctx)
	if err != nil {
		return nil, err
	}

	report.Recovery, err = recovery.NewStore(cc.Cfg.RecoveryFile, cc.Logger).Load()
	if err != nil {
		return nil, err
	}

	return report, nil
}

func printStatus(w io.Writer, r *statusReport) {
	if len(r.Anchors) == 0 {
		fmt.Fprintln(w, "No stream has been ingested yet.")
	} else {
		rows := make([][]string, 0, len(r.Anchors))
		for _, a := range r.Anchors {
			anchor := a.Anchor
			if anchor == "" {
				anchor = "(start)"
			}

			rows = append(rows, []string{a.Stream, anchor, formatTime(a.UpdatedAt)})
		}

		printTable(w, []string{"STREAM", "ANCHOR", "UPDATED"}, rows)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Workouts:          %d\n", r.Workouts)
	fmt.Fprintf(w, "Activity records:  %d\n", r.Activity)
	fmt.Fprintf(w, "Route tasks:       %s pending, %s fetching, %s completed, %s failed\n",
		strconv.Itoa(r.RouteTasks[string(ingest.TaskPending)]),
		strconv.Itoa(r.RouteTasks[string(ingest.TaskFetching)]),
		strconv.Itoa(r.RouteTasks[string(ingest.TaskCompleted)]),
		strconv.Itoa(r.RouteTasks[string(ingest.TaskFailed)]),
	)
	fmt.Fprintf(w, "Outbox:            %d undelivered\n", r.OutboxDepth)

	if r.Recovery != nil {
		fmt.Fprintln(w)
		printRecovery(w, r.Recovery)
	}
}
