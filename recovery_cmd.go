package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pacepair/internal/recovery"
)

func newRecoveryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Show or discard the record of an interrupted run",
		Long: `A run saves its progress after every published snapshot. If the process
dies mid-run, the record survives and is shown here and by "run" on the next
launch. Use --clear to discard it once you no longer need it.`,
		RunE: runRecovery,
	}

	cmd.Flags().Bool("clear", false, "discard the saved record")

	return cmd
}

func runRecovery(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	rs := recovery.NewStore(cc.Cfg.RecoveryFile, cc.Logger)

	if discard, _ := cmd.Flags().GetBool("clear"); discard {
		if err := rs.Clear(); err != nil {
			return err
		}

		cc.Statusf("Recovery record cleared\n")

		return nil
	}

	rec, err := rs.Load()
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, rec)
	}

	if rec == nil {
		fmt.Println("No interrupted run.")
		return nil
	}

	printRecovery(os.Stdout, rec)

	return nil
}

func printRecovery(w io.Writer, r *recovery.Record) {
	partner := r.PeerName
	if partner == "" {
		partner = r.PeerID
	}

	fmt.Fprintf(w, "Interrupted run %s with %s\n", r.SessionID, partner)
	fmt.Fprintf(w, "  Started:   %s\n", formatTime(r.StartedAt))
	fmt.Fprintf(w, "  Distance:  %s\n", formatDistance(r.LastDistanceM))
	fmt.Fprintf(w, "  Duration:  %s\n", formatElapsed(time.Duration(r.LastDurationS*float64(time.Second))))
	fmt.Fprintf(w, "  Snapshots: %d\n", r.LastSeq)
}
