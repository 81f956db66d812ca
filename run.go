package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/pacepair/internal/geo"
	"github.com/tonimelisma/pacepair/internal/partner"
	"github.com/tonimelisma/pacepair/internal/recovery"
	"github.com/tonimelisma/pacepair/internal/session"
	"github.com/tonimelisma/pacepair/internal/transport"
)

const (
	peerPath          = "/peer"
	defaultSpeedMS    = 2.8
	endGrace          = 2 * time.Second
	serverReadTimeout = 5 * time.Second
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a shared run with a partner device",
		Long: `Connect to a partner device and run together. One device listens, the
other connects to ws://<host>:<port>/peer. Commands are read from stdin; type
help for the list. Distance comes from a simulated treadmill at --speed.

Examples:
  pacepair run --listen :7420 --name Alice
  pacepair run --connect ws://alice.local:7420/peer --name Bob --offer alice`,
		RunE: runRun,
	}

	cmd.Flags().String("listen", "", "accept the partner's connection on this address")
	cmd.Flags().String("connect", "", "connect to the partner at this WebSocket URL")
	cmd.Flags().String("name", "", "display name shown to the partner")
	cmd.Flags().String("offer", "", "invite this partner id as soon as the link is up")
	cmd.Flags().Float64("speed", defaultSpeedMS, "simulated treadmill speed in m/s")
	cmd.MarkFlagsMutuallyExclusive("listen", "connect")

	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg
	logger := cc.Logger

	if cfg.ListenAddr == "" && cfg.ConnectURL == "" {
		return fmt.Errorf("one of --listen or --connect is required")
	}

	speed, _ := cmd.Flags().GetFloat64("speed")
	offerTo, _ := cmd.Flags().GetString("offer")

	workCtx, stop := context.WithCancel(context.WithoutCancel(cmd.Context()))
	defer stop()

	// Stopping workCtx also releases the signal watcher.
	sigCtx := shutdownContext(workCtx, logger)

	m, err := newMetrics(workCtx, cc)
	if err != nil {
		return err
	}

	db, err := openState(workCtx, cc)
	if err != nil {
		return err
	}
	defer db.Close()

	rs := recovery.NewStore(cfg.RecoveryFile, logger)
	reportInterruptedRun(os.Stdout, rs, logger)

	link := transport.NewWSLink(transport.WSConfig{
		PingInterval: cfg.PingInterval,
		WriteTimeout: cfg.WriteTimeout,
		ReconnectMax: cfg.ReconnectMax,
		DialTimeout:  cfg.ConnectTimeout,
	}, logger)

	tr := transport.New(link, transport.NewOutbox(db, logger), transport.Config{
		MaxAttempts:         cfg.MaxAttempts,
		RetryStep:           cfg.RetryStep,
		QueueCapacity:       cfg.QueueCapacity,
		OutboxRetryInterval: cfg.OutboxRetryInterval,
		DedupTTL:            cfg.DedupTTL,
	}, m, logger)

	machine, belt, err := newMachine(cc, tr, rs, speed)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(workCtx)

	g.Go(func() error { return tr.Run(gctx) })
	g.Go(func() error { return machine.Run(gctx, tr.Inbound()) })

	if cfg.ListenAddr != "" {
		if err := startPeerServer(gctx, g, cfg.ListenAddr, link, logger); err != nil {
			return err
		}
	} else {
		g.Go(func() error { return link.Dial(gctx, cfg.ConnectURL) })
	}

	con := &console{machine: machine, belt: belt, out: os.Stdout, speedMS: speed}

	g.Go(func() error {
		defer stop()

		return consoleLoop(gctx, sigCtx, con, machine.Events(), readLines(gctx, os.Stdin), offerTo, logger)
	})

	err = g.Wait()
	link.Close()

	return err
}

// newMachine builds the session machine and its local devices.
func newMachine(
	cc *CLIContext, msg session.Messenger, rs session.RecoveryStore, speed float64,
) (*session.Machine, *treadmill, error) {
	cfg := cc.Cfg

	activity, err := geo.ParseActivity(cfg.Activity)
	if err != nil {
		return nil, nil, err
	}

	var battery session.Battery

	if b, err := findBattery(powerSupplyGlob); err == nil {
		battery = b
	} else {
		cc.Logger.Debug("battery level unavailable", slog.String("error", err.Error()))
	}

	belt := newTreadmill(speed, time.Now)

	machine := session.New(session.Config{
		UserID:                    cfg.UserID,
		UserName:                  cfg.UserName,
		Activity:                  activity,
		DeclineTimeout:            cfg.DeclineTimeout,
		StartLead:                 cfg.StartLead,
		HeartbeatInterval:         cfg.HeartbeatInterval,
		PublishInterval:           cfg.PublishInterval,
		LowBatteryPublishInterval: cfg.LowBatteryPublishInterval,
		LowBatteryThreshold:       cfg.LowBatteryThreshold,
		BatteryCheckInterval:      cfg.BatteryCheckInterval,
		ExtendedDisconnect:        cfg.ExtendedDisconnect,
		LeadThresholdM:            cfg.LeadThresholdM,
		LeadDebounce:              cfg.LeadDebounce,
	}, session.Deps{
		Messenger: msg,
		Partner: partner.NewEngine(partner.Config{
			HeartbeatInterval:    cfg.HeartbeatInterval,
			StaleMultiple:        cfg.StaleMultiple,
			DisconnectAfter:      cfg.DisconnectAfter,
			ExtrapolationCeiling: cfg.ExtrapolationCeiling,
		}),
		Sensors:  belt,
		Battery:  battery,
		Tracker:  newLogTracker(cc.Logger),
		Recovery: rs,
		Logger:   cc.Logger,
	})

	return machine, belt, nil
}

// startPeerServer accepts the partner's WebSocket on peerPath.
func startPeerServer(
	ctx context.Context, g *errgroup.Group, addr string, link *transport.WSLink, logger *slog.Logger,
) error {
	mux := http.NewServeMux()
	mux.Handle(peerPath, link)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: serverReadTimeout}

	ln, err := listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("peer listener: %w", err)
	}

	logger.Info("waiting for partner", slog.String("addr", ln.Addr().String()), slog.String("path", peerPath))

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("peer server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		// Hijacked WebSocket connections outlive the server.
		link.Close()

		return srv.Close()
	})

	return nil
}

// consoleLoop prints events and executes stdin commands until the user
// quits, stdin closes or a shutdown signal arrives. Any run in progress is
// ended first, and the loop waits endGrace for the final messages to leave.
func consoleLoop(
	ctx, sigCtx context.Context,
	con *console,
	events <-chan session.Event,
	lines <-chan string,
	offerTo string,
	logger *slog.Logger,
) error {
	fmt.Fprintln(con.out, "Type help for commands.")

	if offerTo != "" {
		if _, err := con.execute(consoleCommand{verb: "offer", args: []string{offerTo}}); err != nil {
			fmt.Fprintf(con.out, "offer: %v\n", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-sigCtx.Done():
			return finish(ctx, con, logger)

		case ev := <-events:
			fmt.Fprintln(con.out, formatEvent(ev))

		case line, ok := <-lines:
			if !ok {
				return finish(ctx, con, logger)
			}

			cmd, err := parseCommand(line)
			if errors.Is(err, errEmptyCommand) {
				continue
			}

			if err != nil {
				fmt.Fprintln(con.out, err)
				continue
			}

			quit, err := con.execute(cmd)
			if err != nil {
				fmt.Fprintf(con.out, "%s: %v\n", cmd.verb, err)
			}

			if quit {
				return finish(ctx, con, logger)
			}
		}
	}
}

// finish ends the run in progress, if any, before the process exits.
func finish(ctx context.Context, con *console, logger *slog.Logger) error {
	if con.machine.Status().Phase == session.PhaseIdle {
		return nil
	}

	if err := con.machine.End(); err != nil {
		logger.Warn("ending run on shutdown", slog.String("error", err.Error()))
		return nil
	}

	return waitGrace(ctx)
}

func waitGrace(ctx context.Context) error {
	t := time.NewTimer(endGrace)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}

	return nil
}

// reportInterruptedRun tells the user about a run that did not end cleanly.
// The record stays until the next run overwrites it or it is cleared.
func reportInterruptedRun(w io.Writer, rs *recovery.Store, logger *slog.Logger) {
	rec, err := rs.Load()
	if err != nil {
		logger.Warn("reading recovery record", slog.String("error", err.Error()))
		return
	}

	if rec == nil {
		return
	}

	printRecovery(w, rec)
	fmt.Fprintln(w, `Run "pacepair recovery --clear" to discard it.`)
	fmt.Fprintln(w)
}
