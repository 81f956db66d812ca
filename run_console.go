package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tonimelisma/pacepair/internal/session"
)

const consoleHelp = `Commands:
  offer <partner-id> [name]   invite a partner to a run
  accept | decline            answer an incoming invitation
  pause | resume              pause or resume your run
  speed <m/s>                 change the simulated treadmill speed
  solo                        keep running after the partner is gone
  end                         finish the run
  status                      show the current run
  quit                        end any run and exit`

var errEmptyCommand = errors.New("empty command")

// consoleCommand is one parsed console line.
type consoleCommand struct {
	verb string
	args []string
}

// parseCommand splits a console line and validates the verb and its
// argument count.
func parseCommand(line string) (consoleCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return consoleCommand{}, errEmptyCommand
	}

	cmd := consoleCommand{verb: strings.ToLower(fields[0]), args: fields[1:]}

	switch cmd.verb {
	case "offer":
		if len(cmd.args) == 0 {
			return cmd, fmt.Errorf("usage: offer <partner-id> [name]")
		}

		// Names may contain spaces.
		if len(cmd.args) > 2 {
			cmd.args = []string{cmd.args[0], strings.Join(cmd.args[1:], " ")}
		}
	case "speed":
		if len(cmd.args) != 1 {
			return cmd, fmt.Errorf("usage: speed <m/s>")
		}

		if v, err := strconv.ParseFloat(cmd.args[0], 64); err != nil || v < 0 {
			return cmd, fmt.Errorf("speed must be a non-negative number of meters per second")
		}
	case "accept", "decline", "pause", "resume", "solo", "end", "status", "quit", "help":
		if len(cmd.args) != 0 {
			return cmd, fmt.Errorf("%s takes no arguments", cmd.verb)
		}
	default:
		return cmd, fmt.Errorf("unknown command %q (try help)", cmd.verb)
	}

	return cmd, nil
}

// sessionControl is the part of *session.Machine the console drives.
type sessionControl interface {
	Offer(partnerID, partnerName string) (string, error)
	Accept() error
	Decline() error
	Pause() error
	Resume() error
	End() error
	ContinueSolo() error
	Status() session.View
}

// console executes commands against a session and prints its events.
type console struct {
	machine sessionControl
	belt    *treadmill
	out     io.Writer
	speedMS float64
}

// execute runs one command. It reports whether the user asked to quit.
func (c *console) execute(cmd consoleCommand) (quit bool, err error) {
	switch cmd.verb {
	case "offer":
		name := ""
		if len(cmd.args) > 1 {
			name = cmd.args[1]
		}

		id, err := c.machine.Offer(cmd.args[0], name)
		if err != nil {
			return false, err
		}

		fmt.Fprintf(c.out, "Invitation %s sent to %s\n", id, cmd.args[0])
	case "accept":
		return false, c.machine.Accept()
	case "decline":
		return false, c.machine.Decline()
	case "pause":
		if err := c.machine.Pause(); err != nil {
			return false, err
		}

		c.belt.SetSpeed(0)
		fmt.Fprintln(c.out, "Paused")
	case "resume":
		if err := c.machine.Resume(); err != nil {
			return false, err
		}

		c.belt.SetSpeed(c.speedMS)
		fmt.Fprintln(c.out, "Resumed")
	case "speed":
		c.speedMS, _ = strconv.ParseFloat(cmd.args[0], 64)

		if c.machine.Status().Phase != session.PhasePaused {
			c.belt.SetSpeed(c.speedMS)
		}
	case "solo":
		return false, c.machine.ContinueSolo()
	case "end":
		return false, c.machine.End()
	case "status":
		printView(c.out, c.machine.Status())
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "quit":
		return true, nil
	}

	return false, nil
}

// readLines feeds r's lines to the returned channel, which closes at EOF.
// The reader goroutine outlives ctx if r blocks; stdin is never closed.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)

	go func() {
		defer close(out)

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// formatEvent renders a session event for the terminal.
func formatEvent(ev session.Event) string {
	partner := ev.PeerName
	if partner == "" {
		partner = ev.PeerID
	}

	switch ev.Kind {
	case session.EventOfferReceived:
		return fmt.Sprintf("%s invites you to run (accept / decline)", partner)
	case session.EventCountdownTick:
		return fmt.Sprintf("Starting in %d...", ev.Countdown)
	case session.EventSessionStarted:
		return "Go!"
	case session.EventLeadChanged:
		switch ev.Leader {
		case session.LeaderLocal:
			return fmt.Sprintf("You lead by %s", formatDistance(ev.GapM))
		case session.LeaderPartner:
			return fmt.Sprintf("%s leads by %s", partner, formatDistance(ev.GapM))
		default:
			return "Neck and neck"
		}
	case session.EventPartnerDisconnectedExtended:
		return fmt.Sprintf("Lost %s for a while (solo to keep running alone, end to stop)", partner)
	case session.EventPartnerReconnected:
		return fmt.Sprintf("%s is back", partner)
	case session.EventPartnerFinished:
		return fmt.Sprintf("%s finished their run", partner)
	case session.EventPartnerPaused:
		return fmt.Sprintf("%s paused", partner)
	case session.EventPartnerResumed:
		return fmt.Sprintf("%s resumed", partner)
	case session.EventSessionDeclined:
		return fmt.Sprintf("Invitation not accepted (%s)", ev.Reason)
	case session.EventSessionEnded:
		if ev.Reason != "" {
			return fmt.Sprintf("Run ended (%s)", ev.Reason)
		}

		return "Run ended"
	default:
		return ev.Kind.String()
	}
}

// printView renders the current run.
func printView(w io.Writer, v session.View) {
	fmt.Fprintf(w, "Phase:    %s\n", v.Phase)

	if v.Phase == session.PhaseIdle {
		return
	}

	partner := v.PeerName
	if partner == "" {
		partner = v.PeerID
	}

	fmt.Fprintf(w, "Partner:  %s (%s)\n", partner, v.Partner.Status)

	if !v.Phase.Running() {
		return
	}

	fmt.Fprintf(w, "Elapsed:  %s\n", formatElapsed(v.Elapsed))
	fmt.Fprintf(w, "You:      %s at %s\n", formatDistance(v.DistanceM), formatPace(v.PaceSecPerKm))

	if v.Partner.Snapshot != nil {
		state := ""
		if v.PartnerFinished {
			state = " (finished)"
		}

		fmt.Fprintf(w, "Them:     %s%s\n", formatDistance(v.Partner.DistanceM), state)
	}

	if v.Solo {
		fmt.Fprintln(w, "Running solo")
	}

	if v.LowBattery {
		fmt.Fprintln(w, "Low battery: updates slowed")
	}
}
