package wire

import (
	"errors"
	"fmt"
	"time"
)

// SessionOffer invites the receiver to a run.
type SessionOffer struct {
	SessionID string `cbor:"1,keyasint"`
	FromID    string `cbor:"2,keyasint"`
	FromName  string `cbor:"3,keyasint,omitempty"`
}

func (*SessionOffer) Kind() Kind { return KindSessionOffer }

// PeerConfirmed accepts an offer and fixes the coordinated start instant.
type PeerConfirmed struct {
	SessionID string `cbor:"1,keyasint"`
	UserID    string `cbor:"2,keyasint"`
	StartAtMs int64  `cbor:"3,keyasint"`
}

func (*PeerConfirmed) Kind() Kind { return KindPeerConfirmed }

// StartAt returns the coordinated start instant.
func (c *PeerConfirmed) StartAt() time.Time {
	return time.UnixMilli(c.StartAtMs)
}

func (c *PeerConfirmed) validate() error {
	if c.StartAtMs <= 0 {
		return errors.New("missing start instant")
	}

	return nil
}

// End reasons carried by SessionEnded.
const (
	ReasonDeclined = "declined"
	ReasonTimeout  = "timeout"
	ReasonBusy     = "busy"
	ReasonEnded    = "ended"
)

// SessionEnded terminates (or refuses) a session. Final carries the sender's
// last stats when the run actually took place.
type SessionEnded struct {
	SessionID string    `cbor:"1,keyasint"`
	UserID    string    `cbor:"2,keyasint"`
	Reason    string    `cbor:"3,keyasint,omitempty"`
	Final     *Snapshot `cbor:"4,keyasint,omitempty"`
}

func (*SessionEnded) Kind() Kind { return KindSessionEnded }

func (e *SessionEnded) validate() error {
	if e.Final == nil {
		return nil
	}

	return validateFinal(e.UserID, e.Final)
}

// Pause tells the peer the sender paused.
type Pause struct {
	SessionID string `cbor:"1,keyasint"`
	UserID    string `cbor:"2,keyasint"`
	AtMs      int64  `cbor:"3,keyasint"`
}

func (*Pause) Kind() Kind { return KindPause }

// Resume tells the peer the sender resumed.
type Resume struct {
	SessionID string `cbor:"1,keyasint"`
	UserID    string `cbor:"2,keyasint"`
	AtMs      int64  `cbor:"3,keyasint"`
}

func (*Resume) Kind() Kind { return KindResume }

// Heartbeat keeps the connection status fresh while no snapshots flow.
type Heartbeat struct {
	SessionID string `cbor:"1,keyasint"`
	UserID    string `cbor:"2,keyasint"`
	SentAtMs  int64  `cbor:"3,keyasint"`
}

func (*Heartbeat) Kind() Kind { return KindHeartbeat }

// PartnerFinished tells the peer the sender is done with the run.
type PartnerFinished struct {
	SessionID string   `cbor:"1,keyasint"`
	UserID    string   `cbor:"2,keyasint"`
	Final     Snapshot `cbor:"3,keyasint"`
}

func (*PartnerFinished) Kind() Kind { return KindPartnerFinished }

func (f *PartnerFinished) validate() error {
	return validateFinal(f.UserID, &f.Final)
}

// validateFinal checks a final snapshot embedded in a lifecycle message. It
// must be well formed and come from the message's sender.
func validateFinal(sender string, s *Snapshot) error {
	if err := s.validate(); err != nil {
		return fmt.Errorf("final %w", err)
	}

	if s.UserID != sender {
		return fmt.Errorf("final snapshot from %q in message from %q", s.UserID, sender)
	}

	return nil
}
