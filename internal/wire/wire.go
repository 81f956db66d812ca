// Package wire defines the peer message schema: a versioned envelope whose
// payload is one of a closed set of message kinds, encoded as CBOR with
// integer keys to keep radio frames small.
package wire

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Version is the schema version stamped on every envelope. Receivers reject
// envelopes from a newer major schema instead of guessing at their layout.
const Version uint8 = 1

// ErrDecodeFailed marks a malformed or unsupported frame. Receivers log and
// drop these; they never abort the pipeline.
var ErrDecodeFailed = errors.New("wire: decode failed")

// Kind names the payload carried by an envelope.
type Kind string

// Message kinds exchanged between the two devices.
const (
	KindSessionOffer    Kind = "sessionOffer"
	KindPeerConfirmed   Kind = "peerConfirmed"
	KindSessionEnded    Kind = "sessionEnded"
	KindPause           Kind = "pause"
	KindResume          Kind = "resume"
	KindHeartbeat       Kind = "heartbeat"
	KindSnapshot        Kind = "snapshot"
	KindPartnerFinished Kind = "partnerFinished"
)

// IsCritical reports whether losing a message of this kind would leave the
// peer in the wrong lifecycle phase. Queues evict critical kinds last.
func IsCritical(k Kind) bool {
	switch k {
	case KindSessionEnded, KindPause, KindResume, KindPeerConfirmed:
		return true
	default:
		return false
	}
}

// Envelope is the unit carried by every transport path. ID is unique per
// logical message so a receiver can drop the copy that arrives over the
// second delivery path.
type Envelope struct {
	V         uint8  `cbor:"1,keyasint"`
	ID        string `cbor:"2,keyasint"`
	Kind      Kind   `cbor:"3,keyasint"`
	SessionID string `cbor:"4,keyasint,omitempty"`
	SentAtMs  int64  `cbor:"5,keyasint,omitempty"`
	Payload   []byte `cbor:"6,keyasint,omitempty"`
}

// Message is implemented by every payload type.
type Message interface {
	Kind() Kind
}

// New wraps a message in a fresh envelope with a random ID.
func New(sessionID string, m Message, now time.Time) (Envelope, error) {
	payload, err := cbor.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encoding %s payload: %w", m.Kind(), err)
	}

	return Envelope{
		V:         Version,
		ID:        uuid.NewString(),
		Kind:      m.Kind(),
		SessionID: sessionID,
		SentAtMs:  now.UnixMilli(),
		Payload:   payload,
	}, nil
}

// Marshal encodes an envelope into a frame.
func Marshal(e Envelope) ([]byte, error) {
	data, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding envelope: %w", err)
	}

	return data, nil
}

// Unmarshal decodes a frame into an envelope and checks the header. The
// payload is left encoded; call Decode to obtain the typed message.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	if e.V == 0 || e.V > Version {
		return Envelope{}, fmt.Errorf("%w: unsupported schema version %d", ErrDecodeFailed, e.V)
	}

	if e.ID == "" || e.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: envelope missing id or kind", ErrDecodeFailed)
	}

	return e, nil
}

// Decode returns the typed payload of the envelope.
func (e Envelope) Decode() (Message, error) {
	var m Message

	switch e.Kind {
	case KindSessionOffer:
		m = &SessionOffer{}
	case KindPeerConfirmed:
		m = &PeerConfirmed{}
	case KindSessionEnded:
		m = &SessionEnded{}
	case KindPause:
		m = &Pause{}
	case KindResume:
		m = &Resume{}
	case KindHeartbeat:
		m = &Heartbeat{}
	case KindSnapshot:
		m = &Snapshot{}
	case KindPartnerFinished:
		m = &PartnerFinished{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrDecodeFailed, e.Kind)
	}

	if err := cbor.Unmarshal(e.Payload, m); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %w", ErrDecodeFailed, e.Kind, err)
	}

	if v, ok := m.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %w", ErrDecodeFailed, e.Kind, err)
		}
	}

	return m, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
