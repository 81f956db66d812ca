package session

import "time"

// EventKind names a user-facing notification.
type EventKind int

const (
	EventOfferReceived EventKind = iota + 1
	EventCountdownTick
	EventSessionStarted
	EventLeadChanged
	EventPartnerDisconnectedExtended
	EventPartnerReconnected
	EventPartnerFinished
	EventPartnerPaused
	EventPartnerResumed
	EventSessionDeclined
	EventSessionEnded
)

var eventNames = map[EventKind]string{
	EventOfferReceived:               "offer-received",
	EventCountdownTick:               "countdown-tick",
	EventSessionStarted:              "session-started",
	EventLeadChanged:                 "lead-changed",
	EventPartnerDisconnectedExtended: "partner-disconnected-extended",
	EventPartnerReconnected:          "partner-reconnected",
	EventPartnerFinished:             "partner-finished",
	EventPartnerPaused:               "partner-paused",
	EventPartnerResumed:              "partner-resumed",
	EventSessionDeclined:             "session-declined",
	EventSessionEnded:                "session-ended",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}

	return "unknown"
}

// Event is emitted for the presentation layer. Fields beyond Kind,
// SessionID and At are set only where relevant to the kind.
type Event struct {
	Kind      EventKind
	SessionID string
	At        time.Time

	PeerID    string
	PeerName  string
	Countdown int     // countdown-tick: seconds remaining
	Leader    Leader  // lead-changed
	GapM      float64 // lead-changed: |local - partner|
	Reason    string  // session-declined, session-ended
}
