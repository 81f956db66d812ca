package wire

import (
	"errors"
	"time"
)

// MinPaceSecPerKm is the fastest pace a snapshot may report (60 km/h).
// Anything quicker is a sensor fault and would project the partner far
// ahead between updates.
const MinPaceSecPerKm = 60.0

// Snapshot is one participant's run metrics at an instant. Seq increases by
// one per published snapshot from the same sender; receivers order by Seq,
// never by arrival time.
type Snapshot struct {
	UserID             string   `cbor:"1,keyasint" json:"userId"`
	DistanceM          float64  `cbor:"2,keyasint" json:"distanceM"`
	DurationS          float64  `cbor:"3,keyasint" json:"durationS"`
	PaceSecPerKm       *float64 `cbor:"4,keyasint,omitempty" json:"paceSecPerKm,omitempty"`
	HeartRateBpm       *int     `cbor:"5,keyasint,omitempty" json:"heartRateBpm,omitempty"`
	Lat                *float64 `cbor:"6,keyasint,omitempty" json:"lat,omitempty"`
	Lon                *float64 `cbor:"7,keyasint,omitempty" json:"lon,omitempty"`
	Seq                uint64   `cbor:"8,keyasint" json:"seq"`
	ClientRecordedAtMs int64    `cbor:"9,keyasint" json:"clientRecordedAt"`
	ServerReceivedAtMs *int64   `cbor:"10,keyasint,omitempty" json:"serverReceivedAt,omitempty"`
	IsPaused           bool     `cbor:"11,keyasint,omitempty" json:"isPaused"`
}

func (*Snapshot) Kind() Kind { return KindSnapshot }

// RecordedAt returns the capture time on the sender's clock.
func (s *Snapshot) RecordedAt() time.Time {
	return time.UnixMilli(s.ClientRecordedAtMs)
}

// Pace returns the pace in seconds per kilometer, or 0 when unknown.
func (s *Snapshot) Pace() float64 {
	if s.PaceSecPerKm == nil {
		return 0
	}

	return *s.PaceSecPerKm
}

func (s *Snapshot) validate() error {
	switch {
	case s.UserID == "":
		return errors.New("snapshot without user id")
	case s.Seq == 0:
		return errors.New("snapshot without sequence number")
	case !finite(s.DistanceM) || s.DistanceM < 0:
		return errors.New("snapshot distance out of range")
	case !finite(s.DurationS) || s.DurationS < 0:
		return errors.New("snapshot duration out of range")
	case s.PaceSecPerKm != nil && !validPace(*s.PaceSecPerKm):
		return errors.New("snapshot pace out of range")
	}

	return nil
}

// validPace accepts 0 (standing still) or a finite pace no faster than
// MinPaceSecPerKm.
func validPace(p float64) bool {
	return p == 0 || (finite(p) && p >= MinPaceSecPerKm)
}

// Float is a convenience for filling optional fields.
func Float(v float64) *float64 {
	return &v
}

// Int is a convenience for filling optional fields.
func Int(v int) *int {
	return &v
}
