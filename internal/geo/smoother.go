package geo

import (
	"fmt"
	"math"
)

// Activity selects a preset of smoothing parameters.
type Activity int

const (
	ActivityRun Activity = iota
	ActivityWalk
)

func (a Activity) String() string {
	switch a {
	case ActivityRun:
		return "run"
	case ActivityWalk:
		return "walk"
	default:
		return fmt.Sprintf("activity(%d)", int(a))
	}
}

// ParseActivity converts a config string into an Activity.
func ParseActivity(s string) (Activity, error) {
	switch s {
	case "run", "":
		return ActivityRun, nil
	case "walk":
		return ActivityWalk, nil
	default:
		return 0, fmt.Errorf("geo: unknown activity %q", s)
	}
}

// Params controls the Kalman filter. ProcessNoiseMPS is how fast (in meters
// per second) the true position is expected to drift between fixes; larger
// values trust new fixes more. MinAccuracyM floors the reported accuracy so
// an over-confident sensor cannot pin the estimate.
type Params struct {
	ProcessNoiseMPS float64
	MinAccuracyM    float64
}

// ParamsFor returns the smoothing preset for an activity. Walkers drift
// slower than runners, so the walk preset uses lower process noise.
func ParamsFor(a Activity) Params {
	if a == ActivityWalk {
		return Params{ProcessNoiseMPS: 1.5, MinAccuracyM: 3}
	}

	return Params{ProcessNoiseMPS: 3, MinAccuracyM: 3}
}

// State is the filter estimate. The zero value means "no estimate yet";
// the first fix initializes it.
type State struct {
	Lat       float64
	Lon       float64
	AtMs      int64
	VarianceM float64 // squared meters; 0 means uninitialized
}

// Valid reports whether the state holds an estimate.
func (s State) Valid() bool {
	return s.VarianceM > 0
}

// AccuracyM returns the one-sigma accuracy of the current estimate.
func (s State) AccuracyM() float64 {
	return math.Sqrt(s.VarianceM)
}

// Smooth folds one fix into the estimate and returns the new state. Fixes
// older than the current estimate still update position but do not move the
// clock backwards.
func Smooth(s State, f Fix, p Params) State {
	acc := f.AccuracyM
	if acc < p.MinAccuracyM {
		acc = p.MinAccuracyM
	}

	measVar := acc * acc

	if !s.Valid() {
		return State{Lat: f.Lat, Lon: f.Lon, AtMs: f.AtMs, VarianceM: measVar}
	}

	if dt := f.AtMs - s.AtMs; dt > 0 {
		seconds := float64(dt) / 1000
		s.VarianceM += seconds * p.ProcessNoiseMPS * p.ProcessNoiseMPS
		s.AtMs = f.AtMs
	}

	k := s.VarianceM / (s.VarianceM + measVar)
	s.Lat += k * (f.Lat - s.Lat)
	s.Lon += k * (f.Lon - s.Lon)
	s.VarianceM = (1 - k) * s.VarianceM

	return s
}

// SmoothEMA blends next into prev with weight alpha in (0, 1]. A zero prev
// is treated as "no history" and returns next unchanged.
func SmoothEMA(prev, next, alpha float64) float64 {
	if prev == 0 || alpha >= 1 {
		return next
	}

	if alpha <= 0 {
		return prev
	}

	return alpha*next + (1-alpha)*prev
}
