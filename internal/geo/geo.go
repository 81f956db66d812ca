// Package geo smooths noisy position fixes and measures distances between
// them. Everything here is a pure function of its inputs: no clocks, no I/O.
package geo

import "math"

// earthRadiusM is the mean Earth radius used by the haversine formula.
const earthRadiusM = 6_371_000.0

// Fix is a single raw position reading from the location sensor.
// AccuracyM is the reported horizontal accuracy radius (68% confidence).
// AtMs is the capture time in Unix milliseconds.
type Fix struct {
	Lat       float64
	Lon       float64
	AccuracyM float64
	AtMs      int64
}

// DistanceM returns the great-circle distance in meters between two points
// given in decimal degrees.
func DistanceM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)

	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Odometer accumulates distance along a sequence of smoothed positions.
// Steps shorter than the estimate's accuracy are held back so a stationary
// runner does not accumulate distance from jitter.
type Odometer struct {
	TotalM  float64
	lastLat float64
	lastLon float64
	started bool
}

// Advance returns the odometer after moving to s.
func Advance(o Odometer, s State) Odometer {
	if !s.Valid() {
		return o
	}

	if !o.started {
		return Odometer{TotalM: o.TotalM, lastLat: s.Lat, lastLon: s.Lon, started: true}
	}

	step := DistanceM(o.lastLat, o.lastLon, s.Lat, s.Lon)
	if step < s.AccuracyM() {
		return o
	}

	o.TotalM += step
	o.lastLat = s.Lat
	o.lastLon = s.Lon

	return o
}
