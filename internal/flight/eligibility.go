package flight

import (
	"math"
	"time"
)

// Airport is a resolved reference airport.
type Airport struct {
	ICAO string
	IATA string
	Name string
	City string

	Lat         float64
	Lon         float64
	HasPosition bool
}

// Codes returns the non-empty aliases of the airport.
func (a Airport) Codes() []string {
	var out []string
	if a.ICAO != "" {
		out = append(out, a.ICAO)
	}
	if a.IATA != "" && a.IATA != a.ICAO {
		out = append(out, a.IATA)
	}
	return out
}

// Thresholds parameterize the arrival heuristic.
type Thresholds struct {
	// An event is on-ground-like when altitude, ground speed and vertical
	// speed are all within these bounds.
	GroundAltitudeFt  float64
	GroundSpeedKt     float64
	GroundVerticalFpm float64

	// FarFromDestinationKm or more away from the matched airport is eligible.
	FarFromDestinationKm float64
	// An ETA at least this far in the future marks a stale ground record.
	StaleETA time.Duration

	// Altitude and ground speed below this are "stationary-zero".
	ZeroTolerance float64

	// TurnaroundRequiresMotion suppresses turnarounds that are
	// stationary-zero. When false every turnaround is eligible.
	TurnaroundRequiresMotion bool
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		GroundAltitudeFt:         200,
		GroundSpeedKt:            30,
		GroundVerticalFpm:        200,
		FarFromDestinationKm:     10,
		StaleETA:                 30 * time.Minute,
		ZeroTolerance:            1,
		TurnaroundRequiresMotion: true,
	}
}

// Decision is the heuristic's verdict plus the rule that produced it.
type Decision struct {
	Eligible bool
	Reason   string
}

// AliasFunc expands an airport code to all of its aliases.
type AliasFunc func(code string) []string

func value(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// StationaryZero reports altitude and ground speed both about zero.
// Missing values count as zero.
func (t Thresholds) StationaryZero(f Flight) bool {
	return math.Abs(value(f.AltitudeFt)) < t.ZeroTolerance && math.Abs(value(f.GroundSpeedKt)) < t.ZeroTolerance
}

func (t Thresholds) OnGroundLike(f Flight) bool {
	return value(f.AltitudeFt) <= t.GroundAltitudeFt &&
		value(f.GroundSpeedKt) <= t.GroundSpeedKt &&
		math.Abs(value(f.VerticalSpeedFpm)) <= t.GroundVerticalFpm
}

func (t Thresholds) farEnough(km float64) bool { return km >= t.FarFromDestinationKm }

func (t Thresholds) staleETA(eta, now time.Time) bool {
	return !eta.IsZero() && eta.Sub(now) >= t.StaleETA
}

// Arrival decides whether an inbound event matched to dest is worth a
// notification. dest may be nil when the airport could not be resolved, in
// which case the distance rule is skipped.
func (t Thresholds) Arrival(f Flight, dest *Airport, aliases AliasFunc, now time.Time) Decision {
	if turnaround(f, aliases) {
		if t.TurnaroundRequiresMotion && t.StationaryZero(f) {
			return Decision{false, "turnaround stationary"}
		}
		return Decision{true, "turnaround"}
	}
	if !t.OnGroundLike(f) {
		return Decision{true, "airborne"}
	}
	if dest != nil && dest.HasPosition {
		if lat, lon, ok := f.Position(); ok && t.farEnough(DistanceKm(lat, lon, dest.Lat, dest.Lon)) {
			return Decision{true, "far from destination"}
		}
	}
	if t.staleETA(f.ETA, now) {
		return Decision{true, "stale ground record"}
	}
	return Decision{false, "at destination"}
}

// Tracked decides eligibility for aircraft and registration watches.
func (t Thresholds) Tracked(f Flight) Decision {
	if f.Registration == "" {
		return Decision{false, "no registration"}
	}
	if t.StationaryZero(f) {
		return Decision{false, "stationary"}
	}
	return Decision{true, "moving"}
}

func turnaround(f Flight, aliases AliasFunc) bool {
	expand := func(codes []string) map[string]bool {
		set := map[string]bool{}
		for _, c := range codes {
			set[c] = true
			if aliases != nil {
				for _, a := range aliases(c) {
					set[a] = true
				}
			}
		}
		return set
	}
	origin := expand(f.OriginCodes())
	if len(origin) == 0 {
		return false
	}
	for c := range expand(f.DestinationCodes()) {
		if origin[c] {
			return true
		}
	}
	return false
}

const earthRadiusKm = 6371.0088

// DistanceKm is the great-circle (haversine) distance between two points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}
