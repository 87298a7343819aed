// Package flight normalizes provider position records and holds the
// per-event rules: identity, eligibility and code validation.
package flight

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Kind is what a subscription watches.
type Kind string

const (
	KindAircraft     Kind = "aircraft"
	KindAirport      Kind = "airport"
	KindRegistration Kind = "registration"
)

func (k Kind) Valid() bool {
	switch k {
	case KindAircraft, KindAirport, KindRegistration:
		return true
	}
	return false
}

func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	return k, k.Valid()
}

// Pick lists for provider record fields, most specific first.
var (
	idKeys           = []string{"flight_id", "id", "fr24_id", "uuid"}
	callsignKeys     = []string{"callsign"}
	flightNumberKeys = []string{"flight", "flight_number", "flight_number_iata", "flight_number_icao"}
	registrationKeys = []string{"reg", "registration"}
	typeKeys         = []string{"type", "aircraft_type", "aircraft_code", "ac_type", "model"}
	originKeys       = []string{"orig_iata", "origin_iata", "orig_icao", "origin_icao", "origin"}
	destinationKeys  = []string{"dest_iata", "destination_iata", "dest_icao", "destination_icao", "destination"}
	latKeys          = []string{"lat", "latitude"}
	lonKeys          = []string{"lon", "lng", "longitude"}
	altitudeKeys     = []string{"alt", "altitude", "altitude_ft"}
	speedKeys        = []string{"gspeed", "ground_speed", "speed", "speed_kts"}
	vspeedKeys       = []string{"vspeed", "vertical_speed", "vertical_rate"}
	headingKeys      = []string{"track", "heading", "direction"}
	etaKeys          = []string{"eta", "estimated_arrival", "eta_utc"}
)

// Flight is a provider record with the fields the engine reads pulled out.
// Raw keeps the original record for identity hashing and rendering.
type Flight struct {
	ID           string
	Callsign     string
	FlightNumber string
	Registration string
	AircraftType string

	Origin      string
	Destination string

	Lat              *float64
	Lon              *float64
	AltitudeFt       *float64
	GroundSpeedKt    *float64
	VerticalSpeedFpm *float64
	Heading          *float64

	ETA       time.Time
	ETARaw    string
	Timestamp string

	Raw map[string]any
}

// FromRecord normalizes one provider record.
func FromRecord(raw map[string]any) Flight {
	f := Flight{
		ID:           pickString(raw, idKeys),
		Callsign:     pickString(raw, callsignKeys),
		FlightNumber: pickString(raw, flightNumberKeys),
		Registration: strings.ToUpper(pickString(raw, registrationKeys)),
		AircraftType: strings.ToUpper(pickString(raw, typeKeys)),
		Origin:       strings.ToUpper(pickString(raw, originKeys)),
		Destination:  strings.ToUpper(pickString(raw, destinationKeys)),

		Lat:              pickFloat(raw, latKeys),
		Lon:              pickFloat(raw, lonKeys),
		AltitudeFt:       pickFloat(raw, altitudeKeys),
		GroundSpeedKt:    pickFloat(raw, speedKeys),
		VerticalSpeedFpm: pickFloat(raw, vspeedKeys),
		Heading:          pickFloat(raw, headingKeys),

		Timestamp: pickString(raw, []string{"timestamp"}),
		Raw:       raw,
	}
	for _, k := range etaKeys {
		if v, ok := raw[k]; ok && !emptyValue(v) {
			f.ETARaw = stringify(v)
			f.ETA, _ = ParseETA(v)
			break
		}
	}
	return f
}

// OriginCodes returns every distinct origin code carried by the record.
func (f Flight) OriginCodes() []string { return codesFor(f.Raw, originKeys, f.Origin) }

// DestinationCodes returns every distinct destination code carried by the record.
func (f Flight) DestinationCodes() []string {
	return codesFor(f.Raw, destinationKeys, f.Destination)
}

func (f Flight) Position() (lat, lon float64, ok bool) {
	if f.Lat == nil || f.Lon == nil {
		return 0, 0, false
	}
	return *f.Lat, *f.Lon, true
}

// Field returns the first non-empty raw value among keys as a string.
func (f Flight) Field(keys ...string) string { return pickString(f.Raw, keys) }

func codesFor(raw map[string]any, keys []string, fallback string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, k := range keys {
		if v, ok := raw[k]; ok && !emptyValue(v) {
			add(stringify(v))
		}
	}
	add(fallback)
	return out
}

func pickString(raw map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || emptyValue(v) {
			continue
		}
		if s := strings.TrimSpace(stringify(v)); s != "" {
			return s
		}
	}
	return ""
}

func pickFloat(raw map[string]any, keys []string) *float64 {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if f, ok := toFloat(v); ok {
			return &f
		}
	}
	return nil
}

// emptyValue mirrors "falsy" provider values: nil, "", 0, false.
func emptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case bool:
		return !x
	case float64:
		return x == 0
	case int:
		return x == 0
	case int64:
		return x == 0
	case json.Number:
		return x == "" || x == "0"
	}
	return false
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

var etaLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// ParseETA accepts ISO-8601 strings (zone-less values are UTC) and unix
// timestamps in seconds or milliseconds.
func ParseETA(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range etaLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return time.Time{}, false
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	return time.Unix(int64(f), 0).UTC(), true
}
