package reference

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"flightwatch/internal/storage"
)

// Payload is the reference endpoint's response body.
type Payload struct {
	UpdatedAt string
	Rows      []map[string]any
	Blacklist []string
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	var raw struct {
		UpdatedAt any              `json:"updatedAt"`
		Rows      []map[string]any `json:"rows"`
		Blacklist []any            `json:"blacklist"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.UpdatedAt != nil {
		p.UpdatedAt = str(raw.UpdatedAt)
	}
	p.Rows = raw.Rows
	for _, v := range raw.Blacklist {
		if v != nil {
			p.Blacklist = append(p.Blacklist, str(v))
		}
	}
	return nil
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func first(row map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(row[k]); s != "" {
			return s
		}
	}
	return ""
}

func float(row map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		switch t := row[k].(type) {
		case float64:
			v := t
			return &v
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

// ParseAirports keeps rows that carry an ICAO code.
func ParseAirports(p Payload) []storage.AirportRow {
	out := make([]storage.AirportRow, 0, len(p.Rows))
	for _, row := range p.Rows {
		icao := norm(first(row, "icao"))
		if icao == "" {
			continue
		}
		out = append(out, storage.AirportRow{
			ICAO:      icao,
			IATA:      norm(first(row, "iata")),
			Name:      first(row, "name"),
			City:      first(row, "city"),
			PlaceCode: norm(first(row, "place_code", "placeCode")),
			Lat:       float(row, "lat", "latitude"),
			Lon:       float(row, "lon", "lng", "longitude"),
		})
	}
	return out
}

// ParseModels drops rows without a code and codes on the blacklist.
func ParseModels(p Payload) []storage.ModelRow {
	black := make(map[string]bool, len(p.Blacklist))
	for _, b := range p.Blacklist {
		black[norm(b)] = true
	}
	out := make([]storage.ModelRow, 0, len(p.Rows))
	for _, row := range p.Rows {
		icao := norm(first(row, "icao", "id"))
		if icao == "" || black[icao] {
			continue
		}
		out = append(out, storage.ModelRow{
			ICAO:         icao,
			Manufacturer: first(row, "manufacturer"),
			Name:         first(row, "name"),
		})
	}
	return out
}
