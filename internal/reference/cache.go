// Package reference keeps the airport and aircraft model datasets in
// memory and refreshes them from the reference endpoint.
package reference

import (
	"sort"
	"strings"
	"sync"

	"flightwatch/internal/flight"
	"flightwatch/internal/storage"
)

// Model is an aircraft type from the models dataset.
type Model struct {
	ICAO         string
	Manufacturer string
	Name         string
}

func (m Model) Label() string {
	details := strings.TrimSpace(m.Manufacturer + " " + m.Name)
	if details == "" {
		return m.ICAO
	}
	return m.ICAO + " - " + details
}

// Cache is safe for concurrent use. Lookups are case-insensitive.
type Cache struct {
	mu       sync.RWMutex
	airports []storage.AirportRow
	byICAO   map[string]storage.AirportRow
	byIATA   map[string]storage.AirportRow
	models   map[string]Model
}

func NewCache() *Cache {
	return &Cache{
		byICAO: map[string]storage.AirportRow{},
		byIATA: map[string]storage.AirportRow{},
		models: map[string]Model{},
	}
}

func norm(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

// SetAirports replaces the airport index. The first row wins an IATA collision.
func (c *Cache) SetAirports(rows []storage.AirportRow) {
	sorted := make([]storage.AirportRow, 0, len(rows))
	for _, r := range rows {
		r.ICAO = norm(r.ICAO)
		r.IATA = norm(r.IATA)
		if r.ICAO == "" {
			continue
		}
		sorted = append(sorted, r)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ICAO < sorted[j].ICAO })

	byICAO := make(map[string]storage.AirportRow, len(sorted))
	byIATA := make(map[string]storage.AirportRow, len(sorted))
	for _, r := range sorted {
		byICAO[r.ICAO] = r
		if r.IATA != "" {
			if _, dup := byIATA[r.IATA]; !dup {
				byIATA[r.IATA] = r
			}
		}
	}

	c.mu.Lock()
	c.airports = sorted
	c.byICAO = byICAO
	c.byIATA = byIATA
	c.mu.Unlock()
}

func (c *Cache) SetModels(rows []storage.ModelRow) {
	m := make(map[string]Model, len(rows))
	for _, r := range rows {
		code := norm(r.ICAO)
		if code == "" {
			continue
		}
		m[code] = Model{ICAO: code, Manufacturer: strings.TrimSpace(r.Manufacturer), Name: strings.TrimSpace(r.Name)}
	}
	c.mu.Lock()
	c.models = m
	c.mu.Unlock()
}

func (c *Cache) AirportCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.airports)
}

func (c *Cache) ModelCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}

// ResolveAirport looks up a code: 4 letters as ICAO, 3 letters as IATA.
// Anything else, including 2-letter country codes, is not found.
func (c *Cache) ResolveAirport(code string) (flight.Airport, bool) {
	row, ok := c.AirportRecord(code)
	if !ok {
		return flight.Airport{}, false
	}
	return toAirport(row), true
}

// AirportRecord is ResolveAirport returning the stored row.
func (c *Cache) AirportRecord(code string) (storage.AirportRow, bool) {
	code = norm(code)
	c.mu.RLock()
	defer c.mu.RUnlock()
	var (
		row storage.AirportRow
		ok  bool
	)
	switch len(code) {
	case 4:
		row, ok = c.byICAO[code]
	case 3:
		row, ok = c.byIATA[code]
	}
	return row, ok
}

// Aliases expands code to every code naming the same airport. Unknown codes
// expand to themselves.
func (c *Cache) Aliases(code string) []string {
	if a, ok := c.ResolveAirport(code); ok {
		return a.Codes()
	}
	if code = norm(code); code != "" {
		return []string{code}
	}
	return nil
}

func (c *Cache) Model(code string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[norm(code)]
	return m, ok
}

// SearchAirports returns up to limit airports whose codes, name or city
// contain query.
func (c *Cache) SearchAirports(query string, limit int) []flight.Airport {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	if limit <= 0 {
		limit = 25
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []flight.Airport
	for _, r := range c.airports {
		key := strings.ToLower(strings.Join([]string{r.ICAO, r.IATA, r.Name, r.City, r.PlaceCode}, " "))
		if strings.Contains(key, q) {
			out = append(out, toAirport(r))
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

func toAirport(r storage.AirportRow) flight.Airport {
	a := flight.Airport{ICAO: r.ICAO, IATA: r.IATA, Name: r.Name, City: r.City}
	if r.Lat != nil && r.Lon != nil {
		a.Lat, a.Lon, a.HasPosition = *r.Lat, *r.Lon, true
	}
	return a
}
