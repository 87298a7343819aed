package reference

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"flightwatch/internal/storage"
)

// Change is one dataset entry that differs between two snapshots.
type Change struct {
	ICAO   string
	Name   string
	Fields []FieldChange
}

type FieldChange struct {
	Field string
	Old   string
	New   string
}

type Diff struct {
	Added   []Change
	Removed []Change
	Updated []Change
}

func (d Diff) HasChanges() bool {
	return len(d.Added)+len(d.Removed)+len(d.Updated) > 0
}

type entry struct {
	name   string
	fields map[string]string
}

func airportEntry(r storage.AirportRow) entry {
	name := r.Name
	if name == "" {
		name = r.ICAO
	}
	var extra []string
	for _, p := range []string{r.City, r.PlaceCode} {
		if p != "" {
			extra = append(extra, p)
		}
	}
	if r.Name != "" && len(extra) > 0 {
		name += " (" + strings.Join(extra, ", ") + ")"
	}
	return entry{name: name, fields: map[string]string{
		"iata":       r.IATA,
		"name":       r.Name,
		"city":       r.City,
		"place_code": r.PlaceCode,
		"lat":        fmtFloat(r.Lat),
		"lon":        fmtFloat(r.Lon),
	}}
}

func modelEntry(r storage.ModelRow) entry {
	name := strings.TrimSpace(r.Manufacturer + " " + r.Name)
	if name == "" {
		name = r.ICAO
	}
	return entry{name: name, fields: map[string]string{
		"manufacturer": r.Manufacturer,
		"name":         r.Name,
	}}
}

func fmtFloat(p *float64) string {
	if p == nil {
		return "null"
	}
	return fmt.Sprintf("%g", *p)
}

func DiffAirports(old, cur []storage.AirportRow) Diff {
	om := make(map[string]entry, len(old))
	for _, r := range old {
		om[norm(r.ICAO)] = airportEntry(r)
	}
	nm := make(map[string]entry, len(cur))
	for _, r := range cur {
		nm[norm(r.ICAO)] = airportEntry(r)
	}
	return diffMaps(om, nm)
}

func DiffModels(old, cur []storage.ModelRow) Diff {
	om := make(map[string]entry, len(old))
	for _, r := range old {
		om[norm(r.ICAO)] = modelEntry(r)
	}
	nm := make(map[string]entry, len(cur))
	for _, r := range cur {
		nm[norm(r.ICAO)] = modelEntry(r)
	}
	return diffMaps(om, nm)
}

func diffMaps(old, cur map[string]entry) Diff {
	var d Diff
	for _, k := range sortedKeys(cur) {
		n := cur[k]
		o, ok := old[k]
		if !ok {
			d.Added = append(d.Added, Change{ICAO: k, Name: n.name})
			continue
		}
		var fields []FieldChange
		for _, f := range sortedKeys(n.fields) {
			if o.fields[f] != n.fields[f] {
				fields = append(fields, FieldChange{Field: f, Old: o.fields[f], New: n.fields[f]})
			}
		}
		if len(fields) > 0 {
			d.Updated = append(d.Updated, Change{ICAO: k, Name: n.name, Fields: fields})
		}
	}
	for _, k := range sortedKeys(old) {
		if _, ok := cur[k]; !ok {
			d.Removed = append(d.Removed, Change{ICAO: k, Name: old[k].name})
		}
	}
	return d
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Changed reports whether any result for dataset carries changes.
func Changed(results []Result, dataset string) bool {
	for _, r := range results {
		if r.Dataset == dataset && r.Diff.HasChanges() {
			return true
		}
	}
	return false
}

// Changelog renders the refresh results as plain text. It returns "" when
// nothing changed.
func Changelog(results []Result) string {
	var (
		b  strings.Builder
		at time.Time
	)
	for _, r := range results {
		if !r.FetchedAt.IsZero() {
			at = r.FetchedAt
			break
		}
	}
	if at.IsZero() {
		at = time.Now()
	}
	changed := false
	fmt.Fprintf(&b, "Reference update (%s)\n", at.UTC().Format("2006-01-02 15:04 UTC"))
	for _, r := range results {
		if !r.Diff.HasChanges() {
			continue
		}
		changed = true
		label := "Airports"
		if r.Dataset == DatasetModels {
			label = "Models"
		}
		fmt.Fprintf(&b, "\n%s:\n", label)
		writeSection(&b, "NEW", r.Diff.Added)
		writeSection(&b, "UPDATED", r.Diff.Updated)
		writeSection(&b, "REMOVED", r.Diff.Removed)
	}
	if !changed {
		return ""
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeSection(b *strings.Builder, label string, items []Change) {
	fmt.Fprintf(b, "%s (%d)\n", label, len(items))
	if len(items) == 0 {
		b.WriteString("- (none)\n")
		return
	}
	for _, c := range items {
		fmt.Fprintf(b, "- %s - %s\n", c.ICAO, c.Name)
		for _, f := range c.Fields {
			fmt.Fprintf(b, "  - %s: %s -> %s\n", f.Field, f.Old, f.New)
		}
	}
}
