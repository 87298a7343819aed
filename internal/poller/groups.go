package poller

import (
	"strings"

	"flightwatch/internal/flight"
	"flightwatch/internal/storage"
)

// Resolver is the reference lookup the orchestrator needs.
type Resolver interface {
	ResolveAirport(code string) (flight.Airport, bool)
	Aliases(code string) []string
}

// Group is every subscription sharing (kind, code).
type Group struct {
	Kind flight.Kind
	Code string
	// RequestCode is what is sent to the provider; the canonical ICAO for
	// resolved airports, otherwise Code.
	RequestCode string
	// MatchCodes are the codes an event may carry to belong to the group.
	MatchCodes map[string]bool
	// Airport is set for airport groups whose code resolved.
	Airport *flight.Airport
	Subs    []storage.Subscription
}

// Guilds returns the distinct guilds in subscription order.
func (g *Group) Guilds() []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, s := range g.Subs {
		if !seen[s.GuildID] {
			seen[s.GuildID] = true
			out = append(out, s.GuildID)
		}
	}
	return out
}

func (g *Group) guildSubs(guild int64) []storage.Subscription {
	var out []storage.Subscription
	for _, s := range g.Subs {
		if s.GuildID == guild {
			out = append(out, s)
		}
	}
	return out
}

// Matches reports whether f belongs to the group when it came back from a
// multi-code request.
func (g *Group) Matches(f flight.Flight) bool {
	var codes []string
	switch g.Kind {
	case flight.KindAircraft:
		codes = []string{f.AircraftType}
	case flight.KindRegistration:
		codes = []string{compactReg(f.Registration)}
	case flight.KindAirport:
		codes = f.DestinationCodes()
	}
	for _, c := range codes {
		if c != "" && g.MatchCodes[strings.ToUpper(c)] {
			return true
		}
	}
	return false
}

func compactReg(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
}

// BuildGroups partitions subs by (kind, code) in first-seen order.
// Subscriptions with an unknown kind are dropped.
func BuildGroups(subs []storage.Subscription, ref Resolver) []*Group {
	type key struct {
		kind flight.Kind
		code string
	}
	index := map[key]*Group{}
	var out []*Group
	for _, s := range subs {
		if !s.Kind.Valid() {
			continue
		}
		code := strings.ToUpper(strings.TrimSpace(s.Code))
		k := key{s.Kind, code}
		g, ok := index[k]
		if !ok {
			g = newGroup(s.Kind, code, ref)
			index[k] = g
			out = append(out, g)
		}
		g.Subs = append(g.Subs, s)
	}
	return out
}

func newGroup(kind flight.Kind, code string, ref Resolver) *Group {
	g := &Group{Kind: kind, Code: code, RequestCode: code, MatchCodes: map[string]bool{code: true}}
	switch kind {
	case flight.KindRegistration:
		g.MatchCodes[compactReg(code)] = true
	case flight.KindAirport:
		if !flight.ClassifyAirportCode(code).Batchable() || ref == nil {
			break
		}
		if a, ok := ref.ResolveAirport(code); ok {
			g.Airport = &a
			if a.ICAO != "" {
				g.RequestCode = a.ICAO
			}
			for _, c := range a.Codes() {
				g.MatchCodes[c] = true
			}
		}
		for _, c := range ref.Aliases(code) {
			g.MatchCodes[strings.ToUpper(c)] = true
		}
	}
	return g
}

// Request is one provider call covering Codes of a single kind.
type Request struct {
	Kind  flight.Kind
	Codes []string
}

type BatchSizes struct {
	Aircraft     int
	Registration int
	Airport      int
}

// PlanRequests chunks the distinct request codes into batches: aircraft,
// then registrations, then batchable airports, then country codes one per
// request.
func PlanRequests(groups []*Group, sizes BatchSizes) []Request {
	var (
		aircraft, regs, airports, countries []string
		seen                                = map[string]bool{}
	)
	for _, g := range groups {
		k := string(g.Kind) + ":" + g.RequestCode
		if seen[k] {
			continue
		}
		seen[k] = true
		switch g.Kind {
		case flight.KindAircraft:
			aircraft = append(aircraft, g.RequestCode)
		case flight.KindRegistration:
			regs = append(regs, g.RequestCode)
		case flight.KindAirport:
			if flight.ClassifyAirportCode(g.RequestCode).Batchable() {
				airports = append(airports, g.RequestCode)
			} else {
				countries = append(countries, g.RequestCode)
			}
		}
	}

	var out []Request
	out = appendChunks(out, flight.KindAircraft, aircraft, sizes.Aircraft)
	out = appendChunks(out, flight.KindRegistration, regs, sizes.Registration)
	out = appendChunks(out, flight.KindAirport, airports, sizes.Airport)
	out = appendChunks(out, flight.KindAirport, countries, 1)
	return out
}

func appendChunks(out []Request, kind flight.Kind, codes []string, size int) []Request {
	if size <= 0 {
		size = len(codes)
	}
	for i := 0; i < len(codes); i += size {
		end := min(i+size, len(codes))
		out = append(out, Request{Kind: kind, Codes: codes[i:end]})
	}
	return out
}

// targets returns the groups a request was made for.
func targets(groups []*Group, req Request) []*Group {
	want := make(map[string]bool, len(req.Codes))
	for _, c := range req.Codes {
		want[c] = true
	}
	var out []*Group
	for _, g := range groups {
		if g.Kind == req.Kind && want[g.RequestCode] {
			out = append(out, g)
		}
	}
	return out
}

// Assignment is the flights a request returned for one group.
type Assignment struct {
	Group   *Group
	Flights []flight.Flight
}

// Demux assigns each flight to the groups it belongs to, in group order.
// A single-code request belongs wholly to its targets.
func Demux(groups []*Group, req Request, flights []flight.Flight) []Assignment {
	var out []Assignment
	for _, g := range targets(groups, req) {
		a := Assignment{Group: g}
		for _, f := range flights {
			if len(req.Codes) == 1 || g.Matches(f) {
				a.Flights = append(a.Flights, f)
			}
		}
		if len(a.Flights) > 0 {
			out = append(out, a)
		}
	}
	return out
}
