package fr24

import (
	"net/url"
	"strings"

	"flightwatch/internal/flight"
)

// Encoding renders a list of codes into query parameters. Strategies for a
// kind are tried in order while the API rejects the parameters.
type Encoding struct {
	Name   string
	Encode func(codes []string) url.Values
}

func listParam(name string) func([]string) url.Values {
	return func(codes []string) url.Values {
		return url.Values{name: {strings.Join(codes, ",")}}
	}
}

var (
	aircraftEncodings = []Encoding{
		{Name: "list", Encode: listParam("aircraft")},
	}
	registrationEncodings = []Encoding{
		{Name: "list", Encode: listParam("registrations")},
	}
	airportEncodings = []Encoding{
		{Name: "per-value", Encode: func(codes []string) url.Values {
			parts := make([]string, len(codes))
			for i, c := range codes {
				parts[i] = "inbound:" + c
			}
			return url.Values{"airports": {strings.Join(parts, ",")}}
		}},
		{Name: "shared-direction", Encode: func(codes []string) url.Values {
			return url.Values{"airports": {"inbound:" + strings.Join(codes, ",")}}
		}},
	}
)

func Encodings(kind flight.Kind) []Encoding {
	switch kind {
	case flight.KindAircraft:
		return aircraftEncodings
	case flight.KindRegistration:
		return registrationEncodings
	case flight.KindAirport:
		return airportEncodings
	}
	return nil
}
