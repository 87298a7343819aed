package flight

import (
	"fmt"
	"strings"
)

// AirportCodeType is how a subscription's airport code is resolved.
type AirportCodeType int

const (
	CodeUnknown AirportCodeType = iota
	CodeCountry                 // 2 letters, a country filter, never batched
	CodeIATA                    // 3 letters
	CodeICAO                    // 4 letters
)

func ClassifyAirportCode(code string) AirportCodeType {
	switch len(strings.TrimSpace(code)) {
	case 2:
		return CodeCountry
	case 3:
		return CodeIATA
	case 4:
		return CodeICAO
	}
	return CodeUnknown
}

// Batchable reports whether the code may share a request with others.
func (t AirportCodeType) Batchable() bool { return t == CodeIATA || t == CodeICAO }

// NormalizeCode validates and canonicalizes a subscription code.
func NormalizeCode(kind Kind, code string) (string, error) {
	value := strings.ToUpper(strings.TrimSpace(code))
	if len(value) < 2 {
		return "", fmt.Errorf("code %q is too short", code)
	}
	switch kind {
	case KindAircraft, KindAirport:
		return value, nil
	case KindRegistration:
		cleaned := strings.ReplaceAll(value, " ", "")
		if len(cleaned) < 2 {
			return "", fmt.Errorf("registration %q is too short", code)
		}
		for _, r := range cleaned {
			if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return "", fmt.Errorf("registration %q contains %q", code, r)
			}
		}
		return cleaned, nil
	}
	return "", fmt.Errorf("unknown subscription kind %q", kind)
}
