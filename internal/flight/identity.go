package flight

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Identity derives the key the notification ledger dedups on: the provider
// id when present, else callsign|flight|origin|destination|timestamp over
// the non-empty parts, else a short hash of the canonical record.
func Identity(f Flight) string {
	if f.ID != "" {
		return f.ID
	}
	var parts []string
	for _, p := range []string{
		f.Callsign,
		pickString(f.Raw, []string{"flight_number", "flight"}),
		pickString(f.Raw, []string{"origin", "orig_icao", "orig_iata"}),
		pickString(f.Raw, []string{"destination", "dest_icao", "dest_iata"}),
		f.Timestamp,
	} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "|")
	}
	// encoding/json writes map keys sorted, which makes this canonical.
	payload, err := json.Marshal(f.Raw)
	if err != nil {
		payload = []byte(fmt.Sprintf("%#v", f.Raw))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}
