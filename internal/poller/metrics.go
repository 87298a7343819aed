package poller

import (
	"time"

	"flightwatch/internal/credpool"
)

// CreditDelta is how a credential's credits moved during one cycle.
// Values are only accumulated when both readings were known.
type CreditDelta struct {
	Consumed  int64
	Remaining int64
	Responses int
}

// CycleMetrics summarizes one poll cycle.
type CycleMetrics struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration

	Subscriptions int
	Groups        int
	Batches       int
	Requests      int
	Fallbacks     int

	RateLimited    int
	ParamRejected  int
	TransportErrs  int
	NoActive       bool
	NextUnparkIn   time.Duration
	SkippedBatches int

	Events      int
	Filtered    int
	Duplicates  int
	Notified    int
	Recipients  int
	SendFailed  int
	NoChannel   int
	StoreErrors int

	PerCredential []credpool.Status
	Credits       map[string]credpool.Credits
	CreditDeltas  map[string]CreditDelta

	// Err is set when the cycle aborted.
	Err string
}

func (m *CycleMetrics) addDelta(suffix string, prev, cur credpool.Credits) {
	if m.CreditDeltas == nil {
		m.CreditDeltas = map[string]CreditDelta{}
	}
	d := m.CreditDeltas[suffix]
	d.Responses++
	if prev.Consumed != nil && cur.Consumed != nil {
		d.Consumed += *cur.Consumed - *prev.Consumed
	}
	if prev.Remaining != nil && cur.Remaining != nil {
		d.Remaining += *prev.Remaining - *cur.Remaining
	}
	m.CreditDeltas[suffix] = d
}

// Observer receives every finished cycle.
type Observer interface {
	ObserveCycle(m CycleMetrics)
}
