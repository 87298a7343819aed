package credpool

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRateLimited is wrapped by request functions when the provider rejected
// the call for exceeding its rate budget.
var ErrRateLimited = errors.New("rate limited")

// ErrorKind classifies a failed request for the fallback decision.
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindParam
)

func (k ErrorKind) String() string {
	if k == KindParam {
		return "param"
	}
	return "transport"
}

// DefaultParamMarkers are lower-case substrings that mark a provider error
// as caused by request parameters.
var DefaultParamMarkers = []string{"validation", "bad request", "pattern mismatch"}

// NoActiveError is returned when every credential is parked or none exist.
type NoActiveError struct {
	// RetryIn is the time until the soonest park expires. Zero when
	// HasRetry is false.
	RetryIn  time.Duration
	HasRetry bool
}

func (e *NoActiveError) Error() string {
	if e.HasRetry {
		return fmt.Sprintf("no active credentials (next unpark in %s)", e.RetryIn.Round(time.Second))
	}
	return "no active credentials"
}

// RateLimitedError reports a throttled call and the cooldown applied to the
// credential that made it.
type RateLimitedError struct {
	Index    int
	Suffix   string
	Cooldown time.Duration
	Err      error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("credential %d (***%s) rate limited, cooling down %s: %v", e.Index+1, e.Suffix, e.Cooldown, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// RequestError is any other failed call.
type RequestError struct {
	Index  int
	Suffix string
	Kind   ErrorKind
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("credential %d (***%s) %s error: %v", e.Index+1, e.Suffix, e.Kind, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

func IsParamError(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Kind == KindParam
}

func AsNoActive(err error) (*NoActiveError, bool) {
	var ne *NoActiveError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

// Classify reports whether err looks like a parameter/validation failure.
func Classify(err error, markers []string) ErrorKind {
	if err == nil {
		return KindTransport
	}
	if len(markers) == 0 {
		markers = DefaultParamMarkers
	}
	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" && strings.Contains(msg, m) {
			return KindParam
		}
	}
	return KindTransport
}
