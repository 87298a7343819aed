package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Spacer enforces a minimum elapsed time between successive permits.
//
// It is a burst-1 rate.Limiter driven by the injected Clock, so idle time
// never banks more than one permit. A cooldown layered on top delays every
// permit until it expires.
//
// Permits are reserved under the lock and waited for outside of it, so a
// caller that is sleeping towards its slot never blocks Snapshot or
// ExtendCooldown.
type Spacer struct {
	mu       sync.Mutex
	clock    Clock
	interval time.Duration
	lim      *rate.Limiter

	// latest time handed to lim; it only moves forward
	anchor        time.Time
	cooldownUntil time.Time
}

// Snapshot is a non-consuming view of a Spacer.
type Snapshot struct {
	Interval   time.Duration
	NextIn     time.Duration
	CooldownIn time.Duration
}

// Wait is the time a new caller would wait for a permit.
func (s Snapshot) Wait() time.Duration {
	if s.CooldownIn > s.NextIn {
		return s.CooldownIn
	}
	return s.NextIn
}

func NewSpacer(interval time.Duration, clock Clock) *Spacer {
	if clock == nil {
		clock = SystemClock{}
	}
	if interval < 0 {
		interval = 0
	}
	return &Spacer{
		clock:    clock,
		interval: interval,
		lim:      rate.NewLimiter(rate.Every(interval), 1),
	}
}

// refLocked is the time to evaluate the limiter at. rate.Limiter credits
// elapsed time from its last event, so it must never see time go back.
func (s *Spacer) refLocked(now time.Time) time.Time {
	if s.anchor.After(now) {
		return s.anchor
	}
	return now
}

// Acquire blocks until a permit is available and records it.
// If ctx ends while waiting the reserved slot stays consumed.
func (s *Spacer) Acquire(ctx context.Context) error {
	s.mu.Lock()
	now := s.clock.Now()
	at := s.refLocked(now)
	if s.cooldownUntil.After(at) {
		at = s.cooldownUntil
	}
	r := s.lim.ReserveN(at, 1)
	s.anchor = at
	grant := at.Add(smooth(r.DelayFrom(at)))
	s.mu.Unlock()

	if wait := grant.Sub(now); wait > 0 {
		return s.clock.Sleep(ctx, wait)
	}
	return ctx.Err()
}

// ExtendCooldown pushes the cooldown, and with it the next permit, to at
// least now+d. Permits already handed out keep their slots.
func (s *Spacer) ExtendCooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until := s.clock.Now().Add(d)
	if until.After(s.cooldownUntil) {
		s.cooldownUntil = until
	}
}

// SetInterval changes the spacing for permits not yet reserved. The
// fraction of a permit earned so far carries over at the new rate.
func (s *Spacer) SetInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == s.interval {
		return
	}
	if d == 0 || s.interval == 0 {
		// rate.Inf keeps no token count to carry over
		s.lim = rate.NewLimiter(rate.Every(d), 1)
		s.interval = d
		return
	}
	at := s.refLocked(s.clock.Now())
	s.lim.SetLimitAt(at, rate.Every(d))
	s.anchor = at
	s.interval = d
}

func (s *Spacer) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Spacer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	ref := s.refLocked(now)

	next := ref.Sub(now)
	if missing := 1 - s.lim.TokensAt(ref); missing > 0 {
		next += smooth(time.Duration(missing * float64(s.interval)))
	}
	cooldown := positive(s.cooldownUntil.Sub(now))
	if cooldown > next {
		next = cooldown
	}
	return Snapshot{Interval: s.interval, NextIn: positive(next), CooldownIn: cooldown}
}

// smooth drops the nanosecond noise left by rate's float token math.
func smooth(d time.Duration) time.Duration {
	return d.Round(time.Microsecond)
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
