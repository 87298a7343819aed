// Package poller runs the poll cycle: it groups subscriptions, requests
// live positions through the credential pool and dispatches deduplicated
// notifications.
package poller

import (
	"context"
	"sync"
	"time"

	"flightwatch/internal/eventbus"
)

// State holds the enable flag and cycle interval. Every change closes the
// current wake channel so a sleeping loop reacts immediately.
type State struct {
	mu       sync.Mutex
	enabled  bool
	interval time.Duration
	// closed while enabled
	enabledCh chan struct{}
	wake      chan struct{}

	bus eventbus.Bus
}

// ToggleEvent is published on eventbus.PollerToggled.
type ToggleEvent struct {
	Enabled  bool
	Interval time.Duration
}

func NewState(enabled bool, interval time.Duration, bus eventbus.Bus) *State {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &State{
		interval:  interval,
		enabledCh: make(chan struct{}),
		wake:      make(chan struct{}),
		bus:       bus,
	}
	if enabled {
		s.enabled = true
		close(s.enabledCh)
	}
	return s
}

func (s *State) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *State) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetEnabled flips the flag and wakes sleepers. It reports whether the
// value changed.
func (s *State) SetEnabled(enabled bool) bool {
	s.mu.Lock()
	changed := s.enabled != enabled
	if changed {
		s.enabled = enabled
		if enabled {
			close(s.enabledCh)
		} else {
			s.enabledCh = make(chan struct{})
		}
	}
	s.wakeLocked()
	ev := ToggleEvent{Enabled: s.enabled, Interval: s.interval}
	s.mu.Unlock()

	if changed {
		s.publish(ev)
	}
	return changed
}

// SetInterval changes the cycle interval and wakes sleepers.
func (s *State) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.wakeLocked()
	ev := ToggleEvent{Enabled: s.enabled, Interval: s.interval}
	s.mu.Unlock()
	s.publish(ev)
}

func (s *State) wakeLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *State) publish(ev ToggleEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.PollerToggled, Data: ev})
	}
}

// WaitUntilEnabled blocks while polling is disabled.
func (s *State) WaitUntilEnabled(ctx context.Context) error {
	s.mu.Lock()
	ch := s.enabledCh
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// View is a consistent read of the state together with the wake channel
// current at that moment. A change made after the read closes that
// channel, so a sleep based on the view cannot miss it.
type View struct {
	Enabled  bool
	Interval time.Duration
	wake     <-chan struct{}
}

func (s *State) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{Enabled: s.enabled, Interval: s.interval, wake: s.wake}
}

// Changed reports whether the state moved since v was taken.
func (v View) Changed() bool {
	select {
	case <-v.wake:
		return true
	default:
		return false
	}
}

// Sleep waits for d or until the state changes. woken is true when a
// change cut the sleep short.
func (s *State) Sleep(ctx context.Context, d time.Duration) (woken bool, err error) {
	return s.SleepSince(ctx, s.View(), d)
}

// SleepSince is Sleep for a wait computed from v. It returns woken at once
// if the state already changed after v was taken.
func (s *State) SleepSince(ctx context.Context, v View, d time.Duration) (woken bool, err error) {
	if v.Changed() {
		return true, nil
	}
	if d <= 0 {
		return false, ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false, nil
	case <-v.wake:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
