// Package supervisor runs named goroutines under one cancelable context,
// recovering panics and restarting long-lived loops with backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	logx "flightwatch/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg      sync.WaitGroup
	errOnce sync.Once
	err     error

	mu    sync.Mutex
	tasks map[string]*TaskStats
}

// TaskStats aggregates every run of a named goroutine.
type TaskStats struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Starts    int       `json:"starts"`
	Restarts  int       `json:"restarts"`
	Panics    int       `json:"panics"`
	LastStart time.Time `json:"last_start"`
	LastStop  time.Time `json:"last_stop,omitempty"`
	LastErr   string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels every task when one returns an error.
func WithCancelOnError(v bool) Option { return func(s *Supervisor) { s.cancelOnErr = v } }

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, tasks: map[string]*TaskStats{}}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }
func (s *Supervisor) Cancel()                  { s.cancel() }

// Err returns the first task error, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	})
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) started(name string, restart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[name]
	if t == nil {
		t = &TaskStats{Name: name}
		s.tasks[name] = t
	}
	t.Running = true
	t.Starts++
	if restart {
		t.Restarts++
	}
	t.LastStart = time.Now()
}

func (s *Supervisor) stopped(name string, err error, panicked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[name]
	if t == nil {
		return
	}
	t.Running = false
	t.LastStop = time.Now()
	if panicked {
		t.Panics++
	}
	if err != nil {
		t.LastErr = err.Error()
	}
}

// run calls fn once and converts a panic into an error.
func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.Stack(logx.StackTrace(4, 24)))
			err, panicked = fmt.Errorf("panic: %v", r), true
		}
	}()
	return fn(s.ctx), false
}

// Go runs fn once. A returned error (other than cancellation) is recorded
// as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.started(name, false)
		err, panicked := s.run(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.stopped(name, err, panicked)
		if err != nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

type restartConfig struct {
	min, max      time.Duration
	restartOnNil  bool
	publishErrors bool
}

type RestartOption func(*restartConfig)

func WithBackoff(min, max time.Duration) RestartOption {
	return func(c *restartConfig) { c.min, c.max = min, max }
}

// WithRestartOnCleanExit restarts fn even when it returns nil.
func WithRestartOnCleanExit(v bool) RestartOption {
	return func(c *restartConfig) { c.restartOnNil = v }
}

// WithPublishErrors records restart causes as the supervisor error.
func WithPublishErrors(v bool) RestartOption {
	return func(c *restartConfig) { c.publishErrors = v }
}

// GoRestart keeps fn running until the context ends, backing off
// exponentially between failed runs. The backoff resets after a run that
// lasted at least 30s.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	cfg := restartConfig{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.max < cfg.min {
		cfg.max = cfg.min
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.min
		for attempt := 0; s.ctx.Err() == nil; attempt++ {
			s.started(name, attempt > 0)
			began := time.Now()
			err, panicked := s.run(name, fn)
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.stopped(name, nil, panicked)
				return
			}
			if err == nil {
				if !cfg.restartOnNil {
					s.stopped(name, nil, false)
					return
				}
				err = errors.New("exited")
			}
			s.stopped(name, err, panicked)
			if cfg.publishErrors {
				s.fail(fmt.Errorf("%s: %w", name, err))
			}

			if time.Since(began) >= 30*time.Second {
				backoff = cfg.min
			}
			wait := backoff + rand.N(backoff/5+1)
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, cfg.max)
		}
	}()
}

// Wait blocks until every task returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels all tasks and waits for them.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	out := Snapshot{Tasks: make([]TaskStats, 0, len(s.tasks))}
	if s.err != nil {
		out.FirstError = s.err.Error()
	}
	for _, t := range s.tasks {
		out.Tasks = append(out.Tasks, *t)
	}
	s.mu.Unlock()
	sort.Slice(out.Tasks, func(i, j int) bool { return out.Tasks[i].Name < out.Tasks[j].Name })
	return out
}
