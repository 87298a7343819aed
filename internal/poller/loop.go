package poller

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"flightwatch/internal/storage"
	logx "flightwatch/pkg/logx"
)

// Cycler runs one poll cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (CycleMetrics, error)
}

// Escalator reports cycle failures to operators.
type Escalator interface {
	GuildChannels(ctx context.Context) ([]storage.GuildChannel, error)
}

// Loop drives the cycler on the State's schedule.
type Loop struct {
	state  *State
	cycler Cycler
	log    logx.Logger

	routes Escalator
	sink   Sink

	mu     sync.Mutex
	jitter time.Duration
	last   *CycleMetrics
	lastAt time.Time
	cycles uint64
	fails  uint64
}

func NewLoop(state *State, cycler Cycler, jitter time.Duration, log logx.Logger) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{state: state, cycler: cycler, jitter: jitter, log: log}
}

// WithEscalation routes cycle failures to every configured guild channel.
func (l *Loop) WithEscalation(routes Escalator, sink Sink) *Loop {
	l.routes = routes
	l.sink = sink
	return l
}

func (l *Loop) SetJitter(d time.Duration) {
	l.mu.Lock()
	l.jitter = d
	l.mu.Unlock()
}

// Run blocks until ctx is done. Cycle errors and panics are logged and
// never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("poll loop started", logx.Duration("interval", l.state.Interval()), logx.Bool("enabled", l.state.Enabled()))
	for {
		if !l.state.Enabled() {
			l.log.Info("polling disabled, waiting")
		}
		if err := l.state.WaitUntilEnabled(ctx); err != nil {
			return err
		}

		started := time.Now()
		l.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		jitter := l.pickJitter()
		for {
			v := l.state.View()
			if !v.Enabled {
				break
			}
			wait := time.Until(started.Add(v.Interval + jitter))
			if wait <= 0 {
				break
			}
			woken, err := l.state.SleepSince(ctx, v, wait)
			if err != nil {
				return err
			}
			if !woken {
				break
			}
		}
	}
}

// RunOnce runs a single cycle with panic recovery.
func (l *Loop) RunOnce(ctx context.Context) {
	m, err := l.safeCycle(ctx)
	l.mu.Lock()
	l.cycles++
	if err != nil {
		l.fails++
	}
	l.last = &m
	l.lastAt = time.Now()
	l.mu.Unlock()

	if err == nil || ctx.Err() != nil {
		return
	}
	l.log.Error("poll cycle failed", logx.String("cycle", m.ID), logx.Err(err))
	l.escalate(ctx, err)
}

func (l *Loop) safeCycle(ctx context.Context) (m CycleMetrics, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll cycle panic: %v", r)
			l.log.Error("poll cycle panic", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
		}
	}()
	return l.cycler.RunCycle(ctx)
}

func (l *Loop) escalate(ctx context.Context, cause error) {
	if l.routes == nil || l.sink == nil {
		return
	}
	routes, err := l.routes.GuildChannels(ctx)
	if err != nil {
		l.log.Warn("cannot resolve channels for escalation", logx.Err(err))
		return
	}
	text := "Poll cycle failed: " + cause.Error()
	seen := map[storage.ChannelRef]bool{}
	for _, r := range routes {
		if r.Channel.IsZero() || seen[r.Channel] {
			continue
		}
		seen[r.Channel] = true
		if err := l.sink.Alert(ctx, r.Channel, text); err != nil {
			l.log.Warn("escalation failed", logx.Int64("chat", r.Channel.ChatID), logx.Err(err))
		}
	}
}

func (l *Loop) pickJitter() time.Duration {
	l.mu.Lock()
	j := l.jitter
	l.mu.Unlock()
	if j <= 0 {
		return 0
	}
	return rand.N(j)
}

// LoopStatus is the loop's view for health reporting.
type LoopStatus struct {
	Enabled  bool
	Interval time.Duration
	Cycles   uint64
	Failures uint64
	LastAt   time.Time
	Last     *CycleMetrics
}

func (l *Loop) Status() LoopStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := LoopStatus{
		Enabled:  l.state.Enabled(),
		Interval: l.state.Interval(),
		Cycles:   l.cycles,
		Failures: l.fails,
		LastAt:   l.lastAt,
	}
	if l.last != nil {
		cp := *l.last
		st.Last = &cp
	}
	return st
}
