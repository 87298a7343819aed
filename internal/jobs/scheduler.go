// Package jobs runs the periodic maintenance work: ledger retention,
// the usage report and reference refreshes.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "flightwatch/pkg/logx"
)

type Func func(ctx context.Context) error

var ErrUnknownJob = errors.New("unknown job")

type job struct {
	name    string
	spec    string
	timeout time.Duration
	fn      Func
	entryID cron.EntryID
	running atomic.Bool

	mu      sync.Mutex
	runs    uint64
	skipped uint64
	lastAt  time.Time
	lastDur time.Duration
	lastErr string
}

// Info is a job's view for status output.
type Info struct {
	Name     string
	Spec     string
	Next     time.Time
	Prev     time.Time
	Runs     uint64
	Skipped  uint64
	LastAt   time.Time
	LastDur  time.Duration
	LastErr  string
	Running  bool
	Interval bool
}

// Scheduler triggers named jobs on cron schedules in one time zone.
// A job never overlaps itself: a trigger while it runs is skipped.
type Scheduler struct {
	mu   sync.Mutex
	c    *cron.Cron
	loc  *time.Location
	log  logx.Logger
	jobs map[string]*job
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	now  func() time.Time
}

func New(timezone string, log logx.Logger) (*Scheduler, error) {
	loc := time.Local
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("jobs timezone: %w", err)
		}
		loc = l
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c:    cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		loc:  loc,
		log:  log.With(logx.String("comp", "jobs")),
		jobs: map[string]*job{},
		ctx:  ctx,
		stop: cancel,
		now:  time.Now,
	}, nil
}

func (s *Scheduler) Location() *time.Location { return s.loc }

// Add registers or replaces a job. A spec of "off" removes it.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return errors.New("job name and func required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok {
		s.c.Remove(old.entryID)
		delete(s.jobs, name)
	}
	if strings.EqualFold(strings.TrimSpace(spec), Off) {
		s.log.Info("job disabled", logx.String("job", name))
		return nil
	}
	sched, every, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	if every > 0 {
		sched = withSpread(every, s.now().In(s.loc), name)
	}
	j := &job{name: name, spec: strings.TrimSpace(spec), timeout: timeout, fn: fn}
	j.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.trigger(j) }))
	s.jobs[name] = j
	s.log.Debug("job registered", logx.String("job", name), logx.String("spec", j.spec), logx.Duration("timeout", timeout))
	return nil
}

func (s *Scheduler) Start() {
	s.c.Start()
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", n))
}

// Stop halts triggering, cancels running jobs and waits for them.
func (s *Scheduler) Stop(ctx context.Context) {
	cctx := s.c.Stop()
	s.stop()
	done := make(chan struct{})
	go func() {
		<-cctx.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !j.running.CompareAndSwap(false, true) {
		return fmt.Errorf("job %s is already running", name)
	}
	defer j.running.Store(false)
	return s.run(ctx, j)
}

func (s *Scheduler) trigger(j *job) {
	if !j.running.CompareAndSwap(false, true) {
		j.mu.Lock()
		j.skipped++
		j.mu.Unlock()
		s.log.Warn("job still running; trigger skipped", logx.String("job", j.name))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)
		_ = s.run(s.ctx, j)
	}()
}

func (s *Scheduler) run(ctx context.Context, j *job) (err error) {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", j.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		dur := s.now().Sub(start)
		j.mu.Lock()
		j.runs++
		j.lastAt = start
		j.lastDur = dur
		j.lastErr = ""
		if err != nil {
			j.lastErr = err.Error()
		}
		j.mu.Unlock()
		if err != nil {
			s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("dur", dur), logx.Err(err))
		} else {
			s.log.Info("job done", logx.String("job", j.name), logx.Duration("dur", dur))
		}
	}()
	return j.fn(ctx)
}

// Snapshot lists the registered jobs sorted by name.
func (s *Scheduler) Snapshot() []Info {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]Info, 0, len(jobs))
	for _, j := range jobs {
		e := s.c.Entry(j.entryID)
		j.mu.Lock()
		_, every, _ := ParseSchedule(j.spec)
		out = append(out, Info{
			Name:     j.name,
			Spec:     j.spec,
			Next:     e.Next,
			Prev:     e.Prev,
			Runs:     j.runs,
			Skipped:  j.skipped,
			LastAt:   j.lastAt,
			LastDur:  j.lastDur,
			LastErr:  j.lastErr,
			Running:  j.running.Load(),
			Interval: every > 0,
		})
		j.mu.Unlock()
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
