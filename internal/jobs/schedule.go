package jobs

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Off disables a job.
const Off = "off"

// parser accepts 5-field and 6-field (with seconds) specs plus descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule accepts a cron expression ("0 8 * * *", "@daily",
// "@every 30m"), a Go duration ("30m") or an HH:MM interval ("02:30").
// Intervals are returned as every > 0.
func ParseSchedule(raw string) (sched cron.Schedule, every time.Duration, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, 0, fmt.Errorf("schedule required")
	}
	if strings.HasPrefix(s, "@every") {
		s = strings.TrimSpace(strings.TrimPrefix(s, "@every"))
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, 0, fmt.Errorf("invalid interval %q", raw)
		}
		return cron.Every(d), d, nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		sched, err := parser.Parse(s)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid cron %q: %w", raw, err)
		}
		return sched, 0, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, 0, fmt.Errorf("invalid minutes in %q", raw)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return nil, 0, fmt.Errorf("interval must be > 0")
		}
		return cron.Every(d), d, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid schedule %q (use cron like '0 8 * * *', HH:MM like '02:30', or duration like '30m')", raw)
	}
	if d <= 0 {
		return nil, 0, fmt.Errorf("interval must be > 0")
	}
	return cron.Every(d), d, nil
}

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first run of an interval job by a random
// amount so jobs registered together do not fire together.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func withSpread(every time.Duration, now time.Time, tag string) cron.Schedule {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), h.Sum64()))
	jitter := time.Duration(rng.Int64N(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}
}
