package app

import (
	"context"
	"html"
	"time"

	"flightwatch/internal/jobs"
	"flightwatch/internal/runtime/supervisor"
)

type healthReport struct {
	Status        string               `json:"status"`
	Uptime        string               `json:"uptime"`
	Polling       bool                 `json:"polling"`
	Interval      string               `json:"interval"`
	Cycles        uint64               `json:"cycles"`
	CycleFailures uint64               `json:"cycle_failures"`
	LastCycleAgo  string               `json:"last_cycle_ago,omitempty"`
	ActiveKeys    int                  `json:"active_keys"`
	TotalKeys     int                  `json:"total_keys"`
	Database      string               `json:"database"`
	Problems      []string             `json:"problems,omitempty"`
	Supervisor    supervisor.Snapshot  `json:"supervisor"`
	Adapter       *supervisor.Snapshot `json:"adapter,omitempty"`
	Jobs          []jobs.Info          `json:"jobs"`
}

// stallFactor bounds how many intervals may pass without a cycle before
// the process counts as unhealthy.
const stallFactor = 3

func (a *App) health(ctx context.Context) (any, bool) {
	now := time.Now()
	st := a.loop.Status()
	r := healthReport{
		Status:        "ok",
		Uptime:        now.Sub(a.started).Round(time.Second).String(),
		Polling:       st.Enabled,
		Interval:      st.Interval.String(),
		Cycles:        st.Cycles,
		CycleFailures: st.Failures,
		ActiveKeys:    a.pool.ActiveCount(),
		TotalKeys:     a.pool.Len(),
		Database:      "ok",
		Jobs:          a.sched.Snapshot(),
	}
	if a.sup != nil {
		r.Supervisor = a.sup.Snapshot()
		if r.Supervisor.FirstError != "" {
			r.Problems = append(r.Problems, "supervisor: "+r.Supervisor.FirstError)
		}
	}
	if sup := a.adapter.Supervisor(); sup != nil {
		snap := sup.Snapshot()
		r.Adapter = &snap
	}

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.store.Ping(pctx); err != nil {
		r.Database = err.Error()
		r.Problems = append(r.Problems, "database: "+err.Error())
	}

	limit := time.Duration(stallFactor)*st.Interval + time.Minute
	if !st.LastAt.IsZero() {
		ago := now.Sub(st.LastAt)
		r.LastCycleAgo = ago.Round(time.Second).String()
		if st.Enabled && ago > limit {
			r.Problems = append(r.Problems, "poll loop stalled")
		}
	} else if st.Enabled && now.Sub(a.started) > limit {
		r.Problems = append(r.Problems, "no poll cycle yet")
	}

	if len(r.Problems) > 0 {
		r.Status = "degraded"
		return r, false
	}
	return r, true
}

func (a *App) healthy() bool {
	_, ok := a.health(context.Background())
	return ok
}

func escapeHTML(s string) string { return html.EscapeString(s) }
