// Package metrics exports poll cycle and delivery counters to prometheus.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flightwatch/internal/eventbus"
	"flightwatch/internal/notifier"
	"flightwatch/internal/poller"
)

const namespace = "flightwatch"

// Collector implements poller.Observer. It owns a private registry so
// tests can create as many as they like.
type Collector struct {
	reg *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	requests       prometheus.Counter
	fallbacks      prometheus.Counter
	requestErrors  *prometheus.CounterVec
	events         *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	subscriptions  prometheus.Gauge
	groups         prometheus.Gauge
	lastCycle      prometheus.Gauge
	credActive     *prometheus.GaugeVec
	credRemaining  *prometheus.GaugeVec
	credConsumed   *prometheus.CounterVec
	credParks      *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	pollingEnabled prometheus.Gauge

	mu   sync.Mutex
	last poller.CycleMetrics
}

var _ poller.Observer = (*Collector)(nil)

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_cycles_total", Help: "Poll cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "poll_cycle_duration_seconds", Help: "Wall time of a poll cycle.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_requests_total", Help: "Provider requests issued.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_fallback_requests_total", Help: "Per-code requests issued after a rejected batch.",
		}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_errors_total", Help: "Provider errors by kind.",
		}, []string{"kind"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "flight_events_total", Help: "Flight events by disposition.",
		}, []string{"disposition"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total", Help: "Guild notifications by result.",
		}, []string{"result"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_subscriptions", Help: "Subscriptions seen by the last cycle.",
		}),
		groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "request_groups", Help: "Request groups in the last cycle.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_cycle_timestamp_seconds", Help: "Start time of the last cycle.",
		}),
		credActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "credential_active", Help: "1 when the credential is not parked.",
		}, []string{"key"}),
		credRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "credential_credits_remaining", Help: "Last reported remaining credits.",
		}, []string{"key"}),
		credConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "credential_credits_consumed_total", Help: "Credits consumed, summed from cycle deltas.",
		}, []string{"key"}),
		credParks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "credential_events_total", Help: "Credential throttle and park events.",
		}, []string{"key", "event"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "chat_messages_total", Help: "Chat deliveries by kind and result.",
		}, []string{"kind", "result"}),
		pollingEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "polling_enabled", Help: "1 while polling is enabled.",
		}),
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.cycles, c.cycleDuration, c.requests, c.fallbacks, c.requestErrors, c.events,
		c.notifications, c.subscriptions, c.groups, c.lastCycle, c.credActive,
		c.credRemaining, c.credConsumed, c.credParks, c.deliveries, c.pollingEnabled,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) ObserveCycle(m poller.CycleMetrics) {
	outcome := "ok"
	switch {
	case m.Err != "":
		outcome = "error"
	case m.NoActive:
		outcome = "no_credentials"
	}
	c.cycles.WithLabelValues(outcome).Inc()
	c.cycleDuration.Observe(m.Duration.Seconds())
	if !m.StartedAt.IsZero() {
		c.lastCycle.Set(float64(m.StartedAt.Unix()))
	}
	c.subscriptions.Set(float64(m.Subscriptions))
	c.groups.Set(float64(m.Groups))

	c.requests.Add(float64(m.Requests))
	c.fallbacks.Add(float64(m.Fallbacks))
	c.requestErrors.WithLabelValues("rate_limited").Add(float64(m.RateLimited))
	c.requestErrors.WithLabelValues("param").Add(float64(m.ParamRejected))
	c.requestErrors.WithLabelValues("transport").Add(float64(m.TransportErrs))

	c.events.WithLabelValues("received").Add(float64(m.Events))
	c.events.WithLabelValues("filtered").Add(float64(m.Filtered))
	c.events.WithLabelValues("duplicate").Add(float64(m.Duplicates))

	c.notifications.WithLabelValues("sent").Add(float64(m.Notified))
	c.notifications.WithLabelValues("failed").Add(float64(m.SendFailed))
	c.notifications.WithLabelValues("no_channel").Add(float64(m.NoChannel))

	for _, st := range m.PerCredential {
		v := 0.0
		if st.Active {
			v = 1
		}
		c.credActive.WithLabelValues(st.Suffix).Set(v)
	}
	for suffix, cr := range m.Credits {
		if cr.Remaining != nil {
			c.credRemaining.WithLabelValues(suffix).Set(float64(*cr.Remaining))
		}
	}
	for suffix, d := range m.CreditDeltas {
		if d.Consumed > 0 {
			c.credConsumed.WithLabelValues(suffix).Add(float64(d.Consumed))
		}
	}

	c.mu.Lock()
	c.last = m
	c.mu.Unlock()
}

// LastCycle returns the most recent cycle and whether one was observed.
func (c *Collector) LastCycle() (poller.CycleMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.last.ID != ""
}

// Observe records one bus event. It is meant to be fed from a bus
// subscription, see Follow.
func (c *Collector) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.CredentialThrottled, eventbus.CredentialParked, eventbus.CredentialUnparked:
		if ce, ok := ev.Data.(eventbus.CredentialEvent); ok {
			c.credParks.WithLabelValues(ce.Suffix, ev.Type).Inc()
		}
	case eventbus.NotificationSent, eventbus.NotificationFailed:
		kind, result := "unknown", "sent"
		if ev.Type == eventbus.NotificationFailed {
			result = "failed"
		}
		if se, ok := ev.Data.(notifier.SendEvent); ok {
			kind = se.Kind
		}
		c.deliveries.WithLabelValues(kind, result).Inc()
	case eventbus.PollerToggled:
		if t, ok := ev.Data.(poller.ToggleEvent); ok {
			c.SetPollingEnabled(t.Enabled)
		}
	}
}

// SetPollingEnabled seeds the polling gauge before the first toggle event.
func (c *Collector) SetPollingEnabled(on bool) {
	if on {
		c.pollingEnabled.Set(1)
		return
	}
	c.pollingEnabled.Set(0)
}

// Follow feeds bus events into the collector until stop is closed.
func (c *Collector) Follow(events <-chan eventbus.Event, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Since is a helper for /healthz: how long ago the last cycle started.
func (c *Collector) Since(now time.Time) (time.Duration, bool) {
	m, ok := c.LastCycle()
	if !ok {
		return 0, false
	}
	return now.Sub(m.StartedAt), true
}
