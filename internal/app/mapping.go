package app

import (
	"fmt"
	"strings"
	"time"

	"flightwatch/internal/config"
	"flightwatch/internal/credpool"
	"flightwatch/internal/flight"
	"flightwatch/internal/jobs"
	"flightwatch/internal/notifier"
	"flightwatch/internal/observability/ops"
	"flightwatch/internal/poller"
	"flightwatch/internal/provider/fr24"
	"flightwatch/internal/reference"
	"flightwatch/internal/storage"
	"flightwatch/internal/transport/telegram"
	logx "flightwatch/pkg/logx"
)

const (
	defaultDBPath     = "/data/flightwatch.db"
	defaultWebBase    = "https://www.flightradar24.com"
	defaultAPIBase    = "https://fr24api.flightradar24.com"
	defaultManualPark = 24 * time.Hour
)

var dur = config.ParseDurationOrDefault

func mapLogging(cfg *config.Config) (logx.Config, error) {
	lc := cfg.Logging
	age, err := dur("logging.file.retention", lc.File.Retention, 7*24*time.Hour)
	if err != nil {
		return logx.Config{}, err
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxAge:     age,
			MaxBackups: lc.File.MaxBackups,
		},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled && cfg.Telegram.AlertChatID != 0,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	pt, err := dur("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pt}, nil
}

// MapStorage resolves the store settings. Only sqlite is supported.
func MapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultDBPath
	}
	busy, err := dur("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
}

func mapRetention(cfg *config.Config) (time.Duration, error) {
	return dur("storage.retention", cfg.Storage.Retention, jobs.DefaultRetention)
}

func mapPool(cfg *config.Config) (credpool.Config, error) {
	p := cfg.Provider
	window, err := dur("provider.window", p.Window, time.Minute)
	if err != nil {
		return credpool.Config{}, err
	}
	padding, err := dur("provider.padding", p.Padding, 250*time.Millisecond)
	if err != nil {
		return credpool.Config{}, err
	}
	cooldown, err := dur("provider.rate_limit_cooldown", p.RateLimitCooldown, 60*time.Second)
	if err != nil {
		return credpool.Config{}, err
	}
	rpm := p.MaxRequestsPerMinute
	if rpm <= 0 {
		rpm = 10
	}
	return credpool.Config{MaxRequestsPerMinute: rpm, Window: window, Padding: padding, RateLimitCooldown: cooldown}, nil
}

func mapProvider(cfg *config.Config) (fr24.Config, error) {
	p := cfg.Provider
	timeout, err := dur("provider.timeout", p.Timeout, 30*time.Second)
	if err != nil {
		return fr24.Config{}, err
	}
	base := strings.TrimSpace(p.BaseURL)
	if base == "" {
		base = defaultAPIBase
	}
	av := p.AcceptVersion
	if av == "" {
		av = "v1"
	}
	return fr24.Config{BaseURL: base, Timeout: timeout, AcceptVersion: av, UserAgent: "flightwatch"}, nil
}

func mapManualPark(cfg *config.Config) (time.Duration, error) {
	return dur("provider.manual_park", cfg.Provider.ManualPark, defaultManualPark)
}

// pollerSettings is the loop's file-level configuration.
type pollerSettings struct {
	Enabled  bool
	Interval time.Duration
	Jitter   time.Duration
	Orch     poller.Config
}

func mapPoller(cfg *config.Config) (pollerSettings, error) {
	pc := cfg.Poller
	var ps pollerSettings
	var err error
	ps.Enabled = pc.Enabled == nil || *pc.Enabled
	if ps.Interval, err = dur("poller.interval", pc.Interval, 60*time.Second); err != nil {
		return ps, err
	}
	if ps.Jitter, err = dur("poller.jitter", pc.Jitter, 5*time.Second); err != nil {
		return ps, err
	}
	delay, err := dur("poller.batch_delay", pc.BatchDelay, 200*time.Millisecond)
	if err != nil {
		return ps, err
	}
	th, err := mapThresholds(cfg.Eligibility)
	if err != nil {
		return ps, err
	}
	ps.Orch = poller.Config{
		Batch: poller.BatchSizes{
			Aircraft:     orDefault(pc.AircraftBatchSize, 10),
			Registration: orDefault(pc.RegistrationBatchSize, 10),
			Airport:      orDefault(pc.AirportBatchSize, 10),
		},
		BatchDelay: delay,
		Thresholds: th,
	}
	return ps, nil
}

func mapThresholds(e *config.EligibilityConfig) (flight.Thresholds, error) {
	th := flight.DefaultThresholds()
	if e == nil {
		return th, nil
	}
	var err error
	if th.StaleETA, err = dur("eligibility.stale_eta", e.StaleETA, th.StaleETA); err != nil {
		return th, err
	}
	setF := func(dst *float64, v float64) {
		if v > 0 {
			*dst = v
		}
	}
	setF(&th.GroundAltitudeFt, e.GroundAltitudeFt)
	setF(&th.GroundSpeedKt, e.GroundSpeedKt)
	setF(&th.GroundVerticalFpm, e.GroundVerticalFpm)
	setF(&th.FarFromDestinationKm, e.FarFromDestinationKm)
	setF(&th.ZeroTolerance, e.ZeroTolerance)
	if e.TurnaroundRequiresMotion != nil {
		th.TurnaroundRequiresMotion = *e.TurnaroundRequiresMotion
	}
	return th, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	web := strings.TrimSpace(cfg.Provider.WebBaseURL)
	if web == "" {
		web = defaultWebBase
	}
	nc := notifier.Config{WebBaseURL: web}
	n := cfg.Notifier
	if n == nil {
		return nc, nil
	}
	var err error
	nc.RatePerSec = n.RatePerSec
	nc.RetryMax = n.RetryMax
	if nc.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return nc, err
	}
	if nc.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return nc, err
	}
	if nc.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return nc, err
	}
	return nc, nil
}

func mapReference(cfg *config.Config) (reference.Config, time.Duration, error) {
	rc := cfg.Reference
	timeout, err := dur("reference.timeout", rc.Timeout, 30*time.Second)
	if err != nil {
		return reference.Config{}, 0, err
	}
	every, err := dur("reference.refresh_every", rc.RefreshEvery, 30*time.Minute)
	if err != nil {
		return reference.Config{}, 0, err
	}
	cv := rc.ClientVersion
	if cv == "" {
		cv = "flightwatch"
	}
	return reference.Config{BaseURL: strings.TrimSpace(rc.BaseURL), ClientVersion: cv, Timeout: timeout}, every, nil
}

// jobSpecs are the schedules to register; an "off" spec disables a job.
type jobSpecs struct {
	Timezone    string
	Cleanup     string
	UsageReport string
	Reference   string
}

func mapJobs(cfg *config.Config, refEvery time.Duration, refEnabled bool) jobSpecs {
	pick := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return strings.TrimSpace(v)
	}
	js := jobSpecs{
		Timezone:    pick(cfg.Jobs.Timezone, jobs.DefaultTimezone),
		Cleanup:     pick(cfg.Jobs.Cleanup, jobs.DefaultCleanup),
		UsageReport: pick(cfg.Jobs.UsageReport, jobs.DefaultUsageReport),
		Reference:   jobs.Off,
	}
	if refEnabled && refEvery > 0 {
		js.Reference = "@every " + refEvery.String()
	}
	return js
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	rt, err := dur("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := dur("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{Enabled: o.Enabled, Addr: o.Addr, Token: o.Token, AllowInsecure: o.AllowInsecure, ReadTimeout: rt, IdleTimeout: it}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// MapReference resolves the reference client settings for offline tools.
func MapReference(cfg *config.Config) (reference.Config, error) {
	rc, _, err := mapReference(cfg)
	return rc, err
}
