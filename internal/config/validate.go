package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks the values that would otherwise fail late, at wiring
// time or on the first cycle.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	dur("telegram.poll_timeout", c.Telegram.PollTimeout)
	dur("logging.file.retention", c.Logging.File.Retention)
	dur("poller.interval", c.Poller.Interval)
	dur("poller.jitter", c.Poller.Jitter)
	dur("poller.batch_delay", c.Poller.BatchDelay)
	dur("provider.timeout", c.Provider.Timeout)
	dur("provider.window", c.Provider.Window)
	dur("provider.padding", c.Provider.Padding)
	dur("provider.rate_limit_cooldown", c.Provider.RateLimitCooldown)
	dur("provider.manual_park", c.Provider.ManualPark)
	dur("storage.busy_timeout", c.Storage.BusyTimeout)
	dur("storage.retention", c.Storage.Retention)
	dur("reference.timeout", c.Reference.Timeout)
	dur("reference.refresh_every", c.Reference.RefreshEvery)
	dur("ops.read_timeout", c.Ops.ReadTimeout)
	dur("ops.idle_timeout", c.Ops.IdleTimeout)
	if e := c.Eligibility; e != nil {
		dur("eligibility.stale_eta", e.StaleETA)
		if e.GroundAltitudeFt < 0 || e.GroundSpeedKt < 0 || e.GroundVerticalFpm < 0 || e.FarFromDestinationKm < 0 || e.ZeroTolerance < 0 {
			errs = append(errs, errors.New("eligibility: thresholds must be >= 0"))
		}
	}
	if n := c.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.send_timeout", n.SendTimeout)
		if n.RetryMax < 0 || n.RatePerSec < 0 {
			errs = append(errs, errors.New("notifier: retry_max and rate_per_sec must be >= 0"))
		}
	}

	if c.Poller.AirportBatchSize < 0 || c.Poller.AircraftBatchSize < 0 || c.Poller.RegistrationBatchSize < 0 {
		errs = append(errs, errors.New("poller: batch sizes must be >= 0"))
	}
	if c.Provider.MaxRequestsPerMinute < 0 {
		errs = append(errs, errors.New("provider.max_requests_per_minute must be >= 0"))
	}
	if tz := strings.TrimSpace(c.Jobs.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("jobs.timezone: %w", err))
		}
	}
	if c.Ops.Enabled {
		if err := validateOpsAddr(c.Ops); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateOpsAddr(o OpsConfig) error {
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("ops.addr: %w", err)
	}
	if IsLoopbackHost(host) || o.AllowInsecure || strings.TrimSpace(o.Token) != "" {
		return nil
	}
	return fmt.Errorf("ops.addr %q is not loopback; set ops.token or ops.allow_insecure", addr)
}

func IsLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
