package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flightwatch/internal/config"
	"flightwatch/internal/jobs"
	"flightwatch/internal/storage"
)

func TestMapPoller_Defaults(t *testing.T) {
	ps, err := mapPoller(&config.Config{})
	require.NoError(t, err)
	assert.True(t, ps.Enabled)
	assert.Equal(t, 60*time.Second, ps.Interval)
	assert.Equal(t, 5*time.Second, ps.Jitter)
	assert.Equal(t, 10, ps.Orch.Batch.Aircraft)
	assert.Equal(t, 10, ps.Orch.Batch.Registration)
	assert.Equal(t, 10, ps.Orch.Batch.Airport)
	assert.Equal(t, 200*time.Millisecond, ps.Orch.BatchDelay)
	assert.Equal(t, 200.0, ps.Orch.Thresholds.GroundAltitudeFt)
}

func TestMapPoller_Overrides(t *testing.T) {
	off := false
	motion := false
	cfg := &config.Config{
		Poller: config.PollerConfig{Enabled: &off, Interval: "90s", AirportBatchSize: 3},
		Eligibility: &config.EligibilityConfig{
			GroundSpeedKt:            45,
			StaleETA:                 "1h",
			TurnaroundRequiresMotion: &motion,
		},
	}
	ps, err := mapPoller(cfg)
	require.NoError(t, err)
	assert.False(t, ps.Enabled)
	assert.Equal(t, 90*time.Second, ps.Interval)
	assert.Equal(t, 3, ps.Orch.Batch.Airport)
	assert.Equal(t, 45.0, ps.Orch.Thresholds.GroundSpeedKt)
	assert.Equal(t, time.Hour, ps.Orch.Thresholds.StaleETA)
	assert.False(t, ps.Orch.Thresholds.TurnaroundRequiresMotion)
}

func TestMapStorage(t *testing.T) {
	sc, err := MapStorage(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, defaultDBPath, sc.Path)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)

	_, err = MapStorage(&config.Config{Storage: config.StorageConfig{Driver: "postgres"}})
	assert.Error(t, err)
}

func TestMapPool_Defaults(t *testing.T) {
	pc, err := mapPool(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, 10, pc.MaxRequestsPerMinute)
	assert.Equal(t, time.Minute, pc.Window)
	assert.Equal(t, 250*time.Millisecond, pc.Padding)
	assert.Equal(t, time.Minute, pc.RateLimitCooldown)
}

func TestMapJobs(t *testing.T) {
	js := mapJobs(&config.Config{}, 30*time.Minute, true)
	assert.Equal(t, jobs.DefaultTimezone, js.Timezone)
	assert.Equal(t, jobs.DefaultCleanup, js.Cleanup)
	assert.Equal(t, "@every 30m0s", js.Reference)

	js = mapJobs(&config.Config{Jobs: config.JobsConfig{UsageReport: "off"}}, 30*time.Minute, false)
	assert.Equal(t, "off", js.UsageReport)
	assert.Equal(t, jobs.Off, js.Reference)
}

func TestValidateMappings_CollectsErrors(t *testing.T) {
	cfg := &config.Config{
		Poller:   config.PollerConfig{Interval: "soon"},
		Provider: config.ProviderConfig{Timeout: "-"},
		Jobs:     config.JobsConfig{Cleanup: "every tuesday"},
	}
	err := validateMappings(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poller.interval")
	assert.Contains(t, err.Error(), "provider.timeout")
	assert.Contains(t, err.Error(), "jobs.cleanup")

	assert.NoError(t, validateMappings(&config.Config{}))
}

func TestApplyPersistedPoller(t *testing.T) {
	on, iv := applyPersistedPoller(storage.PollerSettings{}, true, time.Minute)
	assert.True(t, on)
	assert.Equal(t, time.Minute, iv)

	off := false
	secs := 120
	on, iv = applyPersistedPoller(storage.PollerSettings{Enabled: &off, IntervalSeconds: &secs}, true, time.Minute)
	assert.False(t, on)
	assert.Equal(t, 2*time.Minute, iv)
}
