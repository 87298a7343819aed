package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  owner_user_ids: [42]
  poll_timeout: 15s
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
  alert:
    enabled: false
poller:
  interval: 90s
  jitter: 5s
  airport_batch_size: 8
provider:
  max_requests_per_minute: 10
  rate_limit_cooldown: 60s
eligibility:
  far_from_destination_km: 12.5
  turnaround_requires_motion: false
storage:
  path: /tmp/fw.db
  retention: 168h
reference: {}
jobs:
  timezone: America/New_York
  usage_report: "0 8 * * *"
ops:
  enabled: true
  addr: 127.0.0.1:9090
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func testManager(path string, s Secrets) *Manager {
	m := NewManager(path)
	m.secrets = func() (Secrets, error) { return s, nil }
	m.debounce = 20 * time.Millisecond
	return m
}

func TestParse_YAML(t *testing.T) {
	m := testManager(writeFile(t, "config.yaml", sampleYAML), Secrets{})
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "90s", cfg.Poller.Interval)
	assert.Equal(t, 8, cfg.Poller.AirportBatchSize)
	require.NotNil(t, cfg.Eligibility)
	assert.InDelta(t, 12.5, cfg.Eligibility.FarFromDestinationKm, 1e-9)
	require.NotNil(t, cfg.Eligibility.TurnaroundRequiresMotion)
	assert.False(t, *cfg.Eligibility.TurnaroundRequiresMotion)
	assert.Nil(t, cfg.Notifier)
	assert.Same(t, cfg, m.Get())
}

func TestParse_JSONRejectsUnknownAndTrailing(t *testing.T) {
	_, err := testManager(writeFile(t, "c.json", `{"poller":{"intervall":"60s"}}`), Secrets{}).Parse()
	assert.ErrorContains(t, err, "unknown field")

	_, err = testManager(writeFile(t, "c.json", `{} {}`), Secrets{}).Parse()
	assert.ErrorContains(t, err, "trailing data")

	_, err = testManager(writeFile(t, "c.yml", "poller: {nope: 1}\n"), Secrets{}).Parse()
	assert.Error(t, err)
}

func TestParse_SecretsOverrideFile(t *testing.T) {
	body := `{"telegram":{"token":"file-token"},"provider":{"api_keys":["file-key"]}}`
	m := testManager(writeFile(t, "c.json", body), Secrets{TelegramToken: "env-token", FR24APIKeys: []string{"k1", "k2"}})
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Provider.APIKeys)

	m = testManager(writeFile(t, "c.json", body), Secrets{})
	cfg, err = m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "file-token", cfg.Telegram.Token)
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("FLIGHTWATCH_TELEGRAM_TOKEN", " tok ")
	t.Setenv("FLIGHTWATCH_FR24_API_KEYS", "aaa, bbb,,ccc ")
	s, err := LoadSecrets()
	require.NoError(t, err)
	assert.Equal(t, "tok", s.TelegramToken)
	assert.Equal(t, []string{"aaa", "bbb", "ccc"}, s.FR24APIKeys)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(&Config{}))

	err := Validate(&Config{
		Poller:   PollerConfig{Interval: "soon", AirportBatchSize: -1},
		Provider: ProviderConfig{Window: "-1s"},
		Jobs:     JobsConfig{Timezone: "Mars/Olympus"},
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "poller.interval")
	assert.ErrorContains(t, err, "batch sizes")
	assert.ErrorContains(t, err, "provider.window")
	assert.ErrorContains(t, err, "jobs.timezone")
}

func TestValidate_OpsAddr(t *testing.T) {
	assert.NoError(t, Validate(&Config{Ops: OpsConfig{Enabled: true, Addr: "localhost:9090"}}))
	assert.Error(t, Validate(&Config{Ops: OpsConfig{Enabled: true, Addr: "0.0.0.0:9090"}}))
	assert.NoError(t, Validate(&Config{Ops: OpsConfig{Enabled: true, Addr: "0.0.0.0:9090", Token: "t"}}))
	assert.NoError(t, Validate(&Config{Ops: OpsConfig{Enabled: true, Addr: "10.0.0.1:9090", AllowInsecure: true}}))
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", "250ms", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = ParseDurationOrDefault("x", "90", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDurationOrDefault("x", "0", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = ParseDurationOrDefault("x", "abc", time.Minute)
	assert.ErrorContains(t, err, "x: \"abc\" is not a duration")

	_, err = ParseDurationOrDefault("x", "-5s", time.Minute)
	assert.ErrorContains(t, err, "negative duration")
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{Provider: ProviderConfig{APIKeys: []string{"a"}}, Poller: PollerConfig{Interval: "60s"}}
	newCfg := &Config{Provider: ProviderConfig{APIKeys: []string{"a", "b"}}, Poller: PollerConfig{Interval: "30s"}}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"poller", "provider"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestWatch_PublishesChanges(t *testing.T) {
	path := writeFile(t, "config.json", `{"poller":{"interval":"60s"}}`)
	m := testManager(path, Secrets{})
	_, err := m.Load()
	require.NoError(t, err)
	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// the watcher may start after the first write; keep rewriting until seen
	var got *Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(`{"poller":{"interval":"30s"}}`), 0o600)
		select {
		case got = <-updates:
			return true
		default:
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)
	assert.Equal(t, "30s", got.Poller.Interval)
	assert.Equal(t, "30s", m.Get().Poller.Interval)

	cancel()
	<-done
}

func TestWatch_RejectsInvalid(t *testing.T) {
	path := writeFile(t, "config.json", `{"poller":{"interval":"60s"}}`)
	m := testManager(path, Secrets{})
	_, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"poller":{"interval":"bogus"}}`), 0o600))
	m.reload(context.Background())
	assert.Equal(t, "60s", m.Get().Poller.Interval)
}

func TestDecode_ExampleFile(t *testing.T) {
	b, err := os.ReadFile(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	cfg, err := Decode("config.example.yaml", b)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	assert.Equal(t, []int64{123456789}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "0 8 * * *", cfg.Jobs.UsageReport)
	require.NotNil(t, cfg.Poller.Enabled)
	assert.True(t, *cfg.Poller.Enabled)
}
