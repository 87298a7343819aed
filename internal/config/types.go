package config

// Config is the file-backed configuration. Durations are Go duration
// strings ("60s", "250ms"); an empty string means the default.
//
// Secrets (bot token, API keys, ops token) may be set here but the
// environment wins, see LoadSecrets.
type Config struct {
	Telegram    TelegramConfig     `json:"telegram"`
	Logging     LoggingConfig      `json:"logging"`
	Poller      PollerConfig       `json:"poller"`
	Provider    ProviderConfig     `json:"provider"`
	Eligibility *EligibilityConfig `json:"eligibility,omitempty"`
	Notifier    *NotifierConfig    `json:"notifier,omitempty"`
	Storage     StorageConfig      `json:"storage"`
	Reference   ReferenceConfig    `json:"reference"`
	Jobs        JobsConfig         `json:"jobs"`
	Ops         OpsConfig          `json:"ops"`
}

type TelegramConfig struct {
	Token        string  `json:"token,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AlertChatID receives log records at or above logging.alert.min_level.
	AlertChatID   int64  `json:"alert_chat_id,omitempty"`
	AlertThreadID int    `json:"alert_thread_id,omitempty"`
	PollTimeout   string `json:"poll_timeout,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	Retention  string `json:"retention,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// PollerConfig drives the poll loop. Enabled and Interval are only the
// initial values: /polling and /interval persist overrides in the store.
type PollerConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	Interval   string `json:"interval,omitempty"`
	Jitter     string `json:"jitter,omitempty"`
	BatchDelay string `json:"batch_delay,omitempty"`

	AirportBatchSize      int `json:"airport_batch_size,omitempty"`
	AircraftBatchSize     int `json:"aircraft_batch_size,omitempty"`
	RegistrationBatchSize int `json:"registration_batch_size,omitempty"`
}

type ProviderConfig struct {
	BaseURL       string   `json:"base_url,omitempty"`
	WebBaseURL    string   `json:"web_base_url,omitempty"`
	AcceptVersion string   `json:"accept_version,omitempty"`
	Timeout       string   `json:"timeout,omitempty"`
	APIKeys       []string `json:"api_keys,omitempty"`

	MaxRequestsPerMinute int    `json:"max_requests_per_minute,omitempty"`
	Window               string `json:"window,omitempty"`
	Padding              string `json:"padding,omitempty"`
	RateLimitCooldown    string `json:"rate_limit_cooldown,omitempty"`
	ManualPark           string `json:"manual_park,omitempty"`
}

// EligibilityConfig overrides the arrival heuristic thresholds. Zero
// values keep the defaults.
type EligibilityConfig struct {
	GroundAltitudeFt         float64 `json:"ground_altitude_ft,omitempty"`
	GroundSpeedKt            float64 `json:"ground_speed_kt,omitempty"`
	GroundVerticalFpm        float64 `json:"ground_vertical_fpm,omitempty"`
	FarFromDestinationKm     float64 `json:"far_from_destination_km,omitempty"`
	StaleETA                 string  `json:"stale_eta,omitempty"`
	ZeroTolerance            float64 `json:"zero_tolerance,omitempty"`
	TurnaroundRequiresMotion *bool   `json:"turnaround_requires_motion,omitempty"`
}

type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Retention bounds the notification ledger.
	Retention string `json:"retention,omitempty"`
}

type ReferenceConfig struct {
	BaseURL       string `json:"base_url,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	RefreshEvery  string `json:"refresh_every,omitempty"`
}

// JobsConfig holds the schedules of the background jobs. An empty spec
// keeps the default and "off" disables the job.
type JobsConfig struct {
	Timezone    string `json:"timezone,omitempty"`
	Cleanup     string `json:"cleanup,omitempty"`
	UsageReport string `json:"usage_report,omitempty"`
}

// OpsConfig controls the optional ops HTTP server.
//
// Prefer a loopback address. Binding elsewhere requires a token or an
// explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
