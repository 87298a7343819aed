package app

import (
	"context"
	"errors"
	"sort"
	"time"

	"flightwatch/internal/config"
	"flightwatch/internal/reference"
	"flightwatch/internal/storage"
	logx "flightwatch/pkg/logx"
)

type checkStore interface {
	Ping(ctx context.Context) error
	Counts(ctx context.Context) (map[string]int, error)
	ReferenceMeta(ctx context.Context, dataset string) (storage.ReferenceMeta, error)
	GuildChannels(ctx context.Context) ([]storage.GuildChannel, error)
	PollerSettings(ctx context.Context) (storage.PollerSettings, error)
}

// startupChecks logs what the process is about to run with. Only a
// failing database ping is fatal.
func startupChecks(ctx context.Context, cfg *config.Config, st checkStore, log logx.Logger) error {
	log = log.With(logx.String("comp", "startup"))

	log.Info("config summary",
		logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)),
		logx.Int("api_keys", len(cfg.Provider.APIKeys)),
		logx.String("poll_interval", cfg.Poller.Interval),
		logx.String("storage_path", cfg.Storage.Path),
		logx.String("reference_base", cfg.Reference.BaseURL),
		logx.String("jobs_tz", cfg.Jobs.Timezone),
		logx.Bool("ops", cfg.Ops.Enabled),
	)
	log.Info("secrets",
		logx.Bool("telegram_token", cfg.Telegram.Token != ""),
		logx.Bool("fr24_api_keys", len(cfg.Provider.APIKeys) > 0),
		logx.Bool("ops_token", cfg.Ops.Token != ""),
	)
	if len(cfg.Provider.APIKeys) == 0 {
		log.Warn("no FR24 API keys configured; every cycle will be skipped")
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		log.Warn("no owner user ids configured; admin commands are unavailable")
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.Ping(pctx); err != nil {
		return err
	}

	if counts, err := st.Counts(ctx); err != nil {
		log.Warn("database counts failed", logx.Err(err))
	} else {
		names := make([]string, 0, len(counts))
		for k := range counts {
			names = append(names, k)
		}
		sort.Strings(names)
		fields := make([]logx.Field, 0, len(names))
		for _, k := range names {
			fields = append(fields, logx.Int(k, counts[k]))
		}
		log.Info("database counts", fields...)
	}

	for _, ds := range []string{reference.DatasetAirports, reference.DatasetModels} {
		meta, err := st.ReferenceMeta(ctx, ds)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			log.Warn("reference dataset never loaded", logx.String("dataset", ds))
		case err != nil:
			log.Warn("reference meta failed", logx.String("dataset", ds), logx.Err(err))
		default:
			log.Info("reference dataset", logx.String("dataset", ds), logx.Int("rows", meta.RowCount), logx.String("updated_at", meta.UpdatedAt), logx.Time("fetched_at", meta.FetchedAt))
		}
	}

	if ps, err := st.PollerSettings(ctx); err != nil {
		log.Warn("persisted poller settings unreadable", logx.Err(err))
	} else {
		fields := []logx.Field{}
		if ps.Enabled != nil {
			fields = append(fields, logx.Bool("polling_enabled", *ps.Enabled))
		}
		if ps.IntervalSeconds != nil {
			fields = append(fields, logx.Int("poll_interval_seconds", *ps.IntervalSeconds))
		}
		log.Info("persisted poller settings", fields...)
	}

	chans, err := st.GuildChannels(ctx)
	if err != nil {
		log.Warn("guild channels unreadable", logx.Err(err))
	} else if len(chans) == 0 {
		log.Warn("no notify channels configured; run /setchannel in a group")
	} else {
		log.Info("notify channels", logx.Int("count", len(chans)))
	}
	return nil
}

// applyPersistedPoller lets the admin overrides win over file defaults.
func applyPersistedPoller(ps storage.PollerSettings, enabled bool, interval time.Duration) (bool, time.Duration) {
	if ps.Enabled != nil {
		enabled = *ps.Enabled
	}
	if ps.IntervalSeconds != nil && *ps.IntervalSeconds > 0 {
		interval = time.Duration(*ps.IntervalSeconds) * time.Second
	}
	return enabled, interval
}
