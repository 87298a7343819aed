package jobs

import (
	"context"
	"fmt"
	"time"

	"flightwatch/internal/notifier"
	"flightwatch/internal/reference"
	"flightwatch/internal/storage"
	"flightwatch/internal/usage"
	logx "flightwatch/pkg/logx"
)

const (
	NameCleanup     = "notification-cleanup"
	NameUsageReport = "usage-report"
	NameReference   = "reference-refresh"

	DefaultCleanup     = "@daily"
	DefaultUsageReport = "0 8 * * *"
	DefaultReference   = "30m"
	DefaultTimezone    = "America/New_York"
	DefaultRetention   = 7 * 24 * time.Hour
)

type LedgerStore interface {
	CleanupNotifications(ctx context.Context, cutoff time.Time) (int, error)
}

// Cleanup deletes ledger rows older than retention.
func Cleanup(st LedgerStore, retention time.Duration, now func() time.Time, log logx.Logger) Func {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		cutoff := now().Add(-retention)
		n, err := st.CleanupNotifications(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("cleanup notifications: %w", err)
		}
		log.Info("notification log pruned", logx.Int("deleted", n), logx.Time("cutoff", cutoff))
		return nil
	}
}

type UsageRefresher interface {
	Refresh(ctx context.Context) (storage.UsageCache, error)
}

type ChannelLister interface {
	GuildChannels(ctx context.Context) ([]storage.GuildChannel, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, channels []storage.GuildChannel, text string) notifier.BroadcastResult
}

// UsageReport fetches and caches account usage, then posts it to every
// notify channel.
func UsageReport(u UsageRefresher, channels ChannelLister, b Broadcaster, log logx.Logger) Func {
	return func(ctx context.Context) error {
		doc, err := u.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("usage report: %w", err)
		}
		targets, err := channels.GuildChannels(ctx)
		if err != nil {
			return fmt.Errorf("usage report channels: %w", err)
		}
		if len(targets) == 0 {
			log.Warn("usage report skipped: no notify channels")
			return nil
		}
		res := b.Broadcast(ctx, targets, usage.Render(doc))
		log.Info("usage report sent", logx.Int("sent", res.Sent), logx.Int("failed", res.Failed))
		if res.Sent == 0 && res.Failed > 0 {
			return fmt.Errorf("usage report: all %d sends failed", res.Failed)
		}
		return nil
	}
}

type ReferenceRefresher interface {
	Refresh(ctx context.Context, dataset string) ([]reference.Result, error)
}

// ReferenceRefresh reloads both datasets and hands a non-empty changelog,
// with the results it was built from, to report.
func ReferenceRefresh(r ReferenceRefresher, report func(ctx context.Context, changelog string, results []reference.Result), log logx.Logger) Func {
	return func(ctx context.Context) error {
		results, err := r.Refresh(ctx, reference.DatasetAll)
		for _, res := range results {
			log.Debug("reference dataset refreshed", logx.String("dataset", res.Dataset), logx.Int("rows", res.Rows), logx.String("updated_at", res.UpdatedAt))
		}
		if text := reference.Changelog(results); text != "" {
			log.Info("reference data changed", logx.String("changelog", text))
			if report != nil {
				report(ctx, text, results)
			}
		}
		return err
	}
}
