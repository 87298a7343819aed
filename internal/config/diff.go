package config

import (
	"reflect"
	"sort"
	"strings"

	logx "flightwatch/pkg/logx"
)

// SummarizeChange lists the changed top-level sections and log fields
// describing them. Secrets are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	section("telegram",
		ot.PollTimeout != nt.PollTimeout || !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
			ot.AlertChatID != nt.AlertChatID || ot.AlertThreadID != nt.AlertThreadID || ot.QueueSize != nt.QueueSize ||
			(ot.Token != "") != (nt.Token != ""),
		logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		logx.Bool("telegram.alert_chat_set", nt.AlertChatID != 0),
		logx.Bool("telegram.token_set", nt.Token != ""),
	)
	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
	)
	section("poller", !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller),
		logx.String("poller.interval", newCfg.Poller.Interval),
		logx.String("poller.jitter", newCfg.Poller.Jitter),
		logx.String("poller.batch_delay", newCfg.Poller.BatchDelay),
	)

	op, np := oldCfg.Provider, newCfg.Provider
	keysChanged := !reflect.DeepEqual(op.APIKeys, np.APIKeys)
	op.APIKeys, np.APIKeys = nil, nil
	section("provider", keysChanged || !reflect.DeepEqual(op, np),
		logx.Int("provider.key_count", len(newCfg.Provider.APIKeys)),
		logx.Bool("provider.keys_changed", keysChanged),
		logx.Int("provider.max_requests_per_minute", np.MaxRequestsPerMinute),
	)
	section("eligibility", !reflect.DeepEqual(oldCfg.Eligibility, newCfg.Eligibility))
	section("notifier", !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier))
	section("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.String("storage.retention", newCfg.Storage.Retention),
	)
	section("reference", !reflect.DeepEqual(oldCfg.Reference, newCfg.Reference),
		logx.String("reference.refresh_every", newCfg.Reference.RefreshEvery),
	)
	section("jobs", !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs),
		logx.String("jobs.timezone", newCfg.Jobs.Timezone),
	)

	oo, no := oldCfg.Ops, newCfg.Ops
	section("ops",
		oo.Enabled != no.Enabled || oo.Addr != no.Addr || oo.AllowInsecure != no.AllowInsecure ||
			oo.ReadTimeout != no.ReadTimeout || oo.IdleTimeout != no.IdleTimeout ||
			(strings.TrimSpace(oo.Token) != "") != (strings.TrimSpace(no.Token) != ""),
		logx.Bool("ops.enabled", no.Enabled),
		logx.String("ops.addr", no.Addr),
		logx.Bool("ops.token_set", strings.TrimSpace(no.Token) != ""),
	)

	sort.Strings(changed)
	return changed, attrs
}
