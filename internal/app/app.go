// Package app wires configuration to the running components and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"flightwatch/internal/commands"
	"flightwatch/internal/config"
	"flightwatch/internal/credpool"
	"flightwatch/internal/eventbus"
	"flightwatch/internal/jobs"
	"flightwatch/internal/notifier"
	"flightwatch/internal/observability/metrics"
	"flightwatch/internal/observability/ops"
	"flightwatch/internal/poller"
	"flightwatch/internal/provider/fr24"
	"flightwatch/internal/reference"
	"flightwatch/internal/runtime/supervisor"
	"flightwatch/internal/storage"
	"flightwatch/internal/transport"
	"flightwatch/internal/transport/telegram"
	"flightwatch/internal/usage"
	logx "flightwatch/pkg/logx"
	"flightwatch/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.SQLite
	adapter *telegram.Adapter
	pool    *credpool.Pool
	client  *fr24.Client
	ref     *reference.Service
	usage   *usage.Service
	notif   *notifier.Service
	orch    *poller.Orchestrator
	state   *poller.State
	loop    *poller.Loop
	router  *commands.Router
	sched   *jobs.Scheduler
	metrics *metrics.Collector
	ops     *ops.Server

	retention time.Duration
	started   time.Time
	updates   chan transport.Message
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMappings(cfg); err != nil {
		return nil, err
	}

	lcfg, _ := mapLogging(cfg)
	logs, log := logx.NewService(lcfg)
	appLog := log.With(logx.String("comp", "app"))

	tcfg, _ := mapTelegram(cfg)
	ad, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	if cfg.Telegram.AlertChatID != 0 {
		target := transport.ChatTarget{ChatID: cfg.Telegram.AlertChatID, ThreadID: cfg.Telegram.AlertThreadID}
		logs.SetAlertSink(func(ctx context.Context, text string) error {
			_, err := ad.SendText(ctx, target, text, &transport.SendOptions{DisablePreview: true})
			return err
		})
	}

	bus := eventbus.New()

	scfg, _ := MapStorage(cfg)
	store, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pcfg, _ := mapPool(cfg)
	pool := credpool.New(cfg.Provider.APIKeys, pcfg,
		credpool.WithLogger(log.With(logx.String("comp", "credpool"))),
		credpool.WithBus(bus))
	fcfg, _ := mapProvider(cfg)
	client := fr24.New(fcfg, pool, log.With(logx.String("comp", "fr24")))

	rcfg, refEvery, _ := mapReference(cfg)
	ref := reference.NewService(rcfg, store, log.With(logx.String("comp", "reference")))
	usageSvc := usage.NewService(client, store)

	ncfg, _ := mapNotifier(cfg)
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)

	mc := metrics.New()
	ps, _ := mapPoller(cfg)
	orch := poller.NewOrchestrator(ps.Orch, store, client, pool, ref.Cache(), notif,
		poller.WithBus(bus),
		poller.WithObserver(mc),
		poller.WithLogger(log.With(logx.String("comp", "poller"))))

	persisted, err := store.PollerSettings(ctx)
	if err != nil {
		appLog.Warn("persisted poller settings unreadable; using file defaults", logx.Err(err))
	}
	enabled, interval := applyPersistedPoller(persisted, ps.Enabled, ps.Interval)
	state := poller.NewState(enabled, interval, bus)
	loop := poller.NewLoop(state, orch, ps.Jitter, log.With(logx.String("comp", "poll_loop"))).WithEscalation(store, notif)

	manualPark, _ := mapManualPark(cfg)
	router := commands.NewRouter(ad, log, cfg.Telegram.OwnerUserIDs)
	commands.RegisterAll(router, commands.Deps{
		Store:      store,
		Pool:       pool,
		Poll:       state,
		Usage:      usageSvc,
		Reference:  ref,
		Loop:       loop,
		ManualPark: manualPark,
		LogFile:    logs.FilePath,
	})

	js := mapJobs(cfg, refEvery, rcfg.BaseURL != "")
	sched, err := jobs.New(js.Timezone, log)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	retention, _ := mapRetention(cfg)

	ocfg, _ := mapOps(cfg)

	queue := cfg.Telegram.QueueSize
	if queue <= 0 {
		queue = 256
	}
	a := &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logs,
		bus:       bus,
		store:     store,
		adapter:   ad,
		pool:      pool,
		client:    client,
		ref:       ref,
		usage:     usageSvc,
		notif:     notif,
		orch:      orch,
		state:     state,
		loop:      loop,
		router:    router,
		sched:     sched,
		metrics:   mc,
		retention: retention,
		updates:   make(chan transport.Message, queue),
	}
	a.ops = ops.New(ocfg, a.health, mc.Handler(), log.With(logx.String("comp", "ops")))
	if err := a.registerJobs(js); err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

// validateMappings runs every config mapping so a bad value fails the
// load or the hot reload instead of silently keeping a default.
func validateMappings(cfg *config.Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapLogging(cfg)
	collect(err)
	_, err = mapTelegram(cfg)
	collect(err)
	_, err = MapStorage(cfg)
	collect(err)
	_, err = mapPool(cfg)
	collect(err)
	_, err = mapProvider(cfg)
	collect(err)
	_, _, err = mapReference(cfg)
	collect(err)
	_, err = mapNotifier(cfg)
	collect(err)
	_, err = mapPoller(cfg)
	collect(err)
	_, err = mapManualPark(cfg)
	collect(err)
	_, err = mapRetention(cfg)
	collect(err)
	_, err = mapOps(cfg)
	collect(err)
	js := mapJobs(cfg, time.Minute, true)
	for name, spec := range map[string]string{"jobs.cleanup": js.Cleanup, "jobs.usage_report": js.UsageReport} {
		if strings.EqualFold(spec, jobs.Off) {
			continue
		}
		if _, _, err := jobs.ParseSchedule(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) registerJobs(js jobSpecs) error {
	jlog := a.log.With(logx.String("comp", "jobs"))
	if err := a.sched.Add(jobs.NameCleanup, js.Cleanup, 5*time.Minute,
		jobs.Cleanup(a.store, a.retention, nil, jlog)); err != nil {
		return err
	}
	if err := a.sched.Add(jobs.NameUsageReport, js.UsageReport, 2*time.Minute,
		jobs.UsageReport(a.usage, a.store, a.notif, jlog)); err != nil {
		return err
	}
	return a.sched.Add(jobs.NameReference, js.Reference, 5*time.Minute,
		jobs.ReferenceRefresh(a.ref, a.reportReferenceChange, jlog))
}

// reportReferenceChange posts a changelog to every notify channel.
func (a *App) reportReferenceChange(ctx context.Context, changelog string, results []reference.Result) {
	chans, err := a.store.GuildChannels(ctx)
	if err != nil || len(chans) == 0 {
		return
	}
	models := reference.Changed(results, reference.DatasetModels)
	airports := reference.Changed(results, reference.DatasetAirports)
	a.notif.BroadcastEach(ctx, chans, func(gc storage.GuildChannel) string {
		return changeNotice(gc.Mentions, changelog, models, airports)
	})
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateMappings(cfg) })

	cfg := a.cfgm.Get()
	if err := startupChecks(ctx, cfg, a.store, a.log); err != nil {
		return fmt.Errorf("startup check: %w", err)
	}
	if na, nm, err := a.ref.LoadFromStore(ctx); err != nil {
		a.log.Warn("reference cache load failed", logx.Err(err))
	} else {
		a.log.Info("reference cache loaded", logx.Int("airports", na), logx.Int("models", nm))
	}

	credEvents, unsubCred := a.bus.Subscribe(64)
	a.sup.Go("credentials.persist", func(c context.Context) error {
		defer unsubCred()
		return persistCredentialEvents(c, credEvents, a.store, a.log)
	})
	if parks, credits, err := restoreCredentials(ctx, a.store, a.pool, time.Now(), a.log); err != nil {
		a.log.Warn("credential state restore failed", logx.Err(err))
	} else {
		a.log.Info("credential state restored", logx.Int("parks", parks), logx.Int("credits", credits), logx.Int("keys", a.pool.Len()))
	}

	metricEvents, unsubMetrics := a.bus.Subscribe(256)
	a.metrics.SetPollingEnabled(a.state.Enabled())
	a.sup.Go("metrics.follow", func(c context.Context) error {
		defer unsubMetrics()
		a.metrics.Follow(metricEvents, c.Done())
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.adapter.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
		a.log.Warn("command menu update failed", logx.Err(err))
	}
	cancel()

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates, 0)
	})
	a.sup.GoRestart("poller.loop", a.loop.Run, supervisor.WithBackoff(time.Second, 30*time.Second))

	a.sched.Start()
	if a.ref.Cache().AirportCount() == 0 && cfg.Reference.BaseURL != "" {
		a.sup.Go("reference.initial", func(c context.Context) error {
			if err := a.sched.RunNow(c, jobs.NameReference); err != nil {
				a.log.Warn("initial reference refresh failed", logx.Err(err))
			}
			return nil
		})
	}

	a.ops.Start(a.sup.Context())

	cfgSub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(cfgSub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-cfgSub:
				if !ok {
					return nil
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if wd := systemd.WatchdogInterval(); wd > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, wd, a.healthy)
		})
	}
	systemd.Ready()
	systemd.Status(fmt.Sprintf("polling=%t interval=%s keys=%d", a.state.Enabled(), a.state.Interval(), a.pool.Len()))
	a.log.Info("app started", logx.Bool("polling", a.state.Enabled()), logx.Duration("interval", a.state.Interval()))
	return nil
}

// applyConfig pushes a committed reload into the live components.
// Storage, API keys, bot token and job timezone need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, fields := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)

	if prev.Storage != next.Storage || strings.Join(prev.Provider.APIKeys, ",") != strings.Join(next.Provider.APIKeys, ",") ||
		prev.Telegram.Token != next.Telegram.Token || prev.Jobs.Timezone != next.Jobs.Timezone {
		a.log.Warn("storage, api keys, bot token or jobs timezone changed; restart required for those to take effect")
	}

	if lc, err := mapLogging(next); err == nil {
		a.logs.Apply(lc)
	}
	a.router.SetOwners(next.Telegram.OwnerUserIDs)
	if ps, err := mapPoller(next); err == nil {
		a.orch.SetConfig(ps.Orch)
		a.loop.SetJitter(ps.Jitter)
	}
	if nc, err := mapNotifier(next); err == nil {
		a.notif.Apply(nc)
	}
	if rt, err := mapRetention(next); err == nil {
		a.retention = rt
	}
	_, refEvery, _ := mapReference(next)
	if err := a.registerJobs(mapJobs(next, refEvery, next.Reference.BaseURL != "")); err != nil {
		a.log.Warn("job schedules not updated", logx.Err(err))
	}
	if oc, err := mapOps(next); err == nil {
		a.ops.Reconfigure(ctx, oc)
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	systemd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("jobs", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
