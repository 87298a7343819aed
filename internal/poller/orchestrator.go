package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"flightwatch/internal/credpool"
	"flightwatch/internal/eventbus"
	"flightwatch/internal/flight"
	"flightwatch/internal/provider/fr24"
	"flightwatch/internal/storage"
	logx "flightwatch/pkg/logx"
)

// Store is what a cycle reads and writes.
type Store interface {
	ActiveSubscriptions(ctx context.Context) ([]storage.Subscription, error)
	GuildNotifyChannel(ctx context.Context, guildID int64) (storage.ChannelRef, bool, error)
	LoggedSubscriptionIDs(ctx context.Context, flightID string, subIDs []int64) (map[int64]bool, error)
	LogNotifications(ctx context.Context, subIDs []int64, flightID string) error
	SaveCredits(ctx context.Context, r storage.CreditRecord) error
}

type Provider interface {
	Fetch(ctx context.Context, kind flight.Kind, codes []string) (fr24.Response, error)
}

// Pool is the credential bookkeeping a cycle touches.
type Pool interface {
	StartCycle()
	RecordCredits(index int, c credpool.Credits) (credpool.Credits, error)
	Suffix(index int) (string, bool)
	Statuses() []credpool.Status
	CreditSnapshot() map[string]credpool.Credits
}

type Recipient struct {
	UserID int64
	Name   string
}

// CreditInfo is the credit reading of the response that produced a flight.
type CreditInfo struct {
	Suffix    string
	Consumed  *int64
	Remaining *int64
}

// Notification is one message to a guild about one flight.
type Notification struct {
	GuildID     int64
	Channel     storage.ChannelRef
	Recipients  []Recipient
	Flight      flight.Flight
	Kind        flight.Kind
	DisplayCode string
	Credits     *CreditInfo
}

// Sink delivers notifications and operator alerts. A nil error from Send
// means the message was delivered.
type Sink interface {
	Send(ctx context.Context, n Notification) error
	Alert(ctx context.Context, ch storage.ChannelRef, text string) error
}

type Config struct {
	Batch      BatchSizes
	BatchDelay time.Duration
	Thresholds flight.Thresholds
}

type Orchestrator struct {
	mu       sync.Mutex
	cfg      Config
	store    Store
	provider Provider
	pool     Pool
	ref      Resolver
	sink     Sink
	log      logx.Logger
	bus      eventbus.Bus
	observer Observer
	now      func() time.Time
}

type Option func(*Orchestrator)

func WithBus(b eventbus.Bus) Option      { return func(o *Orchestrator) { o.bus = b } }
func WithObserver(ob Observer) Option    { return func(o *Orchestrator) { o.observer = ob } }
func WithNow(fn func() time.Time) Option { return func(o *Orchestrator) { o.now = fn } }
func WithLogger(l logx.Logger) Option    { return func(o *Orchestrator) { o.log = l } }

func NewOrchestrator(cfg Config, store Store, provider Provider, pool Pool, ref Resolver, sink Sink, opts ...Option) *Orchestrator {
	if cfg.Thresholds == (flight.Thresholds{}) {
		cfg.Thresholds = flight.DefaultThresholds()
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		provider: provider,
		pool:     pool,
		ref:      ref,
		sink:     sink,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return o
}

// SetConfig swaps batching and threshold settings for the next cycle.
func (o *Orchestrator) SetConfig(cfg Config) {
	if cfg.Thresholds == (flight.Thresholds{}) {
		cfg.Thresholds = flight.DefaultThresholds()
	}
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

// cycle carries the per-run state; nothing here outlives RunCycle.
type cycle struct {
	o         *Orchestrator
	cfg       Config
	log       logx.Logger
	m         CycleMetrics
	groups    []*Group
	channels  map[int64]*storage.ChannelRef
	throttled bool
	stop      bool
}

// RunCycle performs one full poll. The returned error is only set when the
// cycle could not run at all; per-request failures are reflected in the
// metrics.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleMetrics, error) {
	o.mu.Lock()
	cfg := o.cfg
	o.mu.Unlock()

	c := &cycle{
		o:        o,
		cfg:      cfg,
		m:        CycleMetrics{ID: uuid.NewString(), StartedAt: o.now()},
		channels: map[int64]*storage.ChannelRef{},
	}
	c.log = o.log.With(logx.String("cycle", c.m.ID))
	o.pool.StartCycle()

	err := c.run(ctx)
	c.finish(err)
	return c.m, err
}

func (c *cycle) run(ctx context.Context) error {
	subs, err := c.o.store.ActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	c.m.Subscriptions = len(subs)
	if len(subs) == 0 {
		c.log.Debug("no active subscriptions")
		return nil
	}

	c.groups = BuildGroups(subs, c.o.ref)
	c.m.Groups = len(c.groups)
	reqs := PlanRequests(c.groups, c.cfg.Batch)
	c.m.Batches = len(reqs)

	for i, req := range reqs {
		if c.stop {
			c.m.SkippedBatches += len(reqs) - i
			break
		}
		if i > 0 && c.cfg.BatchDelay > 0 {
			if err := sleepCtx(ctx, c.cfg.BatchDelay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.execute(ctx, req, true)
	}
	return nil
}

func (c *cycle) execute(ctx context.Context, req Request, allowFallback bool) {
	c.m.Requests++
	log := c.log.With(logx.String("kind", string(req.Kind)), logx.Strings("codes", req.Codes))
	resp, err := c.o.provider.Fetch(ctx, req.Kind, req.Codes)
	if err == nil {
		info := c.recordCredits(ctx, resp)
		log.Debug("batch fetched", logx.Int("flights", len(resp.Flights)), logx.String("encoding", resp.Encoding))
		for _, a := range Demux(c.groups, req, resp.Flights) {
			c.dispatch(ctx, a, info)
		}
		return
	}

	if ne, ok := credpool.AsNoActive(err); ok {
		c.m.NoActive = true
		c.m.NextUnparkIn = ne.RetryIn
		c.stop = true
		log.Warn("no active credentials, skipping remaining requests", logx.Duration("next_unpark_in", ne.RetryIn))
		return
	}
	if credpool.IsRateLimited(err) {
		c.m.RateLimited++
		log.Warn("batch rate limited", logx.Err(err))
		if !c.throttled {
			c.throttled = true
			c.notifyThrottle(ctx, req, err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	if credpool.IsParamError(err) {
		if allowFallback && len(req.Codes) > 1 {
			c.m.Fallbacks++
			log.Info("batch rejected, falling back to per-code requests", logx.Err(err))
			for i, code := range req.Codes {
				if c.stop || ctx.Err() != nil {
					return
				}
				if i > 0 && c.cfg.BatchDelay > 0 {
					if sleepCtx(ctx, c.cfg.BatchDelay) != nil {
						return
					}
				}
				c.execute(ctx, Request{Kind: req.Kind, Codes: []string{code}}, false)
			}
			return
		}
		c.m.ParamRejected++
		log.Warn("code rejected by provider", logx.Err(err))
		return
	}

	c.m.TransportErrs++
	log.Error("request failed", logx.Err(err))
	c.escalate(ctx, req, err)
}

func (c *cycle) recordCredits(ctx context.Context, resp fr24.Response) *CreditInfo {
	if !resp.Credits.Known() {
		return nil
	}
	suffix, ok := c.o.pool.Suffix(resp.KeyIndex)
	if !ok {
		return nil
	}
	prev, err := c.o.pool.RecordCredits(resp.KeyIndex, resp.Credits)
	if err != nil {
		c.log.Warn("record credits failed", logx.Err(err))
		return nil
	}
	c.m.addDelta(suffix, prev, resp.Credits)
	if err := c.o.store.SaveCredits(ctx, storage.CreditRecord{
		Suffix:    suffix,
		Consumed:  resp.Credits.Consumed,
		Remaining: resp.Credits.Remaining,
	}); err != nil {
		c.m.StoreErrors++
		c.log.Warn("persist credits failed", logx.String("key", suffix), logx.Err(err))
	}
	return &CreditInfo{Suffix: suffix, Consumed: resp.Credits.Consumed, Remaining: resp.Credits.Remaining}
}

func (c *cycle) dispatch(ctx context.Context, a Assignment, credits *CreditInfo) {
	g := a.Group
	now := c.o.now()
	for _, f := range a.Flights {
		c.m.Events++
		d := c.eligible(g, f, now)
		if !d.Eligible {
			c.m.Filtered++
			c.log.Debug("event filtered",
				logx.String("group", g.Code),
				logx.String("callsign", f.Callsign),
				logx.String("reason", d.Reason))
			continue
		}
		id := flight.Identity(f)
		for _, guild := range g.Guilds() {
			c.notifyGuild(ctx, g, guild, f, id, credits)
		}
	}
}

func (c *cycle) eligible(g *Group, f flight.Flight, now time.Time) flight.Decision {
	th := c.cfg.Thresholds
	if g.Kind != flight.KindAirport {
		return th.Tracked(f)
	}
	dest := g.Airport
	if dest == nil && c.o.ref != nil {
		for _, code := range f.DestinationCodes() {
			if a, ok := c.o.ref.ResolveAirport(code); ok {
				dest = &a
				break
			}
		}
	}
	var aliases flight.AliasFunc
	if c.o.ref != nil {
		aliases = c.o.ref.Aliases
	}
	return th.Arrival(f, dest, aliases, now)
}

func (c *cycle) notifyGuild(ctx context.Context, g *Group, guild int64, f flight.Flight, id string, credits *CreditInfo) {
	ch, ok := c.channel(ctx, guild)
	if !ok {
		c.m.NoChannel++
		return
	}
	subs := g.guildSubs(guild)
	ids := make([]int64, len(subs))
	for i, s := range subs {
		ids[i] = s.ID
	}
	logged, err := c.o.store.LoggedSubscriptionIDs(ctx, id, ids)
	if err != nil {
		c.m.StoreErrors++
		c.log.Error("ledger lookup failed", logx.Int64("guild", guild), logx.String("flight", id), logx.Err(err))
		return
	}

	var (
		pending    []int64
		recipients []Recipient
		seenUser   = map[int64]bool{}
	)
	for _, s := range subs {
		if logged[s.ID] {
			continue
		}
		pending = append(pending, s.ID)
		if !seenUser[s.UserID] {
			seenUser[s.UserID] = true
			recipients = append(recipients, Recipient{UserID: s.UserID, Name: s.UserName})
		}
	}
	if len(pending) == 0 {
		c.m.Duplicates++
		return
	}

	n := Notification{
		GuildID:     guild,
		Channel:     ch,
		Recipients:  recipients,
		Flight:      f,
		Kind:        g.Kind,
		DisplayCode: g.Code,
		Credits:     credits,
	}
	if err := c.o.sink.Send(ctx, n); err != nil {
		c.m.SendFailed++
		c.log.Warn("notification send failed", logx.Int64("guild", guild), logx.String("flight", id), logx.Err(err))
		return
	}
	if err := c.o.store.LogNotifications(ctx, pending, id); err != nil {
		c.m.StoreErrors++
		c.log.Error("ledger write failed", logx.Int64("guild", guild), logx.String("flight", id), logx.Err(err))
		return
	}
	c.m.Notified++
	c.m.Recipients += len(recipients)
	c.log.Info("notification sent",
		logx.Int64("guild", guild),
		logx.String("group", string(g.Kind)+":"+g.Code),
		logx.String("flight", id),
		logx.Int("subscriptions", len(pending)))
}

// channel caches the guild routing for the cycle, misses included.
func (c *cycle) channel(ctx context.Context, guild int64) (storage.ChannelRef, bool) {
	if ch, ok := c.channels[guild]; ok {
		if ch == nil {
			return storage.ChannelRef{}, false
		}
		return *ch, true
	}
	ch, ok, err := c.o.store.GuildNotifyChannel(ctx, guild)
	if err != nil {
		c.m.StoreErrors++
		c.log.Warn("guild channel lookup failed", logx.Int64("guild", guild), logx.Err(err))
		return storage.ChannelRef{}, false
	}
	if !ok || ch.IsZero() {
		c.channels[guild] = nil
		return storage.ChannelRef{}, false
	}
	c.channels[guild] = &ch
	return ch, true
}

func (c *cycle) affectedChannels(ctx context.Context, req Request) []storage.ChannelRef {
	seen := map[storage.ChannelRef]bool{}
	var out []storage.ChannelRef
	for _, g := range targets(c.groups, req) {
		for _, guild := range g.Guilds() {
			ch, ok := c.channel(ctx, guild)
			if ok && !seen[ch] {
				seen[ch] = true
				out = append(out, ch)
			}
		}
	}
	return out
}

func (c *cycle) notifyThrottle(ctx context.Context, req Request, err error) {
	text := fmt.Sprintf("Flight data provider is throttling requests; %s %s skipped this cycle.",
		req.Kind, strings.Join(req.Codes, ","))
	var rl *credpool.RateLimitedError
	if errors.As(err, &rl) {
		text += fmt.Sprintf(" Key ***%s cooling down for %s.", rl.Suffix, rl.Cooldown)
	}
	c.alert(ctx, req, text)
}

func (c *cycle) escalate(ctx context.Context, req Request, err error) {
	text := fmt.Sprintf("Polling %s %s failed: %v", req.Kind, strings.Join(req.Codes, ","), err)
	c.alert(ctx, req, text)
}

func (c *cycle) alert(ctx context.Context, req Request, text string) {
	for _, ch := range c.affectedChannels(ctx, req) {
		if err := c.o.sink.Alert(ctx, ch, text); err != nil {
			c.log.Warn("alert failed", logx.Int64("chat", ch.ChatID), logx.Err(err))
		}
	}
}

func (c *cycle) finish(err error) {
	c.m.Duration = c.o.now().Sub(c.m.StartedAt)
	c.m.PerCredential = c.o.pool.Statuses()
	c.m.Credits = c.o.pool.CreditSnapshot()
	if err != nil {
		c.m.Err = err.Error()
	}

	fields := []logx.Field{
		logx.Int("subscriptions", c.m.Subscriptions),
		logx.Int("groups", c.m.Groups),
		logx.Int("batches", c.m.Batches),
		logx.Int("requests", c.m.Requests),
		logx.Int("fallbacks", c.m.Fallbacks),
		logx.Int("events", c.m.Events),
		logx.Int("notified", c.m.Notified),
		logx.Int("rate_limited", c.m.RateLimited),
		logx.Duration("took", c.m.Duration),
	}
	for suffix, d := range c.m.CreditDeltas {
		fields = append(fields, logx.String("credits_"+suffix, fmt.Sprintf("consumed=%d remaining=-%d", d.Consumed, d.Remaining)))
	}
	if c.m.Subscriptions > 0 {
		c.log.Info("poll cycle complete", fields...)
	}

	if c.o.bus != nil {
		c.o.bus.Publish(eventbus.Event{Type: eventbus.CycleCompleted, Data: c.m})
	}
	if c.o.observer != nil {
		c.o.observer.ObserveCycle(c.m)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
