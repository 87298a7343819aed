// Package credpool spreads provider calls over several API credentials,
// each with its own request budget, plus a pool-wide pacing limiter.
package credpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"flightwatch/internal/eventbus"
	"flightwatch/internal/ratelimit"
	logx "flightwatch/pkg/logx"
)

// Config holds the numeric pacing policy.
type Config struct {
	MaxRequestsPerMinute int
	Window               time.Duration
	Padding              time.Duration
	RateLimitCooldown    time.Duration
	ParamErrorMarkers    []string
}

func (c Config) withDefaults() Config {
	if c.MaxRequestsPerMinute <= 0 {
		c.MaxRequestsPerMinute = 10
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Padding < 0 {
		c.Padding = 0
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = 60 * time.Second
	}
	if len(c.ParamErrorMarkers) == 0 {
		c.ParamErrorMarkers = DefaultParamMarkers
	}
	return c
}

// PerCredentialInterval is window/max_rpm + padding.
func (c Config) PerCredentialInterval() time.Duration {
	c = c.withDefaults()
	return c.Window/time.Duration(c.MaxRequestsPerMinute) + c.Padding
}

// Key is handed to request functions. Index is zero-based.
type Key struct {
	Index  int
	Secret string
	Suffix string
}

// Credits is the last credit usage reported for a credential.
type Credits struct {
	Consumed  *int64
	Remaining *int64
	UpdatedAt time.Time
}

func (c Credits) Known() bool { return c.Consumed != nil || c.Remaining != nil }

// Status is a point-in-time view of one credential.
type Status struct {
	Index         int
	Suffix        string
	Active        bool
	ParkedUntil   time.Time
	ParkedReason  string
	NextIn        time.Duration
	CooldownIn    time.Duration
	CycleRequests int
	TotalRequests int64
	LastUsedAt    time.Time
	Credits       Credits
}

type credential struct {
	index   int
	secret  string
	suffix  string
	limiter *ratelimit.Spacer

	cycleRequests int
	totalRequests int64
	lastUsedAt    time.Time

	parkedUntil  time.Time
	parkedReason string

	credits Credits
}

func (c *credential) parked(now time.Time) bool {
	return !c.parkedUntil.IsZero() && c.parkedUntil.After(now)
}

func (c *credential) key() Key {
	return Key{Index: c.index, Secret: c.secret, Suffix: c.suffix}
}

type Pool struct {
	cfg   Config
	clock ratelimit.Clock
	log   logx.Logger
	bus   eventbus.Bus

	perInterval time.Duration
	global      *ratelimit.Spacer

	mu     sync.Mutex
	creds  []*credential
	cursor int
	active int
}

type Option func(*Pool)

func WithClock(c ratelimit.Clock) Option { return func(p *Pool) { p.clock = c } }
func WithLogger(l logx.Logger) Option    { return func(p *Pool) { p.log = l } }
func WithBus(b eventbus.Bus) Option      { return func(p *Pool) { p.bus = b } }

// New builds a pool from the configured secrets. Blank secrets are skipped.
func New(secrets []string, cfg Config, opts ...Option) *Pool {
	p := &Pool{cfg: cfg.withDefaults(), clock: ratelimit.SystemClock{}}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.perInterval = p.cfg.PerCredentialInterval()
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		p.creds = append(p.creds, &credential{
			index:   len(p.creds),
			secret:  s,
			suffix:  MaskSuffix(s),
			limiter: ratelimit.NewSpacer(p.perInterval, p.clock),
		})
	}
	p.active = len(p.creds)
	p.global = ratelimit.NewSpacer(p.poolInterval(p.active), p.clock)
	return p
}

// MaskSuffix returns the last four characters of a secret.
func MaskSuffix(secret string) string {
	s := strings.TrimSpace(secret)
	if s == "" {
		return "????"
	}
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}

func (p *Pool) poolInterval(active int) time.Duration {
	if active < 1 {
		active = 1
	}
	return p.perInterval / time.Duration(active)
}

func (p *Pool) Len() int { return len(p.creds) }

// PerCredentialInterval is the spacing enforced on each credential.
func (p *Pool) PerCredentialInterval() time.Duration { return p.perInterval }

// PoolInterval is the current pool-wide spacing.
func (p *Pool) PoolInterval() time.Duration { return p.global.Interval() }

// ActiveCount returns the number of credentials that are not parked.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked(p.clock.Now())
	return p.active
}

// refreshLocked clears expired parks and keeps the pool-wide interval in
// step with the active count.
func (p *Pool) refreshLocked(now time.Time) {
	active := 0
	for _, c := range p.creds {
		if !c.parkedUntil.IsZero() && !c.parked(now) {
			p.log.Info("credential park expired", logx.Int("key", c.index+1), logx.String("suffix", c.suffix), logx.String("reason", c.parkedReason))
			c.parkedUntil = time.Time{}
			c.parkedReason = ""
			p.publish(eventbus.CredentialUnparked, c, "expired")
		}
		if !c.parked(now) {
			active++
		}
	}
	if active != p.active {
		p.active = active
		p.global.SetInterval(p.poolInterval(active))
	}
}

// Select picks the non-parked credential with the smallest wait. Ties go
// to the first candidate at or after the rotating cursor.
func (p *Pool) Select() (Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	p.refreshLocked(now)

	n := len(p.creds)
	best := -1
	var bestWait time.Duration
	for off := 0; off < n; off++ {
		i := (p.cursor + off) % n
		c := p.creds[i]
		if c.parked(now) {
			continue
		}
		w := c.limiter.Snapshot().Wait()
		if best < 0 || w < bestWait {
			best, bestWait = i, w
		}
	}
	if best < 0 {
		return Key{}, p.noActiveLocked(now)
	}
	p.cursor = (best + 1) % n
	return p.creds[best].key(), nil
}

func (p *Pool) noActiveLocked(now time.Time) error {
	var soonest time.Time
	for _, c := range p.creds {
		if c.parked(now) && (soonest.IsZero() || c.parkedUntil.Before(soonest)) {
			soonest = c.parkedUntil
		}
	}
	if soonest.IsZero() {
		return &NoActiveError{}
	}
	return &NoActiveError{RetryIn: soonest.Sub(now), HasRetry: true}
}

// NextUnparkIn reports the time until the soonest parked credential
// becomes usable again.
func (p *Pool) NextUnparkIn() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	p.refreshLocked(now)
	ne, _ := p.noActiveLocked(now).(*NoActiveError)
	return ne.RetryIn, ne.HasRetry
}

// Call runs fn with a selected credential once both the pool-wide and the
// credential limiter have granted a permit. A rate-limit failure cools the
// credential down; other failures are classified as param or transport.
func (p *Pool) Call(ctx context.Context, fn func(ctx context.Context, key Key) error) error {
	if p.ActiveCount() > 1 {
		if err := p.global.Acquire(ctx); err != nil {
			return err
		}
	}
	key, err := p.Select()
	if err != nil {
		return err
	}
	c := p.creds[key.Index]
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	c.cycleRequests++
	c.totalRequests++
	c.lastUsedAt = p.clock.Now()
	p.mu.Unlock()

	err = fn(ctx, key)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRateLimited) {
		c.limiter.ExtendCooldown(p.cfg.RateLimitCooldown)
		p.log.Warn("credential rate limited", logx.Int("key", key.Index+1), logx.String("suffix", key.Suffix), logx.Duration("cooldown", p.cfg.RateLimitCooldown))
		p.publishCooldown(c)
		return &RateLimitedError{Index: key.Index, Suffix: key.Suffix, Cooldown: p.cfg.RateLimitCooldown, Err: err}
	}
	if ctx.Err() != nil {
		return err
	}
	return &RequestError{Index: key.Index, Suffix: key.Suffix, Kind: Classify(err, p.cfg.ParamErrorMarkers), Err: err}
}

// Park makes a credential unavailable until the given time.
func (p *Pool) Park(index int, until time.Time, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.credLocked(index)
	if err != nil {
		return err
	}
	c.parkedUntil = until
	c.parkedReason = reason
	p.log.Info("credential parked", logx.Int("key", index+1), logx.String("suffix", c.suffix), logx.Time("until", until), logx.String("reason", reason))
	p.publish(eventbus.CredentialParked, c, reason)
	p.refreshLocked(p.clock.Now())
	return nil
}

// Unpark clears any park on the credential.
func (p *Pool) Unpark(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.credLocked(index)
	if err != nil {
		return err
	}
	wasParked := !c.parkedUntil.IsZero()
	c.parkedUntil = time.Time{}
	c.parkedReason = ""
	if wasParked {
		p.log.Info("credential unparked", logx.Int("key", index+1), logx.String("suffix", c.suffix))
		p.publish(eventbus.CredentialUnparked, c, "manual")
	}
	p.refreshLocked(p.clock.Now())
	return nil
}

func (p *Pool) credLocked(index int) (*credential, error) {
	if index < 0 || index >= len(p.creds) {
		return nil, fmt.Errorf("credential index %d out of range (have %d)", index+1, len(p.creds))
	}
	return p.creds[index], nil
}

// Suffix returns the masked suffix for a zero-based index.
func (p *Pool) Suffix(index int) (string, bool) {
	if index < 0 || index >= len(p.creds) {
		return "", false
	}
	return p.creds[index].suffix, true
}

// RecordCredits stores the credits reported by a response made with the
// credential at index and returns the previously known value.
func (p *Pool) RecordCredits(index int, c Credits) (prev Credits, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cred, err := p.credLocked(index)
	if err != nil {
		return Credits{}, err
	}
	prev = cred.credits
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = p.clock.Now()
	}
	cred.credits = c
	return prev, nil
}

// CreditSnapshot returns the last known credits per credential.
func (p *Pool) CreditSnapshot() map[string]Credits {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Credits, len(p.creds))
	for _, c := range p.creds {
		if c.credits.Known() {
			out[c.suffix] = c.credits
		}
	}
	return out
}

// StartCycle resets the per-cycle request counters.
func (p *Pool) StartCycle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		c.cycleRequests = 0
	}
}

func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	p.refreshLocked(now)
	out := make([]Status, 0, len(p.creds))
	for _, c := range p.creds {
		snap := c.limiter.Snapshot()
		out = append(out, Status{
			Index:         c.index,
			Suffix:        c.suffix,
			Active:        !c.parked(now),
			ParkedUntil:   c.parkedUntil,
			ParkedReason:  c.parkedReason,
			NextIn:        snap.NextIn,
			CooldownIn:    snap.CooldownIn,
			CycleRequests: c.cycleRequests,
			TotalRequests: c.totalRequests,
			LastUsedAt:    c.lastUsedAt,
			Credits:       c.credits,
		})
	}
	return out
}

func (p *Pool) publish(typ string, c *credential, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.CredentialEvent{
		Index:  c.index,
		Suffix: c.suffix,
		Until:  c.parkedUntil,
		Reason: reason,
	}})
}

func (p *Pool) publishCooldown(c *credential) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.CredentialThrottled, Data: eventbus.CredentialEvent{
		Index:  c.index,
		Suffix: c.suffix,
		Until:  p.clock.Now().Add(p.cfg.RateLimitCooldown),
		Reason: "rate_limit",
	}})
}
