package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"flightwatch/internal/eventbus"
	"flightwatch/internal/poller"
	"flightwatch/internal/storage"
	"flightwatch/internal/transport"
	logx "flightwatch/pkg/logx"
)

var ErrNoChannel = errors.New("notify channel not set")

// Service implements poller.Sink on top of a transport adapter.
// It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	adapter transport.Adapter
	log     logx.Logger
	bus     eventbus.Bus

	sleep func(ctx context.Context, d time.Duration) error

	hmu     sync.Mutex
	history []HistoryItem
}

var _ poller.Sink = (*Service)(nil)

func New(cfg Config, adapter transport.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log, bus: bus, sleep: sleepCtx}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// burst = rate so short spikes don't block too hard
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Send delivers one flight notification. A nil error means it was delivered.
func (s *Service) Send(ctx context.Context, n poller.Notification) error {
	if n.Channel.IsZero() {
		return ErrNoChannel
	}
	s.mu.Lock()
	base := s.cfg.WebBaseURL
	s.mu.Unlock()

	text := Render(n, base)
	summary := fmt.Sprintf("%s %s %s", n.Kind, n.DisplayCode, n.Flight.ID)
	return s.deliver(ctx, "flight", n.Channel, text, summary)
}

// Alert posts an operator-visible notice. text is plain and gets escaped.
func (s *Service) Alert(ctx context.Context, ch storage.ChannelRef, text string) error {
	if ch.IsZero() {
		return ErrNoChannel
	}
	return s.deliver(ctx, "alert", ch, "⚠️ "+html.EscapeString(text), text)
}

type BroadcastResult struct {
	Sent   int
	Failed int
}

// Broadcast sends the same HTML text to every guild channel. Failures are
// logged and counted, never returned.
func (s *Service) Broadcast(ctx context.Context, channels []storage.GuildChannel, text string) BroadcastResult {
	return s.BroadcastEach(ctx, channels, func(storage.GuildChannel) string { return text })
}

// BroadcastEach is Broadcast with the text rendered per guild. Guilds
// rendered to "" are skipped.
func (s *Service) BroadcastEach(ctx context.Context, channels []storage.GuildChannel, render func(storage.GuildChannel) string) BroadcastResult {
	var res BroadcastResult
	for _, gc := range channels {
		if ctx.Err() != nil {
			res.Failed += len(channels) - res.Sent - res.Failed
			break
		}
		text := render(gc)
		if text == "" {
			continue
		}
		if err := s.deliver(ctx, "broadcast", gc.Channel, text, "broadcast"); err != nil {
			res.Failed++
			s.log.Warn("broadcast send failed", logx.Int64("guild", gc.GuildID), logx.Int64("chat_id", gc.Channel.ChatID), logx.Err(err))
			continue
		}
		res.Sent++
	}
	s.log.Info("broadcast finished", logx.Int("sent", res.Sent), logx.Int("failed", res.Failed))
	return res
}

func (s *Service) deliver(ctx context.Context, kind string, ch storage.ChannelRef, text, summary string) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if s.adapter == nil {
		return errors.New("notifier has no transport")
	}
	target := transport.ChatTarget{ChatID: ch.ChatID, ThreadID: ch.ThreadID}
	opt := &transport.SendOptions{ParseMode: transport.ParseHTML, DisablePreview: true}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	attempt := 0
	for attempt < attempts {
		attempt++
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.adapter.SendText(callCtx, target, text, opt)
		cancel()
		if err == nil {
			s.record(kind, ch, summary, attempt, nil)
			return nil
		}
		lastErr = err
		if transport.IsPermanent(err) || attempt >= attempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if ra, ok := transport.RetryAfter(err); ok && ra > delay {
			delay = ra
		}
		s.log.Debug("send retry scheduled", logx.String("kind", kind), logx.Int64("chat_id", ch.ChatID),
			logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		if err := s.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	s.record(kind, ch, summary, attempt, lastErr)
	return lastErr
}

func (s *Service) record(kind string, ch storage.ChannelRef, summary string, attempts int, err error) {
	now := time.Now()
	item := HistoryItem{At: now, ChatID: ch.ChatID, Summary: summary}
	ev := SendEvent{Kind: kind, ChatID: ch.ChatID, Thread: ch.ThreadID, At: now, Attempt: attempts}
	typ := eventbus.NotificationSent
	if err != nil {
		item.Err = err.Error()
		ev.Error = err.Error()
		typ = eventbus.NotificationFailed
		s.log.Warn("send failed", logx.String("kind", kind), logx.Int64("chat_id", ch.ChatID),
			logx.Int("attempts", attempts), logx.Bool("permanent", transport.IsPermanent(err)), logx.Err(err))
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
	}
}

// History returns the most recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1) capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
