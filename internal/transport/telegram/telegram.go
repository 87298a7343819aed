// Package telegram implements transport.Adapter on top of telebot.
package telegram

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"flightwatch/internal/runtime/supervisor"
	"flightwatch/internal/transport"
	logx "flightwatch/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe call so the adapter can be built without
	// network access.
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out atomic.Pointer[chan<- transport.Message]

	mu  sync.Mutex
	sup *supervisor.Supervisor

	dropped atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	b.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return nil
	}
	a.forward(convert(m))
	return nil
}

func convert(m *tele.Message) transport.Message {
	msg := transport.Message{
		ID:           m.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		FromName:     strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName),
		Text:         m.Text,
	}
	if m.Chat != nil {
		msg.ChatID = m.Chat.ID
		msg.IsGroup = m.Chat.Type != tele.ChatPrivate
	}
	return msg
}

func (a *Adapter) forward(m transport.Message) {
	p := a.out.Load()
	if p == nil {
		return
	}
	select {
	case *p <- m:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling. Updates that do not fit in out are dropped
// and reported periodically.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.sup.Go("telegram.drops", func(ctx context.Context) error {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				a.reportDrops(cap(out))
				return nil
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})
	a.sup.Go("telegram.stop", func(ctx context.Context) error {
		<-ctx.Done()
		a.bot.Stop()
		return nil
	})
	a.sup.GoRestart("telegram.poll", func(ctx context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	}, supervisor.WithBackoff(500*time.Millisecond, 10*time.Second), supervisor.WithRestartOnCleanExit(true))
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming messages dropped", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop ends polling, waiting at most two seconds for the long poll to return.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	a.out.Store(nil)
	if sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

// Supervisor exposes the adapter's task stats for health output.
func (a *Adapter) Supervisor() *supervisor.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

const textLimit = 4096

// SendText sends text, splitting it when it exceeds the platform limit.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	var first transport.MessageRef
	for i, chunk := range SplitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.RetryAfterError{After: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		desc := strings.ToLower(te.Description)
		if te.Code == 403 || strings.Contains(desc, "chat not found") {
			return &transport.PermanentError{Err: err}
		}
	}
	return err
}

// SplitText cuts s into chunks of at most limit runes, preferring line
// breaks and never cutting inside an HTML tag.
func SplitText(s string, limit int, parseMode string) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, transport.ParseHTML)
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			if html {
				if open := lastIndex(rs[start:end], '<'); open > 0 && open > lastIndex(rs[start:end], '>') {
					end = start + open
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// UpdateMenuCommands publishes the command menu when it changed since the
// last call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		h.Write([]byte(c.Command + "\x00" + desc + "\x00"))
		list = append(list, tele.Command{Text: c.Command, Description: desc})
		if len(list) == 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
