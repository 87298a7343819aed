// Package commands routes chat commands to handlers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"flightwatch/internal/transport"
	logx "flightwatch/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// Request is one parsed command invocation.
type Request struct {
	Msg     transport.Message
	Chat    transport.ChatTarget
	Command string
	Args    []string
	RawArgs []string
	Flags   map[string]string
	Bools   map[string]bool
	ReqID   string
	Owner   bool
	Log     logx.Logger

	adapter transport.Adapter
}

// Reply sends HTML text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, text, &transport.SendOptions{ParseMode: transport.ParseHTML, DisablePreview: true})
	return err
}

func (r *Request) Replyf(ctx context.Context, format string, args ...any) error {
	return r.Reply(ctx, fmt.Sprintf(format, args...))
}

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Log.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs the outcome and tells the user when a handler failed.
func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			fields := []logx.Field{logx.Duration("dur", time.Since(start))}
			var ue userError
			switch {
			case errors.As(err, &ue):
				req.Log.Info("request rejected", append(fields, logx.String("reason", string(ue)))...)
				_ = req.Reply(context.WithoutCancel(ctx), escape(string(ue)))
			case err != nil:
				req.Log.Warn("request failed", append(fields, logx.Err(err))...)
				_ = req.Reply(context.WithoutCancel(ctx), "Command failed: "+escape(err.Error()))
			default:
				req.Log.Info("request ok", fields...)
			}
			return err
		}
	}
}

// userError is a usage problem shown to the user as is.
type userError string

func (e userError) Error() string { return string(e) }

func userErrorf(format string, args ...any) error { return userError(fmt.Sprintf(format, args...)) }

const defaultTimeout = 30 * time.Second

type Router struct {
	mu     sync.RWMutex
	byName map[string]*Command
	cmds   []*Command
	owners []int64

	log     logx.Logger
	adapter transport.Adapter
	jobs    chan func()
}

func NewRouter(adapter transport.Adapter, log logx.Logger, owners []int64) *Router {
	r := &Router{
		byName:  map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		log:     log.With(logx.String("comp", "commands")),
		adapter: adapter,
		jobs:    make(chan func(), 256),
	}
	r.Register(Command{
		Name:        "help",
		Aliases:     []string{"h", "start"},
		Description: "show commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(req.Args, req.Owner))
		},
	})
	return r
}

// Register adds or replaces commands by name.
func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		if old, ok := r.byName[name]; ok {
			for i, existing := range r.cmds {
				if existing == old {
					r.cmds = append(r.cmds[:i], r.cmds[i+1:]...)
					break
				}
			}
		}
		r.cmds = append(r.cmds, &cc)
		r.byName[name] = &cc
		for _, a := range cc.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, taken := r.byName[a]; !taken {
				r.byName[a] = &cc
			}
		}
	}
}

// SetOwners updates the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// MenuCommands lists the commands for the platform menu, sorted by name.
func (r *Router) MenuCommands() []transport.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// Run dispatches messages to a bounded worker pool until ctx ends or
// updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Message, workers int) error {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers < 2 {
			workers = 2
		}
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-r.jobs:
					job()
				}
			}
		}()
	}
	defer func() {
		wg.Wait()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			job, ok := r.prepare(ctx, msg)
			if !ok {
				continue
			}
			select {
			case r.jobs <- job:
			default:
				_, _ = r.adapter.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "busy, try again", nil)
			}
		}
	}
}

// Dispatch runs one message synchronously and returns the handler error.
func (r *Router) Dispatch(ctx context.Context, msg transport.Message) error {
	var err error
	job, ok := r.prepareErr(ctx, msg, &err)
	if ok {
		job()
	}
	return err
}

func (r *Router) prepare(ctx context.Context, msg transport.Message) (func(), bool) {
	return r.prepareErr(ctx, msg, nil)
}

func (r *Router) prepareErr(ctx context.Context, msg transport.Message, errOut *error) (func(), bool) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil, false
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return nil, false
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	raw := parts[1:]
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd, found := r.byName[word]
	r.mu.RUnlock()
	if !found {
		if msg.IsGroup {
			// other bots' commands share the group namespace
			return nil, false
		}
		_, _ = r.adapter.SendText(ctx, chat, "unknown command. try /help", nil)
		return nil, false
	}

	owner := r.isOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = r.adapter.SendText(ctx, chat, "unauthorized", nil)
		return nil, false
	}

	pos, flags, bools := parseFlags(raw)
	rid := newReqID()
	req := &Request{
		Msg:     msg,
		Chat:    chat,
		Command: cmd.Name,
		Args:    pos,
		RawArgs: raw,
		Flags:   flags,
		Bools:   bools,
		ReqID:   rid,
		Owner:   owner,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		adapter: r.adapter,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	final := Chain(cmd.Handle, MWRequestLog(), MWPanicRecover(), MWTimeout(timeout))
	return func() {
		err := final(ctx, req)
		if errOut != nil {
			*errOut = err
		}
	}, true
}

func (r *Router) helpText(args []string, owner bool) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(args) > 0 {
		name := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		c, ok := r.byName[name]
		if !ok {
			return "command not found. try /help"
		}
		lines := []string{"<b>/" + c.Name + "</b>", escape(c.Description)}
		if c.Usage != "" {
			lines = append(lines, "Usage: <code>"+escape(c.Usage)+"</code>")
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "Aliases: /"+strings.Join(c.Aliases, ", /"))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "<i>owner only</i>")
		}
		return strings.Join(lines, "\n")
	}
	names := make([]string, 0, len(r.cmds))
	byName := map[string]*Command{}
	for _, c := range r.cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		names = append(names, c.Name)
		byName[c.Name] = c
	}
	sort.Strings(names)
	lines := []string{"<b>Commands</b> (use /help &lt;cmd&gt;):"}
	for _, n := range names {
		line := "/" + n
		if d := byName[n].Description; d != "" {
			line += " - " + escape(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
