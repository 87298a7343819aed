package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"flightwatch/internal/credpool"
	"flightwatch/internal/flight"
	"flightwatch/internal/poller"
	"flightwatch/internal/reference"
	"flightwatch/internal/storage"
	"flightwatch/internal/usage"
	logx "flightwatch/pkg/logx"
)

type Store interface {
	AddSubscription(ctx context.Context, sub storage.Subscription) (bool, error)
	RemoveSubscription(ctx context.Context, guildID, userID int64, kind flight.Kind, code string) (bool, error)
	UserSubscriptions(ctx context.Context, guildID, userID int64) ([]storage.Subscription, error)
	GuildNotifyChannel(ctx context.Context, guildID int64) (storage.ChannelRef, bool, error)
	SetGuildNotifyChannel(ctx context.Context, guildID int64, ch storage.ChannelRef, updatedBy int64) error
	GuildChangeMentions(ctx context.Context, guildID int64) (storage.ChangeMentions, bool, error)
	SetGuildChangeMentions(ctx context.Context, guildID int64, m storage.ChangeMentions, updatedBy int64) (bool, error)
	SetPollingEnabled(ctx context.Context, enabled bool) error
	SetPollInterval(ctx context.Context, seconds int) error
	Counts(ctx context.Context) (map[string]int, error)
}

type Pool interface {
	Len() int
	Suffix(index int) (string, bool)
	Park(index int, until time.Time, reason string) error
	Unpark(index int) error
	Statuses() []credpool.Status
	ActiveCount() int
}

type PollState interface {
	Enabled() bool
	SetEnabled(enabled bool) bool
	Interval() time.Duration
	SetInterval(d time.Duration)
}

type Usage interface {
	Refresh(ctx context.Context) (storage.UsageCache, error)
	Cached(ctx context.Context) (storage.UsageCache, bool, error)
}

type Reference interface {
	Refresh(ctx context.Context, dataset string) ([]reference.Result, error)
	Cache() *reference.Cache
}

type LoopStatus interface {
	Status() poller.LoopStatus
}

// Deps are the components the handlers act on. Nil optional parts
// disable the commands that need them.
type Deps struct {
	Store      Store
	Pool       Pool
	Poll       PollState
	Usage      Usage
	Reference  Reference
	Loop       LoopStatus
	ManualPark time.Duration
	Now        func() time.Time

	// LogFile returns the active log file path, "" when file logging is off.
	LogFile func() string
}

const timeLayout = "2006-01-02 15:04 UTC"

// RegisterAll installs the flight commands on r.
func RegisterAll(r *Router, d Deps) {
	if d.ManualPark <= 0 {
		d.ManualPark = 24 * time.Hour
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{d: d}
	r.Register(
		Command{Name: "subscribe", Aliases: []string{"sub"}, Description: "get notified about a flight", Usage: "/subscribe aircraft|registration|airport CODE", Handle: h.subscribe},
		Command{Name: "unsubscribe", Aliases: []string{"unsub"}, Description: "stop a subscription", Usage: "/unsubscribe aircraft|registration|airport CODE", Handle: h.unsubscribe},
		Command{Name: "mysubs", Description: "list your subscriptions here", Usage: "/mysubs", Handle: h.mysubs},
		Command{Name: "setchannel", Description: "send this group's notifications here", Usage: "/setchannel", Access: AccessOwnerOnly, Handle: h.setchannel},
		Command{Name: "changementions", Description: "who to ping when reference data changes", Usage: "/changementions [models|airports @user ...|off]", Access: AccessOwnerOnly, Handle: h.changementions},
		Command{Name: "info", Description: "look up an airport or aircraft model", Usage: "/info airport|model CODE", Handle: h.info},
		Command{Name: "logs", Description: "recent log lines", Usage: "/logs [LINES] [TEXT]", Access: AccessOwnerOnly, Handle: h.logs},
		Command{Name: "polling", Description: "start, stop or inspect polling", Usage: "/polling on|off|status", Access: AccessOwnerOnly, Handle: h.polling},
		Command{Name: "interval", Description: "set the poll interval", Usage: "/interval SECONDS", Access: AccessOwnerOnly, Handle: h.interval},
		Command{Name: "park", Description: "take an API key out of rotation", Usage: "/park INDEX", Access: AccessOwnerOnly, Handle: h.park},
		Command{Name: "unpark", Description: "return an API key to rotation", Usage: "/unpark INDEX", Access: AccessOwnerOnly, Handle: h.unpark},
		Command{Name: "keys", Description: "API key status", Usage: "/keys", Access: AccessOwnerOnly, Handle: h.keys},
		Command{Name: "credits", Description: "last reported credits per key", Usage: "/credits", Access: AccessOwnerOnly, Handle: h.credits},
		Command{Name: "usage", Description: "provider account usage", Usage: "/usage [--cached]", Access: AccessOwnerOnly, Timeout: time.Minute, Handle: h.usage},
		Command{Name: "refreshref", Description: "reload airport and model data", Usage: "/refreshref [airports|models|all]", Access: AccessOwnerOnly, Timeout: 2 * time.Minute, Handle: h.refreshref},
		Command{Name: "status", Description: "poller and database status", Usage: "/status", Access: AccessOwnerOnly, Handle: h.status},
	)
}

type handlers struct{ d Deps }

var errGroupOnly = userError("Use this command in a group.")

func (h *handlers) kindAndCode(req *Request) (flight.Kind, string, error) {
	if len(req.Args) < 2 {
		return "", "", userErrorf("usage: /%s aircraft|registration|airport CODE", req.Command)
	}
	kind, ok := flight.ParseKind(req.Args[0])
	if !ok {
		return "", "", userErrorf("unknown kind %q", req.Args[0])
	}
	code, err := flight.NormalizeCode(kind, strings.Join(req.Args[1:], " "))
	if err != nil {
		return "", "", userError(err.Error())
	}
	return kind, code, nil
}

func (h *handlers) subscribe(ctx context.Context, req *Request) error {
	if !req.Msg.IsGroup {
		return errGroupOnly
	}
	kind, code, err := h.kindAndCode(req)
	if err != nil {
		return err
	}
	guild := req.Msg.ChatID
	if _, ok, err := h.d.Store.GuildNotifyChannel(ctx, guild); err != nil {
		return err
	} else if !ok {
		return req.Reply(ctx, "No notification channel is set for this group yet. Ask an owner to run /setchannel.")
	}

	added, err := h.d.Store.AddSubscription(ctx, storage.Subscription{
		GuildID:   guild,
		UserID:    req.Msg.FromID,
		UserName:  displayName(req),
		Kind:      kind,
		Code:      code,
		CreatedAt: h.d.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !added {
		return req.Replyf(ctx, "You are already subscribed to %s <b>%s</b>.", kind, escape(code))
	}
	msg := fmt.Sprintf("Subscribed to %s <b>%s</b>.", kind, escape(code))
	if warn := h.unknownCodeWarning(kind, code); warn != "" {
		msg += "\n" + warn
	}
	return req.Reply(ctx, msg)
}

// unknownCodeWarning is empty when the code is known or the dataset
// has not been loaded.
func (h *handlers) unknownCodeWarning(kind flight.Kind, code string) string {
	if h.d.Reference == nil {
		return ""
	}
	cache := h.d.Reference.Cache()
	switch kind {
	case flight.KindAirport:
		if flight.ClassifyAirportCode(code) == flight.CodeCountry {
			return ""
		}
		if cache.AirportCount() > 0 {
			if _, ok := cache.ResolveAirport(code); !ok {
				return "<i>Warning: " + escape(code) + " is not in the airport list.</i>"
			}
		}
	case flight.KindAircraft:
		if cache.ModelCount() > 0 {
			if _, ok := cache.Model(code); !ok {
				return "<i>Warning: " + escape(code) + " is not a known aircraft type.</i>"
			}
		}
	}
	return ""
}

func (h *handlers) unsubscribe(ctx context.Context, req *Request) error {
	if !req.Msg.IsGroup {
		return errGroupOnly
	}
	kind, code, err := h.kindAndCode(req)
	if err != nil {
		return err
	}
	removed, err := h.d.Store.RemoveSubscription(ctx, req.Msg.ChatID, req.Msg.FromID, kind, code)
	if err != nil {
		return err
	}
	if !removed {
		return req.Replyf(ctx, "No subscription to %s <b>%s</b> found.", kind, escape(code))
	}
	return req.Replyf(ctx, "Unsubscribed from %s <b>%s</b>.", kind, escape(code))
}

func (h *handlers) mysubs(ctx context.Context, req *Request) error {
	if !req.Msg.IsGroup {
		return errGroupOnly
	}
	subs, err := h.d.Store.UserSubscriptions(ctx, req.Msg.ChatID, req.Msg.FromID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return req.Reply(ctx, "You have no subscriptions in this group.")
	}
	lines := []string{"<b>Your subscriptions</b>"}
	for _, s := range subs {
		lines = append(lines, fmt.Sprintf("• %s <code>%s</code>", s.Kind, escape(s.Code)))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *handlers) setchannel(ctx context.Context, req *Request) error {
	if !req.Msg.IsGroup {
		return errGroupOnly
	}
	ch := storage.ChannelRef{ChatID: req.Msg.ChatID, ThreadID: req.Msg.ThreadID}
	if err := h.d.Store.SetGuildNotifyChannel(ctx, req.Msg.ChatID, ch, req.Msg.FromID); err != nil {
		return err
	}
	where := "this chat"
	if ch.ThreadID != 0 {
		where = fmt.Sprintf("this topic (%d)", ch.ThreadID)
	}
	return req.Replyf(ctx, "Flight notifications for this group will be posted in %s.", where)
}

var mentionRE = regexp.MustCompile(`^@[A-Za-z0-9_]{5,32}$`)

func (h *handlers) changementions(ctx context.Context, req *Request) error {
	if !req.Msg.IsGroup {
		return errGroupOnly
	}
	guild := req.Msg.ChatID
	cur, ok, err := h.d.Store.GuildChangeMentions(ctx, guild)
	if err != nil {
		return err
	}
	if !ok {
		return req.Reply(ctx, "No notification channel is set for this group yet. Run /setchannel first.")
	}
	if len(req.Args) == 0 {
		return req.Reply(ctx, mentionsText(cur))
	}
	if len(req.Args) < 2 {
		return userErrorf("usage: /changementions models|airports @user ...|off")
	}

	value := ""
	if tail := req.Args[1:]; !(len(tail) == 1 && strings.EqualFold(tail[0], "off")) {
		for _, m := range tail {
			if !mentionRE.MatchString(m) {
				return userErrorf("%q is not a @username", m)
			}
		}
		value = strings.Join(tail, " ")
	}
	switch strings.ToLower(req.Args[0]) {
	case "models", "model", "aircraft":
		cur.Models = value
	case "airports", "airport":
		cur.Airports = value
	default:
		return userErrorf("dataset must be models or airports")
	}
	if ok, err := h.d.Store.SetGuildChangeMentions(ctx, guild, cur, req.Msg.FromID); err != nil {
		return err
	} else if !ok {
		return req.Reply(ctx, "No notification channel is set for this group yet. Run /setchannel first.")
	}
	return req.Reply(ctx, "Change mentions updated.\n"+mentionsText(cur))
}

func mentionsText(m storage.ChangeMentions) string {
	show := func(s string) string {
		if s == "" {
			return "none"
		}
		return escape(s)
	}
	return fmt.Sprintf("Aircraft/model: %s\nAirport: %s", show(m.Models), show(m.Airports))
}

func (h *handlers) polling(ctx context.Context, req *Request) error {
	action := "status"
	if len(req.Args) > 0 {
		action = strings.ToLower(req.Args[0])
	}
	switch action {
	case "on", "start":
		if err := h.d.Store.SetPollingEnabled(ctx, true); err != nil {
			return err
		}
		if !h.d.Poll.SetEnabled(true) {
			return req.Reply(ctx, "Polling is already running.")
		}
		return req.Reply(ctx, "Polling started.")
	case "off", "stop":
		if err := h.d.Store.SetPollingEnabled(ctx, false); err != nil {
			return err
		}
		if !h.d.Poll.SetEnabled(false) {
			return req.Reply(ctx, "Polling is already stopped.")
		}
		return req.Reply(ctx, "Polling stopped.")
	case "status":
		state := "stopped"
		if h.d.Poll.Enabled() {
			state = "running"
		}
		return req.Replyf(ctx, "Polling is %s, every %s.", state, h.d.Poll.Interval())
	}
	return userErrorf("usage: /polling on|off|status")
}

func (h *handlers) interval(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Replyf(ctx, "Poll interval is %s.", h.d.Poll.Interval())
	}
	secs, err := strconv.Atoi(req.Args[0])
	if err != nil || secs < 1 {
		return userErrorf("interval must be a whole number of seconds, at least 1")
	}
	if err := h.d.Store.SetPollInterval(ctx, secs); err != nil {
		return err
	}
	h.d.Poll.SetInterval(time.Duration(secs) * time.Second)
	return req.Replyf(ctx, "Poll interval set to %ds.", secs)
}

// keyIndex parses a 1-based key index as shown to users.
func (h *handlers) keyIndex(req *Request) (int, string, error) {
	if len(req.Args) == 0 {
		return 0, "", userErrorf("usage: /%s INDEX (1-%d)", req.Command, h.d.Pool.Len())
	}
	n, err := strconv.Atoi(req.Args[0])
	if err != nil || n < 1 || n > h.d.Pool.Len() {
		return 0, "", userErrorf("key index must be between 1 and %d", h.d.Pool.Len())
	}
	suffix, _ := h.d.Pool.Suffix(n - 1)
	return n, suffix, nil
}

func (h *handlers) park(ctx context.Context, req *Request) error {
	n, suffix, err := h.keyIndex(req)
	if err != nil {
		return err
	}
	until := h.d.Now().Add(h.d.ManualPark).UTC()
	if err := h.d.Pool.Park(n-1, until, "manual"); err != nil {
		return err
	}
	return req.Replyf(ctx, "Key %d (***%s) parked until %s.", n, escape(suffix), until.Format(timeLayout))
}

func (h *handlers) unpark(ctx context.Context, req *Request) error {
	n, suffix, err := h.keyIndex(req)
	if err != nil {
		return err
	}
	if err := h.d.Pool.Unpark(n - 1); err != nil {
		return err
	}
	return req.Replyf(ctx, "Key %d (***%s) unparked.", n, escape(suffix))
}

func (h *handlers) keys(ctx context.Context, req *Request) error {
	st := h.d.Pool.Statuses()
	if len(st) == 0 {
		return req.Reply(ctx, "No API keys configured.")
	}
	lines := []string{fmt.Sprintf("<b>API keys</b> (%d/%d active)", h.d.Pool.ActiveCount(), len(st))}
	for _, s := range st {
		state := "active"
		if !s.Active {
			state = "parked until " + s.ParkedUntil.UTC().Format(timeLayout)
			if s.ParkedReason != "" {
				state += " (" + escape(s.ParkedReason) + ")"
			}
		}
		line := fmt.Sprintf("%d. ***%s %s, wait %s", s.Index+1, escape(s.Suffix), state, s.NextIn.Round(time.Millisecond))
		if s.CooldownIn > 0 {
			line += fmt.Sprintf(", cooldown %s", s.CooldownIn.Round(time.Second))
		}
		line += fmt.Sprintf(", requests %d this cycle / %d total", s.CycleRequests, s.TotalRequests)
		if s.Credits.Known() {
			line += ", credits " + creditText(s.Credits)
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *handlers) credits(ctx context.Context, req *Request) error {
	lines := []string{"<b>Credits</b>"}
	for _, s := range h.d.Pool.Statuses() {
		if !s.Credits.Known() {
			lines = append(lines, fmt.Sprintf("***%s: no data yet", escape(s.Suffix)))
			continue
		}
		lines = append(lines, fmt.Sprintf("***%s: %s (updated %s)", escape(s.Suffix), creditText(s.Credits), s.Credits.UpdatedAt.UTC().Format(timeLayout)))
	}
	if len(lines) == 1 {
		return req.Reply(ctx, "No API keys configured.")
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func creditText(c credpool.Credits) string {
	rem, used := "?", "?"
	if c.Remaining != nil {
		rem = strconv.FormatInt(*c.Remaining, 10)
	}
	if c.Consumed != nil {
		used = strconv.FormatInt(*c.Consumed, 10)
	}
	return "remaining " + rem + ", last used " + used
}

func (h *handlers) usage(ctx context.Context, req *Request) error {
	if h.d.Usage == nil {
		return errors.New("usage reporting is not configured")
	}
	if req.Bools["cached"] {
		u, ok, err := h.d.Usage.Cached(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return req.Reply(ctx, "No cached usage yet.")
		}
		return req.Reply(ctx, usage.Render(u))
	}
	u, err := h.d.Usage.Refresh(ctx)
	if err != nil {
		cached, ok, cerr := h.d.Usage.Cached(ctx)
		if cerr != nil || !ok {
			return fmt.Errorf("fetch usage: %w", err)
		}
		req.Log.Warn("usage fetch failed; showing cached", logx.Err(err))
		return req.Reply(ctx, usage.Render(cached)+"\n<i>(cached, live fetch failed)</i>")
	}
	return req.Reply(ctx, usage.Render(u))
}

func (h *handlers) refreshref(ctx context.Context, req *Request) error {
	if h.d.Reference == nil {
		return errors.New("reference data is not configured")
	}
	dataset := reference.DatasetAll
	if len(req.Args) > 0 {
		dataset = strings.ToLower(req.Args[0])
	}
	switch dataset {
	case reference.DatasetAll, reference.DatasetAirports, reference.DatasetModels:
	default:
		return userErrorf("dataset must be airports, models or all")
	}
	results, err := h.d.Reference.Refresh(ctx, dataset)
	if len(results) > 0 {
		text := reference.Changelog(results)
		if text == "" {
			parts := make([]string, 0, len(results))
			for _, r := range results {
				parts = append(parts, fmt.Sprintf("%s %d rows", r.Dataset, r.Rows))
			}
			text = "Reference data unchanged: " + strings.Join(parts, ", ")
		}
		if rerr := req.Reply(ctx, "<pre>"+escape(text)+"</pre>"); rerr != nil {
			return rerr
		}
	}
	return err
}

func (h *handlers) status(ctx context.Context, req *Request) error {
	var lines []string
	lines = append(lines, "<b>Status</b>")
	if h.d.Loop != nil {
		st := h.d.Loop.Status()
		state := "stopped"
		if st.Enabled {
			state = "running"
		}
		lines = append(lines, fmt.Sprintf("Polling: %s, every %s, %d cycles (%d failed)", state, st.Interval, st.Cycles, st.Failures))
		if st.Last != nil {
			m := st.Last
			lines = append(lines, fmt.Sprintf("Last cycle: %s ago, %d subs, %d requests, %d notified, took %s",
				h.d.Now().Sub(m.StartedAt).Round(time.Second), m.Subscriptions, m.Requests, m.Notified, m.Duration.Round(time.Millisecond)))
			if m.RateLimited > 0 || m.NoActive {
				lines = append(lines, fmt.Sprintf("Throttled: %d rate-limited, no active keys: %t", m.RateLimited, m.NoActive))
			}
		}
	}
	if h.d.Pool != nil {
		lines = append(lines, fmt.Sprintf("Keys: %d/%d active", h.d.Pool.ActiveCount(), h.d.Pool.Len()))
	}
	counts, err := h.d.Store.Counts(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(counts))
	for k := range counts {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		lines = append(lines, fmt.Sprintf("%s: %d", escape(k), counts[k]))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func displayName(req *Request) string {
	if req.Msg.FromName != "" {
		return req.Msg.FromName
	}
	if req.Msg.FromUsername != "" {
		return req.Msg.FromUsername
	}
	return strconv.FormatInt(req.Msg.FromID, 10)
}
