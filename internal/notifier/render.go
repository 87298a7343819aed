package notifier

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"flightwatch/internal/flight"
	"flightwatch/internal/poller"
)

const messageLimit = 4096

func title(kind flight.Kind, code string) string {
	switch kind {
	case flight.KindAircraft:
		return "Aircraft match: " + code
	case flight.KindRegistration:
		return "Registration match: " + code
	default:
		return "Inbound to " + code
	}
}

// WebLink builds the public tracking link, falling back to whatever
// identifiers the flight carries.
func WebLink(base string, f flight.Flight) string {
	base = strings.TrimRight(base, "/")
	cs := f.Callsign
	if cs == "" {
		cs = f.FlightNumber
	}
	switch {
	case f.ID != "" && cs != "":
		return base + "/" + cs + "/" + f.ID
	case f.ID != "":
		return base + "/" + f.ID
	case cs != "":
		return base + "/" + cs
	}
	return base
}

// Render builds the HTML body of a notification. Mentions are cut with an
// "and N more" tail when the message would exceed the platform limit.
func Render(n poller.Notification, webBase string) string {
	body := renderBody(n, webBase)
	mentions := make([]string, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		mentions = append(mentions, mention(r))
	}
	return withMentions(body, mentions, messageLimit)
}

func renderBody(n poller.Notification, webBase string) string {
	f := n.Flight
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(esc(title(n.Kind, n.DisplayCode)))
	b.WriteString("</b>\n")

	head := f.FlightNumber
	if head == "" {
		head = f.Callsign
	}
	if head == "" {
		head = "Flight update"
	}
	b.WriteString(esc(head))
	b.WriteString("\n")

	line := func(label, v string) {
		if v == "" {
			return
		}
		fmt.Fprintf(&b, "%s: %s\n", label, esc(v))
	}
	if f.FlightNumber != "" && f.Callsign != "" && f.Callsign != f.FlightNumber {
		line("Callsign", f.Callsign)
	}
	line("Registration", f.Registration)
	line("Type", f.AircraftType)
	if f.Origin != "" || f.Destination != "" {
		line("Route", orUnknown(f.Origin)+" -> "+orUnknown(f.Destination))
	}
	if !f.ETA.IsZero() {
		line("ETA", f.ETA.UTC().Format("2006-01-02 15:04")+" UTC")
	}

	var stats []string
	if f.AltitudeFt != nil {
		stats = append(stats, fmt.Sprintf("%.0f ft", *f.AltitudeFt))
	}
	if f.GroundSpeedKt != nil {
		stats = append(stats, fmt.Sprintf("%.0f kt", *f.GroundSpeedKt))
	}
	if f.Heading != nil {
		stats = append(stats, fmt.Sprintf("%.0f°", *f.Heading))
	}
	if len(stats) > 0 {
		b.WriteString(esc(strings.Join(stats, " · ")))
		b.WriteString("\n")
	}

	if webBase != "" {
		fmt.Fprintf(&b, "<a href=\"%s\">View on FR24</a>\n", esc(WebLink(webBase, f)))
	}
	if footer := creditFooter(n.Credits); footer != "" {
		b.WriteString("<i>")
		b.WriteString(esc(footer))
		b.WriteString("</i>\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func creditFooter(c *poller.CreditInfo) string {
	if c == nil || (c.Consumed == nil && c.Remaining == nil) {
		return ""
	}
	var parts []string
	if c.Consumed != nil {
		parts = append(parts, "Credits used: "+strconv.FormatInt(*c.Consumed, 10))
	}
	if c.Remaining != nil {
		parts = append(parts, "Remaining: "+strconv.FormatInt(*c.Remaining, 10))
	}
	if c.Suffix != "" {
		parts = append(parts, "key ***"+c.Suffix)
	}
	return strings.Join(parts, " | ")
}

func mention(r poller.Recipient) string {
	name := r.Name
	if name == "" {
		name = strconv.FormatInt(r.UserID, 10)
	}
	return fmt.Sprintf("<a href=\"tg://user?id=%d\">%s</a>", r.UserID, esc(name))
}

func withMentions(body string, mentions []string, limit int) string {
	if len(mentions) == 0 {
		return body
	}
	full := strings.Join(mentions, " ") + "\n" + body
	if len([]rune(full)) <= limit {
		return full
	}
	budget := limit - len([]rune(body)) - 1
	for keep := len(mentions) - 1; keep >= 0; keep-- {
		tail := fmt.Sprintf("and %d more", len(mentions)-keep)
		parts := append(append([]string(nil), mentions[:keep]...), tail)
		head := strings.Join(parts, " ")
		if len([]rune(head)) <= budget {
			return head + "\n" + body
		}
	}
	return body
}

func orUnknown(s string) string {
	if s == "" {
		return "?"
	}
	return s
}

func esc(s string) string { return html.EscapeString(s) }
