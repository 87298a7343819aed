package commands

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"

	logx "flightwatch/pkg/logx"
)

const (
	defaultLogLines = 50
	maxLogLines     = 200
	// bytes of log text per reply, before escaping
	logReplyLimit = 1800
)

func (h *handlers) logs(ctx context.Context, req *Request) error {
	path := ""
	if h.d.LogFile != nil {
		path = h.d.LogFile()
	}
	if path == "" {
		return req.Reply(ctx, "File logging is disabled.")
	}

	n := defaultLogLines
	args := req.Args
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil {
			n = min(max(v, 1), maxLogLines)
			args = args[1:]
		}
	}
	lines, err := logx.ReadTail(path, n, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return req.Reply(ctx, "No logs found.")
	}
	return req.Reply(ctx, "<pre>"+escape(lastChars(strings.Join(lines, "\n"), logReplyLimit))+"</pre>")
}

// lastChars keeps the trailing limit bytes of s, cut at a rune boundary.
func lastChars(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = s[len(s)-limit:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}
