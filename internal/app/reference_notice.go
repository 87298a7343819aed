package app

import (
	"strings"

	"flightwatch/internal/storage"
)

// noticeLimit is one Telegram message. Longer notices are split by the
// adapter, and the mentions would land on the first part only.
const noticeLimit = 4096

// changeNotice renders the reference changelog for one guild, mentioning
// the users it registered for each changed dataset. Mentions are dropped
// when they would push the notice past one message.
func changeNotice(m storage.ChangeMentions, changelog string, models, airports bool) string {
	body := "<pre>" + escapeHTML(changelog) + "</pre>"
	var mentions []string
	if models && m.Models != "" {
		mentions = append(mentions, m.Models)
	}
	if airports && m.Airports != "" {
		mentions = append(mentions, m.Airports)
	}
	if len(mentions) == 0 {
		return body
	}
	text := escapeHTML(strings.Join(mentions, " ")) + "\n" + body
	if len(text) > noticeLimit {
		return body
	}
	return text
}
