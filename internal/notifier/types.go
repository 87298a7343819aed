package notifier

import "time"

type Config struct {
	WebBaseURL    string
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

type HistoryItem struct {
	At      time.Time
	ChatID  int64
	Summary string
	Err     string
}

// SendEvent is published on the event bus after every delivery attempt.
type SendEvent struct {
	Kind    string    `json:"kind"`
	ChatID  int64     `json:"chat_id"`
	Thread  int       `json:"thread_id,omitempty"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempts"`
	Error   string    `json:"error,omitempty"`
}
