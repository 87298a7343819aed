// Package transport is the chat platform contract the bot talks through.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is an incoming text message.
type Message struct {
	ID       int
	ChatID   int64
	ThreadID int // forum topic, 0 if none
	IsGroup  bool

	FromID       int64
	FromUsername string
	FromName     string

	Text string
}

// ChatTarget addresses a chat and optional forum topic.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

const (
	ParseHTML = "HTML"
)

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is a running chat connection.
type Adapter interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// RetryAfterError is returned when the platform asks the caller to back off.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// PermanentError marks failures that retrying cannot fix, such as a chat
// the bot was removed from.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.After, true
	}
	return 0, false
}
