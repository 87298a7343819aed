// Package notifier delivers flight notifications and operator alerts to
// chat channels.
//
// Messages are rendered as HTML, paced by a token bucket and retried with
// exponential backoff when the transport reports a transient failure.
// Permanent failures (the bot was removed from a chat, for example) are
// returned immediately. A short in-memory history of delivered messages is
// kept for /status.
package notifier
