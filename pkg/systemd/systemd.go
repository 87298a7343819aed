// Package systemd reports service state to the systemd manager. Every
// call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

// Ready tells systemd startup finished. It reports whether a manager
// socket was present.
func Ready() bool { return send(daemon.SdNotifyReady) }

func Stopping() bool { return send(daemon.SdNotifyStopping) }

// Status sets the one-line status shown by systemctl status.
func Status(text string) bool { return send("STATUS=" + text) }

func send(state string) bool {
	ok, err := notify(false, state)
	return ok && err == nil
}

// WatchdogInterval returns half the configured WatchdogSec, or 0 when the
// watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings systemd every interval while healthy reports true. A
// failing check withholds the ping so systemd restarts the unit.
func Watchdog(ctx context.Context, interval time.Duration, healthy func() bool) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy == nil || healthy() {
				send(daemon.SdNotifyWatchdog)
			}
		}
	}
}
