// Package systemd reports service state to systemd. Every call is a no-op
// when the process was not started by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func Ready() error    { return notify(daemon.SdNotifyReady) }
func Stopping() error { return notify(daemon.SdNotifyStopping) }

func notify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}

// Watchdog pings systemd at half the configured WatchdogSec until ctx is
// done. It returns at once when the unit has no watchdog.
func Watchdog(ctx context.Context) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_ = notify(daemon.SdNotifyWatchdog)
		}
	}
}
