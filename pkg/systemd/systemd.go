// Package systemd reports service state to the systemd manager. Every call
// is a no-op when the process is not run under a notify-type unit.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pewcore/pkg/logx"
)

func notify(log logx.Logger, state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("systemd.notify_failed", logx.String("state", state), logx.Err(err))
	}
	return sent
}

// Ready tells systemd startup has finished.
func Ready(log logx.Logger) bool { return notify(log, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown has begun.
func Stopping(log logx.Logger) bool { return notify(log, daemon.SdNotifyStopping) }

// Watchdog pings the systemd watchdog at half its configured interval until
// ctx ends. It returns at once when no watchdog is configured.
func Watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Debug("systemd.watchdog_check_failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
