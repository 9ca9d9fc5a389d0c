package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "checkinbot/pkg/logx"
)

// startSdNotify tells systemd we're ready and services its watchdog when one
// is configured. Outside systemd both calls are no-ops.
func (a *App) startSdNotify() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
		return
	}
	if !sent {
		return
	}
	a.log.Debug("sd_notify ready sent")

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	// Ping at half the configured timeout, per the watchdog protocol.
	interval /= 2

	a.sup.Go("sdnotify.watchdog", func(c context.Context) error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
				return nil
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}
