package main

import (
	"context"
	"log"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
	sdWatchdog = daemon.SdNotifyWatchdog
)

// Test hooks.
var (
	sdNotify        = daemon.SdNotify
	sdWatchdogAfter = daemon.SdWatchdogEnabled
)

// notifySystemd is a no-op outside systemd (NOTIFY_SOCKET unset).
func notifySystemd(state string) {
	if _, err := sdNotify(false, state); err != nil {
		log.Printf("systemd notify %q failed: %v", state, err)
	}
}

// runWatchdog pings the systemd watchdog at half its timeout until ctx is
// done. It returns immediately when the unit has no WatchdogSec.
func runWatchdog(ctx context.Context) {
	timeout, err := sdWatchdogAfter(false)
	if err != nil {
		log.Printf("systemd watchdog check failed: %v", err)
		return
	}
	if timeout <= 0 {
		return
	}
	t := time.NewTicker(timeout / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notifySystemd(sdWatchdog)
		}
	}
}
