// Package hwreset pulses the modem's reset pin over a GPIO line.
package hwreset

import (
	"context"
	"fmt"
	"log"
	"time"
)

type Config struct {
	// Pin is the BCM GPIO number wired to the modem's active-low reset.
	Pin int

	// Low is how long reset is held asserted. Settle is the wait after release
	// for the firmware to boot.
	Low    time.Duration
	Settle time.Duration
}

type outputLine interface {
	SetValue(v int) error
	Close() error
}

// Pulse drives the reset line low for cfg.Low, releases it and waits
// cfg.Settle. The line is left released and closed on return.
func Pulse(ctx context.Context, cfg Config) error {
	if cfg.Pin <= 0 {
		return fmt.Errorf("hwreset: invalid gpio pin %d", cfg.Pin)
	}
	if cfg.Low <= 0 {
		cfg.Low = 100 * time.Millisecond
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 2 * time.Second
	}

	line, err := openLineFn(cfg.Pin)
	if err != nil {
		return err
	}
	defer func() { _ = line.Close() }()

	if err := line.SetValue(0); err != nil {
		return fmt.Errorf("hwreset: assert: %w", err)
	}
	waitErr := sleepFn(ctx, cfg.Low)
	if err := line.SetValue(1); err != nil {
		return fmt.Errorf("hwreset: release: %w", err)
	}
	if waitErr != nil {
		return waitErr
	}
	log.Printf("modem reset pulsed gpio=%d low=%s", cfg.Pin, cfg.Low)
	return sleepFn(ctx, cfg.Settle)
}

var sleepFn = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
