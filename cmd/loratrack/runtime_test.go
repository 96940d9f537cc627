package main

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"loratrack/internal/config"
	"loratrack/internal/hwreset"
	"loratrack/internal/replay"
	"loratrack/internal/transport"
)

type fakeLink struct {
	started bool
	closed  bool
}

func (l *fakeLink) Start(ctx context.Context, h transport.Handler) error {
	l.started = true
	return nil
}
func (l *fakeLink) Close()                 { l.closed = true }
func (l *fakeLink) Write(cmd string) error { return transport.ErrNotConnected }
func (l *fakeLink) Snapshot(time.Time) transport.Snapshot {
	return transport.Snapshot{Kind: "fake", State: "stopped"}
}

func stubRuntimeHooks(t *testing.T) (*fakeLink, *transport.SerialConfig, *[]hwreset.Config) {
	t.Helper()
	oldSerial := newSerialLink
	oldReset := resetModem
	t.Cleanup(func() {
		newSerialLink = oldSerial
		resetModem = oldReset
	})

	link := &fakeLink{}
	var got transport.SerialConfig
	var resets []hwreset.Config
	newSerialLink = func(cfg transport.SerialConfig) (transport.Link, error) {
		got = cfg
		return link, nil
	}
	resetModem = func(ctx context.Context, cfg hwreset.Config) error {
		resets = append(resets, cfg)
		return nil
	}
	return link, &got, &resets
}

func writeCapture(t *testing.T, chunks ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modem.cap")
	w, err := replay.CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	now := time.Now()
	for _, c := range chunks {
		if err := w.WriteChunk(now, []byte(c)); err != nil {
			t.Fatalf("WriteChunk() error: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	return path
}

func TestRuntime_ReplayFeedsBridge(t *testing.T) {
	_, _, resets := stubRuntimeHooks(t)

	var cfg config.Config
	cfg.Modem.ResetGPIO = 17
	cfg.Modem.Replay.Enable = true
	cfg.Modem.Replay.Path = writeCapture(t, "Rssi -4", "0\r\n1\n")
	cfg.Modem.Replay.Speed = 100
	cfg.GPS.Enable = true
	cfg.GPS.Source = "static"
	cfg.GPS.Static.LatDeg = 52.5
	cfg.GPS.Static.LonDeg = 13.4

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	defer rt.Close()
	if rt.mode != "replay" {
		t.Fatalf("mode=%q want replay", rt.mode)
	}
	if len(*resets) != 0 {
		t.Fatalf("reset pulsed in replay mode: %+v", *resets)
	}

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := rt.status.Snapshot(time.Now().UTC())
		// The link reports finished before its disconnect event is applied;
		// the alert raised for that event marks the end.
		if snap.Transport != nil && snap.Transport.State == "finished" && snap.Alerts.Pending == 1 {
			m := snap.Bridge.Modem
			if m.RSSI != -40 || !m.NetworkConnected || m.SocketConnected {
				t.Fatalf("modem=%+v", m)
			}
			if snap.Transport.Kind != "replay" {
				t.Fatalf("transport kind=%q", snap.Transport.Kind)
			}
			if snap.GPS == nil || !snap.GPS.Enabled {
				t.Fatalf("gps=%+v", snap.GPS)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("replay did not finish: %+v", snap.Transport)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRuntime_SerialRecordsChunks(t *testing.T) {
	link, serialCfg, resets := stubRuntimeHooks(t)

	capPath := filepath.Join(t.TempDir(), "captures", "modem.cap")
	var cfg config.Config
	cfg.Modem.Device = "/dev/ttyUSB3"
	cfg.Modem.ResetGPIO = 17
	cfg.Modem.Record.Enable = true
	cfg.Modem.Record.Path = capPath

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		t.Fatalf("newRuntime() error: %v", err)
	}
	if rt.mode != "serial" {
		t.Fatalf("mode=%q want serial", rt.mode)
	}
	if len(*resets) != 1 || (*resets)[0].Pin != 17 {
		t.Fatalf("resets=%+v want one pulse on pin 17", *resets)
	}
	if serialCfg.Device != "/dev/ttyUSB3" || serialCfg.Baud != 9600 {
		t.Fatalf("serial cfg=%+v", *serialCfg)
	}
	if serialCfg.Tap == nil {
		t.Fatalf("serial tap not set with recording enabled")
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !link.started {
		t.Fatalf("link not started")
	}

	serialCfg.Tap(time.Now(), []byte("Rssi -1\n"))
	rt.Close()
	if !link.closed {
		t.Fatalf("link not closed")
	}

	recs, err := replay.ReadFile(capPath)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if len(recs) != 2 || recs[0].Chunk != nil {
		t.Fatalf("records=%+v want START + 1 chunk", recs)
	}
	if !bytes.Equal(recs[1].Chunk, []byte("Rssi -1\n")) {
		t.Fatalf("chunk=%q", recs[1].Chunk)
	}
}

func TestNewRuntime_InvalidConfig(t *testing.T) {
	stubRuntimeHooks(t)

	var cfg config.Config
	cfg.Modem.Record.Enable = true
	if _, err := newRuntime(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for record without path")
	}

	cfg = config.Config{}
	cfg.Modem.Replay.Enable = true
	cfg.Modem.Replay.Path = filepath.Join(t.TempDir(), "missing.cap")
	if _, err := newRuntime(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for missing replay file")
	}
}

func TestRunWatchdog(t *testing.T) {
	oldNotify, oldAfter := sdNotify, sdWatchdogAfter
	t.Cleanup(func() {
		sdNotify = oldNotify
		sdWatchdogAfter = oldAfter
	})

	var mu sync.Mutex
	var states []string
	sdNotify = func(unset bool, state string) (bool, error) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
		return true, nil
	}

	sdWatchdogAfter = func(bool) (time.Duration, error) { return 0, nil }
	runWatchdog(context.Background())
	if len(states) != 0 {
		t.Fatalf("states=%q want none without watchdog", states)
	}

	sdWatchdogAfter = func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runWatchdog(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(states)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watchdog pings=%d want >= 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for _, s := range states {
		if s != "WATCHDOG=1" {
			t.Fatalf("state=%q want WATCHDOG=1", s)
		}
	}
}

func TestNotifySystemd(t *testing.T) {
	oldNotify := sdNotify
	t.Cleanup(func() { sdNotify = oldNotify })

	var got string
	sdNotify = func(unset bool, state string) (bool, error) {
		got = state
		return false, nil
	}
	notifySystemd(sdReady)
	if got != "READY=1" {
		t.Fatalf("state=%q want READY=1", got)
	}
}
