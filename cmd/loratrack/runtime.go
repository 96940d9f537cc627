package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"loratrack/internal/alert"
	"loratrack/internal/bridge"
	"loratrack/internal/config"
	"loratrack/internal/gps"
	"loratrack/internal/hwreset"
	"loratrack/internal/replay"
	"loratrack/internal/transport"
	"loratrack/internal/udp"
	"loratrack/internal/web"
)

// Test hooks.
var (
	newSerialLink = func(cfg transport.SerialConfig) (transport.Link, error) {
		s, err := transport.NewSerial(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	resetModem = hwreset.Pulse
)

// liveRuntime owns every service of one process run.
type liveRuntime struct {
	cfg  config.Config
	mode string

	link     transport.Link
	recorder *replay.Writer
	gpsSvc   *gps.Service
	mirror   *udp.Mirror
	bridge   *bridge.Bridge
	status   *web.Status

	closeOnce sync.Once
}

func newRuntime(ctx context.Context, cfg config.Config) (*liveRuntime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	r := &liveRuntime{cfg: c, mode: "serial"}
	if c.Modem.Replay.Enable {
		r.mode = "replay"
	}

	if c.Modem.ResetGPIO > 0 && !c.Modem.Replay.Enable {
		log.Printf("modem reset gpio=%d", c.Modem.ResetGPIO)
		if err := resetModem(ctx, hwreset.Config{Pin: c.Modem.ResetGPIO}); err != nil {
			// The modem may still be usable without a reset.
			log.Printf("modem reset failed: %v", err)
		}
	}

	if err := r.initLink(); err != nil {
		r.Close()
		return nil, err
	}

	r.gpsSvc = gps.New(gps.Config{
		Enable:    c.GPS.Enable,
		Source:    c.GPS.Source,
		GPSDAddr:  c.GPS.GPSDAddr,
		Device:    c.GPS.Device,
		Baud:      c.GPS.Baud,
		Exclude:   modemDevices(c.Modem),
		MaxFixAge: c.GPS.MaxFixAge,
		Static:    gps.StaticConfig{LatDeg: c.GPS.Static.LatDeg, LonDeg: c.GPS.Static.LonDeg, AltM: c.GPS.Static.AltM},
		Sim: gps.SimConfig{
			CenterLatDeg: c.GPS.Sim.CenterLatDeg,
			CenterLonDeg: c.GPS.Sim.CenterLonDeg,
			AltM:         c.GPS.Sim.AltM,
			RadiusM:      c.GPS.Sim.RadiusM,
			Period:       c.GPS.Sim.Period,
		},
	})

	bcfg := bridge.Config{
		Transport:          r.link,
		Position:           r.gpsSvc,
		Alerts:             alert.NewQueue(alert.DefaultMaxPending),
		Interval:           c.Telemetry.Interval,
		FixTimeout:         c.Telemetry.FixTimeout,
		QueryStatus:        c.Telemetry.QueryStatusEnabled(),
		LogLines:           c.Modem.LogLines,
		StopAtFirstNewline: c.Modem.LegacyLineFraming,
	}
	if c.Mirror.Enable {
		m, err := udp.NewMirror(c.Mirror.Dest)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("telemetry mirror init failed: %w", err)
		}
		r.mirror = m
		bcfg.Mirror = m
	}

	b, err := bridge.New(bcfg)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.bridge = b

	r.status = web.NewStatus()
	r.status.SetStatic(r.mode, c.Telemetry.Interval.String())
	r.status.Bridge = b
	r.status.Link = r.link
	r.status.GPS = r.gpsSvc
	r.status.Alerts = b.Alerts()
	return r, nil
}

func (r *liveRuntime) initLink() error {
	c := r.cfg.Modem
	if c.Replay.Enable {
		l, err := transport.NewReplay(transport.ReplayConfig{Path: c.Replay.Path, Speed: c.Replay.Speed, Loop: c.Replay.Loop})
		if err != nil {
			return fmt.Errorf("modem replay init failed: %w", err)
		}
		log.Printf("modem replay path=%s speed=%g loop=%t", c.Replay.Path, c.Replay.Speed, c.Replay.Loop)
		r.link = l
		return nil
	}

	scfg := transport.SerialConfig{
		Device:         c.Device,
		Baud:           c.Baud,
		VID:            c.USBVID,
		PID:            c.USBPID,
		ReconnectDelay: c.ReconnectDelay,
		AttachPoll:     c.AttachPoll,
	}
	if c.Record.Enable {
		w, err := replay.CreateWriter(c.Record.Path)
		if err != nil {
			return fmt.Errorf("modem capture init failed: %w", err)
		}
		r.recorder = w
		scfg.Tap = r.record
		log.Printf("modem capture path=%s", c.Record.Path)
	}
	l, err := newSerialLink(scfg)
	if err != nil {
		return fmt.Errorf("modem serial init failed: %w", err)
	}
	r.link = l
	return nil
}

func (r *liveRuntime) record(now time.Time, chunk []byte) {
	if err := r.recorder.WriteChunk(now, chunk); err != nil {
		log.Printf("modem capture write failed: %v", err)
	}
}

// modemDevices lists ports the GPS auto-detect must not claim.
func modemDevices(m config.ModemConfig) []string {
	if m.Device == "" {
		return nil
	}
	return []string{m.Device}
}

// Start brings up the position source, the modem link and the poll loop.
func (r *liveRuntime) Start(ctx context.Context) error {
	if err := r.gpsSvc.Start(ctx); err != nil {
		// Uplinks are skipped until a fix arrives; the modem side stays useful.
		log.Printf("gps init failed: %v", err)
	}
	if err := r.link.Start(ctx, r.bridge.HandleTransportEvent); err != nil {
		return fmt.Errorf("modem link start failed: %w", err)
	}
	if err := r.bridge.Start(ctx); err != nil {
		return fmt.Errorf("telemetry loop start failed: %w", err)
	}
	if r.recorder != nil {
		go r.flushLoop(ctx)
	}
	return nil
}

func (r *liveRuntime) flushLoop(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.recorder.Flush(); err != nil {
				log.Printf("modem capture flush failed: %v", err)
			}
		}
	}
}

func (r *liveRuntime) Close() {
	r.closeOnce.Do(func() {
		if r.bridge != nil {
			r.bridge.Close()
		}
		if r.link != nil {
			r.link.Close()
		}
		if r.gpsSvc != nil {
			r.gpsSvc.Close()
		}
		if r.recorder != nil {
			if err := r.recorder.Close(); err != nil {
				log.Printf("modem capture close failed: %v", err)
			} else {
				log.Printf("modem capture closed chunks=%d", r.recorder.Count())
			}
		}
		if r.mirror != nil {
			_ = r.mirror.Close()
		}
	})
}
