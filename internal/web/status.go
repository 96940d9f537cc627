package web

import (
	"sync/atomic"
	"time"

	"loratrack/internal/alert"
	"loratrack/internal/atmodem"
	"loratrack/internal/bridge"
	"loratrack/internal/gps"
	"loratrack/internal/transport"
)

// BridgeSource is the part of the bridge the web surface reads.
type BridgeSource interface {
	Snapshot() bridge.Snapshot
	Store() *atmodem.Store
}

type LinkSource interface {
	Snapshot(nowUTC time.Time) transport.Snapshot
}

type GPSSource interface {
	Snapshot() gps.Snapshot
}

// Status carries process-level facts plus the live sources shown on /api/status.
// Any source may be nil; its section is then omitted.
type Status struct {
	startUnixNano int64
	mode          atomic.Value // string
	interval      atomic.Value // string

	Bridge BridgeSource
	Link   LinkSource
	GPS    GPSSource
	Alerts *alert.Queue
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.mode.Store("")
	s.interval.Store("")
	return s
}

// SetStatic records values that do not change after startup.
func (s *Status) SetStatic(mode string, interval string) {
	if mode != "" {
		s.mode.Store(mode)
	}
	if interval != "" {
		s.interval.Store(interval)
	}
}

type StatusSnapshot struct {
	Service   string `json:"service"`
	NowUTC    string `json:"now_utc"`
	UptimeSec int64  `json:"uptime_sec"`
	Mode      string `json:"mode"`
	Interval  string `json:"interval"`

	Bridge    *bridge.Snapshot    `json:"bridge,omitempty"`
	Transport *transport.Snapshot `json:"transport,omitempty"`
	GPS       *gps.Snapshot       `json:"gps,omitempty"`
	Alerts    *alert.Stats        `json:"alerts,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   serviceName,
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Mode:      s.mode.Load().(string),
		Interval:  s.interval.Load().(string),
	}
	if s.Bridge != nil {
		b := s.Bridge.Snapshot()
		snap.Bridge = &b
	}
	if s.Link != nil {
		l := s.Link.Snapshot(nowUTC)
		snap.Transport = &l
	}
	if s.GPS != nil {
		g := s.GPS.Snapshot()
		snap.GPS = &g
	}
	if s.Alerts != nil {
		a := s.Alerts.Stats()
		snap.Alerts = &a
	}
	return snap
}
