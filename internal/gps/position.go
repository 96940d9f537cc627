package gps

import (
	"time"
)

// position is the state shared by every source.
type position struct {
	latDeg float64
	lonDeg float64
	latOK  bool
	lonOK  bool

	altM  float64
	altOK bool

	speedMS float64
	speedOK bool

	trackDeg float64
	trkOK    bool

	lastFix time.Time
	valid   bool
}

func (p *position) fill(out *Snapshot) {
	out.Valid = p.valid
	out.LatDeg = p.latDeg
	out.LonDeg = p.lonDeg
	if p.altOK {
		v := p.altM
		out.AltM = &v
	}
	if p.speedOK {
		v := p.speedMS
		out.SpeedMS = &v
	}
	if p.trkOK {
		v := p.trackDeg
		out.TrackDeg = &v
	}
	if !p.lastFix.IsZero() {
		out.LastFixUTC = p.lastFix.UTC().Format(time.RFC3339Nano)
	}
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }
