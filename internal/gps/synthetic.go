package gps

import (
	"math"
	"time"
)

// StaticConfig is a fixed position for bench setups without a receiver.
type StaticConfig struct {
	LatDeg float64
	LonDeg float64
	AltM   float64
}

// SimConfig drives a figure-eight track around a center point.
type SimConfig struct {
	CenterLatDeg float64
	CenterLonDeg float64
	AltM         float64
	RadiusM      float64
	Period       time.Duration
}

const metersPerDegLat = 111320.0

func (c StaticConfig) snapshot(now time.Time) Snapshot {
	p := position{
		latDeg: c.LatDeg, lonDeg: c.LonDeg, latOK: true, lonOK: true,
		altM: c.AltM, altOK: true,
		lastFix: now, valid: true,
	}
	out := Snapshot{Enabled: true, Source: "static", Device: "static"}
	p.fill(&out)
	return out
}

// at returns a deterministic point on a Lissajous figure-eight that
// stays within RadiusM of the center. Altitude swings 20 m around AltM on a
// slower period.
func (c SimConfig) at(now time.Time) position {
	period := c.Period
	if period <= 0 {
		period = 120 * time.Second
	}
	radiusM := c.RadiusM
	if radiusM <= 0 {
		radiusM = 500
	}
	radiusDeg := radiusM / metersPerDegLat

	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())
	w := 2 * math.Pi * phase
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	lat := c.CenterLatDeg + radiusDeg*y
	lon := c.CenterLonDeg + (radiusDeg*x)/math.Cos(c.CenterLatDeg*math.Pi/180.0)

	// Velocity components in radius units per cycle.
	vx := -math.Sin(w)
	vy := math.Cos(2 * w)
	track := math.Mod(math.Atan2(vx, vy)*180/math.Pi+360, 360)
	speed := 2 * math.Pi / period.Seconds() * radiusM * math.Hypot(vx, vy)

	vp := period / 2
	if vp < 30*time.Second {
		vp = 30 * time.Second
	}
	vphase := float64(now.UnixNano()%vp.Nanoseconds()) / float64(vp.Nanoseconds())
	alt := c.AltM + 20*math.Sin(2*math.Pi*vphase)

	return position{
		latDeg: lat, lonDeg: lon, latOK: true, lonOK: true,
		altM: alt, altOK: true,
		speedMS: speed, speedOK: true,
		trackDeg: track, trkOK: true,
		lastFix: now, valid: true,
	}
}

func (c SimConfig) snapshot(now time.Time) Snapshot {
	p := c.at(now)
	out := Snapshot{Enabled: true, Source: "sim", Device: "sim"}
	p.fill(&out)
	return out
}
