package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strings"
	"time"
)

const (
	gpsdDefaultAddr = "127.0.0.1:2947"
	gpsdWatchCmd    = `?WATCH={"enable":true,"json":true,"scaled":true}` + "\n"

	// gpsd fix modes.
	gpsdMode2D = 2
)

func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		addr = gpsdDefaultAddr
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

func gpsdWatch(conn net.Conn) error {
	_, err := conn.Write([]byte(gpsdWatchCmd))
	return err
}

// gpsdReport holds the fields of the TPV and SKY classes we use. Other
// classes decode into it harmlessly and are ignored by Class.
type gpsdReport struct {
	Class string `json:"class"`

	// TPV
	Mode   *int     `json:"mode"`
	Time   string   `json:"time"`
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Alt    *float64 `json:"alt"`
	AltMSL *float64 `json:"altMSL"`
	Speed  *float64 `json:"speed"`
	Track  *float64 `json:"track"`
	Epx    *float64 `json:"epx"`
	Epy    *float64 `json:"epy"`
	Eph    *float64 `json:"eph"`
	Epv    *float64 `json:"epv"`

	// SKY
	HDOP       *float64 `json:"hdop"`
	USat       *int     `json:"uSat"`
	Satellites []struct {
		Used bool `json:"used"`
	} `json:"satellites"`
}

type gpsdState struct {
	addr string

	position

	mode       *int
	satellites *int
	hdop       *float64
	horizAccM  *float64
	vertAccM   *float64
}

func newGPSDState(addr string) *gpsdState {
	return &gpsdState{addr: strings.TrimSpace(addr)}
}

func (s *gpsdState) snapshot() Snapshot {
	out := Snapshot{Enabled: true, Source: "gpsd", Device: "gpsd", GPSDAddr: s.addr}
	s.position.fill(&out)
	out.FixMode = s.mode
	out.Satellites = s.satellites
	out.HDOP = s.hdop
	out.HorizAccM = s.horizAccM
	out.VertAccM = s.vertAccM
	return out
}

// applyLine folds one gpsd JSON report into the state and reports whether
// anything changed.
func (s *gpsdState) applyLine(nowUTC time.Time, line string) (bool, error) {
	var r gpsdReport
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return false, fmt.Errorf("gpsd report parse failed: %w", err)
	}
	switch strings.ToUpper(strings.TrimSpace(r.Class)) {
	case "TPV":
		return s.applyTPV(nowUTC, r), nil
	case "SKY":
		return s.applySKY(r), nil
	}
	return false, nil
}

func (s *gpsdState) applyTPV(nowUTC time.Time, r gpsdReport) bool {
	if r.Mode == nil && r.Lat == nil && r.Lon == nil {
		return false
	}
	if r.Mode != nil {
		s.mode = intPtr(*r.Mode)
	}

	switch {
	case r.Eph != nil:
		s.horizAccM = floatPtr(*r.Eph)
	case r.Epx != nil && r.Epy != nil:
		s.horizAccM = floatPtr(math.Hypot(*r.Epx, *r.Epy))
	}
	if r.Epv != nil {
		s.vertAccM = floatPtr(*r.Epv)
	}

	if r.Lat != nil {
		s.latDeg, s.latOK = *r.Lat, true
	}
	if r.Lon != nil {
		s.lonDeg, s.lonOK = *r.Lon, true
	}
	if r.Speed != nil {
		s.speedMS, s.speedOK = *r.Speed, true
	}
	if r.Track != nil {
		s.trackDeg, s.trkOK = *r.Track, true
	}
	if alt := firstFloat(r.AltMSL, r.Alt); alt != nil {
		s.altM, s.altOK = *alt, true
	}

	if s.mode == nil {
		return true
	}
	if *s.mode < gpsdMode2D {
		s.valid = false
		return true
	}
	if *s.mode == gpsdMode2D {
		// A 2D fix has no usable altitude.
		s.altOK = false
	}
	if s.latOK && s.lonOK {
		s.valid = true
		s.lastFix = reportTime(r.Time, nowUTC)
	}
	return true
}

func (s *gpsdState) applySKY(r gpsdReport) bool {
	updated := false
	if r.HDOP != nil {
		s.hdop = floatPtr(*r.HDOP)
		updated = true
	}
	switch {
	case r.USat != nil:
		s.satellites = intPtr(*r.USat)
		updated = true
	case len(r.Satellites) > 0:
		used := 0
		for _, sat := range r.Satellites {
			if sat.Used {
				used++
			}
		}
		s.satellites = intPtr(used)
		updated = true
	}
	return updated
}

func firstFloat(vs ...*float64) *float64 {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

// reportTime prefers the receiver timestamp; gpsd omits it without a fix.
func reportTime(ts string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(ts)); err == nil {
		return t.UTC()
	}
	return fallback
}
