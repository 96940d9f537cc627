package gps

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var errBadSentence = errors.New("nmea: bad sentence")

const knotsToMS = 0.514444

// nmeaSentence is a checksum-verified sentence. Type drops the talker ID so
// GPRMC, GNRMC and GLRMC all read "RMC". Fields[0] is the full address field.
type nmeaSentence struct {
	Type   string
	Fields []string
}

func parseNMEASentence(line string) (nmeaSentence, error) {
	line = strings.TrimSpace(line)
	body, sum, ok := strings.Cut(strings.TrimPrefix(line, "$"), "*")
	switch {
	case !strings.HasPrefix(line, "$"):
		return nmeaSentence{}, fmt.Errorf("%w: missing '$'", errBadSentence)
	case !ok:
		return nmeaSentence{}, fmt.Errorf("%w: missing checksum", errBadSentence)
	}
	if err := verifyChecksum(body, sum); err != nil {
		return nmeaSentence{}, err
	}

	fields := strings.Split(body, ",")
	addr := fields[0]
	if len(addr) < 3 {
		return nmeaSentence{}, fmt.Errorf("%w: short address %q", errBadSentence, addr)
	}
	return nmeaSentence{Type: strings.ToUpper(addr[len(addr)-3:]), Fields: fields}, nil
}

func verifyChecksum(body, sum string) error {
	sum = strings.TrimSpace(sum)
	if len(sum) < 2 {
		return fmt.Errorf("%w: short checksum", errBadSentence)
	}
	want, err := strconv.ParseUint(sum[:2], 16, 8)
	if err != nil {
		return fmt.Errorf("%w: checksum %q", errBadSentence, sum[:2])
	}
	var got byte
	for i := 0; i < len(body); i++ {
		got ^= body[i]
	}
	if got != byte(want) {
		return fmt.Errorf("%w: checksum %02X want %02X", errBadSentence, got, want)
	}
	return nil
}

// nmeaState folds RMC, GGA and GLL sentences into one position.
type nmeaState struct {
	device string
	baud   int

	position

	quality    *int
	satellites *int
	hdop       *float64
}

func (s *nmeaState) apply(nowUTC time.Time, sent nmeaSentence) bool {
	switch sent.Type {
	case "RMC":
		return s.applyRMC(nowUTC, sent.Fields)
	case "GGA":
		return s.applyGGA(nowUTC, sent.Fields)
	case "GLL":
		return s.applyGLL(nowUTC, sent.Fields)
	}
	return false
}

func (s *nmeaState) snapshot() Snapshot {
	out := Snapshot{Enabled: true, Source: "nmea", Device: s.device, Baud: s.baud}
	s.position.fill(&out)
	out.FixQuality = s.quality
	out.Satellites = s.satellites
	out.HDOP = s.hdop
	return out
}

// setLatLon stores a coordinate pair when both halves parse and are in range.
func (s *nmeaState) setLatLon(lat, latHemi, lon, lonHemi string) bool {
	la, ok1 := parseNMEALatLon(lat, latHemi)
	lo, ok2 := parseNMEALatLon(lon, lonHemi)
	if !ok1 || !ok2 || math.Abs(la) > 90 || math.Abs(lo) > 180 {
		return false
	}
	s.latDeg, s.latOK = la, true
	s.lonDeg, s.lonOK = lo, true
	return true
}

func (s *nmeaState) markFix(nowUTC time.Time) {
	s.lastFix = nowUTC
	s.valid = true
}

// RMC: 1 time, 2 status A/V, 3-6 lat/lon, 7 speed (kt), 8 course, 9 date.
func (s *nmeaState) applyRMC(nowUTC time.Time, f []string) bool {
	if len(f) < 10 || strings.TrimSpace(f[2]) != "A" {
		return false
	}
	if !s.setLatLon(f[3], f[4], f[5], f[6]) {
		return false
	}
	if kt, ok := parseFloat(f[7]); ok {
		s.speedMS, s.speedOK = kt*knotsToMS, true
	}
	if trk, ok := parseFloat(f[8]); ok {
		s.trackDeg, s.trkOK = math.Mod(trk+360.0, 360.0), true
	}
	s.markFix(nowUTC)
	return true
}

// GGA: 1 time, 2-5 lat/lon, 6 quality (0 = none), 7 sats, 8 HDOP,
// 9 altitude MSL, 10 altitude unit.
func (s *nmeaState) applyGGA(nowUTC time.Time, f []string) bool {
	if len(f) < 11 {
		return false
	}
	q, err := strconv.Atoi(strings.TrimSpace(f[6]))
	if err != nil || q == 0 {
		return false
	}
	s.quality = intPtr(q)
	if n, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		s.satellites = intPtr(n)
	}
	if v, ok := parseFloat(f[8]); ok {
		s.hdop = floatPtr(v)
	}
	// Feet or unitless altitudes are not trusted.
	if alt, ok := parseFloat(f[9]); ok && strings.EqualFold(strings.TrimSpace(f[10]), "M") {
		s.altM, s.altOK = alt, true
	}
	if !s.setLatLon(f[2], f[3], f[4], f[5]) {
		return false
	}
	s.markFix(nowUTC)
	return true
}

// GLL: 1-4 lat/lon, 5 time, 6 status A/V.
func (s *nmeaState) applyGLL(nowUTC time.Time, f []string) bool {
	if len(f) < 7 || strings.TrimSpace(f[6]) != "A" {
		return false
	}
	if !s.setLatLon(f[1], f[2], f[3], f[4]) {
		return false
	}
	s.markFix(nowUTC)
	return true
}

func parseFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var hemisphereSign = map[string]float64{"N": 1, "E": 1, "S": -1, "W": -1}

// parseNMEALatLon converts (d)ddmm.mmmm plus hemisphere to signed degrees.
// The two digits before the decimal point are whole minutes.
func parseNMEALatLon(v string, hemi string) (float64, bool) {
	sign, ok := hemisphereSign[strings.ToUpper(strings.TrimSpace(hemi))]
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return 0, false
	}
	whole, _, _ := strings.Cut(v, ".")
	if len(whole) < 3 {
		return 0, false
	}
	split := len(whole) - 2
	deg, err := strconv.Atoi(v[:split])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[split:], 64)
	if err != nil || mins >= 60 {
		return 0, false
	}
	return sign * (float64(deg) + mins/60.0), true
}
