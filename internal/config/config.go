package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Modem     ModemConfig     `yaml:"modem"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	GPS       GPSConfig       `yaml:"gps"`
	Web       WebConfig       `yaml:"web"`
}

type ModemConfig struct {
	// Device empty means auto-detect by USB VID/PID.
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
	USBVID string `yaml:"usb_vid"`
	USBPID string `yaml:"usb_pid"`

	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	AttachPoll     time.Duration `yaml:"attach_poll"`

	LegacyLineFraming bool `yaml:"legacy_line_framing"`
	LogLines          int  `yaml:"log_lines"`

	// ResetGPIO is a BCM pin pulsed low at startup; 0 disables.
	ResetGPIO int `yaml:"reset_gpio"`

	Record RecordConfig `yaml:"record"`
	Replay ReplayConfig `yaml:"replay"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

type TelemetryConfig struct {
	Interval   time.Duration `yaml:"interval"`
	FixTimeout time.Duration `yaml:"fix_timeout"`
	// QueryStatus is a pointer so an absent key defaults to true.
	QueryStatus *bool `yaml:"query_status"`
}

// QueryStatusEnabled reports whether RSSI/join-status queries precede each
// uplink.
func (t TelemetryConfig) QueryStatusEnabled() bool {
	return t.QueryStatus == nil || *t.QueryStatus
}

type MirrorConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type GPSConfig struct {
	Enable    bool          `yaml:"enable"`
	Source    string        `yaml:"source"`
	Device    string        `yaml:"device"`
	Baud      int           `yaml:"baud"`
	GPSDAddr  string        `yaml:"gpsd_addr"`
	MaxFixAge time.Duration `yaml:"max_fix_age"`

	Static StaticGPSConfig `yaml:"static"`
	Sim    SimGPSConfig    `yaml:"sim"`
}

type StaticGPSConfig struct {
	LatDeg float64 `yaml:"lat_deg"`
	LonDeg float64 `yaml:"lon_deg"`
	AltM   float64 `yaml:"alt_m"`
}

type SimGPSConfig struct {
	CenterLatDeg float64       `yaml:"center_lat_deg"`
	CenterLonDeg float64       `yaml:"center_lon_deg"`
	AltM         float64       `yaml:"alt_m"`
	RadiusM      float64       `yaml:"radius_m"`
	Period       time.Duration `yaml:"period"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

var usbIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{4}$`)

// Load reads, defaults and validates a YAML config. Unknown keys are errors.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML bytes then applies DefaultAndValidate. Empty input
// yields the defaults.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills unset fields and rejects inconsistent settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := defaultModem(&cfg.Modem); err != nil {
		return err
	}
	if err := defaultTelemetry(&cfg.Telemetry); err != nil {
		return err
	}

	cfg.Mirror.Dest = strings.TrimSpace(cfg.Mirror.Dest)
	if cfg.Mirror.Enable && cfg.Mirror.Dest == "" {
		return fmt.Errorf("mirror.dest is required when mirror.enable is true")
	}

	if err := defaultGPS(&cfg.GPS); err != nil {
		return err
	}

	cfg.Web.Listen = strings.TrimSpace(cfg.Web.Listen)
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	return nil
}

func defaultModem(m *ModemConfig) error {
	m.Device = strings.TrimSpace(m.Device)
	if m.Baud == 0 {
		m.Baud = 9600
	}
	if m.Baud < 0 {
		return fmt.Errorf("modem.baud must be > 0")
	}
	m.USBVID = strings.ToLower(strings.TrimSpace(m.USBVID))
	m.USBPID = strings.ToLower(strings.TrimSpace(m.USBPID))
	if m.USBVID != "" && !usbIDPattern.MatchString(m.USBVID) {
		return fmt.Errorf("modem.usb_vid must be 4 hex digits")
	}
	if m.USBPID != "" && !usbIDPattern.MatchString(m.USBPID) {
		return fmt.Errorf("modem.usb_pid must be 4 hex digits")
	}
	if m.ReconnectDelay <= 0 {
		m.ReconnectDelay = 2 * time.Second
	}
	if m.AttachPoll <= 0 {
		m.AttachPoll = 1 * time.Second
	}
	if m.LogLines == 0 {
		m.LogLines = 50
	}
	if m.LogLines < 0 {
		return fmt.Errorf("modem.log_lines must be > 0")
	}
	if m.ResetGPIO < 0 {
		return fmt.Errorf("modem.reset_gpio must be >= 0")
	}

	if m.Record.Enable && m.Record.Path == "" {
		return fmt.Errorf("modem.record.path is required when modem.record.enable is true")
	}
	if m.Replay.Enable {
		if m.Replay.Path == "" {
			return fmt.Errorf("modem.replay.path is required when modem.replay.enable is true")
		}
		if m.Replay.Speed == 0 {
			m.Replay.Speed = 1
		}
		if m.Replay.Speed < 0 {
			return fmt.Errorf("modem.replay.speed must be > 0")
		}
	}
	if m.Record.Enable && m.Replay.Enable {
		return fmt.Errorf("modem.record and modem.replay cannot both be enabled")
	}
	return nil
}

func defaultTelemetry(t *TelemetryConfig) error {
	if t.Interval == 0 {
		t.Interval = 5 * time.Second
	}
	if t.Interval < time.Second {
		return fmt.Errorf("telemetry.interval must be >= 1s")
	}
	if t.FixTimeout == 0 {
		t.FixTimeout = 3 * time.Second
	}
	if t.FixTimeout < 0 {
		return fmt.Errorf("telemetry.fix_timeout must be > 0")
	}
	if t.FixTimeout >= t.Interval {
		return fmt.Errorf("telemetry.fix_timeout must be shorter than telemetry.interval")
	}
	return nil
}

func defaultGPS(g *GPSConfig) error {
	g.Source = strings.ToLower(strings.TrimSpace(g.Source))
	if g.Source == "" {
		g.Source = "nmea"
	}
	switch g.Source {
	case "nmea", "gpsd", "static", "sim":
	default:
		return fmt.Errorf("gps.source must be one of nmea, gpsd, static, sim")
	}
	if g.Baud == 0 {
		g.Baud = 9600
	}
	if g.Baud < 0 {
		return fmt.Errorf("gps.baud must be > 0")
	}
	if strings.TrimSpace(g.GPSDAddr) == "" {
		g.GPSDAddr = "127.0.0.1:2947"
	}
	if g.MaxFixAge <= 0 {
		g.MaxFixAge = 10 * time.Second
	}

	if g.Static.LatDeg < -90 || g.Static.LatDeg > 90 || g.Sim.CenterLatDeg < -90 || g.Sim.CenterLatDeg > 90 {
		return fmt.Errorf("gps latitude must be within [-90, 90]")
	}
	if g.Static.LonDeg < -180 || g.Static.LonDeg > 180 || g.Sim.CenterLonDeg < -180 || g.Sim.CenterLonDeg > 180 {
		return fmt.Errorf("gps longitude must be within [-180, 180]")
	}
	if g.Sim.Period <= 0 {
		g.Sim.Period = 120 * time.Second
	}
	if g.Sim.RadiusM <= 0 {
		g.Sim.RadiusM = 500
	}
	if g.Sim.AltM == 0 {
		g.Sim.AltM = 100
	}
	return nil
}
