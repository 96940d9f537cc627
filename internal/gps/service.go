package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"loratrack/internal/atmodem"
)

// ErrNoFix is returned by Fix when no valid, fresh position is available.
var ErrNoFix = errors.New("no gps fix")

const DefaultMaxFixAge = 10 * time.Second

// Config controls the position source.
//
// Failures are best-effort: a receiver that cannot be opened leaves the
// service running with LastError set and Fix returning ErrNoFix.
type Config struct {
	Enable bool

	// Source is one of "nmea" (default), "gpsd", "static" or "sim".
	Source string

	GPSDAddr string

	// Device is the serial path for Source=="nmea". Empty auto-detects the
	// first /dev/ttyACM* or /dev/ttyUSB* not listed in Exclude.
	Device  string
	Baud    int
	Exclude []string

	// MaxFixAge is how old the last fix may be before Fix reports ErrNoFix.
	MaxFixAge time.Duration

	Static StaticConfig
	Sim    SimConfig
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Valid    bool `json:"valid"`
	FixStale bool `json:"fix_stale"`

	Source   string `json:"source,omitempty"`
	GPSDAddr string `json:"gpsd_addr,omitempty"`

	Device string `json:"device,omitempty"`
	Baud   int    `json:"baud,omitempty"`

	LatDeg     float64  `json:"lat_deg,omitempty"`
	LonDeg     float64  `json:"lon_deg,omitempty"`
	AltM       *float64 `json:"alt_m,omitempty"`
	SpeedMS    *float64 `json:"speed_ms,omitempty"`
	TrackDeg   *float64 `json:"track_deg,omitempty"`
	FixQuality *int     `json:"fix_quality,omitempty"`
	FixMode    *int     `json:"fix_mode,omitempty"`
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`
	HorizAccM  *float64 `json:"horiz_acc_m,omitempty"`
	VertAccM   *float64 `json:"vert_acc_m,omitempty"`
	FixAgeSec  float64  `json:"fix_age_sec,omitempty"`

	LastFixUTC string `json:"last_fix_utc,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

type Service struct {
	cfg Config
	src string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last atomic.Value // Snapshot

	mu     sync.Mutex
	closer io.Closer

	now func() time.Time
}

func New(cfg Config) *Service {
	src := strings.ToLower(strings.TrimSpace(cfg.Source))
	if src == "" {
		src = "nmea"
	}
	if cfg.MaxFixAge <= 0 {
		cfg.MaxFixAge = DefaultMaxFixAge
	}
	s := &Service{cfg: cfg, src: src, now: time.Now}
	s.last.Store(Snapshot{Enabled: cfg.Enable, Source: src, GPSDAddr: strings.TrimSpace(cfg.GPSDAddr), Device: cfg.Device, Baud: cfg.Baud})
	return s
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("gps service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	switch s.src {
	case "gpsd":
		return s.startGPSDLocked(ctx)
	case "static":
		return s.startSyntheticLocked(ctx, func(now time.Time) Snapshot { return s.cfg.Static.snapshot(now) })
	case "sim":
		return s.startSyntheticLocked(ctx, func(now time.Time) Snapshot { return s.cfg.Sim.snapshot(now) })
	case "nmea":
		return s.startNMEALocked(ctx)
	default:
		s.setErrorLocked(fmt.Sprintf("gps source %q not supported", s.src))
		return fmt.Errorf("gps source %q not supported", s.src)
	}
}

func (s *Service) startNMEALocked(ctx context.Context) error {
	device := strings.TrimSpace(s.cfg.Device)
	if device == "" {
		device = autoDetectDevice(s.cfg.Exclude)
		if device == "" {
			s.setErrorLocked("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
			return fmt.Errorf("gps auto-detect failed")
		}
	}

	baud := s.cfg.Baud
	if baud == 0 {
		baud = 9600
	}

	f, err := openReceiver(device, baud)
	if err != nil {
		s.setErrorLocked(fmt.Sprintf("gps open failed device=%s baud=%d: %v", device, baud, err))
		return err
	}
	s.closer = f

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.last.Store(Snapshot{Enabled: true, Source: "nmea", Device: device, Baud: baud})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = f.Close() }()

		log.Printf("gps enabled device=%s baud=%d", device, baud)
		st := nmeaState{device: device, baud: baud}
		s.scanLines(childCtx, f, 4096, "gps", func(now time.Time, line string) error {
			// Receivers sometimes emit non-NMEA chatter.
			if !strings.HasPrefix(line, "$") {
				return nil
			}
			sent, err := parseNMEASentence(line)
			if err != nil {
				return err
			}
			if st.apply(now, sent) {
				s.last.Store(st.snapshot())
			}
			return nil
		})
	}()
	return nil
}

func (s *Service) startGPSDLocked(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.GPSDAddr)
	if addr == "" {
		addr = gpsdDefaultAddr
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.last.Store(Snapshot{Enabled: true, Source: "gpsd", GPSDAddr: addr, Device: "gpsd"})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log.Printf("gps enabled source=gpsd addr=%s", addr)
		st := newGPSDState(addr)
		backoff := 250 * time.Millisecond
		const maxBackoff = 10 * time.Second

		for {
			if childCtx.Err() != nil {
				return
			}

			conn, err := dialGPSD(childCtx, addr)
			if err != nil {
				s.setError(fmt.Sprintf("gpsd dial failed addr=%s: %v", addr, err))
				select {
				case <-childCtx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < maxBackoff {
					backoff = min(backoff*2, maxBackoff)
				}
				continue
			}
			backoff = 250 * time.Millisecond

			s.mu.Lock()
			s.closer = conn
			s.mu.Unlock()

			if err := gpsdWatch(conn); err != nil {
				s.setError(fmt.Sprintf("gpsd watch failed: %v", err))
			} else {
				s.scanLines(childCtx, conn, 256*1024, "gpsd", func(now time.Time, line string) error {
					updated, err := st.applyLine(now, line)
					if updated {
						s.last.Store(st.snapshot())
					}
					return err
				})
			}
			_ = conn.Close()
			select {
			case <-childCtx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}()
	return nil
}

// scanLines feeds trimmed non-empty lines to fn until ctx ends or the reader
// fails. Errors from fn are kept as LastError.
func (s *Service) scanLines(ctx context.Context, r io.Reader, maxLine int, label string, fn func(now time.Time, line string) error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256), maxLine)
	for {
		if ctx.Err() != nil {
			return
		}
		if !sc.Scan() {
			err := sc.Err()
			if err == nil {
				err = io.EOF
			}
			if ctx.Err() == nil {
				s.setError(fmt.Sprintf("%s read stopped: %v", label, err))
			}
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := fn(s.now().UTC(), line); err != nil {
			s.setError(err.Error())
		}
	}
}

func (s *Service) startSyntheticLocked(ctx context.Context, gen func(now time.Time) Snapshot) error {
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.last.Store(gen(s.now().UTC()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("gps enabled source=%s", s.src)
		t := time.NewTicker(1 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-childCtx.Done():
				return
			case <-t.C:
				s.last.Store(gen(s.now().UTC()))
			}
		}
	}()
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	closer := s.closer
	s.cancel = nil
	s.closer = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	s.wg.Wait()
}

// Snapshot returns the latest state with fix age and staleness filled in.
func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	v, _ := s.last.Load().(Snapshot)
	if v.LastFixUTC != "" {
		if t, err := time.Parse(time.RFC3339Nano, v.LastFixUTC); err == nil {
			age := s.now().Sub(t)
			if age < 0 {
				age = 0
			}
			v.FixAgeSec = age.Seconds()
			v.FixStale = age > s.cfg.MaxFixAge
		}
	}
	return v
}

// Fix returns the current position for an uplink. Altitude is 0 when the
// receiver has not reported one.
func (s *Service) Fix(ctx context.Context) (atmodem.PositionFix, error) {
	if err := ctx.Err(); err != nil {
		return atmodem.PositionFix{}, err
	}
	snap := s.Snapshot()
	switch {
	case !snap.Enabled:
		return atmodem.PositionFix{}, fmt.Errorf("%w: gps disabled", ErrNoFix)
	case !snap.Valid:
		return atmodem.PositionFix{}, ErrNoFix
	case snap.FixStale:
		return atmodem.PositionFix{}, fmt.Errorf("%w: fix is %.1fs old", ErrNoFix, snap.FixAgeSec)
	}
	fix := atmodem.PositionFix{Longitude: snap.LonDeg, Latitude: snap.LatDeg}
	if snap.AltM != nil {
		fix.Altitude = *snap.AltM
	}
	return fix, nil
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErrorLocked(msg)
}

func (s *Service) setErrorLocked(msg string) {
	cur, _ := s.last.Load().(Snapshot)
	cur.LastError = msg
	// Transient parse issues do not flip validity.
	s.last.Store(cur)
}

func autoDetectDevice(exclude []string) string {
	skip := make(map[string]bool, len(exclude))
	for _, p := range exclude {
		skip[p] = true
	}
	for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB"} {
		for i := 0; i < 10; i++ {
			p := fmt.Sprintf("%s%d", prefix, i)
			if skip[p] {
				continue
			}
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
