package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const DefaultBaud = 9600

type SerialConfig struct {
	// Device is the port path. Empty selects the first USB port matching
	// VID/PID.
	Device string
	Baud   int

	// VID and PID filter auto-detect and attach tracking (hex, case-insensitive).
	VID string
	PID string

	ReconnectDelay time.Duration
	AttachPoll     time.Duration
	ReadBufferSize int

	// Tap, when set, sees every received chunk before it is dispatched.
	Tap func(now time.Time, chunk []byte)
}

// Test hooks.
var (
	openPort = func(name string, baud int) (io.ReadWriteCloser, error) {
		return serial.Open(name, &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
	}
	listPorts = enumerator.GetDetailedPortsList
)

// Serial is a self-reconnecting serial link to the modem.
type Serial struct {
	cfg SerialConfig

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	portName string
	lastSeen time.Time
	chunks   uint64
	bytesRx  uint64
	bytesTx  uint64
	attached []string

	portMu sync.Mutex
	port   io.ReadWriteCloser

	handler Handler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.Baud < 0 {
		return nil, fmt.Errorf("serial baud must be > 0")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.AttachPoll <= 0 {
		cfg.AttachPoll = 1 * time.Second
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 256
	}
	cfg.VID = strings.ToLower(strings.TrimSpace(cfg.VID))
	cfg.PID = strings.ToLower(strings.TrimSpace(cfg.PID))
	return &Serial{cfg: cfg, state: "stopped"}, nil
}

// Start launches the connect/read loop and the attach watcher.
func (s *Serial) Start(ctx context.Context, h Handler) error {
	if s == nil {
		return fmt.Errorf("serial link is nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("serial link is closed")
	}
	if h == nil {
		return fmt.Errorf("serial handler is nil")
	}
	if s.started.Swap(true) {
		return fmt.Errorf("serial link already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.handler = h
	s.setState("connecting", "")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.watchAttach(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.runLoop(runCtx)
	}()
	return nil
}

func (s *Serial) Close() {
	if s == nil {
		return
	}
	if s.closed.Swap(true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.closePort()
	s.wg.Wait()
}

// Write sends cmd as-is.
func (s *Serial) Write(cmd string) error {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	if s.port == nil {
		return ErrNotConnected
	}
	n, err := s.port.Write([]byte(cmd))
	s.mu.Lock()
	s.bytesTx += uint64(n)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (s *Serial) Snapshot(nowUTC time.Time) Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Kind:      "serial",
		Port:      s.portName,
		Baud:      s.cfg.Baud,
		State:     s.state,
		LastError: s.lastErr,
		Chunks:    s.chunks,
		BytesRx:   s.bytesRx,
		BytesTx:   s.bytesTx,
		Attached:  append([]string(nil), s.attached...),
	}
	if out.Port == "" {
		out.Port = s.cfg.Device
	}
	if !s.lastSeen.IsZero() {
		out.LastSeenUTC = s.lastSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (s *Serial) runLoop(ctx context.Context) {
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		if ctx.Err() != nil {
			s.setState("stopped", "")
			return
		}

		name, err := s.resolvePort()
		if err == nil {
			err = s.open(name)
		}
		if err != nil {
			s.fail(err)
			if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
				s.setState("stopped", "")
				return
			}
			continue
		}

		log.Printf("modem connected port=%s baud=%d", name, s.cfg.Baud)
		s.setState("connected", "")
		s.emit(Event{Kind: KindConnected, Port: name})

		readErr := s.readLoop(ctx, name, buf)
		s.closePort()
		if ctx.Err() != nil {
			s.emit(Event{Kind: KindDisconnected, Port: name, Shutdown: true})
			s.setState("stopped", "")
			return
		}
		log.Printf("modem disconnected port=%s err=%v", name, readErr)
		s.setState("disconnected", errString(readErr))
		s.emit(Event{Kind: KindDisconnected, Port: name, Err: readErr})

		if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
			s.setState("stopped", "")
			return
		}
	}
}

func (s *Serial) readLoop(ctx context.Context, name string, buf []byte) error {
	s.portMu.Lock()
	p := s.port
	s.portMu.Unlock()
	if p == nil {
		return ErrNotConnected
	}
	for {
		n, err := p.Read(buf)
		if n > 0 {
			now := time.Now().UTC()
			chunk := append([]byte(nil), buf[:n]...)
			if s.cfg.Tap != nil {
				s.cfg.Tap(now, chunk)
			}
			s.mu.Lock()
			s.lastSeen = now
			s.chunks++
			s.bytesRx += uint64(n)
			s.mu.Unlock()
			s.emit(Event{Kind: KindData, Port: name, Data: hex.EncodeToString(chunk)})
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if n == 0 {
			// Port closed underneath us without an error.
			return io.EOF
		}
	}
}

func (s *Serial) open(name string) error {
	p, err := openPort(name, s.cfg.Baud)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	s.portMu.Lock()
	s.port = p
	s.portMu.Unlock()
	s.mu.Lock()
	s.portName = name
	s.mu.Unlock()
	return nil
}

func (s *Serial) closePort() {
	s.portMu.Lock()
	p := s.port
	s.port = nil
	s.portMu.Unlock()
	if p != nil {
		_ = p.Close()
	}
}

// fail records err and emits an Error event only when the message changes,
// so a missing device does not produce an event every retry.
func (s *Serial) fail(err error) {
	s.mu.Lock()
	changed := s.lastErr != err.Error()
	s.mu.Unlock()
	s.setState("error", err.Error())
	if changed {
		log.Printf("modem open failed: %v", err)
		s.emit(Event{Kind: KindError, Err: err})
	}
}

func (s *Serial) resolvePort() (string, error) {
	if s.cfg.Device != "" {
		return s.cfg.Device, nil
	}
	ports, err := s.matchingPorts()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", errors.New("no matching usb serial port")
	}
	return ports[0], nil
}

// matchingPorts lists USB serial ports that pass the VID/PID filter, sorted
// by name.
func (s *Serial) matchingPorts() ([]string, error) {
	details, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	out := make([]string, 0, len(details))
	for _, d := range details {
		if d == nil || !d.IsUSB {
			continue
		}
		if s.cfg.VID != "" && !strings.EqualFold(d.VID, s.cfg.VID) {
			continue
		}
		if s.cfg.PID != "" && !strings.EqualFold(d.PID, s.cfg.PID) {
			continue
		}
		if s.cfg.Device != "" && d.Name != s.cfg.Device {
			continue
		}
		out = append(out, d.Name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Serial) watchAttach(ctx context.Context) {
	t := time.NewTicker(s.cfg.AttachPoll)
	defer t.Stop()

	known := map[string]bool{}
	for {
		s.pollAttach(known)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Serial) pollAttach(known map[string]bool) {
	ports, err := s.matchingPorts()
	if err != nil {
		return
	}
	now := make(map[string]bool, len(ports))
	for _, p := range ports {
		now[p] = true
		if !known[p] {
			log.Printf("modem usb attached port=%s", p)
			s.emit(Event{Kind: KindAttached, Port: p})
		}
	}
	for p := range known {
		if !now[p] {
			log.Printf("modem usb detached port=%s", p)
			s.emit(Event{Kind: KindDetached, Port: p})
			s.mu.RLock()
			current := s.portName
			s.mu.RUnlock()
			if p == current {
				// Unblock the reader; the run loop reconnects.
				s.closePort()
			}
		}
	}
	for p := range known {
		delete(known, p)
	}
	for p := range now {
		known[p] = true
	}

	s.mu.Lock()
	s.attached = ports
	s.mu.Unlock()
}

func (s *Serial) emit(ev Event) {
	if s.handler != nil {
		s.handler(ev)
	}
}

func (s *Serial) setState(state string, lastErr string) {
	s.mu.Lock()
	s.state = state
	if lastErr != "" {
		s.lastErr = lastErr
	} else if state == "connected" || state == "connecting" || state == "stopped" {
		s.lastErr = ""
	}
	s.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
