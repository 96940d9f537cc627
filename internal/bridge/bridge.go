// Package bridge connects the modem link, the position source and the
// protocol core.
//
// Inbound transport events are demultiplexed by HandleTransportEvent. A poll
// loop queries modem status and sends the current position as an uplink
// every interval while the link is open.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"loratrack/internal/alert"
	"loratrack/internal/atmodem"
	"loratrack/internal/transport"
)

// PositionSource supplies the position for each uplink.
type PositionSource interface {
	Fix(ctx context.Context) (atmodem.PositionFix, error)
}

// Mirror receives a copy of every uplink.
type Mirror interface {
	SendJSON(v any) error
}

type Config struct {
	Transport transport.Transport
	Position  PositionSource
	Alerts    *alert.Queue
	Mirror    Mirror

	Interval   time.Duration
	FixTimeout time.Duration

	// QueryStatus sends AT+RSSI=? and AT+NJS=? before each uplink.
	QueryStatus bool

	LogLines           int
	StopAtFirstNewline bool
}

// Uplink is the record mirrored for every telemetry frame sent.
type Uplink struct {
	TimeUTC       string  `json:"time_utc"`
	LonDeg        float64 `json:"lon_deg"`
	LatDeg        float64 `json:"lat_deg"`
	AltM          float64 `json:"alt_m"`
	PayloadBytes  int     `json:"payload_bytes"`
	HexPayload    string  `json:"hex_payload"`
	RSSI          int     `json:"rssi"`
	NetworkJoined bool    `json:"network_joined"`
}

type Snapshot struct {
	Modem atmodem.State `json:"modem"`

	LastFix       *atmodem.PositionFix `json:"last_fix,omitempty"`
	LastFixUTC    string               `json:"last_fix_utc,omitempty"`
	LastUplinkUTC string               `json:"last_uplink_utc,omitempty"`
	LastCommand   string               `json:"last_command,omitempty"`
	LastPollError string               `json:"last_poll_error,omitempty"`

	Uplinks         uint64 `json:"uplinks"`
	SkippedNoFix    uint64 `json:"skipped_no_fix"`
	WriteErrors     uint64 `json:"write_errors"`
	MalformedChunks uint64 `json:"malformed_chunks"`
	ParseErrors     uint64 `json:"parse_errors"`
}

type Bridge struct {
	cfg    Config
	store  *atmodem.Store
	alerts *alert.Queue

	accMu sync.Mutex
	acc   atmodem.LineAccumulator

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu            sync.RWMutex
	lastFix       *atmodem.PositionFix
	lastFixAt     time.Time
	lastUplinkAt  time.Time
	lastCommand   string
	lastPollError string

	uplinks         atomic.Uint64
	skippedNoFix    atomic.Uint64
	writeErrors     atomic.Uint64
	malformedChunks atomic.Uint64
	parseErrors     atomic.Uint64

	now func() time.Time
}

func New(cfg Config) (*Bridge, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("bridge transport is required")
	}
	if cfg.Position == nil {
		return nil, fmt.Errorf("bridge position source is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = 3 * time.Second
	}
	if cfg.Alerts == nil {
		cfg.Alerts = alert.NewQueue(0)
	}
	b := &Bridge{
		cfg:    cfg,
		store:  atmodem.NewStore(cfg.LogLines),
		alerts: cfg.Alerts,
		now:    time.Now,
	}
	b.acc.StopAtFirstNewline = cfg.StopAtFirstNewline
	return b, nil
}

// Store exposes the modem state for display and subscriptions.
func (b *Bridge) Store() *atmodem.Store { return b.store }

func (b *Bridge) Alerts() *alert.Queue { return b.alerts }

// HandleTransportEvent is the single entry point for link notifications. It
// is safe to call from multiple goroutines. Data events are applied one chunk
// at a time; chunks racing from different goroutines are framed in whichever
// order they take the accumulator, so a link should deliver them from one.
func (b *Bridge) HandleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.KindAttached:
		log.Printf("modem attached port=%s", ev.Port)
	case transport.KindDetached:
		log.Printf("modem detached port=%s", ev.Port)
	case transport.KindConnected:
		b.store.Apply(atmodem.SocketConnected{Connected: true})
	case transport.KindDisconnected:
		b.store.Apply(atmodem.SocketConnected{Connected: false})
		if ev.Shutdown {
			log.Printf("modem link closed port=%s", ev.Port)
			return
		}
		msg := "modem disconnected"
		if ev.Port != "" {
			msg += " from " + ev.Port
		}
		if ev.Err != nil {
			msg += ": " + ev.Err.Error()
		}
		b.raise("disconnected", msg)
	case transport.KindError:
		msg := "modem error"
		if ev.Err != nil {
			msg += ": " + ev.Err.Error()
		}
		b.raise("error", msg)
	case transport.KindData:
		b.handleData(ev.Data)
	}
}

// handleData holds accMu until the chunk's lines are applied, so lines reach
// the store in the order the accumulator framed them.
func (b *Bridge) handleData(chunk string) {
	b.accMu.Lock()
	defer b.accMu.Unlock()
	lines, err := b.acc.Feed(chunk)

	for _, line := range lines {
		events, cerr := atmodem.Classify(line)
		b.store.ApplyAll(events)
		if cerr != nil {
			b.parseErrors.Add(1)
			log.Printf("modem response not understood: %v", cerr)
		}
	}
	if err != nil {
		b.malformedChunks.Add(1)
		log.Printf("modem chunk dropped: %v", err)
	}
}

func (b *Bridge) raise(kind, msg string) {
	if _, err := b.alerts.Raise(kind, msg); err != nil {
		log.Printf("alert not queued kind=%s: %v", kind, err)
	}
}

// Start launches the poll loop. It can only be called once.
func (b *Bridge) Start(ctx context.Context) error {
	if b.closed.Load() {
		return fmt.Errorf("bridge is closed")
	}
	if b.started.Swap(true) {
		return fmt.Errorf("bridge already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.pollLoop(runCtx)
	}()
	return nil
}

func (b *Bridge) Close() {
	if b == nil || b.closed.Swap(true) {
		return
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *Bridge) pollLoop(ctx context.Context) {
	t := time.NewTicker(b.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		err := b.Poll(ctx)
		b.setPollError(err)
	}
}

// Poll runs one telemetry cycle. It does nothing while the link is closed.
// A missing position skips the uplink; status queries are still sent.
func (b *Bridge) Poll(ctx context.Context) error {
	if !b.store.Connected() {
		return nil
	}

	if b.cfg.QueryStatus {
		for _, cmd := range []string{atmodem.CmdQueryRSSI, atmodem.CmdQueryJoinStatus} {
			if err := b.write(cmd); err != nil {
				return err
			}
		}
	}

	fixCtx, cancel := context.WithTimeout(ctx, b.cfg.FixTimeout)
	fix, err := b.cfg.Position.Fix(fixCtx)
	cancel()
	if err != nil {
		b.skippedNoFix.Add(1)
		return fmt.Errorf("position: %w", err)
	}

	frame, err := atmodem.NewTelemetryFrame(fix)
	if err != nil {
		return err
	}
	cmd := frame.Command()
	if err := b.write(cmd); err != nil {
		return err
	}

	now := b.now().UTC()
	b.uplinks.Add(1)
	b.mu.Lock()
	f := fix
	b.lastFix = &f
	b.lastFixAt = now
	b.lastUplinkAt = now
	b.lastCommand = cmd
	b.mu.Unlock()

	if b.cfg.Mirror != nil {
		st := b.store.Snapshot()
		rec := Uplink{
			TimeUTC:       now.Format(time.RFC3339Nano),
			LonDeg:        fix.Longitude,
			LatDeg:        fix.Latitude,
			AltM:          fix.Altitude,
			PayloadBytes:  frame.PayloadLengthBytes,
			HexPayload:    frame.HexPayload,
			RSSI:          st.RSSI,
			NetworkJoined: st.NetworkConnected,
		}
		if err := b.cfg.Mirror.SendJSON(rec); err != nil {
			log.Printf("telemetry mirror send failed: %v", err)
		}
	}
	return nil
}

func (b *Bridge) write(cmd string) error {
	if err := b.cfg.Transport.Write(cmd); err != nil {
		b.writeErrors.Add(1)
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

// setPollError logs poll failures only when the message changes.
func (b *Bridge) setPollError(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	b.mu.Lock()
	changed := msg != b.lastPollError
	b.lastPollError = msg
	b.mu.Unlock()
	if !changed {
		return
	}
	switch {
	case err == nil:
		log.Printf("telemetry cycle ok")
	case errors.Is(err, transport.ErrNotConnected):
		log.Printf("telemetry cycle skipped: %v", err)
	default:
		log.Printf("telemetry cycle failed: %v", err)
	}
}

func (b *Bridge) Snapshot() Snapshot {
	out := Snapshot{
		Modem:           b.store.Snapshot(),
		Uplinks:         b.uplinks.Load(),
		SkippedNoFix:    b.skippedNoFix.Load(),
		WriteErrors:     b.writeErrors.Load(),
		MalformedChunks: b.malformedChunks.Load(),
		ParseErrors:     b.parseErrors.Load(),
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastFix != nil {
		f := *b.lastFix
		out.LastFix = &f
		out.LastFixUTC = b.lastFixAt.Format(time.RFC3339Nano)
	}
	if !b.lastUplinkAt.IsZero() {
		out.LastUplinkUTC = b.lastUplinkAt.Format(time.RFC3339Nano)
	}
	out.LastCommand = b.lastCommand
	out.LastPollError = b.lastPollError
	return out
}
