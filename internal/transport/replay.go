package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"loratrack/internal/replay"
)

type ReplayConfig struct {
	Path  string
	Speed float64
	Loop  bool

	// Sleeper overrides the wall-clock wait between records.
	Sleeper replay.Sleeper
}

// Replay plays a capture file as if it came from the modem. Writes are
// accepted and counted while playback is running.
type Replay struct {
	cfg     ReplayConfig
	records []replay.Record

	started atomic.Bool
	closed  atomic.Bool

	mu       sync.RWMutex
	state    string
	lastErr  string
	lastSeen time.Time
	chunks   uint64
	bytesRx  uint64
	bytesTx  uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewReplay(cfg ReplayConfig) (*Replay, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("replay path is required")
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	recs, err := replay.ReadFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &Replay{cfg: cfg, records: recs, state: "stopped", done: make(chan struct{})}, nil
}

func (r *Replay) Start(ctx context.Context, h Handler) error {
	if r == nil {
		return fmt.Errorf("replay link is nil")
	}
	if r.closed.Load() {
		return fmt.Errorf("replay link is closed")
	}
	if h == nil {
		return fmt.Errorf("replay handler is nil")
	}
	if r.started.Swap(true) {
		return fmt.Errorf("replay link already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go func() {
		defer close(r.done)
		r.setState("connected", "")
		h(Event{Kind: KindConnected, Port: r.cfg.Path})

		err := replay.Play(runCtx, r.records, r.cfg.Speed, r.cfg.Loop, r.cfg.Sleeper, func(chunk []byte) error {
			r.mu.Lock()
			r.lastSeen = time.Now().UTC()
			r.chunks++
			r.bytesRx += uint64(len(chunk))
			r.mu.Unlock()
			h(Event{Kind: KindData, Port: r.cfg.Path, Data: hex.EncodeToString(chunk)})
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("replay stopped path=%s err=%v", r.cfg.Path, err)
			r.setState("finished", err.Error())
			h(Event{Kind: KindDisconnected, Port: r.cfg.Path, Err: err})
			return
		}
		r.setState("finished", "")
		h(Event{Kind: KindDisconnected, Port: r.cfg.Path, Shutdown: runCtx.Err() != nil})
	}()
	return nil
}

func (r *Replay) Close() {
	if r == nil || r.closed.Swap(true) {
		return
	}
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Replay) Write(cmd string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != "connected" {
		return ErrNotConnected
	}
	r.bytesTx += uint64(len(cmd))
	return nil
}

func (r *Replay) Snapshot(nowUTC time.Time) Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		Kind:      "replay",
		Port:      r.cfg.Path,
		State:     r.state,
		LastError: r.lastErr,
		Chunks:    r.chunks,
		BytesRx:   r.bytesRx,
		BytesTx:   r.bytesTx,
	}
	if !r.lastSeen.IsZero() {
		out.LastSeenUTC = r.lastSeen.Format(time.RFC3339Nano)
	}
	return out
}

func (r *Replay) setState(state, lastErr string) {
	r.mu.Lock()
	r.state = state
	r.lastErr = lastErr
	r.mu.Unlock()
}
