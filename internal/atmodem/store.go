package atmodem

import (
	"sync"
	"time"
)

// DefaultLogLines is the size of the rolling log kept for display.
const DefaultLogLines = 50

// State is a point-in-time copy of the modem state.
type State struct {
	SocketConnected  bool     `json:"socket_connected"`
	NetworkConnected bool     `json:"network_connected"`
	RSSI             int      `json:"rssi"`
	Log              []string `json:"log"`

	LinesTotal    uint64 `json:"lines_total"`
	LinesDropped  uint64 `json:"lines_dropped"`
	LastUpdateUTC string `json:"last_update_utc,omitempty"`
}

// Store holds the last known modem state.
//
// Apply calls are serialized. Subscribers receive a snapshot after every
// change; a slow subscriber only misses intermediate snapshots.
type Store struct {
	mu       sync.Mutex
	maxLines int

	socket  bool
	network bool
	rssi    int
	lines   []string
	total   uint64
	dropped uint64
	updated time.Time

	subsMu sync.RWMutex
	subs   map[int]chan State
	nextID int

	now func() time.Time
}

// NewStore returns an empty store keeping at most maxLines log lines.
// maxLines <= 0 selects DefaultLogLines.
func NewStore(maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = DefaultLogLines
	}
	return &Store{
		maxLines: maxLines,
		lines:    make([]string, 0, maxLines),
		subs:     make(map[int]chan State),
		now:      time.Now,
	}
}

// Apply reduces ev into the state. It never fails; unknown events are ignored.
func (s *Store) Apply(ev Event) {
	if s == nil || ev == nil {
		return
	}
	s.mu.Lock()
	switch e := ev.(type) {
	case NetworkConnected:
		s.network = e.Joined
	case RSSIReport:
		s.rssi = e.Value
	case SocketConnected:
		s.socket = e.Connected
	case LogAppend:
		s.appendLineLocked(e.Line)
	default:
		s.mu.Unlock()
		return
	}
	s.updated = s.now().UTC()
	// Publish under mu so subscribers observe snapshots in apply order.
	s.publish(s.snapshotLocked())
	s.mu.Unlock()
}

// ApplyAll applies events in order.
func (s *Store) ApplyAll(events []Event) {
	for _, ev := range events {
		s.Apply(ev)
	}
}

func (s *Store) appendLineLocked(line string) {
	s.total++
	if len(s.lines) < s.maxLines {
		s.lines = append(s.lines, line)
		return
	}
	copy(s.lines, s.lines[1:])
	s.lines[len(s.lines)-1] = line
	s.dropped++
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	if s == nil {
		return State{Log: []string{}}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	out := State{
		SocketConnected:  s.socket,
		NetworkConnected: s.network,
		RSSI:             s.rssi,
		Log:              append(make([]string, 0, len(s.lines)), s.lines...),
		LinesTotal:       s.total,
		LinesDropped:     s.dropped,
	}
	if !s.updated.IsZero() {
		out.LastUpdateUTC = s.updated.Format(time.RFC3339Nano)
	}
	return out
}

// Connected reports the socket flag without copying the log.
func (s *Store) Connected() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket
}

// Subscribe registers a listener. The current state is delivered immediately.
//
// mu is held across registration so no Apply can land between the initial
// snapshot and the first publish.
func (s *Store) Subscribe(buffer int) (int, <-chan State) {
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan State, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	// ch is empty and unseen by publish until mu is released.
	ch <- s.snapshotLocked()
	return id, ch
}

// Unsubscribe removes a listener and closes its channel.
func (s *Store) Unsubscribe(id int) {
	s.subsMu.Lock()
	ch, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()
}

func (s *Store) publish(snap State) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Full: drop the oldest queued snapshot so the newest one lands.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
