// Package alert keeps operator alerts pending until they are acknowledged.
package alert

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mazen160/go-random"
)

var ErrUnknownAlert = errors.New("unknown alert")

const DefaultMaxPending = 32

type Alert struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RaisedUTC string `json:"raised_utc"`
	LastUTC   string `json:"last_utc"`
	Count     int    `json:"count"`
}

// Queue is safe for concurrent use.
//
// Raising an alert identical to the newest pending one bumps its Count
// instead of queueing a duplicate. When full, the oldest alert is dropped.
type Queue struct {
	mu      sync.Mutex
	max     int
	pending []Alert
	raised  uint64
	acked   uint64

	now   func() time.Time
	newID func() (string, error)
}

func NewQueue(max int) *Queue {
	if max <= 0 {
		max = DefaultMaxPending
	}
	return &Queue{
		max:   max,
		now:   time.Now,
		newID: func() (string, error) { return random.String(16) },
	}
}

// Raise queues an alert and returns it.
func (q *Queue) Raise(kind, message string) (Alert, error) {
	now := q.now().UTC().Format(time.RFC3339Nano)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.raised++

	if n := len(q.pending); n > 0 {
		last := &q.pending[n-1]
		if last.Kind == kind && last.Message == message {
			last.Count++
			last.LastUTC = now
			return *last, nil
		}
	}

	id, err := q.newID()
	if err != nil {
		return Alert{}, fmt.Errorf("failed to generate alert id: %w", err)
	}
	a := Alert{ID: id, Kind: kind, Message: message, RaisedUTC: now, LastUTC: now, Count: 1}
	if len(q.pending) >= q.max {
		copy(q.pending, q.pending[1:])
		q.pending = q.pending[:len(q.pending)-1]
	}
	q.pending = append(q.pending, a)
	return a, nil
}

// Pending returns the unacknowledged alerts, oldest first.
func (q *Queue) Pending() []Alert {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append(make([]Alert, 0, len(q.pending)), q.pending...)
}

func (q *Queue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.pending {
		if q.pending[i].ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.acked++
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownAlert, id)
}

// AckAll clears every pending alert and returns how many were cleared.
func (q *Queue) AckAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	q.pending = q.pending[:0]
	q.acked += uint64(n)
	return n
}

type Stats struct {
	Pending int    `json:"pending"`
	Raised  uint64 `json:"raised"`
	Acked   uint64 `json:"acked"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: len(q.pending), Raised: q.raised, Acked: q.acked}
}
