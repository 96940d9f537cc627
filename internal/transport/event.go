// Package transport moves bytes between the service and the LoRaWAN modem.
//
// Received bytes are delivered as lowercase hex chunks; commands go out as
// plain strings.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by Write while no port is open.
var ErrNotConnected = errors.New("modem not connected")

type Kind int

const (
	KindAttached Kind = iota
	KindDetached
	KindConnected
	KindDisconnected
	KindError
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindAttached:
		return "attached"
	case KindDetached:
		return "detached"
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindError:
		return "error"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Event is a notification from a link.
type Event struct {
	Kind Kind
	Port string

	// Data holds the received bytes as hex for KindData.
	Data string

	// Err is set for KindError and, when the link dropped with an error, for
	// KindDisconnected.
	Err error

	// Shutdown marks a KindDisconnected caused by Close or context
	// cancellation rather than by the modem.
	Shutdown bool
}

// Handler receives events. Data events for one link arrive in order from a
// single goroutine.
type Handler func(Event)

// Transport sends commands to the modem.
type Transport interface {
	Write(cmd string) error
}

// Link is a Transport with a lifecycle.
type Link interface {
	Transport
	Start(ctx context.Context, h Handler) error
	Close()
	Snapshot(nowUTC time.Time) Snapshot
}

// Snapshot is the status view of a link.
type Snapshot struct {
	Kind        string   `json:"kind"`
	Port        string   `json:"port,omitempty"`
	Baud        int      `json:"baud,omitempty"`
	State       string   `json:"state"`
	LastError   string   `json:"last_error,omitempty"`
	LastSeenUTC string   `json:"last_seen_utc,omitempty"`
	Chunks      uint64   `json:"chunks"`
	BytesRx     uint64   `json:"bytes_rx"`
	BytesTx     uint64   `json:"bytes_tx"`
	Attached    []string `json:"attached,omitempty"`
}
