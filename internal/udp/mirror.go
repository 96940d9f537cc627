// Package udp mirrors uplinked telemetry to a ground-station listener as
// newline-terminated JSON datagrams.
package udp

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Mirror is safe for concurrent use.
type Mirror struct {
	dest string

	mu      sync.Mutex
	conn    udpConn
	sent    uint64
	failed  uint64
	lastErr string
}

type Stats struct {
	Dest      string `json:"dest"`
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

func NewMirror(dest string) (*Mirror, error) {
	return newMirror(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newMirror(dest string, resolve resolveFunc, dial dialFunc) (*Mirror, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Mirror{dest: dest, conn: conn}, nil
}

// Send writes one datagram. Empty payloads are skipped.
func (m *Mirror) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("mirror closed")
	}
	if _, err := m.conn.Write(payload); err != nil {
		m.failed++
		m.lastErr = err.Error()
		return err
	}
	m.sent++
	return nil
}

// SendJSON marshals v and sends it with a trailing newline.
func (m *Mirror) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mirror marshal: %w", err)
	}
	return m.Send(append(b, '\n'))
}

func (m *Mirror) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Dest: m.dest, Sent: m.sent, Failed: m.failed, LastError: m.lastErr}
}

func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}
