package udp

import (
	"errors"
	"net"
	"testing"
	"time"
)

type fakeConn struct {
	writes    [][]byte
	writeErr  error
	closed    bool
	writeHits int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.writeHits++
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestNewMirror_DialsResolvedAddr(t *testing.T) {
	var gotNetwork string
	var gotRaddr *net.UDPAddr
	fc := &fakeConn{}

	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		gotNetwork = network
		gotRaddr = raddr
		return fc, nil
	}

	m, err := newMirror("127.0.0.1:4010", net.ResolveUDPAddr, dial)
	if err != nil {
		t.Fatalf("newMirror() error: %v", err)
	}
	if gotNetwork != "udp" {
		t.Fatalf("network=%q want udp", gotNetwork)
	}
	if gotRaddr == nil || gotRaddr.Port != 4010 || !gotRaddr.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("raddr=%v want 127.0.0.1:4010", gotRaddr)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !fc.closed {
		t.Fatalf("conn not closed")
	}
	if err := m.Send([]byte{1}); err == nil {
		t.Fatalf("expected error after Close")
	}
}

func TestNewMirror_ResolveFailure(t *testing.T) {
	resolveErr := errors.New("nope")
	resolve := func(network, address string) (*net.UDPAddr, error) { return nil, resolveErr }
	dial := func(string, *net.UDPAddr, *net.UDPAddr) (udpConn, error) { return &fakeConn{}, nil }

	if _, err := newMirror("bad:addr", resolve, dial); !errors.Is(err, resolveErr) {
		t.Fatalf("err=%v want %v", err, resolveErr)
	}
}

func TestMirror_SendJSON(t *testing.T) {
	fc := &fakeConn{}
	m := &Mirror{dest: "x", conn: fc}

	if err := m.SendJSON(map[string]int{"rssi": -42}); err != nil {
		t.Fatalf("SendJSON() error: %v", err)
	}
	if len(fc.writes) != 1 || string(fc.writes[0]) != "{\"rssi\":-42}\n" {
		t.Fatalf("writes=%q", fc.writes)
	}
	if err := m.Send(nil); err != nil {
		t.Fatalf("Send(nil) error: %v", err)
	}
	if fc.writeHits != 1 {
		t.Fatalf("empty payload was written")
	}
	if st := m.Stats(); st.Sent != 1 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_SendPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	m := &Mirror{dest: "x", conn: &fakeConn{writeErr: wantErr}}

	if err := m.Send([]byte{0x01}); !errors.Is(err, wantErr) {
		t.Fatalf("err=%v want %v", err, wantErr)
	}
	if st := m.Stats(); st.Failed != 1 || st.LastError != "boom" {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_RealSocket(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error: %v", err)
	}
	defer pc.Close()

	m, err := NewMirror(pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewMirror() error: %v", err)
	}
	defer m.Close()

	if err := m.SendJSON(struct {
		Lat float64 `json:"lat_deg"`
	}{Lat: 2}); err != nil {
		t.Fatalf("SendJSON() error: %v", err)
	}

	_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom() error: %v", err)
	}
	if string(buf[:n]) != "{\"lat_deg\":2}\n" {
		t.Fatalf("datagram=%q", buf[:n])
	}
}
