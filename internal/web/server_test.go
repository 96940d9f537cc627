package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"loratrack/internal/alert"
	"loratrack/internal/atmodem"
	"loratrack/internal/bridge"
	"loratrack/internal/transport"
)

type nopTransport struct{}

func (nopTransport) Write(string) error { return nil }

type noFix struct{}

func (noFix) Fix(context.Context) (atmodem.PositionFix, error) {
	return atmodem.PositionFix{}, context.DeadlineExceeded
}

type fakeLink struct{}

func (fakeLink) Snapshot(time.Time) transport.Snapshot {
	return transport.Snapshot{Kind: "serial", Port: "/dev/ttyUSB0", Baud: 9600, State: "connected"}
}

func newTestStatus(t *testing.T) (*Status, *bridge.Bridge) {
	t.Helper()
	q := alert.NewQueue(0)
	b, err := bridge.New(bridge.Config{Transport: nopTransport{}, Position: noFix{}, Alerts: q})
	if err != nil {
		t.Fatalf("bridge.New() error: %v", err)
	}
	st := NewStatus()
	st.SetStatic("serial", "5s")
	st.Bridge = b
	st.Link = fakeLink{}
	st.Alerts = q
	return st, b
}

func feedLine(t *testing.T, b *bridge.Bridge, s string) {
	t.Helper()
	h, err := atmodem.EncodeHex(s)
	if err != nil {
		t.Fatalf("EncodeHex(%q) error: %v", s, err)
	}
	b.HandleTransportEvent(transport.Event{Kind: transport.KindData, Data: h})
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func post(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestAPIStatus(t *testing.T) {
	st, b := newTestStatus(t)
	b.HandleTransportEvent(transport.Event{Kind: transport.KindConnected, Port: "/dev/ttyUSB0"})
	feedLine(t, b, "Rssi -87\n")

	ts := httptest.NewServer(Handler(st, nil))
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var snap StatusSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "loratrack" {
		t.Fatalf("service=%q", snap.Service)
	}
	if snap.Mode != "serial" || snap.Interval != "5s" {
		t.Fatalf("mode=%q interval=%q", snap.Mode, snap.Interval)
	}
	if snap.Bridge == nil {
		t.Fatalf("bridge section missing")
	}
	if !snap.Bridge.Modem.SocketConnected || snap.Bridge.Modem.RSSI != -87 {
		t.Fatalf("modem=%+v", snap.Bridge.Modem)
	}
	if snap.Transport == nil || snap.Transport.Port != "/dev/ttyUSB0" {
		t.Fatalf("transport=%+v", snap.Transport)
	}
	if snap.GPS != nil {
		t.Fatalf("gps=%+v want omitted", snap.GPS)
	}
	if snap.Alerts == nil {
		t.Fatalf("alerts section missing")
	}
}

func TestAPIStatus_NoSources(t *testing.T) {
	ts := httptest.NewServer(Handler(NewStatus(), nil))
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Bridge != nil || snap.Transport != nil || snap.Alerts != nil {
		t.Fatalf("snap=%+v want sections omitted", snap)
	}

	resp, _ = get(t, ts.URL+"/api/modem")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("modem status code=%d want 404", resp.StatusCode)
	}
}

func TestRootPage(t *testing.T) {
	st, _ := newTestStatus(t)
	ts := httptest.NewServer(Handler(st, nil))
	defer ts.Close()

	for _, p := range []string{"/", "/some/ui/route"} {
		resp, body := get(t, ts.URL+p)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status code=%d", p, resp.StatusCode)
		}
		if !strings.Contains(string(body), "<title>loratrack</title>") {
			t.Fatalf("%s body does not look like the UI shell", p)
		}
	}

	resp, _ := get(t, ts.URL+"/api/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("/api/nope status code=%d want 404", resp.StatusCode)
	}
	resp, _ = get(t, ts.URL+"/assets/missing.js")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("/assets/missing.js status code=%d want 404", resp.StatusCode)
	}
}

func TestAPIModemLog(t *testing.T) {
	st, b := newTestStatus(t)
	feedLine(t, b, "1\nAT+OK\n")

	ts := httptest.NewServer(Handler(st, nil))
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/modem/log")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if got, want := string(body), "1\nAT+OK\n"; got != want {
		t.Fatalf("body=%q want %q", got, want)
	}

	resp, body = get(t, ts.URL+"/api/modem")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	var state atmodem.State
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if !state.NetworkConnected || len(state.Log) != 2 {
		t.Fatalf("state=%+v", state)
	}
}

func TestAPIAlerts_ListAndAck(t *testing.T) {
	st, _ := newTestStatus(t)
	first, err := st.Alerts.Raise("disconnected", "modem disconnected from /dev/ttyUSB0")
	if err != nil {
		t.Fatalf("Raise() error: %v", err)
	}
	if _, err := st.Alerts.Raise("error", "modem error: boom"); err != nil {
		t.Fatalf("Raise() error: %v", err)
	}

	ts := httptest.NewServer(Handler(st, nil))
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/alerts")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	var list alertsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(list.Alerts) != 2 || list.Stats.Pending != 2 {
		t.Fatalf("alerts=%+v", list)
	}

	resp, _ = post(t, ts.URL+"/api/alerts/"+first.ID+"/ack")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status code=%d", resp.StatusCode)
	}
	resp, _ = post(t, ts.URL+"/api/alerts/"+first.ID+"/ack")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second ack status code=%d want 404", resp.StatusCode)
	}
	if got := len(st.Alerts.Pending()); got != 1 {
		t.Fatalf("pending=%d want 1", got)
	}

	resp, body = post(t, ts.URL+"/api/alerts/ack")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack all status code=%d", resp.StatusCode)
	}
	var ack struct {
		Acked int `json:"acked"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if ack.Acked != 1 || len(st.Alerts.Pending()) != 0 {
		t.Fatalf("acked=%d pending=%d", ack.Acked, len(st.Alerts.Pending()))
	}

	resp, _ = get(t, ts.URL+"/api/alerts/ack")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET ack status code=%d want 405", resp.StatusCode)
	}
}

func TestAPILogs(t *testing.T) {
	logs := NewLogBuffer(10)
	_, _ = logs.Write([]byte("one\ntwo\npart"))

	ts := httptest.NewServer(Handler(NewStatus(), logs))
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/logs?tail=5")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	var out LogsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(out.Lines) != 2 || out.Lines[0] != "one" || out.Lines[1] != "two" {
		t.Fatalf("lines=%q", out.Lines)
	}

	resp, body = get(t, ts.URL+"/api/logs?format=text")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if string(body) != "one\ntwo\n" {
		t.Fatalf("body=%q", body)
	}

	resp, _ = get(t, ts.URL+"/api/logs?tail=0")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("tail=0 status code=%d want 400", resp.StatusCode)
	}
}

func TestLogBuffer_PartialAndEviction(t *testing.T) {
	b := NewLogBuffer(3)
	_, _ = b.Write([]byte("a\nb"))
	_, _ = b.Write([]byte("c\r\n\nd\ne\n"))

	lines, dropped := b.Tail(10)
	want := []string{"bc", "d", "e"}
	if len(lines) != len(want) {
		t.Fatalf("lines=%q want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("lines=%q want %q", lines, want)
		}
	}
	if dropped != 1 {
		t.Fatalf("dropped=%d want 1", dropped)
	}

	lines, _ = b.Tail(1)
	if len(lines) != 1 || lines[0] != "e" {
		t.Fatalf("tail(1)=%q", lines)
	}
}

func TestAPIAbout(t *testing.T) {
	ts := httptest.NewServer(Handler(NewStatus(), nil))
	defer ts.Close()

	resp, body := get(t, ts.URL+"/api/about")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	var about AboutResponse
	if err := json.Unmarshal(body, &about); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if about.Service != "loratrack" || about.GoVersion == "" {
		t.Fatalf("about=%+v", about)
	}
}

func TestWebSocket_PushesStateChanges(t *testing.T) {
	st, b := newTestStatus(t)
	ts := httptest.NewServer(Handler(st, nil))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var state atmodem.State
	if err := conn.ReadJSON(&state); err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	if state.SocketConnected {
		t.Fatalf("initial state=%+v", state)
	}

	b.HandleTransportEvent(transport.Event{Kind: transport.KindConnected, Port: "/dev/ttyUSB0"})
	if err := conn.ReadJSON(&state); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if !state.SocketConnected {
		t.Fatalf("update=%+v want socket connected", state)
	}

	feedLine(t, b, "Rssi -101\n")
	if err := conn.ReadJSON(&state); err != nil {
		t.Fatalf("read update: %v", err)
	}
	// RSSI line yields a log append and an RSSI update; wait for the latter.
	for state.RSSI != -101 {
		if err := conn.ReadJSON(&state); err != nil {
			t.Fatalf("read update: %v", err)
		}
	}
}
