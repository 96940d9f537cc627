package atmodem

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Event is a state update produced by Classify or by the transport.
type Event interface {
	isEvent()
}

// NetworkConnected reports the LoRaWAN join status.
type NetworkConnected struct {
	Joined bool
}

// RSSIReport carries the signal strength of the last received downlink.
type RSSIReport struct {
	Value int
}

// LogAppend adds a raw line to the rolling log.
type LogAppend struct {
	Line string
}

// SocketConnected reports whether the serial link to the modem is open.
type SocketConnected struct {
	Connected bool
}

func (NetworkConnected) isEvent() {}
func (RSSIReport) isEvent()       {}
func (LogAppend) isEvent()        {}
func (SocketConnected) isEvent()  {}

const (
	rssiPrefix   = "Rssi"
	joinedMarker = "JOINED"
)

// Classify maps one completed line to events.
//
// Join-status answers are a bare "1" or "0" (surrounding whitespace ignored).
// RSSI answers look like "Rssi -42\r" optionally followed by "JOINED".
// The returned slice always ends with a LogAppend of the unmodified line, even
// when err is non-nil.
func Classify(line string) ([]Event, error) {
	events := make([]Event, 0, 3)
	var err error

	switch stripSpace(line) {
	case "1":
		events = append(events, NetworkConnected{Joined: true})
	case "0":
		events = append(events, NetworkConnected{Joined: false})
	default:
		if strings.HasPrefix(line, rssiPrefix) {
			var rssiEvents []Event
			rssiEvents, err = parseRSSI(line)
			events = append(events, rssiEvents...)
		}
	}

	events = append(events, LogAppend{Line: line})
	return events, err
}

func parseRSSI(line string) ([]Event, error) {
	fields := strings.Split(line, " ")
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: missing rssi value in %q", ErrMalformedResponse, line)
	}
	parts := strings.Split(fields[1], "\r")
	v, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: rssi value %q: %v", ErrMalformedResponse, parts[0], err)
	}
	out := []Event{RSSIReport{Value: v}}
	if len(parts) > 1 && parts[1] == joinedMarker {
		out = append(out, NetworkConnected{Joined: true})
	}
	return out, nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
