package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"loratrack/internal/atmodem"
	"loratrack/internal/replay"
)

type captureSummary struct {
	Segments    int
	Chunks      int
	Bytes       int
	MaxDuration time.Duration

	Lines     int
	Joined    int
	NotJoined int
	RSSI      int
	Malformed int
	Other     int

	// Pending is text left without a terminating newline at the end of the capture.
	Pending string
}

// summarizeCapture replays records through the same line framing and
// classification the bridge uses. Each START resets the line buffer.
func summarizeCapture(records []replay.Record) captureSummary {
	var s captureSummary
	var acc atmodem.LineAccumulator
	origin := time.Duration(0)

	for _, r := range records {
		if r.Chunk == nil {
			s.Segments++
			origin = r.At
			acc.Reset()
			continue
		}
		if s.Segments == 0 {
			s.Segments = 1
		}
		s.Chunks++
		s.Bytes += len(r.Chunk)
		if at := r.At - origin; at > s.MaxDuration {
			s.MaxDuration = at
		}

		lines, err := acc.Feed(hex.EncodeToString(r.Chunk))
		if err != nil {
			s.Malformed++
		}
		for _, line := range lines {
			s.countLine(line)
		}
	}
	s.Pending = acc.Buffered()
	return s
}

func (s *captureSummary) countLine(line string) {
	s.Lines++
	events, err := atmodem.Classify(line)
	if err != nil {
		if errors.Is(err, atmodem.ErrMalformedResponse) {
			s.Malformed++
		}
		return
	}
	known := false
	for _, ev := range events {
		switch e := ev.(type) {
		case atmodem.NetworkConnected:
			known = true
			if e.Joined {
				s.Joined++
			} else {
				s.NotJoined++
			}
		case atmodem.RSSIReport:
			known = true
			s.RSSI++
		}
	}
	if !known {
		s.Other++
	}
}

func printCaptureSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}
	s := summarizeCapture(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "chunks: %d\n", s.Chunks)
	fmt.Fprintf(w, "bytes: %d\n", s.Bytes)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)
	fmt.Fprintf(w, "lines: %d\n", s.Lines)
	fmt.Fprintf(w, "join_status: joined=%d not_joined=%d\n", s.Joined, s.NotJoined)
	fmt.Fprintf(w, "rssi_reports: %d\n", s.RSSI)
	fmt.Fprintf(w, "malformed: %d\n", s.Malformed)
	fmt.Fprintf(w, "other: %d\n", s.Other)
	if s.Pending != "" {
		fmt.Fprintf(w, "pending: %q\n", s.Pending)
	}
	return nil
}
