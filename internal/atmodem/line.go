package atmodem

import (
	"fmt"
	"strings"
)

const newline = 0x0A

// LineAccumulator assembles newline-terminated lines from hex chunks.
//
// It is not safe for concurrent use; chunks must be fed in arrival order.
type LineAccumulator struct {
	// StopAtFirstNewline drops the rest of a chunk once a line completes.
	// Some firmware bridges relied on this; by default every line is kept.
	StopAtFirstNewline bool

	buf strings.Builder
}

// Feed decodes chunk pair by pair and returns the lines completed by it.
//
// On a malformed pair the lines completed before the failure are returned
// together with an error wrapping ErrMalformedHex. Characters decoded before
// the failure stay buffered.
func (a *LineAccumulator) Feed(chunk string) ([]string, error) {
	var lines []string
	for i := 0; i < len(chunk); i += 2 {
		if i+1 >= len(chunk) {
			return lines, fmt.Errorf("%w: dangling digit at offset %d", ErrMalformedHex, i)
		}
		v, err := hexPair(chunk[i], chunk[i+1])
		if err != nil {
			return lines, fmt.Errorf("%w at offset %d", err, i)
		}
		if v != newline {
			a.buf.WriteRune(rune(v))
			continue
		}
		lines = append(lines, a.buf.String())
		a.buf.Reset()
		if a.StopAtFirstNewline {
			return lines, nil
		}
	}
	return lines, nil
}

// Buffered returns the partial line collected so far.
func (a *LineAccumulator) Buffered() string {
	return a.buf.String()
}

// Reset discards the partial line.
func (a *LineAccumulator) Reset() {
	a.buf.Reset()
}
