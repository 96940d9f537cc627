package atmodem

import "errors"

var (
	// ErrMalformedHex is returned for odd-length input or non-hex characters.
	ErrMalformedHex = errors.New("malformed hex")
	// ErrMalformedResponse is returned when an Rssi line cannot be parsed.
	ErrMalformedResponse = errors.New("malformed modem response")
	// ErrEncoding is returned when a character does not fit in a single byte.
	ErrEncoding = errors.New("character outside single-byte range")
)
