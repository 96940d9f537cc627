package atmodem

import (
	"fmt"
	"strings"
)

const hexDigits = "0123456789abcdef"

// EncodeHex writes every character of text as two lowercase hex digits.
// Characters above 0xFF cannot be represented and fail with ErrEncoding.
func EncodeHex(text string) (string, error) {
	var b strings.Builder
	b.Grow(len(text) * 2)
	for i, r := range text {
		if r > 0xFF {
			return "", fmt.Errorf("%w: %q at offset %d", ErrEncoding, r, i)
		}
		b.WriteByte(hexDigits[r>>4])
		b.WriteByte(hexDigits[r&0x0F])
	}
	return b.String(), nil
}

// DecodeHex is the inverse of EncodeHex. Each byte becomes the character with
// the same code point.
func DecodeHex(s string) (string, error) {
	if len(s)%2 != 0 {
		return "", fmt.Errorf("%w: odd length %d", ErrMalformedHex, len(s))
	}
	var b strings.Builder
	b.Grow(len(s) / 2)
	for i := 0; i < len(s); i += 2 {
		v, err := hexPair(s[i], s[i+1])
		if err != nil {
			return "", fmt.Errorf("%w at offset %d", err, i)
		}
		b.WriteRune(rune(v))
	}
	return b.String(), nil
}

func hexPair(hi, lo byte) (byte, error) {
	h, ok := fromHexChar(hi)
	if !ok {
		return 0, fmt.Errorf("%w: invalid character %q", ErrMalformedHex, hi)
	}
	l, ok := fromHexChar(lo)
	if !ok {
		return 0, fmt.Errorf("%w: invalid character %q", ErrMalformedHex, lo)
	}
	return h<<4 | l, nil
}

func fromHexChar(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
