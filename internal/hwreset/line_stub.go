//go:build !linux || (!arm && !arm64)

package hwreset

import "fmt"

func openLine(pin int) (outputLine, error) {
	return nil, fmt.Errorf("hwreset: gpio unsupported on this platform")
}

var openLineFn = openLine
