//go:build !linux

package gps

import (
	"fmt"
	"io"
)

func openReceiver(path string, baud int) (io.ReadCloser, error) {
	return nil, fmt.Errorf("gps receiver ports are only supported on linux")
}
