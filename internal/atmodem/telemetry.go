package atmodem

import (
	"fmt"
	"strconv"
	"strings"
)

// Commands understood by the modem firmware. The trailing newline is part of
// the wire contract.
const (
	CmdQueryRSSI       = "AT+RSSI=?\n"
	CmdQueryJoinStatus = "AT+NJS=?\n"

	sendBinaryPrefix = "AT+SENDB=0,2,"
	payloadVersion   = "01"
)

// PositionFix is a single position reading. Altitude is in meters.
type PositionFix struct {
	Longitude float64 `json:"lon_deg"`
	Latitude  float64 `json:"lat_deg"`
	Altitude  float64 `json:"alt_m"`
}

// TelemetryFrame is an encoded uplink payload.
type TelemetryFrame struct {
	PayloadLengthBytes int
	HexPayload         string
}

// TelemetryPayload renders fix as the ASCII payload "01,<lon>,<lat>,<alt>".
// Numbers use the shortest decimal form that round-trips (1.0 -> "1").
func TelemetryPayload(fix PositionFix) string {
	var b strings.Builder
	b.WriteString(payloadVersion)
	for _, v := range []float64{fix.Longitude, fix.Latitude, fix.Altitude} {
		b.WriteByte(',')
		// Never exponent form: 1e-7 renders "0.0000001" where a JavaScript
		// template would print "1e-7" (|v| < 1e-6 or |v| >= 1e21).
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	return b.String()
}

// NewTelemetryFrame encodes fix into a frame.
func NewTelemetryFrame(fix PositionFix) (TelemetryFrame, error) {
	hexPayload, err := EncodeHex(TelemetryPayload(fix))
	if err != nil {
		return TelemetryFrame{}, fmt.Errorf("telemetry payload: %w", err)
	}
	return TelemetryFrame{
		PayloadLengthBytes: len(hexPayload) / 2,
		HexPayload:         hexPayload,
	}, nil
}

// Command formats the frame as an AT+SENDB command.
func (f TelemetryFrame) Command() string {
	return sendBinaryPrefix + strconv.Itoa(f.PayloadLengthBytes) + "," + f.HexPayload + "\n"
}

// BuildFrame returns the AT command carrying fix.
func BuildFrame(fix PositionFix) (string, error) {
	f, err := NewTelemetryFrame(fix)
	if err != nil {
		return "", err
	}
	return f.Command(), nil
}
