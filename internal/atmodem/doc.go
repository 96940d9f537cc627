// Package atmodem implements the line protocol spoken by the LoRaWAN modem.
//
// The modem answers AT queries with newline-terminated text. The transport
// hands us received bytes as hex-digit-pair chunks; LineAccumulator turns those
// into lines, Classify maps a line to state events and Store keeps the
// resulting modem state plus a short rolling log for display.
//
// Outbound, BuildFrame encodes a position fix into an AT+SENDB command.
package atmodem
