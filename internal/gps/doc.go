// Package gps supplies the tracker's position.
//
// Sources:
//   - nmea: RMC and GGA sentences from a serial GNSS receiver
//   - gpsd: TPV and SKY reports from a gpsd JSON stream
//   - static: a fixed configured point
//   - sim: a deterministic figure-eight around a configured center
//
// Fix returns the latest position for the uplink, or ErrNoFix when there is
// no valid, fresh fix.
package gps
