package main

import (
	"encoding/binary"
	"fmt"
)

// CSC Measurement characteristic (0x2A5B) layout, wheel part only:
//
//	byte 0     flags (bit 0: wheel revolution data present)
//	bytes 1-4  cumulative wheel revolutions, uint32 LE
//	bytes 5-6  last wheel event time, uint16 LE, 1/1024 s
const (
	cscFlagWheelPresent = 0x01
	cscWheelFrameLen    = 7
)

// SensorReading is one decoded CSC wheel measurement. It is consumed immediately
// by the integrator and never stored.
type SensorReading struct {
	WheelPresent          bool
	CumulativeRevolutions uint32
	LastEventTime1024     uint16
}

// DecodeError reports a CSC frame that cannot be decoded.
type DecodeError struct {
	Len    int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode csc measurement (%d bytes): %s", e.Len, e.Reason)
}

// DecodeCSCMeasurement parses a CSC measurement notification.
//
// ok is false (with a nil error) when the frame carries no wheel data; the caller
// must then leave all state untouched.
func DecodeCSCMeasurement(b []byte) (r SensorReading, ok bool, err error) {
	if len(b) == 0 {
		return SensorReading{}, false, &DecodeError{Len: 0, Reason: "empty frame"}
	}
	if len(b) < cscWheelFrameLen {
		return SensorReading{}, false, &DecodeError{Len: len(b), Reason: fmt.Sprintf("need at least %d bytes", cscWheelFrameLen)}
	}

	if b[0]&cscFlagWheelPresent == 0 {
		return SensorReading{}, false, nil
	}

	return SensorReading{
		WheelPresent:          true,
		CumulativeRevolutions: binary.LittleEndian.Uint32(b[1:5]),
		LastEventTime1024:     binary.LittleEndian.Uint16(b[5:7]),
	}, true, nil
}
