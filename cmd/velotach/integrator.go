package main

import "math"

const (
	// cscTimerModulo is the wrap point of the 16-bit CSC event timer.
	cscTimerModulo = 65536
	// cscTimerUnitsPerSec is the CSC event timer resolution (1/1024 s).
	cscTimerUnitsPerSec = 1024.0

	// minDeltaTimeSec guards the speed division when two revolutions share a timestamp.
	minDeltaTimeSec = 1e-6

	// revolutionResetThreshold splits forward deltas from counter resets:
	// a modular delta at or above 2^31 means the counter went backwards.
	revolutionResetThreshold = 1 << 31
)

// IntegratorState carries the previous CSC sample between frames.
//
// LastEventTime1024 == 0 is the "no prior sample" sentinel: the first reading after
// connect or reset never produces a delta.
type IntegratorState struct {
	LastRevolutions   uint32
	HasRevolutions    bool
	LastEventTime1024 uint16
}

// MotionDelta is the integrator's output for one reading.
type MotionDelta struct {
	// Updated is true when a new revolution was observed and speed/distance were computed.
	Updated bool

	DeltaRevolutions uint32
	DeltaTimeSec     float64
	DeltaDistanceM   float64
	SpeedKmh         float64

	// CounterReset is true when the revolution counter moved backwards (sensor
	// reboot). No distance is produced; stored values are resynced.
	CounterReset bool
}

// Integrate converts consecutive (cumulative revolutions, event time) pairs into a
// distance increment and an instantaneous speed.
//
// wheelCircumferenceM is read on every call so that configuration changes apply to
// the next frame. The returned state always carries the reading's values, even
// when no update was produced.
func Integrate(r SensorReading, s IntegratorState, wheelCircumferenceM float64) (MotionDelta, IntegratorState) {
	next := IntegratorState{
		LastRevolutions:   r.CumulativeRevolutions,
		HasRevolutions:    true,
		LastEventTime1024: r.LastEventTime1024,
	}

	if s.LastEventTime1024 == 0 || (s.HasRevolutions && r.CumulativeRevolutions == s.LastRevolutions) {
		return MotionDelta{}, next
	}

	// uint32 arithmetic absorbs a single wrap of the revolution counter.
	deltaRevs := r.CumulativeRevolutions - s.LastRevolutions
	if deltaRevs >= revolutionResetThreshold {
		return MotionDelta{CounterReset: true}, next
	}

	deltaTime := float64((int(r.LastEventTime1024)-int(s.LastEventTime1024)+cscTimerModulo)%cscTimerModulo) / cscTimerUnitsPerSec

	deltaDistance := float64(deltaRevs) * wheelCircumferenceM
	speed := deltaDistance / math.Max(deltaTime, minDeltaTimeSec) * 3.6
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed < 0 {
		speed = 0
	}
	if deltaDistance < 0 || math.IsNaN(deltaDistance) || math.IsInf(deltaDistance, 0) {
		deltaDistance = 0
	}

	return MotionDelta{
		Updated:          true,
		DeltaRevolutions: deltaRevs,
		DeltaTimeSec:     deltaTime,
		DeltaDistanceM:   deltaDistance,
		SpeedKmh:         speed,
	}, next
}
