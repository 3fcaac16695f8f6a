package main

import (
	"log/slog"
	"math"
	"time"
)

// StateSnapshot is a coherent copy of the observable session state.
// It is produced by the daemon goroutine and safe to hand to other goroutines.
type StateSnapshot struct {
	SpeedKmh            float64
	DistanceM           float64
	ElapsedMs           float64
	AngleDeg            float64
	TargetDeg           float64
	Status              string
	Connected           bool
	Simulating          bool
	WheelCircumferenceM float64
	At                  time.Time
}

// StateBroadcast is an externally observable change emitted by the Processor.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastMotionChanged is emitted when rounded speed or distance changes.
type BroadcastMotionChanged struct {
	SpeedKmh  float64
	DistanceM float64
	At        time.Time
}

// BroadcastNeedleChanged is emitted on every animation frame that moves the
// rounded needle angle.
type BroadcastNeedleChanged struct {
	AngleDeg  float64
	TargetDeg float64
	At        time.Time
}

// BroadcastClockChanged carries a republished elapsed time.
type BroadcastClockChanged struct {
	ElapsedMs float64
	At        time.Time
}

// BroadcastStatusChanged carries the rider-facing status string.
type BroadcastStatusChanged struct {
	Status string
	At     time.Time
}

// BroadcastRaceSaved is emitted once a race has been persisted.
type BroadcastRaceSaved struct {
	Record RaceRecord
	At     time.Time
}

func (BroadcastMotionChanged) broadcastMarker() {}
func (BroadcastNeedleChanged) broadcastMarker() {}
func (BroadcastClockChanged) broadcastMarker()  {}
func (BroadcastStatusChanged) broadcastMarker() {}
func (BroadcastRaceSaved) broadcastMarker()     {}

// roundTo rounds v to the nearest multiple of step.
func roundTo(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	r := math.Round(v/step) * step
	// Trim binary noise so 12.3 stays 12.3 on the wire.
	return math.Round(r*1e6) / 1e6
}

// broadcastFanout hands each broadcast to every subscribed consumer without
// blocking the daemon loop. A consumer that falls behind loses broadcasts.
type broadcastFanout struct {
	sinks   []chan StateBroadcast
	dropped []int
	logger  *slog.Logger
}

func newBroadcastFanout(logger *slog.Logger) *broadcastFanout {
	return &broadcastFanout{logger: logger}
}

// Subscribe adds a consumer. Call before the daemon starts publishing.
func (f *broadcastFanout) Subscribe(buf int) <-chan StateBroadcast {
	ch := make(chan StateBroadcast, buf)
	f.sinks = append(f.sinks, ch)
	f.dropped = append(f.dropped, 0)
	return ch
}

// Publish is the daemon's publish hook.
func (f *broadcastFanout) Publish(b StateBroadcast) {
	for i, ch := range f.sinks {
		select {
		case ch <- b:
			if f.dropped[i] > 0 {
				f.logger.Warn("broadcast consumer caught up", "consumer", i, "dropped", f.dropped[i])
				f.dropped[i] = 0
			}
		default:
			f.dropped[i]++
		}
	}
}

// Close ends every consumer's stream.
func (f *broadcastFanout) Close() {
	for _, ch := range f.sinks {
		close(ch)
	}
	f.sinks = nil
	f.dropped = nil
}
