package main

import "time"

// ConnectionState tracks the sensor link as seen by the daemon.
type ConnectionState int

const (
	ConnIdle ConnectionState = iota
	ConnConnecting
	ConnConnected
)

func (c ConnectionState) String() string {
	switch c {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "idle"
	}
}

// MotionState is the derived, observable motion of the current session.
type MotionState struct {
	SpeedKmh  float64
	DistanceM float64
}

// Session is the daemon-owned state of one riding session.
//
// It replaces ambient per-connection handles: everything reset affects lives
// here, and nothing outside the daemon goroutine holds a pointer to it.
type Session struct {
	Integrator IntegratorState
	Motion     MotionState

	// WheelCircumferenceM is read on every frame; it is live-mutable via
	// SetWheelCircumference.
	WheelCircumferenceM float64

	Status string

	Connection   ConnectionState
	Attempt      uint64
	Subscription Subscription
	Transport    string

	// LastMotionAt is the scheduler time of the last speed update, used by the
	// staleness check.
	LastMotionAt time.Time

	Race *raceRecorder

	// Last values published to observers, after rounding.
	published publishedState
}

type publishedState struct {
	speedKmh  float64
	distanceM float64
	known     bool

	angleDeg   float64
	angleKnown bool
}

// NewSession returns an idle session with the given wheel circumference.
func NewSession(wheelCircumferenceM float64) *Session {
	if wheelCircumferenceM <= 0 {
		wheelCircumferenceM = defaultWheelCircumferenceM
	}
	return &Session{
		WheelCircumferenceM: wheelCircumferenceM,
		Status:              statusWaiting,
		Race:                newRaceRecorder(),
	}
}

// SetStatus updates the status string and reports whether it changed.
// This is intended to be called only by the daemon goroutine (single-owner).
func (s *Session) SetStatus(status string) bool {
	if s.Status == status {
		return false
	}
	s.Status = status
	return true
}

// ApplyMotion folds an integrator delta into the motion state.
// Distance is strictly additive.
// This is intended to be called only by the daemon goroutine (single-owner).
func (s *Session) ApplyMotion(d MotionDelta, now time.Time) {
	if !d.Updated {
		return
	}
	if d.DeltaDistanceM > 0 {
		s.Motion.DistanceM += d.DeltaDistanceM
	}
	s.Motion.SpeedKmh = d.SpeedKmh
	s.LastMotionAt = now
}

// ResetMotion zeroes motion and puts the integrator back on its sentinel.
// The connection and the configured circumference are kept.
// This is intended to be called only by the daemon goroutine (single-owner).
func (s *Session) ResetMotion() {
	s.Integrator = IntegratorState{}
	s.Motion = MotionState{}
	s.LastMotionAt = time.Time{}
}

// NextAttempt starts a new connect attempt and returns its id. Frames and
// observations tagged with an older id are ignored.
// This is intended to be called only by the daemon goroutine (single-owner).
func (s *Session) NextAttempt(transport string) uint64 {
	s.Attempt++
	s.Connection = ConnConnecting
	s.Transport = transport
	return s.Attempt
}

// DetachSubscription clears the connection and returns the subscription that
// must be released, if any.
// This is intended to be called only by the daemon goroutine (single-owner).
func (s *Session) DetachSubscription() Subscription {
	sub := s.Subscription
	s.Subscription = nil
	s.Connection = ConnIdle
	return sub
}
