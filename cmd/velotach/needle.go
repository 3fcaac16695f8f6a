package main

import (
	"math"
	"time"
)

// NeedleConfig contains all tunable parameters for the gauge needle.
type NeedleConfig struct {
	// Distance window mapped onto the dial (meters). Distances outside are clamped.
	WindowM float64

	// Dial bounds (degrees).
	MinDeg float64
	MaxDeg float64

	// EaseFactor is the fraction of the remaining gap covered per frame (0 < f < 1).
	EaseFactor float64

	// SnapDeg: once the remaining gap is within this many degrees, snap and stop.
	SnapDeg float64

	// FramePeriod is the display refresh period.
	FramePeriod time.Duration
}

// needleAnimator eases the displayed needle angle toward a distance-derived target.
//
// At most one frame task is scheduled at a time. The loop stops itself once the
// needle reaches its target, so an idle gauge costs nothing.
type needleAnimator struct {
	cfg   NeedleConfig
	sched Scheduler

	currentDeg float64
	targetDeg  float64

	frame Task

	// onFrame is called after every frame with the new angle.
	onFrame func(currentDeg, targetDeg float64)
}

func newNeedleAnimator(cfg NeedleConfig, sched Scheduler, onFrame func(currentDeg, targetDeg float64)) *needleAnimator {
	// Fill defaults.
	if cfg.WindowM <= 0 {
		cfg.WindowM = defaultNeedleWindowM
	}
	if cfg.MinDeg == 0 && cfg.MaxDeg == 0 {
		cfg.MinDeg = defaultNeedleMinDeg
		cfg.MaxDeg = defaultNeedleMaxDeg
	}
	if cfg.EaseFactor <= 0 || cfg.EaseFactor >= 1 {
		cfg.EaseFactor = defaultNeedleEaseFactor
	}
	if cfg.SnapDeg <= 0 {
		cfg.SnapDeg = defaultNeedleSnapDeg
	}
	if cfg.FramePeriod <= 0 {
		cfg.FramePeriod = time.Second / defaultNeedleFrameHz
	}

	return &needleAnimator{
		cfg:        cfg,
		sched:      sched,
		currentDeg: cfg.MinDeg,
		targetDeg:  cfg.MinDeg,
		onFrame:    onFrame,
	}
}

// angleForDistance maps a distance onto the dial, clamping to the window.
func (n *needleAnimator) angleForDistance(meters float64) float64 {
	if math.IsNaN(meters) || meters < 0 {
		meters = 0
	}
	if meters > n.cfg.WindowM {
		meters = n.cfg.WindowM
	}
	return n.cfg.MinDeg + (meters/n.cfg.WindowM)*(n.cfg.MaxDeg-n.cfg.MinDeg)
}

// Retarget points the needle at the angle for the given distance and makes sure the
// animation loop is running.
//
// This is intended to be called only by the daemon goroutine (single-owner).
func (n *needleAnimator) Retarget(meters float64) {
	n.targetDeg = n.angleForDistance(meters)
	if n.frame == nil {
		n.frame = n.sched.Every(n.cfg.FramePeriod, n.step)
	}
}

// step advances one frame: exponential easing toward the target, snapping and
// stopping once close enough.
func (n *needleAnimator) step(time.Time) {
	gap := n.targetDeg - n.currentDeg
	if math.Abs(gap) > n.cfg.SnapDeg {
		n.currentDeg += gap * n.cfg.EaseFactor
	} else {
		n.currentDeg = n.targetDeg
		n.stop()
	}

	if n.onFrame != nil {
		n.onFrame(n.currentDeg, n.targetDeg)
	}
}

func (n *needleAnimator) stop() {
	if n.frame != nil {
		n.frame.Cancel()
		n.frame = nil
	}
}

// Reset cancels any pending frame and parks the needle at the dial minimum.
//
// This is intended to be called only by the daemon goroutine (single-owner).
func (n *needleAnimator) Reset() {
	n.stop()
	n.currentDeg = n.cfg.MinDeg
	n.targetDeg = n.cfg.MinDeg
}

// Animating reports whether a frame is scheduled.
func (n *needleAnimator) Animating() bool { return n.frame != nil }

func (n *needleAnimator) CurrentDeg() float64 { return n.currentDeg }
func (n *needleAnimator) TargetDeg() float64  { return n.targetDeg }
