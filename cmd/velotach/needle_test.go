package main

import (
	"math"
	"testing"
	"time"
)

func newTestNeedle(t *testing.T) (*needleAnimator, *manualScheduler, *[]float64) {
	t.Helper()
	s := newManualScheduler(testEpoch)
	var frames []float64
	n := newNeedleAnimator(NeedleConfig{}, s, func(cur, _ float64) {
		frames = append(frames, cur)
	})
	return n, s, &frames
}

func TestNeedle_AngleForDistance(t *testing.T) {
	n, _, _ := newTestNeedle(t)

	tests := []struct {
		meters float64
		want   float64
	}{
		{0, -120},
		{50, -60},
		{100, 0},
		{200, 120},
		{250, 120},
		{-5, -120},
		{math.NaN(), -120},
	}
	for _, tt := range tests {
		if got := n.angleForDistance(tt.meters); math.Abs(got-tt.want) > 1e-9 {
			t.Fatalf("angleForDistance(%v) = %v, want %v", tt.meters, got, tt.want)
		}
	}
}

func TestNeedle_ConvergesMonotonicallyAndStops(t *testing.T) {
	n, s, frames := newTestNeedle(t)

	n.Retarget(250)
	if n.TargetDeg() != 120 {
		t.Fatalf("target = %v, want clamp to 120", n.TargetDeg())
	}

	s.Advance(2 * time.Second)

	if n.CurrentDeg() != 120 {
		t.Fatalf("current = %v, want exactly 120", n.CurrentDeg())
	}
	if n.Animating() || s.Pending() != 0 {
		t.Fatalf("loop still scheduled after convergence (pending=%d)", s.Pending())
	}

	prevGap := math.Inf(1)
	for i, deg := range *frames {
		gap := math.Abs(120 - deg)
		if gap > prevGap {
			t.Fatalf("frame %d: gap grew from %v to %v", i, prevGap, gap)
		}
		prevGap = gap
	}
	// 0.85^k * 240 <= 0.1 needs 48 easing frames, plus the snap frame.
	if len(*frames) != 49 {
		t.Fatalf("frames = %d, want 49", len(*frames))
	}
}

func TestNeedle_RetargetWhileAnimatingKeepsOneLoop(t *testing.T) {
	n, s, _ := newTestNeedle(t)

	n.Retarget(50)
	s.Advance(50 * time.Millisecond)
	n.Retarget(100)
	n.Retarget(150)

	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want a single frame task", s.Pending())
	}

	s.Advance(2 * time.Second)
	if n.CurrentDeg() != 60 {
		t.Fatalf("current = %v, want 60", n.CurrentDeg())
	}
}

func TestNeedle_RetargetSameAngleSnaps(t *testing.T) {
	n, s, frames := newTestNeedle(t)

	n.Retarget(0)
	s.Advance(time.Second)
	if len(*frames) != 1 || s.Pending() != 0 {
		t.Fatalf("frames=%d pending=%d, want one snap frame", len(*frames), s.Pending())
	}
}

func TestNeedle_Reset(t *testing.T) {
	n, s, _ := newTestNeedle(t)

	n.Retarget(200)
	s.Advance(100 * time.Millisecond)
	n.Reset()

	if n.Animating() || s.Pending() != 0 {
		t.Fatalf("reset left a frame scheduled")
	}
	if n.CurrentDeg() != -120 || n.TargetDeg() != -120 {
		t.Fatalf("reset: current=%v target=%v", n.CurrentDeg(), n.TargetDeg())
	}
}
