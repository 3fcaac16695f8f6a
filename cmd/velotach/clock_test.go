package main

import (
	"testing"
	"time"
)

func TestRaceClock_SamplesElapsed(t *testing.T) {
	s := newManualScheduler(testEpoch)
	var samples []float64
	c := newRaceClock(s, 30*time.Millisecond, func(ms float64) { samples = append(samples, ms) })

	c.Start()
	s.Advance(95 * time.Millisecond)

	want := []float64{30, 60, 90}
	if len(samples) != len(want) {
		t.Fatalf("samples = %v, want %v", samples, want)
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, samples[i], want[i])
		}
	}
	if !c.Running() || c.ElapsedMs() != 90 {
		t.Fatalf("running=%v elapsed=%v", c.Running(), c.ElapsedMs())
	}
}

func TestRaceClock_StopFreezes(t *testing.T) {
	s := newManualScheduler(testEpoch)
	c := newRaceClock(s, 30*time.Millisecond, nil)

	c.Start()
	s.Advance(60 * time.Millisecond)
	c.Stop()
	s.Advance(time.Second)

	if c.Running() {
		t.Fatalf("clock still running after Stop")
	}
	if c.ElapsedMs() != 60 {
		t.Fatalf("elapsed = %v, want 60", c.ElapsedMs())
	}
}

func TestRaceClock_ResetZeroes(t *testing.T) {
	s := newManualScheduler(testEpoch)
	c := newRaceClock(s, 0, nil)

	c.Start()
	s.Advance(time.Second)
	c.Reset()

	if c.Running() || c.ElapsedMs() != 0 || s.Pending() != 0 {
		t.Fatalf("reset: running=%v elapsed=%v pending=%d", c.Running(), c.ElapsedMs(), s.Pending())
	}
}

func TestRaceClock_RestartReplacesSampler(t *testing.T) {
	s := newManualScheduler(testEpoch)
	c := newRaceClock(s, 30*time.Millisecond, nil)

	c.Start()
	s.Advance(300 * time.Millisecond)
	c.Start()
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}
	s.Advance(30 * time.Millisecond)
	if c.ElapsedMs() != 30 {
		t.Fatalf("elapsed = %v, want 30 after restart", c.ElapsedMs())
	}
}

func TestRaceClock_RealTime(t *testing.T) {
	s := newLoopScheduler()
	c := newRaceClock(s, 10*time.Millisecond, nil)
	c.Start()

	stop := time.After(90 * time.Millisecond)
loop:
	for {
		select {
		case <-s.Timer():
			s.RunDue()
		case <-stop:
			break loop
		}
	}

	if got := c.ElapsedMs(); got < 60 || got > 120 {
		t.Fatalf("elapsed = %vms, want roughly 90ms", got)
	}
}
