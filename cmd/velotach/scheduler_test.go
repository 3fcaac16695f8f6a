package main

import (
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestManualScheduler_RunsAtPeriod(t *testing.T) {
	s := newManualScheduler(testEpoch)

	var at []time.Duration
	s.Every(100*time.Millisecond, func(now time.Time) {
		at = append(at, now.Sub(testEpoch))
	})

	s.Advance(350 * time.Millisecond)

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	if len(at) != len(want) {
		t.Fatalf("runs = %v, want %v", at, want)
	}
	for i := range want {
		if at[i] != want[i] {
			t.Fatalf("run %d at %v, want %v", i, at[i], want[i])
		}
	}
	if got := s.Now().Sub(testEpoch); got != 350*time.Millisecond {
		t.Fatalf("now = %v", got)
	}
}

func TestScheduler_CancelIsIdempotent(t *testing.T) {
	s := newManualScheduler(testEpoch)
	task := s.Every(10*time.Millisecond, func(time.Time) {})
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}

	task.Cancel()
	task.Cancel()

	if s.Pending() != 0 {
		t.Fatalf("pending = %d after cancel, want 0", s.Pending())
	}
}

func TestScheduler_CancelFromOtherTaskBeforeItFires(t *testing.T) {
	s := newManualScheduler(testEpoch)

	fired := false
	var victim Task
	s.Every(10*time.Millisecond, func(time.Time) { victim.Cancel() })
	victim = s.Every(10*time.Millisecond, func(time.Time) { fired = true })

	s.Advance(50 * time.Millisecond)
	if fired {
		t.Fatalf("task canceled by an earlier task at the same instant still fired")
	}
}

func TestScheduler_SelfCancel(t *testing.T) {
	s := newManualScheduler(testEpoch)

	runs := 0
	var task Task
	task = s.Every(10*time.Millisecond, func(time.Time) {
		runs++
		if runs == 3 {
			task.Cancel()
		}
	})

	s.Advance(time.Second)
	if runs != 3 {
		t.Fatalf("runs = %d, want 3", runs)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d", s.Pending())
	}
}

func TestTaskQueue_SkipsMissedSlots(t *testing.T) {
	var q taskQueue
	runs := 0
	q.add(testEpoch, 10*time.Millisecond, func(time.Time) { runs++ })

	// 95ms late: runs once, next due at +100ms rather than replaying nine slots.
	n := q.runDue(testEpoch.Add(95*time.Millisecond), nil)
	if n != 1 || runs != 1 {
		t.Fatalf("ran %d (runs=%d), want 1", n, runs)
	}
	due, ok := q.nextDue()
	if !ok || !due.Equal(testEpoch.Add(100*time.Millisecond)) {
		t.Fatalf("next due = %v", due.Sub(testEpoch))
	}
}

func TestLoopScheduler_TimerNilWhenIdle(t *testing.T) {
	s := newLoopScheduler()
	if s.Timer() != nil {
		t.Fatalf("expected nil timer channel with no tasks")
	}
}

func TestLoopScheduler_FiresFromSelectLoop(t *testing.T) {
	s := newLoopScheduler()

	runs := 0
	s.Every(5*time.Millisecond, func(time.Time) { runs++ })

	deadline := time.After(2 * time.Second)
	for runs < 3 {
		select {
		case <-s.Timer():
			s.RunDue()
		case <-deadline:
			t.Fatalf("timed out after %d runs", runs)
		}
	}
}
