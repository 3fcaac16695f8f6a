package main

import (
	"sort"
	"time"
)

// ============================================================================
// Scheduler - cooperative periodic tasks on the daemon goroutine
// ============================================================================
//
// Needle frames, clock samples, simulation ticks and staleness checks are all
// periodic tasks. None of them run on their own goroutine: the daemon loop owns a
// loopScheduler and runs due tasks from its select loop, so every callback sees a
// consistent Session without locking.
//
// Tests use manualScheduler and advance time explicitly.
// ============================================================================

// Scheduler runs periodic callbacks on the owning goroutine.
type Scheduler interface {
	// Now returns the scheduler's notion of the current (monotonic) time.
	Now() time.Time

	// Every schedules fn to run every period, first run one period from now.
	// The returned Task cancels further runs.
	Every(period time.Duration, fn func(now time.Time)) Task
}

// Task is a handle to a scheduled periodic callback.
type Task interface {
	Cancel()
}

type scheduledTask struct {
	q        *taskQueue
	period   time.Duration
	next     time.Time
	fn       func(now time.Time)
	seq      uint64
	canceled bool
}

func (t *scheduledTask) Cancel() {
	if t == nil || t.canceled {
		return
	}
	t.canceled = true
	t.q.remove(t)
}

// taskQueue holds scheduled tasks ordered by due time. It is shared by both
// scheduler implementations.
type taskQueue struct {
	tasks []*scheduledTask
	seq   uint64
}

func (q *taskQueue) add(now time.Time, period time.Duration, fn func(time.Time)) *scheduledTask {
	if period <= 0 {
		period = time.Millisecond
	}
	q.seq++
	t := &scheduledTask{
		q:      q,
		period: period,
		next:   now.Add(period),
		fn:     fn,
		seq:    q.seq,
	}
	q.tasks = append(q.tasks, t)
	q.sort()
	return t
}

func (q *taskQueue) remove(t *scheduledTask) {
	for i, x := range q.tasks {
		if x == t {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return
		}
	}
}

func (q *taskQueue) sort() {
	sort.SliceStable(q.tasks, func(i, j int) bool {
		if q.tasks[i].next.Equal(q.tasks[j].next) {
			return q.tasks[i].seq < q.tasks[j].seq
		}
		return q.tasks[i].next.Before(q.tasks[j].next)
	})
}

// nextDue returns the earliest due time, or false if nothing is scheduled.
func (q *taskQueue) nextDue() (time.Time, bool) {
	if len(q.tasks) == 0 {
		return time.Time{}, false
	}
	return q.tasks[0].next, true
}

func (q *taskQueue) len() int { return len(q.tasks) }

// runDue runs every task whose due time is <= now, in due order. A task that
// falls more than one period behind is not replayed: it runs once and is
// rescheduled relative to its own due time, skipping missed slots.
//
// Tasks may cancel themselves or other tasks, or schedule new ones, from inside
// their callback.
func (q *taskQueue) runDue(now time.Time, clock func() time.Time) int {
	ran := 0
	for {
		if len(q.tasks) == 0 || q.tasks[0].next.After(now) {
			return ran
		}
		t := q.tasks[0]

		due := t.next
		next := due.Add(t.period)
		for !next.After(now) {
			next = next.Add(t.period)
		}
		t.next = next
		q.sort()

		at := due
		if clock != nil {
			at = clock()
		}
		t.fn(at)
		ran++
	}
}

// ============================================================================
// loopScheduler (real time)
// ============================================================================

// loopScheduler is driven by the daemon loop: the loop waits on Timer() and calls
// RunDue when it fires. It is not safe for use from other goroutines.
type loopScheduler struct {
	q     taskQueue
	timer *time.Timer
	now   func() time.Time
}

func newLoopScheduler() *loopScheduler {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &loopScheduler{timer: t, now: time.Now}
}

func (s *loopScheduler) Now() time.Time { return s.now() }

func (s *loopScheduler) Every(period time.Duration, fn func(now time.Time)) Task {
	return s.q.add(s.now(), period, fn)
}

// Timer returns the channel the daemon loop should select on. It is re-armed for
// the earliest due task; nil when nothing is scheduled so the select case blocks.
func (s *loopScheduler) Timer() <-chan time.Time {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	due, ok := s.q.nextDue()
	if !ok {
		return nil
	}
	d := due.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.timer.Reset(d)
	return s.timer.C
}

// RunDue runs all tasks due at the current time.
func (s *loopScheduler) RunDue() int {
	return s.q.runDue(s.now(), s.now)
}

// Pending returns the number of scheduled tasks.
func (s *loopScheduler) Pending() int { return s.q.len() }

// ============================================================================
// manualScheduler (tests)
// ============================================================================

// manualScheduler only moves when Advance is called.
type manualScheduler struct {
	q   taskQueue
	now time.Time
}

func newManualScheduler(start time.Time) *manualScheduler {
	return &manualScheduler{now: start}
}

func (s *manualScheduler) Now() time.Time { return s.now }

func (s *manualScheduler) Every(period time.Duration, fn func(now time.Time)) Task {
	return s.q.add(s.now, period, fn)
}

// Advance moves time forward by d, running each due task at its due instant.
func (s *manualScheduler) Advance(d time.Duration) {
	end := s.now.Add(d)
	for {
		due, ok := s.q.nextDue()
		if !ok || due.After(end) {
			break
		}
		s.now = due
		s.q.runDue(due, nil)
	}
	s.now = end
}

// Pending returns the number of scheduled tasks.
func (s *manualScheduler) Pending() int { return s.q.len() }
