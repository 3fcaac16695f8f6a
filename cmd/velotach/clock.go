package main

import "time"

// raceClock publishes elapsed time since the race started.
//
// Start is not idempotent on its own: callers check Running()/ElapsedMs() first.
// The canonical trigger is the first observed motion.
type raceClock struct {
	sched  Scheduler
	period time.Duration

	startedAt time.Time
	elapsedMs float64
	sampler   Task

	// onSample is called with every republished elapsed value.
	onSample func(elapsedMs float64)
}

func newRaceClock(sched Scheduler, period time.Duration, onSample func(elapsedMs float64)) *raceClock {
	if period <= 0 {
		period = defaultClockSamplePeriod
	}
	return &raceClock{sched: sched, period: period, onSample: onSample}
}

// Start records the start instant and begins sampling. A previous sampler, if any,
// is replaced.
//
// This is intended to be called only by the daemon goroutine (single-owner).
func (c *raceClock) Start() {
	c.stopSampler()
	c.startedAt = c.sched.Now()
	c.sampler = c.sched.Every(c.period, c.sample)
}

func (c *raceClock) sample(now time.Time) {
	ms := float64(now.Sub(c.startedAt)) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	c.elapsedMs = ms
	if c.onSample != nil {
		c.onSample(ms)
	}
}

// Stop cancels sampling and keeps the last elapsed value.
//
// This is intended to be called only by the daemon goroutine (single-owner).
func (c *raceClock) Stop() {
	c.stopSampler()
}

// Reset stops the clock and zeroes elapsed time.
//
// This is intended to be called only by the daemon goroutine (single-owner).
func (c *raceClock) Reset() {
	c.stopSampler()
	c.startedAt = time.Time{}
	c.elapsedMs = 0
}

func (c *raceClock) stopSampler() {
	if c.sampler != nil {
		c.sampler.Cancel()
		c.sampler = nil
	}
}

func (c *raceClock) Running() bool      { return c.sampler != nil }
func (c *raceClock) ElapsedMs() float64 { return c.elapsedMs }
