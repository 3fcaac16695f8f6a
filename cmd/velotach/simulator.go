package main

import (
	"math"
	"time"
)

// SimSpeedMode selects how the simulator derives a synthetic speed.
type SimSpeedMode string

const (
	// SimSpeedConstant reports step/period converted to km/h.
	SimSpeedConstant SimSpeedMode = "constant"
	// SimSpeedOscillating wobbles around the constant speed as distance grows.
	SimSpeedOscillating SimSpeedMode = "oscillating"
)

// SimulationConfig contains the simulator parameters.
type SimulationConfig struct {
	StepM     float64       // distance added per tick (meters)
	Period    time.Duration // tick period
	CeilingM  float64       // total distance cap (meters)
	SpeedMode SimSpeedMode
}

func (c SimulationConfig) withDefaults() SimulationConfig {
	if c.StepM <= 0 {
		c.StepM = defaultSimStepM
	}
	if c.Period <= 0 {
		c.Period = defaultSimPeriod
	}
	if c.CeilingM <= 0 {
		c.CeilingM = defaultSimCeilingM
	}
	if c.SpeedMode == "" {
		c.SpeedMode = SimSpeedConstant
	}
	return c
}

// baseSpeedKmh is the speed implied by one step per period.
func (c SimulationConfig) baseSpeedKmh() float64 {
	return c.StepM / c.Period.Seconds() * 3.6
}

// advance returns the distance and speed after one tick starting from distanceM.
// Distance is capped at the ceiling; the cap never lowers an existing distance.
func (c SimulationConfig) advance(distanceM float64) (nextM float64, speedKmh float64) {
	nextM = distanceM + c.StepM
	if nextM > c.CeilingM {
		nextM = math.Max(c.CeilingM, distanceM)
	}

	speedKmh = c.baseSpeedKmh()
	if c.SpeedMode == SimSpeedOscillating {
		speedKmh *= 1 + simOscillationAmplitude*math.Sin(nextM/simOscillationWavelengthM)
	}
	return nextM, speedKmh
}

// simulator injects synthetic distance increments on a fixed period, bypassing the
// decoder and integrator.
type simulator struct {
	sched Scheduler
	cfg   SimulationConfig
	task  Task

	onTick func(cfg SimulationConfig)
}

func newSimulator(sched Scheduler, onTick func(cfg SimulationConfig)) *simulator {
	return &simulator{sched: sched, onTick: onTick}
}

// Start (re)starts the simulation with cfg; a running simulation is replaced.
//
// This is intended to be called only by the daemon goroutine (single-owner).
func (s *simulator) Start(cfg SimulationConfig) {
	s.Stop()
	s.cfg = cfg.withDefaults()
	s.task = s.sched.Every(s.cfg.Period, func(time.Time) {
		if s.onTick != nil {
			s.onTick(s.cfg)
		}
	})
}

// Stop cancels the simulation. It reports whether a simulation was running.
//
// This is intended to be called only by the daemon goroutine (single-owner).
func (s *simulator) Stop() bool {
	if s.task == nil {
		return false
	}
	s.task.Cancel()
	s.task = nil
	return true
}

func (s *simulator) Running() bool { return s.task != nil }
