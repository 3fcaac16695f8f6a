package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Sensor Stream Processor
// ============================================================================
//
// The Processor owns the Session and the three scheduled activities that act on
// it (needle frames, clock samples, simulation ticks) plus the staleness check.
//
// Rules:
//   - Handle performs no I/O. Side effects are queued as Commands.
//   - Observable changes are queued as StateBroadcasts.
//   - The daemon loop drains both queues after every event and after every
//     scheduler run (see daemon.go).
//
// Everything here runs on the daemon goroutine; no locking.
// ============================================================================

// ProcessorConfig holds the session-level tunables.
type ProcessorConfig struct {
	WheelCircumferenceM float64

	// StaleTimeout drops the speed to zero when no new revolution has been seen
	// for this long. Zero keeps the last speed indefinitely.
	StaleTimeout time.Duration

	Needle      NeedleConfig
	ClockPeriod time.Duration
	Simulation  SimulationConfig

	// Transport is used by ConnectSensor requests that don't name one.
	Transport string
}

// Processor turns Events into session mutations, Commands and StateBroadcasts.
type Processor struct {
	cfg    ProcessorConfig
	sched  Scheduler
	logger *slog.Logger
	newID  func() string

	session *Session
	needle  *needleAnimator
	clock   *raceClock
	sim     *simulator
	stale   Task

	commands   []Command
	broadcasts []StateBroadcast
}

// NewProcessor builds a Processor with a fresh idle Session.
func NewProcessor(cfg ProcessorConfig, sched Scheduler, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Simulation = cfg.Simulation.withDefaults()

	p := &Processor{
		cfg:     cfg,
		sched:   sched,
		logger:  logger,
		newID:   uuid.NewString,
		session: NewSession(cfg.WheelCircumferenceM),
	}
	p.needle = newNeedleAnimator(cfg.Needle, sched, p.onNeedleFrame)
	p.clock = newRaceClock(sched, cfg.ClockPeriod, p.onClockSample)
	p.sim = newSimulator(sched, p.onSimTick)
	return p
}

// Session exposes the daemon-owned session. Callers must be on the daemon goroutine.
func (p *Processor) Session() *Session { return p.session }

// Drain returns and clears the queued commands and broadcasts.
func (p *Processor) Drain() ([]Command, []StateBroadcast) {
	cmds, bcs := p.commands, p.broadcasts
	p.commands, p.broadcasts = nil, nil
	return cmds, bcs
}

// Snapshot returns a coherent copy of the observable state.
func (p *Processor) Snapshot() StateSnapshot {
	s := p.session
	return StateSnapshot{
		SpeedKmh:            s.Motion.SpeedKmh,
		DistanceM:           s.Motion.DistanceM,
		ElapsedMs:           p.clock.ElapsedMs(),
		AngleDeg:            p.needle.CurrentDeg(),
		TargetDeg:           p.needle.TargetDeg(),
		Status:              s.Status,
		Connected:           s.Connection == ConnConnected,
		Simulating:          p.sim.Running(),
		WheelCircumferenceM: s.WheelCircumferenceM,
		At:                  p.sched.Now(),
	}
}

// Handle processes one event.
func (p *Processor) Handle(e Event) {
	s := p.session

	switch ev := e.(type) {
	case FrameReceived:
		p.handleFrame(ev)

	// ------------------------------------------------------------------
	// Transport lifecycle
	// ------------------------------------------------------------------
	case ConnectSensor:
		if sub := s.DetachSubscription(); sub != nil {
			p.emit(CmdDisconnect{Subscription: sub})
		}
		transport := ev.Transport
		if transport == "" {
			transport = p.cfg.Transport
		}
		attempt := s.NextAttempt(transport)
		p.setStatus(statusRequestingDevice)
		p.emit(CmdConnect{Attempt: attempt, Transport: transport})

	case TransportPaired:
		if ev.Attempt != s.Attempt || s.Connection != ConnConnecting {
			return
		}
		p.logger.Info("sensor selected", "device", ev.Device, "attempt", ev.Attempt)
		p.setStatus(statusConnecting)

	case TransportConnected:
		if ev.Attempt != s.Attempt || s.Connection != ConnConnecting {
			// Superseded or cancelled while the connect was in flight.
			p.logger.Debug("releasing stale transport subscription", "attempt", ev.Attempt, "current", s.Attempt)
			if ev.Subscription != nil {
				p.emit(CmdDisconnect{Subscription: ev.Subscription})
			}
			return
		}
		s.Subscription = ev.Subscription
		s.Connection = ConnConnected
		s.Integrator = IntegratorState{}
		p.logger.Info("sensor connected", "transport", ev.Transport, "attempt", ev.Attempt)
		p.setStatus(statusConnected)
		p.startClockOnce()

	case TransportFailed:
		if ev.Attempt != s.Attempt || s.Connection != ConnConnecting {
			return
		}
		s.Connection = ConnIdle
		if errors.Is(ev.Err, ErrTransportUnavailable) {
			p.logger.Error("sensor transport unavailable", "transport", s.Transport, "error", ev.Err)
			p.setStatus(statusUnavailable)
			return
		}
		p.logger.Error("sensor connection failed", "transport", s.Transport, "error", ev.Err)
		p.setStatus(statusConnectFailed)

	case TransportDisconnected:
		if ev.Attempt != s.Attempt || s.Connection != ConnConnected {
			return
		}
		if sub := s.DetachSubscription(); sub != nil {
			p.emit(CmdDisconnect{Subscription: sub})
		}
		if ev.Err != nil {
			p.logger.Warn("sensor disconnected", "error", ev.Err)
		} else {
			p.logger.Info("sensor disconnected")
		}
		p.setStatus(statusDisconnected)

	case DisconnectSensor:
		wasActive := s.Connection != ConnIdle
		if sub := s.DetachSubscription(); sub != nil {
			p.emit(CmdDisconnect{Subscription: sub})
		}
		// Invalidate any connect still in flight.
		s.Attempt++
		if wasActive {
			p.setStatus(statusDisconnected)
		}

	// ------------------------------------------------------------------
	// Simulation / session control
	// ------------------------------------------------------------------
	case StartSimulation:
		cfg := p.cfg.Simulation
		if ev.StepM > 0 {
			cfg.StepM = ev.StepM
		}
		if ev.PeriodMS > 0 {
			cfg.Period = time.Duration(ev.PeriodMS) * time.Millisecond
		}
		if ev.CeilingM > 0 {
			cfg.CeilingM = ev.CeilingM
		}
		if ev.SpeedMode != "" {
			cfg.SpeedMode = ev.SpeedMode
		}
		p.setStatus(statusSimulating)
		p.startClockOnce()
		p.sim.Start(cfg)

	case StopSimulation:
		if p.sim.Stop() {
			p.setStatus(statusStopped)
		}

	case StopClock:
		p.stopClock()

	case ResetSession:
		p.reset()

	case SetWheelCircumference:
		if ev.Meters <= 0 {
			p.logger.Warn("ignoring non-positive wheel circumference", "meters", ev.Meters)
			return
		}
		s.WheelCircumferenceM = ev.Meters
		p.logger.Info("wheel circumference updated", "meters", ev.Meters)

	// ------------------------------------------------------------------
	// Race recording
	// ------------------------------------------------------------------
	case RaceSetup:
		s.Race.Setup(ev.Runner1, ev.Runner2, ev.FinishMeters)

	case RaceLap:
		if err := s.Race.Lap(ev.Runner, s.Motion.DistanceM, p.clock.ElapsedMs()); err != nil {
			p.logger.Warn("race lap rejected", "error", err)
		}

	case RaceFinish:
		if err := s.Race.Finish(ev.Runner, p.clock.ElapsedMs()); err != nil {
			p.logger.Warn("race finish rejected", "error", err)
			return
		}
		if s.Race.Finished() {
			p.stopClock()
		}

	case RaceSave:
		if !s.Race.HasTimes() {
			p.logger.Warn("race save rejected: no finish time captured")
			p.setStatus(statusRaceNothingToSave)
			return
		}
		rec := s.Race.Build(p.newID(), p.sched.Now())
		p.emit(CmdSaveRace{Record: rec})

	case RaceSaveResult:
		if ev.Err != nil {
			p.logger.Error("race save failed", "id", ev.Record.ID, "error", ev.Err)
			p.setStatus(statusRaceSaveFailed)
			return
		}
		p.logger.Info("race saved",
			"id", ev.Record.ID,
			"winner", ev.Record.Winner.String(),
			"time1", formatTime(ev.Record.Time1),
			"time2", formatTime(ev.Record.Time2),
			"finish", formatDistance(ev.Record.FinishMeters))
		s.Race.Clear()
		p.setStatus(statusRaceSaved)
		p.broadcast(BroadcastRaceSaved{Record: ev.Record, At: p.sched.Now()})

	case RequestStateSnapshot:
		p.emit(CmdPublishStateSnapshot{Reply: ev.Reply, Snapshot: p.Snapshot()})

	default:
		p.logger.Debug("ignoring unknown event", "type", fmt.Sprintf("%T", e))
	}
}

// handleFrame runs one notification through decoder and integrator.
func (p *Processor) handleFrame(ev FrameReceived) {
	s := p.session
	if ev.Attempt != s.Attempt || s.Connection != ConnConnected {
		p.logger.Debug("dropping frame from inactive connection", "attempt", ev.Attempt)
		return
	}

	reading, ok, err := DecodeCSCMeasurement(ev.Data)
	if err != nil {
		p.logger.Debug("dropping malformed csc frame", "error", err)
		return
	}
	if !ok {
		return
	}

	delta, next := Integrate(reading, s.Integrator, s.WheelCircumferenceM)
	s.Integrator = next
	if delta.CounterReset {
		p.logger.Info("csc revolution counter went backwards, resyncing", "revolutions", reading.CumulativeRevolutions)
		return
	}
	if !delta.Updated {
		return
	}

	s.ApplyMotion(delta, p.sched.Now())
	p.publishMotion(false)
	p.needle.Retarget(s.Motion.DistanceM)
	p.startClockOnce()
	p.armStaleCheck()
}

func (p *Processor) onSimTick(cfg SimulationConfig) {
	s := p.session
	next, speed := cfg.advance(s.Motion.DistanceM)
	s.Motion.DistanceM = next
	s.Motion.SpeedKmh = speed
	s.LastMotionAt = p.sched.Now()
	p.publishMotion(false)
	p.needle.Retarget(next)
}

func (p *Processor) onNeedleFrame(currentDeg, targetDeg float64) {
	s := p.session
	angle := roundTo(currentDeg, broadcastAnglePrecision)
	if s.published.angleKnown && angle == s.published.angleDeg && currentDeg != targetDeg {
		return
	}
	s.published.angleDeg = angle
	s.published.angleKnown = true
	p.broadcast(BroadcastNeedleChanged{
		AngleDeg:  angle,
		TargetDeg: roundTo(targetDeg, broadcastAnglePrecision),
		At:        p.sched.Now(),
	})
}

func (p *Processor) onClockSample(elapsedMs float64) {
	p.broadcast(BroadcastClockChanged{ElapsedMs: elapsedMs, At: p.sched.Now()})
}

// stopClock freezes the race clock and publishes the final elapsed value.
func (p *Processor) stopClock() {
	if !p.clock.Running() {
		return
	}
	p.clock.Stop()
	p.logger.Info("race clock stopped", "elapsed", formatTime(ptrTo(p.clock.ElapsedMs())))
	p.broadcast(BroadcastClockChanged{ElapsedMs: p.clock.ElapsedMs(), At: p.sched.Now()})
	p.setStatus(statusClockStopped)
}

func ptrTo(v float64) *float64 { return &v }

// startClockOnce starts the race clock unless it already runs or has run.
func (p *Processor) startClockOnce() {
	if p.clock.Running() || p.clock.ElapsedMs() != 0 {
		return
	}
	p.clock.Start()
}

func (p *Processor) armStaleCheck() {
	if p.cfg.StaleTimeout <= 0 || p.stale != nil {
		return
	}
	p.stale = p.sched.Every(staleCheckPeriod, p.checkStale)
}

// checkStale zeroes the speed once no revolution has been seen for StaleTimeout.
// Distance is never touched.
func (p *Processor) checkStale(now time.Time) {
	s := p.session
	if now.Sub(s.LastMotionAt) < p.cfg.StaleTimeout {
		return
	}
	p.cancelStaleCheck()
	if s.Motion.SpeedKmh == 0 {
		return
	}
	p.logger.Debug("sensor stalled, dropping speed to zero", "idle", now.Sub(s.LastMotionAt))
	s.Motion.SpeedKmh = 0
	p.publishMotion(false)
}

func (p *Processor) cancelStaleCheck() {
	if p.stale != nil {
		p.stale.Cancel()
		p.stale = nil
	}
}

// reset stops every scheduled activity and zeroes the session. The connection
// and the wheel circumference survive.
func (p *Processor) reset() {
	p.sim.Stop()
	p.clock.Reset()
	p.needle.Reset()
	p.cancelStaleCheck()

	s := p.session
	s.ResetMotion()
	s.Race.Clear()

	p.setStatus(statusReset)
	p.publishMotion(true)
	s.published.angleDeg = p.needle.CurrentDeg()
	s.published.angleKnown = true
	p.broadcast(BroadcastNeedleChanged{AngleDeg: p.needle.CurrentDeg(), TargetDeg: p.needle.TargetDeg(), At: p.sched.Now()})
	p.broadcast(BroadcastClockChanged{ElapsedMs: 0, At: p.sched.Now()})
}

// publishMotion emits a motion broadcast when the rounded values changed.
func (p *Processor) publishMotion(force bool) {
	s := p.session
	speed := roundTo(s.Motion.SpeedKmh, broadcastSpeedPrecision)
	dist := roundTo(s.Motion.DistanceM, broadcastDistancePrecision)

	if !force && s.published.known && speed == s.published.speedKmh && dist == s.published.distanceM {
		return
	}
	s.published.speedKmh = speed
	s.published.distanceM = dist
	s.published.known = true

	p.broadcast(BroadcastMotionChanged{SpeedKmh: speed, DistanceM: dist, At: p.sched.Now()})
}

func (p *Processor) setStatus(status string) {
	if p.session.SetStatus(status) {
		p.logger.Debug("status changed", "status", status)
		p.broadcast(BroadcastStatusChanged{Status: status, At: p.sched.Now()})
	}
}

func (p *Processor) emit(c Command)             { p.commands = append(p.commands, c) }
func (p *Processor) broadcast(b StateBroadcast) { p.broadcasts = append(p.broadcasts, b) }
