package main

import (
	"context"
	"log/slog"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// Design rules enforced here:
//   - The Processor performs no I/O and queues Commands and StateBroadcasts.
//   - The daemon loop is the only place that executes side effects.
//   - Effect observations are turned into Events and fed back into the Processor.
//   - Scheduled work (needle frames, clock samples, simulation ticks, staleness
//     checks) runs from this loop through the loopScheduler timer.
//
// Explicit event and command queues keep execution non-reentrant.
// ============================================================================

// runDaemon is the main daemon loop.
//
// Shutdown semantics:
//   - Exits when ctx is canceled or the events channel is closed
//   - Releases the sensor link before returning
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	proc *Processor,
	sched *loopScheduler,
	env *effectEnv,
	publish func(StateBroadcast),
	logger *slog.Logger,
) {
	if proc == nil || sched == nil {
		logger.Error("daemon started without processor or scheduler")
		return
	}

	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}

	// Move everything the Processor queued into the command queue and out to
	// observers.
	drain := func() {
		cmds, bcs := proc.Drain()
		cmdQueue = append(cmdQueue, cmds...)
		if publish != nil {
			for _, b := range bcs {
				publish(b)
			}
		}
	}

	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			proc.Handle(ev)
			drain()
		}
	}

	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			logger.Debug("running command", "command", cmd.String())
			runEffect(env, cmd, logger, enqueueEvent)

			// Observations are handled promptly so the Processor can emit
			// follow-up commands.
			flushEvents()
		}
	}

	shutdown := func(reason string) {
		logger.Info("daemon stopping", "reason", reason)
		enqueueEvent(DisconnectSensor{})
		flushEvents()
		flushCommands()
	}

	for {
		select {
		case <-ctx.Done():
			shutdown("context canceled")
			return

		case ev, ok := <-events:
			if !ok {
				shutdown("events channel closed")
				return
			}
			enqueueEvent(ev)
			flushEvents()
			flushCommands()

		case <-sched.Timer():
			sched.RunDue()
			drain()
			flushCommands()
		}
	}
}
