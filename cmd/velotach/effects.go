package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// raceSaver is the part of RaceStore the effects layer needs.
type raceSaver interface {
	Add(ctx context.Context, r RaceRecord) error
}

// effectEnv is everything runEffect may touch.
type effectEnv struct {
	// ctx bounds in-flight connects; canceled on shutdown.
	ctx context.Context

	transports TransportFactory
	races      raceSaver

	// events receives results of asynchronous effects (connect attempts) and
	// everything the opened transports forward.
	events chan<- Event

	saveTimeout time.Duration
}

// errNoRaceStore is reported when a race is saved without a configured store.
var errNoRaceStore = errors.New("no race store")

// runEffect executes a single Processor-emitted Command and reports synchronous
// observations via onEvent.
//
// Rules:
//   - This function is allowed to perform I/O.
//   - It never calls Processor.Handle; observations are handled by the daemon loop.
//   - Connects can block for a scan timeout, so they run on their own goroutine
//     and post their result to env.events.
func runEffect(env *effectEnv, cmd Command, logger *slog.Logger, onEvent func(Event)) {
	if onEvent == nil {
		return
	}

	switch c := cmd.(type) {
	case CmdConnect:
		if env.transports == nil {
			onEvent(TransportFailed{Attempt: c.Attempt, Err: ErrTransportUnavailable})
			return
		}
		tr, err := env.transports(c.Transport)
		if err != nil {
			onEvent(TransportFailed{Attempt: c.Attempt, Err: err})
			return
		}
		logger.Info("opening sensor transport", "transport", tr.Name(), "attempt", c.Attempt)
		go connectTransport(env, tr, c.Attempt, logger)

	case CmdDisconnect:
		if c.Subscription != nil {
			c.Subscription.Unsubscribe()
		}

	case CmdSaveRace:
		if env.races == nil {
			onEvent(RaceSaveResult{Record: c.Record, Err: errNoRaceStore})
			return
		}
		timeout := env.saveTimeout
		if timeout <= 0 {
			timeout = defaultRaceSaveTimeout
		}
		ctx, cancel := context.WithTimeout(env.ctx, timeout)
		err := env.races.Add(ctx, c.Record)
		cancel()
		if err != nil {
			err = fmt.Errorf("save race %s: %w", c.Record.ID, err)
		}
		onEvent(RaceSaveResult{Record: c.Record, Err: err})

	case CmdPublishStateSnapshot:
		if c.Reply == nil {
			logger.Warn("state snapshot requested with nil reply channel")
			return
		}
		// Never block the daemon on a slow requester.
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}

	default:
		logger.Warn("unknown command type", "command", cmd.String())
	}
}

// connectTransport opens tr and posts TransportConnected or TransportFailed.
// A subscription that can no longer be delivered is released here.
func connectTransport(env *effectEnv, tr SensorTransport, attempt uint64, logger *slog.Logger) {
	fwd := newEventForwarder(env.ctx, attempt, env.events, logger)

	sub, err := tr.Open(env.ctx, fwd)
	if err != nil {
		postEvent(env.ctx, env.events, TransportFailed{Attempt: attempt, Err: err})
		return
	}

	ev := TransportConnected{Attempt: attempt, Transport: tr.Name(), Subscription: sub}
	if !postEvent(env.ctx, env.events, ev) {
		logger.Debug("releasing transport opened during shutdown", "transport", tr.Name())
		sub.Unsubscribe()
	}
}

// postEvent sends ev unless ctx is done first.
func postEvent(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
