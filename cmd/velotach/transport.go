package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Sensor transports
// ============================================================================
//
// A transport delivers raw CSC measurement frames and a disconnect signal.
// It never touches session state: the forwarder below turns callbacks into
// Events for the daemon goroutine.
// ============================================================================

// Transport failure taxonomy. Wrap with %w; compare with errors.Is.
var (
	// ErrTransportUnavailable means the adapter or capability is missing.
	ErrTransportUnavailable = errors.New("sensor transport unavailable")
	// ErrPairingFailed means no matching device was found or selected.
	ErrPairingFailed = errors.New("sensor pairing failed")
	// ErrConnectionFailed means a device was found but the link could not be set up.
	ErrConnectionFailed = errors.New("sensor connection failed")
)

// Transport names accepted in configuration and in ConnectSensor.
const (
	transportBLE    = "ble"
	transportSerial = "serial"
	transportPipe   = "pipe"
)

// FrameHandler receives transport callbacks. Implementations must not retain
// frame after returning.
type FrameHandler interface {
	OnFrame(frame []byte)
	OnDisconnect(err error)
}

// pairingObserver is optionally implemented by a FrameHandler that wants to
// know when a device has been selected, before the link is fully set up.
type pairingObserver interface {
	OnPaired(device string)
}

// Subscription releases a transport link. Unsubscribe is idempotent and never
// triggers OnDisconnect.
type Subscription interface {
	Unsubscribe()
}

// SensorTransport opens a notification stream from a CSC sensor.
type SensorTransport interface {
	Name() string
	Open(ctx context.Context, h FrameHandler) (Subscription, error)
}

// subscriptionFunc adapts a release function into an idempotent Subscription.
type subscriptionFunc struct {
	once sync.Once
	fn   func()
}

func newSubscription(fn func()) *subscriptionFunc {
	return &subscriptionFunc{fn: fn}
}

func (s *subscriptionFunc) Unsubscribe() {
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}

// ============================================================================
// Forwarder: transport callbacks -> daemon events
// ============================================================================

// eventForwarder is the FrameHandler every transport is opened with.
type eventForwarder struct {
	ctx     context.Context
	attempt uint64
	events  chan<- Event
	logger  *slog.Logger
	now     func() time.Time
}

func newEventForwarder(ctx context.Context, attempt uint64, events chan<- Event, logger *slog.Logger) *eventForwarder {
	return &eventForwarder{ctx: ctx, attempt: attempt, events: events, logger: logger, now: time.Now}
}

func (f *eventForwarder) OnFrame(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	f.send(FrameReceived{Attempt: f.attempt, Data: buf, At: f.now()})
}

func (f *eventForwarder) OnPaired(device string) {
	f.send(TransportPaired{Attempt: f.attempt, Device: device})
}

func (f *eventForwarder) OnDisconnect(err error) {
	f.send(TransportDisconnected{Attempt: f.attempt, Err: err})
}

func (f *eventForwarder) send(ev Event) {
	select {
	case f.events <- ev:
	case <-f.ctx.Done():
		f.logger.Debug("dropping transport event (shutdown)", "type", fmt.Sprintf("%T", ev))
	}
}

// ============================================================================
// Factory
// ============================================================================

// TransportFactory builds a transport by name.
type TransportFactory func(name string) (SensorTransport, error)

// newTransportFactory returns the factory used by the effects layer.
func newTransportFactory(cfg SensorConfig, logger *slog.Logger) TransportFactory {
	var (
		mu  sync.Mutex
		ble *bleTransport
	)
	return func(name string) (SensorTransport, error) {
		switch name {
		case transportBLE:
			// One adapter per process; reuse it across connects.
			mu.Lock()
			defer mu.Unlock()
			if ble == nil {
				ble = newBLETransport(cfg.BLE, logger)
			}
			return ble, nil
		case transportSerial:
			return newSerialTransport(cfg.Serial, logger), nil
		case transportPipe:
			return newPipeTransport(cfg.Pipe, logger), nil
		default:
			return nil, fmt.Errorf("%w: unknown transport %q", ErrTransportUnavailable, name)
		}
	}
}
