package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Events
// ============================================================================
// Events are the only input to the daemon goroutine. They come from:
//   - transports (raw CSC frames, connect/disconnect observations)
//   - IPC clients and the HTTP surface (control requests)
//   - effects (results of side effects executed by the daemon)
//
// Control requests have a JSON form (see UnmarshalEvent / MarshalEvent).
// Transport and effect observations are internal and never cross a socket.
// ============================================================================

// Event is a marker interface for everything the daemon can process.
type Event interface {
	eventMarker()
}

// ============================================================================
// Transport observations
// ============================================================================

// FrameReceived carries one raw CSC measurement notification.
// Attempt identifies the connection that produced it; frames from a stale
// connection are dropped.
type FrameReceived struct {
	Attempt uint64
	Data    []byte
	At      time.Time
}

func (FrameReceived) eventMarker() {}

// TransportPaired reports that a device was selected and the link is being set up.
type TransportPaired struct {
	Attempt uint64
	Device  string
}

func (TransportPaired) eventMarker() {}

// TransportConnected reports that a connect attempt succeeded and notifications
// are flowing.
type TransportConnected struct {
	Attempt      uint64
	Transport    string
	Subscription Subscription
}

func (TransportConnected) eventMarker() {}

// TransportFailed reports that a connect attempt failed before any frame arrived.
type TransportFailed struct {
	Attempt uint64
	Err     error
}

func (TransportFailed) eventMarker() {}

// TransportDisconnected reports that the link dropped. Err is nil for an orderly
// disconnect.
type TransportDisconnected struct {
	Attempt uint64
	Err     error
}

func (TransportDisconnected) eventMarker() {}

// ============================================================================
// Control requests (IPC / HTTP)
// ============================================================================

// ConnectSensor asks the daemon to pair with the sensor. Transport optionally
// overrides the configured transport ("ble", "serial", "pipe").
type ConnectSensor struct {
	Transport string `json:"transport,omitempty"`
}

// DisconnectSensor drops the current sensor link. Session state is kept.
type DisconnectSensor struct{}

// StartSimulation starts the synthetic distance generator. Zero fields fall back
// to the configured simulation parameters.
type StartSimulation struct {
	StepM     float64      `json:"step_m,omitempty"`
	PeriodMS  int          `json:"period_ms,omitempty"`
	CeilingM  float64      `json:"ceiling_m,omitempty"`
	SpeedMode SimSpeedMode `json:"speed_mode,omitempty"`
}

// StopSimulation cancels the synthetic generator.
type StopSimulation struct{}

// StopClock freezes the race clock at its current value. Only ResetSession
// restarts it.
type StopClock struct{}

// ResetSession zeroes motion, needle, clock and the integrator sentinel.
type ResetSession struct{}

// SetWheelCircumference replaces the wheel circumference used by the integrator.
type SetWheelCircumference struct {
	Meters float64 `json:"meters"`
}

// RaceSetup names the two runners and the finish distance of the next race.
type RaceSetup struct {
	Runner1      Runner  `json:"runner1"`
	Runner2      Runner  `json:"runner2"`
	FinishMeters float64 `json:"finish_meters"`
}

// RaceLap captures a split for a runner at the current distance/elapsed time.
type RaceLap struct {
	Runner int `json:"runner"`
}

// RaceFinish captures a runner's finish time at the current elapsed time.
type RaceFinish struct {
	Runner int `json:"runner"`
}

// RaceSave builds a RaceRecord from the captured race and hands it to the store.
type RaceSave struct{}

func (ConnectSensor) eventMarker()         {}
func (DisconnectSensor) eventMarker()      {}
func (StartSimulation) eventMarker()       {}
func (StopSimulation) eventMarker()        {}
func (StopClock) eventMarker()             {}
func (ResetSession) eventMarker()          {}
func (SetWheelCircumference) eventMarker() {}
func (RaceSetup) eventMarker()             {}
func (RaceLap) eventMarker()               {}
func (RaceFinish) eventMarker()            {}
func (RaceSave) eventMarker()              {}

// ============================================================================
// Effect observations / internal requests
// ============================================================================

// RaceSaveResult reports the outcome of CmdSaveRace.
type RaceSaveResult struct {
	Record RaceRecord
	Err    error
}

func (RaceSaveResult) eventMarker() {}

// RequestStateSnapshot asks the daemon for a coherent copy of the live state.
// The reply is delivered by the effects layer; Reply should be buffered.
type RequestStateSnapshot struct {
	Reply chan StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================

// EventEnvelope wraps events with a type discriminator for JSON marshaling.
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event type discriminators used on the IPC socket.
const (
	eventTypeConnect               = "connect"
	eventTypeDisconnect            = "disconnect"
	eventTypeStartSim              = "start_sim"
	eventTypeStopSim               = "stop_sim"
	eventTypeStopClock             = "stop_clock"
	eventTypeReset                 = "reset"
	eventTypeSetWheelCircumference = "set_wheel_circumference"
	eventTypeRaceSetup             = "race_setup"
	eventTypeRaceLap               = "race_lap"
	eventTypeRaceFinish            = "race_finish"
	eventTypeRaceSave              = "race_save"
)

func decodeEventData[T any](env EventEnvelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}
	return v, nil
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete control Event.
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case eventTypeConnect:
		return decodeEventData[ConnectSensor](env)
	case eventTypeDisconnect:
		return DisconnectSensor{}, nil
	case eventTypeStartSim:
		a, err := decodeEventData[StartSimulation](env)
		if err != nil {
			return nil, err
		}
		switch a.SpeedMode {
		case "", SimSpeedConstant, SimSpeedOscillating:
		default:
			return nil, fmt.Errorf("%s: speed_mode must be %q or %q", env.Type, SimSpeedConstant, SimSpeedOscillating)
		}
		return a, nil
	case eventTypeStopSim:
		return StopSimulation{}, nil
	case eventTypeStopClock:
		return StopClock{}, nil
	case eventTypeReset:
		return ResetSession{}, nil

	case eventTypeSetWheelCircumference:
		a, err := decodeEventData[SetWheelCircumference](env)
		if err != nil {
			return nil, err
		}
		if a.Meters <= 0 {
			return nil, fmt.Errorf("%s: meters must be > 0", env.Type)
		}
		return a, nil

	case eventTypeRaceSetup:
		return decodeEventData[RaceSetup](env)
	case eventTypeRaceLap:
		return decodeEventData[RaceLap](env)
	case eventTypeRaceFinish:
		return decodeEventData[RaceFinish](env)
	case eventTypeRaceSave:
		return RaceSave{}, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes a control Event into a JSON envelope.
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope
	var payload any

	switch e := e.(type) {
	case ConnectSensor:
		env.Type = eventTypeConnect
		if e.Transport != "" {
			payload = e
		}
	case DisconnectSensor:
		env.Type = eventTypeDisconnect
	case StartSimulation:
		env.Type = eventTypeStartSim
		if e != (StartSimulation{}) {
			payload = e
		}
	case StopSimulation:
		env.Type = eventTypeStopSim
	case StopClock:
		env.Type = eventTypeStopClock
	case ResetSession:
		env.Type = eventTypeReset
	case SetWheelCircumference:
		env.Type = eventTypeSetWheelCircumference
		payload = e
	case RaceSetup:
		env.Type = eventTypeRaceSetup
		payload = e
	case RaceLap:
		env.Type = eventTypeRaceLap
		payload = e
	case RaceFinish:
		env.Type = eventTypeRaceFinish
		payload = e
	case RaceSave:
		env.Type = eventTypeRaceSave
	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
		}
		env.Data = data
	}

	return json.Marshal(env)
}
