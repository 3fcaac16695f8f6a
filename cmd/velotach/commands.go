package main

import "fmt"

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect requested by the Processor and
// executed by the daemon loop (see effects.go).
type Command interface {
	commandMarker()
	String() string
}

// CmdConnect opens the sensor transport. The result comes back as
// TransportConnected or TransportFailed tagged with Attempt.
type CmdConnect struct {
	Attempt   uint64
	Transport string
}

func (CmdConnect) commandMarker() {}
func (c CmdConnect) String() string {
	return fmt.Sprintf("CmdConnect(attempt=%d, transport=%s)", c.Attempt, c.Transport)
}

// CmdDisconnect releases a transport subscription.
type CmdDisconnect struct {
	Subscription Subscription
}

func (CmdDisconnect) commandMarker() {}
func (CmdDisconnect) String() string { return "CmdDisconnect()" }

// CmdSaveRace prepends a finished race to the race store.
type CmdSaveRace struct {
	Record RaceRecord
}

func (CmdSaveRace) commandMarker()   {}
func (c CmdSaveRace) String() string { return fmt.Sprintf("CmdSaveRace(id=%s)", c.Record.ID) }

// CmdPublishStateSnapshot delivers a snapshot to a requester.
type CmdPublishStateSnapshot struct {
	Reply    chan StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }
