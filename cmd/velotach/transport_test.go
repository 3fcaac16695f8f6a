package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseHexFrameLine(t *testing.T) {
	tests := []struct {
		line   string
		want   []byte
		ok     bool
		hasErr bool
	}{
		{"01 0a 00 00 00 00 04", []byte{0x01, 0x0a, 0, 0, 0, 0, 0x04}, true, false},
		{"01:0A:00:00:00:00:04", []byte{0x01, 0x0a, 0, 0, 0, 0, 0x04}, true, false},
		{"010a0000000004\r", []byte{0x01, 0x0a, 0, 0, 0, 0, 0x04}, true, false},
		{"", nil, false, false},
		{"# csc bridge v2", nil, false, false},
		{"zz", nil, false, true},
		{"abc", nil, false, true},
	}
	for _, tt := range tests {
		got, ok, err := parseHexFrameLine(tt.line)
		if (err != nil) != tt.hasErr || ok != tt.ok || !bytes.Equal(got, tt.want) {
			t.Fatalf("parseHexFrameLine(%q) = %x, %v, %v", tt.line, got, ok, err)
		}
	}
}

func TestReadHexFrames(t *testing.T) {
	input := strings.Join([]string{
		"# bridge ready",
		"01 64 00 00 00 00 04",
		"garbage!",
		"",
		"01 65 00 00 00 00 08",
	}, "\n")

	var frames [][]byte
	err := readHexFrames(strings.NewReader(input), func(b []byte) { frames = append(frames, b) }, testLogger())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %x", frames)
	}
	r, ok, err := DecodeCSCMeasurement(frames[1])
	if err != nil || !ok || r.CumulativeRevolutions != 0x65 || r.LastEventTime1024 != 0x0800 {
		t.Fatalf("decoded %+v ok=%v err=%v", r, ok, err)
	}
}

func TestFrameAssembler(t *testing.T) {
	var a frameAssembler
	frame := encodeCSCMeasurement(42, 512)
	wire := append([]byte{byte(len(frame))}, frame...)

	if got := a.Push(wire[:3]); len(got) != 0 {
		t.Fatalf("partial push produced %d frames", len(got))
	}
	if a.Pending() != 3 {
		t.Fatalf("pending = %d", a.Pending())
	}

	// The rest of the first frame, an empty frame, and half of a second one.
	rest := append(append([]byte{}, wire[3:]...), 0x00)
	rest = append(rest, wire[:4]...)
	got := a.Push(rest)
	if len(got) != 1 || !bytes.Equal(got[0], frame) {
		t.Fatalf("frames = %x", got)
	}
	if a.Pending() != 4 {
		t.Fatalf("pending = %d", a.Pending())
	}

	got = a.Push(wire[4:])
	if len(got) != 1 || !bytes.Equal(got[0], frame) || a.Pending() != 0 {
		t.Fatalf("frames = %x pending=%d", got, a.Pending())
	}
}

func TestSubscriptionIsIdempotent(t *testing.T) {
	n := 0
	sub := newSubscription(func() { n++ })
	sub.Unsubscribe()
	sub.Unsubscribe()
	if n != 1 {
		t.Fatalf("release ran %d times", n)
	}
}

func TestEventForwarder(t *testing.T) {
	events := make(chan Event, 4)
	fwd := newEventForwarder(context.Background(), 3, events, testLogger())

	frame := encodeCSCMeasurement(1, 1)
	fwd.OnPaired("CYCPLUS S3")
	fwd.OnFrame(frame)
	frame[1] = 0xFF // the forwarder copies
	fwd.OnDisconnect(errors.New("gone"))

	if p := (<-events).(TransportPaired); p.Attempt != 3 || p.Device != "CYCPLUS S3" {
		t.Fatalf("paired = %+v", p)
	}
	f := (<-events).(FrameReceived)
	if f.Attempt != 3 || f.Data[1] != 1 {
		t.Fatalf("frame = %+v", f)
	}
	if d := (<-events).(TransportDisconnected); d.Attempt != 3 || d.Err == nil {
		t.Fatalf("disconnect = %+v", d)
	}
}

func TestEventForwarder_DropsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fwd := newEventForwarder(ctx, 1, make(chan Event), testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		fwd.OnFrame([]byte{1})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("forwarder blocked after shutdown")
	}
}

func TestTransportFactory(t *testing.T) {
	cfg := DefaultConfig().Sensor
	factory := newTransportFactory(cfg, testLogger())

	for _, name := range []string{transportSerial, transportPipe} {
		tr, err := factory(name)
		if err != nil || tr.Name() != name {
			t.Fatalf("factory(%q) = %v, %v", name, tr, err)
		}
	}
	if _, err := factory("usb"); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("unknown transport err = %v", err)
	}
}
