package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Hub tests use Clients with a nil websocket.Conn; Client.close guards against
// nil so eviction paths never touch the network.

// newTestHub returns a hub with small buffers for deterministic tests.
func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(testLogger(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func newTestClient(hub *Hub, name string, sendBuf int) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, sendBuf),
		remoteAddr: name,
		logger:     testLogger(),
	}
}

func runTestHub(t *testing.T, hub *Hub) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for hub to stop")
		}
	})
	return cancel
}

func registerAndWait(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	runTestHub(t, hub)

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerAndWait(t, hub, c1)
	registerAndWait(t, hub, c2)

	msg := []byte(`{"type":"motion_changed","data":{"speed_kmh":21.4,"distance_m":12.6}}`)

	// Direct send: BroadcastBytes is non-blocking and may drop.
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Fatalf("%s got %q, want %q", c.remoteAddr, got, msg)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	runTestHub(t, hub)

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerAndWait(t, hub, slow)
	registerAndWait(t, hub, fast)

	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"status_changed","data":{"status":"Connected"}}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Fatalf("fast client got %q, want %q", got, msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	select {
	case <-slow.send:
	default:
	}
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")

	if n := hub.ClientCount(); n != 1 {
		t.Fatalf("clients = %d, want 1", n)
	}
}

func TestHub_MaxClientsRejectsExtra(t *testing.T) {
	hub := NewHub(testLogger(), HubConfig{SendBuf: 2, BroadcastBuf: 2, MaxClients: 1})
	runTestHub(t, hub)

	first := newTestClient(hub, "first", 2)
	registerAndWait(t, hub, first)

	extra := newTestClient(hub, "extra", 2)
	hub.register <- extra
	waitUntil(t, 500*time.Millisecond, func() bool {
		select {
		case _, ok := <-extra.send:
			return !ok
		default:
			return false
		}
	}, "extra client not closed")

	if n := hub.ClientCount(); n != 1 {
		t.Fatalf("clients = %d, want 1", n)
	}
}

func TestHub_UnregisterAndShutdownCloseClients(t *testing.T) {
	hub := newTestHub(t, 2, 2)
	cancel := runTestHub(t, hub)

	leaving := newTestClient(hub, "leaving", 2)
	staying := newTestClient(hub, "staying", 2)
	registerAndWait(t, hub, leaving)
	registerAndWait(t, hub, staying)

	hub.unregister <- leaving
	waitUntil(t, 500*time.Millisecond, func() bool { return hub.ClientCount() == 1 }, "unregister not processed")

	// A second unregister of the same client is harmless.
	hub.unregister <- leaving

	cancel()
	waitUntil(t, 500*time.Millisecond, func() bool {
		select {
		case _, ok := <-staying.send:
			return !ok
		default:
			return false
		}
	}, "shutdown did not close remaining client")
}

func TestHub_BroadcastBytesNeverBlocks(t *testing.T) {
	hub := newTestHub(t, 1, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			hub.BroadcastBytes([]byte(`{}`))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("BroadcastBytes blocked on a full queue")
	}
	if hub.dropped != 9 {
		t.Fatalf("dropped = %d, want 9", hub.dropped)
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

func readEnvelope(t *testing.T, hub *Hub) map[string]any {
	t.Helper()
	select {
	case msg := <-hub.broadcast:
		var m map[string]any
		if err := json.Unmarshal(msg, &m); err != nil {
			t.Fatalf("bad frame %s: %v", msg, err)
		}
		return m
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for a broadcast frame")
		return nil
	}
}

func TestRunBroadcaster_CoalescesFrameRateTypes(t *testing.T) {
	hub := newTestHub(t, 4, 16)
	src := make(chan StateBroadcast, 8)
	src <- BroadcastNeedleChanged{AngleDeg: -110, TargetDeg: 0}
	src <- BroadcastNeedleChanged{AngleDeg: -90, TargetDeg: 0}
	src <- BroadcastNeedleChanged{AngleDeg: -70, TargetDeg: 0}
	src <- BroadcastStatusChanged{Status: statusConnected}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunBroadcaster(ctx, hub, src, testLogger())

	first := readEnvelope(t, hub)
	if first["type"] != wsTypeNeedleChanged {
		t.Fatalf("first frame = %v, want the pending needle frame", first)
	}
	if data := first["data"].(map[string]any); data["angle_deg"] != -70.0 {
		t.Fatalf("needle frame = %v, want latest angle", data)
	}

	second := readEnvelope(t, hub)
	if second["type"] != wsTypeStatusChanged {
		t.Fatalf("second frame = %v", second)
	}

	select {
	case msg := <-hub.broadcast:
		t.Fatalf("unexpected extra frame %s", msg)
	case <-time.After(2 * wsCoalesceWindow):
	}
}

func TestRunBroadcaster_FlushesAfterWindow(t *testing.T) {
	hub := newTestHub(t, 4, 16)
	src := make(chan StateBroadcast, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunBroadcaster(ctx, hub, src, testLogger())

	src <- BroadcastClockChanged{ElapsedMs: 1234.9}

	m := readEnvelope(t, hub)
	if m["type"] != wsTypeClockChanged {
		t.Fatalf("frame = %v", m)
	}
	if data := m["data"].(map[string]any); data["elapsed_ms"] != 1234.0 {
		t.Fatalf("elapsed = %v, want floored 1234", data["elapsed_ms"])
	}
	if _, ok := m["ts"]; !ok {
		t.Fatalf("frame has no ts: %v", m)
	}
}

func TestRunBroadcaster_FlushesOnSourceClose(t *testing.T) {
	hub := newTestHub(t, 4, 16)
	src := make(chan StateBroadcast, 8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		RunBroadcaster(context.Background(), hub, src, testLogger())
	}()

	src <- BroadcastNeedleChanged{AngleDeg: 12.5}
	close(src)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcaster did not stop")
	}
	if m := readEnvelope(t, hub); m["type"] != wsTypeNeedleChanged {
		t.Fatalf("frame = %v", m)
	}
}

func TestConvertBroadcast(t *testing.T) {
	tests := []struct {
		in   StateBroadcast
		want string
	}{
		{BroadcastMotionChanged{SpeedKmh: 1}, wsTypeMotionChanged},
		{BroadcastNeedleChanged{}, wsTypeNeedleChanged},
		{BroadcastClockChanged{}, wsTypeClockChanged},
		{BroadcastStatusChanged{}, wsTypeStatusChanged},
		{BroadcastRaceSaved{Record: RaceRecord{ID: "r"}}, wsTypeRaceSaved},
	}
	for _, tt := range tests {
		ev, ok := convertBroadcast(tt.in)
		if !ok || ev.Type != tt.want {
			t.Fatalf("convertBroadcast(%T) = %q, %v", tt.in, ev.Type, ok)
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// answerSnapshots plays the daemon loop for snapshot requests.
func answerSnapshots(ctx context.Context, events <-chan Event, snap StateSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if req, ok := ev.(RequestStateSnapshot); ok {
				req.Reply <- snap
			}
		}
	}
}

func TestStateWS_StateInitIsFirstMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 4)
	go answerSnapshots(ctx, events, StateSnapshot{
		SpeedKmh:            21.449,
		DistanceM:           100.004,
		ElapsedMs:           5000.7,
		AngleDeg:            0,
		Status:              statusConnected,
		Connected:           true,
		WheelCircumferenceM: 2.105,
		At:                  testEpoch,
	})

	srv := NewServer(testLogger(), events, ServerConfig{})
	go srv.Hub().Run(ctx)

	mux := http.NewServeMux()
	srv.Register(mux, "/ws/state")
	ts := httptest.NewServer(mux)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/state", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Type string            `json:"type"`
		Ts   time.Time         `json:"ts"`
		Data wsMessageSnapshot `json:"data"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != wsTypeStateInit {
		t.Fatalf("first message type = %q", env.Type)
	}
	if !env.Ts.Equal(testEpoch) {
		t.Fatalf("ts = %v", env.Ts)
	}
	want := wsMessageSnapshot{
		SpeedKmh:            21.4,
		DistanceM:           100,
		ElapsedMs:           5000,
		Status:              statusConnected,
		Connected:           true,
		WheelCircumferenceM: 2.105,
	}
	if env.Data != want {
		t.Fatalf("state_init = %+v, want %+v", env.Data, want)
	}

	// Registered clients then receive broadcasts.
	waitUntil(t, time.Second, func() bool { return srv.Hub().ClientCount() == 1 }, "client not registered")
	srv.Hub().BroadcastBytes([]byte(`{"type":"status_changed","data":{"status":"Reset"}}`))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if !strings.Contains(string(msg), statusReset) {
		t.Fatalf("broadcast = %s", msg)
	}
}

func TestStateWS_UnavailableWithoutDaemon(t *testing.T) {
	srv := NewServer(testLogger(), nil, ServerConfig{})
	rec := httptest.NewRecorder()
	srv.handleStateWS(rec, httptest.NewRequest(http.MethodGet, "/ws/state", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
