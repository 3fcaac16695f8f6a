package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// The display feed. Session state stays on the daemon goroutine; clients only
// ever see the Processor's broadcasts and snapshots taken through the event loop.
//
//   - Messages are JSON text frames with an envelope: {type, ts, data}.
//   - The first message on connect is "state_init" with a StateSnapshot.
//   - needle_changed and clock_changed arrive at frame rate and are coalesced
//     (latest-wins per type) before fan-out.
//   - Slow clients are disconnected when their send buffer fills.
//
// ============================================================================

// WS message types.
const (
	wsTypeStateInit     = "state_init"
	wsTypeMotionChanged = "motion_changed"
	wsTypeNeedleChanged = "needle_changed"
	wsTypeClockChanged  = "clock_changed"
	wsTypeStatusChanged = "status_changed"
	wsTypeRaceSaved     = "race_saved"
)

// wsMessageSnapshot is the JSON `data` payload for "state_init".
type wsMessageSnapshot struct {
	SpeedKmh            float64 `json:"speed_kmh"`
	DistanceM           float64 `json:"distance_m"`
	ElapsedMs           float64 `json:"elapsed_ms"`
	AngleDeg            float64 `json:"angle_deg"`
	TargetDeg           float64 `json:"target_deg"`
	Status              string  `json:"status"`
	Connected           bool    `json:"connected"`
	Simulating          bool    `json:"simulating"`
	WheelCircumferenceM float64 `json:"wheel_circumference_m"`
}

func newWSMessageSnapshot(snap StateSnapshot) wsMessageSnapshot {
	return wsMessageSnapshot{
		SpeedKmh:            roundTo(snap.SpeedKmh, broadcastSpeedPrecision),
		DistanceM:           roundTo(snap.DistanceM, broadcastDistancePrecision),
		ElapsedMs:           math.Floor(snap.ElapsedMs),
		AngleDeg:            roundTo(snap.AngleDeg, broadcastAnglePrecision),
		TargetDeg:           roundTo(snap.TargetDeg, broadcastAnglePrecision),
		Status:              snap.Status,
		Connected:           snap.Connected,
		Simulating:          snap.Simulating,
		WheelCircumferenceM: snap.WheelCircumferenceM,
	}
}

type wsMotionChangedData struct {
	SpeedKmh  float64 `json:"speed_kmh"`
	DistanceM float64 `json:"distance_m"`
}

type wsNeedleChangedData struct {
	AngleDeg  float64 `json:"angle_deg"`
	TargetDeg float64 `json:"target_deg"`
}

type wsClockChangedData struct {
	ElapsedMs float64 `json:"elapsed_ms"`
}

type wsStatusChangedData struct {
	Status string `json:"status"`
}

// wsOutboundEvent is a pre-typed, externally-consumable state event.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // optional timestamp; zero means "omit" or use now
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string      `json:"type"`
	Ts   *time.Time  `json:"ts,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// ============================================================================
// Hub
// ============================================================================

// Hub tracks display clients and fans serialized frames out to them.
type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf    int
	maxClients int

	// dropped counts frames lost to a full broadcast queue since the last
	// warning; accessed only from BroadcastBytes callers (the broadcaster).
	dropped int
}

// HubConfig sizes the hub. Zero values pick defaults.
type HubConfig struct {
	SendBuf      int // per-client outbound queue
	BroadcastBuf int // hub inbound queue
	MaxClients   int // 0 means unlimited
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 64
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 256
	}
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		clients:    make(map[*Client]struct{}),
		sendBuf:    cfg.SendBuf,
		maxClients: cfg.MaxClients,
	}
}

// Run processes hub events until ctx is canceled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAll()
			return

		case c := <-h.register:
			h.add(c)

		case c := <-h.unregister:
			h.remove(c, "unregister")

		case msg := <-h.broadcast:
			for _, c := range h.deliver(msg) {
				h.remove(c, "slow_client")
			}
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	full := h.maxClients > 0 && len(h.clients) >= h.maxClients
	if !full {
		h.clients[c] = struct{}{}
	}
	n := len(h.clients)
	h.mu.Unlock()

	if full {
		h.logger.Warn("ws client rejected (hub full)", "remote_addr", c.remoteAddr, "clients", n)
		c.close()
		return
	}
	h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)
}

// deliver queues msg on every client and returns the ones whose queue is full.
func (h *Hub) deliver(msg []byte) []*Client {
	var slow []*Client
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	return slow
}

func (h *Hub) remove(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastBytes enqueues a serialized frame for every client. It never blocks;
// frames are dropped while the hub queue is full.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
		if h.dropped > 0 {
			h.logger.Warn("ws hub broadcast queue recovered", "dropped", h.dropped)
			h.dropped = 0
		}
	default:
		if h.dropped == 0 {
			h.logger.Warn("ws hub broadcast queue full, dropping messages")
		}
		h.dropped++
	}
}

// ============================================================================
// Client
// ============================================================================

// Client is one display connection.
type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 64
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// close drops the connection and ends writePump. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
	})
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsCoalesceWindow bounds how often frame-rate updates reach clients.
const wsCoalesceWindow = 50 * time.Millisecond

// wsCoalesced lists the message types that are coalesced, in flush order.
var wsCoalesced = []string{wsTypeNeedleChanged, wsTypeClockChanged}

func isCoalesced(typ string) bool {
	for _, t := range wsCoalesced {
		if t == typ {
			return true
		}
	}
	return false
}

// closeStatus extracts the websocket close code and text when present.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump drains the send queue and keeps the link alive with pings.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards inbound messages; its only job is noticing the client leave.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for ctx.Err() == nil {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			break
		}
	}
	if c.hub != nil {
		c.hub.unregister <- c
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// Server serves the state feed at /ws/state.
type Server struct {
	logger *slog.Logger

	hub *Hub

	// Snapshots for state_init are requested through the daemon loop.
	events chan<- Event
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer builds the state feed. Register it on a mux, then start hub.Run(ctx)
// and RunBroadcaster.
func NewServer(logger *slog.Logger, events chan<- Event, cfg ServerConfig) *Server {
	hub := NewHub(logger, cfg.Hub)
	return &Server{
		logger: logger,
		hub:    hub,
		events: events,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	// Display clients are served from anywhere on the local network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// snapshotWait bounds the state_init round-trip through the daemon loop.
const snapshotWait = time.Second

// requestSnapshot asks the daemon loop for a StateSnapshot.
func (s *Server) requestSnapshot(ctx context.Context) (StateSnapshot, error) {
	reply := make(chan StateSnapshot, 1)

	select {
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	case s.events <- RequestStateSnapshot{Reply: reply}:
	}

	waitCtx, cancel := context.WithTimeout(ctx, snapshotWait)
	defer cancel()

	select {
	case <-waitCtx.Done():
		return StateSnapshot{}, waitCtx.Err()
	case snap := <-reply:
		return snap, nil
	}
}

// handleStateWS upgrades the connection, queues state_init and only then
// registers the client, so state_init is always its first message.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "state feed unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	snap, err := s.requestSnapshot(r.Context())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "remote_addr", r.RemoteAddr, "error", err)
		}
		_ = conn.Close()
		return
	}

	ts := snap.At.UTC()
	if snap.At.IsZero() {
		ts = time.Now().UTC()
	}
	initMsg, err := json.Marshal(envelope{
		Type: wsTypeStateInit,
		Ts:   &ts,
		Data: newWSMessageSnapshot(snap),
	})
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
		_ = conn.Close()
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)
	client.send <- initMsg
	s.hub.register <- client

	// The pumps outlive the handler: net/http cancels r.Context() on return.
	go client.writePump(context.Background())
	go client.readPump(context.Background())
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster reads Processor broadcasts, marshals them and fans them out to
// all hub clients. Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	// Latest pending event per coalesced type. Flushed at most once every
	// wsCoalesceWindow while updates keep arriving (no debounce-on-silence).
	pending := make(map[string]wsOutboundEvent, len(wsCoalesced))
	var timer *time.Timer
	var timerCh <-chan time.Time

	send := func(ev wsOutboundEvent) {
		ts := ev.At.UTC()
		if ev.At.IsZero() {
			ts = time.Now().UTC()
		}
		msg, err := json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flushPending := func() {
		for _, typ := range wsCoalesced {
			if ev, ok := pending[typ]; ok {
				delete(pending, typ)
				send(ev)
			}
		}
	}

	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	startTimer := func() {
		if timer != nil {
			return
		}
		timer = time.NewTimer(wsCoalesceWindow)
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			flushPending()
			stopTimer()
			return

		case <-timerCh:
			timer = nil
			timerCh = nil
			if len(pending) > 0 {
				flushPending()
				// Keep the window running while frames keep coming.
				startTimer()
			}

		case b, ok := <-src:
			if !ok {
				flushPending()
				stopTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}

			if isCoalesced(ev.Type) {
				pending[ev.Type] = ev
				startTimer()
				continue
			}

			// Keep ordering: anything coalesced so far goes out first.
			flushPending()
			send(ev)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastMotionChanged:
		return wsOutboundEvent{
			Type: wsTypeMotionChanged,
			Data: wsMotionChangedData{SpeedKmh: ev.SpeedKmh, DistanceM: ev.DistanceM},
			At:   ev.At,
		}, true

	case BroadcastNeedleChanged:
		return wsOutboundEvent{
			Type: wsTypeNeedleChanged,
			Data: wsNeedleChangedData{AngleDeg: ev.AngleDeg, TargetDeg: ev.TargetDeg},
			At:   ev.At,
		}, true

	case BroadcastClockChanged:
		return wsOutboundEvent{
			Type: wsTypeClockChanged,
			Data: wsClockChangedData{ElapsedMs: math.Floor(ev.ElapsedMs)},
			At:   ev.At,
		}, true

	case BroadcastStatusChanged:
		return wsOutboundEvent{
			Type: wsTypeStatusChanged,
			Data: wsStatusChangedData{Status: ev.Status},
			At:   ev.At,
		}, true

	case BroadcastRaceSaved:
		return wsOutboundEvent{
			Type: wsTypeRaceSaved,
			Data: ev.Record,
			At:   ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
