package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// velotach-watch prints the daemon's /ws/state feed.
//
// By default needle and clock frames are summarized on one line per -every;
// -raw prints every message as received.

type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type display struct {
	mu        sync.Mutex
	speedKmh  float64
	distanceM float64
	elapsedMs float64
	angleDeg  float64
	status    string
	dirty     bool
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:8088/ws/state", "velotach state websocket URL")
		raw   = flag.Bool("raw", false, "Print every message as received")
		every = flag.Duration("every", 500*time.Millisecond, "Summary line interval")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("connected (press Ctrl+C to exit)")

	var disp display

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			disp.handle(message)
		}
	}()

	var tick <-chan time.Time
	if !*raw {
		t := time.NewTicker(*every)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-sigc:
			log.Printf("shutting down...")
			err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Printf("error closing connection: %v", err)
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		case <-tick:
			disp.printIfDirty()
		case <-done:
			log.Printf("connection closed")
			return
		}
	}
}

func (d *display) handle(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch env.Type {
	case "state_init":
		var s struct {
			SpeedKmh  float64 `json:"speed_kmh"`
			DistanceM float64 `json:"distance_m"`
			ElapsedMs float64 `json:"elapsed_ms"`
			AngleDeg  float64 `json:"angle_deg"`
			Status    string  `json:"status"`
		}
		if json.Unmarshal(env.Data, &s) == nil {
			d.speedKmh, d.distanceM, d.elapsedMs, d.angleDeg, d.status = s.SpeedKmh, s.DistanceM, s.ElapsedMs, s.AngleDeg, s.Status
			fmt.Printf("[INIT] status=%q\n", s.Status)
			d.dirty = true
		}

	case "motion_changed":
		var m struct {
			SpeedKmh  float64 `json:"speed_kmh"`
			DistanceM float64 `json:"distance_m"`
		}
		if json.Unmarshal(env.Data, &m) == nil {
			d.speedKmh, d.distanceM = m.SpeedKmh, m.DistanceM
			d.dirty = true
		}

	case "needle_changed":
		var n struct {
			AngleDeg float64 `json:"angle_deg"`
		}
		if json.Unmarshal(env.Data, &n) == nil {
			d.angleDeg = n.AngleDeg
			d.dirty = true
		}

	case "clock_changed":
		var c struct {
			ElapsedMs float64 `json:"elapsed_ms"`
		}
		if json.Unmarshal(env.Data, &c) == nil {
			d.elapsedMs = c.ElapsedMs
			d.dirty = true
		}

	case "status_changed":
		var s struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(env.Data, &s) == nil {
			d.status = s.Status
			fmt.Printf("[STATUS] %s\n", s.Status)
		}

	case "race_saved":
		var r struct {
			ID     string `json:"id"`
			Winner any    `json:"winner"`
		}
		if json.Unmarshal(env.Data, &r) == nil {
			fmt.Printf("[RACE] saved id=%s winner=%v\n", r.ID, r.Winner)
		}

	default:
		pretty, _ := json.MarshalIndent(env, "", "  ")
		fmt.Printf("[UNKNOWN]\n%s\n", string(pretty))
	}
}

func (d *display) printIfDirty() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty {
		return
	}
	d.dirty = false
	sec := d.elapsedMs / 1000
	fmt.Printf("[LIVE] %6.1f km/h  %9.2f m  %7.1f s  needle %7.2f°\n", d.speedKmh, d.distanceM, sec, d.angleDeg)
}
