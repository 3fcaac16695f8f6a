package main

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ============================================================================
// velotach-ctl - Command-line client
// ============================================================================
// Sends control events to the velotach daemon over its IPC socket and reads
// the race archive over HTTP.
//
// Usage:
//   velotach-ctl connect [ble|serial|pipe]
//   velotach-ctl start-sim [step_m [period_ms [ceiling_m]]]
//   velotach-ctl races
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/velotach.sock)
//   -http URL       Daemon HTTP base URL (default: http://127.0.0.1:8088)
// ============================================================================

// Envelope and payloads (duplicated from the daemon for a standalone binary).
type eventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ipcResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

type runner struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type raceRecord struct {
	ID           string   `json:"id"`
	DateISO      string   `json:"dateIso"`
	FinishMeters float64  `json:"finishMeters"`
	Runner1      runner   `json:"runner1"`
	Runner2      runner   `json:"runner2"`
	Winner       any      `json:"winner"`
	Time1        *float64 `json:"time1"`
	Time2        *float64 `json:"time2"`
}

type liveState struct {
	SpeedKmh   float64 `json:"speed_kmh"`
	DistanceM  float64 `json:"distance_m"`
	ElapsedMs  float64 `json:"elapsed_ms"`
	AngleDeg   float64 `json:"angle_deg"`
	Status     string  `json:"status"`
	Connected  bool    `json:"connected"`
	Simulating bool    `json:"simulating"`
	WheelM     float64 `json:"wheel_circumference_m"`
}

func main() {
	socketPath := "/tmp/velotach.sock"
	httpBase := "http://127.0.0.1:8088"

	args := os.Args[1:]
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch strings.TrimLeft(args[0], "-") {
		case "socket":
			if len(args) < 2 {
				fail("-socket requires an argument")
			}
			socketPath = args[1]
			args = args[2:]
		case "http":
			if len(args) < 2 {
				fail("-http requires an argument")
			}
			httpBase = strings.TrimRight(args[1], "/")
			args = args[2:]
		case "h", "help":
			printUsage()
			return
		default:
			fail("unknown option: " + args[0])
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "connect":
		var data any
		if len(args) > 1 {
			data = map[string]string{"transport": args[1]}
		}
		err = send(socketPath, "connect", data)

	case "disconnect":
		err = send(socketPath, "disconnect", nil)

	case "start-sim", "sim":
		data := map[string]any{}
		if len(args) > 1 {
			data["step_m"] = mustFloat(args[1], "step_m")
		}
		if len(args) > 2 {
			data["period_ms"] = int(mustFloat(args[2], "period_ms"))
		}
		if len(args) > 3 {
			data["ceiling_m"] = mustFloat(args[3], "ceiling_m")
		}
		if len(data) == 0 {
			data = nil
		}
		err = send(socketPath, "start_sim", data)

	case "stop-sim":
		err = send(socketPath, "stop_sim", nil)

	case "stop-clock":
		err = send(socketPath, "stop_clock", nil)

	case "reset":
		err = send(socketPath, "reset", nil)

	case "wheel":
		if len(args) < 2 {
			fail("wheel requires a circumference in meters")
		}
		err = send(socketPath, "set_wheel_circumference", map[string]float64{"meters": mustFloat(args[1], "meters")})

	case "race-setup":
		if len(args) < 4 {
			fail("race-setup requires <name1> <name2> <finish_m>")
		}
		err = send(socketPath, "race_setup", map[string]any{
			"runner1":       runner{Name: args[1], Color: "#e53935"},
			"runner2":       runner{Name: args[2], Color: "#1e88e5"},
			"finish_meters": mustFloat(args[3], "finish_m"),
		})

	case "lap", "finish":
		if len(args) < 2 {
			fail(args[0] + " requires a runner (1 or 2)")
		}
		typ := "race_lap"
		if args[0] == "finish" {
			typ = "race_finish"
		}
		err = send(socketPath, typ, map[string]int{"runner": int(mustFloat(args[1], "runner"))})

	case "save":
		err = send(socketPath, "race_save", nil)

	case "state", "status":
		err = printState(socketPath)

	case "races":
		err = printRaces(httpBase)

	case "delete-race":
		if len(args) < 2 {
			fail("delete-race requires an id")
		}
		err = httpDelete(httpBase + "/api/races/" + args[1])

	case "clear-races":
		err = httpDelete(httpBase + "/api/races")

	case "help":
		printUsage()
		return

	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func fail(msg string) {
	fmt.Fprintf(os.Stderr, "error: %s\n", msg)
	os.Exit(1)
}

func mustFloat(s, name string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		fail(fmt.Sprintf("invalid %s: %v", name, err))
	}
	return v
}

func roundTrip(socketPath string, typ string, data any) (ipcResponse, error) {
	env := eventEnvelope{Type: typ}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return ipcResponse{}, fmt.Errorf("marshal %s: %w", typ, err)
		}
		env.Data = b
	}
	line, err := json.Marshal(env)
	if err != nil {
		return ipcResponse{}, fmt.Errorf("marshal envelope: %w", err)
	}

	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return ipcResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return ipcResponse{}, fmt.Errorf("send %s: %w", typ, err)
	}

	var resp ipcResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return ipcResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func send(socketPath, typ string, data any) error {
	if _, err := roundTrip(socketPath, typ, data); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func printState(socketPath string) error {
	resp, err := roundTrip(socketPath, "state", nil)
	if err != nil {
		return err
	}
	var st liveState
	if err := json.Unmarshal(resp.State, &st); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	elapsed := st.ElapsedMs
	fmt.Printf("status:    %s\n", st.Status)
	fmt.Printf("speed:     %.1f km/h\n", st.SpeedKmh)
	fmt.Printf("distance:  %s\n", humanize.SIWithDigits(st.DistanceM, 2, "m"))
	fmt.Printf("elapsed:   %s\n", formatTime(&elapsed))
	fmt.Printf("needle:    %.1f°\n", st.AngleDeg)
	fmt.Printf("sensor:    connected=%t simulating=%t wheel=%.3fm\n", st.Connected, st.Simulating, st.WheelM)
	return nil
}

func printRaces(base string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/api/races")
	if err != nil {
		return fmt.Errorf("get races: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get races: %s", resp.Status)
	}

	var races []raceRecord
	if err := json.NewDecoder(resp.Body).Decode(&races); err != nil {
		return fmt.Errorf("decode races: %w", err)
	}
	if len(races) == 0 {
		fmt.Println("no races saved")
		return nil
	}

	for _, r := range races {
		when := r.DateISO
		if t, err := time.Parse(time.RFC3339Nano, r.DateISO); err == nil {
			when = humanize.Time(t)
		}
		fmt.Printf("%s  %s  %s\n", r.ID, when, humanize.SIWithDigits(r.FinishMeters, 2, "m"))
		fmt.Printf("    %-16s %s\n", r.Runner1.Name, formatTime(r.Time1))
		fmt.Printf("    %-16s %s\n", r.Runner2.Name, formatTime(r.Time2))
		fmt.Printf("    winner: %s\n", winnerName(r))
	}
	return nil
}

func winnerName(r raceRecord) string {
	switch w := r.Winner.(type) {
	case float64:
		if w == 1 {
			return r.Runner1.Name
		}
		if w == 2 {
			return r.Runner2.Name
		}
	case string:
		return w
	}
	return fmt.Sprint(r.Winner)
}

func httpDelete(url string) error {
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete: %s", resp.Status)
	}
	fmt.Println("ok")
	return nil
}

// formatTime matches the daemon's race time rendering.
func formatTime(ms *float64) string {
	if ms == nil || math.IsNaN(*ms) {
		return "—"
	}
	v := math.Max(*ms, 0)
	totalSec := int64(v / 1000)
	if m := totalSec / 60; m > 0 {
		return fmt.Sprintf("%d min %d sec", m, totalSec%60)
	}
	return fmt.Sprintf("%d.%03d sec", totalSec, int64(math.Mod(v, 1000)))
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `velotach-ctl - Control the velotach daemon

Usage:
  velotach-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/velotach.sock)
  -http URL       Daemon HTTP base URL (default: http://127.0.0.1:8088)

Commands:
  connect [transport]                 Pair with the sensor (ble, serial, pipe)
  disconnect                          Drop the sensor link
  start-sim [step_m [period_ms [ceiling_m]]]
                                      Start the simulator
  stop-sim                            Stop the simulator
  stop-clock                          Freeze the race clock
  reset                               Zero speed, distance, needle and clock
  wheel <meters>                      Set the wheel circumference
  race-setup <name1> <name2> <finish_m>
                                      Name the runners and the finish distance
  lap <1|2>                           Capture a split for a runner
  finish <1|2>                        Capture a runner's finish time
  save                                Save the race to the archive
  state                               Print the live state
  races                               List saved races
  delete-race <id>                    Delete one race
  clear-races                         Delete every race

Examples:
  velotach-ctl connect
  velotach-ctl start-sim 40 1000 1000
  velotach-ctl -http http://tach.local:8088 races
`)
}
