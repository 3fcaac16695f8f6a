package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// Lap is one split captured during a race.
type Lap struct {
	AtMeters float64 `json:"atMeters"`
	AtMs     float64 `json:"atMs"`
}

// Runner describes one of the two race participants.
type Runner struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Winner is 1, 2 or a tie. On the wire it is the number 1 or 2, or the string "tie".
type Winner int

const (
	WinnerTie     Winner = 0
	WinnerRunner1 Winner = 1
	WinnerRunner2 Winner = 2
)

func (w Winner) MarshalJSON() ([]byte, error) {
	switch w {
	case WinnerRunner1, WinnerRunner2:
		return json.Marshal(int(w))
	default:
		return []byte(`"tie"`), nil
	}
}

func (w *Winner) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		if n != 1 && n != 2 {
			return fmt.Errorf("winner: invalid runner %d", n)
		}
		*w = Winner(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("winner: %w", err)
	}
	if s != "tie" {
		return fmt.Errorf("winner: invalid value %q", s)
	}
	*w = WinnerTie
	return nil
}

func (w Winner) String() string {
	switch w {
	case WinnerRunner1:
		return "runner 1"
	case WinnerRunner2:
		return "runner 2"
	default:
		return "tie"
	}
}

// RaceRecord is the persisted summary of a finished race. It is immutable once
// created.
type RaceRecord struct {
	ID           string   `json:"id"`
	DateISO      string   `json:"dateIso"`
	FinishMeters float64  `json:"finishMeters"`
	Runner1      Runner   `json:"runner1"`
	Runner2      Runner   `json:"runner2"`
	Winner       Winner   `json:"winner"`
	Time1        *float64 `json:"time1"`
	Time2        *float64 `json:"time2"`
	Laps1        []Lap    `json:"laps1"`
	Laps2        []Lap    `json:"laps2"`
}

// decideWinner picks the faster finisher. A runner without a time loses to one
// with a time; two missing or equal times are a tie.
func decideWinner(t1, t2 *float64) Winner {
	switch {
	case t1 == nil && t2 == nil:
		return WinnerTie
	case t2 == nil:
		return WinnerRunner1
	case t1 == nil:
		return WinnerRunner2
	case *t1 < *t2:
		return WinnerRunner1
	case *t2 < *t1:
		return WinnerRunner2
	default:
		return WinnerTie
	}
}

// raceRecorder accumulates laps and finish times for the race in progress.
// It lives in the Session and is only touched by the daemon goroutine.
type raceRecorder struct {
	runners      [2]Runner
	finishMeters float64
	laps         [2][]Lap
	times        [2]*float64
}

func newRaceRecorder() *raceRecorder {
	r := &raceRecorder{}
	r.Setup(Runner{Name: "Runner 1", Color: "#e53935"}, Runner{Name: "Runner 2", Color: "#1e88e5"}, 0)
	return r
}

// Setup names the runners and the finish distance and clears captured data.
func (r *raceRecorder) Setup(r1, r2 Runner, finishMeters float64) {
	r.runners = [2]Runner{r1, r2}
	if finishMeters < 0 {
		finishMeters = 0
	}
	r.finishMeters = finishMeters
	r.Clear()
}

// Clear drops captured laps and times but keeps the runners.
func (r *raceRecorder) Clear() {
	r.laps = [2][]Lap{}
	r.times = [2]*float64{}
}

func runnerIndex(runner int) (int, error) {
	if runner != 1 && runner != 2 {
		return 0, fmt.Errorf("runner must be 1 or 2, got %d", runner)
	}
	return runner - 1, nil
}

// Lap records a split for runner at the given distance/elapsed time.
func (r *raceRecorder) Lap(runner int, atMeters, atMs float64) error {
	i, err := runnerIndex(runner)
	if err != nil {
		return err
	}
	r.laps[i] = append(r.laps[i], Lap{AtMeters: atMeters, AtMs: atMs})
	return nil
}

// Finish records runner's finish time. A later finish overwrites an earlier one.
func (r *raceRecorder) Finish(runner int, atMs float64) error {
	i, err := runnerIndex(runner)
	if err != nil {
		return err
	}
	t := atMs
	r.times[i] = &t
	return nil
}

// Finished reports whether both runners have a finish time.
func (r *raceRecorder) Finished() bool {
	return r.times[0] != nil && r.times[1] != nil
}

// HasTimes reports whether at least one runner has a finish time.
func (r *raceRecorder) HasTimes() bool {
	return r.times[0] != nil || r.times[1] != nil
}

// Build produces an immutable record of the race so far.
func (r *raceRecorder) Build(id string, at time.Time) RaceRecord {
	copyLaps := func(in []Lap) []Lap {
		out := make([]Lap, len(in))
		copy(out, in)
		return out
	}
	copyTime := func(t *float64) *float64 {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}

	return RaceRecord{
		ID:           id,
		DateISO:      at.UTC().Format(time.RFC3339Nano),
		FinishMeters: r.finishMeters,
		Runner1:      r.runners[0],
		Runner2:      r.runners[1],
		Winner:       decideWinner(r.times[0], r.times[1]),
		Time1:        copyTime(r.times[0]),
		Time2:        copyTime(r.times[1]),
		Laps1:        copyLaps(r.laps[0]),
		Laps2:        copyLaps(r.laps[1]),
	}
}
