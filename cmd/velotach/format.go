package main

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// formatTime renders a race time in milliseconds: "M min S sec" from one minute
// up, "S.mmm sec" below, and "—" when there is no time.
func formatTime(ms *float64) string {
	if ms == nil || math.IsNaN(*ms) {
		return "—"
	}
	v := *ms
	if v < 0 {
		v = 0
	}
	totalSec := int64(math.Floor(v / 1000))
	minutes := totalSec / 60
	seconds := totalSec % 60
	millis := int64(math.Floor(math.Mod(v, 1000)))

	if minutes > 0 {
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	}
	return fmt.Sprintf("%d.%03d sec", seconds, millis)
}

// formatDistance renders meters with an SI prefix, e.g. "1.25 km".
func formatDistance(m float64) string {
	return humanize.SIWithDigits(m, 2, "m")
}
