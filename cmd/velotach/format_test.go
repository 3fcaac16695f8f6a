package main

import (
	"log/slog"
	"math"
	"strings"
	"testing"
)

func TestFormatTime(t *testing.T) {
	tests := []struct {
		in   *float64
		want string
	}{
		{nil, "—"},
		{ptr(math.NaN()), "—"},
		{ptr(0), "0.000 sec"},
		{ptr(5250), "5.250 sec"},
		{ptr(59999.9), "59.999 sec"},
		{ptr(60000), "1 min 0 sec"},
		{ptr(65000), "1 min 5 sec"},
		{ptr(3725500), "62 min 5 sec"},
		{ptr(-10), "0.000 sec"},
	}
	for _, tt := range tests {
		if got := formatTime(tt.in); got != tt.want {
			t.Fatalf("formatTime(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDistance(t *testing.T) {
	tests := map[float64]string{
		250:  "250 m",
		1250: "1.25 km",
	}
	for in, want := range tests {
		if got := formatDistance(in); got != want {
			t.Fatalf("formatDistance(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		lvl, err := parseLogLevel(in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q): %v", in, err)
		}
		if lvl.slogLevel() != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", in, lvl.slogLevel(), want)
		}
	}
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for an unknown level")
	}
}

func TestSetupLoggerFiltersByLevel(t *testing.T) {
	var buf strings.Builder
	logger := setupLogger(LogLevelWarn, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") || !strings.Contains(out, "k=v") {
		t.Fatalf("output = %q", out)
	}
}
