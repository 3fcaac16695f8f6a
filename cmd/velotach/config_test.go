package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "velotach.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfigFile_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
sensor:
  transport: serial
  wheel_circumference_m: 2.2
  serial:
    port: /dev/ttyUSB0
needle:
  ease_factor: 0.2
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sensor.Transport != transportSerial || cfg.Sensor.WheelCircumferenceM != 2.2 {
		t.Fatalf("sensor = %+v", cfg.Sensor)
	}
	if cfg.Sensor.Serial.Port != "/dev/ttyUSB0" || cfg.Sensor.Serial.BaudRate != defaultSerialBaudRate {
		t.Fatalf("serial = %+v", cfg.Sensor.Serial)
	}
	if cfg.Needle.EaseFactor != 0.2 || cfg.Needle.WindowM != defaultNeedleWindowM {
		t.Fatalf("needle = %+v", cfg.Needle)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadConfigFile_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "sensor:\n  wheel_circumfrence_m: 2.1\n")
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatalf("expected error for a misspelled field")
	}
}

func TestLoadConfigFile_RejectsTrailingDocument(t *testing.T) {
	path := writeConfig(t, "http:\n  port: 9000\n---\nhttp:\n  port: 9001\n")
	_, err := LoadConfigFile(path)
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("err = %v, want trailing document error", err)
	}
}

func TestLoadConfigFile_RejectsTrailingDocumentWithUnknownFields(t *testing.T) {
	path := writeConfig(t, "http:\n  port: 9000\n---\nnot_a_section: true\n")
	_, err := LoadConfigFile(path)
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("err = %v, want trailing document error", err)
	}
}

func TestLoadConfigFile_AllowsTrailingComments(t *testing.T) {
	path := writeConfig(t, "http:\n  port: 9000\n# local overrides go below\n\n")
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9000 {
		t.Fatalf("http.port = %d", cfg.HTTP.Port)
	}
}

func TestLoadConfigFile_Missing(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for a missing file")
	}
	if _, err := LoadConfigFile(""); err == nil {
		t.Fatalf("expected error for an empty path")
	}
}

func TestFlagOverrides_Apply(t *testing.T) {
	cfg := DefaultConfig()
	transport := transportPipe
	pipe := "/run/velotach/csc"
	stale := 0
	port := 0

	FlagOverrides{
		Transport:      &transport,
		PipePath:       &pipe,
		StaleTimeoutMS: &stale,
		HTTPPort:       &port,
	}.Apply(&cfg)

	if cfg.Sensor.Transport != transportPipe {
		t.Fatalf("transport = %q", cfg.Sensor.Transport)
	}
	if len(cfg.Sensor.Pipe.Paths) != 1 || cfg.Sensor.Pipe.Paths[0] != pipe {
		t.Fatalf("pipe paths = %v", cfg.Sensor.Pipe.Paths)
	}
	if cfg.Sensor.StaleTimeoutMS != 0 || cfg.HTTP.Port != 0 {
		t.Fatalf("zero overrides not applied: stale=%d port=%d", cfg.Sensor.StaleTimeoutMS, cfg.HTTP.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"transport", func(c *Config) { c.Sensor.Transport = "usb" }},
		{"wheel", func(c *Config) { c.Sensor.WheelCircumferenceM = 0 }},
		{"stale", func(c *Config) { c.Sensor.StaleTimeoutMS = -1 }},
		{"ble prefix", func(c *Config) { c.Sensor.BLE.NamePrefix = "" }},
		{"pipe paths", func(c *Config) { c.Sensor.Transport = transportPipe }},
		{"needle bounds", func(c *Config) { c.Needle.MinDeg = 130 }},
		{"ease", func(c *Config) { c.Needle.EaseFactor = 1 }},
		{"frame hz", func(c *Config) { c.Needle.FrameHz = 0 }},
		{"speed mode", func(c *Config) { c.Simulation.SpeedMode = "random" }},
		{"http port", func(c *Config) { c.HTTP.Port = 70000 }},
		{"mqtt qos", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidate_BLEAcceptAllAllowsEmptyPrefix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sensor.BLE.NamePrefix = ""
	cfg.Sensor.BLE.AcceptAll = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestToProcessorConfig(t *testing.T) {
	cfg := DefaultConfig()
	pc := cfg.ToProcessorConfig()

	if pc.StaleTimeout != 3*time.Second {
		t.Fatalf("stale timeout = %v", pc.StaleTimeout)
	}
	if pc.Needle.FramePeriod != time.Second/60 {
		t.Fatalf("frame period = %v", pc.Needle.FramePeriod)
	}
	if pc.Simulation.Period != time.Second || pc.Simulation.CeilingM != 10000 {
		t.Fatalf("simulation = %+v", pc.Simulation)
	}
	if pc.Transport != transportBLE {
		t.Fatalf("transport = %q", pc.Transport)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := map[string]string{
		"":              "",
		"/abs/path":     "/abs/path",
		"~":             home,
		"~/races.db":    filepath.Join(home, "races.db"),
		"~other/x":      "~other/x",
		"relative/path": "relative/path",
	}
	for in, want := range tests {
		if got := ExpandPath(in); got != want {
			t.Fatalf("ExpandPath(%q) = %q, want %q", in, got, want)
		}
	}
}
