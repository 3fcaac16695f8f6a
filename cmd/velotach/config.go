package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the velotach daemon.
//
// Defaults and validation live here so the rest of the code can assume a
// well-formed config. Flags override individual values (see FlagOverrides).
type Config struct {
	Sensor     SensorConfig         `yaml:"sensor"`
	Needle     NeedleFileConfig     `yaml:"needle"`
	Clock      ClockConfig          `yaml:"clock"`
	Simulation SimulationFileConfig `yaml:"simulation"`
	IPC        IPCConfig            `yaml:"ipc"`
	HTTP       HTTPConfig           `yaml:"http"`
	Storage    StorageConfig        `yaml:"storage"`
	MQTT       MQTTConfig           `yaml:"mqtt"`
	Logging    LoggingConfig        `yaml:"logging"`
}

type SensorConfig struct {
	// Transport is one of "ble", "serial", "pipe".
	Transport           string  `yaml:"transport"`
	WheelCircumferenceM float64 `yaml:"wheel_circumference_m"`

	// StaleTimeoutMS drops the speed to zero after this long without a new
	// revolution. 0 keeps the last speed.
	StaleTimeoutMS int `yaml:"stale_timeout_ms"`

	// AutoConnect issues a connect on startup.
	AutoConnect bool `yaml:"auto_connect"`

	BLE    BLEConfig    `yaml:"ble"`
	Serial SerialConfig `yaml:"serial"`
	Pipe   PipeConfig   `yaml:"pipe"`
}

type BLEConfig struct {
	NamePrefix    string `yaml:"name_prefix"`
	AcceptAll     bool   `yaml:"accept_all"`
	ScanTimeoutMS int    `yaml:"scan_timeout_ms"`
}

type SerialConfig struct {
	// Port is the device path; empty picks the first port the OS reports.
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

type PipeConfig struct {
	Paths []string `yaml:"paths"`
}

type NeedleFileConfig struct {
	WindowM    float64 `yaml:"window_m"`
	MinDeg     float64 `yaml:"min_deg"`
	MaxDeg     float64 `yaml:"max_deg"`
	EaseFactor float64 `yaml:"ease_factor"`
	SnapDeg    float64 `yaml:"snap_deg"`
	FrameHz    int     `yaml:"frame_hz"`
}

type ClockConfig struct {
	SamplePeriodMS int `yaml:"sample_period_ms"`
}

type SimulationFileConfig struct {
	StepM     float64 `yaml:"step_m"`
	PeriodMS  int     `yaml:"period_ms"`
	CeilingM  float64 `yaml:"ceiling_m"`
	SpeedMode string  `yaml:"speed_mode"` // "constant" or "oscillating"
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	// Port serves /ws/state and /api/races. 0 disables the HTTP server.
	Port int `yaml:"port"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"`
	ClientID   string `yaml:"client_id"`
	Topic      string `yaml:"topic"`
	QoS        int    `yaml:"qos"`
	IntervalMS int    `yaml:"interval_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Sensor: SensorConfig{
			Transport:           transportBLE,
			WheelCircumferenceM: defaultWheelCircumferenceM,
			StaleTimeoutMS:      defaultStaleTimeoutMS,
			BLE: BLEConfig{
				NamePrefix:    defaultBLENamePrefix,
				ScanTimeoutMS: defaultBLEScanTimeoutMS,
			},
			Serial: SerialConfig{
				BaudRate: defaultSerialBaudRate,
			},
		},
		Needle: NeedleFileConfig{
			WindowM:    defaultNeedleWindowM,
			MinDeg:     defaultNeedleMinDeg,
			MaxDeg:     defaultNeedleMaxDeg,
			EaseFactor: defaultNeedleEaseFactor,
			SnapDeg:    defaultNeedleSnapDeg,
			FrameHz:    defaultNeedleFrameHz,
		},
		Clock: ClockConfig{
			SamplePeriodMS: int(defaultClockSamplePeriod / time.Millisecond),
		},
		Simulation: SimulationFileConfig{
			StepM:     defaultSimStepM,
			PeriodMS:  int(defaultSimPeriod / time.Millisecond),
			CeilingM:  defaultSimCeilingM,
			SpeedMode: string(SimSpeedConstant),
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/velotach.sock",
		},
		HTTP: HTTPConfig{
			Port: 8088,
		},
		Storage: StorageConfig{
			Path: "~/.local/share/velotach/races.db",
		},
		MQTT: MQTTConfig{
			Enabled:    false,
			Broker:     "tcp://127.0.0.1:1883",
			ClientID:   "velotach",
			Topic:      "velotach/state",
			IntervalMS: 1000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document. Decode into a
	// Node so KnownFields does not turn a second document into a field error.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds flag values that override the config file. A nil pointer
// means "flag not set".
type FlagOverrides struct {
	Transport           *string
	WheelCircumferenceM *float64
	StaleTimeoutMS      *int
	AutoConnect         *bool
	BLENamePrefix       *string
	BLEAcceptAll        *bool
	SerialPort          *string
	PipePath            *string

	NeedleEaseFactor *float64
	SimCeilingM      *float64
	SimSpeedMode     *string

	IPCSocketPath *string
	HTTPPort      *int
	StoragePath   *string

	MQTTEnabled *bool
	MQTTBroker  *string

	LogLevel *string
}

// Apply merges the overrides into cfg. A non-nil pointer is applied even if it
// holds a zero value.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Transport != nil {
		cfg.Sensor.Transport = *o.Transport
	}
	if o.WheelCircumferenceM != nil {
		cfg.Sensor.WheelCircumferenceM = *o.WheelCircumferenceM
	}
	if o.StaleTimeoutMS != nil {
		cfg.Sensor.StaleTimeoutMS = *o.StaleTimeoutMS
	}
	if o.AutoConnect != nil {
		cfg.Sensor.AutoConnect = *o.AutoConnect
	}
	if o.BLENamePrefix != nil {
		cfg.Sensor.BLE.NamePrefix = *o.BLENamePrefix
	}
	if o.BLEAcceptAll != nil {
		cfg.Sensor.BLE.AcceptAll = *o.BLEAcceptAll
	}
	if o.SerialPort != nil {
		cfg.Sensor.Serial.Port = *o.SerialPort
	}
	if o.PipePath != nil {
		cfg.Sensor.Pipe.Paths = []string{*o.PipePath}
	}

	if o.NeedleEaseFactor != nil {
		cfg.Needle.EaseFactor = *o.NeedleEaseFactor
	}
	if o.SimCeilingM != nil {
		cfg.Simulation.CeilingM = *o.SimCeilingM
	}
	if o.SimSpeedMode != nil {
		cfg.Simulation.SpeedMode = *o.SimSpeedMode
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.StoragePath != nil {
		cfg.Storage.Path = *o.StoragePath
	}

	if o.MQTTEnabled != nil {
		cfg.MQTT.Enabled = *o.MQTTEnabled
	}
	if o.MQTTBroker != nil {
		cfg.MQTT.Broker = *o.MQTTBroker
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Sensor
	switch c.Sensor.Transport {
	case transportBLE, transportSerial, transportPipe:
	default:
		return fmt.Errorf("sensor.transport must be %q, %q or %q", transportBLE, transportSerial, transportPipe)
	}
	if c.Sensor.WheelCircumferenceM <= 0 {
		return errors.New("sensor.wheel_circumference_m must be > 0")
	}
	if c.Sensor.StaleTimeoutMS < 0 {
		return errors.New("sensor.stale_timeout_ms must be >= 0")
	}
	if c.Sensor.Transport == transportBLE && !c.Sensor.BLE.AcceptAll && c.Sensor.BLE.NamePrefix == "" {
		return errors.New("sensor.ble.name_prefix must not be empty unless sensor.ble.accept_all is set")
	}
	if c.Sensor.BLE.ScanTimeoutMS < 0 {
		return errors.New("sensor.ble.scan_timeout_ms must be >= 0")
	}
	if c.Sensor.Serial.BaudRate < 0 {
		return errors.New("sensor.serial.baud_rate must be >= 0")
	}
	if c.Sensor.Transport == transportPipe {
		if len(c.Sensor.Pipe.Paths) == 0 {
			return errors.New("sensor.pipe.paths must not be empty when sensor.transport is \"pipe\"")
		}
		for i, p := range c.Sensor.Pipe.Paths {
			if p == "" {
				return fmt.Errorf("sensor.pipe.paths[%d] is empty", i)
			}
		}
	}

	// Needle
	if c.Needle.WindowM <= 0 {
		return errors.New("needle.window_m must be > 0")
	}
	if c.Needle.MinDeg >= c.Needle.MaxDeg {
		return errors.New("needle.min_deg must be < needle.max_deg")
	}
	if c.Needle.EaseFactor <= 0 || c.Needle.EaseFactor >= 1 {
		return errors.New("needle.ease_factor must be between 0 and 1 (exclusive)")
	}
	if c.Needle.SnapDeg <= 0 {
		return errors.New("needle.snap_deg must be > 0")
	}
	if c.Needle.FrameHz <= 0 || c.Needle.FrameHz > 240 {
		return errors.New("needle.frame_hz must be between 1 and 240")
	}

	// Clock
	if c.Clock.SamplePeriodMS <= 0 {
		return errors.New("clock.sample_period_ms must be > 0")
	}

	// Simulation
	if c.Simulation.StepM <= 0 {
		return errors.New("simulation.step_m must be > 0")
	}
	if c.Simulation.PeriodMS <= 0 {
		return errors.New("simulation.period_ms must be > 0")
	}
	if c.Simulation.CeilingM <= 0 {
		return errors.New("simulation.ceiling_m must be > 0")
	}
	switch SimSpeedMode(c.Simulation.SpeedMode) {
	case SimSpeedConstant, SimSpeedOscillating:
	default:
		return fmt.Errorf("simulation.speed_mode must be %q or %q", SimSpeedConstant, SimSpeedOscillating)
	}

	// IPC / HTTP / storage
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 and 65535")
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path must not be empty")
	}

	// MQTT
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.enabled is true but mqtt.broker is empty")
		}
		if c.MQTT.Topic == "" {
			return errors.New("mqtt.enabled is true but mqtt.topic is empty")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return errors.New("mqtt.qos must be 0, 1 or 2")
		}
		if c.MQTT.IntervalMS < 0 {
			return errors.New("mqtt.interval_ms must be >= 0")
		}
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ToProcessorConfig converts the file config into the Processor's tunables.
func (c *Config) ToProcessorConfig() ProcessorConfig {
	var framePeriod time.Duration
	if c.Needle.FrameHz > 0 {
		framePeriod = time.Second / time.Duration(c.Needle.FrameHz)
	}
	return ProcessorConfig{
		WheelCircumferenceM: c.Sensor.WheelCircumferenceM,
		StaleTimeout:        time.Duration(c.Sensor.StaleTimeoutMS) * time.Millisecond,
		Needle: NeedleConfig{
			WindowM:     c.Needle.WindowM,
			MinDeg:      c.Needle.MinDeg,
			MaxDeg:      c.Needle.MaxDeg,
			EaseFactor:  c.Needle.EaseFactor,
			SnapDeg:     c.Needle.SnapDeg,
			FramePeriod: framePeriod,
		},
		ClockPeriod: time.Duration(c.Clock.SamplePeriodMS) * time.Millisecond,
		Simulation: SimulationConfig{
			StepM:     c.Simulation.StepM,
			Period:    time.Duration(c.Simulation.PeriodMS) * time.Millisecond,
			CeilingM:  c.Simulation.CeilingM,
			SpeedMode: SimSpeedMode(c.Simulation.SpeedMode),
		},
		Transport: c.Sensor.Transport,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
