package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("velotach v%s\n", version)
	fmt.Println("Bicycle tachometer and race display daemon for CSC wheel sensors")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  velotach [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Pairs with a Cycling Speed and Cadence sensor (BLE, serial bridge or pipe),")
	fmt.Println("  turns wheel revolutions into speed and distance, animates a gauge needle,")
	fmt.Println("  times races and publishes the live state over WebSocket and MQTT.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file (flags override file values)")
	fmt.Println()
	fmt.Println("  -transport string")
	fmt.Println("        Sensor transport: ble|serial|pipe (default \"ble\")")
	fmt.Println()
	fmt.Println("  -wheel-circumference-m float")
	fmt.Printf("        Wheel circumference in meters (default %.3f)\n", defaultWheelCircumferenceM)
	fmt.Println()
	fmt.Println("  -stale-timeout-ms int")
	fmt.Printf("        Drop speed to zero after this long without a revolution; 0 disables (default %d)\n", defaultStaleTimeoutMS)
	fmt.Println()
	fmt.Println("  -auto-connect")
	fmt.Println("        Connect to the sensor on startup")
	fmt.Println()
	fmt.Println("  -ble-name-prefix string")
	fmt.Printf("        Only pair with devices whose name starts with this (default %q)\n", defaultBLENamePrefix)
	fmt.Println()
	fmt.Println("  -ble-accept-all")
	fmt.Println("        Pair with the first device advertising the CSC service")
	fmt.Println()
	fmt.Println("  -serial-port string")
	fmt.Println("        Serial bridge device (default: first port found)")
	fmt.Println()
	fmt.Println("  -pipe-path string")
	fmt.Println("        FIFO or character device carrying length-prefixed CSC frames")
	fmt.Println()
	fmt.Println("  -needle-ease float")
	fmt.Printf("        Needle easing factor per frame (default %.2f)\n", defaultNeedleEaseFactor)
	fmt.Println()
	fmt.Println("  -sim-ceiling-m float")
	fmt.Printf("        Simulator distance ceiling in meters (default %.0f)\n", defaultSimCeilingM)
	fmt.Println()
	fmt.Println("  -sim-speed-mode string")
	fmt.Println("        Simulator speed: constant|oscillating (default \"constant\")")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/velotach.sock\")")
	fmt.Println()
	fmt.Println("  -http-port int")
	fmt.Println("        HTTP port for /ws/state and /api/races; 0 disables (default 8088)")
	fmt.Println()
	fmt.Println("  -storage-path string")
	fmt.Println("        Race archive database (default \"~/.local/share/velotach/races.db\")")
	fmt.Println()
	fmt.Println("  -mqtt")
	fmt.Println("        Publish telemetry to MQTT")
	fmt.Println()
	fmt.Println("  -mqtt-broker string")
	fmt.Println("        MQTT broker URL (default \"tcp://127.0.0.1:1883\")")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -send string")
	fmt.Println("        Send one control event to the running daemon and exit, e.g. \"reset\" or")
	fmt.Println("        '{\"type\":\"race_finish\",\"data\":{\"runner\":1}}'")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Pair with the first CYCPLUS sensor on startup")
	fmt.Println("  velotach -auto-connect")
	fmt.Println()
	fmt.Println("  # Read frames from a serial BLE bridge, 26\" MTB wheel")
	fmt.Println("  velotach -transport serial -serial-port /dev/ttyUSB0 -wheel-circumference-m 2.07")
	fmt.Println()
	fmt.Println("  # Try the display without a sensor")
	fmt.Println("  velotach & velotach-ctl start-sim")
	fmt.Println()
	fmt.Println("  # Freeze the race clock from a script")
	fmt.Println("  velotach -send stop_clock")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath = flag.String("config", "", "YAML config file")

		transport     = flag.String("transport", "", "Sensor transport: ble|serial|pipe")
		wheelCirc     = flag.Float64("wheel-circumference-m", 0, "Wheel circumference in meters")
		staleTimeout  = flag.Int("stale-timeout-ms", 0, "Stale speed timeout in ms (0 disables)")
		autoConnect   = flag.Bool("auto-connect", false, "Connect to the sensor on startup")
		blePrefix     = flag.String("ble-name-prefix", "", "BLE device name prefix")
		bleAcceptAll  = flag.Bool("ble-accept-all", false, "Pair with any CSC device")
		serialPort    = flag.String("serial-port", "", "Serial bridge device")
		pipePath      = flag.String("pipe-path", "", "FIFO/char device with length-prefixed frames")
		needleEase    = flag.Float64("needle-ease", 0, "Needle easing factor")
		simCeiling    = flag.Float64("sim-ceiling-m", 0, "Simulator distance ceiling in meters")
		simSpeedMode  = flag.String("sim-speed-mode", "", "Simulator speed: constant|oscillating")
		ipcSocketPath = flag.String("ipc-socket", "", "Unix domain socket path for IPC")
		httpPort      = flag.Int("http-port", 0, "HTTP port (0 disables)")
		storagePath   = flag.String("storage-path", "", "Race archive database path")
		mqttEnabled   = flag.Bool("mqtt", false, "Publish telemetry to MQTT")
		mqttBroker    = flag.String("mqtt-broker", "", "MQTT broker URL")
		logLevelStr   = flag.String("log-level", "", "Log level: error, warn, info, debug")
		sendEvent     = flag.String("send", "", "Send one control event to the running daemon and exit")
		showVersion   = flag.Bool("version", false, "Print version and exit")
		showHelp      = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only explicitly set flags override the file.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	var ov FlagOverrides
	if set["transport"] {
		ov.Transport = transport
	}
	if set["wheel-circumference-m"] {
		ov.WheelCircumferenceM = wheelCirc
	}
	if set["stale-timeout-ms"] {
		ov.StaleTimeoutMS = staleTimeout
	}
	if set["auto-connect"] {
		ov.AutoConnect = autoConnect
	}
	if set["ble-name-prefix"] {
		ov.BLENamePrefix = blePrefix
	}
	if set["ble-accept-all"] {
		ov.BLEAcceptAll = bleAcceptAll
	}
	if set["serial-port"] {
		ov.SerialPort = serialPort
	}
	if set["pipe-path"] {
		ov.PipePath = pipePath
	}
	if set["needle-ease"] {
		ov.NeedleEaseFactor = needleEase
	}
	if set["sim-ceiling-m"] {
		ov.SimCeilingM = simCeiling
	}
	if set["sim-speed-mode"] {
		ov.SimSpeedMode = simSpeedMode
	}
	if set["ipc-socket"] {
		ov.IPCSocketPath = ipcSocketPath
	}
	if set["http-port"] {
		ov.HTTPPort = httpPort
	}
	if set["storage-path"] {
		ov.StoragePath = storagePath
	}
	if set["mqtt"] {
		ov.MQTTEnabled = mqttEnabled
	}
	if set["mqtt-broker"] {
		ov.MQTTBroker = mqttBroker
	}
	if set["log-level"] {
		ov.LogLevel = logLevelStr
	}
	ov.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	if *sendEvent != "" {
		if err := sendControl(cfg.IPC.SocketPath, *sendEvent); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		fmt.Println("ok")
		return
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(logLevel, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("velotach stopped", "error", err)
		os.Exit(1)
	}
}

// run wires the daemon together and blocks until shutdown.
func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storePath := ExpandPath(cfg.Storage.Path)
	if storePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := OpenRaceStore(ctx, storePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Central event bus.
	events := make(chan Event, 128)

	sched := newLoopScheduler()
	proc := NewProcessor(cfg.ToProcessorConfig(), sched, logger)

	fanout := newBroadcastFanout(logger)
	var wsSrc, mqttSrc <-chan StateBroadcast
	if cfg.HTTP.Port > 0 {
		wsSrc = fanout.Subscribe(256)
	}
	if cfg.MQTT.Enabled {
		mqttSrc = fanout.Subscribe(256)
	}

	env := &effectEnv{
		ctx:        ctx,
		transports: newTransportFactory(cfg.Sensor, logger),
		races:      store,
		events:     events,
	}

	var wg sync.WaitGroup
	fatal := make(chan error, 3)

	daemonDone := make(chan struct{})
	go func() {
		defer close(daemonDone)
		runDaemon(ctx, events, proc, sched, env, fanout.Publish, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runIPCServer(ctx, cfg.IPC.SocketPath, events, logger); err != nil {
			fatal <- fmt.Errorf("IPC server: %w", err)
		}
	}()

	if cfg.HTTP.Port > 0 {
		wsServer := NewServer(logger, events, ServerConfig{})
		mux := http.NewServeMux()
		wsServer.Register(mux, "/ws/state")
		newAPIServer(store, events, wsServer.Hub(), logger).Register(mux)

		wg.Add(3)
		go func() {
			defer wg.Done()
			wsServer.Hub().Run(ctx)
		}()
		go func() {
			defer wg.Done()
			RunBroadcaster(ctx, wsServer.Hub(), wsSrc, logger)
		}()
		go func() {
			defer wg.Done()
			if err := runHTTPServer(ctx, cfg.HTTP.Port, mux, logger); err != nil {
				fatal <- err
			}
		}()
	}

	if cfg.MQTT.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// MQTT is optional; a broker outage never stops the daemon.
			if err := runMQTTPublisher(ctx, cfg.MQTT, mqttSrc, logger); err != nil {
				logger.Error("mqtt publisher stopped", "error", err)
			}
		}()
	}

	logger.Info("velotach started",
		"version", version,
		"transport", cfg.Sensor.Transport,
		"wheel_circumference_m", cfg.Sensor.WheelCircumferenceM,
		"ipc", cfg.IPC.SocketPath,
		"http_port", cfg.HTTP.Port,
		"storage", storePath,
		"mqtt", cfg.MQTT.Enabled)

	if cfg.Sensor.AutoConnect {
		events <- ConnectSensor{}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-fatal:
		stop()
	}

	<-daemonDone
	fanout.Close()
	wg.Wait()
	return runErr
}
