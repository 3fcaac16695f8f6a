package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"go.bug.st/serial"
)

// serialTransport reads CSC frames from a BLE-to-UART bridge. The bridge writes
// one notification per line as hex, e.g. "01 2A000000 0004" or "012a0000000004".
// Blank lines and lines starting with '#' are ignored.
type serialTransport struct {
	cfg    SerialConfig
	logger *slog.Logger

	// open is swapped in tests.
	open func(path string, mode *serial.Mode) (io.ReadCloser, error)
}

func newSerialTransport(cfg SerialConfig, logger *slog.Logger) *serialTransport {
	return &serialTransport{
		cfg:    cfg,
		logger: logger,
		open: func(path string, mode *serial.Mode) (io.ReadCloser, error) {
			return serial.Open(path, mode)
		},
	}
}

func (t *serialTransport) Name() string { return transportSerial }

// portPath returns the configured port, or the first port the OS reports.
func (t *serialTransport) portPath() (string, error) {
	if t.cfg.Port != "" {
		return t.cfg.Port, nil
	}
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("%w: list serial ports: %v", ErrTransportUnavailable, err)
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("%w: no serial ports found", ErrTransportUnavailable)
	}
	return ports[0], nil
}

func (t *serialTransport) mode() *serial.Mode {
	baud := t.cfg.BaudRate
	if baud <= 0 {
		baud = defaultSerialBaudRate
	}
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Open implements SensorTransport.
func (t *serialTransport) Open(ctx context.Context, h FrameHandler) (Subscription, error) {
	path, err := t.portPath()
	if err != nil {
		return nil, err
	}

	if po, ok := h.(pairingObserver); ok {
		po.OnPaired(path)
	}

	port, err := t.open(path, t.mode())
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrConnectionFailed, path, err)
	}
	t.logger.Info("serial bridge opened", "port", path, "baud", t.mode().BaudRate)

	var closed atomic.Bool
	go func() {
		err := readHexFrames(port, h.OnFrame, t.logger)
		if closed.Load() {
			return
		}
		if err == nil {
			err = io.EOF
		}
		h.OnDisconnect(fmt.Errorf("serial %s: %w", path, err))
	}()

	return newSubscription(func() {
		closed.Store(true)
		_ = port.Close()
	}), nil
}

// readHexFrames decodes hex lines from r until it fails. It returns nil on a
// clean EOF.
func readHexFrames(r io.Reader, onFrame func([]byte), logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		frame, ok, err := parseHexFrameLine(scanner.Text())
		if err != nil {
			logger.Debug("skipping malformed serial line", "error", err)
			continue
		}
		if ok {
			onFrame(frame)
		}
	}
	return scanner.Err()
}

// parseHexFrameLine decodes one bridge line. ok is false for blank or comment lines.
func parseHexFrameLine(line string) (frame []byte, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, false, nil
	}
	compact := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(line)
	frame, err = hex.DecodeString(compact)
	if err != nil {
		return nil, false, fmt.Errorf("decode hex line %q: %w", line, err)
	}
	return frame, true, nil
}
