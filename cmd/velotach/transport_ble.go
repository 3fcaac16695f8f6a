package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// bleTransport pairs with a CSC sensor over Bluetooth LE.
//
// Sequence: enable adapter -> scan (name prefix filter or accept-all) ->
// connect -> service 0x1816 -> characteristic 0x2A5B -> enable notifications.
type bleTransport struct {
	cfg     BLEConfig
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error

	// Disconnect callbacks arrive on the adapter's connect handler, keyed by
	// device address.
	mu     sync.Mutex
	active map[string]FrameHandler
}

func newBLETransport(cfg BLEConfig, logger *slog.Logger) *bleTransport {
	return &bleTransport{
		cfg:     cfg,
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		active:  make(map[string]FrameHandler),
	}
}

func (t *bleTransport) Name() string { return transportBLE }

// Available enables the adapter once. A failure means the host has no usable
// Bluetooth stack.
func (t *bleTransport) Available() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("%w: enable bluetooth adapter: %v", ErrTransportUnavailable, err)
			return
		}
		t.adapter.SetConnectHandler(t.onConnectChange)
	})
	return t.enableErr
}

func (t *bleTransport) onConnectChange(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	addr := device.Address.String()

	t.mu.Lock()
	h, ok := t.active[addr]
	delete(t.active, addr)
	t.mu.Unlock()

	if ok {
		t.logger.Info("ble device disconnected", "address", addr)
		h.OnDisconnect(nil)
	}
}

// matches applies the pairing filter to an advertised name.
func (t *bleTransport) matches(name string) bool {
	if t.cfg.AcceptAll {
		return true
	}
	prefix := t.cfg.NamePrefix
	if prefix == "" {
		prefix = defaultBLENamePrefix
	}
	return strings.HasPrefix(name, prefix)
}

// requestDevice scans until a matching device advertises or the timeout expires.
func (t *bleTransport) requestDevice(ctx context.Context) (bluetooth.ScanResult, error) {
	timeout := time.Duration(t.cfg.ScanTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultBLEScanTimeoutMS * time.Millisecond
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)

	go func() {
		scanErr <- t.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !t.matches(r.LocalName()) {
				return
			}
			select {
			case found <- r:
				_ = a.StopScan()
			default:
			}
		})
	}()

	select {
	case r := <-found:
		<-scanErr
		t.logger.Info("ble device found", "name", r.LocalName(), "address", r.Address.String(), "rssi", r.RSSI)
		return r, nil

	case err := <-scanErr:
		if err != nil {
			return bluetooth.ScanResult{}, fmt.Errorf("%w: scan: %v", ErrPairingFailed, err)
		}
		return bluetooth.ScanResult{}, fmt.Errorf("%w: scan ended without a match", ErrPairingFailed)

	case <-scanCtx.Done():
		_ = t.adapter.StopScan()
		<-scanErr
		return bluetooth.ScanResult{}, fmt.Errorf("%w: no device matching %q within %s", ErrPairingFailed, t.cfg.NamePrefix, timeout)
	}
}

// Open implements SensorTransport.
func (t *bleTransport) Open(ctx context.Context, h FrameHandler) (Subscription, error) {
	if err := t.Available(); err != nil {
		return nil, err
	}

	result, err := t.requestDevice(ctx)
	if err != nil {
		return nil, err
	}

	if po, ok := h.(pairingObserver); ok {
		po.OnPaired(result.LocalName())
	}

	device, err := t.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrConnectionFailed, result.Address.String(), err)
	}
	disconnect := func() { _ = device.Disconnect() }

	services, err := device.DiscoverServices([]bluetooth.UUID{bluetooth.New16BitUUID(cscServiceUUID16)})
	if err != nil || len(services) == 0 {
		disconnect()
		return nil, fmt.Errorf("%w: csc service 0x%04X not found: %v", ErrConnectionFailed, cscServiceUUID16, err)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bluetooth.New16BitUUID(cscMeasurementUUID16)})
	if err != nil || len(chars) == 0 {
		disconnect()
		return nil, fmt.Errorf("%w: csc measurement 0x%04X not found: %v", ErrConnectionFailed, cscMeasurementUUID16, err)
	}

	addr := result.Address.String()
	t.mu.Lock()
	t.active[addr] = h
	t.mu.Unlock()

	if err := chars[0].EnableNotifications(h.OnFrame); err != nil {
		t.mu.Lock()
		delete(t.active, addr)
		t.mu.Unlock()
		disconnect()
		return nil, fmt.Errorf("%w: enable notifications: %v", ErrConnectionFailed, err)
	}

	return newSubscription(func() {
		t.mu.Lock()
		delete(t.active, addr)
		t.mu.Unlock()
		disconnect()
	}), nil
}
