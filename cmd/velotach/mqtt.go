package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ============================================================================
// MQTT telemetry
// ============================================================================
// Optional publisher for dashboards that speak MQTT rather than WebSocket.
//
//   <topic>          live telemetry, at most once per interval, only when changed
//   <topic>/status   rider-facing status, retained
//   <topic>/races    one message per saved race
// ============================================================================

// mqttTelemetry is the payload published on the base topic.
type mqttTelemetry struct {
	SpeedKmh  float64   `json:"speed_kmh"`
	DistanceM float64   `json:"distance_m"`
	ElapsedMs float64   `json:"elapsed_ms"`
	AngleDeg  float64   `json:"angle_deg"`
	At        time.Time `json:"at"`
}

// telemetryFolder folds broadcasts into the latest telemetry value.
type telemetryFolder struct {
	cur   mqttTelemetry
	dirty bool
}

// apply folds b in and reports whether b was telemetry at all.
func (f *telemetryFolder) apply(b StateBroadcast) bool {
	switch ev := b.(type) {
	case BroadcastMotionChanged:
		f.cur.SpeedKmh, f.cur.DistanceM, f.cur.At = ev.SpeedKmh, ev.DistanceM, ev.At
	case BroadcastNeedleChanged:
		f.cur.AngleDeg, f.cur.At = ev.AngleDeg, ev.At
	case BroadcastClockChanged:
		f.cur.ElapsedMs, f.cur.At = math.Floor(ev.ElapsedMs), ev.At
	default:
		return false
	}
	f.dirty = true
	return true
}

// take returns the pending value, if any, and marks it published.
func (f *telemetryFolder) take() (mqttTelemetry, bool) {
	if !f.dirty {
		return mqttTelemetry{}, false
	}
	f.dirty = false
	return f.cur, true
}

// publishFunc sends one MQTT message.
type publishFunc func(topic string, retained bool, payload []byte) error

// mqttSink publishes broadcasts from src until ctx is canceled or src closes.
type mqttSink struct {
	topic    string
	interval time.Duration
	publish  publishFunc
	logger   *slog.Logger
}

func (s *mqttSink) send(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("mqtt marshal failed", "topic", topic, "error", err)
		return
	}
	if err := s.publish(topic, retained, payload); err != nil {
		s.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (s *mqttSink) run(ctx context.Context, src <-chan StateBroadcast) {
	var fold telemetryFolder

	interval := s.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := func() {
		if t, ok := fold.take(); ok {
			s.send(s.topic, false, t)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case <-ticker.C:
			flush()

		case b, ok := <-src:
			if !ok {
				flush()
				return
			}
			if fold.apply(b) {
				continue
			}
			switch ev := b.(type) {
			case BroadcastStatusChanged:
				s.send(s.topic+"/status", true, wsStatusChangedData{Status: ev.Status})
			case BroadcastRaceSaved:
				s.send(s.topic+"/races", false, ev.Record)
			}
		}
	}
}

// runMQTTPublisher connects to the broker and publishes until ctx is canceled.
func runMQTTPublisher(ctx context.Context, cfg MQTTConfig, src <-chan StateBroadcast, logger *slog.Logger) error {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected", "broker", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
		}
	case <-ctx.Done():
		client.Disconnect(250)
		return nil
	}
	defer client.Disconnect(250)

	qos := byte(cfg.QoS)
	sink := &mqttSink{
		topic:    cfg.Topic,
		interval: time.Duration(cfg.IntervalMS) * time.Millisecond,
		logger:   logger,
		publish: func(topic string, retained bool, payload []byte) error {
			tok := client.Publish(topic, qos, retained, payload)
			if !tok.WaitTimeout(2 * time.Second) {
				return fmt.Errorf("publish %s: timeout", topic)
			}
			return tok.Error()
		},
	}
	sink.run(ctx, src)
	return nil
}
