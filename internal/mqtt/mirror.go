// Package mqtt mirrors the internal event bus to an MQTT broker so
// operational events can be observed by external dashboards and
// automations. The mirror is optional; with no broker configured the
// process runs without it.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/openbloom/cryptochat/internal/config"
	"github.com/openbloom/cryptochat/internal/events"
)

// Mirror republishes every bus event as JSON on a per-kind topic under
// the configured prefix, and maintains an availability topic with a
// broker-side will so consumers see "offline" on unclean exit.
type Mirror struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a mirror but does not connect. Call [Mirror.Start] to
// begin the connection and the relay loop.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and relays bus events until ctx is
// cancelled. On every (re-)connect it publishes an "online"
// availability message; the will message covers unclean disconnects.
func (m *Mirror) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := m.topic("availability")

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected", "broker", m.cfg.BrokerURL)
			m.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "cryptochat-mirror",
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background; events published
		// while disconnected are dropped, not queued.
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	m.relay(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (m *Mirror) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	m.publishAvailability(ctx, m.cm, "offline")
	return m.cm.Disconnect(ctx)
}

// relay consumes the bus subscription until ctx is cancelled.
func (m *Mirror) relay(ctx context.Context) {
	sub := m.bus.Subscribe(64)
	defer m.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			m.publishEvent(ctx, e)
		}
	}
}

func (m *Mirror) publishEvent(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		m.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}

	topic := m.topic("events/" + e.Source + "/" + e.Kind)
	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		m.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

func (m *Mirror) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.topic("availability"),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

func (m *Mirror) topic(suffix string) string {
	prefix := m.cfg.TopicPrefix
	if prefix == "" {
		prefix = "cryptochat"
	}
	return prefix + "/" + suffix
}
