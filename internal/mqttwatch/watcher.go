// Package mqttwatch subscribes to MQTT topics and turns inbound
// publishes into durable queue events. It lets external automations
// (home sensors, CI pipelines, cron boxes) poke the daemon without
// speaking its CLI.
package mqttwatch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/bobd/bob/internal/bus"
	"github.com/bobd/bob/internal/events"
)

// EventKind is the queue event kind for MQTT publishes.
const EventKind = "mqtt_message"

// payloadLimit bounds the payload bytes carried into the event.
const payloadLimit = 2048

// Config for the watcher.
type Config struct {
	Broker   string // URL, e.g. mqtt://host:1883 or mqtts://host:8883
	ClientID string
	Username string
	Password string
	Topics   []string
	ChatID   int64
}

// Watcher bridges MQTT topics into the event queue.
type Watcher struct {
	cfg     Config
	events  *events.Store
	signals *bus.Bus
	logger  *slog.Logger
}

// New creates a watcher.
func New(cfg Config, eventStore *events.Store, signals *bus.Bus, logger *slog.Logger) *Watcher {
	if cfg.ClientID == "" {
		cfg.ClientID = "bob-mqttwatch"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{cfg: cfg, events: eventStore, signals: signals, logger: logger}
}

// Run connects to the broker and blocks until ctx is cancelled.
// autopaho owns reconnection; subscriptions are re-established on
// every connection-up.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.cfg.Topics) == 0 {
		return fmt.Errorf("mqttwatch: no topics configured")
	}
	brokerURL, err := url.Parse(w.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	subscriptions := make([]paho.SubscribeOptions, 0, len(w.cfg.Topics))
	for _, topic := range w.cfg.Topics {
		subscriptions = append(subscriptions, paho.SubscribeOptions{Topic: topic, QoS: 1})
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: w.cfg.Username,
		ConnectPassword: []byte(w.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			w.logger.Info("mqttwatch connected", "broker", w.cfg.Broker, "topics", w.cfg.Topics)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subscriptions}); err != nil {
				w.logger.Warn("mqttwatch subscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			w.logger.Warn("mqttwatch connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: w.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					w.handle(pr.Packet)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	<-ctx.Done()
	return cm.Disconnect(context.Background())
}

// handle enqueues one inbound publish as a queue event. JSON payloads
// are carried structured; everything else is carried as a string.
func (w *Watcher) handle(p *paho.Publish) {
	payload := p.Payload
	if len(payload) > payloadLimit {
		payload = payload[:payloadLimit]
	}

	data := map[string]any{"topic": p.Topic}
	var parsed map[string]any
	if err := json.Unmarshal(payload, &parsed); err == nil {
		data["payload"] = parsed
	} else {
		data["payload"] = string(payload)
	}

	if _, err := w.events.Add(events.AddInput{
		ChatID:  w.cfg.ChatID,
		Kind:    EventKind,
		Payload: data,
	}); err != nil {
		w.logger.Warn("mqttwatch: enqueue failed", "topic", p.Topic, "error", err)
		return
	}
	w.signals.Wake(bus.SourceMQTT, "mqtt_message")
}
