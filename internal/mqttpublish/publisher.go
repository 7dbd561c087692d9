//go:build !no_mqtt

// Package mqttpublish mirrors manager events onto an MQTT broker for
// external monitoring: a retained status message per endpoint and a message
// per emitted sensor event. It is a one-way integration; nothing is
// subscribed back into the daemon.
package mqttpublish

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"pldmd/internal/manager"
)

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Publisher connects the manager's event bus to MQTT.
type Publisher struct {
	client pahomqtt.Client
	events *manager.EventBus
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewPublisher creates and connects an MQTT publisher.
func NewPublisher(events *manager.EventBus, cfg Config, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{
		events: events,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.logger.Info("MQTT connected")
			p.publishBridgeState("online")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	p.client = client
	return p, nil
}

// Start subscribes to manager events and begins publishing.
func (p *Publisher) Start() {
	p.unsub = p.events.SubscribeAll(p.handleEvent)
	p.logger.Info("MQTT publisher started", "prefix", p.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (p *Publisher) Stop() {
	if p.unsub != nil {
		p.unsub()
	}
	p.publishBridgeState("offline")
	p.client.Disconnect(1000)
	p.logger.Info("MQTT publisher stopped")
}

func (p *Publisher) handleEvent(event manager.Event) {
	topic, payload, retained, ok := eventMessage(p.prefix, event)
	if !ok {
		return
	}
	p.publish(topic, payload, retained)
}

// eventMessage maps a manager event to its MQTT topic and payload. Events
// missing their expected payload are skipped.
func eventMessage(prefix string, event manager.Event) (topic string, payload []byte, retained, ok bool) {
	switch event.Type {
	case manager.EventSessionCompleted:
		if event.Session == nil {
			return "", nil, false, false
		}
		return fmt.Sprintf("%s/%d/status", prefix, event.EID), mustJSON(event.Session), true, true
	case manager.EventSessionStarted, manager.EventActivationProgress:
		return fmt.Sprintf("%s/%d/progress", prefix, event.EID), mustJSON(event), false, true
	case manager.EventSensorEvent:
		if event.Sensor == nil {
			return "", nil, false, false
		}
		return fmt.Sprintf("%s/sensors/%d", prefix, event.Sensor.SensorID), mustJSON(event.Sensor), false, true
	default:
		return "", nil, false, false
	}
}

func (p *Publisher) publishBridgeState(state string) {
	p.publish(p.prefix+"/bridge/state", []byte(state), true)
}

func (p *Publisher) publish(topic string, payload []byte, retained bool) {
	token := p.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			p.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			p.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
