//go:build !no_mqtt

package telemetry

import (
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"lorawan-node/internal/node"
)

// MQTTConfig holds MQTT bridge configuration.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
	Discovery   bool
}

// MQTTBridge publishes node events and the node status to MQTT and
// accepts operator keys on <prefix>/input.
type MQTTBridge struct {
	client    pahomqtt.Client
	events    *node.EventBus
	status    func() node.Status
	input     Input
	prefix    string
	device    string
	discovery bool
	logger    *slog.Logger
	unsub     func()
}

// NewMQTTBridge creates and connects an MQTT bridge.
func NewMQTTBridge(events *node.EventBus, status func() node.Status, input Input, device string, cfg MQTTConfig, logger *slog.Logger) (*MQTTBridge, error) {
	b := &MQTTBridge{
		events:    events,
		status:    status,
		input:     input,
		prefix:    cfg.TopicPrefix,
		device:    device,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "lorawan-node-" + device
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(b.topic("bridge/state"), []byte("online"), true)
			if b.discovery {
				b.publishDiscovery()
			}
			b.publishStatus()
			b.subscribeInput()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
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

	b.client = client
	return b, nil
}

// Start subscribes to node events.
func (b *MQTTBridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix, "device", b.device)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *MQTTBridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.topic("bridge/state"), []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// Rebind moves the bridge to the event bus of a new node instance.
func (b *MQTTBridge) Rebind(events *node.EventBus, status func() node.Status) {
	if b.unsub != nil {
		b.unsub()
	}
	b.events, b.status = events, status
	b.unsub = events.OnAll(b.handleEvent)
}

func (b *MQTTBridge) handleEvent(ev node.Event) {
	msg := NewMessage(b.device, ev, time.Now())
	b.publish(b.topic("event/"+ev.Type), mustJSON(msg), false)
	if statusChanging(ev.Type) {
		b.publishStatus()
	}
}

// statusChanging reports whether an event type can change the status
// snapshot published on <prefix>/status.
func statusChanging(typ string) bool {
	switch typ {
	case node.EventState, node.EventJoin, node.EventUplink, node.EventDownlink, node.EventSleep:
		return true
	}
	return false
}

func (b *MQTTBridge) publishStatus() {
	if b.status == nil {
		return
	}
	b.publish(b.topic("status"), mustJSON(b.status()), true)
}

func (b *MQTTBridge) publishDiscovery() {
	for _, msg := range buildDiscovery(b.device, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "device", b.device)
}

func (b *MQTTBridge) subscribeInput() {
	b.client.Subscribe(b.topic("input"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleInput(msg.Payload())
	})
}

func (b *MQTTBridge) handleInput(payload []byte) {
	keys := ParseInput(payload)
	if len(keys) == 0 {
		b.logger.Warn("empty MQTT input", "payload", string(payload))
		return
	}
	if n := b.input.Feed(keys...); n < len(keys) {
		b.logger.Warn("MQTT input dropped", "accepted", n, "sent", len(keys))
	}
}

func (b *MQTTBridge) topic(suffix string) string {
	return b.prefix + "/" + b.device + "/" + suffix
}

func (b *MQTTBridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
