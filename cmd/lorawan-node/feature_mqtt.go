//go:build !no_mqtt

package main

import (
	"log/slog"

	"lorawan-node/internal/node"
	"lorawan-node/internal/telemetry"
)

type mqttSurface struct {
	bridge *telemetry.MQTTBridge
}

func (m *mqttSurface) Rebind(events *node.EventBus, status func() node.Status) {
	if m.bridge != nil {
		m.bridge.Rebind(events, status)
	}
}

func (m *mqttSurface) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(events *node.EventBus, status func() node.Status, input telemetry.Input, device string, cfg *Config, logger *slog.Logger) *mqttSurface {
	if !cfg.MQTT.Enabled {
		return &mqttSurface{}
	}
	bridge, err := telemetry.NewMQTTBridge(events, status, input, device, telemetry.MQTTConfig{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		Discovery:   cfg.MQTT.Discovery,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttSurface{}
	}
	bridge.Start()
	return &mqttSurface{bridge: bridge}
}
