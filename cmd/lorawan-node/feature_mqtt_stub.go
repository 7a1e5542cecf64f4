//go:build no_mqtt

package main

import (
	"log/slog"

	"lorawan-node/internal/node"
)

type mqttSurface struct{}

func (m *mqttSurface) Rebind(*node.EventBus, func() node.Status) {}

func (m *mqttSurface) Stop() {}

func initMQTT(_ *node.EventBus, _ func() node.Status, _ interface{ Feed(...byte) int }, _ string, _ *Config, _ *slog.Logger) *mqttSurface {
	return &mqttSurface{}
}
