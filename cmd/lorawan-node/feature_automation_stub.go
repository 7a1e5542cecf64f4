//go:build no_automation

package main

import (
	"log/slog"

	"lorawan-node/internal/automation"
	"lorawan-node/internal/node"
	"lorawan-node/internal/web"
)

type autoSurface struct{}

func (a *autoSurface) Rebind(*node.EventBus, func() node.Status) {}

func (a *autoSurface) Stop() {}

func initAutomation(_ *node.EventBus, _ func() node.Status, _ automation.Input, _ *Config, _ *slog.Logger) (*autoSurface, []web.ServerOption) {
	return &autoSurface{}, nil
}
