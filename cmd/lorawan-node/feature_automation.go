//go:build !no_automation

package main

import (
	"log/slog"

	"lorawan-node/internal/automation"
	"lorawan-node/internal/node"
	"lorawan-node/internal/web"
)

type autoSurface struct {
	engine *automation.Engine
}

func (a *autoSurface) Rebind(events *node.EventBus, status func() node.Status) {
	if a.engine != nil {
		a.engine.Rebind(events, status)
	}
}

func (a *autoSurface) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(events *node.EventBus, status func() node.Status, input automation.Input, cfg *Config, logger *slog.Logger) (*autoSurface, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoSurface{}, nil
	}

	engine := automation.NewEngine(events, status, input, scriptMgr, logger)
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoSurface{engine: engine}, opts
}
