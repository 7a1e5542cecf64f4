//go:build !no_nats

package main

import (
	"log/slog"
	"time"

	"lorawan-node/internal/node"
	"lorawan-node/internal/telemetry"
)

type natsSurface struct {
	pub *telemetry.NATSPublisher
}

func (n *natsSurface) Rebind(events *node.EventBus, _ func() node.Status) {
	if n.pub != nil {
		n.pub.Rebind(events)
	}
}

func (n *natsSurface) Stop() {
	if n.pub != nil {
		n.pub.Stop()
	}
}

func initNATS(events *node.EventBus, _ func() node.Status, input telemetry.Input, device string, cfg *Config, logger *slog.Logger) *natsSurface {
	if !cfg.NATS.Enabled {
		return &natsSurface{}
	}
	pub, err := telemetry.NewNATSPublisher(events, input, device, telemetry.NATSConfig{
		URL:           cfg.NATS.URL,
		Username:      cfg.NATS.Username,
		Password:      cfg.NATS.Password,
		ReconnectWait: time.Duration(cfg.NATS.ReconnectWaitMs) * time.Millisecond,
		MaxReconnects: cfg.NATS.MaxReconnects,
	}, logger)
	if err != nil {
		logger.Error("nats publisher", "err", err)
		return &natsSurface{}
	}
	if err := pub.Start(); err != nil {
		logger.Error("nats start", "err", err)
		pub.Stop()
		return &natsSurface{}
	}
	return &natsSurface{pub: pub}
}
