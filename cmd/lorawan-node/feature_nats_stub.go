//go:build no_nats

package main

import (
	"log/slog"

	"lorawan-node/internal/node"
)

type natsSurface struct{}

func (n *natsSurface) Rebind(*node.EventBus, func() node.Status) {}

func (n *natsSurface) Stop() {}

func initNATS(_ *node.EventBus, _ func() node.Status, _ interface{ Feed(...byte) int }, _ string, _ *Config, _ *slog.Logger) *natsSurface {
	return &natsSurface{}
}
