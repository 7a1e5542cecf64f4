package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"lorawan-node/internal/console"
	"lorawan-node/internal/keystore"
	"lorawan-node/internal/led"
	"lorawan-node/internal/mac"
	"lorawan-node/internal/node"
	"lorawan-node/internal/pds"
	"lorawan-node/internal/power"
	"lorawan-node/internal/sensor"
	"lorawan-node/internal/telemetry"
	"lorawan-node/internal/timer"
	"lorawan-node/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// surface is an outer consumer of node events that follows the node across
// device resets.
type surface interface {
	Rebind(events *node.EventBus, status func() node.Status)
	Stop()
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, nodeCfg, err := loadNodeConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	nodeCfg.StackVersion = stackVersion(nodeCfg.StackVersion)

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("lorawan-node starting", "version", version, "backend", cfg.Device.Backend)

	deps, closeDeps, err := openDeps(cfg, logger)
	if err != nil {
		logger.Error("open collaborators", "err", err)
		os.Exit(1)
	}
	defer closeDeps()

	n, err := node.New(nodeCfg, deps)
	if err != nil {
		logger.Error("create node", "err", err)
		closeDeps()
		os.Exit(1)
	}

	device := telemetry.DeviceID(deviceEUI(nodeCfg, deps.Keys))
	input := deps.Console.(*console.Console)

	auto, autoWebOpts := initAutomation(n.Events(), n.Status, input, cfg, logger)
	surfaces := []surface{auto}
	surfaces = append(surfaces, initMQTT(n.Events(), n.Status, input, device, cfg, logger))
	surfaces = append(surfaces, initNATS(n.Events(), n.Status, input, device, cfg, logger))

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithConsoleOutput(input),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if sim, ok := deps.MAC.(*mac.Sim); ok {
		webOpts = append(webOpts, web.WithDownlinkInjector(sim))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(n.Events(), n.Status, input, logger, webOpts...)
	surfaces = append(surfaces, webServer)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify ready", "err", err)
	} else if ok {
		logger.Debug("notified systemd")
	}

	for {
		err := n.Run(ctx)
		if !errors.Is(err, node.ErrReset) {
			break
		}
		// A device reset rebuilds the node over the same collaborators.
		logger.Info("device reset")
		deps.Events = nil
		deps.ResetCause = "System Reset Request"
		n, err = node.New(nodeCfg, deps)
		if err != nil {
			logger.Error("recreate node", "err", err)
			break
		}
		for _, s := range surfaces {
			s.Rebind(n.Events(), n.Status)
		}
	}

	logger.Info("shutting down")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Debug("sd_notify stopping", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	for _, s := range surfaces {
		s.Stop()
	}
	logger.Info("goodbye")
}

// openDeps builds the collaborators shared by every node instance.
func openDeps(cfg *Config, logger *slog.Logger) (node.Deps, func(), error) {
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Debug("close", "err", err)
			}
		}
	}
	deps := node.Deps{
		Clock:  timer.RealClock(),
		Logger: logger,
	}

	switch cfg.Device.Backend {
	case "rn2483":
		logger.Info("using RN2483 MAC", "port", cfg.Device.Port, "baud", cfg.Device.Baud)
		rn, err := mac.OpenRN2483(cfg.Device.Port, cfg.Device.Baud, logger)
		if err != nil {
			return deps, closeAll, fmt.Errorf("open rn2483: %w", err)
		}
		closers = append(closers, rn.Close)
		deps.MAC, deps.Radio = rn, rn.Radio()
	default:
		logger.Info("using simulated MAC")
		sim := mac.NewSim(mac.SimConfig{
			JoinDelay: time.Duration(cfg.Device.JoinDelayMs) * time.Millisecond,
			TxDelay:   time.Duration(cfg.Device.TxDelayMs) * time.Millisecond,
		}, logger)
		closers = append(closers, sim.Close)
		deps.MAC, deps.Radio = sim, mac.NewSimRadio(logger)
	}

	var con *console.Console
	if cfg.Console.Port != "" {
		c, err := console.OpenSerial(cfg.Console.Port, cfg.Console.Baud, logger)
		if err != nil {
			closeAll()
			return deps, func() {}, fmt.Errorf("open console: %w", err)
		}
		con = c
	} else {
		con = console.New(os.Stdin, os.Stdout, logger)
	}
	closers = append(closers, con.Close)
	deps.Console = con

	if cfg.Capabilities.Persistence {
		store, err := pds.NewBoltStore(cfg.Store.Path)
		if err != nil {
			closeAll()
			return deps, func() {}, fmt.Errorf("open store: %w", err)
		}
		closers = append(closers, store.Close)
		deps.Store = store
	}

	switch cfg.Sensor.Type {
	case "sysfs":
		deps.Sensor = sensor.Sysfs{Paths: cfg.Sensor.Paths}
	default:
		deps.Sensor = sensor.NewSim(cfg.Sensor.Celsius)
	}

	if cfg.Capabilities.PowerManagement {
		deps.Power = power.NewSim(deps.Clock, logger)
	}
	if cfg.Capabilities.LEDStatus {
		deps.LED = led.NewSysfs(cfg.LED.Root, map[led.Color]string{
			led.Green: cfg.LED.Green,
			led.Amber: cfg.LED.Amber,
		}, logger)
	}

	if cfg.Keystore.Root != "" {
		keys, err := openKeystore(cfg)
		if err != nil {
			closeAll()
			return deps, func() {}, err
		}
		deps.Keys = keys
	}
	return deps, closeAll, nil
}

func openKeystore(cfg *Config) (*keystore.Sim, error) {
	ks := keystore.SimConfig{
		Root:           []byte(cfg.Keystore.Root),
		SerialAsDevEUI: cfg.Keystore.SerialAsDevEUI,
	}
	for _, f := range []struct {
		name string
		val  string
		dst  []byte
	}{
		{"keystore.serial", cfg.Keystore.Serial, ks.Serial[:]},
		{"keystore.join_eui", cfg.Keystore.JoinEUI, ks.JoinEUI[:]},
		{"keystore.dev_eui", cfg.Keystore.DevEUI, ks.CustomDevEUI[:]},
		{"keystore.info", cfg.Keystore.Info, ks.Info[:]},
	} {
		if err := parseKey(f.name, f.val, f.dst); err != nil {
			return nil, err
		}
	}
	return keystore.NewSim(ks)
}

// deviceEUI is the DevEUI the node will use, for telemetry naming.
func deviceEUI(cfg node.Config, keys keystore.Device) [8]byte {
	if keys == nil {
		return cfg.OTAA.DevEUI
	}
	if eui := keys.DevEUI(); eui != [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF} {
		return eui
	}
	return cfg.OTAA.DevEUI
}

func stackVersion(base string) string {
	if version == "dev" {
		return base
	}
	return base + "+" + version
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// The console owns stdout when no serial port is configured.
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
