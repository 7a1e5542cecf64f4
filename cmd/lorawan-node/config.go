package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lorawan-node/internal/mac"
	"lorawan-node/internal/node"
)

type keysConfig struct {
	DevEUI  string `yaml:"dev_eui"`
	JoinEUI string `yaml:"join_eui"`
	AppKey  string `yaml:"app_key"`
	DevAddr string `yaml:"dev_addr"`
	AppSKey string `yaml:"app_skey"`
	NwkSKey string `yaml:"nwk_skey"`
}

type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Device struct {
		Backend     string `yaml:"backend"` // "sim" or "rn2483"
		Port        string `yaml:"port"`
		Baud        int    `yaml:"baud"`
		JoinDelayMs int    `yaml:"join_delay_ms"`
		TxDelayMs   int    `yaml:"tx_delay_ms"`
		HardwareEUI string `yaml:"hardware_eui"`
	} `yaml:"device"`
	Console struct {
		Port string `yaml:"port"` // empty: stdin/stdout
		Baud int    `yaml:"baud"`
	} `yaml:"console"`
	Capabilities struct {
		Bands           []string `yaml:"bands"`
		Compliance      bool     `yaml:"compliance"`
		Persistence     bool     `yaml:"persistence"`
		PowerManagement bool     `yaml:"power_management"`
		CryptoDevice    bool     `yaml:"crypto_device"`
		Multicast       bool     `yaml:"multicast"`
		LEDStatus       bool     `yaml:"led_status"`
	} `yaml:"capabilities"`
	LoRaWAN struct {
		Activation string     `yaml:"activation"`
		Class      string     `yaml:"class"`
		Confirmed  bool       `yaml:"confirmed"`
		Port       uint8      `yaml:"port"`
		SubBand    uint8      `yaml:"sub_band"`
		Keys       keysConfig `yaml:"keys"`
		Multicast  struct {
			GroupAddr string `yaml:"group_addr"`
			AppSKey   string `yaml:"app_skey"`
			NwkSKey   string `yaml:"nwk_skey"`
		} `yaml:"multicast"`
	} `yaml:"lorawan"`
	Certification struct {
		Activation string     `yaml:"activation"`
		Class      string     `yaml:"class"`
		Confirmed  bool       `yaml:"confirmed"`
		AppPort    uint8      `yaml:"app_port"`
		PeriodMs   int        `yaml:"period_ms"`
		Keys       keysConfig `yaml:"keys"`
	} `yaml:"certification"`
	Timing struct {
		PeriodicIntervalMs int  `yaml:"periodic_interval_ms"`
		SleepMs            int  `yaml:"sleep_ms"`
		SleepResetsDevice  bool `yaml:"sleep_resets_device"`
		RestoreAttempts    int  `yaml:"restore_attempts"`
		RestoreIntervalMs  int  `yaml:"restore_interval_ms"`
		RestoreKeyWaitMs   int  `yaml:"restore_key_wait_ms"`
		ResetDelayMs       int  `yaml:"reset_delay_ms"`
		LEDBlinkMs         int  `yaml:"led_blink_ms"`
	} `yaml:"timing"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Sensor struct {
		Type    string   `yaml:"type"` // "sim" or "sysfs"
		Celsius float64  `yaml:"celsius"`
		Paths   []string `yaml:"paths"`
	} `yaml:"sensor"`
	LED struct {
		Root  string `yaml:"root"`
		Green string `yaml:"green"`
		Amber string `yaml:"amber"`
	} `yaml:"led"`
	Keystore struct {
		Serial         string `yaml:"serial"`
		JoinEUI        string `yaml:"join_eui"`
		DevEUI         string `yaml:"dev_eui"`
		SerialAsDevEUI bool   `yaml:"serial_as_dev_eui"`
		Info           string `yaml:"info"`
		Root           string `yaml:"root"`
	} `yaml:"keystore"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	NATS struct {
		Enabled         bool   `yaml:"enabled"`
		URL             string `yaml:"url"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ReconnectWaitMs int    `yaml:"reconnect_wait_ms"`
		MaxReconnects   int    `yaml:"max_reconnects"`
	} `yaml:"nats"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

// loadNodeConfig reads and validates the file and maps it onto the node
// configuration.
func loadNodeConfig(path string) (*Config, node.Config, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, node.Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return nil, node.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	nc, err := cfg.nodeConfig()
	if err != nil {
		return nil, node.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nc, nil
}

func parseConfig(data []byte) (*Config, error) {
	// Capabilities default on; the file switches them off.
	var cfg Config
	cfg.Capabilities.Compliance = true
	cfg.Capabilities.Persistence = true
	cfg.Capabilities.Multicast = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Device.Backend == "" {
		cfg.Device.Backend = "sim"
	}
	if cfg.Device.Baud == 0 {
		cfg.Device.Baud = 57600
	}
	if cfg.Device.JoinDelayMs == 0 {
		cfg.Device.JoinDelayMs = 2000
	}
	if cfg.Device.TxDelayMs == 0 {
		cfg.Device.TxDelayMs = 1000
	}
	if cfg.Console.Baud == 0 {
		cfg.Console.Baud = 115200
	}
	if len(cfg.Capabilities.Bands) == 0 {
		for _, b := range mac.AllBands {
			cfg.Capabilities.Bands = append(cfg.Capabilities.Bands, b.String())
		}
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "lorawan-node.db"
	}
	if cfg.Sensor.Type == "" {
		cfg.Sensor.Type = "sim"
	}
	if cfg.Sensor.Celsius == 0 {
		cfg.Sensor.Celsius = 23.5
	}
	if cfg.LED.Green == "" {
		cfg.LED.Green = "green"
	}
	if cfg.LED.Amber == "" {
		cfg.LED.Amber = "amber"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "lorawan"
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.ReconnectWaitMs == 0 {
		cfg.NATS.ReconnectWaitMs = 2000
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 60
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Device.Backend {
	case "sim":
	case "rn2483":
		if c.Device.Port == "" {
			return errors.New("device.port is required for the rn2483 backend")
		}
	default:
		return fmt.Errorf("unknown device.backend %q (supported: sim, rn2483)", c.Device.Backend)
	}
	if _, err := c.nodeConfig(); err != nil {
		return err
	}
	if c.Sensor.Type != "sim" && c.Sensor.Type != "sysfs" {
		return fmt.Errorf("unknown sensor.type %q (supported: sim, sysfs)", c.Sensor.Type)
	}
	for name, v := range map[string]int{
		"timing.periodic_interval_ms": c.Timing.PeriodicIntervalMs,
		"timing.sleep_ms":             c.Timing.SleepMs,
		"timing.restore_interval_ms":  c.Timing.RestoreIntervalMs,
		"timing.restore_key_wait_ms":  c.Timing.RestoreKeyWaitMs,
		"timing.reset_delay_ms":       c.Timing.ResetDelayMs,
		"timing.led_blink_ms":         c.Timing.LEDBlinkMs,
		"certification.period_ms":     c.Certification.PeriodMs,
		"device.join_delay_ms":        c.Device.JoinDelayMs,
		"device.tx_delay_ms":          c.Device.TxDelayMs,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}
	if c.Capabilities.CryptoDevice && c.Keystore.Root == "" {
		return errors.New("keystore.root is required with capabilities.crypto_device")
	}
	return nil
}

// nodeConfig maps the file onto node.Config, starting from the demo
// defaults. Unset keys keep their default value.
func (c *Config) nodeConfig() (node.Config, error) {
	nc := node.DefaultConfig()

	nc.Capabilities.Bands = nil
	for _, name := range c.Capabilities.Bands {
		b, err := mac.ParseBand(name)
		if err != nil {
			return nc, fmt.Errorf("capabilities.bands: %w", err)
		}
		nc.Capabilities.Bands = append(nc.Capabilities.Bands, b)
	}
	nc.Capabilities.Compliance = c.Capabilities.Compliance
	nc.Capabilities.Persistence = c.Capabilities.Persistence
	nc.Capabilities.PowerManagement = c.Capabilities.PowerManagement
	nc.Capabilities.CryptoDevice = c.Capabilities.CryptoDevice
	nc.Capabilities.Multicast = c.Capabilities.Multicast
	nc.Capabilities.LEDStatus = c.Capabilities.LEDStatus
	nc.Multicast.Enabled = c.Capabilities.Multicast

	lw := c.LoRaWAN
	if lw.Activation != "" {
		a, err := mac.ParseActivation(lw.Activation)
		if err != nil {
			return nc, fmt.Errorf("lorawan.activation: %w", err)
		}
		nc.Activation = a
	}
	if lw.Class != "" {
		cl, err := mac.ParseClass(lw.Class)
		if err != nil {
			return nc, fmt.Errorf("lorawan.class: %w", err)
		}
		nc.Class = cl
	}
	nc.Confirmed = lw.Confirmed
	if lw.Port != 0 {
		if lw.Port > 223 {
			return nc, fmt.Errorf("lorawan.port must be 1-223, got %d", lw.Port)
		}
		nc.Port = lw.Port
	}
	if lw.SubBand != 0 {
		if lw.SubBand > 8 {
			return nc, fmt.Errorf("lorawan.sub_band must be 1-8, got %d", lw.SubBand)
		}
		nc.SubBand = lw.SubBand
	}
	if err := lw.Keys.apply("lorawan.keys", &nc.OTAA, &nc.ABP); err != nil {
		return nc, err
	}
	if err := parseAddr("lorawan.multicast.group_addr", lw.Multicast.GroupAddr, &nc.Multicast.GroupAddr); err != nil {
		return nc, err
	}
	if err := parseKey("lorawan.multicast.app_skey", lw.Multicast.AppSKey, nc.Multicast.AppSKey[:]); err != nil {
		return nc, err
	}
	if err := parseKey("lorawan.multicast.nwk_skey", lw.Multicast.NwkSKey, nc.Multicast.NwkSKey[:]); err != nil {
		return nc, err
	}
	if c.Device.HardwareEUI != "" {
		var eui [8]byte
		if err := parseKey("device.hardware_eui", c.Device.HardwareEUI, eui[:]); err != nil {
			return nc, err
		}
		if eui != [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF} {
			nc.OTAA.DevEUI = eui
		}
	}

	// Certification keys default to the demo keys.
	cert := c.Certification
	nc.Cert.OTAA, nc.Cert.ABP = nc.OTAA, nc.ABP
	if cert.Activation != "" {
		a, err := mac.ParseActivation(cert.Activation)
		if err != nil {
			return nc, fmt.Errorf("certification.activation: %w", err)
		}
		nc.Cert.Activation = a
	}
	if cert.Class != "" {
		cl, err := mac.ParseClass(cert.Class)
		if err != nil {
			return nc, fmt.Errorf("certification.class: %w", err)
		}
		nc.Cert.Class = cl
	}
	nc.Cert.Confirmed = cert.Confirmed
	if cert.AppPort != 0 {
		if cert.AppPort > 223 {
			return nc, fmt.Errorf("certification.app_port must be 1-223, got %d", cert.AppPort)
		}
		nc.Cert.AppPort = cert.AppPort
	}
	setMs(&nc.Cert.Period, cert.PeriodMs)
	if err := cert.Keys.apply("certification.keys", &nc.Cert.OTAA, &nc.Cert.ABP); err != nil {
		return nc, err
	}

	t := c.Timing
	setMs(&nc.PeriodicInterval, t.PeriodicIntervalMs)
	setMs(&nc.SleepDuration, t.SleepMs)
	setMs(&nc.RestoreInterval, t.RestoreIntervalMs)
	setMs(&nc.RestoreKeyWait, t.RestoreKeyWaitMs)
	setMs(&nc.ResetDelay, t.ResetDelayMs)
	setMs(&nc.LEDBlink, t.LEDBlinkMs)
	nc.SleepResetsDevice = t.SleepResetsDevice
	if t.RestoreAttempts > 0 {
		nc.RestoreAttempts = t.RestoreAttempts
	}
	return nc, nil
}

func (k keysConfig) apply(prefix string, otaa *node.OTAAKeys, abp *node.ABPKeys) error {
	for _, f := range []struct {
		name string
		val  string
		dst  []byte
	}{
		{"dev_eui", k.DevEUI, otaa.DevEUI[:]},
		{"join_eui", k.JoinEUI, otaa.JoinEUI[:]},
		{"app_key", k.AppKey, otaa.AppKey[:]},
		{"app_skey", k.AppSKey, abp.AppSKey[:]},
		{"nwk_skey", k.NwkSKey, abp.NwkSKey[:]},
	} {
		if err := parseKey(prefix+"."+f.name, f.val, f.dst); err != nil {
			return err
		}
	}
	return parseAddr(prefix+".dev_addr", k.DevAddr, &abp.DevAddr)
}

func setMs(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

// parseKey decodes s into dst. An empty s leaves dst unchanged.
func parseKey(name, s string, dst []byte) error {
	if s == "" {
		return nil
	}
	b, err := parseHex(s, len(dst))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	copy(dst, b)
	return nil
}

func parseAddr(name, s string, dst *uint32) error {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = uint32(v)
	return nil
}

// parseHex decodes exactly n bytes of hex. Colons and spaces are ignored.
func parseHex(s string, n int) ([]byte, error) {
	s = strings.NewReplacer(":", "", " ", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("want %d bytes, got %d", n, len(b))
	}
	return b, nil
}
