package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lorawan-node/internal/mac"
	"lorawan-node/internal/node"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Device.Backend != "sim" || cfg.Web.Listen != "127.0.0.1:8080" || cfg.Log.Level != "info" {
		t.Errorf("defaults = %+v", cfg)
	}
	if !cfg.Capabilities.Compliance || !cfg.Capabilities.Persistence || !cfg.Capabilities.Multicast {
		t.Errorf("capabilities = %+v", cfg.Capabilities)
	}

	nc, err := cfg.nodeConfig()
	if err != nil {
		t.Fatal(err)
	}
	def := node.DefaultConfig()
	if len(nc.Capabilities.Bands) != len(mac.AllBands) {
		t.Errorf("bands = %v", nc.Capabilities.Bands)
	}
	if nc.OTAA != def.OTAA || nc.ABP != def.ABP {
		t.Error("demo keys not kept")
	}
	if nc.Cert.OTAA != def.OTAA || nc.Cert.ABP != def.ABP {
		t.Error("certification keys do not default to the demo keys")
	}
	if nc.PeriodicInterval != def.PeriodicInterval || nc.RestoreAttempts != def.RestoreAttempts {
		t.Errorf("timing = %v / %d", nc.PeriodicInterval, nc.RestoreAttempts)
	}
}

func TestNodeConfigFromYAML(t *testing.T) {
	cfg, err := parseConfig([]byte(`
capabilities:
  bands: [eu868, NA915]
  multicast: false
  power_management: true
lorawan:
  activation: abp
  class: c
  confirmed: true
  port: 10
  sub_band: 2
  keys:
    dev_eui: "00:11:22:33:44:55:66:77"
    app_key: 000102030405060708090a0b0c0d0e0f
    dev_addr: "0x26011234"
certification:
  app_port: 3
  period_ms: 7000
device:
  hardware_eui: FFFFFFFFFFFFFFFF
timing:
  periodic_interval_ms: 60000
  sleep_ms: 2500
  restore_attempts: 3
  restore_key_wait_ms: 250
`))
	if err != nil {
		t.Fatal(err)
	}
	nc, err := cfg.nodeConfig()
	if err != nil {
		t.Fatal(err)
	}

	if len(nc.Capabilities.Bands) != 2 || nc.Capabilities.Bands[0] != mac.EU868 || nc.Capabilities.Bands[1] != mac.NA915 {
		t.Errorf("bands = %v", nc.Capabilities.Bands)
	}
	if nc.Capabilities.Multicast || nc.Multicast.Enabled || !nc.Capabilities.PowerManagement || !nc.Capabilities.Compliance {
		t.Errorf("capabilities = %+v", nc.Capabilities)
	}
	if nc.Activation != mac.ABP || nc.Class != mac.ClassC || !nc.Confirmed || nc.Port != 10 || nc.SubBand != 2 {
		t.Errorf("lorawan = %v %v %v %d %d", nc.Activation, nc.Class, nc.Confirmed, nc.Port, nc.SubBand)
	}
	if nc.OTAA.DevEUI != [8]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77} {
		t.Errorf("dev eui = % X (all-FF hardware EUI must not override)", nc.OTAA.DevEUI)
	}
	if nc.OTAA.AppKey[15] != 0x0F || nc.ABP.DevAddr != 0x26011234 {
		t.Errorf("app key % X dev addr 0x%08X", nc.OTAA.AppKey, nc.ABP.DevAddr)
	}
	if nc.Cert.OTAA.DevEUI != nc.OTAA.DevEUI || nc.Cert.AppPort != 3 || nc.Cert.Period != 7*time.Second {
		t.Errorf("cert = %+v", nc.Cert)
	}
	if nc.PeriodicInterval != time.Minute || nc.SleepDuration != 2500*time.Millisecond || nc.RestoreAttempts != 3 {
		t.Errorf("timing = %v %v %d", nc.PeriodicInterval, nc.SleepDuration, nc.RestoreAttempts)
	}
	if nc.RestoreKeyWait != 250*time.Millisecond {
		t.Errorf("restore key wait = %v", nc.RestoreKeyWait)
	}
}

func TestHardwareEUIOverride(t *testing.T) {
	cfg, err := parseConfig([]byte("device:\n  hardware_eui: 0004A30B001C0530\n"))
	if err != nil {
		t.Fatal(err)
	}
	nc, err := cfg.nodeConfig()
	if err != nil {
		t.Fatal(err)
	}
	if nc.OTAA.DevEUI != [8]byte{0x00, 0x04, 0xA3, 0x0B, 0x00, 0x1C, 0x05, 0x30} {
		t.Errorf("dev eui = % X", nc.OTAA.DevEUI)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"backend", "device: {backend: lora9000}", "device.backend"},
		{"rn2483 port", "device: {backend: rn2483}", "device.port"},
		{"band", "capabilities: {bands: [EU433]}", "capabilities.bands"},
		{"sub band", "lorawan: {sub_band: 9}", "sub_band"},
		{"activation", "lorawan: {activation: otab}", "lorawan.activation"},
		{"class", "certification: {class: D}", "certification.class"},
		{"short key", "lorawan: {keys: {app_key: 0011}}", "lorawan.keys.app_key"},
		{"bad hex", "lorawan: {keys: {dev_eui: zz11223344556677}}", "lorawan.keys.dev_eui"},
		{"bad addr", "lorawan: {keys: {dev_addr: xyz}}", "dev_addr"},
		{"port", "lorawan: {port: 224}", "lorawan.port"},
		{"negative", "timing: {sleep_ms: -1}", "timing.sleep_ms"},
		{"negative key wait", "timing: {restore_key_wait_ms: -5}", "timing.restore_key_wait_ms"},
		{"sensor", "sensor: {type: i2c}", "sensor.type"},
		{"crypto", "capabilities: {crypto_device: true}", "keystore.root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseConfig([]byte(tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestParseHex(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want []byte
		ok   bool
	}{
		{"DEAFFACE", 4, []byte{0xDE, 0xAF, 0xFA, 0xCE}, true},
		{"de:af:fa:ce", 4, []byte{0xDE, 0xAF, 0xFA, 0xCE}, true},
		{"de af fa ce", 4, []byte{0xDE, 0xAF, 0xFA, 0xCE}, true},
		{"DEAF", 4, nil, false},
		{"DEAFFACEZZ", 5, nil, false},
	}
	for _, tt := range tests {
		got, err := parseHex(tt.in, tt.n)
		if (err == nil) != tt.ok {
			t.Errorf("parseHex(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && !bytes.Equal(got, tt.want) {
			t.Errorf("parseHex(%q) = % X", tt.in, got)
		}
	}
}

func TestLoadConfigMissing(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadNodeConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"valid", "timing: {restore_key_wait_ms: 40}\n", ""},
		{"unparseable", "timing: [\n", "parse config"},
		{"bad band", "capabilities: {bands: [EU433]}\n", "capabilities.bands"},
		{"bad port", "certification: {app_port: 230}\n", "certification.app_port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			cfg, nc, err := loadNodeConfig(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("loadNodeConfig() = %v, want error mentioning %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cfg == nil || nc.RestoreKeyWait != 40*time.Millisecond || len(nc.Capabilities.Bands) == 0 {
				t.Errorf("node config = %+v", nc)
			}
		})
	}
	if _, _, err := loadNodeConfig(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExampleConfig(t *testing.T) {
	data, err := os.ReadFile("../../config.example.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := parseConfig(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenKeystore(t *testing.T) {
	cfg, err := parseConfig([]byte(`
capabilities: {crypto_device: true}
keystore:
  root: factory-secret
  serial: 0123C0FFEE00000001
  serial_as_dev_eui: true
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	ks, err := openKeystore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := [8]byte{0x01, 0x23, 0xC0, 0xFF, 0xEE, 0x00, 0x00, 0x00}
	if got := deviceEUI(node.DefaultConfig(), ks); got != want {
		t.Errorf("device eui = % X, want % X", got, want)
	}
}
