package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Port.Type != "serial" {
		t.Errorf("Port.Type = %q, want %q", cfg.Port.Type, "serial")
	}
	if cfg.Port.BaudRate != 9600 {
		t.Errorf("Port.BaudRate = %d, want 9600", cfg.Port.BaudRate)
	}
	if cfg.Driver.Address != 0xF8 {
		t.Errorf("Driver.Address = 0x%02x, want 0xf8", cfg.Driver.Address)
	}
	if cfg.Driver.UpdateInterval != 200*time.Millisecond {
		t.Errorf("Driver.UpdateInterval = %v, want 200ms", cfg.Driver.UpdateInterval)
	}
	if cfg.MQTT.Enabled || cfg.API.Enabled || cfg.Store.Enabled {
		t.Error("optional outputs enabled by default")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
port:
  type: serial
  device: /dev/ttyUSB0
  baudrate: 9600
driver:
  address: 0x10
  update_interval: 1s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Driver.Address != 0x10 {
		t.Errorf("Driver.Address = 0x%02x, want 0x10", cfg.Driver.Address)
	}
	if cfg.Driver.UpdateInterval != time.Second {
		t.Errorf("Driver.UpdateInterval = %v, want 1s", cfg.Driver.UpdateInterval)
	}
	// Untouched fields keep their defaults.
	if cfg.Driver.ReadTimeout != 200*time.Millisecond {
		t.Errorf("Driver.ReadTimeout = %v, want the 200ms default", cfg.Driver.ReadTimeout)
	}
	if cfg.MQTT.Topic != "pzem/reading" {
		t.Errorf("MQTT.Topic = %q, want the default topic", cfg.MQTT.Topic)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() succeeded on a missing explicit path")
	}
}

func TestValidateRejectsBadQOS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.QOS = 3

	if err := Validate(cfg); err == nil {
		t.Error("Validate() accepted qos 3")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Port.Device = "/dev/ttyAMA0"
	cfg.Driver.Address = 0x42

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Port.Device != "/dev/ttyAMA0" {
		t.Errorf("Port.Device = %q, want %q", loaded.Port.Device, "/dev/ttyAMA0")
	}
	if loaded.Driver.Address != 0x42 {
		t.Errorf("Driver.Address = 0x%02x, want 0x42", loaded.Driver.Address)
	}
}
