package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
)

const sampleConfig = `
[Settings]
WebServerIPAddress = 192.168.1.10
WebServerPort = 8090
FileExpirySeconds = 60
DeviceIds = kitchen, living

[Device kitchen]
Name = Kitchen speaker
IP = 192.168.1.20
Volume = 40

[Device living]
Name = Living Room
IP = 192.168.1.21
Volume =

[Device garage]
IP = 192.168.1.22
`

func TestParseSettingsAndDevices(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Settings.WebServerIPAddress != "192.168.1.10" || cfg.Settings.WebServerPort != 8090 {
		t.Fatalf("unexpected web server settings %+v", cfg.Settings)
	}
	if cfg.FileExpiry() != time.Minute {
		t.Fatalf("expected FileExpiry 60s, got %s", cfg.FileExpiry())
	}
	if cfg.ConnectTimeout() != 10*time.Second || cfg.HeartbeatInterval() != 4*time.Second || cfg.HeartbeatTimeout() != 0 {
		t.Fatalf("expected defaults for unset keys, got %+v", cfg.Settings)
	}

	devices := cfg.Registry.Devices()
	if len(devices) != 2 {
		t.Fatalf("expected only DeviceIds to be registered, got %+v", devices)
	}
	kitchen := devices[0]
	if kitchen.ID != "kitchen" || kitchen.Host != "192.168.1.20" || kitchen.Volume == nil || *kitchen.Volume != 40 {
		t.Fatalf("unexpected kitchen device %+v", kitchen)
	}
	if devices[1].ID != "living" || devices[1].Volume != nil {
		t.Fatalf("expected empty volume to stay unset, got %+v", devices[1])
	}
}

func TestParseWithoutDeviceIdsUsesAllSections(t *testing.T) {
	cfg, err := Parse([]byte(`
[Device b]
IP = 10.0.0.2
[Device a]
IP = 10.0.0.1
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	devices := cfg.Registry.Devices()
	if len(devices) != 2 || devices[0].ID != "a" || devices[1].ID != "b" {
		t.Fatalf("expected devices sorted by id, got %+v", devices)
	}
	if devices[0].Name != "a" {
		t.Fatalf("expected name to default to id, got %q", devices[0].Name)
	}
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	tests := map[string]string{
		"missing ip":       "[Device a]\nName = A\n",
		"volume range":     "[Device a]\nIP = 10.0.0.1\nVolume = 140\n",
		"volume not int":   "[Device a]\nIP = 10.0.0.1\nVolume = loud\n",
		"unknown id":       "[Settings]\nDeviceIds = a,b\n[Device a]\nIP = 10.0.0.1\n",
		"negative port":    "[Settings]\nWebServerPort = -1\n",
		"zero expiry":      "[Settings]\nFileExpirySeconds = 0\n",
		"negative timeout": "[Settings]\nHeartbeatTimeoutSeconds = -3\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(raw)); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadMissingDefaultFileYieldsEmptyRegistry(t *testing.T) {
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CASTSPEAK_CONFIG", "")
	t.Setenv("CASTSPEAK_WEB_HOST", "")
	t.Setenv("CASTSPEAK_WEB_PORT", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Path != "" || len(cfg.Registry.Devices()) != 0 {
		t.Fatalf("expected empty default config, got %+v", cfg)
	}
	if cfg.FileExpiry() != 120*time.Second {
		t.Fatalf("expected default expiry, got %s", cfg.FileExpiry())
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.ini")); err == nil {
		t.Fatal("expected an explicit missing file to fail")
	}
}

func TestLoadResolvesEnvPathAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "castspeak.ini")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CASTSPEAK_CONFIG", path)
	t.Setenv("CASTSPEAK_WEB_HOST", "10.1.1.1")
	t.Setenv("CASTSPEAK_WEB_PORT", "9000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Path != path {
		t.Fatalf("expected path %s, got %s", path, cfg.Path)
	}
	if cfg.Settings.WebServerIPAddress != "10.1.1.1" || cfg.Settings.WebServerPort != 9000 {
		t.Fatalf("expected env overrides, got %+v", cfg.Settings)
	}

	t.Setenv("CASTSPEAK_WEB_PORT", "http")
	if _, err := Load(""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid port override to fail, got %v", err)
	}
}

func TestResolvePathPrefersFlag(t *testing.T) {
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CASTSPEAK_CONFIG", "/etc/castspeak.ini")

	path, explicit, err := ResolvePath("~/custom.ini")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if path != filepath.Join(home, "custom.ini") || !explicit {
		t.Fatalf("unexpected resolution %q explicit=%v", path, explicit)
	}
}
