// Package config loads the castspeak settings file and the device registry.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/ini.v1"

	"go2tv.app/castspeak/internal/domain"
)

const (
	DefaultPath = "~/.config/castspeak/castspeak.ini"

	settingsSection     = "Settings"
	deviceSectionPrefix = "Device "

	defaultFileExpirySeconds        = 120
	defaultConnectTimeoutSeconds    = 10
	defaultHeartbeatIntervalSeconds = 4
)

var ErrInvalidConfig = errors.New("config: invalid")

// Settings mirrors the [Settings] section.
type Settings struct {
	WebServerIPAddress       string `mapstructure:"WebServerIPAddress"`
	WebServerPort            int    `mapstructure:"WebServerPort"`
	FileExpirySeconds        int    `mapstructure:"FileExpirySeconds"`
	ConnectTimeoutSeconds    int    `mapstructure:"ConnectTimeoutSeconds"`
	HeartbeatIntervalSeconds int    `mapstructure:"HeartbeatIntervalSeconds"`
	HeartbeatTimeoutSeconds  int    `mapstructure:"HeartbeatTimeoutSeconds"`
	DeviceIDs                string `mapstructure:"DeviceIds"`
}

type deviceSection struct {
	Name   string `mapstructure:"Name"`
	IP     string `mapstructure:"IP"`
	Volume *int   `mapstructure:"Volume"`
}

type Config struct {
	// Path is the file the configuration came from, empty when defaults
	// were used.
	Path     string
	Settings Settings
	Registry *Registry
}

func (c *Config) FileExpiry() time.Duration {
	return time.Duration(c.Settings.FileExpirySeconds) * time.Second
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Settings.ConnectTimeoutSeconds) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Settings.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatTimeout is zero when the PONG watchdog is disabled.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Settings.HeartbeatTimeoutSeconds) * time.Second
}

func defaultSettings() Settings {
	return Settings{
		FileExpirySeconds:        defaultFileExpirySeconds,
		ConnectTimeoutSeconds:    defaultConnectTimeoutSeconds,
		HeartbeatIntervalSeconds: defaultHeartbeatIntervalSeconds,
	}
}

// ResolvePath picks the configuration file: the explicit path, then
// CASTSPEAK_CONFIG, then the default location. explicit reports whether
// the file must exist.
func ResolvePath(flagPath string) (path string, explicit bool, err error) {
	candidate := strings.TrimSpace(flagPath)
	if candidate == "" {
		candidate = strings.TrimSpace(os.Getenv("CASTSPEAK_CONFIG"))
	}
	explicit = candidate != ""
	if !explicit {
		candidate = DefaultPath
	}
	path, err = homedir.Expand(candidate)
	if err != nil {
		return "", false, fmt.Errorf("config: expand %q: %w", candidate, err)
	}
	return path, explicit, nil
}

// Load reads the configuration file chosen by ResolvePath. A missing
// default file yields an empty registry.
func Load(flagPath string) (*Config, error) {
	path, explicit, err := ResolvePath(flagPath)
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(path); statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) && !explicit {
			cfg, err := build(ini.Empty())
			if err != nil {
				return nil, err
			}
			return cfg, applyEnv(cfg)
		}
		return nil, fmt.Errorf("config: %w", statErr)
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg, err := build(file)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, applyEnv(cfg)
}

// Parse builds a configuration from INI text without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return build(file)
}

func build(file *ini.File) (*Config, error) {
	settings := defaultSettings()
	if err := decodeSection(file.Section(settingsSection), &settings); err != nil {
		return nil, fmt.Errorf("%w: [%s]: %v", ErrInvalidConfig, settingsSection, err)
	}
	if err := validateSettings(settings); err != nil {
		return nil, err
	}

	sections := map[string]*ini.Section{}
	var order []string
	for _, sec := range file.Sections() {
		name := sec.Name()
		if !strings.HasPrefix(name, deviceSectionPrefix) {
			continue
		}
		id := strings.TrimSpace(strings.TrimPrefix(name, deviceSectionPrefix))
		if id == "" {
			return nil, fmt.Errorf("%w: device section %q has no id", ErrInvalidConfig, name)
		}
		if _, dup := sections[id]; dup {
			return nil, fmt.Errorf("%w: duplicate device id %q", ErrInvalidConfig, id)
		}
		sections[id] = sec
		order = append(order, id)
	}

	ids := splitList(settings.DeviceIDs)
	if len(ids) == 0 {
		ids = order
	}

	devices := make([]domain.Device, 0, len(ids))
	for _, id := range ids {
		sec, ok := sections[id]
		if !ok {
			return nil, fmt.Errorf("%w: DeviceIds lists %q without a [%s%s] section", ErrInvalidConfig, id, deviceSectionPrefix, id)
		}
		device, err := decodeDevice(id, sec)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	registry, err := NewRegistry(devices)
	if err != nil {
		return nil, err
	}
	return &Config{Settings: settings, Registry: registry}, nil
}

func decodeDevice(id string, sec *ini.Section) (domain.Device, error) {
	var raw deviceSection
	if err := decodeSection(sec, &raw); err != nil {
		return domain.Device{}, fmt.Errorf("%w: device %q: %v", ErrInvalidConfig, id, err)
	}
	host := strings.TrimSpace(raw.IP)
	if host == "" {
		return domain.Device{}, fmt.Errorf("%w: device %q has no IP", ErrInvalidConfig, id)
	}
	if raw.Volume != nil && (*raw.Volume < 0 || *raw.Volume > 100) {
		return domain.Device{}, fmt.Errorf("%w: device %q volume %d outside 0-100", ErrInvalidConfig, id, *raw.Volume)
	}
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		name = id
	}
	return domain.Device{ID: id, Name: name, Host: host, Volume: raw.Volume}, nil
}

// decodeSection maps non-empty keys onto out with weak typing so "40"
// becomes an int.
func decodeSection(sec *ini.Section, out any) error {
	values := map[string]any{}
	for key, value := range sec.KeysHash() {
		if strings.TrimSpace(value) == "" {
			continue
		}
		values[key] = strings.TrimSpace(value)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(values)
}

func validateSettings(s Settings) error {
	if s.WebServerPort < 0 || s.WebServerPort > 65535 {
		return fmt.Errorf("%w: WebServerPort %d out of range", ErrInvalidConfig, s.WebServerPort)
	}
	for name, v := range map[string]int{
		"FileExpirySeconds":        s.FileExpirySeconds,
		"ConnectTimeoutSeconds":    s.ConnectTimeoutSeconds,
		"HeartbeatIntervalSeconds": s.HeartbeatIntervalSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if s.HeartbeatTimeoutSeconds < 0 {
		return fmt.Errorf("%w: HeartbeatTimeoutSeconds must not be negative", ErrInvalidConfig)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := strings.TrimSpace(os.Getenv("CASTSPEAK_WEB_HOST")); host != "" {
		cfg.Settings.WebServerIPAddress = host
	}
	if raw := strings.TrimSpace(os.Getenv("CASTSPEAK_WEB_PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("%w: CASTSPEAK_WEB_PORT %q", ErrInvalidConfig, raw)
		}
		cfg.Settings.WebServerPort = port
	}
	return nil
}

func splitList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}
