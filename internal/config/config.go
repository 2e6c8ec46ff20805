// Package config handles jnap-presence configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/jnap-presence/internal/presence"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/jnap-presence/config.yaml,
// /etc/jnap-presence/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "jnap-presence", "config.yaml"))
	}

	paths = append(paths, "/etc/jnap-presence/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all jnap-presence configuration.
type Config struct {
	Router    RouterConfig `yaml:"router"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	Listen    ListenConfig `yaml:"listen"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text or json
}

// RouterConfig identifies the router and tunes polling.
type RouterConfig struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// DetectionTime is how many seconds a device keeps reporting home
	// after it was last seen active.
	DetectionTime int `yaml:"detection_time"`

	PollInterval int  `yaml:"poll_interval"` // seconds
	Timeout      int  `yaml:"timeout"`       // seconds per request
	UseHTTPS     bool `yaml:"use_https"`

	// SelfPolicy is "online" (track the router, always home) or
	// "exclude" (never track it).
	SelfPolicy string `yaml:"self_policy"`

	// EvictAfter removes devices offline for longer than this, e.g.
	// "720h". Zero keeps every device.
	EvictAfter time.Duration `yaml:"evict_after"`
}

// Detection returns DetectionTime as a duration.
func (c RouterConfig) Detection() time.Duration {
	return time.Duration(c.DetectionTime) * time.Second
}

// Interval returns PollInterval as a duration.
func (c RouterConfig) Interval() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// RequestTimeout returns Timeout as a duration.
func (c RouterConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// MQTTConfig defines the broker connection used to publish Home
// Assistant entities. An empty Broker disables MQTT.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval"`
}

// Configured reports whether MQTT publishing is enabled. Both the
// broker and the device name are required.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // 0 disables the server
}

// Load reads configuration from a YAML file, applies defaults for
// anything the file leaves out, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration. The router host is left
// empty because there is no sensible default.
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			Username:      "admin",
			DetectionTime: 300,
			PollInterval:  10,
			Timeout:       10,
			SelfPolicy:    string(presence.SelfOnline),
		},
		MQTT: MQTTConfig{
			DiscoveryPrefix:    "homeassistant",
			PublishIntervalSec: 60,
		},
		Listen:    ListenConfig{Port: 8086},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Router.Host) == "" {
		errs = append(errs, errors.New("router.host is required"))
	}
	if c.Router.DetectionTime < 0 {
		errs = append(errs, errors.New("router.detection_time must not be negative"))
	}
	if c.Router.PollInterval <= 0 {
		errs = append(errs, errors.New("router.poll_interval must be positive"))
	}
	if c.Router.Timeout <= 0 {
		errs = append(errs, errors.New("router.timeout must be positive"))
	}
	if c.Router.EvictAfter < 0 {
		errs = append(errs, errors.New("router.evict_after must not be negative"))
	}
	if _, err := presence.ParseSelfPolicy(c.Router.SelfPolicy); err != nil {
		errs = append(errs, fmt.Errorf("router.self_policy: %w", err))
	}

	if c.MQTT.Broker != "" {
		u, err := url.Parse(c.MQTT.Broker)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		case !validBrokerScheme(u.Scheme):
			errs = append(errs, fmt.Errorf("mqtt.broker: unsupported scheme %q", u.Scheme))
		}
		if c.MQTT.DeviceName == "" {
			errs = append(errs, errors.New("mqtt.device_name is required when mqtt.broker is set"))
		}
		if c.MQTT.DiscoveryPrefix == "" {
			errs = append(errs, errors.New("mqtt.discovery_prefix must not be empty"))
		}
		if c.MQTT.PublishIntervalSec <= 0 {
			errs = append(errs, errors.New("mqtt.publish_interval must be positive"))
		}
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, fmt.Errorf("log_format: %w", err))
	}

	return errors.Join(errs...)
}

func validBrokerScheme(s string) bool {
	switch s {
	case "mqtt", "mqtts", "tcp", "ssl", "ws", "wss":
		return true
	}
	return false
}
