package bridge

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// BusType selects which message bus the bridge connects to.
type BusType string

const (
	SessionBus BusType = "session"
	SystemBus  BusType = "system"
)

// SignalMapping republishes a D-Bus signal onto an MQTT topic. All
// fields are fixed at config load.
type SignalMapping struct {
	Service   string `yaml:"service"`
	Path      string `yaml:"path"`
	Interface string `yaml:"interface"`
	Signal    string `yaml:"signal"`
	Topic     string `yaml:"topic"`
}

// CommandMapping dispatches messages arriving on an MQTT topic as a
// D-Bus method call.
type CommandMapping struct {
	Topic     string `yaml:"topic"`
	Service   string `yaml:"service"`
	Path      string `yaml:"path"`
	Interface string `yaml:"interface"`
	Method    string `yaml:"method"`
}

// Auth carries broker credentials. Username and password must be
// given together.
type Auth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BrokerConfig describes the MQTT broker endpoint.
type BrokerConfig struct {
	Host string `yaml:"broker"`
	Port int    `yaml:"port"`
	Auth *Auth  `yaml:"auth"`
}

// Addr returns the broker endpoint as a paho server URI.
func (b BrokerConfig) Addr() string {
	return fmt.Sprintf("tcp://%s:%d", b.Host, b.Port)
}

// Mappings is the declarative bridging table.
type Mappings struct {
	DBusToMQTT []SignalMapping  `yaml:"dbus_to_mqtt"`
	MQTTToDBus []CommandMapping `yaml:"mqtt_to_dbus"`
}

// Config is the bridge configuration, as loaded from YAML.
type Config struct {
	MQTT     BrokerConfig `yaml:"mqtt"`
	BusType  BusType      `yaml:"bus_type"`
	Mappings Mappings     `yaml:"mappings"`
}

const defaultBrokerPort = 1883

// LoadConfig reads and decodes the configuration file at path,
// applying defaults for absent optional fields. The result is not
// validated; call [Config.Validate] before using it.
func LoadConfig(path string) (*Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := ParseConfig(bs)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML configuration bytes.
func ParseConfig(bs []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return nil, err
	}
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = defaultBrokerPort
	}
	if cfg.BusType == "" {
		cfg.BusType = SessionBus
	}
	return &cfg, nil
}

// DefaultConfigPaths returns the locations searched for a config
// file when none is given on the command line, in search order.
func DefaultConfigPaths() []string {
	var paths []string
	if home := os.Getenv("HOME"); home != "" {
		paths = append(paths, filepath.Join(home, ".config", "dbus-mqtt-bridge", "config.yaml"))
	}
	paths = append(paths,
		"/etc/dbus-mqtt-bridge/config.yaml",
		"config.yaml",
	)
	return paths
}

// FindConfigFile resolves the config file to use. An explicit path
// must exist; otherwise the default search locations are probed in
// order.
func FindConfigFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}
	for _, p := range DefaultConfigPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found in %v", DefaultConfigPaths())
}
