// Package config loads the YAML configuration describing which objects
// and methods the daemon serves on the bus.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MethodConfig declares one served method with a fixed reply.
type MethodConfig struct {
	Name      string `yaml:"name"`
	Signature string `yaml:"signature"`
	Reply     []any  `yaml:"reply"`
}

// ObjectConfig declares the methods served at one object path. An empty
// interface registers the methods so that they answer calls naming any
// interface (or none).
type ObjectConfig struct {
	Path      string         `yaml:"path"`
	Interface string         `yaml:"interface"`
	Methods   []MethodConfig `yaml:"methods"`
}

// Config is the top-level configuration file structure.
type Config struct {
	BusAddress      string         `yaml:"bus_address"`
	Name            string         `yaml:"name"`
	LogLevel        string         `yaml:"log_level"`
	LogFormat       string         `yaml:"log_format"`
	SlowCallWarning Duration       `yaml:"slow_call_warning"`
	ResolveSenders  *bool          `yaml:"resolve_senders"`
	Objects         []ObjectConfig `yaml:"objects"`
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "dbus-objects", "config.yaml")
}

// Load reads and parses a YAML config file. If the file does not exist,
// it returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for i, obj := range c.Objects {
		if obj.Path == "" {
			return fmt.Errorf("objects[%d]: path is required", i)
		}
		if len(obj.Methods) == 0 {
			return fmt.Errorf("objects[%d] (%s): at least one method is required", i, obj.Path)
		}
		for j, m := range obj.Methods {
			if m.Name == "" {
				return fmt.Errorf("objects[%d].methods[%d]: name is required", i, j)
			}
			if m.Signature == "" && len(m.Reply) > 0 {
				return fmt.Errorf("objects[%d].methods[%d] (%s): reply values need a signature", i, j, m.Name)
			}
		}
	}
	return nil
}
