// Package settings loads the broker configuration from defaults, a YAML file,
// a .env file and the environment, in that order of increasing precedence.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the broker reads
const EnvPrefix = "PEEPRELAY_"

// Config is the broker configuration
type Config struct {
	Listen Listen `yaml:"listen"`
	Relay  Relay  `yaml:"relay"`
	Log    Log    `yaml:"log"`
}

// Listen is where the broker accepts connections
type Listen struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// Relay holds per-connection limits
type Relay struct {
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	SendQueue       int           `yaml:"send_queue"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	ControlRate     float64       `yaml:"control_rate"`
	ControlBurst    int           `yaml:"control_burst"`
}

// Log selects the log handler
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	File   string `yaml:"file"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Listen: Listen{
			Addr: "0.0.0.0:9000",
			Path: "/ws",
		},
		Relay: Relay{
			MaxMessageBytes: 16 << 20,
			SendQueue:       256,
			WriteTimeout:    10 * time.Second,
			PingInterval:    30 * time.Second,
			ControlBurst:    20,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file path.
// Uses XDG_CONFIG_HOME if set, otherwise the platform user config directory.
func DefaultPath() (string, error) {
	var configDir string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "peeprelay")
	} else {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(userConfigDir, "peeprelay")
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// Load reads the YAML file at path over the defaults. An empty path means
// DefaultPath. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return cfg, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("settings: read %s: %w", path, err)
	}

	// Fields absent from the file keep their defaults
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating the directory if needed
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadEnvFile loads variables from a .env file into the process environment
// without overriding variables that are already set. An empty path tries
// ".env" in the working directory and ignores its absence.
func LoadEnvFile(path string) error {
	optional := path == ""
	if optional {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("settings: load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg from PEEPRELAY_* variables. A bare PORT, as set by
// most hosting platforms, becomes ":PORT" unless PEEPRELAY_ADDR is set.
func ApplyEnv(cfg *Config) error {
	if port, ok := os.LookupEnv("PORT"); ok && port != "" {
		cfg.Listen.Addr = ":" + port
	}

	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	parse := func(name string, set func(string) error) {
		if v, ok := lookup(name); ok {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("settings: %s%s: %w", EnvPrefix, name, err))
			}
		}
	}

	str("ADDR", &cfg.Listen.Addr)
	str("PATH", &cfg.Listen.Path)
	parse("MAX_MESSAGE_BYTES", func(v string) (err error) {
		cfg.Relay.MaxMessageBytes, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	parse("SEND_QUEUE", func(v string) (err error) {
		cfg.Relay.SendQueue, err = strconv.Atoi(v)
		return err
	})
	parse("WRITE_TIMEOUT", func(v string) (err error) {
		cfg.Relay.WriteTimeout, err = time.ParseDuration(v)
		return err
	})
	parse("PING_INTERVAL", func(v string) (err error) {
		cfg.Relay.PingInterval, err = time.ParseDuration(v)
		return err
	})
	parse("CONTROL_RATE", func(v string) (err error) {
		cfg.Relay.ControlRate, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse("CONTROL_BURST", func(v string) (err error) {
		cfg.Relay.ControlBurst, err = strconv.Atoi(v)
		return err
	})
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("LOG_FILE", &cfg.Log.File)

	return errors.Join(errs...)
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
}

// Validate reports the first invalid setting
func (c Config) Validate() error {
	switch {
	case c.Listen.Addr == "":
		return errors.New("settings: listen.addr is empty")
	case !strings.HasPrefix(c.Listen.Path, "/"):
		return fmt.Errorf("settings: listen.path %q must start with /", c.Listen.Path)
	case c.Relay.MaxMessageBytes < 0:
		return errors.New("settings: relay.max_message_bytes is negative")
	case c.Relay.SendQueue < 2:
		return fmt.Errorf("settings: relay.send_queue %d is below 2", c.Relay.SendQueue)
	case c.Relay.WriteTimeout < 0, c.Relay.PingInterval < 0:
		return errors.New("settings: relay durations must not be negative")
	case c.Relay.ControlRate < 0 || c.Relay.ControlBurst < 0:
		return errors.New("settings: relay control rate and burst must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("settings: unknown log.level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("settings: unknown log.format %q", c.Log.Format)
	}
	return nil
}
