// Package config loads balance-rpc settings from TOML or YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"balance-rpc/codec"
	"balance-rpc/loadbalance"
	"balance-rpc/logging"
	"balance-rpc/pattern"
)

var ErrUnsupportedFormat = errors.New("config: unsupported file format")

type Config struct {
	Model       string `toml:"model" yaml:"model"` // consume or observe
	Codec       string `toml:"codec" yaml:"codec"` // json or binary
	LogLevel    string `toml:"log_level" yaml:"log_level"`
	MetricsAddr string `toml:"metrics_addr" yaml:"metrics_addr"`

	Client ClientConfig  `toml:"client" yaml:"client"`
	Server ServerConfig  `toml:"server" yaml:"server"`
	Etcd   EtcdConfig    `toml:"etcd" yaml:"etcd"`
	Groups []GroupConfig `toml:"groups" yaml:"groups"`
}

type ClientConfig struct {
	Timeout     time.Duration `toml:"timeout" yaml:"timeout"`
	Retries     int           `toml:"retries" yaml:"retries"`
	RetryDelay  time.Duration `toml:"retry_delay" yaml:"retry_delay"`
	DialTimeout time.Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	Heartbeat   time.Duration `toml:"heartbeat" yaml:"heartbeat"`
}

type ServerConfig struct {
	Listen    string        `toml:"listen" yaml:"listen"`
	Advertise string        `toml:"advertise" yaml:"advertise"`
	Pins      []string      `toml:"pins" yaml:"pins"`
	Weight    int           `toml:"weight" yaml:"weight"`
	RateLimit float64       `toml:"rate_limit" yaml:"rate_limit"` // requests per second, 0 disables
	Burst     int           `toml:"burst" yaml:"burst"`
	TTL       time.Duration `toml:"ttl" yaml:"ttl"`
	Shutdown  time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type EtcdConfig struct {
	Endpoints []string `toml:"endpoints" yaml:"endpoints"`
}

// GroupConfig declares a balancer group and its static targets. With Watch
// set, targets advertised in etcd for the pin are added as well.
type GroupConfig struct {
	Pin     string         `toml:"pin" yaml:"pin"`
	Watch   bool           `toml:"watch" yaml:"watch"`
	Targets []TargetConfig `toml:"targets" yaml:"targets"`
}

type TargetConfig struct {
	ID     string `toml:"id" yaml:"id"`
	Addr   string `toml:"addr" yaml:"addr"`
	Pin    string `toml:"pin" yaml:"pin"` // defaults to the group pin
	Weight int    `toml:"weight" yaml:"weight"`
}

// Load reads a config file, expanding ${VAR} environment references. The
// format follows the extension: .toml, .yaml or .yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parse config toml: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
	return &cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.Model == "" {
		c.Model = loadbalance.ModelConsume
	}
	if c.Codec == "" {
		c.Codec = "json"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = 5 * time.Second
	}
	if c.Client.RetryDelay == 0 {
		c.Client.RetryDelay = 50 * time.Millisecond
	}
	if c.Client.DialTimeout == 0 {
		c.Client.DialTimeout = 5 * time.Second
	}
	if c.Client.Heartbeat == 0 {
		c.Client.Heartbeat = 30 * time.Second
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":4000"
	}
	if c.Server.TTL == 0 {
		c.Server.TTL = 10 * time.Second
	}
	if c.Server.Shutdown == 0 {
		c.Server.Shutdown = 5 * time.Second
	}
	if c.Server.RateLimit > 0 && c.Server.Burst == 0 {
		c.Server.Burst = int(c.Server.RateLimit) + 1
	}
	for i := range c.Groups {
		for j := range c.Groups[i].Targets {
			if c.Groups[i].Targets[j].Pin == "" {
				c.Groups[i].Targets[j].Pin = c.Groups[i].Pin
			}
		}
	}
}

// Validate checks values that would otherwise fail at startup.
func (c *Config) Validate() error {
	if _, err := loadbalance.ModelByName(c.Model); err != nil {
		return err
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		return err
	}
	if _, _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Client.Retries < 0 {
		return fmt.Errorf("client.retries must be >= 0, got %d", c.Client.Retries)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must be >= 0, got %v", c.Server.RateLimit)
	}
	for _, pin := range c.Server.Pins {
		if _, err := pattern.Canonicalize(pin); err != nil {
			return fmt.Errorf("server pin %q: %w", pin, err)
		}
	}
	for i, g := range c.Groups {
		if _, err := pattern.Canonicalize(g.Pin); err != nil {
			return fmt.Errorf("groups[%d].pin: %w", i, err)
		}
		if g.Watch && len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("groups[%d] watches etcd but etcd.endpoints is empty", i)
		}
		for j, t := range g.Targets {
			if t.Addr == "" {
				return fmt.Errorf("groups[%d].targets[%d].addr is required", i, j)
			}
			if _, err := pattern.Canonicalize(t.Pin); err != nil {
				return fmt.Errorf("groups[%d].targets[%d].pin: %w", i, j, err)
			}
		}
	}
	return nil
}
