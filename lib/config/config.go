// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the vmcd configuration.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Server configures the client-facing listeners.
	Server ServerConfig `yaml:"server"`

	// Log configures the daemon's structured logger.
	Log LogConfig `yaml:"log"`

	// Devices lists the character devices to serve.
	Devices []DeviceConfig `yaml:"devices"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Server *ServerConfig `yaml:"server,omitempty"`
	Log    *LogConfig    `yaml:"log,omitempty"`
}

// ServerConfig configures the client-facing listeners.
type ServerConfig struct {
	// Socket is the unix socket clients connect to.
	Socket string `yaml:"socket"`

	// MetricsAddress is the TCP address serving /metrics. Empty
	// disables the metrics listener.
	MetricsAddress string `yaml:"metrics_address"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is auto (text on a terminal, JSON otherwise), text or json.
	Format string `yaml:"format"`
}

// DeviceConfig describes one device. Unset tuning fields take the
// kind's defaults.
type DeviceConfig struct {
	// Name identifies the device to clients. Must be unique.
	Name string `yaml:"name"`

	// Kind is one of spicevmc, usbredir, port, smartcard, agent.
	Kind string `yaml:"kind"`

	// Path is the unix socket the hypervisor exposes for the device.
	Path string `yaml:"path"`

	// PortName is announced to clients of port devices. Defaults to
	// Name.
	PortName string `yaml:"port_name,omitempty"`

	FlowControl          *bool   `yaml:"flow_control,omitempty"`
	ClientTokensInterval *uint32 `yaml:"client_tokens_interval,omitempty"`
	SelfTokens           *uint64 `yaml:"self_tokens,omitempty"`
	MaxSendQueue         *int    `yaml:"max_send_queue,omitempty"`
	ClientTokens         *uint64 `yaml:"client_tokens,omitempty"`
	SendTokens           *uint64 `yaml:"send_tokens,omitempty"`

	// WriteRetry, WaitTokens and Reconnect are Go duration strings.
	WriteRetry string `yaml:"write_retry,omitempty"`
	WaitTokens string `yaml:"wait_tokens,omitempty"`
	Reconnect  string `yaml:"reconnect,omitempty"`
}

// DeviceKinds lists the valid device kinds.
var DeviceKinds = []string{"spicevmc", "usbredir", "port", "smartcard", "agent"}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Socket: "${XDG_RUNTIME_DIR:-/run}/vmcd/vmcd.sock",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// DefaultSocketPath returns the default channel socket with variables
// expanded from the environment. Clients use it when no socket is
// given.
func DefaultSocketPath() string {
	return expandVars(Default().Server.Socket, nil)
}

// Load loads configuration from the VMCD_CONFIG environment variable.
//
// There are no fallbacks: if VMCD_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("VMCD_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("VMCD_CONFIG environment variable not set; " +
			"set it to the path of your vmcd.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: logs go to a collector.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log: &LogConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Server != nil {
		if overrides.Server.Socket != "" {
			c.Server.Socket = overrides.Server.Socket
		}
		if overrides.Server.MetricsAddress != "" {
			c.Server.MetricsAddress = overrides.Server.MetricsAddress
		}
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME":            os.Getenv("HOME"),
		"XDG_RUNTIME_DIR": os.Getenv("XDG_RUNTIME_DIR"),
	}

	c.Server.Socket = expandVars(c.Server.Socket, vars)
	for index := range c.Devices {
		c.Devices[index].Path = expandVars(c.Devices[index].Path, vars)
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Server.Socket == "" {
		errs = append(errs, fmt.Errorf("server.socket is required"))
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(levels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levels))
	}
	formats := []string{"auto", "text", "json"}
	if !slices.Contains(formats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", formats))
	}

	if len(c.Devices) == 0 {
		errs = append(errs, fmt.Errorf("devices: at least one device is required"))
	}
	seen := make(map[string]bool)
	for index, device := range c.Devices {
		errs = append(errs, device.validate(index, seen)...)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (d DeviceConfig) validate(index int, seen map[string]bool) []error {
	var errs []error
	label := fmt.Sprintf("devices[%d]", index)
	if d.Name != "" {
		label = fmt.Sprintf("devices[%d] (%s)", index, d.Name)
	}

	switch {
	case d.Name == "":
		errs = append(errs, fmt.Errorf("%s: name is required", label))
	case seen[d.Name]:
		errs = append(errs, fmt.Errorf("%s: duplicate device name", label))
	}
	seen[d.Name] = true

	if !slices.Contains(DeviceKinds, d.Kind) {
		errs = append(errs, fmt.Errorf("%s: kind must be one of: %v", label, DeviceKinds))
	}
	if d.Path == "" {
		errs = append(errs, fmt.Errorf("%s: path is required", label))
	}
	if d.PortName != "" && d.Kind != "port" {
		errs = append(errs, fmt.Errorf("%s: port_name is only valid for kind port", label))
	}
	if d.MaxSendQueue != nil && *d.MaxSendQueue < 0 {
		errs = append(errs, fmt.Errorf("%s: max_send_queue must not be negative", label))
	}

	for _, field := range []struct{ name, value string }{
		{"write_retry", d.WriteRetry},
		{"wait_tokens", d.WaitTokens},
		{"reconnect", d.Reconnect},
	} {
		if _, err := parseDuration(field.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %s: %w", label, field.name, err))
		}
	}
	return errs
}

// Durations returns the parsed write retry, wait-for-tokens and
// reconnect intervals. Unset values are zero.
func (d DeviceConfig) Durations() (writeRetry, waitTokens, reconnect time.Duration, err error) {
	if writeRetry, err = parseDuration(d.WriteRetry); err != nil {
		return 0, 0, 0, fmt.Errorf("write_retry: %w", err)
	}
	if waitTokens, err = parseDuration(d.WaitTokens); err != nil {
		return 0, 0, 0, fmt.Errorf("wait_tokens: %w", err)
	}
	if reconnect, err = parseDuration(d.Reconnect); err != nil {
		return 0, 0, 0, fmt.Errorf("reconnect: %w", err)
	}
	return writeRetry, waitTokens, reconnect, nil
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if duration <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", value)
	}
	return duration, nil
}
