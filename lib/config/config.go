// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Orrery components.
//
// Configuration is loaded from a single file specified by:
//   - ORRERY_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when the
// environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
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

// Resolution values accepted by sync.resolution.
const (
	// ResolutionManual keeps both candidates of a concurrent edit until
	// a user picks one.
	ResolutionManual = "manual"
	// ResolutionHighestVersion resolves concurrent edits automatically
	// toward the higher logical-clock version.
	ResolutionHighestVersion = "highest-version"
)

// Config is the master configuration for an Orrery client.
type Config struct {
	// Environment identifies the deployment type (development, staging,
	// production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Endpoint configures the collaboration endpoint connection.
	Endpoint EndpointConfig `yaml:"endpoint"`

	// Channel configures heartbeats and reconnect backoff.
	Channel ChannelConfig `yaml:"channel"`

	// Outbox configures the durable local mutation queue.
	Outbox OutboxConfig `yaml:"outbox"`

	// Presence configures roster staleness thresholds.
	Presence PresenceConfig `yaml:"presence"`

	// Sync configures conflict handling.
	Sync SyncConfig `yaml:"sync"`

	// Per-environment overrides, applied after the base config loads.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Endpoint *EndpointConfig `yaml:"endpoint,omitempty"`
	Channel  *ChannelConfig  `yaml:"channel,omitempty"`
	Outbox   *OutboxConfig   `yaml:"outbox,omitempty"`
	Sync     *SyncConfig     `yaml:"sync,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Orrery data.
	Root string `yaml:"root"`

	// State is where runtime state (the outbox database) is stored.
	State string `yaml:"state"`
}

// EndpointConfig configures the collaboration endpoint connection.
type EndpointConfig struct {
	// Address is the host:port of the collaboration endpoint. For the
	// mock endpoint binary this is the listen address.
	Address string `yaml:"address"`

	// DisplayName is shown to other participants on the roster.
	DisplayName string `yaml:"display_name"`

	// CredentialFile is the path to a file holding the session
	// credential. Credentials never live in the config file itself.
	CredentialFile string `yaml:"credential_file"`
}

// ChannelConfig configures heartbeats and reconnect backoff. Durations
// are strings in time.ParseDuration form ("25s", "1m30s").
type ChannelConfig struct {
	// HeartbeatInterval is how often an idle channel is probed.
	// Default: 25s
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how long to wait for a probe's ack before
	// forcing a reconnect. Default: 10s
	HeartbeatTimeout string `yaml:"heartbeat_timeout"`

	// BackoffBase is the first reconnect delay envelope. Default: 1s
	BackoffBase string `yaml:"backoff_base"`

	// BackoffCap bounds the reconnect delay envelope. Default: 30s
	BackoffCap string `yaml:"backoff_cap"`
}

// OutboxConfig configures the durable local mutation queue.
type OutboxConfig struct {
	// Path is the SQLite database file. Default: ${state}/outbox.db
	Path string `yaml:"path"`

	// MaxPending bounds the number of stored mutations. Default: 4096
	MaxPending int `yaml:"max_pending"`
}

// PresenceConfig configures roster staleness thresholds.
type PresenceConfig struct {
	// IdleAfter marks a silent participant Idle. Default: 30s
	IdleAfter string `yaml:"idle_after"`

	// DisconnectAfter marks a silent participant Disconnected and hides
	// them from the roster. Default: 90s
	DisconnectAfter string `yaml:"disconnect_after"`

	// EvictGrace is how long a Disconnected participant is remembered
	// before eviction. Default: 60s
	EvictGrace string `yaml:"evict_grace"`
}

// SyncConfig configures conflict handling.
type SyncConfig struct {
	// Resolution selects how concurrent edits are settled: "manual"
	// (default) or "highest-version".
	Resolution string `yaml:"resolution"`
}

// Default returns the default configuration. These defaults are used as
// a base before loading the config file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "orrery")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:  defaultRoot,
			State: filepath.Join(defaultRoot, "state"),
		},
		Endpoint: EndpointConfig{
			Address: "localhost:7420",
		},
		Channel: ChannelConfig{
			HeartbeatInterval: "25s",
			HeartbeatTimeout:  "10s",
			BackoffBase:       "1s",
			BackoffCap:        "30s",
		},
		Outbox: OutboxConfig{
			Path:       filepath.Join(defaultRoot, "state", "outbox.db"),
			MaxPending: 4096,
		},
		Presence: PresenceConfig{
			IdleAfter:       "30s",
			DisconnectAfter: "90s",
			EvictGrace:      "60s",
		},
		Sync: SyncConfig{
			Resolution: ResolutionManual,
		},
	}
}

// Load loads configuration from the ORRERY_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks - if ORRERY_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("ORRERY_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("ORRERY_CONFIG environment variable not set; " +
			"set it to the path of your orrery.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values. The only expansion performed is
// ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
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
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
	}

	if overrides.Endpoint != nil {
		if overrides.Endpoint.Address != "" {
			c.Endpoint.Address = overrides.Endpoint.Address
		}
		if overrides.Endpoint.DisplayName != "" {
			c.Endpoint.DisplayName = overrides.Endpoint.DisplayName
		}
		if overrides.Endpoint.CredentialFile != "" {
			c.Endpoint.CredentialFile = overrides.Endpoint.CredentialFile
		}
	}

	if overrides.Channel != nil {
		if overrides.Channel.HeartbeatInterval != "" {
			c.Channel.HeartbeatInterval = overrides.Channel.HeartbeatInterval
		}
		if overrides.Channel.HeartbeatTimeout != "" {
			c.Channel.HeartbeatTimeout = overrides.Channel.HeartbeatTimeout
		}
		if overrides.Channel.BackoffBase != "" {
			c.Channel.BackoffBase = overrides.Channel.BackoffBase
		}
		if overrides.Channel.BackoffCap != "" {
			c.Channel.BackoffCap = overrides.Channel.BackoffCap
		}
	}

	if overrides.Outbox != nil {
		if overrides.Outbox.Path != "" {
			c.Outbox.Path = overrides.Outbox.Path
		}
		if overrides.Outbox.MaxPending != 0 {
			c.Outbox.MaxPending = overrides.Outbox.MaxPending
		}
	}

	if overrides.Sync != nil {
		if overrides.Sync.Resolution != "" {
			c.Sync.Resolution = overrides.Sync.Resolution
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"ORRERY_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["ORRERY_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Outbox.Path = expandVars(c.Outbox.Path, vars)
	c.Endpoint.CredentialFile = expandVars(c.Endpoint.CredentialFile, vars)
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
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Endpoint.Address == "" {
		errs = append(errs, fmt.Errorf("endpoint.address is required"))
	}
	if c.Outbox.Path == "" {
		errs = append(errs, fmt.Errorf("outbox.path is required"))
	}
	if c.Outbox.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("outbox.max_pending must not be negative"))
	}
	if c.Sync.Resolution != ResolutionManual && c.Sync.Resolution != ResolutionHighestVersion {
		errs = append(errs, fmt.Errorf("sync.resolution must be %q or %q",
			ResolutionManual, ResolutionHighestVersion))
	}

	durations := map[string]string{
		"channel.heartbeat_interval": c.Channel.HeartbeatInterval,
		"channel.heartbeat_timeout":  c.Channel.HeartbeatTimeout,
		"channel.backoff_base":       c.Channel.BackoffBase,
		"channel.backoff_cap":        c.Channel.BackoffCap,
		"presence.idle_after":        c.Presence.IdleAfter,
		"presence.disconnect_after":  c.Presence.DisconnectAfter,
		"presence.evict_grace":       c.Presence.EvictGrace,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", field))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Credential reads the session credential from the configured file.
func (c *Config) Credential() (string, error) {
	if c.Endpoint.CredentialFile == "" {
		return "", fmt.Errorf("endpoint.credential_file is not configured")
	}
	data, err := os.ReadFile(c.Endpoint.CredentialFile)
	if err != nil {
		return "", fmt.Errorf("reading credential: %w", err)
	}
	credential := string(data)
	// Trailing newline from echo or an editor.
	for len(credential) > 0 && (credential[len(credential)-1] == '\n' || credential[len(credential)-1] == '\r') {
		credential = credential[:len(credential)-1]
	}
	if credential == "" {
		return "", fmt.Errorf("credential file %s is empty", c.Endpoint.CredentialFile)
	}
	return credential, nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
		filepath.Dir(c.Outbox.Path),
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

// duration returns a validated duration field, or fallback when the
// field is empty. Call Validate first; a malformed value falls back.
func duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// HeartbeatIntervalDuration returns the parsed heartbeat interval.
func (c ChannelConfig) HeartbeatIntervalDuration() time.Duration {
	return duration(c.HeartbeatInterval, 25*time.Second)
}

// HeartbeatTimeoutDuration returns the parsed heartbeat ack timeout.
func (c ChannelConfig) HeartbeatTimeoutDuration() time.Duration {
	return duration(c.HeartbeatTimeout, 10*time.Second)
}

// BackoffBaseDuration returns the parsed initial backoff envelope.
func (c ChannelConfig) BackoffBaseDuration() time.Duration {
	return duration(c.BackoffBase, time.Second)
}

// BackoffCapDuration returns the parsed backoff envelope cap.
func (c ChannelConfig) BackoffCapDuration() time.Duration {
	return duration(c.BackoffCap, 30*time.Second)
}

// IdleAfterDuration returns the parsed idle threshold.
func (c PresenceConfig) IdleAfterDuration() time.Duration {
	return duration(c.IdleAfter, 30*time.Second)
}

// DisconnectAfterDuration returns the parsed disconnect threshold.
func (c PresenceConfig) DisconnectAfterDuration() time.Duration {
	return duration(c.DisconnectAfter, 90*time.Second)
}

// EvictGraceDuration returns the parsed eviction grace period.
func (c PresenceConfig) EvictGraceDuration() time.Duration {
	return duration(c.EvictGrace, 60*time.Second)
}
