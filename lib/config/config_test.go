// Copyright 2026 The Orrery Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Endpoint.Address != "localhost:7420" {
		t.Errorf("expected address=localhost:7420, got %s", cfg.Endpoint.Address)
	}
	if cfg.Sync.Resolution != ResolutionManual {
		t.Errorf("expected resolution=manual, got %s", cfg.Sync.Resolution)
	}
	if cfg.Outbox.MaxPending != 4096 {
		t.Errorf("expected max_pending=4096, got %d", cfg.Outbox.MaxPending)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresOrreryConfig(t *testing.T) {
	origConfig := os.Getenv("ORRERY_CONFIG")
	defer os.Setenv("ORRERY_CONFIG", origConfig)

	os.Unsetenv("ORRERY_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when ORRERY_CONFIG not set, got nil")
	}

	expectedMsg := "ORRERY_CONFIG environment variable not set"
	if err.Error()[:len(expectedMsg)] != expectedMsg {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "orrery.yaml")

	configContent := `
environment: staging

paths:
  root: /custom/root

endpoint:
  address: collab.example.com:7420
  display_name: Ada

channel:
  heartbeat_interval: 15s
  backoff_cap: 1m

outbox:
  max_pending: 512

sync:
  resolution: highest-version
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Paths.Root != "/custom/root" {
		t.Errorf("expected root=/custom/root, got %s", cfg.Paths.Root)
	}
	if cfg.Endpoint.Address != "collab.example.com:7420" {
		t.Errorf("expected address=collab.example.com:7420, got %s", cfg.Endpoint.Address)
	}
	if got := cfg.Channel.HeartbeatIntervalDuration(); got != 15*time.Second {
		t.Errorf("expected heartbeat_interval=15s, got %s", got)
	}
	if got := cfg.Channel.BackoffCapDuration(); got != time.Minute {
		t.Errorf("expected backoff_cap=1m, got %s", got)
	}
	// Unset fields keep their defaults.
	if got := cfg.Channel.HeartbeatTimeoutDuration(); got != 10*time.Second {
		t.Errorf("expected default heartbeat_timeout=10s, got %s", got)
	}
	if cfg.Outbox.MaxPending != 512 {
		t.Errorf("expected max_pending=512, got %d", cfg.Outbox.MaxPending)
	}
	if cfg.Sync.Resolution != ResolutionHighestVersion {
		t.Errorf("expected resolution=highest-version, got %s", cfg.Sync.Resolution)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "orrery.yaml")

	configContent := `
environment: production

paths:
  root: /default/root

endpoint:
  address: localhost:7420

production:
  paths:
    root: /prod/root
  endpoint:
    address: collab.prod.example.com:7420
  sync:
    resolution: manual
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Paths.Root != "/prod/root" {
		t.Errorf("expected root=/prod/root, got %s", cfg.Paths.Root)
	}
	if cfg.Endpoint.Address != "collab.prod.example.com:7420" {
		t.Errorf("expected prod endpoint, got %s", cfg.Endpoint.Address)
	}
}

func TestEnvVarsDoNotOverride(t *testing.T) {
	// The config file is the single source of truth; environment
	// variables must not override its values.
	origRoot := os.Getenv("ORRERY_ROOT")
	origEnv := os.Getenv("ORRERY_ENVIRONMENT")
	defer func() {
		os.Setenv("ORRERY_ROOT", origRoot)
		os.Setenv("ORRERY_ENVIRONMENT", origEnv)
	}()

	os.Setenv("ORRERY_ROOT", "/env/root")
	os.Setenv("ORRERY_ENVIRONMENT", "staging")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "orrery.yaml")

	configContent := `
environment: development
paths:
  root: /file/root
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Environment != Development {
		t.Errorf("expected environment=development from file, got %s", cfg.Environment)
	}
	if cfg.Paths.Root != "/file/root" {
		t.Errorf("expected root=/file/root from file, got %s", cfg.Paths.Root)
	}
}

func TestVariableExpansionInPaths(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "orrery.yaml")

	configContent := `
paths:
  root: /data/orrery
  state: ${ORRERY_ROOT}/state
outbox:
  path: ${ORRERY_ROOT}/state/outbox.db
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Paths.State != "/data/orrery/state" {
		t.Errorf("expected state=/data/orrery/state, got %s", cfg.Paths.State)
	}
	if cfg.Outbox.Path != "/data/orrery/state/outbox.db" {
		t.Errorf("expected outbox path under root, got %s", cfg.Outbox.Path)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/orrery",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/orrery",
		},
		{
			input:    "${MISSING:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid environment",
			modify: func(c *Config) {
				c.Environment = "invalid"
			},
			wantErr: true,
		},
		{
			name: "empty root path",
			modify: func(c *Config) {
				c.Paths.Root = ""
			},
			wantErr: true,
		},
		{
			name: "empty endpoint address",
			modify: func(c *Config) {
				c.Endpoint.Address = ""
			},
			wantErr: true,
		},
		{
			name: "unknown resolution",
			modify: func(c *Config) {
				c.Sync.Resolution = "coin-flip"
			},
			wantErr: true,
		},
		{
			name: "malformed duration",
			modify: func(c *Config) {
				c.Channel.HeartbeatInterval = "soon"
			},
			wantErr: true,
		},
		{
			name: "negative duration",
			modify: func(c *Config) {
				c.Presence.IdleAfter = "-30s"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCredentialFile(t *testing.T) {
	tmpDir := t.TempDir()
	credPath := filepath.Join(tmpDir, "credential")
	if err := os.WriteFile(credPath, []byte("secret-token\n"), 0600); err != nil {
		t.Fatalf("writing credential: %v", err)
	}

	cfg := Default()
	cfg.Endpoint.CredentialFile = credPath

	credential, err := cfg.Credential()
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if credential != "secret-token" {
		t.Errorf("credential = %q, want secret-token", credential)
	}

	cfg.Endpoint.CredentialFile = ""
	if _, err := cfg.Credential(); err == nil {
		t.Error("expected error with no credential file configured")
	}
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Default()
	cfg.Paths.Root = filepath.Join(tmpDir, "orrery")
	cfg.Paths.State = filepath.Join(cfg.Paths.Root, "state")
	cfg.Outbox.Path = filepath.Join(cfg.Paths.State, "outbox.db")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}

	for _, path := range []string{cfg.Paths.Root, cfg.Paths.State} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("path %s not created: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("path %s is not a directory", path)
		}
	}
}
