// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config loads the YAML configuration shared by the container
// and relay binaries, with ${VAR} / ${VAR:default} substitution against
// the process environment so deployments can template one file across
// environments without templating tools.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for an ocmt process.
type Config struct {
	Environment string            `yaml:"environment"`
	Vault       VaultConfig       `yaml:"vault"`
	Session     SessionConfig     `yaml:"session"`
	Relay       RelayConfig       `yaml:"relay"`
	RelayServer RelayServerConfig `yaml:"relay_server"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
}

// VaultConfig configures the on-disk vault and its KDF.
type VaultConfig struct {
	Directory     string `yaml:"directory"`
	PassphraseEnv string `yaml:"passphrase_env"`
	KDFTime       uint32 `yaml:"kdf_time"`
	KDFMemoryKiB  uint32 `yaml:"kdf_memory_kib"`
	KDFThreads    uint8  `yaml:"kdf_threads"`
}

// SessionConfig configures unlock sessions. MaxFailedAttempts,
// BaseBackoff and MaxBackoff are defaulted here but not read by
// pkg/session, whose lockout backoff schedule is fixed.
type SessionConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	AutoLockInterval  time.Duration `yaml:"auto_lock_interval"`
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

// RelayConfig configures a container's outbound client to the relay.
type RelayConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RelayServerConfig configures a relay's own listener and storage.
type RelayServerConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	SnapshotPath   string `yaml:"snapshot_path"`
	RevocationPath string `yaml:"revocation_path"`
}

// GatewayConfig configures the bearer token issuer fronting the relay.
type GatewayConfig struct {
	JWTSecretEnv string        `yaml:"jwt_secret_env"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// PostgresConfig configures the optional audit log database.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds the optional Redis URL. pkg/session's
// RedisBackoffStore is the only Redis consumer in the module; nothing
// in this module reads URL to build one.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// Load reads a YAML config file from path, first loading a ".env" file
// from the current working directory (if present) into the process
// environment, then
// substituting ${VAR} / ${VAR:default} references in the raw file
// contents before parsing.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := expandEnv(string(raw))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	setDefaults(cfg)
	return cfg, nil
}

// expandEnv resolves ${VAR} and ${VAR:default} references against the
// process environment. A reference to an unset variable with no default
// expands to the empty string, matching shell parameter expansion.
func expandEnv(s string) string {
	return os.Expand(s, func(ref string) string {
		name, def, hasDefault := strings.Cut(ref, ":")
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Vault.Directory == "" {
		cfg.Vault.Directory = ".ocmt/vault"
	}
	if cfg.Vault.PassphraseEnv == "" {
		cfg.Vault.PassphraseEnv = "OCMT_VAULT_PASSWORD"
	}
	if cfg.Vault.KDFTime == 0 {
		cfg.Vault.KDFTime = 3
	}
	if cfg.Vault.KDFMemoryKiB == 0 {
		cfg.Vault.KDFMemoryKiB = 64 * 1024
	}
	if cfg.Vault.KDFThreads == 0 {
		cfg.Vault.KDFThreads = 4
	}

	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 15 * time.Minute
	}
	if cfg.Session.AutoLockInterval == 0 {
		cfg.Session.AutoLockInterval = 30 * time.Second
	}
	if cfg.Session.MaxFailedAttempts == 0 {
		cfg.Session.MaxFailedAttempts = 5
	}
	if cfg.Session.BaseBackoff == 0 {
		cfg.Session.BaseBackoff = time.Second
	}
	if cfg.Session.MaxBackoff == 0 {
		cfg.Session.MaxBackoff = time.Minute
	}

	if cfg.Relay.Timeout == 0 {
		cfg.Relay.Timeout = 10 * time.Second
	}

	if cfg.RelayServer.ListenAddr == "" {
		cfg.RelayServer.ListenAddr = ":8443"
	}
	if cfg.RelayServer.SnapshotPath == "" {
		cfg.RelayServer.SnapshotPath = ".ocmt/relay/snapshots.json"
	}
	if cfg.RelayServer.RevocationPath == "" {
		cfg.RelayServer.RevocationPath = ".ocmt/relay/revocations.json"
	}

	if cfg.Gateway.JWTSecretEnv == "" {
		cfg.Gateway.JWTSecretEnv = "OCMT_GATEWAY_SECRET"
	}
	if cfg.Gateway.TokenTTL == 0 {
		cfg.Gateway.TokenTTL = time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}
