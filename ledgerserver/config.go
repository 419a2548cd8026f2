// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgerserver

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration of the replay server binary.
type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.MaxPayloadBytes = 1 << 20
	return cfg
}

// LoadConfig reads a YAML config file over the defaults. Environment
// variables LEDGER_DATABASE_URL and LEDGER_JWT_SECRET override the file so
// secrets can stay out of it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if v := os.Getenv("LEDGER_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("LEDGER_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if cfg.Database.URL == "" {
		return cfg, fmt.Errorf("config missing database url")
	}
	if cfg.Auth.JWTSecret == "" {
		return cfg, fmt.Errorf("config missing jwt secret")
	}
	return cfg, nil
}
