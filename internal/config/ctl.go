// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CtlConfig is the bootstrap configuration for coldbackupctl: which catalog
// database to administer, the signing key for operator session tokens
// (SPEC_FULL.md §10 — distinct from the opaque client-credential bearer
// tokens of spec.md §4.L), and the orchestrator collaborators its
// `trigger-now` subcommand needs to actually dispatch a run rather than
// only flip catalog state.
type CtlConfig struct {
	Catalog    CatalogInfo   `yaml:"catalog"`
	JWTSecret  string        `yaml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	TLS        TLSClient     `yaml:"tls"`
	ScratchDir string        `yaml:"scratch_dir"`
	Retry      RetryInfo     `yaml:"retry"`
}

// LoadCtlConfig reads and validates coldbackupctl's YAML config.
func LoadCtlConfig(path string) (*CtlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ctl config: %w", err)
	}

	var cfg CtlConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing ctl config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating ctl config: %w", err)
	}

	return &cfg, nil
}

func (c *CtlConfig) validate() error {
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 15 * time.Minute
	}
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 2 * time.Minute
	}
	// TLS is only required by the trigger-now subcommand, which fails with
	// a clear error from pki.NewSenderTLSConfig if left unset rather than
	// being validated here — every other subcommand never dials a receiver.
	return nil
}
