// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// OrchestratorConfig is the bootstrap configuration for the orchestrator
// daemon: TLS identity for talking to a receiver, scratch directory, retry
// tuning and the catalog database it reads BackupConfig/Schedule rows from.
// The BackupConfig/Schedule/RetentionPolicy/ClientCredential rows themselves
// are administrative data managed through coldbackupctl and the Catalog,
// not this file — this file only bootstraps the process.
type OrchestratorConfig struct {
	TLS          TLSClient     `yaml:"tls"`
	ScratchDir   string        `yaml:"scratch_dir"`
	Catalog      CatalogInfo   `yaml:"catalog"`
	Retry        RetryInfo     `yaml:"retry"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Logging      LoggingInfo   `yaml:"logging"`
}

// TLSClient contains the mTLS certificate paths for the orchestrator's
// sender when talking to a remote receiver.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// RetryInfo configures the sender's exponential-backoff retry wrapper.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       bool          `yaml:"jitter"`
}

// LoadOrchestratorConfig reads and validates the orchestrator daemon's YAML config.
func LoadOrchestratorConfig(path string) (*OrchestratorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading orchestrator config: %w", err)
	}

	var cfg OrchestratorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing orchestrator config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating orchestrator config: %w", err)
	}

	return &cfg, nil
}

func (c *OrchestratorConfig) validate() error {
	if c.TLS.CACert == "" || c.TLS.ClientCert == "" || c.TLS.ClientKey == "" {
		return fmt.Errorf("tls.ca_cert, tls.client_cert and tls.client_key are required")
	}
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
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
	if c.TickInterval <= 0 {
		c.TickInterval = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}
