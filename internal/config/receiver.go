// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ReceiverConfig is the configuration for the coldbackup-receiverd daemon:
// the TLS listener that accepts chunked transfers from orchestrators and
// persists them under a directory-layout strategy.
type ReceiverConfig struct {
	Listen         ListenInfo             `yaml:"listen"`
	TLS            TLSServer              `yaml:"tls"`
	ScratchDir     string                 `yaml:"scratch_dir"`
	Storages       map[string]StorageInfo `yaml:"storages"`
	DefaultStorage string                 `yaml:"default_storage"`
	Catalog        CatalogInfo            `yaml:"catalog"`
	Logging        LoggingInfo            `yaml:"logging"`
	SessionTTL     time.Duration          `yaml:"session_ttl"`
	MaxConns       int                    `yaml:"max_connections"`
	IdleTimeout    time.Duration          `yaml:"idle_timeout"`
}

// ListenInfo contains the server listen address.
type ListenInfo struct {
	Address string `yaml:"address"`
}

// TLSServer contains the mTLS certificate paths for the receiver.
type TLSServer struct {
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// StorageInfo describes one named destination directory and its layout
// strategy.
type StorageInfo struct {
	BaseDir        string `yaml:"base_dir"`
	LayoutStrategy string `yaml:"layout_strategy"` // server/date | date/server | flat-server | template
	PathTemplate   string `yaml:"path_template"`    // used only when LayoutStrategy == "template"
}

// CatalogInfo points at the SQLite-backed catalog database file.
type CatalogInfo struct {
	Path string `yaml:"path"`
}

// LoggingInfo configures the slog logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadReceiverConfig reads and validates the receiver daemon's YAML config.
func LoadReceiverConfig(path string) (*ReceiverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading receiver config: %w", err)
	}

	var cfg ReceiverConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing receiver config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating receiver config: %w", err)
	}

	return &cfg, nil
}

func (c *ReceiverConfig) validate() error {
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if c.TLS.CACert == "" || c.TLS.ServerCert == "" || c.TLS.ServerKey == "" {
		return fmt.Errorf("tls.ca_cert, tls.server_cert and tls.server_key are required")
	}
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
	if len(c.Storages) == 0 {
		return fmt.Errorf("storages must have at least one entry")
	}
	for name, s := range c.Storages {
		if s.BaseDir == "" {
			return fmt.Errorf("storages.%s.base_dir is required", name)
		}
		if s.LayoutStrategy == "" {
			s.LayoutStrategy = "server/date"
		}
		s.LayoutStrategy = strings.ToLower(strings.TrimSpace(s.LayoutStrategy))
		switch s.LayoutStrategy {
		case "server/date", "date/server", "flat-server", "template":
		default:
			return fmt.Errorf("storages.%s.layout_strategy %q is not recognized", name, s.LayoutStrategy)
		}
		if s.LayoutStrategy == "template" && s.PathTemplate == "" {
			return fmt.Errorf("storages.%s.path_template is required when layout_strategy is template", name)
		}
		c.Storages[name] = s
	}
	if c.DefaultStorage == "" {
		if len(c.Storages) != 1 {
			return fmt.Errorf("default_storage is required when more than one storage is configured")
		}
		for name := range c.Storages {
			c.DefaultStorage = name
		}
	} else if _, ok := c.Storages[c.DefaultStorage]; !ok {
		return fmt.Errorf("default_storage %q is not a configured storage", c.DefaultStorage)
	}
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 1 * time.Hour
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 32
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}
