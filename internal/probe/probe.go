// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package probe confirms a MySQL/MariaDB-compatible database accepts
// connections after a service restart (spec.md §4.B). It owns no
// reconnection retries — that policy belongs to the orchestrator.
package probe

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const defaultTimeout = 10 * time.Second

// ConnSpec names the coordinates of the database to probe.
type ConnSpec struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Timeout  time.Duration
}

func (c ConnSpec) dsn() string {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.DBName = c.Database
	cfg.Timeout = c.timeout()
	return cfg.FormatDSN()
}

func (c ConnSpec) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

// Verify attempts a connection and a trivial liveness query against spec,
// bounded by its timeout. Used only to confirm that a restart succeeded.
func Verify(ctx context.Context, spec ConnSpec) (bool, error) {
	db, err := sql.Open("mysql", spec.dsn())
	if err != nil {
		return false, fmt.Errorf("opening probe connection to %s:%d: %w", spec.Host, spec.Port, err)
	}
	defer db.Close()

	cctx, cancel := context.WithTimeout(ctx, spec.timeout())
	defer cancel()

	if err := db.PingContext(cctx); err != nil {
		return false, fmt.Errorf("pinging %s:%d: %w", spec.Host, spec.Port, err)
	}

	var one int
	if err := db.QueryRowContext(cctx, "SELECT 1").Scan(&one); err != nil {
		return false, fmt.Errorf("liveness query against %s:%d: %w", spec.Host, spec.Port, err)
	}
	return one == 1, nil
}
