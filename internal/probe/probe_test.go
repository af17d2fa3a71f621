// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package probe

import (
	"strings"
	"testing"
	"time"
)

func TestConnSpec_DSN(t *testing.T) {
	spec := ConnSpec{Host: "127.0.0.1", Port: 3306, User: "root", Password: "secret", Database: "app"}
	dsn := spec.dsn()
	if !strings.Contains(dsn, "127.0.0.1:3306") {
		t.Errorf("expected dsn to contain host:port, got %q", dsn)
	}
	if !strings.Contains(dsn, "app") {
		t.Errorf("expected dsn to contain database name, got %q", dsn)
	}
}

func TestConnSpec_DefaultTimeout(t *testing.T) {
	spec := ConnSpec{}
	if spec.timeout() != defaultTimeout {
		t.Errorf("expected default timeout, got %v", spec.timeout())
	}
	spec.Timeout = 5 * time.Second
	if spec.timeout() != 5*time.Second {
		t.Errorf("expected overridden timeout, got %v", spec.timeout())
	}
}
