// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package service

import (
	"errors"
	"testing"
)

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"not found", "Unit mariadb.service could not be found.", ErrNotFound},
		{"permission", "Access denied", ErrNoPermission},
		{"busy", "Job is already in progress", ErrBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyFailure("mariadb", tt.stderr, errors.New("exit status 1"))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSplitUnitList(t *testing.T) {
	got := splitUnitList("network.target sysinit.target")
	if len(got) != 2 || got[0] != "network.target" || got[1] != "sysinit.target" {
		t.Errorf("unexpected split: %v", got)
	}
	if got := splitUnitList(""); len(got) != 0 {
		t.Errorf("expected empty slice, got %v", got)
	}
}

func TestNewController_DefaultTimeout(t *testing.T) {
	c := NewController("mariadb")
	if c.timeout() != defaultTimeout {
		t.Errorf("expected default timeout, got %v", c.timeout())
	}
}
