// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package orchestrator

import (
	"strings"
	"time"

	"github.com/korrelius/coldbackup/internal/catalog"
)

// defaultNamingTemplate is used when a BackupConfig leaves NamingTemplate
// empty.
const defaultNamingTemplate = "{name}-{year}{month}{day}-{hour}{minute}{second}.cba"

// expandFilename renders cfg.NamingTemplate against the config's identity
// and a timestamp, using the same {token} replacement idiom as
// internal/chunkmanager's directory-layout templates.
func expandFilename(cfg *catalog.BackupConfig, at time.Time) string {
	tmpl := cfg.NamingTemplate
	if tmpl == "" {
		tmpl = defaultNamingTemplate
	}
	r := strings.NewReplacer(
		"{name}", cfg.Name,
		"{service}", cfg.ServiceName,
		"{year}", at.Format("2006"),
		"{month}", at.Format("01"),
		"{day}", at.Format("02"),
		"{hour}", at.Format("15"),
		"{minute}", at.Format("04"),
		"{second}", at.Format("05"),
	)
	return r.Replace(tmpl)
}
