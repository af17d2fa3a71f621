// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package archive walks a data directory and writes one compressed
// container holding every eligible file, used to produce the scratch
// archive the Orchestrator transfers (spec.md §4.C).
package archive

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
)

// entry is one file discovered by scan, carrying enough to both order and
// stream it.
type entry struct {
	Path    string
	RelPath string
	Info    fs.FileInfo
}

// scan walks root recursively and returns every regular file and symlink,
// ordered large-files-first (bytes descending) so that memory pressure from
// the largest members appears early in the run and can be reported.
func scan(ctx context.Context, root string) ([]entry, error) {
	var entries []entry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		entries = append(entries, entry{Path: path, RelPath: rel, Info: info})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Info.Size() > entries[j].Info.Size()
	})
	return entries, nil
}

func totalSize(entries []entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Info.Size()
	}
	return total
}
