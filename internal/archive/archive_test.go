// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package archive

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/flate"
)

func TestWriteDirectory_RoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.bin"), []byte("hello world"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "empty.bin"), nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Mkdir(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "b.bin"), []byte("nested"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "archive.bin")
	w := NewWriter()
	progress := make(chan Progress, 16)
	w.ProgressSink = progress

	if err := w.WriteDirectory(context.Background(), src, dest); err != nil {
		t.Fatalf("WriteDirectory: %v", err)
	}

	if len(progress) == 0 {
		t.Error("expected at least one progress event")
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer f.Close()

	fr := flate.NewReader(f)
	defer fr.Close()
	tr := tar.NewReader(fr)

	names := map[string]int64{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading tar entry: %v", err)
		}
		data, _ := io.ReadAll(tr)
		names[hdr.Name] = int64(len(data))
	}

	if names["a.bin"] != 11 {
		t.Errorf("expected a.bin size 11, got %d", names["a.bin"])
	}
	if _, ok := names["empty.bin"]; !ok {
		t.Error("expected empty.bin entry to be present")
	}
	if names["sub/b.bin"] != 6 {
		t.Errorf("expected sub/b.bin size 6, got %d", names["sub/b.bin"])
	}
}

func TestWriteDirectory_AtomicCleanupOnCancel(t *testing.T) {
	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "a.bin"), []byte("x"), 0644)

	dest := filepath.Join(t.TempDir(), "archive.bin")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWriter()
	if err := w.WriteDirectory(ctx, src, dest); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("expected partial destination to be removed")
	}
}

func TestScan_OrdersLargeFilesFirst(t *testing.T) {
	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "small.bin"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(src, "large.bin"), make([]byte, 1024), 0644)

	entries, err := scan(context.Background(), src)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RelPath != "large.bin" {
		t.Errorf("expected large.bin first, got %s", entries[0].RelPath)
	}
}
