// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/pgzip"
)

// bufferThreshold is the size above which the 4 MiB copy buffer is used
// instead of the 1 MiB default (spec.md §4.C adaptive buffering).
const bufferThreshold = 100 << 20

const (
	smallBufferSize = 1 << 20
	largeBufferSize = 4 << 20
)

// Mode selects the container's compression codec.
type Mode int

const (
	// ModeDeflate writes a raw deflate stream via klauspost/compress — the
	// default container format.
	ModeDeflate Mode = iota
	// ModeParallelGzip writes a gzip-compatible stream via klauspost/pgzip,
	// trading single-core deflate throughput for wall-clock on multi-core
	// hosts; the result is readable by any standard gzip decoder.
	ModeParallelGzip
)

// Progress reports the Archive Writer's position through the directory
// (spec.md §4.C: current_entry, processed_bytes, total_bytes).
type Progress struct {
	CurrentEntry   string
	ProcessedBytes int64
	TotalBytes     int64
}

// Writer produces one compressed tar container from a source directory.
type Writer struct {
	Mode           Mode
	DeflateLevel   int // flate.DefaultCompression if zero
	ProgressSink   chan<- Progress
}

// NewWriter returns a Writer with the default deflate container and
// default compression level.
func NewWriter() *Writer {
	return &Writer{Mode: ModeDeflate, DeflateLevel: flate.DefaultCompression}
}

// WriteDirectory walks srcDir and writes the container to destPath. On any
// error the partial destination is removed so failure is atomic from the
// caller's perspective; there is no parallel writer into one archive, the
// container is always written sequentially.
func (w *Writer) WriteDirectory(ctx context.Context, srcDir, destPath string) (err error) {
	entries, err := scan(ctx, srcDir)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", srcDir, err)
	}
	total := totalSize(entries)

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating archive %s: %w", destPath, err)
	}
	defer func() {
		out.Close()
		if err != nil {
			os.Remove(destPath)
		}
	}()

	bufOut := bufio.NewWriterSize(out, 256*1024)

	compressor, err := w.newCompressor(bufOut)
	if err != nil {
		return fmt.Errorf("creating compressor: %w", err)
	}

	tw := tar.NewWriter(compressor)

	var processed int64
	for _, e := range entries {
		select {
		case <-ctx.Done():
			tw.Close()
			compressor.Close()
			return ctx.Err()
		default:
		}

		n, err := w.writeEntry(tw, e)
		if err != nil {
			tw.Close()
			compressor.Close()
			return fmt.Errorf("archiving %s: %w", e.RelPath, err)
		}
		processed += n
		w.report(Progress{CurrentEntry: e.RelPath, ProcessedBytes: processed, TotalBytes: total})
	}

	if err := tw.Close(); err != nil {
		compressor.Close()
		return fmt.Errorf("closing tar writer: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("closing compressor: %w", err)
	}
	if err := bufOut.Flush(); err != nil {
		return fmt.Errorf("flushing archive output: %w", err)
	}
	return nil
}

// compressor is the subset of *flate.Writer / *pgzip.Writer this package
// needs.
type compressor interface {
	io.WriteCloser
}

func (w *Writer) newCompressor(dst io.Writer) (compressor, error) {
	switch w.Mode {
	case ModeParallelGzip:
		return pgzip.NewWriterLevel(dst, w.level())
	default:
		return flate.NewWriter(dst, w.level())
	}
}

func (w *Writer) level() int {
	if w.DeflateLevel == 0 {
		return flate.DefaultCompression
	}
	return w.DeflateLevel
}

func (w *Writer) report(p Progress) {
	if w.ProgressSink == nil {
		return
	}
	select {
	case w.ProgressSink <- p:
	default:
		// A slow consumer must never block the writer.
	}
}

// writeEntry appends one file (or zero-byte entry, or symlink) to tw,
// selecting the copy buffer size by the adaptive-buffering threshold.
func (w *Writer) writeEntry(tw *tar.Writer, e entry) (int64, error) {
	link := ""
	if e.Info.Mode()&os.ModeSymlink != 0 {
		var err error
		link, err = os.Readlink(e.Path)
		if err != nil {
			return 0, nil
		}
	}

	header, err := tar.FileInfoHeader(e.Info, link)
	if err != nil {
		return 0, fmt.Errorf("building tar header: %w", err)
	}
	header.Name = e.RelPath

	if err := tw.WriteHeader(header); err != nil {
		return 0, fmt.Errorf("writing tar header: %w", err)
	}

	if !e.Info.Mode().IsRegular() {
		return 0, nil
	}

	f, err := os.Open(e.Path)
	if err != nil {
		return 0, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	bufSize := smallBufferSize
	if e.Info.Size() > bufferThreshold {
		bufSize = largeBufferSize
	}
	buf := make([]byte, bufSize)

	return io.CopyBuffer(tw, f, buf)
}
