package download

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prxssh/slsk/internal/transfer"
)

// writer is the sequential, offset-tracked destination for one "F"
// connection's byte stream. Unlike the teacher's piece-buffered storage
// (pkg/storage), SoulSeek "F" connections are an unstructured stream, so
// there is nothing to verify before a write — bytes are appended as they
// arrive and the whole file is fsynced once at the end (spec §4.4
// Reception, §6 "Incomplete writes use O_CREAT | O_WRONLY").
type writer struct {
	f            *os.File
	expectedSize int64
	written      int64
}

func newWriter(path string, expectedSize int64) (*writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("download: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("download: create file: %w", err)
	}
	return &writer{f: f, expectedSize: expectedSize}, nil
}

// Write implements io.Writer so it can be used with io.CopyN.
func (w *writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, err
}

// Finish fsyncs the file and classifies completion per spec §4.4
// Acceptance criteria: actual size >= expected is COMPLETED; expected==0
// with any bytes received is COMPLETED with a warning; otherwise FAILED
// with incomplete_transfer.
func (w *writer) Finish() error {
	defer w.f.Close()

	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("download: fsync: %w", err)
	}

	if w.expectedSize == 0 {
		if w.written > 0 {
			return nil
		}
		return &transfer.Error{Kind: "incomplete_transfer", Expected: w.expectedSize, Actual: w.written}
	}
	if w.written >= w.expectedSize {
		return nil
	}
	return &transfer.Error{Kind: "incomplete_transfer", Expected: w.expectedSize, Actual: w.written}
}

// Abort closes the file without syncing or validating, used on
// cancellation (spec §5 Cancellation).
func (w *writer) Abort() {
	_ = w.f.Close()
}

// countingWriter reports every chunk it forwards to the underlying
// writer to a transfer.Record, so periodic progress publishes reflect
// bytes actually received rather than a fixed tick (spec §4.4 "progress
// is reported periodically").
type countingWriter struct {
	w   io.Writer
	rec *transfer.Record
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.rec.AddBytes(int64(n))
	}
	return n, err
}

// copyUntil reads from r and writes through w until either n bytes have
// been copied or r reaches EOF (the peer's "complete" signal per spec
// §4.4 Reception).
func copyUntil(w io.Writer, r io.Reader, n int64) (int64, error) {
	if n <= 0 {
		return io.Copy(w, r)
	}
	written, err := io.CopyN(w, r, n)
	if err == io.EOF {
		err = nil
	}
	return written, err
}
