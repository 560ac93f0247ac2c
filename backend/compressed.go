package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Compressed wraps a Backend and stores blobs zstd-compressed. Reads
// transparently decompress, so callers always see the original bytes.
// Integrity verification happens above this layer, on the uncompressed
// stream, so compression never interferes with CID checks.
type Compressed struct {
	inner Backend
	level zstd.EncoderLevel
}

// NewCompressed creates a compressing wrapper around the given backend.
func NewCompressed(inner Backend) *Compressed {
	return &Compressed{inner: inner, level: zstd.SpeedDefault}
}

// Write compresses the stream and stores it at the given key.
func (c *Compressed) Write(ctx context.Context, key string, r io.Reader) error {
	pr, pw := io.Pipe()

	go func() {
		enc, err := zstd.NewWriter(pw, zstd.WithEncoderLevel(c.level))
		if err != nil {
			pw.CloseWithError(fmt.Errorf("creating zstd writer: %w", err))
			return
		}
		if _, err := io.Copy(enc, r); err != nil {
			_ = enc.Close()
			pw.CloseWithError(fmt.Errorf("compressing data: %w", err))
			return
		}
		if err := enc.Close(); err != nil {
			pw.CloseWithError(fmt.Errorf("flushing zstd stream: %w", err))
			return
		}
		_ = pw.Close()
	}()

	if err := c.inner.Write(ctx, key, pr); err != nil {
		// Unblock the compressing goroutine if the inner write failed early.
		_ = pr.CloseWithError(err)
		return err
	}
	return nil
}

// Read retrieves and decompresses data at the given key.
func (c *Compressed) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := c.inner.Read(ctx, key)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}

	return &decompressingReader{dec: dec, inner: rc}, nil
}

// Delete removes data at the given key.
func (c *Compressed) Delete(ctx context.Context, key string) error {
	return c.inner.Delete(ctx, key)
}

// Exists checks if a key exists.
func (c *Compressed) Exists(ctx context.Context, key string) (bool, error) {
	return c.inner.Exists(ctx, key)
}

// List returns all keys with the given prefix.
func (c *Compressed) List(ctx context.Context, prefix string) ([]string, error) {
	return c.inner.List(ctx, prefix)
}

// ModTime delegates to the inner backend if it implements ModTimeBackend.
func (c *Compressed) ModTime(ctx context.Context, key string) (time.Time, error) {
	mb, ok := c.inner.(ModTimeBackend)
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return mb.ModTime(ctx, key)
}

// CleanupTemp delegates to the inner backend if it implements TempCleaner.
func (c *Compressed) CleanupTemp(ctx context.Context, olderThan time.Duration) (int, error) {
	tc, ok := c.inner.(TempCleaner)
	if !ok {
		return 0, nil
	}
	return tc.CleanupTemp(ctx, olderThan)
}

// Unwrap returns the underlying backend.
func (c *Compressed) Unwrap() Backend {
	return c.inner
}

type decompressingReader struct {
	dec   *zstd.Decoder
	inner io.ReadCloser
}

func (r *decompressingReader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *decompressingReader) Close() error {
	r.dec.Close()
	return r.inner.Close()
}

var (
	_ Backend        = (*Compressed)(nil)
	_ ModTimeBackend = (*Compressed)(nil)
	_ TempCleaner    = (*Compressed)(nil)
)
