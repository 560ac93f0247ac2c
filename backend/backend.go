// Package backend provides storage backend abstractions for the CID cache.
package backend

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for blob storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key. The write must be atomic: a
	// concurrent Read either sees the full previous content or the full
	// new content, never a partial write.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// ModTimeBackend extends Backend with modification-time information.
// The orphan reconciliation sweep uses this to avoid deleting a blob
// written inside the index commit window.
type ModTimeBackend interface {
	Backend

	// ModTime returns the last modification time of the data at the key.
	// Returns ErrNotFound if the key does not exist.
	ModTime(ctx context.Context, key string) (time.Time, error)
}

// TempCleaner is implemented by backends that stage writes in temp files
// and can reclaim ones orphaned by a crash.
type TempCleaner interface {
	// CleanupTemp removes in-progress temp files older than the given age.
	// Returns the number of files removed.
	CleanupTemp(ctx context.Context, olderThan time.Duration) (int, error)
}

// TempStager is implemented by backends that can hand out scratch files
// inside their own storage area. Staging there means a file orphaned by a
// crash sits where CleanupTemp will find it.
type TempStager interface {
	// StageTemp creates a scratch file following the backend's temp
	// naming convention. The caller closes and removes it.
	StageTemp() (*os.File, error)
}
