// Package store persists cached content on a storage backend, keyed by a
// hash of the reference so the on-disk tree stays balanced regardless of
// how references are spelled.
package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	cidcache "github.com/cidcache/cidcache"
	"github.com/cidcache/cidcache/backend"
	"github.com/cidcache/cidcache/telemetry"
)

const (
	// blobPrefix is the prefix for blob storage keys.
	blobPrefix = "blobs"
)

var (
	// ErrTooLarge is returned when content exceeds the configured maximum.
	ErrTooLarge = errors.New("store: content exceeds maximum size")

	// ErrContentMismatch is returned when fetched content does not match
	// the digest its reference promises.
	ErrContentMismatch = errors.New("store: content does not match reference digest")
)

// PutResult contains information about a Put operation.
type PutResult struct {
	StorageKey string
	Size       int64
	Verified   bool // true if the content digest was checked against the ref
}

// ContentStore streams fetched content onto a backend.
type ContentStore struct {
	backend  backend.Backend
	maxBytes int64
	logger   *slog.Logger
}

// Option configures a ContentStore.
type Option func(*ContentStore)

// WithMaxBytes sets the maximum content size accepted by Put.
// Zero means unlimited.
func WithMaxBytes(n int64) Option {
	return func(s *ContentStore) {
		s.maxBytes = n
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *ContentStore) {
		s.logger = logger
	}
}

// New creates a content store on top of a backend.
func New(b backend.Backend, opts ...Option) *ContentStore {
	s := &ContentStore{
		backend: b,
		logger:  slog.Default().With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StorageKey derives the backend key for a reference.
// References hash into a sharded blob tree: blobs/<xx>/<hash>.
func StorageKey(ref cidcache.Ref) string {
	h := cidcache.HashKey(ref.Key())
	return path.Join(blobPrefix, h.Dir(), h.String())
}

// BlobPrefix returns the key prefix under which all blobs live.
func BlobPrefix() string {
	return blobPrefix
}

// Put streams content for ref onto the backend. The content is staged in a
// temp file so the backend write sees a known size and a rewindable reader.
// When the reference carries a verifiable digest the content is checked
// against it before anything becomes visible.
func (s *ContentStore) Put(ctx context.Context, ref cidcache.Ref, r io.Reader) (*PutResult, error) {
	tmpFile, err := stageTemp(s.backend)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	expected, verifiable := ref.VerifiableDigest()

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}

	hasher := sha256.New()
	size, err := io.Copy(tmpFile, io.TeeReader(src, hasher))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		return nil, ErrTooLarge
	}

	if verifiable && !bytes.Equal(hasher.Sum(nil), expected) {
		return nil, ErrContentMismatch
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking temp file: %w", err)
	}

	key := StorageKey(ref)
	if err := s.backend.Write(ctx, key, tmpFile); err != nil {
		return nil, fmt.Errorf("writing content: %w", err)
	}

	telemetry.RecordBlobWrite(ctx, size)

	return &PutResult{
		StorageKey: key,
		Size:       size,
		Verified:   verifiable,
	}, nil
}

// stageTemp asks the backend for a scratch file so crash leftovers land
// where the temp-cleanup sweep looks. Backends without their own staging
// area fall back to the system temp directory.
func stageTemp(b backend.Backend) (*os.File, error) {
	for {
		if ts, ok := b.(backend.TempStager); ok {
			return ts.StageTemp()
		}
		u, ok := b.(interface{ Unwrap() backend.Backend })
		if !ok {
			return os.CreateTemp("", "cidcache-put-*")
		}
		b = u.Unwrap()
	}
}

// Get retrieves content by storage key.
// Returns backend.ErrNotFound if the key does not exist.
func (s *ContentStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := s.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return rc, nil
}

// Exists checks whether a blob is present for the storage key.
func (s *ContentStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.backend.Exists(ctx, key)
}

// Delete removes the blob at the storage key. Absent keys are not an
// error; failures are logged before being returned so sweep summaries
// can collect them.
func (s *ContentStore) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to delete blob", "key", key, "error", err)
		return err
	}
	return nil
}

// Size returns the size of the blob at the storage key.
// Returns backend.ErrNotFound if the key does not exist.
func (s *ContentStore) Size(ctx context.Context, key string) (int64, error) {
	if sb, ok := s.backend.(backend.SizeAwareBackend); ok {
		size, err := sb.Size(ctx, key)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				return 0, backend.ErrNotFound
			}
			return 0, fmt.Errorf("getting size: %w", err)
		}
		return size, nil
	}

	// Fall back to reading the content
	rc, err := s.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return 0, backend.ErrNotFound
		}
		return 0, fmt.Errorf("reading content: %w", err)
	}
	defer func() { _ = rc.Close() }()

	size, err := io.Copy(io.Discard, rc)
	if err != nil {
		return 0, fmt.Errorf("reading content for size: %w", err)
	}
	return size, nil
}

// List returns the storage keys of all blobs on the backend.
// This may be expensive for large stores.
func (s *ContentStore) List(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx, blobPrefix)
}

// Backend returns the underlying backend.
func (s *ContentStore) Backend() backend.Backend {
	return s.backend
}
