// Package gateway ties the cache together: lookups against the object
// index, coordinated upstream fetches on a miss, and the HTTP surface
// that serves the cached bytes.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	cidcache "github.com/cidcache/cidcache"
	"github.com/cidcache/cidcache/backend"
	"github.com/cidcache/cidcache/fetch"
	"github.com/cidcache/cidcache/index"
	"github.com/cidcache/cidcache/probe"
	"github.com/cidcache/cidcache/store"
	"github.com/cidcache/cidcache/telemetry"
)

// Upstream is the part of fetch.Client the gateway needs.
type Upstream interface {
	Fetch(ctx context.Context, ref cidcache.Ref) (*fetch.Response, error)
}

// Gateway resolves content references against the cache, fetching and
// indexing on demand.
type Gateway struct {
	index     *index.Index
	store     *store.ContentStore
	coord     *fetch.Coordinator
	upstream  Upstream
	logger    *slog.Logger
	normalize bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithListingNormalization controls whether upstream HTML directory
// listings are re-rendered with the local template before caching.
func WithListingNormalization(enabled bool) Option {
	return func(g *Gateway) {
		g.normalize = enabled
	}
}

// New creates a Gateway.
func New(ix *index.Index, st *store.ContentStore, coord *fetch.Coordinator, up Upstream, opts ...Option) *Gateway {
	g := &Gateway{
		index:     ix,
		store:     st,
		coord:     coord,
		upstream:  up,
		logger:    slog.Default().With("component", "gateway"),
		normalize: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Resolved is the outcome of a Resolve call. The caller owns Body and
// must close it.
type Resolved struct {
	Record *index.Record
	Body   io.ReadCloser
	Result telemetry.CacheResult
}

// Resolve returns a readable copy of the content for ref, fetching it
// from upstream if the cache does not hold it. An index row whose blob
// has gone missing is healed by re-fetching; the row stays under the
// same ref and is refreshed with the re-fetched metadata.
func (g *Gateway) Resolve(ctx context.Context, ref cidcache.Ref) (*Resolved, error) {
	key := ref.Key()

	rec, err := g.index.Lookup(ctx, key)
	switch {
	case err == nil:
		rc, err := g.store.Get(ctx, rec.StorageKey)
		if err == nil {
			g.touchAsync(ctx, key)
			telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
			return &Resolved{Record: rec, Body: rc, Result: telemetry.CacheHit}, nil
		}
		if !errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("reading cached blob: %w", err)
		}
		// Row present, blob gone. Re-fetch under the same key.
		g.logger.Warn("blob missing for indexed ref, re-fetching", "ref", key, "storage_key", rec.StorageKey)
		telemetry.RecordCacheLookup(ctx, telemetry.CacheHealed)
		return g.fetchResolved(ctx, ref, telemetry.CacheHealed)
	case errors.Is(err, index.ErrNotFound):
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return g.fetchResolved(ctx, ref, telemetry.CacheMiss)
	default:
		return nil, fmt.Errorf("index lookup: %w", err)
	}
}

func (g *Gateway) fetchResolved(ctx context.Context, ref cidcache.Ref, result telemetry.CacheResult) (*Resolved, error) {
	res, shared, err := g.coord.Do(ctx, ref.Key(), func(fctx context.Context) (*fetch.Result, error) {
		return g.fetchAndStore(fctx, ref)
	})
	if err != nil {
		return nil, err
	}
	if shared && result == telemetry.CacheMiss {
		result = telemetry.CacheJoined
	}

	rc, err := g.store.Get(ctx, res.Record.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("reading fetched blob: %w", err)
	}
	return &Resolved{Record: res.Record, Body: rc, Result: result}, nil
}

// fetchAndStore runs under the coordinator with a detached context: it
// pulls the content from upstream, probes it, stores the blob, and
// indexes the result.
func (g *Gateway) fetchAndStore(ctx context.Context, ref cidcache.Ref) (*fetch.Result, error) {
	resp, err := g.upstream.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	br := bufio.NewReaderSize(resp.Body, probe.SniffLen)
	prefix, err := br.Peek(probe.SniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading content prefix: %w", err)
	}
	meta := probe.Classify(prefix)

	var content io.Reader = br
	if _, verifiable := ref.VerifiableDigest(); !verifiable &&
		g.normalize && meta.MIME == "text/html" && looksLikeListing(prefix) {
		// Rewriting would change the bytes the store checks against the
		// ref digest, so verifiable content is always kept verbatim.
		// normalizeListing consumes the stream; on failure it hands back
		// the reassembled original.
		content, _ = g.normalizeListing(ref, br)
	}

	putRes, err := g.store.Put(ctx, ref, content)
	if err != nil {
		return nil, err
	}

	rec := &index.Record{
		Ref:        ref.Key(),
		StorageKey: putRes.StorageKey,
		ByteSize:   putRes.Size,
		MIMEType:   meta.MIME,
		Width:      meta.Width,
		Height:     meta.Height,
	}

	err = g.index.Insert(ctx, rec)
	if errors.Is(err, index.ErrConflict) {
		// Another path indexed the ref first (a heal racing a miss). The
		// blob under the key was just rewritten, so the row must carry
		// this fetch's size and metadata or Content-Length can disagree
		// with the body.
		if uerr := g.index.Update(ctx, rec); uerr != nil {
			return nil, fmt.Errorf("refreshing conflicting row: %w", uerr)
		}
		existing, lerr := g.index.Lookup(ctx, ref.Key())
		if lerr != nil {
			return nil, fmt.Errorf("looking up conflicting row: %w", lerr)
		}
		rec = existing
		err = nil
	}
	if err != nil {
		return nil, err
	}

	g.logger.Info("cached content",
		"ref", ref.Key(),
		"gateway", resp.Gateway,
		"size", rec.ByteSize,
		"mime", rec.MIMEType)

	return &fetch.Result{Record: rec}, nil
}

// touchAsync updates last_accessed_at without holding up the response.
func (g *Gateway) touchAsync(ctx context.Context, key string) {
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := g.index.Touch(bg, key); err != nil {
			g.logger.Warn("failed to touch ref", "ref", key, "error", err)
			return
		}
		telemetry.RecordBlobTouch(bg)
	}()
}
