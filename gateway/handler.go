package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	cidcache "github.com/cidcache/cidcache"
	"github.com/cidcache/cidcache/fetch"
	"github.com/cidcache/cidcache/probe"
	"github.com/cidcache/cidcache/store"
	"github.com/cidcache/cidcache/telemetry"
)

// HandleContent serves GET and HEAD for /ipfs/{ref...}.
func (g *Gateway) HandleContent(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "content")

	ref, err := cidcache.ParseRef(r.PathValue("ref"))
	if err != nil {
		http.Error(w, "invalid content reference", http.StatusNotFound)
		return
	}

	resolved, err := g.Resolve(r.Context(), ref)
	if err != nil {
		g.writeResolveError(w, r, ref, err)
		return
	}
	defer func() { _ = resolved.Body.Close() }()

	telemetry.SetCacheResult(r, resolved.Result)

	rec := resolved.Record
	mime := rec.MIMEType
	if mime == "" {
		mime = probe.FallbackMIME
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.ByteSize, 10))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if rec.Width != nil && rec.Height != nil {
		w.Header().Set("x-image-width", strconv.Itoa(*rec.Width))
		w.Header().Set("x-image-height", strconv.Itoa(*rec.Height))
		w.Header().Set("x-image-size", strconv.FormatInt(rec.ByteSize, 10))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := io.Copy(w, resolved.Body); err != nil {
		// Headers are gone; all we can do is note it.
		g.logger.Debug("response copy interrupted", "ref", ref.Key(), "error", err)
	}
}

func (g *Gateway) writeResolveError(w http.ResponseWriter, r *http.Request, ref cidcache.Ref, err error) {
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		http.Error(w, "content not found", http.StatusNotFound)
	case errors.Is(err, fetch.ErrTooLarge), errors.Is(err, store.ErrTooLarge):
		http.Error(w, "content too large", http.StatusBadGateway)
	case errors.Is(err, store.ErrContentMismatch):
		g.logger.Error("upstream content failed verification", "ref", ref.Key())
		http.Error(w, "upstream content failed verification", http.StatusBadGateway)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		http.Error(w, "upstream fetch timed out", http.StatusGatewayTimeout)
	case errors.Is(err, fetch.ErrUnavailable):
		http.Error(w, "no upstream gateway available", http.StatusBadGateway)
	default:
		g.logger.Error("failed to resolve ref", "ref", ref.Key(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
