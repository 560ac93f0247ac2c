package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cidcache/cidcache/backend"
	"github.com/cidcache/cidcache/index"
	"github.com/cidcache/cidcache/telemetry"
)

// phaseAgeOut removes objects that have not been accessed within
// DeleteOlderThan.
func (s *Sweeper) phaseAgeOut(ctx context.Context, result *Result) {
	if s.config.DeleteOlderThan <= 0 {
		return
	}
	s.logger.Debug("phase: age out")

	cutoff := s.now().Add(-s.config.DeleteOlderThan)
	candidates, err := s.index.CandidatesOlderThan(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("age-out candidates: %v", err))
		s.logger.Error("failed to list age-out candidates", "error", err)
		return
	}

	var reclaimed int64
	for _, rec := range candidates {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.skip(rec) {
			continue
		}
		if err := s.deleteObject(ctx, rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("age out %s: %v", rec.Ref, err))
			continue
		}
		result.AgedOut++
		result.BytesReclaimed += rec.ByteSize
		reclaimed += rec.ByteSize
		s.logger.Debug("aged out object", "ref", rec.Ref, "last_accessed", rec.LastAccessedAt)
	}

	telemetry.RecordSweepPhase(ctx, "age", result.AgedOut, reclaimed)
}

// phaseBudgetEviction evicts coldest-first until the cache fits the
// configured byte and object budgets.
func (s *Sweeper) phaseBudgetEviction(ctx context.Context, result *Result) {
	if s.config.MaxBytes <= 0 && s.config.MaxObjects <= 0 {
		return
	}
	s.logger.Debug("phase: budget eviction")

	totalBytes, err := s.index.TotalSize(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("total size: %v", err))
		return
	}
	totalObjects, err := s.index.Count(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("count: %v", err))
		return
	}

	if !s.overBudget(totalBytes, totalObjects) {
		return
	}

	candidates, err := s.index.EvictionCandidates(ctx, s.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("eviction candidates: %v", err))
		return
	}
	if s.config.Rank != nil {
		s.config.Rank(candidates)
	}

	var reclaimed int64
	for _, rec := range candidates {
		if !s.overBudget(totalBytes, totalObjects) {
			break
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.skip(rec) {
			continue
		}
		if err := s.deleteObject(ctx, rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("evict %s: %v", rec.Ref, err))
			continue
		}
		result.Evicted++
		result.BytesReclaimed += rec.ByteSize
		reclaimed += rec.ByteSize
		totalBytes -= rec.ByteSize
		totalObjects--
		s.logger.Debug("evicted object", "ref", rec.Ref, "size", rec.ByteSize)
	}

	telemetry.RecordSweepPhase(ctx, "budget", result.Evicted, reclaimed)
}

// phaseOrphans deletes blobs on disk that no index row references.
// Young files are skipped: a blob lands on disk before its row commits.
func (s *Sweeper) phaseOrphans(ctx context.Context, result *Result) {
	s.logger.Debug("phase: orphan reconciliation")

	keys, err := s.store.List(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list blobs: %v", err))
		s.logger.Error("failed to list blobs", "error", err)
		return
	}

	indexed, err := s.index.StorageKeys(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("index storage keys: %v", err))
		return
	}

	mtb, hasModTime := s.store.Backend().(backend.ModTimeBackend)
	young := s.now().Add(-s.config.GraceWindow)

	var reclaimed int64
	processed := 0
	for _, key := range keys {
		if processed >= s.config.BatchSize {
			break
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !strings.HasPrefix(key, "blobs/") {
			continue
		}
		if _, ok := indexed[key]; ok {
			continue
		}

		if hasModTime {
			mtime, err := mtb.ModTime(ctx, key)
			if err != nil {
				if !errors.Is(err, backend.ErrNotFound) {
					result.Errors = append(result.Errors, fmt.Sprintf("stat orphan %s: %v", key, err))
				}
				continue
			}
			if mtime.After(young) {
				// Possibly a fetch whose index insert has not landed yet.
				continue
			}
		}

		size, err := s.store.Size(ctx, key)
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			result.Errors = append(result.Errors, fmt.Sprintf("size orphan %s: %v", key, err))
			continue
		}

		if err := s.store.Delete(ctx, key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete orphan %s: %v", key, err))
			continue
		}
		processed++
		result.OrphansDeleted++
		result.BytesReclaimed += size
		reclaimed += size
		s.logger.Debug("deleted orphan blob", "key", key, "size", size)
	}

	telemetry.RecordSweepPhase(ctx, "orphan", result.OrphansDeleted, reclaimed)
}

// phaseTempCleanup reclaims staged temp files orphaned by a crash.
func (s *Sweeper) phaseTempCleanup(ctx context.Context, result *Result) {
	tc, ok := tempCleaner(s.store.Backend())
	if !ok || s.config.TempMaxAge <= 0 {
		return
	}
	s.logger.Debug("phase: temp cleanup")

	n, err := tc.CleanupTemp(ctx, s.config.TempMaxAge)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("temp cleanup: %v", err))
		s.logger.Error("failed to clean temp files", "error", err)
		return
	}
	result.TempFilesDeleted = n

	telemetry.RecordSweepPhase(ctx, "temp", n, 0)
}

// skip reports whether an object must be left alone this run: its fetch
// is in flight or it was accessed within the grace window.
func (s *Sweeper) skip(rec *index.Record) bool {
	if s.inflight != nil && s.inflight.InFlight(rec.Ref) {
		s.logger.Debug("skipping in-flight ref", "ref", rec.Ref)
		return true
	}
	if s.config.GraceWindow > 0 && rec.LastAccessedAt.After(s.now().Add(-s.config.GraceWindow)) {
		return true
	}
	return false
}

// deleteObject removes the row first, then the blob. Row-first ordering
// means a crash leaves an orphan blob for the next reconciliation pass
// rather than an index row pointing at nothing.
func (s *Sweeper) deleteObject(ctx context.Context, rec *index.Record) error {
	if err := s.index.Delete(ctx, rec.Ref); err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.store.Delete(ctx, rec.StorageKey)
}

func (s *Sweeper) overBudget(totalBytes, totalObjects int64) bool {
	if s.config.MaxBytes > 0 && totalBytes > s.config.MaxBytes {
		return true
	}
	if s.config.MaxObjects > 0 && totalObjects > s.config.MaxObjects {
		return true
	}
	return false
}

func tempCleaner(b backend.Backend) (backend.TempCleaner, bool) {
	for {
		if tc, ok := b.(backend.TempCleaner); ok {
			return tc, true
		}
		u, ok := b.(interface{ Unwrap() backend.Backend })
		if !ok {
			return nil, false
		}
		b = u.Unwrap()
	}
}
