package cow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maruel/docshare/internal/storage/blob"
	"github.com/maruel/docshare/internal/storage/meta"
	"golang.org/x/time/rate"
)

// SweepResult summarizes a garbage collection sweep.
type SweepResult struct {
	// Removed is the number of shared entries deleted.
	Removed int `json:"removed"`
	// BytesFreed is the size of the removed shared entries.
	BytesFreed int64 `json:"bytes_freed"`
	// Orphans is the number of objects deleted because no row points at them.
	Orphans int `json:"orphans"`
	// TempFiles is the number of abandoned staging files deleted.
	TempFiles int     `json:"temp_files"`
	Errors    []error `json:"-"`
}

// CleanupResult summarizes a stale ref cleanup.
type CleanupResult struct {
	// Processed is the number of refs examined.
	Processed int `json:"processed"`
	// Reclaimed is the number of soft-deleted refs removed with their copies.
	Reclaimed int `json:"reclaimed"`
	// FoldedBack is the number of edited refs whose content matched a shared
	// entry and now count toward it again.
	FoldedBack int     `json:"folded_back"`
	Errors     []error `json:"-"`
}

// SweepGarbage deletes shared entries that have had no references for longer
// than the grace window, then objects no row points at.
//
// Each entry is claimed in the metadata store before anything is deleted so a
// concurrent attach or revert either wins before the claim or fails with
// ErrNotFound. The blob is deleted before the row; a crash in between leaves a
// claimed row that the next sweep finishes.
func (s *Service) SweepGarbage(ctx context.Context) (*SweepResult, error) {
	p := s.GCPolicy()
	now := s.now()
	cutoff := now.Add(-p.GraceWindow)
	lim := newLimiter(p.DeletesPerSecond)
	res := &SweepResult{}

	entries, err := s.meta.ListShared(ctx, meta.SharedFilter{Unreferenced: true, AccessedBefore: cutoff})
	if err != nil {
		return nil, fmt.Errorf("failed to list unreferenced entries: %w", err)
	}
	for _, e := range entries {
		if err := lim.Wait(ctx); err != nil {
			return res, err
		}
		claimed, err := s.meta.MarkCollecting(ctx, e.ContentHash, cutoff, now)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		if !claimed {
			continue
		}
		if err := s.blobs.Delete(ctx, e.StorageKey); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("failed to delete %s: %w", e.StorageKey, err))
			continue
		}
		if err := s.meta.DeleteShared(ctx, e.ContentHash); err != nil && !errors.Is(err, meta.ErrNotFound) {
			res.Errors = append(res.Errors, err)
			continue
		}
		s.lib.Forget(e.ContentHash)
		res.Removed++
		res.BytesFreed += e.FileSize
		slog.DebugContext(ctx, "Collected shared entry", "hash", e.ContentHash, "size", e.FileSize)
	}

	if err := s.sweepOrphans(ctx, cutoff, lim, res); err != nil {
		return res, err
	}
	if c, ok := s.blobs.(blob.TempCleaner); ok {
		n, err := c.CleanupTemp(ctx, p.GraceWindow)
		res.TempFiles = n
		if err != nil {
			res.Errors = append(res.Errors, err)
		}
	}
	slog.InfoContext(ctx, "Garbage sweep done", "removed", res.Removed, "bytes", res.BytesFreed, "orphans", res.Orphans, "tmp", res.TempFiles, "errors", len(res.Errors))
	return res, nil
}

// sweepOrphans deletes objects under shared/ and users/ that no row points at
// and that were written before cutoff. Writers put objects before committing
// rows, so only objects older than the grace window are considered.
func (s *Service) sweepOrphans(ctx context.Context, cutoff time.Time, lim *rate.Limiter, res *SweepResult) error {
	live := map[string]struct{}{}
	entries, err := s.meta.ListShared(ctx, meta.SharedFilter{})
	if err != nil {
		return fmt.Errorf("failed to list shared entries: %w", err)
	}
	for _, e := range entries {
		live[e.StorageKey] = struct{}{}
	}
	refs, err := s.meta.ListRefs(ctx, meta.RefFilter{})
	if err != nil {
		return fmt.Errorf("failed to list refs: %w", err)
	}
	for _, r := range refs {
		live[r.StorageKey] = struct{}{}
	}
	for _, prefix := range []string{"shared/", "users/"} {
		var orphans []string
		for info, err := range s.blobs.List(ctx, prefix) {
			if err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("failed to list %s: %w", prefix, err))
				break
			}
			if _, ok := live[info.Key]; ok || !info.UploadedAt.Before(cutoff) {
				continue
			}
			orphans = append(orphans, info.Key)
		}
		for _, key := range orphans {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
			if err := s.blobs.Delete(ctx, key); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("failed to delete orphan %s: %w", key, err))
				continue
			}
			res.Orphans++
			slog.DebugContext(ctx, "Deleted orphaned object", "key", key, "shared", strings.HasPrefix(key, "shared/"))
		}
	}
	return nil
}

// CleanupStaleIsolated reclaims refs untouched for longer than maxAge.
//
// Soft-deleted refs are removed with their copies. Edited refs whose content
// matches an existing shared entry are folded back: they count toward that
// entry again. Other edited refs are kept since they hold the user's only copy.
func (s *Service) CleanupStaleIsolated(ctx context.Context, maxAge time.Duration) (*CleanupResult, error) {
	cutoff := s.now().Add(-maxAge)
	refs, err := s.meta.ListRefs(ctx, meta.RefFilter{ModifiedBefore: cutoff})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale refs: %w", err)
	}
	res := &CleanupResult{}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch {
		case ref.State == meta.StateDeleted:
			res.Processed++
			if err := s.removeRef(ctx, ref); err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			res.Reclaimed++
		case ref.IsModified:
			res.Processed++
			folded, err := s.foldBack(ctx, ref)
			if err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			if folded {
				res.FoldedBack++
			}
		}
	}
	slog.InfoContext(ctx, "Stale ref cleanup done", "processed", res.Processed, "reclaimed", res.Reclaimed, "folded", res.FoldedBack, "errors", len(res.Errors))
	return res, nil
}

// foldBack makes an edited ref whose bytes match a shared entry count toward
// that entry again. The entry becomes the ref's origin.
func (s *Service) foldBack(ctx context.Context, ref *meta.UserRef) (bool, error) {
	e, err := s.meta.GetShared(ctx, ref.CurrentHash)
	if errors.Is(err, meta.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if e.IsCollecting() {
		return false, nil
	}
	next := ref.Clone()
	next.OriginHash = ref.CurrentHash
	next.IsModified = false
	if _, err := s.commit(ctx, ref, next, ref.CurrentHash, ""); err != nil {
		if errors.Is(err, meta.ErrNotFound) || errors.Is(err, meta.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("failed to fold back %s/%s: %w", ref.UserID, ref.DocumentID, err)
	}
	slog.DebugContext(ctx, "Folded edited ref back to shared content", "user", ref.UserID, "doc", ref.DocumentID, "hash", ref.CurrentHash)
	return true, nil
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}
