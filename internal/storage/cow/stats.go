package cow

import (
	"context"
	"fmt"
	"time"

	"github.com/maruel/docshare/internal/storage/meta"
)

// StorageStats is a point-in-time snapshot. It is computed from independent
// reads and may be slightly stale under concurrent writes.
type StorageStats struct {
	SharedEntries int `json:"shared_entries"`
	UserRefs      int `json:"user_refs"`
	// ModifiedRefs counts refs detached from their origin.
	ModifiedRefs int `json:"modified_refs"`
	IsolatedRefs int `json:"isolated_refs"`
	DeletedRefs  int `json:"deleted_refs"`
	// SharedBytes is the size of all shared entries.
	SharedBytes int64 `json:"shared_bytes"`
	// IsolatedBytes is the size of all modified refs.
	IsolatedBytes int64 `json:"isolated_bytes"`
	TotalBytes    int64 `json:"total_bytes"`
	// EstimatedDedupSavings is the sum over shared entries of
	// (ReferenceCount-1)*FileSize: the bytes that would be stored again if
	// every reference held its own copy.
	EstimatedDedupSavings int64     `json:"estimated_dedup_savings"`
	ComputedAt            time.Time `json:"computed_at"`
}

// GetStats computes storage statistics.
func (s *Service) GetStats(ctx context.Context) (*StorageStats, error) {
	entries, err := s.meta.ListShared(ctx, meta.SharedFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list shared entries: %w", err)
	}
	refs, err := s.meta.ListRefs(ctx, meta.RefFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list refs: %w", err)
	}
	st := &StorageStats{SharedEntries: len(entries), UserRefs: len(refs), ComputedAt: s.now()}
	for _, e := range entries {
		st.SharedBytes += e.FileSize
		if e.ReferenceCount > 1 {
			st.EstimatedDedupSavings += (e.ReferenceCount - 1) * e.FileSize
		}
	}
	for _, r := range refs {
		if r.IsModified {
			st.ModifiedRefs++
			st.IsolatedBytes += r.FileSize
		}
		switch r.State {
		case meta.StateIsolated:
			st.IsolatedRefs++
		case meta.StateDeleted:
			st.DeletedRefs++
		}
	}
	st.TotalBytes = st.SharedBytes + st.IsolatedBytes
	return st, nil
}
