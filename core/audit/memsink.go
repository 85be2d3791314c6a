package audit

import (
	"context"
	"sort"
	"sync"
)

// MemorySink is an in-process audit sink for development and tests,
// grounded on state.MemoryBackend's mutex-guarded-slice style. It also
// satisfies httpapi.Replayer so SSE reconnection works without a
// Postgres-backed deployment.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Recent returns up to limit records for (namespace, tenant), most
// recent first, satisfying httpapi.Replayer.
func (s *MemorySink) Recent(_ context.Context, namespace, tenant string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if r.Namespace == namespace && r.Tenant == tenant {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

var _ Sink = (*MemorySink)(nil)
