package executor

import (
	"context"
	"sync"
)

// MemorySink is an in-process append-only Sink, grounded on the same
// mutex-guarded-slice shape state.MemoryBackend uses for its own
// in-memory tier. Suitable for single-instance deployments and tests;
// entries do not survive a restart.
type MemorySink struct {
	mu      sync.Mutex
	entries []DeadLetter
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, dl)
	return nil
}

// List returns a snapshot of everything appended so far.
func (s *MemorySink) List() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.entries))
	copy(out, s.entries)
	return out
}

var _ Sink = (*MemorySink)(nil)
