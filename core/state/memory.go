package state

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/actionforge/gateway/core/types"
)

// entry is one in-memory keyspace slot. expiresAt is the zero Time when
// there is no TTL.
type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// timeoutEntry is one row of the secondary timeout index (spec §3
// "secondary timeout index").
type timeoutEntry struct {
	key          Key
	fireAtMillis int64
}

// MemoryBackend is an in-process Store, grounded on the teacher's
// infrastructure/state.MemoryBackend (RWMutex-guarded map + periodic
// cleanup goroutine), extended with the atomic counter, CAS, and
// timeout-index operations the gateway's state contract requires.
type MemoryBackend struct {
	mu       sync.Mutex
	data     map[string]entry
	timeouts []timeoutEntry

	done chan struct{}
}

// NewMemoryBackend creates a MemoryBackend with a background sweep that
// evicts expired entries every cleanupInterval (0 disables the sweep;
// reads still lazily treat expired entries as absent).
func NewMemoryBackend(cleanupInterval time.Duration) *MemoryBackend {
	m := &MemoryBackend{
		data: make(map[string]entry),
		done: make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.cleanupLoop(cleanupInterval)
	}
	return m
}

func (m *MemoryBackend) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

func (m *MemoryBackend) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.data {
		if e.expired(now) {
			delete(m.data, k)
		}
	}
}

// Close stops the background sweep.
func (m *MemoryBackend) Close() {
	close(m.done)
}

func ttlDeadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *MemoryBackend) Get(_ context.Context, key Key) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key.String()]
	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key Key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key.String()] = entry{value: value, expiresAt: ttlDeadline(ttl)}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key.String())
	return nil
}

// Increment is the atomic counter primitive the quota, throttle, and
// wasm_errors counters all build on (spec §4.7).
func (m *MemoryBackend) Increment(_ context.Context, key Key, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key.String()
	var current int64
	existed := false
	if e, ok := m.data[k]; ok && !e.expired(time.Now()) {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		current = n
		existed = true
	}
	current += delta
	// Only (re)start the TTL window on the entry's first creation — on a
	// subsequent increment of a live window the expiry must be left alone,
	// matching the Redis backend's "only on count == delta" semantics
	// (spec §4.7 windowed counters), or a continuously-incremented quota/
	// throttle window would never expire.
	expiresAt := m.data[k].expiresAt
	if !existed {
		expiresAt = ttlDeadline(ttl)
	}
	m.data[k] = entry{value: strconv.FormatInt(current, 10), expiresAt: expiresAt}
	return current, nil
}

// CompareAndSet implements the conditional write dedup/single-flight and
// chain advancement rely on. expected == nil means "key must be absent";
// newValue == nil means "delete on success".
func (m *MemoryBackend) CompareAndSet(_ context.Context, key Key, expected *string, newValue *string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key.String()
	e, present := m.data[k]
	if present && e.expired(time.Now()) {
		present = false
	}

	switch {
	case expected == nil && present:
		return false, nil
	case expected != nil && (!present || e.value != *expected):
		return false, nil
	}

	if newValue == nil {
		delete(m.data, k)
		return true, nil
	}
	m.data[k] = entry{value: *newValue, expiresAt: ttlDeadline(ttl)}
	return true, nil
}

func (m *MemoryBackend) ScanKeys(_ context.Context, scope types.Scope, kind Kind, _ string) ([]Key, []string, string, error) {
	prefix := scope.Namespace + ":" + scope.Tenant + ":" + string(kind) + ":"
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var keys []Key
	var values []string
	for k, e := range m.data {
		if e.expired(now) || len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		keys = append(keys, Key{Scope: scope, Kind: kind, Discriminator: k[len(prefix):]})
		values = append(values, e.value)
	}
	// No further pages; the memory backend returns everything in one scan.
	return keys, values, "", nil
}

func (m *MemoryBackend) IndexTimeout(_ context.Context, key Key, fireAtMillis int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, te := range m.timeouts {
		if te.key == key {
			m.timeouts[i].fireAtMillis = fireAtMillis
			return nil
		}
	}
	m.timeouts = append(m.timeouts, timeoutEntry{key: key, fireAtMillis: fireAtMillis})
	return nil
}

// PollDueTimeouts returns and removes entries whose fire time has passed,
// oldest-first, capped at maxBatch (spec §4.7 "poll_due_timeouts").
func (m *MemoryBackend) PollDueTimeouts(_ context.Context, nowMillis int64, maxBatch int) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.Slice(m.timeouts, func(i, j int) bool {
		return m.timeouts[i].fireAtMillis < m.timeouts[j].fireAtMillis
	})

	var due []Key
	remaining := m.timeouts[:0:0]
	for _, te := range m.timeouts {
		if te.fireAtMillis <= nowMillis && (maxBatch <= 0 || len(due) < maxBatch) {
			due = append(due, te.key)
			continue
		}
		remaining = append(remaining, te)
	}
	m.timeouts = remaining
	return due, nil
}

func (m *MemoryBackend) RemoveTimeoutIndex(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, te := range m.timeouts {
		if te.key == key {
			m.timeouts = append(m.timeouts[:i], m.timeouts[i+1:]...)
			return nil
		}
	}
	return nil
}

var _ Store = (*MemoryBackend)(nil)
