// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/alarab/profit-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	entries map[generic.Path]generic.Entry

	// failNext makes the next AtomicWrite fail with the given error (tests).
	failNext error
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[generic.Path]generic.Entry)}
}

func (m *Memory) Read(_ context.Context, path generic.Path) (generic.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[path]
	if !ok {
		return generic.Entry{}, generic.NotFoundf("%s", path)
	}
	return copyEntry(e), nil
}

func (m *Memory) List(_ context.Context, prefix generic.Path) ([]generic.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := string(prefix) + "/"
	var result []generic.Entry
	for path, e := range m.entries {
		if strings.HasPrefix(string(path), p) {
			result = append(result, copyEntry(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}

// AtomicWrite checks every expected version first, then applies all writes.
func (m *Memory) AtomicWrite(ctx context.Context, writes []generic.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}

	// Check all versions first (atomic check)
	for _, w := range writes {
		if !versionMatches(m.entries[w.Path], w.ExpectVersion) {
			return generic.ErrConflict
		}
	}

	// Apply all (atomic write)
	for _, w := range writes {
		current := m.entries[w.Path]
		value := make([]byte, len(w.Value))
		copy(value, w.Value)
		m.entries[w.Path] = generic.Entry{Path: w.Path, Value: value, Version: current.Version + 1}
	}
	return nil
}

// FailNextWrite makes the next AtomicWrite return err without applying anything.
func (m *Memory) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func versionMatches(current generic.Entry, expect int64) bool {
	switch {
	case expect == generic.VersionAny:
		return true
	case expect == generic.VersionAbsent:
		return current.Version == 0
	default:
		return current.Version == expect
	}
}

func copyEntry(e generic.Entry) generic.Entry {
	v := make([]byte, len(e.Value))
	copy(v, e.Value)
	return generic.Entry{Path: e.Path, Value: v, Version: e.Version}
}
