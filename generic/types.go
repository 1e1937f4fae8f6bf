/*
Package generic provides the storage contract and shared primitives of the
profit engine.

PURPOSE:
  This package is domain-agnostic. It knows nothing about investments,
  accounts or referrals; it defines how those domains talk to persistence:
  a key-addressed store of versioned JSON entries with an all-or-nothing
  multi-path write. Domain packages (account, investment, referral) build
  their invariants on top of it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Path: hierarchical key, e.g. "users/u-1" or "investments/u-1/inv-9"
  - Entry: a stored value with its version
  - Write: one element of an atomic multi-write, carrying the version the
    caller expects to replace (optimistic concurrency)
  - Batch: builder that JSON-encodes values into Writes

VERSIONS:
  Every entry starts at version 1 and is bumped on each write. A Write says
  which version it expects:
    VersionAbsent (0)  the path must not exist yet (create-only)
    VersionAny   (-1)  overwrite whatever is there
    n > 0              the entry must still be at version n (compare-and-swap)
  A mismatch fails the whole AtomicWrite with ErrConflict.

SEE ALSO:
  - store.go: Store interface
  - retry.go: read-compute-write retry loop on ErrConflict
  - errors.go: error taxonomy
*/
package generic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PATHS
// =============================================================================

type Path string

// JoinPath builds a path from segments. Empty segments are rejected by Valid.
func JoinPath(segments ...string) Path {
	return Path(strings.Join(segments, "/"))
}

func (p Path) String() string { return string(p) }

// Child appends one segment.
func (p Path) Child(segment string) Path { return Path(string(p) + "/" + segment) }

// Base returns the last segment.
func (p Path) Base() string {
	s := string(p)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Valid reports whether the path has no empty segments.
func (p Path) Valid() bool {
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(string(p), "/") {
		if seg == "" {
			return false
		}
	}
	return true
}

// =============================================================================
// ENTRIES AND WRITES
// =============================================================================

const (
	VersionAbsent int64 = 0
	VersionAny    int64 = -1
)

type Entry struct {
	Path    Path
	Value   []byte
	Version int64
}

// Decode unmarshals the entry value into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Value, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Path, err)
	}
	return nil
}

type Write struct {
	Path          Path
	Value         []byte
	ExpectVersion int64
}

// Batch collects writes for a single AtomicWrite call.
// A path may appear only once per batch.
type Batch struct {
	writes []Write
	seen   map[Path]struct{}
}

func NewBatch() *Batch {
	return &Batch{seen: make(map[Path]struct{})}
}

// Put JSON-encodes value and schedules it for path.
func (b *Batch) Put(path Path, value any, expectVersion int64) error {
	if !path.Valid() {
		return fmt.Errorf("invalid path %q", path)
	}
	if _, dup := b.seen[path]; dup {
		return fmt.Errorf("path %s written twice in one batch", path)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	b.seen[path] = struct{}{}
	b.writes = append(b.writes, Write{Path: path, Value: raw, ExpectVersion: expectVersion})
	return nil
}

func (b *Batch) Len() int { return len(b.writes) }

// Writes returns a copy of the scheduled writes in insertion order.
func (b *Batch) Writes() []Write {
	out := make([]Write, len(b.writes))
	copy(out, b.writes)
	return out
}

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places kept for computed amounts
// (commission percentages). Profit and principal are exact multiples.
const MoneyPlaces = 2

// RoundMoney rounds half away from zero to MoneyPlaces.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyPlaces) }
