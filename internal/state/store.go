// Package state implements the replicated last-writer-wins key-value store
// (C3), spec.md §4.3. Every node holds the complete map; there is no
// sharding, so the teacher's partition-owner primitives (pkg/cluster) are
// repurposed elsewhere rather than consumed here.
package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/meshswarm/meshswarm/pkg/merkle"
)

// Entry is one versioned value in the store.
type Entry struct {
	Value   string
	Version uint32
	Origin  uint32
}

// Watcher is called after a Set (local or remote) actually changes a key's
// value, never on a no-op overwrite of an identical value, per spec.md §3/
// §4.3's "fires watchers ... with (key, new_value, old_value)" rule.
// oldValue is "" when the key did not previously exist.
type Watcher func(key, value, oldValue string)

// Store is the replicated map. All methods are safe for concurrent use, but
// the scheduler only ever calls them from its own tick.
type Store struct {
	mu       sync.RWMutex
	localID  uint32
	entries  map[string]Entry
	watchers map[string][]Watcher // key or "*" -> watchers
}

// New creates an empty Store for a node identified by localID, used as the
// Origin field on every locally originated write.
func New(localID uint32) *Store {
	return &Store{
		localID:  localID,
		entries:  make(map[string]Entry),
		watchers: make(map[string][]Watcher),
	}
}

// Set writes a local value, stamping it with this node's ID as origin and a
// version exactly one past the key's own prior version (spec.md §3's
// per-key "bumps version by exactly one" rule — not a store-wide counter).
// A write whose value equals what's already stored is a no-op: it neither
// bumps the version nor overwrites the entry, so it cannot later cause a
// genuinely newer remote write to be wrongly rejected by acceptLocked.
// changed reports whether the value differs from what was stored before.
func (s *Store) Set(key, value string) (changed bool) {
	s.mu.Lock()
	var oldValue string
	changed, oldValue = s.applyLocked(key, value)
	s.mu.Unlock()

	if changed {
		s.notify(key, value, oldValue)
	}
	return changed
}

// SetMany applies several local writes as one batch, notifying watchers for
// every key that actually changed.
func (s *Store) SetMany(kv map[string]string) {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic version stamping order

	type change struct{ key, value, oldValue string }
	var changed []change

	s.mu.Lock()
	for _, k := range keys {
		if ok, old := s.applyLocked(k, kv[k]); ok {
			changed = append(changed, change{k, kv[k], old})
		}
	}
	s.mu.Unlock()

	for _, c := range changed {
		s.notify(c.key, c.value, c.oldValue)
	}
}

// Get returns the current value for key and whether it exists.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e.Value, ok
}

// GetEntry returns the full versioned entry for key, for callers (the
// scheduler's eager-broadcast path) that need version/origin alongside the
// value rather than just the value Get returns.
func (s *Store) GetEntry(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Watch registers fn to be called whenever key changes. key == "*" matches
// every key (spec.md §4.3's wildcard watcher).
func (s *Store) Watch(key string, fn Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers[key] = append(s.watchers[key], fn)
}

// ApplyRemoteSet applies one incoming STATE_SET entry, enforcing spec.md
// §4.3's acceptance rule: accept iff version > stored version, or version ==
// stored version and origin < stored origin (lower NodeId wins ties).
func (s *Store) ApplyRemoteSet(key string, incoming Entry) {
	s.mu.Lock()
	accepted, oldValue := s.acceptLocked(key, incoming)
	var value string
	if accepted {
		value = incoming.Value
	}
	s.mu.Unlock()

	if accepted {
		s.notify(key, value, oldValue)
	}
}

// ApplyRemoteSync applies a STATE_SYNC batch, one acceptance decision per
// entry, exactly as ApplyRemoteSet would.
func (s *Store) ApplyRemoteSync(entries map[string]Entry) {
	type change struct{ key, value, oldValue string }
	var changed []change

	s.mu.Lock()
	for key, incoming := range entries {
		if ok, old := s.acceptLocked(key, incoming); ok {
			changed = append(changed, change{key, incoming.Value, old})
		}
	}
	s.mu.Unlock()

	for _, c := range changed {
		s.notify(c.key, c.value, c.oldValue)
	}
}

// acceptLocked applies the LWW rule and reports whether the stored value
// actually changed (not merely whether the entry was accepted — an accepted
// entry with an identical value must not fire watchers), plus the value
// that was stored under key before this call, for the watcher's old_value.
func (s *Store) acceptLocked(key string, incoming Entry) (changed bool, oldValue string) {
	current, exists := s.entries[key]
	if exists {
		accept := incoming.Version > current.Version ||
			(incoming.Version == current.Version && incoming.Origin < current.Origin)
		if !accept {
			return false, ""
		}
	}
	changed = !exists || current.Value != incoming.Value
	oldValue = current.Value
	s.entries[key] = incoming
	return changed, oldValue
}

// applyLocked is acceptLocked's local-write counterpart. It stamps key's
// next version as current.Version+1 (1 for a brand-new key) and this
// node's ID as origin, but only when value actually differs from what's
// stored — an unchanged value leaves the entry, including its version,
// untouched.
func (s *Store) applyLocked(key, value string) (changed bool, oldValue string) {
	current, exists := s.entries[key]
	if exists && current.Value == value {
		return false, current.Value
	}
	version := current.Version + 1
	s.entries[key] = Entry{Value: value, Version: version, Origin: s.localID}
	return true, current.Value
}

func (s *Store) notify(key, value, oldValue string) {
	s.mu.RLock()
	fns := append([]Watcher{}, s.watchers[key]...)
	fns = append(fns, s.watchers["*"]...)
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(key, value, oldValue)
	}
}

// Snapshot returns a defensive copy of every entry, used to build a
// STATE_SYNC broadcast or to answer a STATE_REQ.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Digest returns a Merkle root over the sorted "key=value@version/origin"
// leaves of the current snapshot. It is a convergence diagnostic only —
// logged after anti-entropy and asserted on in end-to-end convergence tests
// — and is never sent over the wire or consulted by the acceptance rule.
func (s *Store) Digest() string {
	s.mu.RLock()
	leaves := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		leaves = append(leaves, fmt.Sprintf("%s=%s@%d/%d", k, e.Value, e.Version, e.Origin))
	}
	s.mu.RUnlock()

	if len(leaves) == 0 {
		return ""
	}
	return merkle.NewMerkleTree(leaves).GetRootHash()
}

// String renders the store for debug logging, sorted by key.
func (s *Store) String() string {
	snap := s.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		e := snap[k]
		fmt.Fprintf(&b, "%s=%s@%d/%d ", k, e.Value, e.Version, e.Origin)
	}
	return strings.TrimSpace(b.String())
}
