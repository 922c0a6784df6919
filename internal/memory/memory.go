package memory

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Trust thresholds.
const (
	// TrustAbove is the success rate a fix must exceed before Lookup offers it.
	TrustAbove = 0.5
	// DeprecateBelow and DeprecateAfter together retire a fix: once a failure
	// leaves more than DeprecateAfter occurrences with a success rate below
	// DeprecateBelow, the entry is deprecated for good.
	DeprecateBelow = 0.3
	DeprecateAfter = 3
)

var ErrUnknownSignature = errors.New("unknown failure signature")

// Fix is the corrective action remembered for a signature.
type Fix struct {
	Name      string `json:"name"`
	PatternID string `json:"pattern_id,omitempty"`
	Toolchain string `json:"toolchain,omitempty"`
	Command   string `json:"command,omitempty"`
}

// Entry is the learned record for one failure signature.
type Entry struct {
	Key         string    `json:"key"`
	Signature   string    `json:"signature,omitempty"`
	Fix         Fix       `json:"fix"`
	Occurrences int       `json:"occurrences"`
	Successes   int       `json:"successes"`
	Failures    int       `json:"failures"`
	SuccessRate float64   `json:"success_rate"`
	Deprecated  bool      `json:"deprecated"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Trusted reports whether Lookup would offer this entry's fix.
func (e Entry) Trusted() bool {
	return !e.Deprecated && e.SuccessRate > TrustAbove
}

func (e *Entry) recompute() {
	if e.Occurrences > 0 {
		e.SuccessRate = float64(e.Successes) / float64(e.Occurrences)
	} else {
		e.SuccessRate = 0
	}
}

// retirable reports whether the counters meet the deprecation rule. Entries
// that never failed are left alone.
func (e *Entry) retirable() bool {
	return e.Failures > 0 && e.Occurrences > DeprecateAfter && e.SuccessRate < DeprecateBelow
}

// retire applies the deprecation rule to up-to-date counters.
func (e *Entry) retire() {
	e.recompute()
	if !e.retirable() {
		return
	}
	if !e.Deprecated {
		log.Info().Str("signature", e.Key).Str("fix", e.Fix.Name).
			Float64("success_rate", e.SuccessRate).Msg("repair memory entry deprecated")
	}
	e.Deprecated = true
}

// Store persists entries. Put is called after every mutation.
type Store interface {
	Load() ([]Entry, error)
	Put(e Entry) error
	Close() error
}

// slot serializes writers for one key while readers load the current entry
// without locking.
type slot struct {
	mu    sync.Mutex
	entry atomic.Pointer[Entry]
}

// Memory is the learned registry of failure signatures and their fixes.
// Mutations to one signature are serialized; different signatures proceed in
// parallel.
type Memory struct {
	store Store
	now   func() time.Time

	slots sync.Map // key -> *slot
}

// New loads every persisted entry from store. A nil store keeps memory in
// process only.
func New(store Store) (*Memory, error) {
	m := &Memory{store: store, now: time.Now}
	if store == nil {
		return m, nil
	}

	entries, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading repair memory: %w", err)
	}
	for i := range entries {
		e := entries[i]
		s := &slot{}
		s.entry.Store(&e)
		m.slots.Store(e.Key, s)
	}
	log.Info().Int("entries", len(entries)).Msg("repair memory loaded")
	return m, nil
}

func (m *Memory) slotFor(key string) *slot {
	if s, ok := m.slots.Load(key); ok {
		return s.(*slot)
	}
	s, _ := m.slots.LoadOrStore(key, &slot{})
	return s.(*slot)
}

// mutate applies fn to a copy of the entry under the key's lock, persists the
// result and publishes it. touch stamps LastSeen with the current time. The
// in-memory entry is updated even when persistence fails.
func (m *Memory) mutate(key string, create, touch bool, fn func(e *Entry)) (Entry, error) {
	var s *slot
	if create {
		s = m.slotFor(key)
	} else {
		v, ok := m.slots.Load(key)
		if !ok {
			return Entry{}, fmt.Errorf("%w: %s", ErrUnknownSignature, key)
		}
		s = v.(*slot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var next Entry
	if cur := s.entry.Load(); cur != nil {
		next = *cur
	} else if !create {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownSignature, key)
	} else {
		now := m.now()
		next = Entry{Key: key, FirstSeen: now}
	}

	fn(&next)
	if touch || next.LastSeen.IsZero() {
		next.LastSeen = m.now()
	}
	next.recompute()

	var err error
	if m.store != nil {
		if err = m.store.Put(next); err != nil {
			log.Error().Err(err).Str("signature", key).Msg("failed to persist repair memory entry")
			err = fmt.Errorf("persisting %s: %w", key, err)
		}
	}
	s.entry.Store(&next)
	return next, err
}

// Record notes that fix was attempted for sig. The first sighting creates
// the entry; a different fix replaces the stored one while the counters keep
// accumulating for the signature.
func (m *Memory) Record(sig Signature, fix Fix) (Entry, error) {
	return m.mutate(sig.Key, true, true, func(e *Entry) {
		if e.Signature == "" {
			e.Signature = sig.Text
		}
		e.Fix = fix
		e.Occurrences++
	})
}

// RecordSuccess counts a successful outcome for the stored fix.
func (m *Memory) RecordSuccess(sig Signature) (Entry, error) {
	return m.mutate(sig.Key, false, true, func(e *Entry) {
		e.Successes++
		if e.Successes+e.Failures > e.Occurrences {
			e.Occurrences = e.Successes + e.Failures
		}
	})
}

// RecordFailure counts a failed outcome and retires the fix once its success
// rate falls under DeprecateBelow after more than DeprecateAfter occurrences.
func (m *Memory) RecordFailure(sig Signature) (Entry, error) {
	return m.mutate(sig.Key, false, true, func(e *Entry) {
		e.Failures++
		if e.Successes+e.Failures > e.Occurrences {
			e.Occurrences = e.Successes + e.Failures
		}
		e.retire()
	})
}

// Lookup returns the stored fix when the entry is trusted. Reads never block
// on writers and may observe the entry as of the previous mutation.
func (m *Memory) Lookup(sig Signature) (Fix, bool) {
	e, ok := m.Get(sig.Key)
	if !ok || !e.Trusted() {
		return Fix{}, false
	}
	return e.Fix, true
}

// Get returns the entry for key.
func (m *Memory) Get(key string) (Entry, bool) {
	v, ok := m.slots.Load(key)
	if !ok {
		return Entry{}, false
	}
	e := v.(*slot).entry.Load()
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns every entry keyed by signature key.
func (m *Memory) Snapshot() map[string]Entry {
	out := make(map[string]Entry)
	m.slots.Range(func(k, v any) bool {
		if e := v.(*slot).entry.Load(); e != nil {
			out[k.(string)] = *e
		}
		return true
	})
	return out
}

// Entries returns every entry ordered by most recently seen first.
func (m *Memory) Entries() []Entry {
	snap := m.Snapshot()
	out := make([]Entry, 0, len(snap))
	for _, e := range snap {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Merge folds entries from another memory into this one without losing
// statistics: the side with more occurrences supplies the counters and fix,
// deprecation is sticky, and the seen window widens to cover both. Imported
// counters that meet the deprecation rule retire the entry.
func (m *Memory) Merge(entries map[string]Entry) (int, error) {
	var merged int
	var errs []error
	for key, in := range entries {
		if in.Key == "" {
			in.Key = key
		}
		_, err := m.mutate(in.Key, true, false, func(e *Entry) {
			cur := *e
			fresh := cur.Occurrences == 0 && cur.Fix.Name == ""
			if fresh || in.Occurrences > cur.Occurrences {
				e.Fix = in.Fix
				e.Occurrences = in.Occurrences
				e.Successes = in.Successes
				e.Failures = in.Failures
			}
			if e.Signature == "" {
				e.Signature = in.Signature
			}
			e.Deprecated = cur.Deprecated || in.Deprecated
			if !in.FirstSeen.IsZero() && (fresh || in.FirstSeen.Before(cur.FirstSeen)) {
				e.FirstSeen = in.FirstSeen
			}
			if in.LastSeen.After(cur.LastSeen) {
				e.LastSeen = in.LastSeen
			}
			e.retire()
		})
		if err != nil {
			errs = append(errs, err)
		}
		merged++
	}
	return merged, errors.Join(errs...)
}

// Stats summarizes the memory for reporting.
type Stats struct {
	Entries     int     `json:"entries"`
	Trusted     int     `json:"trusted"`
	Learning    int     `json:"learning"`
	Deprecated  int     `json:"deprecated"`
	Occurrences int     `json:"occurrences"`
	Successes   int     `json:"successes"`
	Failures    int     `json:"failures"`
	SuccessRate float64 `json:"success_rate"`
}

func (m *Memory) Stats() Stats {
	var st Stats
	m.slots.Range(func(_, v any) bool {
		e := v.(*slot).entry.Load()
		if e == nil {
			return true
		}
		st.Entries++
		st.Occurrences += e.Occurrences
		st.Successes += e.Successes
		st.Failures += e.Failures
		switch {
		case e.Deprecated:
			st.Deprecated++
		case e.Trusted():
			st.Trusted++
		default:
			st.Learning++
		}
		return true
	})
	if st.Occurrences > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Occurrences)
	}
	return st
}

// Inconsistency describes an entry whose derived fields disagree with its
// counters.
type Inconsistency struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Verify checks every entry's counters and derived fields.
func (m *Memory) Verify() []Inconsistency {
	var out []Inconsistency
	for _, e := range m.Entries() {
		switch {
		case e.Occurrences < 0 || e.Successes < 0 || e.Failures < 0:
			out = append(out, Inconsistency{e.Key, "negative counter"})
		case e.Successes+e.Failures > e.Occurrences:
			out = append(out, Inconsistency{e.Key, "outcomes exceed occurrences"})
		case e.Occurrences > 0 && math.Abs(e.SuccessRate-float64(e.Successes)/float64(e.Occurrences)) > 1e-9:
			out = append(out, Inconsistency{e.Key, "success rate out of date"})
		case !e.FirstSeen.IsZero() && e.LastSeen.Before(e.FirstSeen):
			out = append(out, Inconsistency{e.Key, "last seen before first seen"})
		case !e.Deprecated && e.retirable():
			out = append(out, Inconsistency{e.Key, "deprecation rule violated"})
		}
	}
	return out
}

// Repair recomputes derived fields for the given keys and retires entries
// that meet the deprecation rule. Entries are never removed.
func (m *Memory) Repair(keys []string) error {
	var errs []error
	for _, key := range keys {
		_, err := m.mutate(key, false, false, func(e *Entry) {
			if e.Occurrences < 0 {
				e.Occurrences = 0
			}
			if e.Successes < 0 {
				e.Successes = 0
			}
			if e.Failures < 0 {
				e.Failures = 0
			}
			if e.Successes+e.Failures > e.Occurrences {
				e.Occurrences = e.Successes + e.Failures
			}
			if e.FirstSeen.IsZero() || e.LastSeen.Before(e.FirstSeen) {
				e.FirstSeen = e.LastSeen
			}
			e.retire()
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the backing store.
func (m *Memory) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}
