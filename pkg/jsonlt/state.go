package jsonlt

import (
	"maps"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
)

// OpKind is the kind of an [Op].
type OpKind uint8

const (
	OpUpsert OpKind = iota + 1
	OpTombstone
)

func (k OpKind) String() string {
	switch k {
	case OpUpsert:
		return "upsert"
	case OpTombstone:
		return "tombstone"
	}

	return "invalid"
}

// Op is one logged operation. Record is nil for tombstones.
type Op struct {
	Kind   OpKind
	Key    Key
	Record Record
}

// Upsert returns an upsert operation.
func Upsert(k Key, rec Record) Op {
	return Op{Kind: OpUpsert, Key: k, Record: rec}
}

// Tombstone returns a tombstone operation.
func Tombstone(k Key) Op {
	return Op{Kind: OpTombstone, Key: k}
}

// versionClock issues state versions. It is process-wide so a version
// assigned by a reload can never collide with one a snapshot remembers.
var versionClock atomic.Uint64

func nextVersion() uint64 {
	return versionClock.Add(1)
}

// State is a logical key→record mapping built by folding operations.
//
// Every applied operation gives its key a new version, tombstones of
// absent keys included. Transactions compare versions to detect
// write-write conflicts. A State is not safe for concurrent mutation.
type State struct {
	records  map[Key]Record
	versions map[Key]uint64

	// sorted caches the ordered key set; nil when stale. The slice is never
	// modified in place, so it can be shared by clones. Readers holding a
	// table's read lock may fill it concurrently, hence sortMu.
	sortMu sync.Mutex
	sorted []Key
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		records:  map[Key]Record{},
		versions: map[Key]uint64{},
	}
}

// Replay folds ops left to right into a new state.
func Replay(ops []Op) *State {
	s := NewState()
	for _, op := range ops {
		s.Apply(op)
	}

	return s
}

// Apply folds one operation into s.
func (s *State) Apply(op Op) {
	_, existed := s.records[op.Key]
	stale := false

	switch op.Kind {
	case OpUpsert:
		s.records[op.Key] = op.Record
		stale = !existed
	case OpTombstone:
		delete(s.records, op.Key)
		stale = existed
	}

	if stale {
		s.sortMu.Lock()
		s.sorted = nil
		s.sortMu.Unlock()
	}

	s.versions[op.Key] = nextVersion()
}

// Get returns the record for k. The record is shared; do not modify it.
func (s *State) Get(k Key) (Record, bool) {
	rec, ok := s.records[k]

	return rec, ok
}

// Len returns the number of live keys.
func (s *State) Len() int {
	return len(s.records)
}

// Version returns the version of k, or 0 if no operation ever touched it.
func (s *State) Version(k Key) uint64 {
	return s.versions[k]
}

// Keys returns the live keys in [Compare] order. The slice is shared; do
// not modify it.
func (s *State) Keys() []Key {
	s.sortMu.Lock()
	defer s.sortMu.Unlock()

	if s.sorted == nil {
		keys := slices.Collect(maps.Keys(s.records))
		slices.SortFunc(keys, Compare)
		s.sorted = keys
	}

	return s.sorted
}

// Records returns the live records keyed by key.
func (s *State) Records() map[Key]Record {
	return maps.Clone(s.records)
}

// Clone returns an independent copy. Records are shared, so they must be
// treated as immutable by every holder.
func (s *State) Clone() *State {
	s.sortMu.Lock()
	sorted := s.sorted
	s.sortMu.Unlock()

	return &State{
		records:  maps.Clone(s.records),
		versions: maps.Clone(s.versions),
		sorted:   sorted,
	}
}

// Equal reports whether both states hold the same records. Versions are
// not compared.
func (s *State) Equal(other *State) bool {
	if len(s.records) != len(other.records) {
		return false
	}

	for k, rec := range s.records {
		o, ok := other.records[k]
		if !ok || !reflect.DeepEqual(rec, o) {
			return false
		}
	}

	return true
}

// rebase carries versions over from prior after a full re-read of a
// replaced or rewritten file. A key keeps its old version when its record
// is unchanged, or when it is absent in both; every other key keeps the
// fresh version the re-read gave it. A compaction by another process thus
// never looks like a conflicting write.
func (s *State) rebase(prior *State) {
	for k, v := range prior.versions {
		cur, inNew := s.records[k]
		old, inOld := prior.records[k]

		switch {
		case !inNew && !inOld:
			s.versions[k] = v
		case inNew && inOld && reflect.DeepEqual(cur, old):
			s.versions[k] = v
		}
	}
}
