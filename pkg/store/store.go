// Package store provides the in-memory replicated-map stand-in that feeds
// the live search and standing-query layers.
//
// A Store holds named maps. Each MapData is a thread-safe key -> record map
// that stamps every local write with a last-writer-wins timestamp, applies
// remote writes through the LWW merge boundary, and fans committed changes
// out to registered listeners. Listeners run under the map's commit
// serialization: for one map they observe changes in commit order, and they
// may read the map (Get, Keys) while handling a change.
//
// Two locks per map keep that safe. The records lock guards the data and is
// held only for the actual mutation; the commit lock spans mutation plus
// listener fan-out. A listener reading the map takes only the records lock,
// so re-entry from a listener never deadlocks.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/hugindb/pkg/record"
)

var (
	// ErrStoreClosed is returned by mutating operations after Close.
	ErrStoreClosed = errors.New("store: closed")
	// ErrInvalidKey is returned when a key is empty.
	ErrInvalidKey = errors.New("store: invalid key")
	// ErrNilRecord is returned when Set is given a nil record.
	ErrNilRecord = errors.New("store: nil record")
)

// ChangeListener observes one committed change on a map. newRec is nil for
// removes, oldRec is nil for adds. The records passed in are the store's
// own copies; listeners must not mutate them.
type ChangeListener func(key string, newRec, oldRec record.Record, ct record.ChangeType)

// Store is a registry of named maps, created on demand.
type Store struct {
	nodeID string

	mu     sync.RWMutex
	maps   map[string]*MapData
	closed bool
}

// New creates an empty store. nodeID stamps local writes for LWW ordering
// against remote replicas.
func New(nodeID string) *Store {
	return &Store{
		nodeID: nodeID,
		maps:   make(map[string]*MapData),
	}
}

// NodeID returns the node id local writes are stamped with.
func (s *Store) NodeID() string { return s.nodeID }

// Map returns the named map, creating it if needed. The returned MapData
// stays valid after Close; its operations fail with ErrStoreClosed.
func (s *Store) Map(name string) *MapData {
	s.mu.RLock()
	m := s.maps[name]
	s.mu.RUnlock()
	if m != nil {
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m = s.maps[name]; m != nil {
		return m
	}
	m = newMapData(name, s.nodeID)
	if s.closed {
		m.markClosed()
	}
	s.maps[name] = m
	return m
}

// Names returns the existing map names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.maps))
	for name := range s.maps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close marks the store and every map closed. Reads on closed maps return
// empty results; writes return ErrStoreClosed. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, m := range s.maps {
		m.markClosed()
	}
	return nil
}

// MapData is one named map. It implements record.Source for the query
// layers and fans committed changes out to listeners in commit order.
type MapData struct {
	name   string
	nodeID string

	mu       sync.RWMutex
	records  map[string]record.Record
	versions map[string]record.Timestamp
	closed   bool

	// commitMu serializes write+notify per map. Listener callbacks run
	// while it is held, so one map's changes are observed in a single
	// total order. Deletes leave their timestamp behind as a tombstone
	// so stale remote writes cannot resurrect the key.
	commitMu   sync.Mutex
	lastMillis int64
	counter    uint64

	lmu       sync.RWMutex
	listeners []ChangeListener

	kmu      sync.Mutex
	keyLocks map[string]*keyLock
}

func newMapData(name, nodeID string) *MapData {
	return &MapData{
		name:     name,
		nodeID:   nodeID,
		records:  make(map[string]record.Record),
		versions: make(map[string]record.Timestamp),
		keyLocks: make(map[string]*keyLock),
	}
}

// Name returns the map's name.
func (m *MapData) Name() string { return m.name }

// OnChange registers a listener for committed changes. Listeners cannot be
// removed; they live as long as the map.
func (m *MapData) OnChange(fn ChangeListener) {
	m.lmu.Lock()
	m.listeners = append(m.listeners, fn)
	m.lmu.Unlock()
}

// Set stores rec under key and notifies listeners with an add or update
// change. The record is copied on the way in.
func (m *MapData) Set(key string, rec record.Record) error {
	if key == "" {
		return ErrInvalidKey
	}
	if rec == nil {
		return ErrNilRecord
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	old := m.records[key]
	stored := rec.Clone()
	m.records[key] = stored
	m.versions[key] = m.stampLocked()
	m.mu.Unlock()

	ct := record.ChangeAdd
	if old != nil {
		ct = record.ChangeUpdate
	}
	m.notify(key, stored, old, ct)
	return nil
}

// Delete removes key and notifies listeners. It reports whether the key
// existed. The delete's timestamp is retained as a tombstone.
func (m *MapData) Delete(key string) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrStoreClosed
	}
	old, existed := m.records[key]
	if !existed {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.records, key)
	m.versions[key] = m.stampLocked()
	m.mu.Unlock()

	m.notify(key, nil, old, record.ChangeRemove)
	return true, nil
}

// Get returns a copy of the record under key.
func (m *MapData) Get(key string) (record.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false
	}
	rec, ok := m.records[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// GetRecord implements record.Source.
func (m *MapData) GetRecord(key string) (record.Record, bool) {
	return m.Get(key)
}

// Keys returns all keys, sorted. Implements record.Source.
func (m *MapData) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live records.
func (m *MapData) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Version returns the LWW timestamp recorded for key, including delete
// tombstones.
func (m *MapData) Version(key string) (record.Timestamp, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.versions[key]
	return ts, ok
}

// Update runs a read-modify-write on one key. fn receives a copy of the
// current record (nil when absent) and returns the next record plus a
// write flag; write=false leaves the map untouched, a nil next record
// deletes the key. Updates on the same key are serialized; other keys
// proceed concurrently.
func (m *MapData) Update(key string, fn func(cur record.Record) (next record.Record, write bool)) error {
	if key == "" {
		return ErrInvalidKey
	}

	kl := m.lockKey(key)
	defer m.unlockKey(key, kl)

	cur, _ := m.Get(key)
	next, write := fn(cur)
	if !write {
		return nil
	}
	if next == nil {
		_, err := m.Delete(key)
		return err
	}
	return m.Set(key, next)
}

// ApplyMerge applies a remote write through the LWW rule. The local value
// and timestamp in mc are filled from the map's current state; whatever the
// caller put there is ignored. When the remote side wins, the value is
// applied (nil removes the key), the remote timestamp becomes the key's
// version, and listeners observe the resulting change. When the local side
// wins, nothing changes and no event fires.
func (m *MapData) ApplyMerge(mc record.MergeContext) (record.ChangeType, bool, error) {
	if mc.Key == "" {
		return "", false, ErrInvalidKey
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", false, ErrStoreClosed
	}
	mc.LocalValue = m.records[mc.Key]
	mc.LocalTS = m.versions[mc.Key]
	if !mc.RemoteWins() {
		m.mu.Unlock()
		return "", false, nil
	}

	old := mc.LocalValue
	var stored record.Record
	if mc.RemoteValue == nil {
		delete(m.records, mc.Key)
	} else {
		stored = mc.RemoteValue.Clone()
		m.records[mc.Key] = stored
	}
	m.versions[mc.Key] = mc.RemoteTS
	m.mu.Unlock()

	ct := mc.ChangeType()
	m.notify(mc.Key, stored, old, ct)
	return ct, true, nil
}

// stampLocked issues the next local LWW timestamp. Caller holds m.mu and
// m.commitMu, which makes (millis, counter) strictly increasing per map.
func (m *MapData) stampLocked() record.Timestamp {
	millis := time.Now().UnixMilli()
	if millis == m.lastMillis {
		m.counter++
	} else {
		m.lastMillis = millis
		m.counter = 0
	}
	return record.Timestamp{Millis: millis, Counter: m.counter, NodeID: m.nodeID}
}

func (m *MapData) notify(key string, newRec, oldRec record.Record, ct record.ChangeType) {
	m.lmu.RLock()
	listeners := m.listeners
	m.lmu.RUnlock()
	for _, fn := range listeners {
		fn(key, newRec, oldRec, ct)
	}
}

func (m *MapData) markClosed() {
	m.mu.Lock()
	m.closed = true
	m.records = make(map[string]record.Record)
	m.versions = make(map[string]record.Timestamp)
	m.mu.Unlock()
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (m *MapData) lockKey(key string) *keyLock {
	m.kmu.Lock()
	kl := m.keyLocks[key]
	if kl == nil {
		kl = &keyLock{}
		m.keyLocks[key] = kl
	}
	kl.refs++
	m.kmu.Unlock()

	kl.mu.Lock()
	return kl
}

func (m *MapData) unlockKey(key string, kl *keyLock) {
	kl.mu.Unlock()

	m.kmu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(m.keyLocks, key)
	}
	m.kmu.Unlock()
}

var _ record.Source = (*MapData)(nil)
