// Package snapshot persists serialized full-text indexes in BadgerDB.
//
// Each map's index blob is stored under a prefixed key inside a checksum
// envelope: one version byte, a BLAKE2b-256 digest, then the payload. Load
// recomputes the digest and refuses corrupted blobs, so a torn write or a
// bad disk surfaces as ErrChecksum instead of a garbled index.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/hugindb/pkg/pool"
)

const (
	prefixIndex = byte(0x01) // index:mapName -> envelope

	// envelopeVersion tags the on-disk layout. Bump when the envelope
	// (not the payload) changes shape.
	envelopeVersion = byte(0x01)

	headerLen = 1 + blake2b.Size256
)

var (
	// ErrClosed is returned by operations after Close.
	ErrClosed = errors.New("snapshot: store closed")
	// ErrNotFound is returned when no snapshot exists for the map.
	ErrNotFound = errors.New("snapshot: not found")
	// ErrChecksum is returned when a stored envelope fails digest
	// verification or is too short to contain one.
	ErrChecksum = errors.New("snapshot: checksum mismatch")
	// ErrVersion is returned for envelopes written by an unknown layout
	// version.
	ErrVersion = errors.New("snapshot: unsupported envelope version")
	// ErrInvalidName is returned when the map name is empty.
	ErrInvalidName = errors.New("snapshot: invalid map name")
)

// Options configures the snapshot store.
type Options struct {
	// Dir is the directory for Badger's data files. Ignored when
	// InMemory is set.
	Dir string

	// InMemory keeps everything in RAM. Snapshots are lost on Close;
	// meant for tests.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger receives Badger's internal logging. nil silences it.
	Logger badger.Logger
}

// Store is a Badger-backed snapshot store. Safe for concurrent use.
type Store struct {
	db *badger.DB

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the snapshot store.
func Open(opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(opts.Dir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	// Index blobs are few and large; shrink Badger's buffers accordingly.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a RAM-only store for tests.
func OpenInMemory() (*Store, error) {
	return Open(Options{InMemory: true})
}

func indexKey(mapName string) []byte {
	return append([]byte{prefixIndex}, []byte(mapName)...)
}

// Save stores data as the snapshot for mapName, replacing any previous one.
func (s *Store) Save(mapName string, data []byte) error {
	if mapName == "" {
		return ErrInvalidName
	}
	if err := s.guard(); err != nil {
		return err
	}

	digest := blake2b.Sum256(data)
	envelope := pool.GetBuffer()
	defer pool.PutBuffer(envelope)
	envelope.WriteByte(envelopeVersion)
	envelope.Write(digest[:])
	envelope.Write(data)

	// Update commits before returning, so recycling the buffer afterwards
	// is safe.
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(mapName), envelope.Bytes())
	})
}

// Load returns the snapshot payload for mapName after verifying its digest.
func (s *Store) Load(mapName string) ([]byte, error) {
	if mapName == "" {
		return nil, ErrInvalidName
	}
	if err := s.guard(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(mapName))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			payload, err := openEnvelope(val)
			if err != nil {
				return err
			}
			data = append([]byte(nil), payload...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// openEnvelope validates the version byte and digest, returning the payload.
func openEnvelope(val []byte) ([]byte, error) {
	if len(val) < headerLen {
		return nil, ErrChecksum
	}
	if val[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: %#x", ErrVersion, val[0])
	}
	stored := val[1:headerLen]
	payload := val[headerLen:]
	digest := blake2b.Sum256(payload)
	if !bytes.Equal(stored, digest[:]) {
		return nil, ErrChecksum
	}
	return payload, nil
}

// List returns the map names with stored snapshots, sorted.
func (s *Store) List() ([]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixIndex}
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			names = append(names, string(key[1:]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the snapshot for mapName. Deleting a missing snapshot is
// a no-op.
func (s *Store) Delete(mapName string) error {
	if mapName == "" {
		return ErrInvalidName
	}
	if err := s.guard(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(indexKey(mapName))
	})
}

// Close releases the underlying Badger database. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.db.Close()
}

func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
