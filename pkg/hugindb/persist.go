package hugindb

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/hugindb/pkg/fts"
	"github.com/orneryd/hugindb/pkg/search"
	"github.com/orneryd/hugindb/pkg/snapshot"
)

// restoreConcurrency bounds parallel snapshot loads at open.
const restoreConcurrency = 4

// savedIndex is the persisted form of one map's full-text index: the
// field list the index was configured with plus the serialized
// combined index. Per-field indexes are rebuilt from map data, never
// persisted.
type savedIndex struct {
	Fields []string        `json:"fields"`
	Index  json.RawMessage `json:"index"`
}

// SaveIndex persists mapName's full-text index to the snapshot store,
// overwriting any previous snapshot for that map.
func (db *DB) SaveIndex(mapName string) error {
	if err := db.guard(); err != nil {
		return err
	}
	if mapName == "" {
		return ErrInvalidInput
	}
	return db.saveIndex(mapName)
}

func (db *DB) saveIndex(mapName string) error {
	idx, ok := db.fulltext.Index(mapName)
	if !ok {
		return fmt.Errorf("%w: %s", search.ErrNotEnabled, mapName)
	}
	data, err := idx.Serialize()
	if err != nil {
		return fmt.Errorf("serialize index %q: %w", mapName, err)
	}
	payload, err := json.Marshal(savedIndex{Fields: idx.Fields(), Index: data})
	if err != nil {
		return fmt.Errorf("encode index envelope %q: %w", mapName, err)
	}
	if err := db.snapshots.Save(mapName, payload); err != nil {
		return fmt.Errorf("save index %q: %w", mapName, err)
	}
	db.log.Debug().Str("map", mapName).Int("bytes", len(payload)).Msg("Index snapshot saved")
	return nil
}

// LoadIndex replaces mapName's in-memory index with its persisted
// snapshot and wires the map for live updates. Records written after
// the snapshot was taken are reflected only once they change again.
func (db *DB) LoadIndex(mapName string) error {
	if err := db.guard(); err != nil {
		return err
	}
	if mapName == "" {
		return ErrInvalidInput
	}
	return db.loadIndex(mapName)
}

func (db *DB) loadIndex(mapName string) error {
	raw, err := db.snapshots.Load(mapName)
	if err != nil {
		return err
	}
	var env savedIndex
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: envelope: %v", fts.ErrCorruptSnapshot, err)
	}
	if len(env.Fields) == 0 {
		return fmt.Errorf("%w: envelope lists no fields", fts.ErrCorruptSnapshot)
	}
	idx := db.fulltext.EnableSearch(mapName, db.indexConfig(env.Fields))
	if err := idx.Load(env.Index); err != nil {
		return fmt.Errorf("load index %q: %w", mapName, err)
	}
	db.mapOf(mapName)
	db.rememberIndex(mapName, env.Fields)
	return nil
}

// restoreIndexes reloads every persisted index at open, a few maps at
// a time. Unreadable snapshots are skipped with a warning so one
// corrupt entry cannot hold the whole node down; storage errors abort
// the open.
func (db *DB) restoreIndexes() error {
	names, err := db.snapshots.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(restoreConcurrency)
	for _, name := range names {
		g.Go(func() error {
			err := db.loadIndex(name)
			switch {
			case err == nil:
				db.log.Info().Str("map", name).Msg("Restored full-text index")
				return nil
			case errors.Is(err, snapshot.ErrChecksum),
				errors.Is(err, snapshot.ErrVersion),
				errors.Is(err, fts.ErrCorruptSnapshot),
				errors.Is(err, fts.ErrCodecVersion):
				db.log.Warn().Err(err).Str("map", name).Msg("Skipping unreadable index snapshot")
				return nil
			default:
				return err
			}
		})
	}
	return g.Wait()
}

// saveAllIndexes snapshots every enabled index, collecting per-map
// failures rather than stopping at the first.
func (db *DB) saveAllIndexes() error {
	db.wireMu.Lock()
	names := make([]string, 0, len(db.indexed))
	for name := range db.indexed {
		names = append(names, name)
	}
	db.wireMu.Unlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := db.saveIndex(name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("snapshot on close: %v", errs)
	}
	return nil
}
