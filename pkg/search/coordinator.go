// Package search coordinates full-text retrieval across the maps of a
// single node. It owns one FullTextIndex per search-enabled map,
// answers one-shot queries, and maintains live subscriptions that emit
// ENTER, UPDATE and LEAVE deltas as the underlying records change.
//
// Subscriptions owned by a remote coordinator node register through
// RegisterDistributedSubscription and differ only in their sink, which
// routes deltas over the cluster fabric instead of a client socket.
package search

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orneryd/hugindb/pkg/fts"
	"github.com/orneryd/hugindb/pkg/record"
)

var (
	// ErrNotEnabled is returned when a map has no full-text index. The
	// message is part of the client protocol, keep it stable.
	ErrNotEnabled = errors.New("Full-text search not enabled for map")

	// ErrDuplicateSubscription is returned when a subscription id is
	// already registered.
	ErrDuplicateSubscription = errors.New("duplicate search subscription id")
)

// DeltaType classifies a live search notification.
type DeltaType string

const (
	DeltaEnter  DeltaType = "ENTER"
	DeltaUpdate DeltaType = "UPDATE"
	DeltaLeave  DeltaType = "LEAVE"
)

// scoreEpsilon is the smallest score movement that makes a re-set of an
// in-results document worth an UPDATE on its own.
const scoreEpsilon = 1e-4

// DefaultFlushInterval is the batch window for batch-capable sinks,
// roughly one display frame.
const DefaultFlushInterval = 16 * time.Millisecond

// Hit is one ranked search result with its record hydrated.
type Hit struct {
	Key          string        `json:"key"`
	Value        record.Record `json:"value,omitempty"`
	Score        float64       `json:"score"`
	MatchedTerms []string      `json:"matchedTerms,omitempty"`
}

// Options controls a one-shot search or the live window of a
// subscription. It doubles as the wire shape for distributed search
// requests, so AfterScore is a pointer: nil means no cursor.
type Options struct {
	Limit               int                `json:"limit,omitempty"`
	MinScore            float64            `json:"minScore,omitempty"`
	Boost               map[string]float64 `json:"boost,omitempty"`
	AfterScore          *float64           `json:"afterScore,omitempty"`
	AfterKey            string             `json:"afterKey,omitempty"`
	IncludeMatchedTerms bool               `json:"includeMatchedTerms,omitempty"`
}

// Delta is one live notification for a subscription. Value and
// MatchedTerms are set for ENTER and UPDATE, empty for LEAVE.
type Delta struct {
	SubscriptionID string        `json:"subscriptionId"`
	MapName        string        `json:"mapName"`
	Key            string        `json:"key"`
	Value          record.Record `json:"value,omitempty"`
	Score          float64       `json:"score,omitempty"`
	MatchedTerms   []string      `json:"matchedTerms,omitempty"`
	Type           DeltaType     `json:"changeType"`
	Timestamp      int64         `json:"timestamp"`
}

// Sink receives deltas for one subscription. Deliver is called outside
// the coordinator lock and may block without stalling other
// subscriptions.
type Sink interface {
	Deliver(d Delta)
}

// BatchSink marks a sink that prefers frame-batched delivery. Changes
// for its subscriptions are folded per map and delivered once per flush
// interval as a single slice.
type BatchSink interface {
	Sink
	DeliverBatch(deltas []Delta)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(d Delta)

func (f SinkFunc) Deliver(d Delta) { f(d) }

// SourceResolver hands the coordinator a read view of a named map, used
// to hydrate search hits with their records.
type SourceResolver interface {
	Source(mapName string) (record.Source, bool)
}

// Subscription is the live state of one search subscription. current
// tracks the last delivered score per key and drives the
// ENTER/UPDATE/LEAVE decision.
type Subscription struct {
	ID                string
	ClientID          string
	MapName           string
	CoordinatorNodeID string
	Query             string
	QueryTerms        []string
	Options           Options

	sink    Sink
	current map[string]float64
}

// CurrentResultKeys returns the keys currently in the subscription's
// result set, sorted.
func (s *Subscription) CurrentResultKeys() []string {
	keys := make([]string, 0, len(s.current))
	for k := range s.current {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// change is one queued data mutation awaiting a batch flush.
type change struct {
	key   string
	value record.Record
	typ   record.ChangeType
}

// delivery pairs computed deltas with their destination so they can be
// sent after the lock is released.
type delivery struct {
	sink   Sink
	batch  BatchSink
	deltas []Delta
}

// Config tunes a Coordinator.
type Config struct {
	// SuppressNoopUpdates drops UPDATE deltas whose score did not move,
	// even when the record itself was rewritten. Off by default: a
	// rewrite may have changed fields the index does not cover.
	SuppressNoopUpdates bool

	// FlushInterval overrides the batch window. Zero means
	// DefaultFlushInterval.
	FlushInterval time.Duration
}

// Coordinator owns the full-text indexes and live subscriptions of one
// node. All index mutation and delta computation for a given map is
// serialized; delivery happens outside the lock.
type Coordinator struct {
	mu       sync.Mutex
	log      zerolog.Logger
	resolver SourceResolver
	cfg      Config

	indexes  map[string]*fts.FullTextIndex
	subs     map[string]*Subscription
	byMap    map[string]map[string]*Subscription
	byClient map[string]map[string]*Subscription

	pending map[string][]change
	timers  map[string]*time.Timer
}

// NewCoordinator builds an empty coordinator. resolver supplies map
// read views for hit hydration and must not be nil.
func NewCoordinator(resolver SourceResolver, log zerolog.Logger, cfg Config) *Coordinator {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Coordinator{
		log:      log.With().Str("component", "search").Logger(),
		resolver: resolver,
		cfg:      cfg,
		indexes:  make(map[string]*fts.FullTextIndex),
		subs:     make(map[string]*Subscription),
		byMap:    make(map[string]map[string]*Subscription),
		byClient: make(map[string]map[string]*Subscription),
		pending:  make(map[string][]change),
		timers:   make(map[string]*time.Timer),
	}
}

// EnableSearch builds an empty full-text index for mapName. Enabling an
// already enabled map replaces its index.
func (c *Coordinator) EnableSearch(mapName string, cfg fts.Config) *fts.FullTextIndex {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.indexes[mapName]; dup {
		c.log.Warn().Str("map", mapName).Msg("Replacing existing full-text index")
	}
	idx := fts.NewFullTextIndex(cfg)
	c.indexes[mapName] = idx
	c.log.Info().Str("map", mapName).Strs("fields", idx.Fields()).Msg("Full-text search enabled")
	return idx
}

// IsEnabled reports whether mapName has a full-text index.
func (c *Coordinator) IsEnabled(mapName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.indexes[mapName]
	return ok
}

// Index returns the full-text index for mapName, for persistence and
// cluster handlers that need direct access.
func (c *Coordinator) Index(mapName string) (*fts.FullTextIndex, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indexes[mapName]
	return idx, ok
}

// BuildIndexFromEntries seeds the map's index from existing data and
// returns the number of documents indexed.
func (c *Coordinator) BuildIndexFromEntries(mapName string, src record.Source) (int, error) {
	c.mu.Lock()
	idx, ok := c.indexes[mapName]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotEnabled, mapName)
	}

	n := 0
	for _, key := range src.Keys() {
		rec, ok := src.GetRecord(key)
		if !ok {
			continue
		}
		idx.OnSet(key, rec)
		if idx.Contains(key) {
			n++
		}
	}
	c.log.Info().Str("map", mapName).Int("indexed", n).Msg("Index built from existing entries")
	return n, nil
}

// Search runs a one-shot query against mapName. It returns the ranked
// hits after cursor filtering and limiting, plus the total number of
// matches before either was applied.
func (c *Coordinator) Search(mapName, query string, opts Options) ([]Hit, int, error) {
	c.mu.Lock()
	idx, ok := c.indexes[mapName]
	c.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotEnabled, mapName)
	}

	scored := idx.Search(query, fts.SearchOptions{MinScore: opts.MinScore, Boost: opts.Boost})
	total := len(scored)
	if opts.AfterScore != nil {
		scored = filterAfter(scored, *opts.AfterScore, opts.AfterKey)
	}
	if opts.Limit > 0 && len(scored) > opts.Limit {
		scored = scored[:opts.Limit]
	}
	return c.hydrate(mapName, scored, opts.IncludeMatchedTerms), total, nil
}

// filterAfter keeps only hits ranked strictly after the cursor position
// in (score desc, key asc) order. Scores come from this node's own
// index, so the equality comparison is exact.
func filterAfter(scored []fts.ScoredDocument, afterScore float64, afterKey string) []fts.ScoredDocument {
	out := make([]fts.ScoredDocument, 0, len(scored))
	for _, s := range scored {
		if s.Score < afterScore || (s.Score == afterScore && s.DocID > afterKey) {
			out = append(out, s)
		}
	}
	return out
}

func (c *Coordinator) hydrate(mapName string, scored []fts.ScoredDocument, includeTerms bool) []Hit {
	src, ok := c.resolver.Source(mapName)
	hits := make([]Hit, 0, len(scored))
	for _, s := range scored {
		hit := Hit{Key: s.DocID, Score: s.Score}
		if includeTerms {
			hit.MatchedTerms = s.MatchedTerms
		}
		if ok {
			if rec, found := src.GetRecord(s.DocID); found {
				hit.Value = rec
			}
		}
		hits = append(hits, hit)
	}
	return hits
}

// Subscribe registers a live subscription owned by a local client and
// returns the initial ranked hits. The query is tokenized through the
// map's own index so every node sees identical terms.
func (c *Coordinator) Subscribe(clientID, subID, mapName, query string, opts Options, sink Sink) ([]Hit, error) {
	return c.register(&Subscription{
		ID:       subID,
		ClientID: clientID,
		MapName:  mapName,
		Query:    query,
		Options:  opts,
		sink:     sink,
	})
}

// RegisterDistributedSubscription registers a subscription owned by a
// remote coordinator node. UnregisterByCoordinator sweeps these when
// the owner leaves the cluster.
func (c *Coordinator) RegisterDistributedSubscription(subID, mapName, query string, opts Options, coordinatorNodeID string, sink Sink) ([]Hit, error) {
	return c.register(&Subscription{
		ID:                subID,
		MapName:           mapName,
		CoordinatorNodeID: coordinatorNodeID,
		Query:             query,
		Options:           opts,
		sink:              sink,
	})
}

func (c *Coordinator) register(sub *Subscription) ([]Hit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.subs[sub.ID]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, sub.ID)
	}
	idx, ok := c.indexes[sub.MapName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotEnabled, sub.MapName)
	}

	sub.QueryTerms = idx.TokenizeQuery(sub.Query)
	scored := idx.Search(sub.Query, fts.SearchOptions{
		Limit:    sub.Options.Limit,
		MinScore: sub.Options.MinScore,
		Boost:    sub.Options.Boost,
	})
	sub.current = make(map[string]float64, len(scored))
	for _, s := range scored {
		sub.current[s.DocID] = s.Score
	}

	c.subs[sub.ID] = sub
	set := c.byMap[sub.MapName]
	if set == nil {
		set = make(map[string]*Subscription)
		c.byMap[sub.MapName] = set
	}
	set[sub.ID] = sub
	if sub.ClientID != "" {
		owned := c.byClient[sub.ClientID]
		if owned == nil {
			owned = make(map[string]*Subscription)
			c.byClient[sub.ClientID] = owned
		}
		owned[sub.ID] = sub
	}

	c.log.Debug().
		Str("sub", sub.ID).
		Str("map", sub.MapName).
		Str("coordinator", sub.CoordinatorNodeID).
		Strs("terms", sub.QueryTerms).
		Int("initial", len(scored)).
		Msg("Search subscription registered")
	return c.hydrate(sub.MapName, scored, true), nil
}

// Unsubscribe removes a subscription from all registries. Unknown ids
// are a no-op. Reports whether the id was registered.
func (c *Coordinator) Unsubscribe(subID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(subID)
}

// UnsubscribeClient removes every subscription owned by clientID and
// returns how many were dropped.
func (c *Coordinator) UnsubscribeClient(clientID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for subID := range c.byClient[clientID] {
		if c.removeLocked(subID) {
			n++
		}
	}
	return n
}

// UnregisterByCoordinator removes every distributed subscription whose
// coordinator is nodeID, after that node left the cluster. Returns the
// number removed.
func (c *Coordinator) UnregisterByCoordinator(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doomed []string
	for subID, sub := range c.subs {
		if sub.CoordinatorNodeID != "" && sub.CoordinatorNodeID == nodeID {
			doomed = append(doomed, subID)
		}
	}
	for _, subID := range doomed {
		c.removeLocked(subID)
	}
	if len(doomed) > 0 {
		c.log.Info().Str("node", nodeID).Int("count", len(doomed)).Msg("Dropped subscriptions for departed coordinator")
	}
	return len(doomed)
}

func (c *Coordinator) removeLocked(subID string) bool {
	sub, ok := c.subs[subID]
	if !ok {
		return false
	}
	delete(c.subs, subID)
	if set := c.byMap[sub.MapName]; set != nil {
		delete(set, subID)
		if len(set) == 0 {
			delete(c.byMap, sub.MapName)
		}
	}
	if sub.ClientID != "" {
		if owned := c.byClient[sub.ClientID]; owned != nil {
			delete(owned, subID)
			if len(owned) == 0 {
				delete(c.byClient, sub.ClientID)
			}
		}
	}
	return true
}

// Len returns the number of live subscriptions.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Get returns a subscription by id.
func (c *Coordinator) Get(subID string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	return sub, ok
}

// OnDataChange applies one record mutation to the map's index and
// notifies affected subscriptions. Subscriptions with a plain sink are
// notified immediately; batch-capable sinks get the change folded into
// the next flush. Maps without an index are ignored.
func (c *Coordinator) OnDataChange(mapName, key string, value record.Record, changeType record.ChangeType) {
	c.mu.Lock()
	idx, ok := c.indexes[mapName]
	if !ok {
		c.mu.Unlock()
		return
	}

	if changeType == record.ChangeRemove {
		idx.OnRemove(key)
	} else {
		idx.OnSet(key, value)
	}

	var deliveries []delivery
	enqueued := false
	for _, sub := range c.sortedSubsLocked(mapName) {
		if _, batched := sub.sink.(BatchSink); batched {
			if !enqueued {
				c.pending[mapName] = append(c.pending[mapName], change{key: key, value: value, typ: changeType})
				c.armTimerLocked(mapName)
				enqueued = true
			}
			continue
		}
		if d, emit := c.deltaLocked(sub, idx, key, value, changeType); emit {
			deliveries = append(deliveries, delivery{sink: sub.sink, deltas: []Delta{d}})
		}
	}
	c.mu.Unlock()

	c.deliver(deliveries)
}

// sortedSubsLocked returns the map's subscriptions in id order so delta
// interleaving is reproducible.
func (c *Coordinator) sortedSubsLocked(mapName string) []*Subscription {
	set := c.byMap[mapName]
	if len(set) == 0 {
		return nil
	}
	subs := make([]*Subscription, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs
}

// deltaLocked decides what one change means for one subscription. The
// stored score is refreshed only when a delta is emitted, so silent
// drift below the epsilon eventually surfaces as a real UPDATE.
func (c *Coordinator) deltaLocked(sub *Subscription, idx *fts.FullTextIndex, key string, value record.Record, changeType record.ChangeType) (Delta, bool) {
	oldScore, was := sub.current[key]

	var scored *fts.ScoredDocument
	if changeType != record.ChangeRemove {
		scored = idx.ScoreSingleDocument(key, sub.QueryTerms, value)
	}
	is := scored != nil && scored.Score >= sub.Options.MinScore

	base := Delta{
		SubscriptionID: sub.ID,
		MapName:        sub.MapName,
		Key:            key,
		Timestamp:      time.Now().UnixMilli(),
	}

	switch {
	case !was && is:
		sub.current[key] = scored.Score
		base.Type = DeltaEnter
		base.Value = value
		base.Score = scored.Score
		base.MatchedTerms = scored.MatchedTerms
		return base, true

	case was && !is:
		delete(sub.current, key)
		base.Type = DeltaLeave
		return base, true

	case was && is:
		moved := math.Abs(oldScore-scored.Score) > scoreEpsilon
		if changeType != record.ChangeUpdate && !moved {
			return Delta{}, false
		}
		if c.cfg.SuppressNoopUpdates && !moved {
			sub.current[key] = scored.Score
			return Delta{}, false
		}
		sub.current[key] = scored.Score
		base.Type = DeltaUpdate
		base.Value = value
		base.Score = scored.Score
		base.MatchedTerms = scored.MatchedTerms
		return base, true
	}
	return Delta{}, false
}

func (c *Coordinator) armTimerLocked(mapName string) {
	if _, armed := c.timers[mapName]; armed {
		return
	}
	c.timers[mapName] = time.AfterFunc(c.cfg.FlushInterval, func() {
		c.flushMap(mapName)
	})
}

func (c *Coordinator) flushMap(mapName string) {
	c.mu.Lock()
	deliveries := c.flushMapLocked(mapName)
	c.mu.Unlock()

	c.deliver(deliveries)
}

// flushMapLocked replays the map's queued changes through every
// batch-capable subscription and returns one delivery per subscription
// that produced deltas.
func (c *Coordinator) flushMapLocked(mapName string) []delivery {
	delete(c.timers, mapName)
	queue := c.pending[mapName]
	delete(c.pending, mapName)
	if len(queue) == 0 {
		return nil
	}
	idx, ok := c.indexes[mapName]
	if !ok {
		return nil
	}

	var deliveries []delivery
	for _, sub := range c.sortedSubsLocked(mapName) {
		batch, ok := sub.sink.(BatchSink)
		if !ok {
			continue
		}
		var deltas []Delta
		for _, ch := range queue {
			if d, emit := c.deltaLocked(sub, idx, ch.key, ch.value, ch.typ); emit {
				deltas = append(deltas, d)
			}
		}
		if len(deltas) > 0 {
			deliveries = append(deliveries, delivery{batch: batch, deltas: deltas})
		}
	}
	return deliveries
}

func (c *Coordinator) deliver(deliveries []delivery) {
	for _, d := range deliveries {
		if d.batch != nil {
			d.batch.DeliverBatch(d.deltas)
			continue
		}
		for _, delta := range d.deltas {
			d.sink.Deliver(delta)
		}
	}
}

// Close stops all batch timers and flushes whatever is still queued.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[string]*time.Timer)

	mapNames := make([]string, 0, len(c.pending))
	for mapName := range c.pending {
		mapNames = append(mapNames, mapName)
	}
	sort.Strings(mapNames)

	var deliveries []delivery
	for _, mapName := range mapNames {
		deliveries = append(deliveries, c.flushMapLocked(mapName)...)
	}
	c.mu.Unlock()

	c.deliver(deliveries)
}
