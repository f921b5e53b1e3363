// Package standing maintains live predicate subscriptions over named
// maps. Each subscription holds a structured query; on every data
// change the registry finds the affected subscriptions through a
// field-scoped reverse index, re-executes their queries, and emits
// UPDATE/REMOVE deltas describing how the visible result window moved.
package standing

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orneryd/hugindb/pkg/predicate"
	"github.com/orneryd/hugindb/pkg/record"
)

// Errors returned by registration.
var (
	ErrDuplicateSubscription = errors.New("subscription id already registered")
	ErrUnknownMap            = errors.New("unknown map")
)

// DeltaType classifies a standing-query delta.
type DeltaType string

const (
	DeltaUpdate DeltaType = "UPDATE"
	DeltaRemove DeltaType = "REMOVE"
)

// Delta is one visible change to a subscription's result window. Value
// is nil for removes. Timestamp is unix milliseconds at emission so
// downstream consumers can measure delivery latency.
type Delta struct {
	SubscriptionID string
	MapName        string
	Key            string
	Value          record.Record
	Type           DeltaType
	Timestamp      int64
}

// Sink receives a subscription's deltas: a client socket writer for
// local subscriptions, a cluster route for distributed ones. Deliver is
// called outside the registry lock and may block without stalling
// other subscriptions' bookkeeping.
type Sink interface {
	Deliver(d Delta)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Delta)

// Deliver calls f(d).
func (f SinkFunc) Deliver(d Delta) { f(d) }

// SourceResolver hands the registry a read view of a named map so
// queries can be re-executed against current data.
type SourceResolver interface {
	Source(mapName string) (record.Source, bool)
}

// Subscription is one registered standing query.
type Subscription struct {
	ID                string
	ClientID          string
	MapName           string
	CoordinatorNodeID string
	Query             *predicate.Query

	sink     Sink
	prevKeys map[string]struct{}
	slip     []slipEntry
}

// PreviousResultKeys returns the keys of the last computed result
// window, sorted for stable inspection.
func (s *Subscription) PreviousResultKeys() []string {
	keys := make([]string, 0, len(s.prevKeys))
	for k := range s.prevKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fieldKey scopes a reverse-index bucket to one field of one map.
type fieldKey struct {
	mapName string
	field   string
}

type subSet map[string]*Subscription

// slipEntry records a single reverse-index insertion so removal undoes
// exactly what registration did, without closures.
type slipEntry struct {
	kind   slipKind
	fk     fieldKey
	bucket string
}

type slipKind uint8

const (
	slipEquality slipKind = iota
	slipInterest
	slipWildcard
)

// Registry is the standing-query engine for all maps. Safe for
// concurrent use; delta computation for a given change is synchronous.
type Registry struct {
	mu       sync.Mutex
	resolver SourceResolver
	log      zerolog.Logger

	subs     map[string]*Subscription
	byClient map[string]map[string]*Subscription
	equality map[fieldKey]map[string]subSet
	interest map[fieldKey]subSet
	wildcard map[string]subSet
}

// NewRegistry creates an empty registry reading map data via resolver.
func NewRegistry(resolver SourceResolver, log zerolog.Logger) *Registry {
	return &Registry{
		resolver: resolver,
		log:      log.With().Str("component", "standing").Logger(),
		subs:     make(map[string]*Subscription),
		byClient: make(map[string]map[string]*Subscription),
		equality: make(map[fieldKey]map[string]subSet),
		interest: make(map[fieldKey]subSet),
		wildcard: make(map[string]subSet),
	}
}

// Register adds a client-owned subscription and returns the initial
// result window, which also seeds the diff baseline. A nil query
// matches every record.
func (r *Registry) Register(clientID, subID, mapName string, q *predicate.Query, sink Sink) ([]predicate.Entry, error) {
	return r.register(&Subscription{
		ID:       subID,
		ClientID: clientID,
		MapName:  mapName,
		Query:    q,
		sink:     sink,
	})
}

// RegisterDistributed adds a subscription owned by a remote
// coordinator node. Deltas flow through sink, typically a cluster
// messenger route; UnregisterByCoordinator sweeps these when the owner
// leaves the cluster.
func (r *Registry) RegisterDistributed(subID, mapName string, q *predicate.Query, coordinatorNodeID string, sink Sink) ([]predicate.Entry, error) {
	return r.register(&Subscription{
		ID:                subID,
		MapName:           mapName,
		CoordinatorNodeID: coordinatorNodeID,
		Query:             q,
		sink:              sink,
	})
}

func (r *Registry) register(sub *Subscription) ([]predicate.Entry, error) {
	if sub.Query != nil {
		if err := sub.Query.Validate(); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.subs[sub.ID]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSubscription, sub.ID)
	}
	src, ok := r.resolver.Source(sub.MapName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMap, sub.MapName)
	}

	initial := sub.Query.Execute(src)
	sub.prevKeys = make(map[string]struct{}, len(initial))
	for _, e := range initial {
		sub.prevKeys[e.Key] = struct{}{}
	}

	r.installIndex(sub)
	r.subs[sub.ID] = sub
	if sub.ClientID != "" {
		set := r.byClient[sub.ClientID]
		if set == nil {
			set = make(map[string]*Subscription)
			r.byClient[sub.ClientID] = set
		}
		set[sub.ID] = sub
	}

	r.log.Debug().
		Str("sub", sub.ID).
		Str("map", sub.MapName).
		Str("coordinator", sub.CoordinatorNodeID).
		Int("initial", len(initial)).
		Msg("Registered standing query")
	return initial, nil
}

func (r *Registry) installIndex(sub *Subscription) {
	profile := sub.Query.AnalyzeFields()

	for field, values := range profile.Equality {
		fk := fieldKey{mapName: sub.MapName, field: field}
		buckets := r.equality[fk]
		if buckets == nil {
			buckets = make(map[string]subSet)
			r.equality[fk] = buckets
		}
		for _, v := range values {
			bucket := v.BucketKey()
			set := buckets[bucket]
			if set == nil {
				set = make(subSet)
				buckets[bucket] = set
			}
			set[sub.ID] = sub
			sub.slip = append(sub.slip, slipEntry{kind: slipEquality, fk: fk, bucket: bucket})
		}
	}
	for field := range profile.Interest {
		fk := fieldKey{mapName: sub.MapName, field: field}
		set := r.interest[fk]
		if set == nil {
			set = make(subSet)
			r.interest[fk] = set
		}
		set[sub.ID] = sub
		sub.slip = append(sub.slip, slipEntry{kind: slipInterest, fk: fk})
	}
	if profile.Wildcard {
		set := r.wildcard[sub.MapName]
		if set == nil {
			set = make(subSet)
			r.wildcard[sub.MapName] = set
		}
		set[sub.ID] = sub
		sub.slip = append(sub.slip, slipEntry{kind: slipWildcard, fk: fieldKey{mapName: sub.MapName}})
	}
}

// Unsubscribe removes a subscription. Unknown ids are a no-op, so
// double-unsubscribe is safe. Reports whether the id was registered.
func (r *Registry) Unsubscribe(subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(subID)
}

// UnsubscribeClient removes every subscription owned by clientID and
// returns how many were dropped.
func (r *Registry) UnsubscribeClient(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for subID := range r.byClient[clientID] {
		if r.removeLocked(subID) {
			n++
		}
	}
	return n
}

// UnregisterByCoordinator sweeps all distributed subscriptions whose
// owning coordinator is nodeID, as happens when that member leaves the
// cluster. Returns the number removed.
func (r *Registry) UnregisterByCoordinator(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var doomed []string
	for id, sub := range r.subs {
		if sub.CoordinatorNodeID == nodeID && nodeID != "" {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		r.removeLocked(id)
	}
	if len(doomed) > 0 {
		r.log.Info().
			Str("coordinator", nodeID).
			Int("count", len(doomed)).
			Msg("Swept standing queries of departed coordinator")
	}
	return len(doomed)
}

func (r *Registry) removeLocked(subID string) bool {
	sub, ok := r.subs[subID]
	if !ok {
		return false
	}
	for _, entry := range sub.slip {
		switch entry.kind {
		case slipEquality:
			if buckets := r.equality[entry.fk]; buckets != nil {
				if set := buckets[entry.bucket]; set != nil {
					delete(set, subID)
					if len(set) == 0 {
						delete(buckets, entry.bucket)
					}
				}
				if len(buckets) == 0 {
					delete(r.equality, entry.fk)
				}
			}
		case slipInterest:
			if set := r.interest[entry.fk]; set != nil {
				delete(set, subID)
				if len(set) == 0 {
					delete(r.interest, entry.fk)
				}
			}
		case slipWildcard:
			if set := r.wildcard[entry.fk.mapName]; set != nil {
				delete(set, subID)
				if len(set) == 0 {
					delete(r.wildcard, entry.fk.mapName)
				}
			}
		}
	}
	delete(r.subs, subID)
	if sub.ClientID != "" {
		if set := r.byClient[sub.ClientID]; set != nil {
			delete(set, subID)
			if len(set) == 0 {
				delete(r.byClient, sub.ClientID)
			}
		}
	}
	return true
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Get returns a subscription by id.
func (r *Registry) Get(subID string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subID]
	return sub, ok
}

// delivery pairs a computed delta batch with its destination.
type delivery struct {
	sink   Sink
	deltas []Delta
}

// ProcessChange recomputes affected subscriptions after one record of
// mapName changed. oldRec is nil for adds, newRec is nil for removes.
// Candidate selection walks the reverse index; each surviving candidate
// re-executes its query over the whole map so sort+limit windows stay
// exact. Deltas are delivered after internal state is updated.
func (r *Registry) ProcessChange(mapName, key string, newRec, oldRec record.Record) {
	r.mu.Lock()
	deliveries := r.processChangeLocked(mapName, key, newRec, oldRec)
	r.mu.Unlock()

	for _, d := range deliveries {
		for _, delta := range d.deltas {
			d.sink.Deliver(delta)
		}
	}
}

func (r *Registry) processChangeLocked(mapName, key string, newRec, oldRec record.Record) []delivery {
	candidates := r.collectCandidates(mapName, newRec, oldRec)
	if len(candidates) == 0 {
		return nil
	}

	// Deterministic processing order keeps multi-subscription delta
	// interleaving reproducible.
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := time.Now().UnixMilli()
	var out []delivery
	for _, id := range ids {
		sub := candidates[id]
		_, was := sub.prevKeys[key]
		if !was && !sub.Query.Match(newRec) {
			continue
		}
		src, ok := r.resolver.Source(mapName)
		if !ok {
			continue
		}
		deltas := r.reexecute(sub, key, src, now)
		if len(deltas) > 0 && sub.sink != nil {
			out = append(out, delivery{sink: sub.sink, deltas: deltas})
		}
	}
	return out
}

func (r *Registry) collectCandidates(mapName string, newRec, oldRec record.Record) map[string]*Subscription {
	candidates := make(map[string]*Subscription)
	for id, sub := range r.wildcard[mapName] {
		candidates[id] = sub
	}

	fields, all := record.ChangedFields(oldRec, newRec)
	if all {
		seen := make(map[string]struct{})
		for f := range oldRec {
			seen[f] = struct{}{}
			fields = append(fields, f)
		}
		for f := range newRec {
			if _, dup := seen[f]; !dup {
				fields = append(fields, f)
			}
		}
	}

	for _, f := range fields {
		fk := fieldKey{mapName: mapName, field: f}
		for id, sub := range r.interest[fk] {
			candidates[id] = sub
		}
		if buckets := r.equality[fk]; buckets != nil {
			for id, sub := range buckets[oldRec.Get(f).BucketKey()] {
				candidates[id] = sub
			}
			for id, sub := range buckets[newRec.Get(f).BucketKey()] {
				candidates[id] = sub
			}
		}
	}
	return candidates
}

// reexecute runs the subscription's query over the current map and
// diffs against the previous window. Removes are emitted before
// updates; the changed key always re-sends its value while untouched
// members stay silent.
func (r *Registry) reexecute(sub *Subscription, changedKey string, src record.Source, now int64) []Delta {
	entries := sub.Query.Execute(src)

	newKeys := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		newKeys[e.Key] = struct{}{}
	}

	var removed []string
	for k := range sub.prevKeys {
		if _, still := newKeys[k]; !still {
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)

	deltas := make([]Delta, 0, len(removed))
	for _, k := range removed {
		deltas = append(deltas, Delta{
			SubscriptionID: sub.ID,
			MapName:        sub.MapName,
			Key:            k,
			Type:           DeltaRemove,
			Timestamp:      now,
		})
	}
	for _, e := range entries {
		_, was := sub.prevKeys[e.Key]
		if !was || e.Key == changedKey {
			deltas = append(deltas, Delta{
				SubscriptionID: sub.ID,
				MapName:        sub.MapName,
				Key:            e.Key,
				Value:          e.Record,
				Type:           DeltaUpdate,
				Timestamp:      now,
			})
		}
	}

	sub.prevKeys = newKeys
	return deltas
}
