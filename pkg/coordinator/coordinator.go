// Package coordinator implements the distributed side of live search:
// cluster-wide subscriptions with ACK-gated registration, delta routing
// from data nodes back to the owning coordinator, and one-shot
// scatter-gather search with RRF merging and cursor pagination.
//
// Every node runs one Coordinator. It plays both roles at once: the
// coordinator role for subscriptions its own clients opened, and the
// data-node role for subscriptions owned by its peers.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orneryd/hugindb/pkg/cluster"
	"github.com/orneryd/hugindb/pkg/metrics"
	"github.com/orneryd/hugindb/pkg/predicate"
	"github.com/orneryd/hugindb/pkg/record"
	"github.com/orneryd/hugindb/pkg/search"
	"github.com/orneryd/hugindb/pkg/standing"
)

var (
	// ErrDestroyed is the terminal error pending promises reject with
	// when the coordinator shuts down.
	ErrDestroyed = errors.New("coordinator destroyed")

	// ErrTerminated is returned to a registration still waiting for
	// ACKs when its subscription is unsubscribed.
	ErrTerminated = errors.New("subscription terminated")
)

// State tracks a subscription through its lifecycle.
type State string

const (
	StateCreated     State = "CREATED"
	StatePendingAcks State = "PENDING_ACKS"
	StateActive      State = "ACTIVE"
	StateTerminated  State = "TERMINATED"
)

// SearchUpdatePayload is the client-facing frame body for live
// full-text deltas.
type SearchUpdatePayload struct {
	SubscriptionID string        `json:"subscriptionId"`
	Key            string        `json:"key"`
	Value          record.Record `json:"value,omitempty"`
	Score          float64       `json:"score,omitempty"`
	MatchedTerms   []string      `json:"matchedTerms,omitempty"`
	ChangeType     string        `json:"changeType"`
}

// QueryUpdatePayload is the client-facing frame body for live
// predicate-query deltas.
type QueryUpdatePayload struct {
	QueryID string        `json:"queryId"`
	Key     string        `json:"key"`
	Value   record.Record `json:"value,omitempty"`
	Type    string        `json:"type"`
}

// ClientNotifier delivers update frames to a connected client. Errors
// mean the frame was dropped; they never unwind subscription state.
type ClientNotifier interface {
	NotifySearchUpdate(clientID string, p SearchUpdatePayload) error
	NotifyQueryUpdate(clientID string, p QueryUpdatePayload) error
}

// ResultEntry is one key in a subscription's merged live result set.
// SourceNode is the data node whose report produced the entry, used to
// evict results from departed members.
type ResultEntry struct {
	Key          string
	Value        record.Record
	Score        float64
	MatchedTerms []string
	SourceNode   string
}

// nodeResults is one node's initial results, kept in ACK arrival order
// until the merge.
type nodeResults struct {
	nodeID    string
	hits      []search.Hit
	totalHits int
}

// Subscription is the coordinator-side state of one distributed
// subscription.
type Subscription struct {
	ID       string
	ClientID string
	MapName  string
	Type     cluster.SubscriptionType

	Query   string
	Options search.Options
	Pred    *predicate.Query

	State           State
	registeredNodes map[string]struct{}
	nodeAcks        map[string]struct{}
	pendingResults  []nodeResults
	currentResults  map[string]ResultEntry
	waiter          *waiter[*SubscribeResult]
}

// RegisteredNodes returns the nodes currently serving this
// subscription, sorted.
func (s *Subscription) RegisteredNodes() []string {
	out := make([]string, 0, len(s.registeredNodes))
	for n := range s.registeredNodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// CurrentResultKeys returns the keys of the merged live result set,
// sorted.
func (s *Subscription) CurrentResultKeys() []string {
	out := make([]string, 0, len(s.currentResults))
	for k := range s.currentResults {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SubscribeResult is what a registration resolves with: the merged
// initial results plus which nodes are serving the subscription. A
// timed-out registration still resolves, with the silent nodes listed
// in FailedNodes.
type SubscribeResult struct {
	SubscriptionID  string       `json:"subscriptionId"`
	Results         []search.Hit `json:"results"`
	TotalHits       int          `json:"totalHits"`
	RegisteredNodes []string     `json:"registeredNodes"`
	FailedNodes     []string     `json:"failedNodes"`
}

// Config tunes the coordinator.
type Config struct {
	// AckTimeout bounds how long a registration waits for node ACKs
	// before resolving with partial results. Default 5s.
	AckTimeout time.Duration

	// SearchTimeout bounds one-shot scatter-gather searches. Default 5s.
	SearchTimeout time.Duration

	// RRFK is the reciprocal-rank-fusion constant. Default 60.
	RRFK float64

	// MinResponses lets a one-shot search resolve as soon as this many
	// nodes responded instead of waiting for all. Zero waits for all.
	MinResponses int
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 5 * time.Second
	}
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
	return c
}

// Deps are the collaborators a Coordinator is wired with.
type Deps struct {
	Membership *cluster.Membership
	Messenger  cluster.Messenger
	Search     *search.Coordinator
	Registry   *standing.Registry
	Notifier   ClientNotifier // nil when no client layer is attached
	Metrics    metrics.Sink   // nil becomes Noop
	Log        zerolog.Logger
}

// Coordinator owns this node's distributed subscriptions and in-flight
// scatter-gather searches.
type Coordinator struct {
	membership  *cluster.Membership
	messenger   cluster.Messenger
	searchCoord *search.Coordinator
	registry    *standing.Registry
	notifier    ClientNotifier
	metrics     metrics.Sink
	log         zerolog.Logger
	cfg         Config

	mu        sync.Mutex
	destroyed bool
	subs      map[string]*Subscription
	byClient  map[string]map[string]*Subscription
	searches  map[string]*pendingSearch
}

// New wires a coordinator into the fabric: it registers the cluster
// message handlers and subscribes to membership leave events.
func New(deps Deps, cfg Config) *Coordinator {
	sink := deps.Metrics
	if sink == nil {
		sink = metrics.Noop{}
	}
	c := &Coordinator{
		membership:  deps.Membership,
		messenger:   deps.Messenger,
		searchCoord: deps.Search,
		registry:    deps.Registry,
		notifier:    deps.Notifier,
		metrics:     sink,
		log:         deps.Log.With().Str("component", "coordinator").Str("node", deps.Membership.SelfID()).Logger(),
		cfg:         cfg.withDefaults(),
		subs:        make(map[string]*Subscription),
		byClient:    make(map[string]map[string]*Subscription),
		searches:    make(map[string]*pendingSearch),
	}

	c.messenger.Handle(cluster.MsgSubRegister, c.handleSubRegister)
	c.messenger.Handle(cluster.MsgSubAck, c.handleSubAck)
	c.messenger.Handle(cluster.MsgSubUpdate, c.handleSubUpdate)
	c.messenger.Handle(cluster.MsgSubUnregister, c.handleSubUnregister)
	c.messenger.Handle(cluster.MsgSearchReq, c.handleSearchRequest)
	c.messenger.Handle(cluster.MsgSearchResp, c.handleSearchResponse)
	c.membership.OnLeave(c.onMemberLeft)
	return c
}

func (c *Coordinator) selfID() string { return c.membership.SelfID() }

// Len returns the number of coordinator-owned subscriptions.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Get returns a coordinator-owned subscription by id.
func (c *Coordinator) Get(subID string) (*Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	return sub, ok
}

// Subscribe opens a distributed full-text subscription on behalf of a
// local client. It registers on every cluster member and blocks until
// all ACKs arrive or the ACK timeout fires; a timeout resolves with
// partial results rather than failing. A failure to register on this
// node is returned immediately.
func (c *Coordinator) Subscribe(ctx context.Context, clientID, mapName, query string, opts search.Options) (*SubscribeResult, error) {
	sub := &Subscription{
		ID:       uuid.NewString(),
		ClientID: clientID,
		MapName:  mapName,
		Type:     cluster.SubSearch,
		Query:    query,
		Options:  opts,
	}
	register := func() ([]search.Hit, error) {
		return c.searchCoord.RegisterDistributedSubscription(sub.ID, mapName, query, opts, c.selfID(), localSearchSink{c: c})
	}
	payload := &cluster.SubRegister{
		SubscriptionID:    sub.ID,
		CoordinatorNodeID: c.selfID(),
		MapName:           mapName,
		Type:              cluster.SubSearch,
		SearchQuery:       query,
		SearchOptions:     &opts,
	}
	return c.subscribe(ctx, sub, register, payload)
}

// SubscribeQuery opens a distributed standing predicate query.
func (c *Coordinator) SubscribeQuery(ctx context.Context, clientID, mapName string, q *predicate.Query) (*SubscribeResult, error) {
	sub := &Subscription{
		ID:       uuid.NewString(),
		ClientID: clientID,
		MapName:  mapName,
		Type:     cluster.SubQuery,
		Pred:     q,
	}
	register := func() ([]search.Hit, error) {
		entries, err := c.registry.RegisterDistributed(sub.ID, mapName, q, c.selfID(), localQuerySink{c: c})
		if err != nil {
			return nil, err
		}
		return entriesToHits(entries), nil
	}
	payload := &cluster.SubRegister{
		SubscriptionID:    sub.ID,
		CoordinatorNodeID: c.selfID(),
		MapName:           mapName,
		Type:              cluster.SubQuery,
		QueryPredicate:    q,
	}
	return c.subscribe(ctx, sub, register, payload)
}

func (c *Coordinator) subscribe(ctx context.Context, sub *Subscription, register func() ([]search.Hit, error), payload *cluster.SubRegister) (*SubscribeResult, error) {
	sub.State = StateCreated
	sub.registeredNodes = make(map[string]struct{})
	sub.nodeAcks = make(map[string]struct{})
	sub.currentResults = make(map[string]ResultEntry)
	sub.waiter = newWaiter[*SubscribeResult]()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	c.subs[sub.ID] = sub
	if sub.ClientID != "" {
		owned := c.byClient[sub.ClientID]
		if owned == nil {
			owned = make(map[string]*Subscription)
			c.byClient[sub.ClientID] = owned
		}
		owned[sub.ID] = sub
	}
	sub.State = StatePendingAcks
	active := len(c.subs)
	c.mu.Unlock()
	c.metrics.SetGauge("active_subscriptions", float64(active), nil)

	// Local registration first. Its failure is authoritative: if this
	// node cannot serve the subscription, the peers will not either.
	hits, err := register()
	if err != nil {
		c.dropSub(sub.ID)
		return nil, err
	}
	c.applySubAck(c.selfID(), &cluster.SubAck{
		SubscriptionID: sub.ID,
		NodeID:         c.selfID(),
		Success:        true,
		InitialResults: hits,
		TotalHits:      len(hits),
	})

	if err := c.messenger.Broadcast(cluster.MsgSubRegister, payload); err != nil {
		// Unreachable peers resolve through the ACK timeout or a
		// membership leave event.
		c.log.Warn().Err(err).Str("sub", sub.ID).Msg("Subscription broadcast partially failed")
	}

	sub.waiter.ArmTimer(c.cfg.AckTimeout, func() { c.resolveOnTimeout(sub.ID) })

	c.log.Debug().
		Str("sub", sub.ID).
		Str("map", sub.MapName).
		Str("type", string(sub.Type)).
		Int("members", c.membership.Size()).
		Msg("Distributed subscription pending ACKs")
	return sub.waiter.Wait(ctx)
}

// dropSub removes a subscription that never completed registration.
func (c *Coordinator) dropSub(subID string) {
	c.mu.Lock()
	sub, ok := c.subs[subID]
	if ok {
		delete(c.subs, subID)
		c.removeClientIndexLocked(sub)
	}
	active := len(c.subs)
	c.mu.Unlock()
	c.metrics.SetGauge("active_subscriptions", float64(active), nil)
}

func (c *Coordinator) removeClientIndexLocked(sub *Subscription) {
	if sub.ClientID == "" {
		return
	}
	if owned := c.byClient[sub.ClientID]; owned != nil {
		delete(owned, sub.ID)
		if len(owned) == 0 {
			delete(c.byClient, sub.ClientID)
		}
	}
}

func (c *Coordinator) handleSubAck(senderID string, payload []byte) {
	var p cluster.SubAck
	if err := json.Unmarshal(payload, &p); err != nil {
		c.warnDrop(cluster.MsgSubAck, err)
		return
	}
	if err := p.Validate(); err != nil {
		c.warnDrop(cluster.MsgSubAck, err)
		return
	}
	c.applySubAck(senderID, &p)
}

func (c *Coordinator) applySubAck(senderID string, ack *cluster.SubAck) {
	c.mu.Lock()
	sub, ok := c.subs[ack.SubscriptionID]
	if !ok {
		c.mu.Unlock()
		c.log.Debug().Str("sub", ack.SubscriptionID).Str("node", ack.NodeID).Msg("ACK for unknown subscription dropped")
		return
	}
	if sub.State != StatePendingAcks {
		// A late ACK never mutates the resolved result, but the node is
		// now serving the subscription and must be reachable for
		// teardown.
		if ack.Success {
			sub.registeredNodes[ack.NodeID] = struct{}{}
		}
		sub.nodeAcks[ack.NodeID] = struct{}{}
		c.mu.Unlock()
		return
	}

	if ack.Success {
		sub.registeredNodes[ack.NodeID] = struct{}{}
		sub.pendingResults = append(sub.pendingResults, nodeResults{
			nodeID:    ack.NodeID,
			hits:      ack.InitialResults,
			totalHits: ack.TotalHits,
		})
	} else {
		c.log.Warn().
			Str("sub", ack.SubscriptionID).
			Str("node", ack.NodeID).
			Str("error", ack.Error).
			Msg("Node rejected subscription registration")
	}
	sub.nodeAcks[ack.NodeID] = struct{}{}

	if len(sub.nodeAcks) >= c.membership.Size() {
		c.resolveLocked(sub, false)
	}
	c.mu.Unlock()
}

func (c *Coordinator) resolveOnTimeout(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok || sub.State != StatePendingAcks {
		return
	}
	c.resolveLocked(sub, true)
}

// resolveLocked merges the collected initial results, marks the
// subscription ACTIVE and settles its waiter. Callers hold c.mu.
func (c *Coordinator) resolveLocked(sub *Subscription, timedOut bool) {
	var merged []search.Hit
	var totalHits int
	switch sub.Type {
	case cluster.SubQuery:
		merged = mergeQuery(sub)
		totalHits = len(merged)
	default:
		merged, totalHits = mergeSearch(sub, c.cfg.RRFK)
	}

	var failed []string
	for _, member := range c.membership.Members() {
		if _, ok := sub.registeredNodes[member.ID]; !ok {
			failed = append(failed, member.ID)
		}
	}
	sort.Strings(failed)

	sub.State = StateActive
	sub.pendingResults = nil

	if timedOut {
		c.metrics.IncCounter("sub_ack_timeout_total", map[string]string{"map": sub.MapName})
		c.log.Warn().
			Str("sub", sub.ID).
			Strs("failedNodes", failed).
			Msg("Subscription resolved on ACK timeout with partial results")
	}

	sub.waiter.Resolve(&SubscribeResult{
		SubscriptionID:  sub.ID,
		Results:         merged,
		TotalHits:       totalHits,
		RegisteredNodes: sub.RegisteredNodes(),
		FailedNodes:     failed,
	})
}

func (c *Coordinator) handleSubUpdate(senderID string, payload []byte) {
	var p cluster.SubUpdate
	if err := json.Unmarshal(payload, &p); err != nil {
		c.warnDrop(cluster.MsgSubUpdate, err)
		return
	}
	if err := p.Validate(); err != nil {
		c.warnDrop(cluster.MsgSubUpdate, err)
		return
	}
	c.applySubUpdate(senderID, &p)
}

// applySubUpdate is the coordinator-side delta path, shared by the
// cluster handler and the local sinks.
func (c *Coordinator) applySubUpdate(senderID string, p *cluster.SubUpdate) {
	c.mu.Lock()
	sub, ok := c.subs[p.SubscriptionID]
	if !ok || sub.State == StateTerminated {
		c.mu.Unlock()
		return
	}
	if p.ChangeType == "LEAVE" {
		delete(sub.currentResults, p.Key)
	} else {
		entry := ResultEntry{
			Key:          p.Key,
			Value:        p.Value,
			MatchedTerms: p.MatchedTerms,
			SourceNode:   p.SourceNodeID,
		}
		if p.Score != nil {
			entry.Score = *p.Score
		}
		sub.currentResults[p.Key] = entry
	}
	clientID := sub.ClientID
	subType := sub.Type
	c.mu.Unlock()

	if latency := float64(time.Now().UnixMilli() - p.Timestamp); latency >= 0 {
		c.metrics.Observe("sub_update_latency_ms", latency, map[string]string{"type": string(subType)})
	}

	if clientID == "" || c.notifier == nil {
		return
	}
	var err error
	switch subType {
	case cluster.SubQuery:
		err = c.notifier.NotifyQueryUpdate(clientID, QueryUpdatePayload{
			QueryID: p.SubscriptionID,
			Key:     p.Key,
			Value:   p.Value,
			Type:    p.ChangeType,
		})
	default:
		var score float64
		if p.Score != nil {
			score = *p.Score
		}
		err = c.notifier.NotifySearchUpdate(clientID, SearchUpdatePayload{
			SubscriptionID: p.SubscriptionID,
			Key:            p.Key,
			Value:          p.Value,
			Score:          score,
			MatchedTerms:   p.MatchedTerms,
			ChangeType:     p.ChangeType,
		})
	}
	if err != nil {
		c.log.Warn().Err(err).Str("sub", p.SubscriptionID).Str("client", clientID).Msg("Dropped client update frame")
	}
}

// handleSubRegister is the data-node side: register locally and reply
// with an ACK carrying this node's initial results.
func (c *Coordinator) handleSubRegister(senderID string, payload []byte) {
	var p cluster.SubRegister
	if err := json.Unmarshal(payload, &p); err != nil {
		c.warnDrop(cluster.MsgSubRegister, err)
		return
	}
	if err := p.Validate(); err != nil {
		c.warnDrop(cluster.MsgSubRegister, err)
		return
	}

	ack := &cluster.SubAck{SubscriptionID: p.SubscriptionID, NodeID: c.selfID()}
	switch p.Type {
	case cluster.SubQuery:
		entries, err := c.registry.RegisterDistributed(p.SubscriptionID, p.MapName, p.QueryPredicate, p.CoordinatorNodeID, remoteQuerySink{c: c, target: p.CoordinatorNodeID})
		if err != nil {
			ack.Error = err.Error()
		} else {
			ack.Success = true
			ack.InitialResults = entriesToHits(entries)
			ack.TotalHits = len(entries)
		}
	default:
		var opts search.Options
		if p.SearchOptions != nil {
			opts = *p.SearchOptions
		}
		hits, err := c.searchCoord.RegisterDistributedSubscription(p.SubscriptionID, p.MapName, p.SearchQuery, opts, p.CoordinatorNodeID, remoteSearchSink{c: c, target: p.CoordinatorNodeID})
		if err != nil {
			ack.Error = err.Error()
		} else {
			ack.Success = true
			ack.InitialResults = hits
			ack.TotalHits = len(hits)
		}
	}

	if err := c.messenger.Send(p.CoordinatorNodeID, cluster.MsgSubAck, ack); err != nil {
		c.log.Warn().Err(err).Str("sub", p.SubscriptionID).Str("coordinator", p.CoordinatorNodeID).Msg("Failed to send registration ACK")
	}
}

// handleSubUnregister is the data-node side of teardown. Both
// registries treat unknown ids as a no-op, so replays are harmless.
func (c *Coordinator) handleSubUnregister(senderID string, payload []byte) {
	var p cluster.SubUnregister
	if err := json.Unmarshal(payload, &p); err != nil {
		c.warnDrop(cluster.MsgSubUnregister, err)
		return
	}
	if err := p.Validate(); err != nil {
		c.warnDrop(cluster.MsgSubUnregister, err)
		return
	}
	c.searchCoord.Unsubscribe(p.SubscriptionID)
	c.registry.Unsubscribe(p.SubscriptionID)
	c.log.Debug().Str("sub", p.SubscriptionID).Str("from", senderID).Msg("Unregistered subscription")
}

// Unsubscribe tears down a coordinator-owned subscription: local
// registries first, then fire-and-forget unregister messages to every
// node that acknowledged. Reports whether the id existed.
func (c *Coordinator) Unsubscribe(subID string) bool {
	c.mu.Lock()
	sub, ok := c.subs[subID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.subs, subID)
	c.removeClientIndexLocked(sub)
	sub.State = StateTerminated
	targets := make([]string, 0, len(sub.registeredNodes))
	for n := range sub.registeredNodes {
		if n != c.selfID() {
			targets = append(targets, n)
		}
	}
	sort.Strings(targets)
	active := len(c.subs)
	c.mu.Unlock()

	sub.waiter.Reject(ErrTerminated)
	c.searchCoord.Unsubscribe(subID)
	c.registry.Unsubscribe(subID)
	for _, n := range targets {
		if err := c.messenger.Send(n, cluster.MsgSubUnregister, &cluster.SubUnregister{SubscriptionID: subID}); err != nil {
			c.log.Debug().Err(err).Str("sub", subID).Str("node", n).Msg("Unregister message not delivered")
		}
	}
	c.metrics.SetGauge("active_subscriptions", float64(active), nil)
	return true
}

// UnsubscribeClient tears down every subscription owned by clientID.
func (c *Coordinator) UnsubscribeClient(clientID string) int {
	c.mu.Lock()
	ids := make([]string, 0, len(c.byClient[clientID]))
	for subID := range c.byClient[clientID] {
		ids = append(ids, subID)
	}
	c.mu.Unlock()

	sort.Strings(ids)
	n := 0
	for _, subID := range ids {
		if c.Unsubscribe(subID) {
			n++
		}
	}
	return n
}

// onMemberLeft reacts to a departed node: forget it everywhere, evict
// its contributions from live result sets, complete ACK waits that
// would otherwise hang, and sweep local subscriptions it coordinated.
func (c *Coordinator) onMemberLeft(member cluster.Member) {
	nodeID := member.ID

	c.mu.Lock()
	for _, sub := range c.subs {
		delete(sub.registeredNodes, nodeID)
		for key, entry := range sub.currentResults {
			if entry.SourceNode == nodeID {
				delete(sub.currentResults, key)
			}
		}
		if sub.State == StatePendingAcks {
			if _, acked := sub.nodeAcks[nodeID]; !acked {
				sub.nodeAcks[nodeID] = struct{}{}
				if len(sub.nodeAcks) >= c.membership.Size() {
					c.resolveLocked(sub, false)
				}
			}
		}
	}
	for _, ps := range c.searches {
		ps.completeNodeLocked(c, nodeID, "node left cluster")
	}
	c.mu.Unlock()

	c.searchCoord.UnregisterByCoordinator(nodeID)
	c.registry.UnregisterByCoordinator(nodeID)
	c.metrics.IncCounter("node_disconnect_total", map[string]string{"node": nodeID})
	c.log.Info().Str("node", nodeID).Msg("Cleaned up after departed member")
}

// Destroy cancels every pending timer and rejects every still-pending
// promise. Active subscriptions are dropped without remote teardown;
// peers clean them up when this node's departure is observed.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	c.destroyed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		sub.State = StateTerminated
		subs = append(subs, sub)
	}
	searches := make([]*pendingSearch, 0, len(c.searches))
	for _, ps := range c.searches {
		searches = append(searches, ps)
	}
	c.subs = make(map[string]*Subscription)
	c.byClient = make(map[string]map[string]*Subscription)
	c.searches = make(map[string]*pendingSearch)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.waiter.Reject(ErrDestroyed)
	}
	for _, ps := range searches {
		ps.waiter.Reject(ErrDestroyed)
	}
	c.metrics.SetGauge("active_subscriptions", 0, nil)
}

func (c *Coordinator) warnDrop(t cluster.MessageType, err error) {
	c.metrics.IncCounter("invalid_payload_total", map[string]string{"type": string(t)})
	c.log.Warn().Err(err).Str("type", string(t)).Msg("Dropped invalid cluster message")
}
