package coordinator

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/hugindb/pkg/cluster"
	"github.com/orneryd/hugindb/pkg/fusion"
	"github.com/orneryd/hugindb/pkg/search"
)

// maxPerNodeLimit caps the first-page over-fetch per node.
const maxPerNodeLimit = 1000

// SearchResult is what a one-shot cluster search resolves with. Scores
// are RRF scores on multi-node clusters and raw BM25 scores when the
// cluster has a single member.
type SearchResult struct {
	Results        []search.Hit `json:"results"`
	TotalHits      int          `json:"totalHits"`
	Cursor         string       `json:"cursor,omitempty"`
	RespondedNodes []string     `json:"respondedNodes"`
	FailedNodes    []string     `json:"failedNodes"`
}

// pendingSearch is the coordinator-side state of one in-flight
// scatter-gather search.
type pendingSearch struct {
	id       string
	mapName  string
	query    string
	hash     string
	limit    int
	inCursor *Cursor
	started  time.Time

	expected  map[string]struct{}
	responses []cluster.SearchResponse
	failed    map[string]string
	waiter    *waiter[*SearchResult]
}

// doneLocked reports whether the gather can stop waiting. Callers hold
// c.mu.
func (ps *pendingSearch) doneLocked(minResponses int) bool {
	if len(ps.expected) == 0 {
		return true
	}
	return minResponses > 0 && len(ps.responses) >= minResponses
}

// completeNodeLocked marks a node as failed, used when a member leaves
// mid-search or a request never reached it. Callers hold c.mu.
func (ps *pendingSearch) completeNodeLocked(c *Coordinator, nodeID, reason string) {
	if _, waiting := ps.expected[nodeID]; !waiting {
		return
	}
	delete(ps.expected, nodeID)
	ps.failed[nodeID] = reason
	if ps.doneLocked(c.cfg.MinResponses) {
		c.finishSearchLocked(ps, false)
	}
}

// ClusterSearch runs a one-shot full-text search across the cluster:
// scatter CLUSTER_SEARCH_REQ to every member, gather the responses,
// merge the ranked lists with RRF. cursorToken must be empty or a
// cursor issued by a previous page of the same query; a cursor from a
// different query fails with ErrInvalidCursor. A timeout resolves with
// the responses gathered so far, silent nodes listed in FailedNodes.
func (c *Coordinator) ClusterSearch(ctx context.Context, mapName, query string, opts search.Options, cursorToken string) (*SearchResult, error) {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return nil, ErrDestroyed
	}

	hash := queryHash(mapName, query, opts)
	var inCursor *Cursor
	if cursorToken != "" {
		cur, err := DecodeCursor(cursorToken, hash)
		if err != nil {
			return nil, err
		}
		inCursor = cur
	}

	if c.membership.Size() <= 1 {
		return c.searchAlone(mapName, query, opts, inCursor, hash)
	}

	// First pages over-fetch so the fused page stays full even when the
	// nodes rank the same keys; cursor pages already target one page per
	// node.
	perNode := opts.Limit
	if inCursor == nil && opts.Limit > 0 {
		perNode = opts.Limit * 2
		if perNode > maxPerNodeLimit {
			perNode = maxPerNodeLimit
		}
	}

	ps := &pendingSearch{
		id:       uuid.NewString(),
		mapName:  mapName,
		query:    query,
		hash:     hash,
		limit:    opts.Limit,
		inCursor: inCursor,
		started:  time.Now(),
		expected: make(map[string]struct{}),
		failed:   make(map[string]string),
		waiter:   newWaiter[*SearchResult](),
	}

	members := c.membership.Members()
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	for _, m := range members {
		ps.expected[m.ID] = struct{}{}
	}
	c.searches[ps.id] = ps
	c.mu.Unlock()

	// The local leg goes through the same response path as the remote
	// legs, so failure handling and merge order stay uniform.
	c.applySearchResponse(c.selfID(), c.localSearchLeg(ps.id, mapName, query, nodeOptions(opts, perNode, inCursor, c.selfID())))

	for _, m := range members {
		if m.ID == c.selfID() {
			continue
		}
		req := &cluster.SearchRequest{
			RequestID: ps.id,
			MapName:   mapName,
			Query:     query,
			Options:   nodeOptions(opts, perNode, inCursor, m.ID),
			TimeoutMs: c.cfg.SearchTimeout.Milliseconds(),
		}
		if err := c.messenger.Send(m.ID, cluster.MsgSearchReq, req); err != nil {
			c.failSearchNode(ps.id, m.ID, err.Error())
		}
	}

	ps.waiter.ArmTimer(c.cfg.SearchTimeout, func() { c.searchTimedOut(ps.id) })
	return ps.waiter.Wait(ctx)
}

// searchAlone is the single-member fast path: no scatter, raw BM25
// scores, same pagination contract.
func (c *Coordinator) searchAlone(mapName, query string, opts search.Options, inCursor *Cursor, hash string) (*SearchResult, error) {
	self := c.selfID()
	local := nodeOptions(opts, opts.Limit, inCursor, self)
	if opts.Limit > 0 {
		// One extra hit reveals whether another page exists.
		local.Limit = opts.Limit + 1
	}
	hits, total, err := c.searchCoord.Search(mapName, query, local)
	if err != nil {
		return nil, err
	}

	res := &SearchResult{
		TotalHits:      total,
		RespondedNodes: []string{self},
		FailedNodes:    []string{},
	}
	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
		last := hits[len(hits)-1]
		cur := &Cursor{
			NodeScores: map[string]float64{self: last.Score},
			NodeKeys:   map[string]string{self: last.Key},
			QueryHash:  hash,
			IssuedAt:   time.Now().UnixMilli(),
		}
		if token, err := cur.Encode(); err == nil {
			res.Cursor = token
		} else {
			c.log.Warn().Err(err).Str("map", mapName).Msg("Cursor encoding failed, page has no continuation")
		}
	}
	res.Results = hits
	return res, nil
}

// nodeOptions clones the request options for one node, applying the
// per-node limit and that node's cursor position.
func nodeOptions(opts search.Options, perNode int, cur *Cursor, nodeID string) search.Options {
	o := opts
	o.Limit = perNode
	o.AfterScore = nil
	o.AfterKey = ""
	if cur != nil {
		if s, ok := cur.NodeScores[nodeID]; ok {
			after := s
			o.AfterScore = &after
			o.AfterKey = cur.NodeKeys[nodeID]
		}
	}
	return o
}

// localSearchLeg runs this node's own share of a scatter and shapes it
// like a wire response.
func (c *Coordinator) localSearchLeg(requestID, mapName, query string, opts search.Options) *cluster.SearchResponse {
	resp := &cluster.SearchResponse{RequestID: requestID, NodeID: c.selfID()}
	start := time.Now()
	hits, total, err := c.searchCoord.Search(mapName, query, opts)
	resp.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Results = hits
	resp.TotalHits = total
	return resp
}

func (c *Coordinator) failSearchNode(requestID, nodeID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ps, ok := c.searches[requestID]; ok {
		ps.completeNodeLocked(c, nodeID, reason)
	}
}

func (c *Coordinator) searchTimedOut(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.searches[requestID]
	if !ok {
		return
	}
	for nodeID := range ps.expected {
		ps.failed[nodeID] = "timeout"
	}
	ps.expected = make(map[string]struct{})
	c.finishSearchLocked(ps, true)
}

// handleSearchRequest is the data-node side: run the search locally
// and reply to the requester, errors travel in the response body.
func (c *Coordinator) handleSearchRequest(senderID string, payload []byte) {
	var p cluster.SearchRequest
	if err := json.Unmarshal(payload, &p); err != nil {
		c.warnDrop(cluster.MsgSearchReq, err)
		return
	}
	if err := p.Validate(); err != nil {
		c.warnDrop(cluster.MsgSearchReq, err)
		return
	}
	resp := c.localSearchLeg(p.RequestID, p.MapName, p.Query, p.Options)
	if err := c.messenger.Send(senderID, cluster.MsgSearchResp, resp); err != nil {
		c.log.Warn().Err(err).Str("request", p.RequestID).Str("coordinator", senderID).Msg("Failed to send search response")
	}
}

func (c *Coordinator) handleSearchResponse(senderID string, payload []byte) {
	var p cluster.SearchResponse
	if err := json.Unmarshal(payload, &p); err != nil {
		c.warnDrop(cluster.MsgSearchResp, err)
		return
	}
	if err := p.Validate(); err != nil {
		c.warnDrop(cluster.MsgSearchResp, err)
		return
	}
	c.applySearchResponse(senderID, &p)
}

func (c *Coordinator) applySearchResponse(senderID string, p *cluster.SearchResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.searches[p.RequestID]
	if !ok {
		c.log.Debug().Str("request", p.RequestID).Str("node", p.NodeID).Msg("Response for unknown search dropped")
		return
	}
	if _, waiting := ps.expected[p.NodeID]; !waiting {
		return
	}
	delete(ps.expected, p.NodeID)
	if p.Error != "" {
		ps.failed[p.NodeID] = p.Error
		c.log.Warn().
			Str("request", p.RequestID).
			Str("node", p.NodeID).
			Str("error", p.Error).
			Msg("Node reported search error")
	} else {
		ps.responses = append(ps.responses, *p)
	}
	if ps.doneLocked(c.cfg.MinResponses) {
		c.finishSearchLocked(ps, false)
	}
}

// finishSearchLocked merges the gathered responses, derives the
// next-page cursor when more results exist and settles the waiter.
// Callers hold c.mu.
func (c *Coordinator) finishSearchLocked(ps *pendingSearch, timedOut bool) {
	delete(c.searches, ps.id)

	res := &SearchResult{FailedNodes: make([]string, 0, len(ps.failed))}
	for nodeID := range ps.failed {
		res.FailedNodes = append(res.FailedNodes, nodeID)
	}
	sort.Strings(res.FailedNodes)
	res.RespondedNodes = make([]string, 0, len(ps.responses))
	for _, r := range ps.responses {
		res.RespondedNodes = append(res.RespondedNodes, r.NodeID)
	}
	sort.Strings(res.RespondedNodes)

	res.Results, res.TotalHits, res.Cursor = c.mergeSearchLegsLocked(ps)

	if timedOut {
		c.metrics.IncCounter("search_timeout_total", map[string]string{"map": ps.mapName})
		c.log.Warn().
			Str("request", ps.id).
			Strs("failedNodes", res.FailedNodes).
			Msg("Cluster search resolved on timeout with partial results")
	}
	c.metrics.Observe("cluster_search_latency_ms", float64(time.Since(ps.started).Microseconds())/1000.0, map[string]string{"map": ps.mapName})

	ps.waiter.Resolve(res)
}

// mergeSearchLegsLocked fuses the per-node lists with RRF, trims to the
// page limit and encodes the continuation cursor. Value and matched
// terms for each key come from the first node that reported it, in
// response arrival order. Callers hold c.mu.
func (c *Coordinator) mergeSearchLegsLocked(ps *pendingSearch) ([]search.Hit, int, string) {
	lists := make([][]fusion.RankedHit, 0, len(ps.responses))
	first := make(map[string]search.Hit)
	totalHits := 0
	for _, r := range ps.responses {
		totalHits += r.TotalHits
		list := make([]fusion.RankedHit, 0, len(r.Results))
		for _, h := range r.Results {
			list = append(list, fusion.RankedHit{DocID: h.Key, Score: h.Score, Source: r.NodeID})
			if _, seen := first[h.Key]; !seen {
				first[h.Key] = h
			}
		}
		lists = append(lists, list)
	}

	fused := fusion.Fuse(lists, c.cfg.RRFK)
	more := ps.limit > 0 && len(fused) > ps.limit
	if more {
		fused = fused[:ps.limit]
	}

	hits := make([]search.Hit, 0, len(fused))
	included := make(map[string]struct{}, len(fused))
	for _, f := range fused {
		h := first[f.DocID]
		hits = append(hits, search.Hit{
			Key:          f.DocID,
			Value:        h.Value,
			Score:        f.Score,
			MatchedTerms: h.MatchedTerms,
		})
		included[f.DocID] = struct{}{}
	}

	if !more {
		return hits, totalHits, ""
	}
	token, err := c.nextCursorLocked(ps, included).Encode()
	if err != nil {
		c.log.Warn().Err(err).Str("request", ps.id).Msg("Cursor encoding failed, page has no continuation")
		return hits, totalHits, ""
	}
	return hits, totalHits, token
}

// nextCursorLocked records, for every responding node, the deepest hit
// of its own list that made the page. Nodes that contributed nothing
// carry their previous position forward so the next page does not
// restart them. Callers hold c.mu.
func (c *Coordinator) nextCursorLocked(ps *pendingSearch, included map[string]struct{}) *Cursor {
	cur := &Cursor{
		NodeScores: make(map[string]float64),
		NodeKeys:   make(map[string]string),
		QueryHash:  ps.hash,
		IssuedAt:   time.Now().UnixMilli(),
	}
	if ps.inCursor != nil {
		for nodeID, s := range ps.inCursor.NodeScores {
			cur.NodeScores[nodeID] = s
			cur.NodeKeys[nodeID] = ps.inCursor.NodeKeys[nodeID]
		}
	}
	for _, r := range ps.responses {
		deepest := -1
		for i, h := range r.Results {
			if _, ok := included[h.Key]; ok {
				deepest = i
			}
		}
		if deepest >= 0 {
			cur.NodeScores[r.NodeID] = r.Results[deepest].Score
			cur.NodeKeys[r.NodeID] = r.Results[deepest].Key
		}
	}
	return cur
}
