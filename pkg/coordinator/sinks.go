package coordinator

import (
	"github.com/orneryd/hugindb/pkg/cluster"
	"github.com/orneryd/hugindb/pkg/search"
	"github.com/orneryd/hugindb/pkg/standing"
)

// searchDeltaToUpdate converts a local full-text delta into the wire
// shape. LEAVE carries neither value nor score.
func searchDeltaToUpdate(sourceNodeID string, d search.Delta) *cluster.SubUpdate {
	p := &cluster.SubUpdate{
		SubscriptionID: d.SubscriptionID,
		SourceNodeID:   sourceNodeID,
		Key:            d.Key,
		ChangeType:     string(d.Type),
		Timestamp:      d.Timestamp,
	}
	if d.Type != search.DeltaLeave {
		p.Value = d.Value
		score := d.Score
		p.Score = &score
		p.MatchedTerms = d.MatchedTerms
	}
	return p
}

// standingDeltaToUpdate converts a predicate-registry delta into the
// wire shape. The registry's REMOVE becomes the wire's LEAVE.
func standingDeltaToUpdate(sourceNodeID string, d standing.Delta) *cluster.SubUpdate {
	p := &cluster.SubUpdate{
		SubscriptionID: d.SubscriptionID,
		SourceNodeID:   sourceNodeID,
		Key:            d.Key,
		Timestamp:      d.Timestamp,
	}
	if d.Type == standing.DeltaRemove {
		p.ChangeType = "LEAVE"
	} else {
		p.ChangeType = "UPDATE"
		p.Value = d.Value
	}
	return p
}

// remoteSearchSink forwards full-text deltas from this data node to the
// subscription's coordinator over the cluster fabric. Send failures are
// logged and dropped; a slow peer must not stall local mutation.
type remoteSearchSink struct {
	c      *Coordinator
	target string
}

func (s remoteSearchSink) Deliver(d search.Delta) {
	payload := searchDeltaToUpdate(s.c.selfID(), d)
	if err := s.c.messenger.Send(s.target, cluster.MsgSubUpdate, payload); err != nil {
		s.c.log.Warn().Err(err).Str("sub", d.SubscriptionID).Str("target", s.target).Msg("Dropped search delta")
	}
}

// remoteQuerySink is the predicate-registry counterpart.
type remoteQuerySink struct {
	c      *Coordinator
	target string
}

func (s remoteQuerySink) Deliver(d standing.Delta) {
	payload := standingDeltaToUpdate(s.c.selfID(), d)
	if err := s.c.messenger.Send(s.target, cluster.MsgSubUpdate, payload); err != nil {
		s.c.log.Warn().Err(err).Str("sub", d.SubscriptionID).Str("target", s.target).Msg("Dropped query delta")
	}
}

// localSearchSink short-circuits the fabric for the coordinator's own
// data node: deltas go straight into the coordinator's update path.
type localSearchSink struct {
	c *Coordinator
}

func (s localSearchSink) Deliver(d search.Delta) {
	s.c.applySubUpdate(s.c.selfID(), searchDeltaToUpdate(s.c.selfID(), d))
}

// localQuerySink is the predicate-registry counterpart.
type localQuerySink struct {
	c *Coordinator
}

func (s localQuerySink) Deliver(d standing.Delta) {
	s.c.applySubUpdate(s.c.selfID(), standingDeltaToUpdate(s.c.selfID(), d))
}
