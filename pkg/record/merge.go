package record

// Timestamp is the last-writer-wins ordering token attached to replicated
// writes: wall millis, a per-node counter for same-millisecond writes, and
// the writing node's id as the final tie-break.
type Timestamp struct {
	Millis  int64  `json:"millis"`
	Counter uint64 `json:"counter"`
	NodeID  string `json:"nodeId"`
}

// Before reports whether t orders strictly before o.
func (t Timestamp) Before(o Timestamp) bool {
	if t.Millis != o.Millis {
		return t.Millis < o.Millis
	}
	if t.Counter != o.Counter {
		return t.Counter < o.Counter
	}
	return t.NodeID < o.NodeID
}

// MergeContext carries everything the replication boundary knows about a
// remote write landing on a local key. The search and subscription layers
// never see it; they observe only the resulting ChangeType plus old and
// new values.
type MergeContext struct {
	MapName      string    `json:"mapName"`
	Key          string    `json:"key"`
	LocalValue   Record    `json:"localValue,omitempty"`
	RemoteValue  Record    `json:"remoteValue,omitempty"`
	LocalTS      Timestamp `json:"localTimestamp"`
	RemoteTS     Timestamp `json:"remoteTimestamp"`
	RemoteNodeID string    `json:"remoteNodeId"`
}

// RemoteWins applies the LWW rule: the remote write is accepted only when
// the local timestamp orders strictly before the remote one. Ties keep the
// local value so replicas converge on the same winner.
func (mc MergeContext) RemoteWins() bool {
	return mc.LocalTS.Before(mc.RemoteTS)
}

// ChangeType derives the change the accepted remote write represents.
func (mc MergeContext) ChangeType() ChangeType {
	switch {
	case mc.RemoteValue == nil:
		return ChangeRemove
	case mc.LocalValue == nil:
		return ChangeAdd
	default:
		return ChangeUpdate
	}
}
