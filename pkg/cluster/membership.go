// Package cluster provides the node-to-node fabric for distributed
// search: cluster membership with join/leave notification, the message
// envelope and payload types, and an in-process bus implementation used
// by tests and single-process deployments.
package cluster

import (
	"sort"
	"sync"
)

// Member is one cluster node as seen by the membership service.
type Member struct {
	ID   string `json:"id"`
	Addr string `json:"addr,omitempty"`
}

// Membership is the shared view of the cluster. It is read-mostly;
// writes come only from the membership service via MemberJoined and
// MemberLeft. Readers get immutable snapshots.
type Membership struct {
	mu      sync.RWMutex
	self    Member
	members map[string]Member
	onJoin  []func(Member)
	onLeave []func(Member)
}

// NewMembership builds a view containing only the local node.
func NewMembership(self Member) *Membership {
	return &Membership{
		self:    self,
		members: map[string]Member{self.ID: self},
	}
}

// SelfID returns the local node's id.
func (m *Membership) SelfID() string { return m.self.ID }

// Members returns a snapshot of all current members, sorted by id.
func (m *Membership) Members() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Others returns every member except the local node, sorted by id.
func (m *Membership) Others() []Member {
	all := m.Members()
	out := all[:0]
	for _, mem := range all {
		if mem.ID != m.self.ID {
			out = append(out, mem)
		}
	}
	return out
}

// Size returns the current member count, including the local node.
func (m *Membership) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// Contains reports whether nodeID is a current member.
func (m *Membership) Contains(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[nodeID]
	return ok
}

// OnJoin registers a callback invoked after a member joins. Callbacks
// run outside the membership lock.
func (m *Membership) OnJoin(fn func(Member)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onJoin = append(m.onJoin, fn)
}

// OnLeave registers a callback invoked after a member leaves.
func (m *Membership) OnLeave(fn func(Member)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLeave = append(m.onLeave, fn)
}

// MemberJoined records a new member and notifies listeners. Re-joining
// an existing id updates its address without notification.
func (m *Membership) MemberJoined(member Member) {
	m.mu.Lock()
	_, known := m.members[member.ID]
	m.members[member.ID] = member
	fns := append([]func(Member){}, m.onJoin...)
	m.mu.Unlock()

	if known {
		return
	}
	for _, fn := range fns {
		fn(member)
	}
}

// MemberLeft removes a member and notifies listeners. Unknown ids and
// the local node are ignored.
func (m *Membership) MemberLeft(nodeID string) {
	m.mu.Lock()
	member, known := m.members[nodeID]
	if !known || nodeID == m.self.ID {
		m.mu.Unlock()
		return
	}
	delete(m.members, nodeID)
	fns := append([]func(Member){}, m.onLeave...)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(member)
	}
}
