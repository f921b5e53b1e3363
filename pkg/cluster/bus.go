package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrNodeUnreachable is returned when a message targets a node that is
// not (or no longer) part of the fabric.
var ErrNodeUnreachable = errors.New("node unreachable")

// Handler consumes one inbound message. The payload is the sender's
// JSON-encoded struct; handlers unmarshal and validate it.
type Handler func(senderID string, payload []byte)

// Messenger is a node's view of the cluster fabric: send to one peer,
// broadcast to all peers, and register inbound handlers. Sends are fire
// and forget; delivery order is preserved per receiving node.
type Messenger interface {
	Send(targetNodeID string, t MessageType, payload any) error
	Broadcast(t MessageType, payload any) error
	Handle(t MessageType, h Handler)
}

// busInboxDepth bounds each node's inbound queue. Senders block when a
// receiver falls this far behind.
const busInboxDepth = 1024

type envelope struct {
	sender  string
	typ     MessageType
	payload []byte
}

// LocalBus is an in-process fabric connecting BusNode endpoints. Every
// message still crosses a JSON encode/decode boundary, so payload bugs
// surface the same way they would on a network transport.
type LocalBus struct {
	mu    sync.RWMutex
	nodes map[string]*BusNode
}

func NewLocalBus() *LocalBus {
	return &LocalBus{nodes: make(map[string]*BusNode)}
}

// Join attaches a node endpoint to the bus and starts its dispatcher.
func (b *LocalBus) Join(nodeID string) *BusNode {
	node := &BusNode{
		bus:      b,
		id:       nodeID,
		handlers: make(map[MessageType]Handler),
		inbox:    make(chan envelope, busInboxDepth),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	b.nodes[nodeID] = node
	b.mu.Unlock()

	go node.dispatch()
	return node
}

// Remove detaches a node, dropping its queued messages. Later sends to
// it fail with ErrNodeUnreachable, like a crashed peer.
func (b *LocalBus) Remove(nodeID string) {
	b.mu.Lock()
	node := b.nodes[nodeID]
	delete(b.nodes, nodeID)
	b.mu.Unlock()

	if node != nil {
		node.stop()
	}
}

// Close detaches every node.
func (b *LocalBus) Close() {
	b.mu.Lock()
	nodes := b.nodes
	b.nodes = make(map[string]*BusNode)
	b.mu.Unlock()

	for _, node := range nodes {
		node.stop()
	}
}

func (b *LocalBus) lookup(nodeID string) *BusNode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nodes[nodeID]
}

// peers returns every node id except self, in map order.
func (b *LocalBus) peers(self string) []*BusNode {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*BusNode, 0, len(b.nodes))
	for id, node := range b.nodes {
		if id != self {
			out = append(out, node)
		}
	}
	return out
}

// BusNode is one endpoint on a LocalBus. Inbound messages are
// dispatched by a single goroutine, so handlers for one node never run
// concurrently and per-sender order is preserved.
type BusNode struct {
	bus *LocalBus
	id  string

	mu       sync.RWMutex
	handlers map[MessageType]Handler

	inbox    chan envelope
	done     chan struct{}
	stopOnce sync.Once
}

// ID returns the node id this endpoint was joined with.
func (n *BusNode) ID() string { return n.id }

// Handle registers the handler for one message type, replacing any
// previous one.
func (n *BusNode) Handle(t MessageType, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[t] = h
}

// Send encodes payload and queues it on the target's inbox.
func (n *BusNode) Send(targetNodeID string, t MessageType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	target := n.bus.lookup(targetNodeID)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrNodeUnreachable, targetNodeID)
	}
	select {
	case target.inbox <- envelope{sender: n.id, typ: t, payload: data}:
		return nil
	case <-target.done:
		return fmt.Errorf("%w: %s", ErrNodeUnreachable, targetNodeID)
	}
}

// Broadcast sends payload to every other node on the bus. Individual
// failures are joined; the remaining peers still receive the message.
func (n *BusNode) Broadcast(t MessageType, payload any) error {
	var errs []error
	for _, peer := range n.bus.peers(n.id) {
		if err := n.Send(peer.id, t, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *BusNode) dispatch() {
	for {
		select {
		case <-n.done:
			return
		case env := <-n.inbox:
			n.mu.RLock()
			h := n.handlers[env.typ]
			n.mu.RUnlock()
			if h != nil {
				h(env.sender, env.payload)
			}
		}
	}
}

func (n *BusNode) stop() {
	n.stopOnce.Do(func() { close(n.done) })
}
