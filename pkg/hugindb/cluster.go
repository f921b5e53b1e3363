package hugindb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/orneryd/hugindb/pkg/cluster"
	"github.com/orneryd/hugindb/pkg/config"
)

// Cluster runs several engine nodes over one in-process message bus.
// Every node opened through the cluster sees the others as members, so
// subscriptions and one-shot searches fan out across all of them.
// Closing a node notifies the remaining members, which evict its
// results and tear down the subscriptions it coordinated.
type Cluster struct {
	bus *cluster.LocalBus

	mu    sync.Mutex
	nodes map[string]*DB
}

// NewCluster creates an empty cluster.
func NewCluster() *Cluster {
	return &Cluster{
		bus:   cluster.NewLocalBus(),
		nodes: make(map[string]*DB),
	}
}

// Open opens a node like the package-level Open and joins it to the
// cluster. Node ids must be unique within the cluster; an empty
// cfg.Node.ID gets a generated one.
func (c *Cluster) Open(dataDir string, cfg *config.Config) (*DB, error) {
	db, err := open(dataDir, cfg, c.bus)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.nodes[db.nodeID]; dup {
		c.bus.Remove(db.nodeID)
		_ = db.Close()
		return nil, fmt.Errorf("hugindb: duplicate node id %q", db.nodeID)
	}
	joined := cluster.Member{ID: db.nodeID, Addr: db.cfg.Node.BindAddr}
	for _, peer := range c.nodes {
		peer.membership.MemberJoined(joined)
		db.membership.MemberJoined(cluster.Member{ID: peer.nodeID, Addr: peer.cfg.Node.BindAddr})
	}
	c.nodes[db.nodeID] = db
	db.onClose = func() { c.drop(db.nodeID) }
	return db, nil
}

// Nodes returns the open members, sorted by node id.
func (c *Cluster) Nodes() []*DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	nodes := make([]*DB, 0, len(c.nodes))
	for _, db := range c.nodes {
		nodes = append(nodes, db)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].nodeID < nodes[j].nodeID })
	return nodes
}

// Close closes every node still open, then the bus itself.
func (c *Cluster) Close() error {
	var errs []error
	for _, db := range c.Nodes() {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.bus.Close()
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// drop removes a closing node from the bus and tells the remaining
// members it left.
func (c *Cluster) drop(nodeID string) {
	c.mu.Lock()
	delete(c.nodes, nodeID)
	peers := make([]*DB, 0, len(c.nodes))
	for _, peer := range c.nodes {
		peers = append(peers, peer)
	}
	c.mu.Unlock()

	c.bus.Remove(nodeID)
	for _, peer := range peers {
		peer.membership.MemberLeft(nodeID)
	}
}
