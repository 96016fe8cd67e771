package framework

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// Cluster assembles several in-process nodes and wires their registries by
// hand. Tests decide who sees whom: there is no broadcast medium here, so
// a node only learns about a peer through an explicit Connect or Observe.
type Cluster struct {
	t     testing.TB
	Nodes []*Node
}

// NewCluster builds count stopped nodes from one shared config. Nodes are
// named till-1, till-2, ... unless the config names them, in which case the
// name becomes a prefix.
func NewCluster(t testing.TB, count int, cfg NodeConfig) *Cluster {
	t.Helper()

	prefix := cfg.Name
	if prefix == "" {
		prefix = "till"
	}
	c := &Cluster{t: t}
	for i := 0; i < count; i++ {
		nodeCfg := cfg
		nodeCfg.Name = fmt.Sprintf("%s-%d", prefix, i+1)
		c.Nodes = append(c.Nodes, NewNode(t, nodeCfg))
	}
	return c
}

// Start launches every node. Endpoints are only valid afterward, so
// Connect must follow Start, never precede it.
func (c *Cluster) Start(ctx context.Context) {
	c.t.Helper()
	for _, n := range c.Nodes {
		if err := n.Start(ctx); err != nil {
			c.t.Fatalf("start %s: %v", n.Name, err)
		}
	}
}

// Connect introduces every pair of nodes to each other with a fresh
// announcement, forming a full mesh.
func (c *Cluster) Connect() {
	now := time.Now()
	for i, a := range c.Nodes {
		for _, b := range c.Nodes[i+1:] {
			a.Observe(b, now)
			b.Observe(a, now)
		}
	}
}

// ConnectPair introduces exactly two nodes to each other.
func (c *Cluster) ConnectPair(a, b *Node) {
	now := time.Now()
	a.Observe(b, now)
	b.Observe(a, now)
}

// Isolate cuts a node off by backdating its announcements everywhere: the
// rest of the cluster last heard from it long ago, and it last heard from
// them long ago. Sync cycles toward a stale peer are skipped, so the
// effect is the same as yanking the network cable, without touching the
// listener.
func (c *Cluster) Isolate(target *Node) {
	stale := time.Now().Add(-staleAge)
	for _, n := range c.Nodes {
		if n == target {
			continue
		}
		n.Observe(target, stale)
		target.Observe(n, stale)
	}
}

// Heal reintroduces an isolated node with fresh announcements in both
// directions.
func (c *Cluster) Heal(target *Node) {
	now := time.Now()
	for _, n := range c.Nodes {
		if n == target {
			continue
		}
		n.Observe(target, now)
		target.Observe(n, now)
	}
}
