package cluster

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"raftsim/config"
	"raftsim/logging"
	"raftsim/network"
	"raftsim/node"
	"raftsim/raft"
)

// how often waiters look at node state
const pollInterval = 10 * time.Millisecond

// Cluster is a set of nodes sharing one simulated network.
type Cluster struct {
	cfg    config.Config
	logger logging.Logger
	sim    *network.Simulator
	nodes  []*node.Node // in configuration order
	byID   map[int]*node.Node
}

// New builds every node of cfg on a fresh simulator. Nothing runs until Start.
func New(cfg config.Config, logger logging.Logger) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sim, err := network.NewSimulator(cfg.Network(), logger)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		cfg:    cfg,
		logger: logger,
		sim:    sim,
		byID:   make(map[int]*node.Node, len(cfg.NodeIds)),
	}
	for _, id := range cfg.NodeIds {
		rf, err := raft.NewRaft(cfg.Raft(id), sim, logger)
		if err != nil {
			sim.Shutdown()
			return nil, fmt.Errorf("node %d: %w", id, err)
		}
		n, err := node.New(id, rf, sim, logger)
		if err != nil {
			sim.Shutdown()
			return nil, fmt.Errorf("node %d: %w", id, err)
		}
		c.nodes = append(c.nodes, n)
		c.byID[id] = n
	}
	return c, nil
}

func (c *Cluster) Simulator() *network.Simulator {
	return c.sim
}

// Nodes returns the nodes in configuration order.
func (c *Cluster) Nodes() []*node.Node {
	return append([]*node.Node(nil), c.nodes...)
}

func (c *Cluster) Node(id int) (*node.Node, bool) {
	n, ok := c.byID[id]
	return n, ok
}

// Connect makes every node a neighbor of every other.
func (c *Cluster) Connect() {
	for _, n := range c.nodes {
		for _, other := range c.nodes {
			n.AddNeighbor(other.ID())
		}
	}
}

func (c *Cluster) Start() {
	for _, n := range c.nodes {
		n.Start()
	}
}

// Stop halts all nodes in parallel and then the network.
func (c *Cluster) Stop() error {
	var g errgroup.Group
	for _, n := range c.nodes {
		n := n
		g.Go(func() error {
			n.Stop()
			if n.Running() {
				return fmt.Errorf("node %d still running", n.ID())
			}
			return nil
		})
	}
	err := g.Wait()
	c.sim.Shutdown()
	return err
}

// Leader returns the running leader of the highest term, if any.
func (c *Cluster) Leader() (*node.Node, bool) {
	var leader *node.Node
	for _, n := range c.nodes {
		if !n.Running() || n.State() != raft.Leader {
			continue
		}
		if leader == nil || n.CurrentTerm() > leader.CurrentTerm() {
			leader = n
		}
	}
	return leader, leader != nil
}

// WaitForLeader blocks until one of ids leads and every other node of ids
// follows it. No ids means all running nodes.
func (c *Cluster) WaitForLeader(ctx context.Context, ids ...int) (*node.Node, error) {
	group, err := c.group(ids)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if leader, ok := agreedLeader(group); ok {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no agreed leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func agreedLeader(group []*node.Node) (*node.Node, bool) {
	var leader *node.Node
	for _, n := range group {
		if n.State() != raft.Leader {
			continue
		}
		if leader != nil {
			return nil, false
		}
		leader = n
	}
	if leader == nil {
		return nil, false
	}
	term := leader.CurrentTerm()
	for _, n := range group {
		id, ok := n.CurrentLeader()
		if !ok || id != leader.ID() || n.CurrentTerm() != term {
			return nil, false
		}
	}
	return leader, true
}

// WaitForValue blocks until every node of ids reports value. No ids means all nodes.
func (c *Cluster) WaitForValue(ctx context.Context, value int, ids ...int) error {
	group, err := c.group(ids)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, n := range group {
		n := n
		g.Go(func() error {
			ticker := time.NewTicker(pollInterval)
			defer ticker.Stop()
			for n.CurrentValue() != value {
				select {
				case <-ctx.Done():
					return fmt.Errorf("node %d has value %d, want %d: %w", n.ID(), n.CurrentValue(), value, ctx.Err())
				case <-ticker.C:
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// ProposeUntil proposes value at node id, again every retry, until every
// node of ids holds it. No ids means all running nodes. A proposal made
// while no leader is known is dropped.
func (c *Cluster) ProposeUntil(ctx context.Context, id, value int, retry time.Duration, ids ...int) error {
	n, ok := c.Node(id)
	if !ok {
		return fmt.Errorf("unknown node %d", id)
	}

	for {
		n.ProposeState(value)

		attempt, cancel := context.WithTimeout(ctx, retry)
		err := c.WaitForValue(attempt, value, ids...)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("value %d not agreed: %w", value, ctx.Err())
		}
	}
}

// Converged reports whether all nodes hold value.
func (c *Cluster) Converged(value int) bool {
	for _, n := range c.nodes {
		if n.CurrentValue() != value {
			return false
		}
	}
	return true
}

func (c *Cluster) group(ids []int) ([]*node.Node, error) {
	if len(ids) == 0 {
		var running []*node.Node
		for _, n := range c.nodes {
			if n.Running() {
				running = append(running, n)
			}
		}
		return running, nil
	}

	group := make([]*node.Node, 0, len(ids))
	for _, id := range ids {
		n, ok := c.byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown node %d", id)
		}
		group = append(group, n)
	}
	return group, nil
}
