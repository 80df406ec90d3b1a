package cluster

import (
	"fmt"

	"raftsim/node"
)

// Step is one action of the demonstration scenario. Value is what every
// node should hold once the step has settled.
type Step struct {
	Title       string
	Description string
	Value       int
	Run         func()
}

// Scenario walks the cluster through proposals from two nodes, a partition
// between the last and the first node, a proposal the majority still
// commits, and the heal. Every node ends with value 3.
func (c *Cluster) Scenario() []Step {
	first, second, last := c.at(0), c.at(1), c.at(len(c.nodes)-1)

	return []Step{
		{
			Title: fmt.Sprintf("STEP 1: Node %d proposes state 1", first.ID()),
			Value: 1,
			Run:   func() { first.ProposeState(1) },
		},
		{
			Title: fmt.Sprintf("STEP 2: Node %d proposes state 2", second.ID()),
			Value: 2,
			Run:   func() { second.ProposeState(2) },
		},
		{
			Title:       "STEP 3: Simulating network partition",
			Description: fmt.Sprintf("Node %d will not be able to talk to Node %d.", last.ID(), first.ID()),
			Value:       2,
			Run:         func() { last.SimulatePartition([]int{first.ID()}) },
		},
		{
			Title:       fmt.Sprintf("STEP 4: Node %d proposes state 3", second.ID()),
			Description: "This value spreads despite the partition.",
			Value:       3,
			Run:         func() { second.ProposeState(3) },
		},
		{
			Title:       "STEP 5: Healing the partition",
			Description: "Communication between all nodes is restored.",
			Value:       3,
			Run:         func() { last.HealPartition() },
		},
	}
}

// at clamps i so small clusters reuse their last node.
func (c *Cluster) at(i int) *node.Node {
	if i >= len(c.nodes) {
		i = len(c.nodes) - 1
	}
	return c.nodes[i]
}
