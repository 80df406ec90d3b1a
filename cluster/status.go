package cluster

import (
	"fmt"
	"strings"

	"raftsim/node"
)

// StatusLine renders one node as
// "Node 2 [LEADER]: Value = 3, Term = 4, Leader: Node 2".
func StatusLine(n *node.Node) string {
	leader := "No leader"
	if id, ok := n.CurrentLeader(); ok {
		leader = fmt.Sprintf("Node %d", id)
	}
	return fmt.Sprintf("Node %d [%s]: Value = %d, Term = %d, Leader: %s",
		n.ID(), strings.ToUpper(n.State().String()), n.CurrentValue(), n.CurrentTerm(), leader)
}

// Status returns one StatusLine per node in configuration order.
func (c *Cluster) Status() []string {
	lines := make([]string, len(c.nodes))
	for i, n := range c.nodes {
		lines[i] = StatusLine(n)
	}
	return lines
}
