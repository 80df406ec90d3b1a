package node

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"raftsim/logging"
	"raftsim/network"
	"raftsim/raft"
)

var (
	ErrNilConsensus = errors.New("node: nil consensus")
	ErrNilTransport = errors.New("node: nil transport")
	ErrNilLogger    = errors.New("node: nil logger")
)

const traceTimeLayout = "2006-01-02 15:04:05.000"

// Consensus is the state machine a Node drives, implemented by *raft.Raft.
type Consensus interface {
	Start()
	Stop()
	Running() bool
	ProposeValue(value int)

	HandleRequestVote(args raft.RequestVote, sender int) bool
	HandleVoteResponse(resp raft.VoteResponse, sender int) bool
	HandleAppendEntries(args raft.AppendEntries, sender int) bool
	HandleAppendEntriesResponse(resp raft.AppendEntriesResponse, sender int) bool
	HandleProposal(p raft.Proposal, sender int) bool

	State() raft.NodeState
	CurrentTerm() int
	CurrentValue() int
	CurrentLeader() (int, bool)
}

// Transport is the network a Node is attached to, implemented by *network.Simulator.
type Transport interface {
	RegisterNode(node network.Receiver)
	Send(msg raft.Message, from, to int) bool
	SimulatePartition(id int, peers []int)
	HealPartition(id int)
}

// Node binds one consensus instance to the shared transport and keeps a
// timestamped trace of what happened to it.
type Node struct {
	id        int
	consensus Consensus
	transport Transport
	logger    logging.Logger

	mu        sync.Mutex
	neighbors map[int]struct{}
	trace     []string
}

// New creates the node and registers it with transport.
func New(id int, consensus Consensus, transport Transport, logger logging.Logger) (*Node, error) {
	if consensus == nil {
		return nil, ErrNilConsensus
	}
	if transport == nil {
		return nil, ErrNilTransport
	}
	if logger == nil {
		return nil, ErrNilLogger
	}

	n := &Node{
		id:        id,
		consensus: consensus,
		transport: transport,
		logger:    logger,
		neighbors: make(map[int]struct{}),
	}
	transport.RegisterNode(n)
	return n, nil
}

func (n *Node) ID() int {
	return n.id
}

func (n *Node) State() raft.NodeState {
	return n.consensus.State()
}

func (n *Node) CurrentValue() int {
	return n.consensus.CurrentValue()
}

func (n *Node) CurrentTerm() int {
	return n.consensus.CurrentTerm()
}

func (n *Node) CurrentLeader() (int, bool) {
	return n.consensus.CurrentLeader()
}

func (n *Node) Running() bool {
	return n.consensus.Running()
}

func (n *Node) Start() {
	n.logf("Node %d starting", n.id)
	n.consensus.Start()
}

func (n *Node) Stop() {
	n.logf("Node %d stopping", n.id)
	n.consensus.Stop()
}

// AddNeighbor records a known peer. A node is never its own neighbor.
func (n *Node) AddNeighbor(id int) {
	if id == n.id {
		return
	}

	n.mu.Lock()
	_, known := n.neighbors[id]
	n.neighbors[id] = struct{}{}
	n.mu.Unlock()

	if !known {
		n.logf("Added neighbor: Node %d", id)
	}
}

func (n *Node) RemoveNeighbor(id int) {
	n.mu.Lock()
	_, known := n.neighbors[id]
	delete(n.neighbors, id)
	n.mu.Unlock()

	if known {
		n.logf("Removed neighbor: Node %d", id)
	}
}

// Neighbors returns the known peers in ascending order.
func (n *Node) Neighbors() []int {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]int, 0, len(n.neighbors))
	for id := range n.neighbors {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func (n *Node) ProposeState(value int) {
	n.logf("Proposing state: %d", value)
	n.consensus.ProposeValue(value)
}

func (n *Node) SimulatePartition(peers []int) {
	n.logf("Simulating partition from nodes: %s", joinIDs(peers))
	n.transport.SimulatePartition(n.id, peers)
}

func (n *Node) HealPartition() {
	n.logf("Healing all partitions")
	n.transport.HealPartition(n.id)
}

// RetrieveLog returns a copy of the activity trace, oldest line first.
func (n *Node) RetrieveLog() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.trace...)
}

// ReceiveMessage is called by the transport for every delivered message.
// RequestVote and AppendEntries are answered; a failing handler is logged
// and never escapes.
func (n *Node) ReceiveMessage(msg raft.Message, from int) {
	if msg == nil {
		n.logf("Dropped empty message from Node %d", from)
		return
	}
	if !n.consensus.Running() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			n.logf("Error handling %s from Node %d: %v", msg.Kind(), from, r)
		}
	}()

	n.logf("Received %s message from Node %d", msg.Kind(), from)

	switch m := msg.(type) {
	case raft.RequestVote:
		granted := n.consensus.HandleRequestVote(m, from)
		n.reply(raft.VoteResponse{Term: n.consensus.CurrentTerm(), VoteGranted: granted}, from)
	case raft.VoteResponse:
		n.consensus.HandleVoteResponse(m, from)
	case raft.AppendEntries:
		success := n.consensus.HandleAppendEntries(m, from)
		lastLogIndex := 0
		if success {
			lastLogIndex = m.PrevLogIndex + len(m.Entries)
		}
		n.reply(raft.AppendEntriesResponse{
			Term:         n.consensus.CurrentTerm(),
			Success:      success,
			LastLogIndex: lastLogIndex,
		}, from)
	case raft.AppendEntriesResponse:
		n.consensus.HandleAppendEntriesResponse(m, from)
	case raft.Proposal:
		n.consensus.HandleProposal(m, from)
	default:
		n.logf("Unknown message type: %s", msg.Kind())
	}
}

func (n *Node) reply(msg raft.Message, to int) {
	if !n.transport.Send(msg, n.id, to) {
		n.logf("%s to Node %d not sent", msg.Kind(), to)
	}
}

// logf appends to the trace and forwards to the sink. It reads the
// consensus observers, so it must not be called while the consensus
// holds its own lock.
func (n *Node) logf(format string, a ...interface{}) {
	line := fmt.Sprintf("[%s] [Node %d] [Term %d] [State %s] %s",
		time.Now().Format(traceTimeLayout), n.id,
		n.consensus.CurrentTerm(), n.consensus.State(),
		fmt.Sprintf(format, a...))

	n.mu.Lock()
	n.trace = append(n.trace, line)
	n.mu.Unlock()

	n.logger.Log(line)
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
