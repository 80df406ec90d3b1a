package raft

// raft
// a single Raft peer driven entirely by messages. it never talks to the
// network directly: outbound traffic goes through a Sender and inbound
// traffic arrives through the Handle* methods.
//
// rf, err = NewRaft(cfg, sender, logger)
//   create a new Raft peer, timers not yet armed.
// rf.Start() / rf.Stop()
//   arm or disarm the election and heartbeat timers.
// rf.ProposeValue(v)
//   ask the cluster to agree on v.
// rf.CurrentValue()
//   the value of the last applied entry.

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"raftsim/logging"
)

// Sender delivers a message from one node to another. It returns false when
// the message was dropped before being queued.
type Sender interface {
	Send(msg Message, from, to int) bool
}

type Config struct {
	ID    int
	Peers []int // every node id in the cluster, ID included

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	MaxBatchEntries    int

	// source of election jitter, seeded from the clock when nil
	Rand *rand.Rand
}

// DefaultConfig returns the standard timings for node id in a cluster of peers.
func DefaultConfig(id int, peers []int) Config {
	return Config{
		ID:                 id,
		Peers:              peers,
		ElectionTimeoutMin: electionTimeoutMin,
		ElectionTimeoutMax: electionTimeoutMax,
		HeartbeatInterval:  heartbeatInterval,
		MaxBatchEntries:    maxBatchEntries,
	}
}

func (c Config) withDefaults() Config {
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = electionTimeoutMin
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = electionTimeoutMax
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.MaxBatchEntries == 0 {
		c.MaxBatchEntries = maxBatchEntries
	}
	return c
}

func (c Config) validate() error {
	if c.ID < 0 {
		return fmt.Errorf("%w: negative node id %d", ErrInvalidConfig, c.ID)
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("%w: election timeout range [%v, %v]", ErrInvalidConfig, c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval %v", ErrInvalidConfig, c.HeartbeatInterval)
	}
	if c.MaxBatchEntries < 0 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidConfig, c.MaxBatchEntries)
	}
	seen := make(map[int]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if p < 0 {
			return fmt.Errorf("%w: negative node id %d", ErrInvalidConfig, p)
		}
		if _, ok := seen[p]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateID, p)
		}
		seen[p] = struct{}{}
	}
	if _, ok := seen[c.ID]; !ok {
		return fmt.Errorf("%w: %d not in %v", ErrSelfNotMember, c.ID, c.Peers)
	}
	return nil
}

// Raft A Go object implementing a single Raft peer.
type Raft struct {
	mu     sync.Mutex // Lock to protect shared access to this peer's state
	me     int
	peers  []int // sorted ids of all peers, me included
	sender Sender
	logger logging.Logger
	rand   *rand.Rand

	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	heartbeatInterval  time.Duration
	maxBatch           int

	running bool

	role          NodeState
	currentTerm   int
	votedFor      int // NoNode means vote for none
	currentLeader int // NoNode while unknown

	log          *raftLog
	commitIndex  int
	lastApplied  int
	currentValue int

	// leader only
	nextIndex  map[int]int
	matchIndex map[int]int

	// candidate only, voters of the current term
	votesReceived map[int]struct{}

	electionTimer *time.Timer
	electionEpoch uint64        // bumped on every re-arm, stale callbacks compare against it
	heartbeatStop chan struct{} // closed to end the running heartbeat loop
}

// NewRaft creates a follower at term 0 with an empty log. no timer fires
// until Start is called.
func NewRaft(cfg Config, sender Sender, logger logging.Logger) (*Raft, error) {
	if sender == nil {
		return nil, ErrNilSender
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	peers := append([]int(nil), cfg.Peers...)
	sort.Ints(peers)

	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.ID)))
	}

	rf := &Raft{
		me:                 cfg.ID,
		peers:              peers,
		sender:             sender,
		logger:             logger,
		rand:               r,
		electionTimeoutMin: cfg.ElectionTimeoutMin,
		electionTimeoutMax: cfg.ElectionTimeoutMax,
		heartbeatInterval:  cfg.HeartbeatInterval,
		maxBatch:           cfg.MaxBatchEntries,
		role:               Follower,
		votedFor:           NoNode,
		currentLeader:      NoNode,
		log:                newRaftLog(),
	}
	return rf, nil
}

// Start arms the timers. a peer that was leader when stopped resumes its
// heartbeats, anyone else waits for an election timeout.
func (rf *Raft) Start() {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.running {
		return
	}
	rf.running = true
	rf.logf(logging.DInfo, "Starting as %s", rf.role)

	if rf.role == Leader {
		rf.startHeartbeatNoLock()
		return
	}
	rf.resetElectionTimerNoLock()
}

// Stop cancels every timer. No callback scheduled before Stop has any effect after it.
func (rf *Raft) Stop() {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if !rf.running {
		return
	}
	rf.running = false
	rf.stopElectionTimerNoLock()
	rf.stopHeartbeatNoLock()
	rf.logf(logging.DInfo, "Stopped as %s", rf.role)
}

func (rf *Raft) Me() int {
	return rf.me
}

// Peers returns all cluster ids, this node included.
func (rf *Raft) Peers() []int {
	return append([]int(nil), rf.peers...)
}

// GetState return currentTerm and whether this server
// believes it is the leader.
func (rf *Raft) GetState() (int, bool) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	return rf.currentTerm, rf.role == Leader
}

func (rf *Raft) State() NodeState {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.role
}

func (rf *Raft) CurrentTerm() int {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.currentTerm
}

func (rf *Raft) CurrentValue() int {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.currentValue
}

// CurrentLeader reports the leader this peer believes in, ok is false when none is known.
func (rf *Raft) CurrentLeader() (int, bool) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.currentLeader, rf.currentLeader != NoNode
}

func (rf *Raft) CommitIndex() int {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.commitIndex
}

func (rf *Raft) LastApplied() int {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.lastApplied
}

func (rf *Raft) LastLogIndex() int {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.log.lastIndex()
}

// Entries copies the log without the sentinel, so Entries()[i] is index i+1.
func (rf *Raft) Entries() []LogEntry {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.log.entriesFrom(1, 0)
}

func (rf *Raft) Running() bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.running
}

// becomeFollowerNoLock steps down into term. a higher term clears the vote
// and the known leader.
func (rf *Raft) becomeFollowerNoLock(term int) bool {
	if rf.currentTerm > term {
		rf.logf(logging.DError, "Can't become follower, lower term is: %d, current term is: %d", term, rf.currentTerm)
		return false
	}

	rf.logf(logging.DTerm, "%s->follower, for T%d->T%d", rf.role, rf.currentTerm, term)

	if rf.currentTerm < term {
		rf.votedFor = NoNode
		rf.currentLeader = NoNode
	}
	rf.currentTerm = term
	rf.role = Follower
	rf.votesReceived = nil
	rf.nextIndex = nil
	rf.matchIndex = nil
	rf.stopHeartbeatNoLock()
	rf.resetElectionTimerNoLock()
	return true
}

func (rf *Raft) becomeCandidateNoLock() bool {
	if rf.role == Leader {
		rf.logf(logging.DError, "Leader can't become candidate")
		return false
	}

	rf.logf(logging.DTerm, "%s->candidate, for T%d", rf.role, rf.currentTerm+1)

	rf.currentTerm++
	rf.role = Candidate
	rf.votedFor = rf.me
	rf.currentLeader = NoNode
	rf.votesReceived = map[int]struct{}{rf.me: {}}
	return true
}

func (rf *Raft) becomeLeaderNoLock() bool {
	if rf.role != Candidate {
		rf.logf(logging.DError, "Only candidate can become leader")
		return false
	}

	rf.logf(logging.DLeader, "Leader, for T%d with %d votes", rf.currentTerm, len(rf.votesReceived))

	rf.role = Leader
	rf.currentLeader = rf.me
	rf.votesReceived = nil

	rf.nextIndex = make(map[int]int, len(rf.peers))
	rf.matchIndex = make(map[int]int, len(rf.peers))
	for _, peer := range rf.peers {
		if peer == rf.me {
			continue
		}
		rf.nextIndex[peer] = rf.log.lastIndex() + 1
		rf.matchIndex[peer] = 0
	}

	rf.stopElectionTimerNoLock()
	rf.startHeartbeatNoLock()
	return true
}

// To check context if other raft send request to change current raft context, and it's approved by cur raft
func (rf *Raft) contextChangedNoLock(term int, role NodeState) bool {
	return rf.currentTerm != term || rf.role != role
}

func (rf *Raft) isMajorityNoLock(count int) bool {
	return count > len(rf.peers)/2
}
