package raft

import "time"

// NoNode marks an unset node id (no vote cast, no leader known).
const NoNode = -1

type NodeState byte

const (
	Follower NodeState = iota
	Candidate
	Leader
)

func (s NodeState) String() string {
	switch s {
	case Leader:
		return "Leader"
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	default:
		return "Unknown"
	}
}

const (
	electionTimeoutMin = 150 * time.Millisecond
	electionTimeoutMax = 300 * time.Millisecond
	heartbeatInterval  = 50 * time.Millisecond

	// cap on entries carried by a single AppendEntries
	maxBatchEntries = 100
)
