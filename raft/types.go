package raft

import (
	"fmt"

	"raftsim/encoding"
)

type LogEntry struct {
	Term  int
	Value int
}

// Message is the closed set of protocol messages exchanged between nodes:
// RequestVote, VoteResponse, AppendEntries, AppendEntriesResponse and Proposal.
type Message interface {
	Kind() string
	isMessage()
}

// RequestVote Invoked by candidate to gather votes
type RequestVote struct {
	Term         int
	CandidateId  int
	LastLogIndex int
	LastLogTerm  int
}

type VoteResponse struct {
	Term        int
	VoteGranted bool
}

// AppendEntries Invoked by leader to replicate log entries
// And also used for heart beat
type AppendEntries struct {
	Term         int
	LeaderId     int
	PrevLogIndex int // Get from leader's nextIndex
	PrevLogTerm  int
	Entries      []LogEntry
	LeaderCommit int // leader's commit index
}

type AppendEntriesResponse struct {
	Term    int
	Success bool
	// last index the follower holds in agreement with the leader, 0 on failure
	LastLogIndex int
}

// Proposal carries a value from a non-leader to the leader it knows.
type Proposal struct {
	ClientId int
	Value    int
}

func (RequestVote) Kind() string           { return "RequestVote" }
func (VoteResponse) Kind() string          { return "VoteResponse" }
func (AppendEntries) Kind() string         { return "AppendEntries" }
func (AppendEntriesResponse) Kind() string { return "AppendEntriesResponse" }
func (Proposal) Kind() string              { return "Proposal" }

func (RequestVote) isMessage()           {}
func (VoteResponse) isMessage()          {}
func (AppendEntries) isMessage()         {}
func (AppendEntriesResponse) isMessage() {}
func (Proposal) isMessage()              {}

func (rv RequestVote) String() string {
	return fmt.Sprintf("Candidate-%d, T%d, Last:[%d]T%d", rv.CandidateId, rv.Term, rv.LastLogIndex, rv.LastLogTerm)
}

func (ae AppendEntries) String() string {
	return fmt.Sprintf("Leader-%d, T%d, Prev Log:T%d, (%d, %d], CommitIdx: %d",
		ae.LeaderId, ae.Term,
		ae.PrevLogTerm, ae.PrevLogIndex, ae.PrevLogIndex+len(ae.Entries),
		ae.LeaderCommit)
}

func (aer AppendEntriesResponse) String() string {
	return fmt.Sprintf("T%d, Success: %v, Last: %d", aer.Term, aer.Success, aer.LastLogIndex)
}

func init() {
	// messages travel as interface values through the simulated network
	encoding.Register(RequestVote{})
	encoding.Register(VoteResponse{})
	encoding.Register(AppendEntries{})
	encoding.Register(AppendEntriesResponse{})
	encoding.Register(Proposal{})
}
