package raft

import (
	"time"

	"raftsim/logging"
)

func (rf *Raft) randomElectionTimeoutNoLock() time.Duration {
	spread := int64(rf.electionTimeoutMax - rf.electionTimeoutMin)
	if spread <= 0 {
		return rf.electionTimeoutMin
	}
	return rf.electionTimeoutMin + time.Duration(rf.rand.Int63n(spread+1))
}

// resetElectionTimerNoLock re-arms the single shot election timer with a
// fresh random timeout. Nothing is armed while stopped.
func (rf *Raft) resetElectionTimerNoLock() {
	rf.stopElectionTimerNoLock()
	if !rf.running {
		return
	}
	epoch := rf.electionEpoch
	timeout := rf.randomElectionTimeoutNoLock()
	rf.electionTimer = time.AfterFunc(timeout, func() {
		rf.electionTimeout(epoch)
	})
}

func (rf *Raft) stopElectionTimerNoLock() {
	rf.electionEpoch++
	if rf.electionTimer != nil {
		rf.electionTimer.Stop()
		rf.electionTimer = nil
	}
}

func (rf *Raft) electionTimeout(epoch uint64) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	// a timer that was re-armed or cancelled after it fired
	if !rf.running || epoch != rf.electionEpoch {
		return
	}
	if rf.role == Leader {
		return
	}
	rf.logf(logging.DTimer, "Election timeout as %s", rf.role)
	rf.startElectionNoLock()
}

func (rf *Raft) startElectionNoLock() {
	if !rf.becomeCandidateNoLock() {
		return
	}

	args := RequestVote{
		Term:         rf.currentTerm,
		CandidateId:  rf.me,
		LastLogIndex: rf.log.lastIndex(),
		LastLogTerm:  rf.log.lastTerm(),
	}
	for _, peer := range rf.peers {
		if peer == rf.me {
			continue
		}
		rf.logf(logging.DVote, "-> S%d, AskVote, Args=%v", peer, args)
		if !rf.sender.Send(args, rf.me, peer) {
			rf.logf(logging.DDrop, "-> S%d, AskVote not sent", peer)
		}
	}
	rf.resetElectionTimerNoLock()

	// a cluster of one elects itself
	if rf.isMajorityNoLock(len(rf.votesReceived)) {
		rf.becomeLeaderNoLock()
	}
}

// check if candidate is as least up-to-date as current raft
func (rf *Raft) isMoreUpToDateNoLock(candidateTerm, candidateIndex int) bool {
	lastIndex, lastTerm := rf.log.lastIndex(), rf.log.lastTerm()

	rf.logf(logging.DVote, "Compare last log, Me: [%d]T%d, Candidate: [%d]T%d", lastIndex, lastTerm, candidateIndex, candidateTerm)
	if candidateTerm != lastTerm {
		return candidateTerm > lastTerm
	}
	return candidateIndex >= lastIndex
}

// HandleRequestVote decides whether to grant sender a vote. the caller
// replies with the returned grant and the current term afterwards.
func (rf *Raft) HandleRequestVote(args RequestVote, sender int) bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if args.Term < rf.currentTerm {
		rf.logf(logging.DVote, "-> S%d, Reject vote, higher term, T%d>T%d", sender, rf.currentTerm, args.Term)
		return false
	}

	if args.Term > rf.currentTerm {
		rf.becomeFollowerNoLock(args.Term)
	}

	if rf.votedFor != NoNode && rf.votedFor != sender {
		rf.logf(logging.DVote, "-> S%d, Reject vote, already voted S%d", sender, rf.votedFor)
		return false
	}

	if !rf.isMoreUpToDateNoLock(args.LastLogTerm, args.LastLogIndex) {
		rf.logf(logging.DVote, "-> S%d, Reject vote, candidate log is stale", sender)
		return false
	}

	rf.votedFor = sender
	rf.resetElectionTimerNoLock()
	rf.logf(logging.DVote, "-> S%d, Vote granted", sender)
	return true
}

// HandleVoteResponse tallies a vote and reports whether it was counted.
func (rf *Raft) HandleVoteResponse(resp VoteResponse, sender int) bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if resp.Term > rf.currentTerm {
		rf.becomeFollowerNoLock(resp.Term)
		return false
	}

	if rf.role != Candidate {
		rf.logf(logging.DVote, "<- S%d, Ignore vote response as %s", sender, rf.role)
		return false
	}

	if resp.Term != rf.currentTerm || !resp.VoteGranted {
		rf.logf(logging.DVote, "<- S%d, Vote not counted, T%d granted=%v", sender, resp.Term, resp.VoteGranted)
		return false
	}

	rf.votesReceived[sender] = struct{}{}
	rf.logf(logging.DVote, "<- S%d, Vote counted, %d/%d", sender, len(rf.votesReceived), len(rf.peers))
	if rf.isMajorityNoLock(len(rf.votesReceived)) {
		rf.becomeLeaderNoLock()
	}
	return true
}
