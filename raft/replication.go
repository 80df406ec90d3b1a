package raft

import (
	"time"

	"raftsim/logging"
)

// startHeartbeatNoLock replaces any running heartbeat loop with one bound to
// the current term.
func (rf *Raft) startHeartbeatNoLock() {
	rf.stopHeartbeatNoLock()
	if !rf.running {
		return
	}
	stop := make(chan struct{})
	rf.heartbeatStop = stop
	go rf.replicateTicker(rf.currentTerm, stop)
}

func (rf *Raft) stopHeartbeatNoLock() {
	if rf.heartbeatStop != nil {
		close(rf.heartbeatStop)
		rf.heartbeatStop = nil
	}
}

// replicateTicker sends AppendEntries to every follower right away and then
// on each heartbeat tick, until stop is closed or the peer leaves term.
func (rf *Raft) replicateTicker(term int, stop <-chan struct{}) {
	ticker := time.NewTicker(rf.heartbeatInterval)
	defer ticker.Stop()

	for {
		if ok := rf.startReplicateLogEntries(term, stop); !ok {
			return
		}

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// Leader send replicate log to peers, returns false to end its replicate ticker
func (rf *Raft) startReplicateLogEntries(term int, stop <-chan struct{}) bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	// stop may have been closed while this tick waited for the lock
	select {
	case <-stop:
		return false
	default:
	}

	if !rf.running || rf.contextChangedNoLock(term, Leader) {
		rf.logf(logging.DLeader, "Lost context, abort replication in T%d", term)
		return false
	}

	rf.broadcastAppendEntriesNoLock()
	return true
}

func (rf *Raft) broadcastAppendEntriesNoLock() {
	for _, peer := range rf.peers {
		if peer == rf.me {
			continue
		}
		rf.sendAppendEntriesNoLock(peer)
	}
}

func (rf *Raft) sendAppendEntriesNoLock(peer int) {
	next := rf.nextIndex[peer]
	if next < 1 {
		next = 1
	}
	if next > rf.log.lastIndex()+1 {
		next = rf.log.lastIndex() + 1
	}
	prevIndex := next - 1

	args := AppendEntries{
		Term:         rf.currentTerm,
		LeaderId:     rf.me,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  rf.log.termAt(prevIndex),
		Entries:      rf.log.entriesFrom(next, rf.maxBatch),
		LeaderCommit: rf.commitIndex,
	}
	rf.logf(logging.DLog, "-> S%d, Append, Args=%v", peer, args)
	if !rf.sender.Send(args, rf.me, peer) {
		rf.logf(logging.DDrop, "-> S%d, Append not sent", peer)
	}
}

// ProposeValue starts agreement on value. a leader appends it, a follower
// forwards it to the leader it knows, and with no leader known it is dropped.
func (rf *Raft) ProposeValue(value int) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.role == Leader {
		rf.logf(logging.DClient, "Leader propose value %d", value)
		rf.appendEntryNoLock(value)
		return
	}

	if rf.currentLeader == NoNode {
		rf.logf(logging.DDrop, "No leader known, drop proposal %d", value)
		return
	}

	leader := rf.currentLeader
	rf.logf(logging.DClient, "-> S%d, Forward proposal %d", leader, value)
	if !rf.sender.Send(Proposal{ClientId: rf.me, Value: value}, rf.me, leader) {
		rf.logf(logging.DDrop, "-> S%d, Proposal not sent", leader)
	}
}

// HandleProposal appends a forwarded value, or returns false if not leader.
func (rf *Raft) HandleProposal(p Proposal, sender int) bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.role != Leader {
		rf.logf(logging.DClient, "<- S%d, Not leader, ignore proposal %d", sender, p.Value)
		return false
	}

	rf.logf(logging.DClient, "<- S%d, Proposal %d", sender, p.Value)
	rf.appendEntryNoLock(p.Value)
	return true
}

func (rf *Raft) appendEntryNoLock(value int) {
	rf.log.append(LogEntry{Term: rf.currentTerm, Value: value})
	rf.logf(logging.DLeader, "Leader accept log [%d]T%d", rf.log.lastIndex(), rf.currentTerm)

	// a single node cluster is its own majority
	rf.advanceCommitIndexNoLock()
	rf.broadcastAppendEntriesNoLock()
}

// HandleAppendEntries peer receive append log entries from leader, also used for heart beat
func (rf *Raft) HandleAppendEntries(args AppendEntries, sender int) bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	rf.logf(logging.DLog2, "<- S%d, Receive log, Args=%v", sender, args)

	if args.Term < rf.currentTerm {
		rf.logf(logging.DLog2, "<- S%d, Reject log, higher term, T%d>T%d", sender, rf.currentTerm, args.Term)
		return false
	}

	if args.Term > rf.currentTerm || rf.role != Follower {
		rf.becomeFollowerNoLock(args.Term)
	}
	if rf.currentLeader != sender {
		rf.logf(logging.DLeader, "Follow leader S%d", sender)
	}
	rf.currentLeader = sender
	// ensure this follower won't start an election during this interval
	rf.resetElectionTimerNoLock()

	// check if log matched
	if args.PrevLogIndex > 0 {
		if args.PrevLogIndex > rf.log.lastIndex() {
			rf.logf(logging.DLog2, "<- S%d, Reject log, Follower log is too short, Last:%d < Prev:%d", sender, rf.log.lastIndex(), args.PrevLogIndex)
			return false
		}
		if term := rf.log.termAt(args.PrevLogIndex); term != args.PrevLogTerm {
			rf.logf(logging.DLog2, "<- S%d, Reject log, Follower log term not matched, [%d]T%d != T%d", sender, args.PrevLogIndex, term, args.PrevLogTerm)
			rf.truncateNoLock(args.PrevLogIndex)
			return false
		}
	}

	for i, entry := range args.Entries {
		index := args.PrevLogIndex + 1 + i
		if index <= rf.log.lastIndex() {
			if rf.log.termAt(index) == entry.Term {
				continue
			}
			rf.truncateNoLock(index)
		}
		rf.log.append(entry)
	}
	if len(args.Entries) > 0 {
		rf.logf(logging.DLog2, "Follower append logs: (%d, %d], log=%v", args.PrevLogIndex, args.PrevLogIndex+len(args.Entries), rf.log)
	}

	// leader asks to update commit index, bounded by what this request proved matches
	if args.LeaderCommit > rf.commitIndex {
		commit := min(args.LeaderCommit, args.PrevLogIndex+len(args.Entries))
		if commit > rf.commitIndex {
			rf.logf(logging.DCommit, "Follower update commit index %d->%d", rf.commitIndex, commit)
			rf.commitIndex = commit
			rf.applyCommittedNoLock()
		}
	}
	return true
}

// truncateNoLock never cuts into committed entries.
func (rf *Raft) truncateNoLock(index int) {
	if index <= rf.commitIndex {
		rf.logf(logging.DError, "Refuse to truncate committed log at %d, commit index %d", index, rf.commitIndex)
		return
	}
	rf.logf(logging.DLog2, "Truncate log from %d, last was %d", index, rf.log.lastIndex())
	rf.log.truncateFrom(index)
}

// HandleAppendEntriesResponse moves the follower's indexes and reports
// whether the response was acted on.
func (rf *Raft) HandleAppendEntriesResponse(resp AppendEntriesResponse, sender int) bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if resp.Term > rf.currentTerm {
		rf.becomeFollowerNoLock(resp.Term)
		return false
	}

	if rf.role != Leader {
		rf.logf(logging.DLog, "<- S%d, Ignore append reply as %s", sender, rf.role)
		return false
	}

	// late reply to an earlier term's request
	if resp.Term < rf.currentTerm {
		rf.logf(logging.DLog, "<- S%d, Ignore stale append reply T%d", sender, resp.Term)
		return false
	}

	if _, ok := rf.nextIndex[sender]; !ok {
		rf.logf(logging.DWarn, "<- S%d, Append reply from unknown peer", sender)
		return false
	}

	if resp.Success {
		rf.matchIndex[sender] = resp.LastLogIndex
		rf.nextIndex[sender] = resp.LastLogIndex + 1
		rf.logf(logging.DLog, "<- S%d, Append ok, match=%d", sender, resp.LastLogIndex)
		rf.advanceCommitIndexNoLock()
		return true
	}

	// probe one entry further back
	prevNext := rf.nextIndex[sender]
	rf.nextIndex[sender] = max(1, prevNext-1)
	rf.logf(logging.DLog, "<- S%d, Log not match, next %d->%d", sender, prevNext, rf.nextIndex[sender])
	rf.sendAppendEntriesNoLock(sender)
	return true
}
