package raft

import "raftsim/logging"

// advanceCommitIndexNoLock walks forward from commitIndex. entries of older
// terms are skipped and only commit when a later entry of the current term
// reaches a majority.
func (rf *Raft) advanceCommitIndexNoLock() {
	if rf.role != Leader {
		return
	}

	commit := rf.commitIndex
	for index := rf.commitIndex + 1; index <= rf.log.lastIndex(); index++ {
		if rf.log.termAt(index) != rf.currentTerm {
			continue
		}

		replicas := 1
		for peer, match := range rf.matchIndex {
			if peer != rf.me && match >= index {
				replicas++
			}
		}
		if !rf.isMajorityNoLock(replicas) {
			break
		}
		commit = index
	}

	if commit > rf.commitIndex {
		rf.logf(logging.DCommit, "Leader update the commit index %d -> %d", rf.commitIndex, commit)
		rf.commitIndex = commit
		rf.applyCommittedNoLock()
	}
}

func (rf *Raft) applyCommittedNoLock() {
	if rf.lastApplied >= rf.commitIndex {
		return
	}
	from := rf.lastApplied + 1
	for rf.lastApplied < rf.commitIndex {
		rf.lastApplied++
		rf.currentValue = rf.log.at(rf.lastApplied).Value
	}
	rf.logf(logging.DApply, "Apply log for [%d, %d], value=%d", from, rf.lastApplied, rf.currentValue)
}
