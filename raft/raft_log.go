package raft

import "fmt"

// raftLog is index addressed; index 0 holds a sentinel {Term: 0} that is never applied.
type raftLog struct {
	entries []LogEntry
}

func newRaftLog() *raftLog {
	return &raftLog{entries: []LogEntry{{Term: 0}}}
}

func (l *raftLog) lastIndex() int {
	return len(l.entries) - 1
}

func (l *raftLog) lastTerm() int {
	return l.entries[len(l.entries)-1].Term
}

// termAt returns 0 for indices outside the log.
func (l *raftLog) termAt(index int) int {
	if index < 0 || index > l.lastIndex() {
		return 0
	}
	return l.entries[index].Term
}

func (l *raftLog) at(index int) LogEntry {
	if index < 0 || index > l.lastIndex() {
		panic(fmt.Sprintf("index:%d is out of range [0, %d]", index, l.lastIndex()))
	}
	return l.entries[index]
}

func (l *raftLog) append(entry LogEntry) {
	l.entries = append(l.entries, entry)
}

// truncateFrom drops index and everything after it. The sentinel always stays.
func (l *raftLog) truncateFrom(index int) {
	if index < 1 {
		index = 1
	}
	if index > l.lastIndex() {
		return
	}
	l.entries = l.entries[:index]
}

// entriesFrom copies at most limit entries starting at index.
func (l *raftLog) entriesFrom(index, limit int) []LogEntry {
	if index < 1 {
		index = 1
	}
	if index > l.lastIndex() {
		return nil
	}
	end := len(l.entries)
	if limit > 0 && index+limit < end {
		end = index + limit
	}
	return append([]LogEntry(nil), l.entries[index:end]...)
}

// print out raft log's term ranges, e.g. " [0, 0]T0 [1, 3]T2"
func (l *raftLog) String() string {
	var info string
	prevTerm := l.entries[0].Term
	prevStart := 0
	for i := 1; i < len(l.entries); i++ {
		if l.entries[i].Term != prevTerm {
			info += fmt.Sprintf(" [%d, %d]T%d", prevStart, i-1, prevTerm)
			prevTerm = l.entries[i].Term
			prevStart = i
		}
	}
	info += fmt.Sprintf(" [%d, %d]T%d", prevStart, l.lastIndex(), prevTerm)
	return info
}
