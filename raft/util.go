package raft

import "raftsim/logging"

// logf writes one trace line tagged with this peer and its current term.
// Callers hold rf.mu.
func (rf *Raft) logf(topic logging.Topic, format string, a ...interface{}) {
	logging.Logf(rf.logger, rf.me, rf.currentTerm, topic, format, a...)
}
