package network

import (
	"github.com/google/btree"

	"raftsim/logging"
)

// partitionSet is the ordered set of peers a node can't exchange messages with.
type partitionSet = btree.BTreeG[int]

func newPartitionSet() *partitionSet {
	return btree.NewOrderedG[int](2)
}

// blockedNoLock reports whether from and to are split. Sets are kept
// symmetric, so checking one side is enough.
func (s *Simulator) blockedNoLock(from, to int) bool {
	set, ok := s.partitions[from]
	if !ok {
		return false
	}
	return set.Has(to)
}

// SimulatePartition cuts id off from every registered peer in peers, in both
// directions. Earlier blocks stay in place.
func (s *Simulator) SimulatePartition(id int, peers []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.partitions[id]
	if !ok {
		s.logf(logging.DWarn, "Partition of unregistered node %d ignored", id)
		return
	}

	var added []int
	for _, peer := range peers {
		peerSet, registered := s.partitions[peer]
		if !registered || peer == id {
			continue
		}
		set.ReplaceOrInsert(peer)
		peerSet.ReplaceOrInsert(id)
		added = append(added, peer)
	}
	s.logf(logging.DNet, "Partition node %d from %v, now blocked %v", id, added, members(set))
}

// HealPartition drops every block involving id. Healing a node that isn't
// partitioned does nothing.
func (s *Simulator) HealPartition(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.partitions[id]
	if !ok || set.Len() == 0 {
		return
	}

	healed := members(set)
	for _, peer := range healed {
		if peerSet, ok := s.partitions[peer]; ok {
			peerSet.Delete(id)
		}
	}
	set.Clear(false)
	s.logf(logging.DNet, "Healed node %d, reconnected %v", id, healed)
}

// Partitions returns the sorted peers id is currently cut off from.
func (s *Simulator) Partitions(id int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.partitions[id]
	if !ok {
		return nil
	}
	return members(set)
}

func members(set *partitionSet) []int {
	out := make([]int, 0, set.Len())
	set.Ascend(func(peer int) bool {
		out = append(out, peer)
		return true
	})
	return out
}
