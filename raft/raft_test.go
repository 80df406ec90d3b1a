package raft

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftsim/logging"
)

type sentMessage struct {
	msg      Message
	from, to int
}

// recordingSender keeps every message instead of delivering it.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *recordingSender) Send(msg Message, from, to int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{msg: msg, from: from, to: to})
	return true
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

func (s *recordingSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func (s *recordingSender) appendEntriesTo(to int) []AppendEntries {
	var out []AppendEntries
	for _, m := range s.messages() {
		if ae, ok := m.msg.(AppendEntries); ok && m.to == to {
			out = append(out, ae)
		}
	}
	return out
}

// newTestRaft returns a started peer whose timers never fire on their own.
func newTestRaft(t *testing.T, id int, peers []int) (*Raft, *recordingSender) {
	t.Helper()

	sender := &recordingSender{}
	cfg := DefaultConfig(id, peers)
	cfg.ElectionTimeoutMin = time.Hour
	cfg.ElectionTimeoutMax = time.Hour
	cfg.HeartbeatInterval = time.Hour
	cfg.Rand = rand.New(rand.NewSource(int64(id)))

	rf, err := NewRaft(cfg, sender, logging.Discard)
	require.NoError(t, err)
	rf.Start()
	t.Cleanup(rf.Stop)
	return rf, sender
}

func campaign(rf *Raft) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.startElectionNoLock()
}

// makeLeader wins an election with the given voters and waits for the first
// heartbeat round before clearing the recorded traffic.
func makeLeader(t *testing.T, rf *Raft, sender *recordingSender, voters ...int) {
	t.Helper()

	campaign(rf)
	for _, v := range voters {
		rf.HandleVoteResponse(VoteResponse{Term: rf.CurrentTerm(), VoteGranted: true}, v)
	}
	require.Equal(t, Leader, rf.State())

	for _, peer := range rf.Peers() {
		if peer == rf.Me() {
			continue
		}
		peer := peer
		require.Eventually(t, func() bool {
			return len(sender.appendEntriesTo(peer)) > 0
		}, time.Second, 5*time.Millisecond)
	}
	sender.reset()
}

func TestNewRaftValidation(t *testing.T) {
	sender := &recordingSender{}

	_, err := NewRaft(DefaultConfig(1, []int{1, 2}), nil, logging.Discard)
	assert.ErrorIs(t, err, ErrNilSender)

	_, err = NewRaft(DefaultConfig(1, []int{1, 2}), sender, nil)
	assert.ErrorIs(t, err, ErrNilLogger)

	_, err = NewRaft(DefaultConfig(4, []int{1, 2, 3}), sender, logging.Discard)
	assert.ErrorIs(t, err, ErrSelfNotMember)

	_, err = NewRaft(DefaultConfig(1, []int{1, 2, 2}), sender, logging.Discard)
	assert.ErrorIs(t, err, ErrDuplicateID)

	cfg := DefaultConfig(1, []int{1, 2, 3})
	cfg.ElectionTimeoutMin = 300 * time.Millisecond
	cfg.ElectionTimeoutMax = 150 * time.Millisecond
	_, err = NewRaft(cfg, sender, logging.Discard)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInitialState(t *testing.T) {
	rf, _ := newTestRaft(t, 1, []int{1, 2, 3})

	assert.Equal(t, Follower, rf.State())
	assert.Equal(t, 0, rf.CurrentTerm())
	assert.Equal(t, 0, rf.CurrentValue())
	assert.Equal(t, 0, rf.CommitIndex())
	assert.Equal(t, 0, rf.LastLogIndex())
	_, ok := rf.CurrentLeader()
	assert.False(t, ok)
	assert.True(t, rf.Running())
}

func TestSingleNodeElectsItselfAndCommits(t *testing.T) {
	cfg := DefaultConfig(1, []int{1})
	cfg.ElectionTimeoutMin = 10 * time.Millisecond
	cfg.ElectionTimeoutMax = 20 * time.Millisecond
	rf, err := NewRaft(cfg, &recordingSender{}, logging.Discard)
	require.NoError(t, err)

	rf.Start()
	defer rf.Stop()

	assert.Eventually(t, func() bool { return rf.State() == Leader }, 500*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, rf.CurrentTerm())
	leader, ok := rf.CurrentLeader()
	assert.True(t, ok)
	assert.Equal(t, 1, leader)

	rf.ProposeValue(42)
	assert.Equal(t, 42, rf.CurrentValue())
	assert.Equal(t, 1, rf.CommitIndex())
	assert.Equal(t, 1, rf.LastApplied())
}

func TestElectionBroadcastsRequestVote(t *testing.T) {
	rf, sender := newTestRaft(t, 1, []int{1, 2, 3})

	campaign(rf)

	assert.Equal(t, Candidate, rf.State())
	assert.Equal(t, 1, rf.CurrentTerm())

	targets := map[int]RequestVote{}
	for _, m := range sender.messages() {
		if rv, ok := m.msg.(RequestVote); ok {
			targets[m.to] = rv
		}
	}
	require.Len(t, targets, 2)
	assert.Equal(t, RequestVote{Term: 1, CandidateId: 1, LastLogIndex: 0, LastLogTerm: 0}, targets[2])
	assert.Contains(t, targets, 3)
}

func TestHandleRequestVote(t *testing.T) {
	rf, _ := newTestRaft(t, 1, []int{1, 2, 3})

	assert.True(t, rf.HandleRequestVote(RequestVote{Term: 1, CandidateId: 2}, 2))
	assert.Equal(t, 1, rf.CurrentTerm())

	// one vote per term
	assert.False(t, rf.HandleRequestVote(RequestVote{Term: 1, CandidateId: 3}, 3))
	assert.True(t, rf.HandleRequestVote(RequestVote{Term: 1, CandidateId: 2}, 2))

	// stale term
	assert.False(t, rf.HandleRequestVote(RequestVote{Term: 0, CandidateId: 3}, 3))

	// give the voter an entry of term 1
	assert.True(t, rf.HandleAppendEntries(AppendEntries{Term: 1, LeaderId: 2, Entries: []LogEntry{{Term: 1, Value: 4}}}, 2))

	// candidate log is behind, but the term still moves
	assert.False(t, rf.HandleRequestVote(RequestVote{Term: 5, CandidateId: 3}, 3))
	assert.Equal(t, 5, rf.CurrentTerm())
	assert.Equal(t, Follower, rf.State())

	// shorter log of a newer term wins
	assert.True(t, rf.HandleRequestVote(RequestVote{Term: 5, CandidateId: 3, LastLogIndex: 0, LastLogTerm: 2}, 3))
}

func TestRequestVoteSameTermNeedsLongerLog(t *testing.T) {
	rf, _ := newTestRaft(t, 1, []int{1, 2, 3})

	entries := []LogEntry{{Term: 1, Value: 1}, {Term: 1, Value: 2}}
	require.True(t, rf.HandleAppendEntries(AppendEntries{Term: 1, LeaderId: 2, Entries: entries}, 2))

	assert.False(t, rf.HandleRequestVote(RequestVote{Term: 2, CandidateId: 3, LastLogIndex: 1, LastLogTerm: 1}, 3))
	assert.True(t, rf.HandleRequestVote(RequestVote{Term: 2, CandidateId: 3, LastLogIndex: 2, LastLogTerm: 1}, 3))
}

func TestHandleVoteResponse(t *testing.T) {
	rf, _ := newTestRaft(t, 1, []int{1, 2, 3, 4, 5})

	// not a candidate yet
	assert.False(t, rf.HandleVoteResponse(VoteResponse{Term: 0, VoteGranted: true}, 2))

	campaign(rf)
	assert.False(t, rf.HandleVoteResponse(VoteResponse{Term: 1, VoteGranted: false}, 2))
	assert.False(t, rf.HandleVoteResponse(VoteResponse{Term: 0, VoteGranted: true}, 2))

	assert.True(t, rf.HandleVoteResponse(VoteResponse{Term: 1, VoteGranted: true}, 2))
	assert.Equal(t, Candidate, rf.State())

	// the same voter twice is still one vote
	assert.True(t, rf.HandleVoteResponse(VoteResponse{Term: 1, VoteGranted: true}, 2))
	assert.Equal(t, Candidate, rf.State())

	assert.True(t, rf.HandleVoteResponse(VoteResponse{Term: 1, VoteGranted: true}, 3))
	assert.Equal(t, Leader, rf.State())
	leader, _ := rf.CurrentLeader()
	assert.Equal(t, 1, leader)
}

func TestVoteResponseHigherTermStepsDown(t *testing.T) {
	rf, _ := newTestRaft(t, 1, []int{1, 2, 3})

	campaign(rf)
	assert.False(t, rf.HandleVoteResponse(VoteResponse{Term: 4}, 2))
	assert.Equal(t, Follower, rf.State())
	assert.Equal(t, 4, rf.CurrentTerm())
}

func TestLeaderSendsHeartbeats(t *testing.T) {
	rf, sender := newTestRaft(t, 1, []int{1, 2, 3})

	campaign(rf)
	rf.HandleVoteResponse(VoteResponse{Term: 1, VoteGranted: true}, 2)
	require.Equal(t, Leader, rf.State())

	for _, peer := range []int{2, 3} {
		peer := peer
		assert.Eventually(t, func() bool {
			aes := sender.appendEntriesTo(peer)
			return len(aes) > 0 && aes[0].Term == 1 && aes[0].LeaderId == 1 && len(aes[0].Entries) == 0
		}, time.Second, 5*time.Millisecond)
	}
}

func TestHeartbeatInterval(t *testing.T) {
	sender := &recordingSender{}
	cfg := DefaultConfig(1, []int{1, 2})
	cfg.ElectionTimeoutMin = time.Hour
	cfg.ElectionTimeoutMax = time.Hour
	cfg.HeartbeatInterval = 10 * time.Millisecond
	rf, err := NewRaft(cfg, sender, logging.Discard)
	require.NoError(t, err)
	rf.Start()

	campaign(rf)
	rf.HandleVoteResponse(VoteResponse{Term: 1, VoteGranted: true}, 2)
	require.Equal(t, Leader, rf.State())

	assert.Eventually(t, func() bool { return len(sender.appendEntriesTo(2)) >= 3 }, time.Second, 5*time.Millisecond)

	// nothing leaves a stopped peer
	rf.Stop()
	time.Sleep(20 * time.Millisecond)
	count := len(sender.appendEntriesTo(2))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, len(sender.appendEntriesTo(2)))
}

func TestHandleAppendEntries(t *testing.T) {
	rf, _ := newTestRaft(t, 2, []int{1, 2, 3})

	entries := []LogEntry{{Term: 1, Value: 10}, {Term: 1, Value: 11}, {Term: 1, Value: 12}}
	assert.True(t, rf.HandleAppendEntries(AppendEntries{Term: 1, LeaderId: 1, Entries: entries, LeaderCommit: 1}, 1))
	assert.Equal(t, 3, rf.LastLogIndex())
	assert.Equal(t, 1, rf.CommitIndex())
	assert.Equal(t, 10, rf.CurrentValue())
	leader, _ := rf.CurrentLeader()
	assert.Equal(t, 1, leader)

	// follower is too short
	assert.False(t, rf.HandleAppendEntries(AppendEntries{Term: 1, LeaderId: 1, PrevLogIndex: 5, PrevLogTerm: 1}, 1))
	assert.Equal(t, 3, rf.LastLogIndex())

	// a newer leader disagrees on index 2, the suffix goes
	assert.False(t, rf.HandleAppendEntries(AppendEntries{Term: 3, LeaderId: 3, PrevLogIndex: 2, PrevLogTerm: 2}, 3))
	assert.Equal(t, 1, rf.LastLogIndex())
	assert.Equal(t, 3, rf.CurrentTerm())
	leader, _ = rf.CurrentLeader()
	assert.Equal(t, 3, leader)

	assert.True(t, rf.HandleAppendEntries(AppendEntries{
		Term: 3, LeaderId: 3, PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []LogEntry{{Term: 3, Value: 20}}, LeaderCommit: 2,
	}, 3))
	assert.Equal(t, []LogEntry{{Term: 1, Value: 10}, {Term: 3, Value: 20}}, rf.Entries())
	assert.Equal(t, 2, rf.CommitIndex())
	assert.Equal(t, 20, rf.CurrentValue())

	// stale leader
	assert.False(t, rf.HandleAppendEntries(AppendEntries{Term: 2, LeaderId: 1}, 1))
	leader, _ = rf.CurrentLeader()
	assert.Equal(t, 3, leader)
}

func TestAppendEntriesOverwritesConflicts(t *testing.T) {
	rf, _ := newTestRaft(t, 2, []int{1, 2, 3})

	require.True(t, rf.HandleAppendEntries(AppendEntries{
		Term: 1, LeaderId: 1, Entries: []LogEntry{{Term: 1, Value: 1}, {Term: 1, Value: 2}, {Term: 1, Value: 3}},
	}, 1))

	require.True(t, rf.HandleAppendEntries(AppendEntries{
		Term: 2, LeaderId: 3, PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []LogEntry{{Term: 2, Value: 7}},
	}, 3))
	assert.Equal(t, []LogEntry{{Term: 1, Value: 1}, {Term: 2, Value: 7}}, rf.Entries())

	// a repeated request leaves the log as is
	require.True(t, rf.HandleAppendEntries(AppendEntries{
		Term: 2, LeaderId: 3, PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []LogEntry{{Term: 2, Value: 7}},
	}, 3))
	assert.Equal(t, 2, rf.LastLogIndex())
}

func TestFollowerCommitBoundedByMatchedPrefix(t *testing.T) {
	rf, _ := newTestRaft(t, 2, []int{1, 2, 3})

	require.True(t, rf.HandleAppendEntries(AppendEntries{
		Term: 1, LeaderId: 1, Entries: []LogEntry{{Term: 1, Value: 1}, {Term: 1, Value: 2}},
	}, 1))

	// a heartbeat proving only index 1 may not commit index 2
	require.True(t, rf.HandleAppendEntries(AppendEntries{Term: 1, LeaderId: 1, PrevLogIndex: 1, PrevLogTerm: 1, LeaderCommit: 5}, 1))
	assert.Equal(t, 1, rf.CommitIndex())
	assert.Equal(t, 1, rf.CurrentValue())
}

func TestCandidateStepsDownOnAppendEntries(t *testing.T) {
	rf, _ := newTestRaft(t, 1, []int{1, 2, 3})

	campaign(rf)
	require.Equal(t, Candidate, rf.State())

	assert.True(t, rf.HandleAppendEntries(AppendEntries{Term: 1, LeaderId: 2}, 2))
	assert.Equal(t, Follower, rf.State())
	assert.Equal(t, 1, rf.CurrentTerm())
	leader, _ := rf.CurrentLeader()
	assert.Equal(t, 2, leader)
}

func TestLeaderReplicatesAndCommits(t *testing.T) {
	rf, sender := newTestRaft(t, 1, []int{1, 2, 3})
	makeLeader(t, rf, sender, 2)

	rf.ProposeValue(5)
	assert.Equal(t, 1, rf.LastLogIndex())
	assert.Equal(t, 0, rf.CommitIndex())

	aes := sender.appendEntriesTo(2)
	require.NotEmpty(t, aes)
	assert.Equal(t, []LogEntry{{Term: 1, Value: 5}}, aes[len(aes)-1].Entries)

	assert.True(t, rf.HandleAppendEntriesResponse(AppendEntriesResponse{Term: 1, Success: true, LastLogIndex: 1}, 2))
	assert.Equal(t, 1, rf.CommitIndex())
	assert.Equal(t, 5, rf.CurrentValue())
}

func TestAppendEntriesResponseBacksOff(t *testing.T) {
	rf, sender := newTestRaft(t, 1, []int{1, 2, 3})
	makeLeader(t, rf, sender, 2)

	for v := 1; v <= 3; v++ {
		rf.ProposeValue(v)
	}
	sender.reset()

	assert.True(t, rf.HandleAppendEntriesResponse(AppendEntriesResponse{Term: 1, Success: false}, 2))
	aes := sender.appendEntriesTo(2)
	require.Len(t, aes, 1)
	assert.Equal(t, 0, aes[0].PrevLogIndex)
	assert.Len(t, aes[0].Entries, 3)

	// never below index 1
	assert.True(t, rf.HandleAppendEntriesResponse(AppendEntriesResponse{Term: 1, Success: false}, 2))
	aes = sender.appendEntriesTo(2)
	require.Len(t, aes, 2)
	assert.Equal(t, 0, aes[1].PrevLogIndex)
}

func TestAppendEntriesResponseIgnored(t *testing.T) {
	rf, sender := newTestRaft(t, 1, []int{1, 2, 3})

	// not leader
	assert.False(t, rf.HandleAppendEntriesResponse(AppendEntriesResponse{Term: 0, Success: true, LastLogIndex: 1}, 2))

	makeLeader(t, rf, sender, 2)
	campaignTerm := rf.CurrentTerm()

	assert.False(t, rf.HandleAppendEntriesResponse(AppendEntriesResponse{Term: campaignTerm - 1, Success: false}, 2))
	assert.Empty(t, sender.appendEntriesTo(2))

	assert.False(t, rf.HandleAppendEntriesResponse(AppendEntriesResponse{Term: campaignTerm + 1}, 2))
	assert.Equal(t, Follower, rf.State())
	assert.Equal(t, campaignTerm+1, rf.CurrentTerm())
}

func TestOlderTermEntryNotCommittedByCount(t *testing.T) {
	rf, sender := newTestRaft(t, 1, []int{1, 2, 3})

	// an entry of term 2 arrives from the old leader 2 but never commits
	require.True(t, rf.HandleAppendEntries(AppendEntries{Term: 2, LeaderId: 2, Entries: []LogEntry{{Term: 2, Value: 5}}}, 2))

	makeLeader(t, rf, sender, 3)
	require.Equal(t, 3, rf.CurrentTerm())

	// majority holds index 1 but it is from term 2
	rf.HandleAppendEntriesResponse(AppendEntriesResponse{Term: 3, Success: true, LastLogIndex: 1}, 3)
	assert.Equal(t, 0, rf.CommitIndex())
	assert.Equal(t, 0, rf.CurrentValue())

	rf.ProposeValue(9)
	rf.HandleAppendEntriesResponse(AppendEntriesResponse{Term: 3, Success: true, LastLogIndex: 2}, 3)
	assert.Equal(t, 2, rf.CommitIndex())
	assert.Equal(t, 2, rf.LastApplied())
	assert.Equal(t, 9, rf.CurrentValue())
}

func TestBatchLimit(t *testing.T) {
	rf, sender := newTestRaft(t, 1, []int{1, 2, 3})
	makeLeader(t, rf, sender, 2)

	for v := 0; v < 150; v++ {
		rf.ProposeValue(v)
	}
	aes := sender.appendEntriesTo(2)
	require.NotEmpty(t, aes)
	last := aes[len(aes)-1]
	assert.Equal(t, 0, last.PrevLogIndex)
	assert.Len(t, last.Entries, maxBatchEntries)

	sender.reset()
	rf.HandleAppendEntriesResponse(AppendEntriesResponse{Term: 1, Success: true, LastLogIndex: 100}, 2)
	rf.HandleAppendEntriesResponse(AppendEntriesResponse{Term: 1, Success: false}, 2)
	aes = sender.appendEntriesTo(2)
	require.Len(t, aes, 1)
	assert.Equal(t, 99, aes[0].PrevLogIndex)
	assert.Len(t, aes[0].Entries, 51)
}

func TestProposalForwarding(t *testing.T) {
	rf, sender := newTestRaft(t, 2, []int{1, 2, 3})

	// nobody to forward to
	rf.ProposeValue(3)
	assert.Empty(t, sender.messages())
	assert.Equal(t, 0, rf.LastLogIndex())

	require.True(t, rf.HandleAppendEntries(AppendEntries{Term: 1, LeaderId: 1}, 1))
	rf.ProposeValue(4)

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, Proposal{ClientId: 2, Value: 4}, msgs[0].msg)
	assert.Equal(t, 2, msgs[0].from)
	assert.Equal(t, 1, msgs[0].to)
	assert.Equal(t, 0, rf.LastLogIndex())

	assert.False(t, rf.HandleProposal(Proposal{ClientId: 3, Value: 8}, 3))
}

func TestLeaderHandlesProposal(t *testing.T) {
	rf, sender := newTestRaft(t, 1, []int{1, 2, 3})
	makeLeader(t, rf, sender, 3)

	assert.True(t, rf.HandleProposal(Proposal{ClientId: 2, Value: 8}, 2))
	assert.Equal(t, []LogEntry{{Term: 1, Value: 8}}, rf.Entries())
}

func TestStopPreventsElection(t *testing.T) {
	cfg := DefaultConfig(1, []int{1, 2, 3})
	cfg.ElectionTimeoutMin = 5 * time.Millisecond
	cfg.ElectionTimeoutMax = 10 * time.Millisecond
	rf, err := NewRaft(cfg, &recordingSender{}, logging.Discard)
	require.NoError(t, err)

	rf.Start()
	rf.Stop()
	rf.Stop()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, rf.CurrentTerm())
	assert.Equal(t, Follower, rf.State())
	assert.False(t, rf.Running())
}

func TestElectionTimeoutRestartsCampaign(t *testing.T) {
	sender := &recordingSender{}
	cfg := DefaultConfig(1, []int{1, 2, 3})
	cfg.ElectionTimeoutMin = 10 * time.Millisecond
	cfg.ElectionTimeoutMax = 20 * time.Millisecond
	rf, err := NewRaft(cfg, sender, logging.Discard)
	require.NoError(t, err)
	rf.Start()
	defer rf.Stop()

	// no votes ever come back, so the candidate keeps trying
	assert.Eventually(t, func() bool { return rf.CurrentTerm() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Candidate, rf.State())
}

func TestRaftLog(t *testing.T) {
	l := newRaftLog()
	assert.Equal(t, 0, l.lastIndex())
	assert.Equal(t, 0, l.lastTerm())
	assert.Nil(t, l.entriesFrom(1, 10))

	for i, term := range []int{1, 1, 2, 4} {
		l.append(LogEntry{Term: term, Value: i})
	}
	assert.Equal(t, " [0, 0]T0 [1, 2]T1 [3, 3]T2 [4, 4]T4", l.String())
	assert.Equal(t, 0, l.termAt(9))
	assert.Len(t, l.entriesFrom(2, 2), 2)
	assert.Len(t, l.entriesFrom(2, 0), 3)

	l.truncateFrom(0)
	assert.Equal(t, 0, l.lastIndex())
	assert.Equal(t, LogEntry{}, l.at(0))
}

func TestNodeStateString(t *testing.T) {
	assert.Equal(t, "Follower", Follower.String())
	assert.Equal(t, "Candidate", Candidate.String())
	assert.Equal(t, "Leader", Leader.String())
}
