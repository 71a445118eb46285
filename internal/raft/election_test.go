package raft

import (
	"testing"

	"github.com/KilimcininKorOglu/kervan/internal/membership"
)

func TestVoteGrantPersistsBeforeReply(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	reply := voteReq(t, n, &RequestVoteArgs{Term: 1, CandidateID: 2})
	if !reply.VoteGranted {
		t.Fatalf("vote should be granted")
	}
	if reply.Term != 1 {
		t.Errorf("reply.Term = %d, want 1", reply.Term)
	}
	if n.term != 1 || n.votedFor != 2 {
		t.Errorf("term=%d votedFor=%d, want 1 and 2", n.term, n.votedFor)
	}

	hs, err := env.stable.HardState()
	if err != nil {
		t.Fatalf("HardState failed: %v", err)
	}
	if hs == nil || hs.Term != 1 || hs.VotedFor != 2 || hs.Committed {
		t.Errorf("persisted hard state = %+v, want term 1 vote 2 uncommitted", hs)
	}
}

func TestVoteRepeatAndCompeting(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	if reply := voteReq(t, n, &RequestVoteArgs{Term: 1, CandidateID: 2}); !reply.VoteGranted {
		t.Fatalf("first vote should be granted")
	}

	// A retransmission from the same candidate gets the same answer.
	if reply := voteReq(t, n, &RequestVoteArgs{Term: 1, CandidateID: 2}); !reply.VoteGranted {
		t.Errorf("repeated vote for the same candidate should be granted")
	}

	// A competing candidate in the same term is refused.
	if reply := voteReq(t, n, &RequestVoteArgs{Term: 1, CandidateID: 3}); reply.VoteGranted {
		t.Errorf("competing candidate should be refused")
	}
	if n.votedFor != 2 {
		t.Errorf("votedFor = %d, want 2", n.votedFor)
	}
}

func TestVoteStaleTerm(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	voteReq(t, n, &RequestVoteArgs{Term: 3, CandidateID: 2})

	reply := voteReq(t, n, &RequestVoteArgs{Term: 2, CandidateID: 3})
	if reply.VoteGranted {
		t.Errorf("stale-term candidate should be refused")
	}
	if reply.Term != 3 {
		t.Errorf("reply.Term = %d, want 3 so the candidate can catch up", reply.Term)
	}
}

func TestVoteLogUpToDateCheck(t *testing.T) {
	// Local log ends at {term 5, index 3}.
	env := newTestEnv(t, 1, testPeers(1, 2, 3), testEntries(5, 1, 3))
	n := env.node

	tests := []struct {
		name     string
		lastTerm uint64
		lastIdx  uint64
		granted  bool
	}{
		{"older term", 4, 10, false},
		{"same term shorter log", 5, 2, false},
		{"same term same length", 5, 3, true},
		{"newer term shorter log", 6, 1, true},
	}
	term := uint64(5)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			term++
			reply := voteReq(t, n, &RequestVoteArgs{
				Term:         term,
				CandidateID:  2,
				LastLogTerm:  tt.lastTerm,
				LastLogIndex: tt.lastIdx,
			})
			if reply.VoteGranted != tt.granted {
				t.Errorf("granted = %v, want %v", reply.VoteGranted, tt.granted)
			}
		})
	}
}

func TestVoteLeaderStickiness(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	// A heartbeat establishes node 2 as the live leader.
	hb := appendReq(t, n, &AppendEntriesArgs{Term: 1, LeaderID: 2})
	if !hb.Success {
		t.Fatalf("heartbeat should succeed")
	}
	if n.leaderID != 2 {
		t.Fatalf("leaderID = %d, want 2", n.leaderID)
	}

	// A rejoining node campaigning at a higher term is refused outright,
	// and our term does not move.
	reply := voteReq(t, n, &RequestVoteArgs{Term: 4, CandidateID: 3})
	if reply.VoteGranted {
		t.Errorf("candidate should be refused while the leader is live")
	}
	if n.term != 1 || reply.Term != 1 {
		t.Errorf("term moved to %d on a suppressed vote", n.term)
	}

	// The leader itself may call a new election at any time.
	reply = voteReq(t, n, &RequestVoteArgs{Term: 2, CandidateID: 2})
	if !reply.VoteGranted {
		t.Errorf("the known leader's own candidacy should not be suppressed")
	}
	if n.term != 2 {
		t.Errorf("term = %d, want 2", n.term)
	}
}

func TestPreVoteNeverMutatesState(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), testEntries(1, 1, 2))
	n := env.node

	reply := voteReq(t, n, &RequestVoteArgs{
		Term: 99, CandidateID: 2, LastLogTerm: 1, LastLogIndex: 2, PreVote: true,
	})
	if !reply.VoteGranted {
		t.Fatalf("pre-vote with an up-to-date log should be granted")
	}
	if n.term != 0 || n.votedFor != 0 {
		t.Errorf("pre-vote mutated volatile state: term=%d votedFor=%d", n.term, n.votedFor)
	}
	hs, err := env.stable.HardState()
	if err != nil {
		t.Fatalf("HardState failed: %v", err)
	}
	if hs != nil {
		t.Errorf("pre-vote persisted hard state: %+v", hs)
	}

	// Pre-vote with a stale log is refused.
	reply = voteReq(t, n, &RequestVoteArgs{
		Term: 99, CandidateID: 2, LastLogTerm: 1, LastLogIndex: 1, PreVote: true,
	})
	if reply.VoteGranted {
		t.Errorf("pre-vote with a stale log should be refused")
	}
}

func TestPreVoteBypassesStickiness(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	appendReq(t, n, &AppendEntriesArgs{Term: 1, LeaderID: 2})

	// Pre-votes are answered on the log alone; a pre-candidate probing
	// while the leader looks live learns the truth without disruption.
	reply := voteReq(t, n, &RequestVoteArgs{Term: 2, CandidateID: 3, PreVote: true})
	if !reply.VoteGranted {
		t.Errorf("pre-vote should be granted on log up-to-dateness alone")
	}
	if n.term != 1 {
		t.Errorf("term = %d, want 1", n.term)
	}
}

func TestPreVoteQuorumStartsElection(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	n.startPreVote()
	if n.role != RolePreCandidate {
		t.Fatalf("role = %s, want pre-candidate", RoleName(n.role))
	}
	if n.term != 0 {
		t.Fatalf("pre-vote bumped the term to %d", n.term)
	}

	// A second pre-vote grant reaches quorum and opens the real election.
	n.handleVoteReply(voteReplyEvent{
		epoch: n.electionEpoch, from: 2, preVote: true,
		reply: &RequestVoteReply{Term: 0, VoteGranted: true},
	})
	if n.role != RoleCandidate {
		t.Fatalf("role = %s, want candidate", RoleName(n.role))
	}
	if n.term != 1 || n.votedFor != 1 {
		t.Errorf("term=%d votedFor=%d, want 1 and 1", n.term, n.votedFor)
	}
	hs, err := env.stable.HardState()
	if err != nil {
		t.Fatalf("HardState failed: %v", err)
	}
	if hs == nil || hs.Term != 1 || hs.VotedFor != 1 || hs.Committed {
		t.Errorf("self-vote not durable before requests: %+v", hs)
	}

	// A grant from the superseded pre-vote round is ignored.
	n.handleVoteReply(voteReplyEvent{
		epoch: n.electionEpoch - 1, from: 3, preVote: true,
		reply: &RequestVoteReply{Term: 0, VoteGranted: true},
	})
	if n.role != RoleCandidate {
		t.Fatalf("stale-epoch reply changed the role to %s", RoleName(n.role))
	}

	// A real vote completes the election.
	n.handleVoteReply(voteReplyEvent{
		epoch: n.electionEpoch, from: 3, preVote: false,
		reply: &RequestVoteReply{Term: 1, VoteGranted: true},
	})
	if n.role != RoleLeader {
		t.Fatalf("role = %s, want leader", RoleName(n.role))
	}
	if n.lastLog != (LogID{Term: 1, Index: 1}) {
		t.Errorf("no blank entry opened the term: lastLog = %v", n.lastLog)
	}
	if n.barrierIndex != 1 {
		t.Errorf("barrierIndex = %d, want 1", n.barrierIndex)
	}
	if len(n.streams) != 2 {
		t.Errorf("streams = %d, want one per remote voter", len(n.streams))
	}
	hs, _ = env.stable.HardState()
	if hs == nil || !hs.Committed {
		t.Errorf("leadership win should be recorded durably: %+v", hs)
	}

	settleDurable(t, n)
}

func TestVoteReplyHigherTermStepsDown(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	n.startPreVote()
	n.handleVoteReply(voteReplyEvent{
		epoch: n.electionEpoch, from: 2, preVote: true,
		reply: &RequestVoteReply{Term: 5, VoteGranted: false},
	})
	if n.role != RoleFollower {
		t.Errorf("role = %s, want follower", RoleName(n.role))
	}
	if n.term != 5 {
		t.Errorf("term = %d, want 5", n.term)
	}
}

func TestLearnerNeverStartsElections(t *testing.T) {
	voters, err := membershipWithLearner(testPeers(2, 3), 1)
	if err != nil {
		t.Fatalf("membership build failed: %v", err)
	}

	network := NewInMemoryNetwork()
	node, err := NewNode(withTestTimers(DefaultOptions(1)), Backends{
		Log:       NewInmemLogStore(),
		Stable:    NewInmemStableStore(),
		Snapshots: NewInmemSnapshotStore(),
		Machine:   NewMockStateMachine(),
		Transport: network.NewTransport(1, testAddr(1)),
	}, voters)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	if node.role != RoleLearner {
		t.Fatalf("role = %s, want learner", RoleName(node.role))
	}

	node.onElectionTimeout()
	if node.role != RoleLearner || node.term != 0 {
		t.Errorf("learner timeout changed state: role=%s term=%d", RoleName(node.role), node.term)
	}
}

func TestLeaderStepsDownOnPeerTerm(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1), nil)
	n := env.node
	becomeTestLeader(t, n)

	// A proposal still in flight when leadership is lost fails rather
	// than hanging.
	fut := propose(n, "k=v")
	n.dispatch(peerTermEvent{peer: 2, term: n.term + 3})

	if n.role == RoleLeader {
		t.Errorf("leader should step down on a higher peer term")
	}
	if n.term != 4 {
		t.Errorf("term = %d, want 4", n.term)
	}
	select {
	case res := <-fut.ch:
		if res.err != ErrLeadershipLost {
			t.Errorf("pending proposal resolved with %v, want ErrLeadershipLost", res.err)
		}
	default:
		t.Errorf("pending proposal should fail on step-down")
	}
}

// TestVoteRefusedForCommittedTerm checks that a term with an established
// leader stays closed to other candidates, including across a restart,
// where the stickiness clock is gone and only the durable flag remains.
func TestVoteRefusedForCommittedTerm(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	// A heartbeat from node 2 establishes it as the leader of term 1;
	// this node never voted, so votedFor alone would not guard the term.
	if hb := appendReq(t, n, &AppendEntriesArgs{Term: 1, LeaderID: 2}); !hb.Success {
		t.Fatalf("heartbeat should succeed")
	}
	if n.votedFor != 0 || !n.voteCommitted {
		t.Fatalf("votedFor=%d committed=%v, want 0 and true", n.votedFor, n.voteCommitted)
	}

	if reply := voteReq(t, n, &RequestVoteArgs{Term: 1, CandidateID: 3}); reply.VoteGranted {
		t.Errorf("term 1 has a leader; the vote must be refused")
	}

	// Rebuild the node on the same stores, as a restart would.
	initial, err := membership.New(testPeers(1, 2, 3))
	if err != nil {
		t.Fatalf("membership.New failed: %v", err)
	}
	restarted, err := NewNode(withTestTimers(DefaultOptions(1)), Backends{
		Log:       env.log,
		Stable:    env.stable,
		Snapshots: env.snaps,
		Machine:   NewMockStateMachine(),
		Transport: env.network.NewTransport(1, testAddr(1)),
	}, initial)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	if !restarted.voteCommitted {
		t.Fatalf("committed flag lost across restart")
	}

	if reply := voteReq(t, restarted, &RequestVoteArgs{Term: 1, CandidateID: 3}); reply.VoteGranted {
		t.Errorf("restart must not reopen a committed term")
	}

	// A higher term is a fresh election and proceeds normally.
	if reply := voteReq(t, restarted, &RequestVoteArgs{Term: 2, CandidateID: 3}); !reply.VoteGranted {
		t.Errorf("a new term must still be electable")
	}
}
