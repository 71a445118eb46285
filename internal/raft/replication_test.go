package raft

import (
	"testing"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/membership"
)

func TestConflictTarget(t *testing.T) {
	// Leader log: term 1 at 1-2, term 2 at 3-5, term 3 at 6.
	seed := append(testEntries(1, 1, 2), append(testEntries(2, 3, 5), testEntries(3, 6, 6)...)...)
	env := newTestEnv(t, 1, testPeers(1, 2), seed)
	s := &stream{node: env.node, next: 7}

	cases := []struct {
		name  string
		reply *AppendEntriesReply
		want  uint64
	}{
		// We hold entries of the conflicting term: resume after our last one.
		{"conflict term held", &AppendEntriesReply{ConflictTerm: 2, ConflictIndex: 3}, 6},
		{"conflict term held earlier", &AppendEntriesReply{ConflictTerm: 1, ConflictIndex: 1}, 3},
		// The follower's term never reached our log: skip its whole term.
		{"conflict term unknown", &AppendEntriesReply{ConflictTerm: 4, ConflictIndex: 4}, 4},
		// A short follower log hints with the index alone.
		{"index hint only", &AppendEntriesReply{ConflictIndex: 5}, 5},
		{"empty hint", &AppendEntriesReply{}, 1},
	}
	for _, tc := range cases {
		if got := s.conflictTarget(tc.reply); got != tc.want {
			t.Errorf("%s: target = %d, want %d", tc.name, got, tc.want)
		}
	}

	// Once the scan runs into compacted territory the hint index is all
	// we can use; the snapshot path takes over from there.
	if err := env.log.PurgeTo(4); err != nil {
		t.Fatalf("PurgeTo failed: %v", err)
	}
	if got := s.conflictTarget(&AppendEntriesReply{ConflictTerm: 1, ConflictIndex: 2}); got != 2 {
		t.Errorf("target after compaction = %d, want 2", got)
	}
}

func TestResolveTerm(t *testing.T) {
	seed := append(testEntries(1, 1, 2), append(testEntries(2, 3, 5), testEntries(3, 6, 6)...)...)
	env := newTestEnv(t, 1, testPeers(1, 2), seed)
	s := &stream{node: env.node, next: 7}

	cfg, err := membership.New(testPeers(1, 2))
	if err != nil {
		t.Fatalf("membership.New failed: %v", err)
	}
	err = env.snaps.Save(&SnapshotMeta{Last: LogID{Term: 2, Index: 4}, Membership: cfg, Size: 3}, []byte("a=1"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := env.log.PurgeTo(4); err != nil {
		t.Fatalf("PurgeTo failed: %v", err)
	}

	cases := []struct {
		index  uint64
		term   uint64
		ok     bool
		hasErr bool
	}{
		{0, 0, true, false},  // log origin
		{6, 3, true, false},  // retained entry
		{5, 2, true, false},  // first retained entry
		{4, 2, true, false},  // snapshot boundary
		{2, 0, false, false}, // inside the snapshot, only a transfer helps
		{9, 0, false, true},  // past the end of the log
	}
	for _, tc := range cases {
		term, ok, err := s.resolveTerm(tc.index)
		if term != tc.term || ok != tc.ok {
			t.Errorf("resolveTerm(%d) = (%d, %v), want (%d, %v)", tc.index, term, ok, tc.term, tc.ok)
		}
		if (err != nil) != tc.hasErr {
			t.Errorf("resolveTerm(%d) err = %v", tc.index, err)
		}
	}
}

func TestReconcileStreams(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node
	electLeader(t, n)

	if len(n.streams) != 2 {
		t.Fatalf("streams = %d, want 2", len(n.streams))
	}
	removed := n.streams[3]
	n.matchIndex[3] = 1
	n.ackTimes[3] = time.Now()

	// The effective membership swaps voter 3 for voter 4.
	cfg, err := membership.New(testPeers(1, 2, 4))
	if err != nil {
		t.Fatalf("membership.New failed: %v", err)
	}
	n.effective = confState{index: n.effective.index, cfg: cfg}
	n.reconcileStreams()

	if _, ok := n.streams[3]; ok {
		t.Error("stream to removed peer kept")
	}
	if _, ok := n.streams[4]; !ok {
		t.Error("stream to added peer missing")
	}
	if _, ok := n.streams[2]; !ok {
		t.Error("stream to retained peer dropped")
	}
	if _, ok := n.matchIndex[3]; ok {
		t.Error("matchIndex entry for removed peer kept")
	}
	if _, ok := n.ackTimes[3]; ok {
		t.Error("ackTimes entry for removed peer kept")
	}
	select {
	case <-removed.doneCh:
	case <-time.After(2 * time.Second):
		t.Error("removed stream did not exit")
	}
}

func TestProgressTermGate(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node
	electLeader(t, n)

	// Progress from a previous term's stream is dropped.
	n.handleProgress(progressEvent{term: n.term - 1, peer: 2, match: 1, ackAt: time.Now()})
	if n.commitIndex != 0 {
		t.Fatalf("stale progress advanced commit to %d", n.commitIndex)
	}
	if n.matchIndex[2] != 0 {
		t.Errorf("matchIndex = %d, want 0", n.matchIndex[2])
	}

	// A current ack gives the opening blank entry its quorum.
	n.handleProgress(progressEvent{term: n.term, peer: 2, match: 1, ackAt: time.Now()})
	if n.commitIndex != 1 {
		t.Fatalf("commit = %d, want 1", n.commitIndex)
	}

	// Match indexes never regress.
	n.handleProgress(progressEvent{term: n.term, peer: 2, match: 0, ackAt: time.Now()})
	if n.matchIndex[2] != 1 {
		t.Errorf("matchIndex = %d, want 1", n.matchIndex[2])
	}

	pump(t, n, func() bool { return n.lastApplied == 1 })
}
