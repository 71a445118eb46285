package raft

import (
	"testing"
)

func TestAppendEstablishesLeader(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	reply := appendReq(t, n, &AppendEntriesArgs{
		Term: 1, LeaderID: 2, Entries: testEntries(1, 1, 3),
	})
	if !reply.Success {
		t.Fatalf("append should succeed")
	}
	if n.term != 1 || n.leaderID != 2 {
		t.Errorf("term=%d leaderID=%d, want 1 and 2", n.term, n.leaderID)
	}
	if n.lastLog != (LogID{Term: 1, Index: 3}) {
		t.Errorf("lastLog = %v, want {1 3}", n.lastLog)
	}

	settleDurable(t, n)
	last, err := env.log.LastIndex()
	if err != nil || last != 3 {
		t.Errorf("store LastIndex = %d (%v), want 3", last, err)
	}

	// Accepting a leader also settles the term: any vote cast for it is
	// final, recorded so a restart cannot recast it elsewhere.
	hs, err := env.stable.HardState()
	if err != nil {
		t.Fatalf("HardState failed: %v", err)
	}
	if hs == nil || hs.Term != 1 || !hs.Committed {
		t.Errorf("hard state = %+v, want term 1 committed", hs)
	}
}

func TestAppendStaleTerm(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	appendReq(t, n, &AppendEntriesArgs{Term: 2, LeaderID: 2})

	reply := appendReq(t, n, &AppendEntriesArgs{Term: 1, LeaderID: 3, Entries: testEntries(1, 1, 1)})
	if reply.Success {
		t.Errorf("stale-term append should be refused")
	}
	if reply.Term != 2 {
		t.Errorf("reply.Term = %d, want 2", reply.Term)
	}
	if n.lastLog.Index != 0 {
		t.Errorf("stale append extended the log")
	}
}

func TestAppendLogTooShort(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	reply := appendReq(t, n, &AppendEntriesArgs{
		Term: 1, LeaderID: 2, PrevLogTerm: 1, PrevLogIndex: 5,
	})
	if reply.Success {
		t.Fatalf("append beyond the log end should be refused")
	}
	if reply.ConflictIndex != 1 {
		t.Errorf("ConflictIndex = %d, want 1 (first missing index)", reply.ConflictIndex)
	}
	if reply.ConflictTerm != 0 {
		t.Errorf("ConflictTerm = %d, want 0 for a short log", reply.ConflictTerm)
	}
}

func TestAppendConflictHints(t *testing.T) {
	// Local log: term 1 at 1-2, term 2 at 3-5, term 3 at 6.
	seed := append(testEntries(1, 1, 2), append(testEntries(2, 3, 5), testEntries(3, 6, 6)...)...)
	env := newTestEnv(t, 1, testPeers(1, 2, 3), seed)
	n := env.node

	reply := appendReq(t, n, &AppendEntriesArgs{
		Term: 4, LeaderID: 2, PrevLogTerm: 4, PrevLogIndex: 6,
	})
	if reply.Success {
		t.Fatalf("mismatched attach point should be refused")
	}
	if reply.ConflictTerm != 3 || reply.ConflictIndex != 6 {
		t.Errorf("hint = term %d at %d, want term 3 starting at 6", reply.ConflictTerm, reply.ConflictIndex)
	}

	// Further back, the hint covers the whole conflicting term.
	reply = appendReq(t, n, &AppendEntriesArgs{
		Term: 4, LeaderID: 2, PrevLogTerm: 4, PrevLogIndex: 4,
	})
	if reply.ConflictTerm != 2 || reply.ConflictIndex != 3 {
		t.Errorf("hint = term %d at %d, want term 2 starting at 3", reply.ConflictTerm, reply.ConflictIndex)
	}
}

func TestAppendDuplicateRetransmission(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	args := &AppendEntriesArgs{Term: 1, LeaderID: 2, LeaderCommit: 3, Entries: testEntries(1, 1, 3)}
	if reply := appendReq(t, n, args); !reply.Success {
		t.Fatalf("append should succeed")
	}
	pump(t, n, func() bool { return n.lastApplied >= 3 })

	// The same batch again: acknowledged without re-appending or
	// re-applying anything.
	if reply := appendReq(t, n, args); !reply.Success {
		t.Fatalf("retransmission should be acknowledged")
	}
	entries, err := env.log.Entries(1, 3, 1<<20)
	if err != nil || len(entries) != 3 {
		t.Errorf("store holds %d entries (%v), want 3", len(entries), err)
	}
	if idxs := env.machine.AppliedIndexes(); len(idxs) != 3 {
		t.Errorf("applied indexes = %v, want each entry exactly once", idxs)
	}
}

func TestAppendOverwritesConflictingSuffix(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), testEntries(1, 1, 3))
	n := env.node

	// A new leader's log wins over our uncommitted suffix.
	reply := appendReq(t, n, &AppendEntriesArgs{
		Term: 2, LeaderID: 2, PrevLogTerm: 1, PrevLogIndex: 1,
		Entries: []*Entry{{ID: LogID{Term: 2, Index: 2}, Type: EntryCommand, Data: []byte("k9=v9")}},
	})
	if !reply.Success {
		t.Fatalf("conflicting append should succeed after truncation")
	}
	settleDurable(t, n)

	if n.lastLog != (LogID{Term: 2, Index: 2}) {
		t.Errorf("lastLog = %v, want {2 2}", n.lastLog)
	}
	last, _ := env.log.LastIndex()
	if last != 2 {
		t.Errorf("store LastIndex = %d, want 2", last)
	}
	term1, _ := env.log.Term(1)
	term2, _ := env.log.Term(2)
	if term1 != 1 || term2 != 2 {
		t.Errorf("store terms = %d, %d, want 1 and 2", term1, term2)
	}
}

func TestAppendProtectsCommittedPrefix(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), testEntries(1, 1, 3))
	n := env.node

	hb := appendReq(t, n, &AppendEntriesArgs{
		Term: 1, LeaderID: 2, PrevLogTerm: 1, PrevLogIndex: 3, LeaderCommit: 3,
	})
	if !hb.Success {
		t.Fatalf("heartbeat should succeed")
	}
	pump(t, n, func() bool { return n.commitIndex >= 3 })

	// An append that would truncate below the commit index is refused no
	// matter what term it claims.
	reply := appendReq(t, n, &AppendEntriesArgs{
		Term: 2, LeaderID: 3, PrevLogTerm: 1, PrevLogIndex: 1,
		Entries: []*Entry{{ID: LogID{Term: 2, Index: 2}, Type: EntryBlank}},
	})
	if reply.Success {
		t.Fatalf("append must not truncate committed entries")
	}
	if reply.ConflictIndex != 4 {
		t.Errorf("ConflictIndex = %d, want 4 (first uncommitted index)", reply.ConflictIndex)
	}
	last, _ := env.log.LastIndex()
	if last != 3 {
		t.Errorf("committed entries were dropped: LastIndex = %d", last)
	}
}

func TestAppendHeartbeatAdvancesCommit(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	appendReq(t, n, &AppendEntriesArgs{Term: 1, LeaderID: 2, Entries: testEntries(1, 1, 3)})
	settleDurable(t, n)
	if n.commitIndex != 0 {
		t.Fatalf("commit moved without leader word: %d", n.commitIndex)
	}

	appendReq(t, n, &AppendEntriesArgs{
		Term: 1, LeaderID: 2, PrevLogTerm: 1, PrevLogIndex: 3, LeaderCommit: 2,
	})
	pump(t, n, func() bool { return n.commitIndex == 2 && n.lastApplied == 2 })

	if _, ok := env.machine.Get("k2"); !ok {
		t.Errorf("committed entries should reach the state machine")
	}
	if _, ok := env.machine.Get("k3"); ok {
		t.Errorf("uncommitted entry was applied")
	}

	// The leader's commit index may run ahead of what we hold durable;
	// ours is clamped to the durable tail.
	appendReq(t, n, &AppendEntriesArgs{
		Term: 1, LeaderID: 2, PrevLogTerm: 1, PrevLogIndex: 3, LeaderCommit: 10,
	})
	pump(t, n, func() bool { return n.commitIndex == 3 })
	if n.commitIndex != 3 {
		t.Errorf("commitIndex = %d, want 3 (durable tail)", n.commitIndex)
	}
}

func TestAppendDuringInstallRefused(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1, 2, 3), nil)
	n := env.node

	n.installing = true
	reply := appendReq(t, n, &AppendEntriesArgs{Term: 1, LeaderID: 2, Entries: testEntries(1, 1, 1)})
	if reply.Success {
		t.Errorf("appends should be refused while a snapshot install runs")
	}
	if reply.ConflictIndex != n.lastLog.Index+1 {
		t.Errorf("ConflictIndex = %d, want %d", reply.ConflictIndex, n.lastLog.Index+1)
	}
	n.installing = false
}

func TestLeaderAppendAssignsIDs(t *testing.T) {
	env := newTestEnv(t, 1, testPeers(1), nil)
	n := env.node
	becomeTestLeader(t, n)

	fut1 := propose(n, "a=1")
	fut2 := propose(n, "b=2")

	res1 := awaitPropose(t, n, fut1)
	res2 := awaitPropose(t, n, fut2)
	if res1.err != nil || res2.err != nil {
		t.Fatalf("proposals failed: %v, %v", res1.err, res2.err)
	}
	if res1.id != (LogID{Term: 1, Index: 2}) || res2.id != (LogID{Term: 1, Index: 3}) {
		t.Errorf("log ids = %v, %v, want {1 2} and {1 3}", res1.id, res2.id)
	}
	if res1.result != "1" || res2.result != "2" {
		t.Errorf("apply results = %v, %v, want command values", res1.result, res2.result)
	}
	if n.commitIndex != 3 || n.lastApplied != 3 {
		t.Errorf("commit=%d applied=%d, want 3 and 3", n.commitIndex, n.lastApplied)
	}
	if value, _ := env.machine.Get("b"); value != "2" {
		t.Errorf("machine state incomplete")
	}
}
