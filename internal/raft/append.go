package raft

import (
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/membership"
)

// leaderAppend assigns log ids to entries, updates the in-memory tail and
// hands the batch to the log writer. It returns the index of the first
// entry. Callers that append membership entries update the effective
// configuration themselves.
func (n *Node) leaderAppend(entries []*Entry) uint64 {
	first := n.lastLog.Index + 1
	for i, e := range entries {
		e.ID = LogID{Term: n.term, Index: first + uint64(i)}
		n.pendingIDs = append(n.pendingIDs, e.ID)
	}
	n.lastLog = entries[len(entries)-1].ID
	n.writer.enqueue(logOp{epoch: n.writerEpoch, append: entries})
	return first
}

// handleAppendEntries is the follower half of replication: accept the
// leader, verify the attach point, reconcile conflicts, and hand new
// entries to the log writer. The success reply is sent by the writer
// only after the entries are synced; everything else replies here.
func (n *Node) handleAppendEntries(ev rpcAppendEvent) {
	args := ev.args

	if args.Term < n.term {
		ev.respCh <- &AppendEntriesReply{Term: n.term, Success: false}
		return
	}

	// A live leader for this term: adopt it and settle into follower
	// (or learner) state before looking at the log.
	wasLeader := n.role == RoleLeader
	needPersist := false
	if args.Term > n.term {
		n.stepToTerm(args.Term)
		needPersist = true
	}
	if !n.voteCommitted {
		n.voteCommitted = true
		needPersist = true
	}
	if n.leaderID != args.LeaderID {
		n.leaderID = args.LeaderID
		n.publishLeader(args.LeaderID)
	}
	n.lastLeaderContact = time.Now()
	role := n.resolveRole()
	if n.role != role {
		n.role = role
		n.publishRole()
	}
	if wasLeader {
		n.teardownLeader()
	}
	n.resetElectionTimer()
	if needPersist && n.persistHardState() != nil {
		ev.respCh <- &AppendEntriesReply{Term: n.term, Success: false}
		return
	}

	if n.installing {
		// Local state is being replaced by a snapshot; have the leader
		// retry once that settles.
		ev.respCh <- &AppendEntriesReply{Term: n.term, Success: false, ConflictIndex: n.lastLog.Index + 1}
		return
	}

	if reply := n.acceptEntries(args, ev.respCh); reply != nil {
		ev.respCh <- reply
	}
}

// acceptEntries validates the attach point and queues new entries for
// the writer. A nil return means the reply was handed to the writer.
func (n *Node) acceptEntries(args *AppendEntriesArgs, respCh chan *AppendEntriesReply) *AppendEntriesReply {
	prev := args.PrevLog()

	if prev.Index > n.lastLog.Index {
		// Our log is too short to attach here.
		return &AppendEntriesReply{Term: n.term, Success: false, ConflictIndex: n.lastLog.Index + 1}
	}
	if t, ok := n.termAt(prev.Index); ok {
		if t != prev.Term {
			return &AppendEntriesReply{
				Term:          n.term,
				Success:       false,
				ConflictTerm:  t,
				ConflictIndex: n.firstIndexOfTerm(t, prev.Index),
			}
		}
	}
	// Positions below the snapshot boundary are committed state every
	// elected leader shares, so they match by construction.

	// Find the first genuinely new entry, skipping duplicates from
	// retransmissions. A term mismatch inside the overlap means our
	// uncommitted suffix loses to the leader's.
	newStart := -1
	truncate := false
	truncateAfter := uint64(0)
	for i, e := range args.Entries {
		if e.ID.Index <= n.snapIndex() {
			continue
		}
		if e.ID.Index <= n.lastLog.Index {
			if t, ok := n.termAt(e.ID.Index); ok && t == e.ID.Term {
				continue
			}
			truncate = true
			truncateAfter = e.ID.Index - 1
			newStart = i
			break
		}
		newStart = i
		break
	}

	if newStart < 0 {
		// Nothing new: pure heartbeat or a full retransmission.
		n.advanceLeaderCommitBound(args.LeaderCommit)
		if n.lastLog.Index <= n.lastDurable {
			n.advanceFollowerCommit()
			return &AppendEntriesReply{Term: n.term, Success: true}
		}
		// Entries are still in the writer queue; acknowledge once they
		// are durable by riding the queue behind them.
		n.writer.enqueue(logOp{epoch: n.writerEpoch, reply: n.appendReplyFunc(respCh)})
		return nil
	}

	newEntries := args.Entries[newStart:]

	if truncate && truncateAfter < n.commitIndex {
		// A leader asking us to drop committed entries contradicts the
		// commit guarantee; refuse and surface it.
		n.logger.Error("append would truncate committed entries",
			"nodeId", n.id, "truncateAfter", truncateAfter, "commitIndex", n.commitIndex,
			"leader", args.LeaderID, "term", n.term)
		return &AppendEntriesReply{Term: n.term, Success: false, ConflictIndex: n.commitIndex + 1}
	}

	// Decode membership payloads up front so a corrupt batch is refused
	// before any state changes.
	memberships := make(map[uint64]*membership.Membership)
	for _, e := range newEntries {
		if e.Type != EntryMembership {
			continue
		}
		cfg, err := membership.Deserialize(e.Data)
		if err != nil {
			n.logger.Error("corrupt membership entry", "nodeId", n.id, "index", e.ID.Index, "error", err)
			return &AppendEntriesReply{Term: n.term, Success: false, ConflictIndex: n.lastLog.Index + 1}
		}
		memberships[e.ID.Index] = cfg
	}

	if truncate {
		keep := n.pendingIDs[:0]
		for _, id := range n.pendingIDs {
			if id.Index <= truncateAfter {
				keep = append(keep, id)
			}
		}
		n.pendingIDs = keep
		n.lastLog = n.idAt(truncateAfter)
		// Membership entries past the cut are gone; the effective
		// configuration falls back to the newest retained one.
		for len(n.confPending) > 0 && n.confPending[len(n.confPending)-1].index > truncateAfter {
			n.confPending = n.confPending[:len(n.confPending)-1]
		}
		if len(n.confPending) > 0 {
			n.effective = n.confPending[len(n.confPending)-1]
		} else {
			n.effective = n.committed
		}
	}

	for _, e := range newEntries {
		n.pendingIDs = append(n.pendingIDs, e.ID)
		if cfg, ok := memberships[e.ID.Index]; ok {
			cs := confState{index: e.ID.Index, cfg: cfg}
			n.confPending = append(n.confPending, cs)
			n.effective = cs
		}
	}
	n.lastLog = newEntries[len(newEntries)-1].ID
	if role := n.resolveRole(); role != n.role {
		n.role = role
		n.publishRole()
	}

	n.advanceLeaderCommitBound(args.LeaderCommit)

	op := logOp{epoch: n.writerEpoch, append: newEntries, reply: n.appendReplyFunc(respCh)}
	if truncate {
		after := truncateAfter
		op.truncateAfter = &after
	}
	n.writer.enqueue(op)
	return nil
}

// appendReplyFunc builds the writer-side completion that acknowledges an
// append only after fsync.
func (n *Node) appendReplyFunc(respCh chan *AppendEntriesReply) func(error) {
	term := n.term
	return func(err error) {
		if err != nil {
			respCh <- &AppendEntriesReply{Term: term, Success: false}
			return
		}
		respCh <- &AppendEntriesReply{Term: term, Success: true}
	}
}

func (n *Node) advanceLeaderCommitBound(leaderCommit uint64) {
	if leaderCommit > n.lastLeaderCommit {
		n.lastLeaderCommit = leaderCommit
	}
}

// idAt resolves the full log id at index; index must be at or above the
// snapshot boundary and at or below the in-memory tail.
func (n *Node) idAt(index uint64) LogID {
	if index == 0 {
		return LogID{}
	}
	if t, ok := n.termAt(index); ok {
		return LogID{Term: t, Index: index}
	}
	return LogID{}
}

// firstIndexOfTerm walks backward from index to the first entry of term,
// bounded by the snapshot boundary. Used to build conflict hints.
func (n *Node) firstIndexOfTerm(term uint64, index uint64) uint64 {
	i := index
	for i > n.snapIndex()+1 {
		t, ok := n.termAt(i - 1)
		if !ok || t != term {
			break
		}
		i--
	}
	return i
}
