package raft

import (
	"math/rand"
	"time"
)

// run is the event loop. It is the only goroutine that reads or writes
// consensus state; every input arrives as an event or a timer fire.
func (n *Node) run() {
	defer close(n.doneCh)
	n.resetElectionTimer()

	for {
		select {
		case <-n.stopCh:
			n.shutdownDrain()
			return
		case <-n.electionTimer.C:
			n.onElectionTimeout()
		case ev := <-n.evCh:
			n.dispatch(ev)
		case ev := <-n.clientCh:
			n.dispatch(ev)
		}
	}
}

func (n *Node) dispatch(ev interface{}) {
	if n.faulted {
		n.dispatchFaulted(ev)
		return
	}
	switch e := ev.(type) {
	case rpcVoteEvent:
		n.handleRequestVote(e)
	case rpcAppendEvent:
		n.handleAppendEntries(e)
	case rpcSnapshotEvent:
		n.handleInstallSnapshot(e)
	case voteReplyEvent:
		n.handleVoteReply(e)
	case progressEvent:
		n.handleProgress(e)
	case peerTermEvent:
		if e.term > n.term {
			n.logger.Info("peer reported higher term, stepping down",
				"nodeId", n.id, "peer", e.peer, "term", e.term)
			n.becomeFollower(e.term, 0)
		}
	case appendDoneEvent:
		n.handleAppendDone(e)
	case purgeDoneEvent:
		n.handlePurgeDone(e)
	case appliedEvent:
		n.handleApplied(e)
	case snapshotBuiltEvent:
		n.handleSnapshotBuilt(e)
	case snapshotInstalledEvent:
		n.handleSnapshotInstalled(e)
	case proposeEvent:
		n.handlePropose(e)
	case changeVotersEvent:
		n.handleChangeVoters(e)
	case addLearnerEvent:
		n.handleAddLearner(e)
	case removeLearnerEvent:
		n.handleRemoveLearner(e)
	case readEvent:
		n.handleRead(e)
	case statusEvent:
		e.respCh <- n.buildStatus()
	case faultEvent:
		n.enterFault(e.err)
	}
}

// dispatchFaulted answers events on a faulted node: RPCs are refused,
// client operations fail, task completions are dropped.
func (n *Node) dispatchFaulted(ev interface{}) {
	switch e := ev.(type) {
	case rpcVoteEvent:
		e.respCh <- &RequestVoteReply{Term: n.term, VoteGranted: false}
	case rpcAppendEvent:
		e.respCh <- &AppendEntriesReply{Term: n.term, Success: false}
	case rpcSnapshotEvent:
		e.respCh <- &InstallSnapshotReply{Term: n.term}
	case proposeEvent:
		e.fut.resolve(LogID{}, nil, ErrStorageFault)
	case changeVotersEvent:
		e.fut.resolve(LogID{}, nil, ErrStorageFault)
	case addLearnerEvent:
		e.fut.resolve(LogID{}, nil, ErrStorageFault)
	case removeLearnerEvent:
		e.fut.resolve(LogID{}, nil, ErrStorageFault)
	case readEvent:
		e.fut.resolve(nil, ErrStorageFault)
	case statusEvent:
		e.respCh <- n.buildStatus()
	}
}

// enterFault halts consensus after an unrecoverable storage error. The
// node keeps answering RPCs negatively so peers are not left hanging,
// but no state advances until the process is restarted.
func (n *Node) enterFault(err error) {
	if n.faulted {
		return
	}
	n.faulted = true
	n.errMu.Lock()
	n.faultErr = err
	n.errMu.Unlock()
	n.logger.Error("storage fault, node halted", "nodeId", n.id, "error", err)

	n.stopStreams()
	n.failPending(ErrStorageFault)
}

// failPending resolves every waiting proposal, membership change and
// read with err.
func (n *Node) failPending(err error) {
	for idx, fut := range n.pendingProps {
		fut.resolve(LogID{}, nil, err)
		delete(n.pendingProps, idx)
	}
	if n.confFut != nil {
		n.confFut.resolve(LogID{}, nil, err)
		n.confFut = nil
		n.confDoneIndex = 0
	}
	for idx, futs := range n.readWaiters {
		for _, fut := range futs {
			fut.resolve(nil, err)
		}
		delete(n.readWaiters, idx)
	}
	n.barrierIndex = 0
}

// shutdownDrain tears the node down when stopCh closes.
func (n *Node) shutdownDrain() {
	n.failPending(ErrNodeStopped)
	n.stopStreams()
	close(n.writer.ch)
	close(n.applier.ch)
	<-n.writer.done
	<-n.applier.done
	n.logger.Info("raft node stopped", "nodeId", n.id, "term", n.term)
}

// stepToTerm adopts a higher term. The caller persists hard state before
// any reply leaves the node.
func (n *Node) stepToTerm(term uint64) {
	n.term = term
	n.votedFor = 0
	n.voteCommitted = false
	n.leaderID = 0
	n.publishTerm()
	n.publishLeader(0)
}

// becomeFollower moves to follower (or learner) state, adopting term if
// it is newer. leader may be zero when unknown.
func (n *Node) becomeFollower(term uint64, leader uint64) {
	wasLeader := n.role == RoleLeader
	changed := false
	if term > n.term {
		n.stepToTerm(term)
		changed = true
	}
	if leader != 0 {
		n.leaderID = leader
		n.publishLeader(leader)
	}
	n.role = n.resolveRole()
	n.publishRole()
	if changed {
		n.persistHardState()
	}
	if wasLeader {
		n.teardownLeader()
	}
	n.resetElectionTimer()
}

// teardownLeader stops replication and fails operations whose fate this
// node can no longer decide.
func (n *Node) teardownLeader() {
	n.stopStreams()
	n.matchIndex = make(map[uint64]uint64)
	n.ackTimes = make(map[uint64]time.Time)
	n.failPending(ErrLeadershipLost)
}

// resolveRole maps membership onto a non-leader role: voters follow,
// everyone else (learners, removed nodes) replicates silently.
func (n *Node) resolveRole() uint8 {
	if n.effective.cfg.IsVoter(n.id) {
		return RoleFollower
	}
	return RoleLearner
}

// persistHardState writes term and vote durably. Failure faults the node:
// serving votes from unsynced state could elect two leaders in one term.
func (n *Node) persistHardState() error {
	hs := &HardState{Term: n.term, VotedFor: n.votedFor, Committed: n.voteCommitted}
	if err := n.stable.StoreHardState(hs); err != nil {
		n.enterFault(err)
		return err
	}
	return nil
}

func (n *Node) onElectionTimeout() {
	if n.role == RoleLeader {
		return // stale fire from before this node won
	}
	if n.installing || !n.effective.cfg.IsVoter(n.id) {
		n.resetElectionTimer()
		return
	}
	n.startPreVote()
}

func (n *Node) resetElectionTimer() {
	timeout := n.randomElectionTimeout()
	if n.electionTimer == nil {
		n.electionTimer = time.NewTimer(timeout)
	} else {
		// Stop the timer and drain the channel if needed
		if !n.electionTimer.Stop() {
			select {
			case <-n.electionTimer.C:
			default:
			}
		}
		n.electionTimer.Reset(timeout)
	}
}

func (n *Node) randomElectionTimeout() time.Duration {
	spread := int64(n.opts.ElectionTimeoutMax - n.opts.ElectionTimeoutMin)
	if spread <= 0 {
		return n.opts.ElectionTimeoutMin
	}
	return n.opts.ElectionTimeoutMin + time.Duration(rand.Int63n(spread+1))
}

// handleAppendDone follows the log writer: the durable index moves to
// exactly what the store now holds (truncations can move it back).
// Completions from before a snapshot install's log reset are stale and
// ignored.
func (n *Node) handleAppendDone(ev appendDoneEvent) {
	if ev.epoch != n.writerEpoch {
		return
	}
	if ev.err != nil {
		n.enterFault(ev.err)
		return
	}
	n.lastDurable = ev.lastIndex
	n.sharedDurable.Store(ev.lastIndex)

	// Drop pending ids the writer has flushed.
	keep := n.pendingIDs[:0]
	for _, id := range n.pendingIDs {
		if id.Index > n.lastDurable {
			keep = append(keep, id)
		}
	}
	n.pendingIDs = keep

	if n.role == RoleLeader {
		n.notifyStreams()
		n.tryAdvanceCommit()
	} else {
		n.advanceFollowerCommit()
	}
}

func (n *Node) handlePurgeDone(ev purgeDoneEvent) {
	if ev.err != nil {
		n.enterFault(ev.err)
		return
	}
	n.logger.Debug("log compacted", "nodeId", n.id, "purgedThrough", ev.index)
}

// handleApplied follows the applier: resolve proposal futures, release
// reads whose apply point has been reached, continue applying, and check
// the snapshot triggers.
func (n *Node) handleApplied(ev appliedEvent) {
	n.lastApplied = ev.upTo
	n.sharedApplied.Store(ev.upTo)
	n.bytesSinceSnapshot += ev.bytes
	n.applyInFlight = false

	for _, res := range ev.results {
		if fut, ok := n.pendingProps[res.id.Index]; ok {
			delete(n.pendingProps, res.id.Index)
			fut.resolve(res.id, res.result, res.err)
		}
	}

	if n.barrierIndex != 0 && n.lastApplied >= n.barrierIndex {
		n.barrierIndex = 0
	}
	n.flushReads()

	n.dispatchApply()
	n.maybeTriggerSnapshot()
}

// dispatchApply hands the next committed range to the applier. At most
// one range is in flight so the applier channel never blocks the loop.
func (n *Node) dispatchApply() {
	if n.applyInFlight || n.installing || n.lastApplied >= n.commitIndex {
		return
	}
	n.applyInFlight = true
	n.applier.enqueue(applyJob{lo: n.lastApplied + 1, hi: n.commitIndex})
}

// advanceCommit raises the commit index and drives everything that hangs
// off a commit: the applier, membership bookkeeping, and phase two of a
// joint change.
func (n *Node) advanceCommit(to uint64) {
	if to <= n.commitIndex {
		return
	}
	n.commitIndex = to
	n.sharedCommit.Store(to)
	n.dispatchApply()
	n.committedAdvanced()
	if n.role == RoleLeader {
		// Followers learn the new commit index on the next append.
		n.notifyStreams()
	}
}

// tryAdvanceCommit recomputes the quorum-agreed index on the leader.
// Only an entry of the current term advances the commit index directly;
// earlier entries commit with it.
func (n *Node) tryAdvanceCommit() {
	agreed := n.effective.cfg.AgreedIndex(func(id uint64) uint64 {
		if id == n.id {
			return n.lastDurable
		}
		return n.matchIndex[id]
	})
	if agreed <= n.commitIndex {
		return
	}
	term, ok := n.termAt(agreed)
	if !ok || term != n.term {
		return
	}
	n.advanceCommit(agreed)
}

// advanceFollowerCommit moves the follower commit index toward the
// leader's, bounded by what is durable locally.
func (n *Node) advanceFollowerCommit() {
	to := n.lastLeaderCommit
	if to > n.lastDurable {
		to = n.lastDurable
	}
	n.advanceCommit(to)
}

func (n *Node) snapIndex() uint64 {
	if n.snapMeta == nil {
		return 0
	}
	return n.snapMeta.Last.Index
}

// termAt resolves the term of a log position from the snapshot boundary,
// the unflushed tail, or the store. ok is false below the snapshot.
func (n *Node) termAt(index uint64) (uint64, bool) {
	if index == 0 {
		return 0, true
	}
	if n.snapMeta != nil {
		if index == n.snapMeta.Last.Index {
			return n.snapMeta.Last.Term, true
		}
		if index < n.snapMeta.Last.Index {
			return 0, false
		}
	}
	if index > n.lastLog.Index {
		return 0, false
	}
	if index > n.lastDurable {
		for _, id := range n.pendingIDs {
			if id.Index == index {
				return id.Term, true
			}
		}
		return 0, false
	}
	term, err := n.log.Term(index)
	if err != nil {
		return 0, false
	}
	return term, true
}

func (n *Node) publishTerm() { n.sharedTerm.Store(n.term) }

func (n *Node) publishRole() { n.sharedRole.Store(uint32(n.role)) }

func (n *Node) publishLeader(id uint64) {
	n.sharedLeader.Store(id)
	addr := ""
	if id != 0 && n.effective.cfg != nil {
		addr, _ = n.effective.cfg.Addr(id)
	}
	n.sharedLeaderAddr.Store(addr)
}

func (n *Node) publishIndexes() {
	n.sharedCommit.Store(n.commitIndex)
	n.sharedApplied.Store(n.lastApplied)
	n.sharedDurable.Store(n.lastDurable)
}

func (n *Node) buildStatus() Status {
	st := Status{
		ID:                 n.id,
		Role:               n.role,
		Term:               n.term,
		LeaderID:           n.leaderID,
		CommitIndex:        n.commitIndex,
		LastApplied:        n.lastApplied,
		LastLog:            n.lastLog,
		FirstIndex:         n.snapIndex() + 1,
		Membership:         n.effective.cfg.String(),
		Voters:             n.effective.cfg.Voters(),
		Learners:           n.effective.cfg.Learners(),
		MembershipInFlight: n.confChangeInFlight(),
	}
	if n.leaderID != 0 {
		st.LeaderAddr, _ = n.effective.cfg.Addr(n.leaderID)
	}
	if n.snapMeta != nil {
		st.Snapshot = n.snapMeta.Last
	}
	return st
}
