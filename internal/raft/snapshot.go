package raft

import "time"

// snapshotStaging accumulates the chunks of one incoming snapshot. A
// transfer is identified by the sending leader and the snapshot's last
// log id; chunks for anything else are ignored until a transfer restarts
// at offset zero.
type snapshotStaging struct {
	leader uint64
	meta   *SnapshotMeta
	buf    []byte
}

// handleInstallSnapshot processes one snapshot chunk from the leader.
//
// The reply carries only this node's term. Chunks that do not extend the
// staged transfer are silently dropped: the leader learns nothing from
// the reply, discovers the miss on its next AppendEntries round, and
// restarts the transfer from offset zero. Duplicate chunks (leader
// retries) are acknowledged without effect.
func (n *Node) handleInstallSnapshot(ev rpcSnapshotEvent) {
	args := ev.args

	if args.Term < n.term {
		ev.respCh <- &InstallSnapshotReply{Term: n.term}
		return
	}

	// A snapshot names a live leader for this term, exactly like an
	// append does.
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
	if role := n.resolveRole(); role != n.role {
		n.role = role
		n.publishRole()
	}
	if wasLeader {
		n.teardownLeader()
	}
	n.resetElectionTimer()
	if needPersist && n.persistHardState() != nil {
		ev.respCh <- &InstallSnapshotReply{Term: n.term}
		return
	}

	if args.Meta.Last.Index <= n.commitIndex || n.installing {
		// Nothing to gain: the snapshot is behind us, or an install is
		// already running. Acknowledge and move on.
		ev.respCh <- &InstallSnapshotReply{Term: n.term}
		return
	}

	if args.Offset == 0 {
		n.staging = &snapshotStaging{
			leader: args.LeaderID,
			meta:   args.Meta,
			buf:    append([]byte(nil), args.Data...),
		}
	} else {
		st := n.staging
		if st == nil || st.leader != args.LeaderID || st.meta.Last != args.Meta.Last {
			ev.respCh <- &InstallSnapshotReply{Term: n.term}
			return
		}
		switch {
		case args.Offset < uint64(len(st.buf)):
			// Duplicate of a chunk already staged.
		case args.Offset > uint64(len(st.buf)):
			// A gap means we missed a chunk; drop the transfer.
			n.staging = nil
			ev.respCh <- &InstallSnapshotReply{Term: n.term}
			return
		default:
			st.buf = append(st.buf, args.Data...)
		}
	}

	if !args.Done {
		ev.respCh <- &InstallSnapshotReply{Term: n.term}
		return
	}

	st := n.staging
	n.staging = nil
	if uint64(len(st.buf)) != st.meta.Size {
		n.logger.Warn("snapshot transfer size mismatch, discarding",
			"nodeId", n.id, "leader", st.leader, "expected", st.meta.Size, "got", len(st.buf))
		ev.respCh <- &InstallSnapshotReply{Term: n.term}
		return
	}

	// The applier persists and restores; the chunk is acknowledged only
	// once the snapshot is durable, so the leader's progress report
	// never runs ahead of this node's disk.
	n.installing = true
	n.applier.enqueue(applyJob{install: &installJob{meta: st.meta, data: st.buf, respCh: ev.respCh}})
	n.logger.Info("snapshot received, installing",
		"nodeId", n.id, "leader", args.LeaderID, "snapshot", st.meta.Last.String(), "size", st.meta.Size)
}

// handleSnapshotInstalled finishes a snapshot install: all in-memory log
// state jumps to the snapshot position, the membership is replaced
// wholesale, and the log store is reset behind a writer epoch bump so
// completions from before the reset cannot resurrect stale state.
func (n *Node) handleSnapshotInstalled(ev snapshotInstalledEvent) {
	n.installing = false
	if ev.err != nil {
		if ev.respCh != nil {
			ev.respCh <- &InstallSnapshotReply{Term: n.term}
		}
		n.enterFault(ev.err)
		return
	}

	meta := ev.meta
	n.snapMeta = meta
	n.lastLog = meta.Last
	n.lastDurable = meta.Last.Index
	n.pendingIDs = n.pendingIDs[:0]
	n.commitIndex = meta.Last.Index
	n.lastApplied = meta.Last.Index
	if n.lastLeaderCommit < meta.Last.Index {
		n.lastLeaderCommit = meta.Last.Index
	}
	n.bytesSinceSnapshot = 0

	n.committed = confState{index: meta.Last.Index, cfg: meta.Membership}
	n.effective = n.committed
	n.confPending = nil
	if role := n.resolveRole(); role != n.role {
		n.role = role
		n.publishRole()
	}

	n.writerEpoch++
	last := meta.Last
	n.writer.enqueue(logOp{epoch: n.writerEpoch, reset: &last})

	n.publishIndexes()
	n.resetElectionTimer()

	ev.respCh <- &InstallSnapshotReply{Term: n.term}
	n.logger.Info("snapshot installed",
		"nodeId", n.id, "snapshot", meta.Last.String(), "membership", meta.Membership.String())
}

// handleSnapshotBuilt records a locally built snapshot and purges the
// log prefix it covers. Build failures are logged and retried at the
// next trigger; the previous snapshot and the full log are still intact.
func (n *Node) handleSnapshotBuilt(ev snapshotBuiltEvent) {
	n.snapshotInFlight = false
	if ev.err != nil {
		n.logger.Warn("snapshot build failed", "nodeId", n.id, "error", ev.err)
		return
	}

	n.snapMeta = ev.meta
	n.bytesSinceSnapshot = 0

	purgeTo := ev.meta.Last.Index
	n.writer.enqueue(logOp{epoch: n.writerEpoch, purgeTo: &purgeTo})

	n.logger.Info("snapshot written",
		"nodeId", n.id, "snapshot", ev.meta.Last.String(), "size", ev.meta.Size)
}

// maybeTriggerSnapshot starts a snapshot build once enough entries or
// bytes have been applied since the last one. The build waits until the
// newest committed membership has been applied, so the snapshot's
// position and membership agree.
func (n *Node) maybeTriggerSnapshot() {
	if n.snapshotInFlight || n.installing {
		return
	}
	if n.committed.index > n.lastApplied {
		return
	}
	entries := n.lastApplied - n.snapIndex()
	if entries < n.opts.SnapshotThreshold &&
		(n.opts.SnapshotThresholdBytes == 0 || n.bytesSinceSnapshot < n.opts.SnapshotThresholdBytes) {
		return
	}
	n.snapshotInFlight = true
	n.applier.enqueue(applyJob{build: &buildJob{membership: n.committed.cfg}})
	n.logger.Debug("snapshot build triggered",
		"nodeId", n.id, "applied", n.lastApplied, "entries", entries, "bytes", n.bytesSinceSnapshot)
}
