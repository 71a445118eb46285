package raft

import "time"

// handleRead serves a linearizable read according to the configured
// policy. Reads never touch the log under the lease policy; under the
// commit-confirmed policy concurrent reads share one barrier entry.
func (n *Node) handleRead(ev readEvent) {
	if n.role != RoleLeader {
		ev.fut.resolve(nil, n.notLeaderErr())
		return
	}
	if n.opts.ReadPolicy == ReadLeaderLease {
		n.leaseRead(ev.fut)
		return
	}
	n.barrierRead(ev.fut)
}

// barrierRead confirms leadership by committing a blank entry appended
// at or after the read's arrival, then answers at that apply point. All
// reads that arrive while a barrier is in flight ride the same entry;
// the blank appended on winning an election is the term's first barrier.
func (n *Node) barrierRead(fut *readFuture) {
	if n.barrierIndex == 0 {
		blank := &Entry{Type: EntryBlank}
		n.barrierIndex = n.leaderAppend([]*Entry{blank})
	}
	n.readWaiters[n.barrierIndex] = append(n.readWaiters[n.barrierIndex], fut)
}

// leaseRead serves the read at the current commit point, provided a
// quorum acknowledged this leader recently enough that no other leader
// can have been elected since. The agreed time is the newest instant
// covered by a majority of every active voter set.
func (n *Node) leaseRead(fut *readFuture) {
	now := time.Now()
	agreed := n.effective.cfg.AgreedTime(func(id uint64) time.Time {
		if id == n.id {
			return now
		}
		return n.ackTimes[id]
	})
	if now.After(agreed.Add(n.opts.LeaseDuration)) {
		fut.resolve(nil, ErrLeaseExpired)
		return
	}
	// The term's opening blank entry must be applied before lease reads
	// are served: until then this leader's applied state may trail
	// commits from previous terms.
	if n.barrierIndex != 0 {
		n.readWaiters[n.barrierIndex] = append(n.readWaiters[n.barrierIndex], fut)
		return
	}
	if n.lastApplied >= n.commitIndex {
		n.applier.enqueue(applyJob{queries: []*readFuture{fut}})
		return
	}
	n.readWaiters[n.commitIndex] = append(n.readWaiters[n.commitIndex], fut)
}

// flushReads hands reads whose apply point has been reached to the
// applier. Queries queue behind the applies that satisfied them, so they
// see every write up to their index.
func (n *Node) flushReads() {
	if len(n.readWaiters) == 0 {
		return
	}
	var due []*readFuture
	for idx, futs := range n.readWaiters {
		if idx <= n.lastApplied {
			due = append(due, futs...)
			delete(n.readWaiters, idx)
		}
	}
	if len(due) > 0 {
		n.applier.enqueue(applyJob{queries: due})
	}
}
