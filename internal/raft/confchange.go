package raft

import (
	"fmt"

	"github.com/KilimcininKorOglu/kervan/internal/membership"
)

// handlePropose appends a client command on the leader. The future stays
// registered until the entry is applied (resolved with the machine's
// result) or leadership is lost.
func (n *Node) handlePropose(ev proposeEvent) {
	if n.role != RoleLeader {
		ev.fut.resolve(LogID{}, nil, n.notLeaderErr())
		return
	}
	e := &Entry{Type: ev.entryType, Data: ev.data}
	idx := n.leaderAppend([]*Entry{e})
	n.pendingProps[idx] = ev.fut
}

// handleChangeVoters starts a joint change toward a new voter set. With
// promote set, the target is the current voter set plus that learner.
// The future resolves once the final configuration is committed.
func (n *Node) handleChangeVoters(ev changeVotersEvent) {
	if n.role != RoleLeader {
		ev.fut.resolve(LogID{}, nil, n.notLeaderErr())
		return
	}
	if n.confChangeInFlight() {
		ev.fut.resolve(LogID{}, nil, ErrMembershipInFlight)
		return
	}

	target := ev.target
	if ev.promote != 0 {
		if !n.effective.cfg.IsLearner(ev.promote) {
			ev.fut.resolve(LogID{}, nil, fmt.Errorf("%w: server %d is not a learner", ErrInvalidConfig, ev.promote))
			return
		}
		addr, _ := n.effective.cfg.Addr(ev.promote)
		target = append(n.votersAsPeers(), membership.Peer{ID: ev.promote, Addr: addr})
	}

	joint, err := n.effective.cfg.Joint(target)
	if err != nil {
		ev.fut.resolve(LogID{}, nil, err)
		return
	}
	n.confFut = ev.fut
	n.confDoneIndex = 0 // assigned when phase two appends the final entry
	n.appendMembership(joint)
	n.logger.Info("membership change started",
		"nodeId", n.id, "term", n.term, "membership", joint.String())
}

// handleAddLearner adds (or re-addresses) a learner through a single
// membership entry; no joint phase is needed because learners do not
// affect quorums.
func (n *Node) handleAddLearner(ev addLearnerEvent) {
	if n.role != RoleLeader {
		ev.fut.resolve(LogID{}, nil, n.notLeaderErr())
		return
	}
	if n.confChangeInFlight() {
		ev.fut.resolve(LogID{}, nil, ErrMembershipInFlight)
		return
	}
	next, err := n.effective.cfg.WithLearner(ev.peer)
	if err != nil {
		ev.fut.resolve(LogID{}, nil, err)
		return
	}
	n.confFut = ev.fut
	n.confDoneIndex = n.appendMembership(next)
	n.logger.Info("adding learner",
		"nodeId", n.id, "learner", ev.peer.ID, "addr", ev.peer.Addr)
}

// handleRemoveLearner removes a learner through a single membership
// entry.
func (n *Node) handleRemoveLearner(ev removeLearnerEvent) {
	if n.role != RoleLeader {
		ev.fut.resolve(LogID{}, nil, n.notLeaderErr())
		return
	}
	if n.confChangeInFlight() {
		ev.fut.resolve(LogID{}, nil, ErrMembershipInFlight)
		return
	}
	next, err := n.effective.cfg.WithoutLearner(ev.id)
	if err != nil {
		ev.fut.resolve(LogID{}, nil, err)
		return
	}
	n.confFut = ev.fut
	n.confDoneIndex = n.appendMembership(next)
	n.logger.Info("removing learner", "nodeId", n.id, "learner", ev.id)
}

// appendMembership appends a membership entry, makes it effective
// immediately and adjusts replication streams to the new member set.
func (n *Node) appendMembership(cfg *membership.Membership) uint64 {
	e := &Entry{Type: EntryMembership, Data: cfg.Serialize()}
	idx := n.leaderAppend([]*Entry{e})
	cs := confState{index: idx, cfg: cfg}
	n.confPending = append(n.confPending, cs)
	n.effective = cs
	n.reconcileStreams()
	return idx
}

// confChangeInFlight reports whether a membership change is still
// settling: an uncommitted membership entry, an unresolved caller, or a
// committed joint whose final entry has not been appended yet.
func (n *Node) confChangeInFlight() bool {
	return n.confFut != nil || len(n.confPending) > 0 || n.effective.cfg.IsJoint()
}

// committedAdvanced runs after every commit index advance: membership
// entries become committed, a committed joint triggers phase two, the
// waiting caller resolves, and a leader voted out of the configuration
// steps aside.
func (n *Node) committedAdvanced() {
	for len(n.confPending) > 0 && n.confPending[0].index <= n.commitIndex {
		n.committed = n.confPending[0]
		n.confPending = n.confPending[1:]
		n.logger.Debug("membership committed",
			"nodeId", n.id, "index", n.committed.index, "membership", n.committed.cfg.String())
	}

	// Phase two: the joint configuration is committed and nothing newer
	// is in flight, so the leader moves to the final voter set.
	if n.role == RoleLeader && n.committed.cfg.IsJoint() && len(n.confPending) == 0 {
		final := n.committed.cfg.Final()
		n.confDoneIndex = n.appendMembership(final)
		n.logger.Info("joint configuration committed, appending final",
			"nodeId", n.id, "index", n.confDoneIndex, "membership", final.String())
	}

	if n.confFut != nil && n.confDoneIndex != 0 && n.confDoneIndex <= n.commitIndex {
		n.confFut.resolve(LogID{}, nil, nil)
		n.confFut = nil
		n.confDoneIndex = 0
	}

	// A leader that is no longer a voter steps aside once its removal
	// is committed; until then it keeps replicating so the change can
	// finish.
	if n.role == RoleLeader && len(n.confPending) == 0 && !n.committed.cfg.IsVoter(n.id) {
		n.logger.Info("removed from configuration, stepping down",
			"nodeId", n.id, "term", n.term)
		n.leaderID = 0
		n.publishLeader(0)
		n.role = n.resolveRole()
		n.publishRole()
		n.teardownLeader()
		n.resetElectionTimer()
	}
}

// votersAsPeers returns the current voters with their addresses.
func (n *Node) votersAsPeers() []membership.Peer {
	cfg := n.effective.cfg
	ids := cfg.Voters()
	peers := make([]membership.Peer, 0, len(ids))
	for _, id := range ids {
		addr, _ := cfg.Addr(id)
		peers = append(peers, membership.Peer{ID: id, Addr: addr})
	}
	return peers
}
