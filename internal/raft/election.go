package raft

import "time"

// startPreVote opens an election attempt without touching any persistent
// state: the node asks the voters whether an election at term+1 could
// succeed. Only after a quorum of pre-votes does the real election bump
// the term.
func (n *Node) startPreVote() {
	n.role = RolePreCandidate
	n.publishRole()
	n.electionEpoch++
	n.votesGranted = map[uint64]bool{n.id: true}

	n.logger.Debug("starting pre-vote", "nodeId", n.id, "term", n.term, "lastLog", n.lastLog.String())

	if n.effective.cfg.HasQuorum(n.votesGranted) {
		n.startElection()
		return
	}
	n.sendVoteRequests(true, n.term+1)
	n.resetElectionTimer()
}

// startElection bumps the term, votes for itself and solicits real
// votes. The self-vote is durable before any request leaves the node.
func (n *Node) startElection() {
	n.stepToTerm(n.term + 1)
	n.votedFor = n.id
	if n.persistHardState() != nil {
		return
	}
	n.role = RoleCandidate
	n.publishRole()
	n.electionEpoch++
	n.votesGranted = map[uint64]bool{n.id: true}

	n.logger.Info("starting election", "nodeId", n.id, "term", n.term)

	if n.effective.cfg.HasQuorum(n.votesGranted) {
		n.becomeLeader()
		return
	}
	n.sendVoteRequests(false, n.term)
	n.resetElectionTimer()
}

// sendVoteRequests fans RequestVote out to every other voter. Replies
// come back as events tagged with the round's epoch; stale rounds are
// dropped on arrival.
func (n *Node) sendVoteRequests(preVote bool, term uint64) {
	args := &RequestVoteArgs{
		Term:         term,
		CandidateID:  n.id,
		LastLogTerm:  n.lastLog.Term,
		LastLogIndex: n.lastLog.Index,
		PreVote:      preVote,
	}
	data := args.Serialize()
	epoch := n.electionEpoch

	for _, id := range n.effective.cfg.Voters() {
		if id == n.id {
			continue
		}
		peer := id
		go func() {
			resp, err := n.transport.Send(peer, RPCRequestVote, data)
			if err != nil {
				return
			}
			reply, err := DeserializeRequestVoteReply(resp)
			if err != nil {
				return
			}
			n.postEvent(voteReplyEvent{epoch: epoch, from: peer, preVote: preVote, reply: reply})
		}()
	}
}

// handleVoteReply counts one answer in the current round.
func (n *Node) handleVoteReply(ev voteReplyEvent) {
	if ev.epoch != n.electionEpoch {
		return
	}
	if ev.reply.Term > n.term {
		n.becomeFollower(ev.reply.Term, 0)
		return
	}

	switch {
	case n.role == RolePreCandidate && ev.preVote:
		if !ev.reply.VoteGranted {
			return
		}
		n.votesGranted[ev.from] = true
		if n.effective.cfg.HasQuorum(n.votesGranted) {
			n.startElection()
		}
	case n.role == RoleCandidate && !ev.preVote:
		if !ev.reply.VoteGranted {
			return
		}
		n.votesGranted[ev.from] = true
		if n.effective.cfg.HasQuorum(n.votesGranted) {
			n.becomeLeader()
		}
	}
}

// handleRequestVote answers a vote or pre-vote request.
//
// Grant rules: the request's term must not be behind ours; the
// candidate's log must be at least as up-to-date as ours; for real votes
// we must not have voted for someone else this term and the term must
// not already have an established leader, and a candidate is refused
// outright while a known leader was heard within the minimum election
// timeout (that check runs first and leaves even our term untouched, so
// a rejoining node cannot depose a healthy leader).
// Pre-votes never mutate state: no persistence, no timer reset.
func (n *Node) handleRequestVote(ev rpcVoteEvent) {
	args := ev.args

	if args.Term < n.term {
		ev.respCh <- &RequestVoteReply{Term: n.term, VoteGranted: false}
		return
	}

	if args.PreVote {
		granted := args.LastLog().AtLeast(n.lastLog)
		n.logger.Debug("pre-vote request",
			"nodeId", n.id, "candidate", args.CandidateID, "term", args.Term, "granted", granted)
		ev.respCh <- &RequestVoteReply{Term: n.term, VoteGranted: granted}
		return
	}

	// Leader stickiness: a current leader owns the term until an
	// election timeout passes without contact.
	if n.leaderID != 0 && args.CandidateID != n.leaderID &&
		time.Since(n.lastLeaderContact) < n.opts.ElectionTimeoutMin {
		ev.respCh <- &RequestVoteReply{Term: n.term, VoteGranted: false}
		return
	}

	if args.Term > n.term {
		wasLeader := n.role == RoleLeader
		n.stepToTerm(args.Term)
		n.role = n.resolveRole()
		n.publishRole()
		if wasLeader {
			n.teardownLeader()
			n.resetElectionTimer()
		}
	}

	// A committed term already has its leader; nobody else can win it,
	// so the vote is refused. Unlike the stickiness clock above, the
	// flag is durable and still guards the term after a restart.
	granted := !n.voteCommitted &&
		(n.votedFor == 0 || n.votedFor == args.CandidateID) &&
		args.LastLog().AtLeast(n.lastLog)
	if granted {
		n.votedFor = args.CandidateID
		n.resetElectionTimer()
	}
	if n.persistHardState() != nil {
		ev.respCh <- &RequestVoteReply{Term: n.term, VoteGranted: false}
		return
	}

	n.logger.Debug("vote request",
		"nodeId", n.id, "candidate", args.CandidateID, "term", n.term, "granted", granted)
	ev.respCh <- &RequestVoteReply{Term: n.term, VoteGranted: granted}
}

// becomeLeader takes leadership of the current term: record the win
// durably, start replication streams, and append a blank entry so this
// term can commit (entries from older terms only commit behind it).
func (n *Node) becomeLeader() {
	n.role = RoleLeader
	n.leaderID = n.id
	n.voteCommitted = true
	if n.persistHardState() != nil {
		return
	}
	n.publishRole()
	n.publishLeader(n.id)

	n.matchIndex = make(map[uint64]uint64)
	n.ackTimes = make(map[uint64]time.Time)
	n.lastLeaderContact = time.Now()
	n.startStreams()

	blank := &Entry{Type: EntryBlank}
	idx := n.leaderAppend([]*Entry{blank})
	n.barrierIndex = idx

	n.logger.Info("became leader",
		"nodeId", n.id, "term", n.term, "lastLog", n.lastLog.String(),
		"membership", n.effective.cfg.String())
}
