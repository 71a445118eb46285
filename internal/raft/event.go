package raft

import (
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/membership"
)

// Events posted into the core loop. The loop goroutine is the only reader
// and the only code allowed to touch consensus state; everything else
// (RPC handlers, timers, tasks, client calls) communicates through these.

// rpcVoteEvent carries an incoming RequestVote. The handler goroutine
// blocks on respCh until the loop has decided.
type rpcVoteEvent struct {
	args   *RequestVoteArgs
	respCh chan *RequestVoteReply
}

// rpcAppendEvent carries an incoming AppendEntries. The loop may hand
// respCh to the log writer so the reply is sent only after fsync.
type rpcAppendEvent struct {
	args   *AppendEntriesArgs
	respCh chan *AppendEntriesReply
}

// rpcSnapshotEvent carries one incoming snapshot chunk.
type rpcSnapshotEvent struct {
	args   *InstallSnapshotArgs
	respCh chan *InstallSnapshotReply
}

// voteReplyEvent reports one peer's answer in an election round. Replies
// from superseded rounds are dropped by the epoch check.
type voteReplyEvent struct {
	epoch   uint64
	from    uint64
	preVote bool
	reply   *RequestVoteReply
}

// progressEvent reports replication progress for one peer: the highest
// index known durable on the peer and when the peer last answered. Streams
// tag events with their leadership term so stale streams are ignored.
type progressEvent struct {
	term  uint64
	peer  uint64
	match uint64
	ackAt time.Time
}

// peerTermEvent reports that a peer answered with a higher term.
type peerTermEvent struct {
	peer uint64
	term uint64
}

// appendDoneEvent reports that the log writer has durably flushed the log
// through lastIndex. The epoch echoes the op's writer epoch: completions
// from before a log reset carry an older epoch and are dropped.
type appendDoneEvent struct {
	epoch     uint64
	lastIndex uint64
	err       error
}

// purgeDoneEvent reports a completed log prefix purge.
type purgeDoneEvent struct {
	index uint64
	err   error
}

// appliedEvent reports state machine progress: entries applied through
// upTo, with per-command results for resolving proposal futures, and the
// total command bytes applied (feeds the snapshot byte trigger).
type appliedEvent struct {
	upTo    uint64
	bytes   uint64
	results []applyResult
}

type applyResult struct {
	id     LogID
	result interface{}
	err    error
}

// snapshotBuiltEvent reports a completed (or failed) snapshot build.
type snapshotBuiltEvent struct {
	meta *SnapshotMeta
	err  error
}

// snapshotInstalledEvent reports a completed (or failed) snapshot
// install on a follower.
type snapshotInstalledEvent struct {
	meta   *SnapshotMeta
	respCh chan *InstallSnapshotReply
	err    error
}

// proposeEvent carries a client write into the loop.
type proposeEvent struct {
	entryType uint8
	data      []byte
	fut       *proposeFuture
}

// changeVotersEvent starts a joint membership change. With promote set,
// the target is the current voter set plus that learner; the loop fills
// in the addresses so callers need not know them.
type changeVotersEvent struct {
	target  []membership.Peer
	promote uint64
	fut     *proposeFuture
}

// addLearnerEvent adds or re-addresses a learner.
type addLearnerEvent struct {
	peer membership.Peer
	fut  *proposeFuture
}

// removeLearnerEvent removes a learner.
type removeLearnerEvent struct {
	id  uint64
	fut *proposeFuture
}

// readEvent carries a linearizable read into the loop.
type readEvent struct {
	fut *readFuture
}

// statusEvent asks the loop for a consistent status snapshot.
type statusEvent struct {
	respCh chan Status
}

// faultEvent reports an unrecoverable storage error from a task.
type faultEvent struct {
	err error
}

// proposeFuture resolves once a proposal's fate is known: applied (with
// the state machine result), superseded, or failed. The channel is
// buffered so the resolver never blocks on an abandoned waiter.
type proposeFuture struct {
	ch chan proposeResult
}

func newProposeFuture() *proposeFuture {
	return &proposeFuture{ch: make(chan proposeResult, 1)}
}

func (f *proposeFuture) resolve(id LogID, result interface{}, err error) {
	f.ch <- proposeResult{id: id, result: result, err: err}
}

type proposeResult struct {
	id     LogID
	result interface{}
	err    error
}

// readFuture resolves once the read's query has run, or with an error if
// linearizability could not be established.
type readFuture struct {
	req []byte
	ch  chan readResult
}

func newReadFuture(req []byte) *readFuture {
	return &readFuture{req: req, ch: make(chan readResult, 1)}
}

func (f *readFuture) resolve(value interface{}, err error) {
	f.ch <- readResult{value: value, err: err}
}

type readResult struct {
	value interface{}
	err   error
}
