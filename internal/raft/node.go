package raft

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/membership"
)

// confState pairs a membership configuration with the log index of the
// entry that introduced it.
type confState struct {
	index uint64
	cfg   *membership.Membership
}

// Node is one consensus server. All consensus state is owned by a single
// event loop goroutine; public methods post events into the loop and wait
// for the answer, so they are safe to call from any goroutine.
type Node struct {
	// Configuration
	id   uint64
	opts *Options

	// Collaborators
	log       LogStore
	stable    StableStore
	snapshots SnapshotStore
	machine   StateMachine
	transport Transport
	logger    Logger

	// Event plumbing
	evCh     chan interface{} // RPCs, timers, task completions
	clientCh chan interface{} // bounded client proposals/reads
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  int32

	// Background tasks
	writer  *logWriter
	applier *applier

	// Mirrors published by the loop for lock-free readers.
	sharedTerm       atomic.Uint64
	sharedRole       atomic.Uint32
	sharedLeader     atomic.Uint64
	sharedLeaderAddr atomic.Value // string
	sharedCommit     atomic.Uint64
	sharedApplied    atomic.Uint64
	sharedDurable    atomic.Uint64

	errMu    sync.Mutex
	faultErr error

	// ----- everything below is owned by the loop goroutine -----

	role              uint8
	term              uint64
	votedFor          uint64
	voteCommitted     bool
	leaderID          uint64
	lastLeaderContact time.Time

	lastLog          LogID
	lastDurable      uint64
	pendingIDs       []LogID // ids of entries dispatched to the writer, not yet durable
	writerEpoch      uint64  // bumped on log reset; stale writer completions are dropped
	commitIndex      uint64
	lastApplied      uint64
	lastLeaderCommit uint64
	applyInFlight    bool

	snapMeta           *SnapshotMeta
	snapshotInFlight   bool
	installing         bool
	staging            *snapshotStaging
	bytesSinceSnapshot uint64

	committed     confState
	effective     confState
	confPending   []confState // appended, not yet committed membership entries
	confFut       *proposeFuture
	confDoneIndex uint64

	streams      map[uint64]*stream
	matchIndex   map[uint64]uint64
	ackTimes     map[uint64]time.Time
	pendingProps map[uint64]*proposeFuture

	readWaiters  map[uint64][]*readFuture
	barrierIndex uint64

	electionEpoch uint64
	votesGranted  map[uint64]bool
	electionTimer *time.Timer

	faulted bool
}

// NewNode creates a node from its options, backends, and the membership
// to assume when neither a snapshot nor the log carries one (the
// bootstrap configuration). Recovery runs here: hard state, snapshot and
// log are loaded and reconciled before any goroutine starts.
func NewNode(opts *Options, b Backends, initial *membership.Membership) (*Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if b.Log == nil || b.Stable == nil || b.Snapshots == nil || b.Machine == nil || b.Transport == nil {
		return nil, fmt.Errorf("%w: missing backend", ErrInvalidConfig)
	}
	opts = opts.withDefaults()

	n := &Node{
		id:           opts.ID,
		opts:         opts,
		log:          b.Log,
		stable:       b.Stable,
		snapshots:    b.Snapshots,
		machine:      b.Machine,
		transport:    b.Transport,
		logger:       opts.Logger,
		evCh:         make(chan interface{}, 1024),
		clientCh:     make(chan interface{}, opts.ProposalQueueDepth),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		streams:      make(map[uint64]*stream),
		matchIndex:   make(map[uint64]uint64),
		ackTimes:     make(map[uint64]time.Time),
		pendingProps: make(map[uint64]*proposeFuture),
		readWaiters:  make(map[uint64][]*readFuture),
		votesGranted: make(map[uint64]bool),
	}
	n.sharedLeaderAddr.Store("")

	if err := n.recover(initial); err != nil {
		return nil, err
	}

	n.writer = newLogWriter(n)
	n.applier = newApplier(n)
	return n, nil
}

// recover loads hard state, snapshot and log, reconciles them after a
// possible crash, and rebuilds the membership view.
func (n *Node) recover(initial *membership.Membership) error {
	hs, err := n.stable.HardState()
	if err != nil {
		return err
	}
	if hs != nil {
		n.term = hs.Term
		n.votedFor = hs.VotedFor
		n.voteCommitted = hs.Committed
	}

	meta, err := n.snapshots.Meta()
	if err != nil && err != ErrNoSnapshot {
		return err
	}
	if err == nil {
		n.snapMeta = meta
	}

	// Reconcile the log against the snapshot. A crash between snapshot
	// install and log reset leaves a log that ends before the snapshot;
	// a crash before the purge leaves entries the snapshot already
	// covers.
	lastIdx, err := n.log.LastIndex()
	if err != nil {
		return err
	}
	if n.snapMeta != nil {
		if lastIdx < n.snapMeta.Last.Index {
			if err := n.log.Reset(n.snapMeta.Last); err != nil {
				return err
			}
			lastIdx = n.snapMeta.Last.Index
		} else {
			firstIdx, err := n.log.FirstIndex()
			if err != nil {
				return err
			}
			if firstIdx != 0 && firstIdx <= n.snapMeta.Last.Index {
				if err := n.log.PurgeTo(n.snapMeta.Last.Index); err != nil {
					return err
				}
			}
		}
	}

	switch {
	case n.snapMeta != nil && lastIdx <= n.snapMeta.Last.Index:
		n.lastLog = n.snapMeta.Last
	case lastIdx == 0:
		n.lastLog = LogID{}
	default:
		term, err := n.log.Term(lastIdx)
		if err != nil {
			return err
		}
		n.lastLog = LogID{Term: term, Index: lastIdx}
	}
	n.lastDurable = n.lastLog.Index

	if n.snapMeta != nil {
		n.commitIndex = n.snapMeta.Last.Index
		n.lastApplied = n.snapMeta.Last.Index
		n.bytesSinceSnapshot = 0

		_, rc, err := n.snapshots.Open()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
		if err := n.machine.Restore(data); err != nil {
			return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
		}
	}

	// Membership: snapshot meta is the committed base, overridden by any
	// membership entries retained in the log (the last one is effective;
	// uncommitted ones become committed once a leader confirms them).
	base := initial
	baseIndex := uint64(0)
	if n.snapMeta != nil {
		base = n.snapMeta.Membership
		baseIndex = n.snapMeta.Last.Index
	}
	n.committed = confState{index: baseIndex, cfg: base}
	n.effective = n.committed
	if err := n.scanLogMembership(); err != nil {
		return err
	}
	if n.effective.cfg == nil {
		return fmt.Errorf("%w: no membership in snapshot, log, or bootstrap", ErrInvalidConfig)
	}
	n.role = n.resolveRole()

	n.publishTerm()
	n.publishIndexes()
	n.publishLeader(0)
	return nil
}

// scanLogMembership walks retained log entries and picks up membership
// changes appended after the snapshot.
func (n *Node) scanLogMembership() error {
	first, err := n.log.FirstIndex()
	if err != nil {
		return err
	}
	if first == 0 {
		return nil
	}
	last := n.lastLog.Index
	for idx := first; idx <= last; {
		batch, err := n.log.Entries(idx, last, 8<<20)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			if e.Type != EntryMembership {
				continue
			}
			cfg, err := membership.Deserialize(e.Data)
			if err != nil {
				return err
			}
			cs := confState{index: e.ID.Index, cfg: cfg}
			n.effective = cs
			if e.ID.Index <= n.commitIndex {
				n.committed = cs
				n.confPending = n.confPending[:0]
			} else {
				n.confPending = append(n.confPending, cs)
			}
		}
		idx = batch[len(batch)-1].ID.Index + 1
	}
	return nil
}

// Start launches the transport listener, the background tasks and the
// event loop.
func (n *Node) Start() error {
	if !atomic.CompareAndSwapInt32(&n.running, 0, 1) {
		return nil // Already running
	}

	if err := n.transport.Listen(n.handleRPC); err != nil {
		atomic.StoreInt32(&n.running, 0)
		return err
	}

	go n.writer.run()
	go n.applier.run()
	go n.run()

	n.logger.Info("raft node started",
		"nodeId", n.id, "term", n.term, "lastLog", n.lastLog.String(),
		"membership", n.effective.cfg.String())
	return nil
}

// Shutdown stops the node and waits for the event loop and tasks to
// exit. Pending proposals and reads fail with ErrNodeStopped.
func (n *Node) Shutdown() {
	if !atomic.CompareAndSwapInt32(&n.running, 1, 0) {
		return // Not running
	}
	close(n.stopCh)
	n.transport.Close()
	<-n.doneCh
}

// ID returns the node's server id.
func (n *Node) ID() uint64 { return n.id }

// Term returns the current term.
func (n *Node) Term() uint64 { return n.sharedTerm.Load() }

// Role returns the current role (RoleFollower, RoleCandidate, ...).
func (n *Node) Role() uint8 { return uint8(n.sharedRole.Load()) }

// IsLeader reports whether this node currently believes it is the leader.
func (n *Node) IsLeader() bool { return n.Role() == RoleLeader }

// CommitIndex returns the commit index.
func (n *Node) CommitIndex() uint64 { return n.sharedCommit.Load() }

// LastApplied returns the last applied index.
func (n *Node) LastApplied() uint64 { return n.sharedApplied.Load() }

// LeaderHint returns the last known leader's id and address. Id zero
// means no leader is known. The hint may be stale.
func (n *Node) LeaderHint() (uint64, string) {
	return n.sharedLeader.Load(), n.sharedLeaderAddr.Load().(string)
}

// Err returns the storage fault that halted the node, if any.
func (n *Node) Err() error {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	return n.faultErr
}

// Propose submits a command for replication. It returns once the command
// is committed and applied, with the entry's log id and the state
// machine's result. Only the leader accepts proposals; other nodes
// return a NotLeaderError carrying the leader hint.
//
// If ctx expires the command's outcome is unknown: it may still commit.
// Callers that retry must deduplicate in the state machine.
func (n *Node) Propose(ctx context.Context, cmd []byte) (LogID, interface{}, error) {
	if atomic.LoadInt32(&n.running) == 0 {
		return LogID{}, nil, ErrNodeStopped
	}
	if !n.IsLeader() {
		return LogID{}, nil, n.notLeaderErr()
	}
	fut := newProposeFuture()
	select {
	case n.clientCh <- proposeEvent{entryType: EntryCommand, data: cmd, fut: fut}:
	default:
		return LogID{}, nil, ErrProposalDropped
	}
	select {
	case res := <-fut.ch:
		return res.id, res.result, res.err
	case <-ctx.Done():
		return LogID{}, nil, ctx.Err()
	case <-n.stopCh:
		return LogID{}, nil, ErrNodeStopped
	}
}

// Read executes a linearizable read-only query against the state
// machine: the result reflects every write committed before Read was
// accepted. Only the leader serves reads.
func (n *Node) Read(ctx context.Context, req []byte) (interface{}, error) {
	if atomic.LoadInt32(&n.running) == 0 {
		return nil, ErrNodeStopped
	}
	if !n.IsLeader() {
		return nil, n.notLeaderErr()
	}
	fut := newReadFuture(req)
	select {
	case n.clientCh <- readEvent{fut: fut}:
	default:
		return nil, ErrProposalDropped
	}
	select {
	case res := <-fut.ch:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.stopCh:
		return nil, ErrNodeStopped
	}
}

// ChangeMembership replaces the voter set through a joint (two-phase)
// change. It returns once the final configuration is committed. Only one
// change may be in flight at a time; concurrent changes fail with
// ErrMembershipInFlight.
func (n *Node) ChangeMembership(ctx context.Context, voters []membership.Peer) error {
	return n.confChange(ctx, changeVotersEvent{target: voters, fut: newProposeFuture()})
}

// PromoteLearner makes a learner a voter through a joint change keeping
// all current voters.
func (n *Node) PromoteLearner(ctx context.Context, id uint64) error {
	return n.confChange(ctx, changeVotersEvent{promote: id, fut: newProposeFuture()})
}

// AddLearner adds a non-voting learner. The learner starts receiving log
// and snapshot replication immediately; quorums are unaffected.
func (n *Node) AddLearner(ctx context.Context, p membership.Peer) error {
	return n.confChange(ctx, addLearnerEvent{peer: p, fut: newProposeFuture()})
}

// RemoveLearner removes a learner from the group.
func (n *Node) RemoveLearner(ctx context.Context, id uint64) error {
	return n.confChange(ctx, removeLearnerEvent{id: id, fut: newProposeFuture()})
}

func (n *Node) confChange(ctx context.Context, ev interface{}) error {
	if atomic.LoadInt32(&n.running) == 0 {
		return ErrNodeStopped
	}
	if !n.IsLeader() {
		return n.notLeaderErr()
	}
	var fut *proposeFuture
	switch e := ev.(type) {
	case changeVotersEvent:
		fut = e.fut
	case addLearnerEvent:
		fut = e.fut
	case removeLearnerEvent:
		fut = e.fut
	}
	select {
	case n.clientCh <- ev:
	default:
		return ErrProposalDropped
	}
	select {
	case res := <-fut.ch:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopCh:
		return ErrNodeStopped
	}
}

// Status returns a consistent snapshot of the node's consensus state.
func (n *Node) Status() (Status, error) {
	if atomic.LoadInt32(&n.running) == 0 {
		return Status{}, ErrNodeStopped
	}
	respCh := make(chan Status, 1)
	select {
	case n.evCh <- statusEvent{respCh: respCh}:
	case <-n.stopCh:
		return Status{}, ErrNodeStopped
	}
	select {
	case st := <-respCh:
		return st, nil
	case <-n.stopCh:
		return Status{}, ErrNodeStopped
	}
}

func (n *Node) notLeaderErr() error {
	id, addr := n.LeaderHint()
	return &NotLeaderError{LeaderID: id, LeaderAddr: addr}
}

// handleRPC decodes an incoming request, posts it into the loop and waits
// for the loop's reply. It runs on transport goroutines.
func (n *Node) handleRPC(msgType uint8, data []byte) []byte {
	switch msgType {
	case RPCRequestVote:
		args, err := DeserializeRequestVoteArgs(data)
		if err != nil {
			return nil
		}
		respCh := make(chan *RequestVoteReply, 1)
		if !n.postEvent(rpcVoteEvent{args: args, respCh: respCh}) {
			return nil
		}
		select {
		case reply := <-respCh:
			return reply.Serialize()
		case <-n.stopCh:
			return nil
		}
	case RPCAppendEntries:
		args, err := DeserializeAppendEntriesArgs(data)
		if err != nil {
			return nil
		}
		respCh := make(chan *AppendEntriesReply, 1)
		if !n.postEvent(rpcAppendEvent{args: args, respCh: respCh}) {
			return nil
		}
		select {
		case reply := <-respCh:
			return reply.Serialize()
		case <-n.stopCh:
			return nil
		}
	case RPCInstallSnapshot:
		args, err := DeserializeInstallSnapshotArgs(data)
		if err != nil {
			return nil
		}
		respCh := make(chan *InstallSnapshotReply, 1)
		if !n.postEvent(rpcSnapshotEvent{args: args, respCh: respCh}) {
			return nil
		}
		select {
		case reply := <-respCh:
			return reply.Serialize()
		case <-n.stopCh:
			return nil
		}
	default:
		return nil
	}
}

// postEvent posts into the loop, reporting false if the node stopped.
func (n *Node) postEvent(ev interface{}) bool {
	select {
	case n.evCh <- ev:
		return true
	case <-n.stopCh:
		return false
	}
}
