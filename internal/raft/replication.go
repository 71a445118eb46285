package raft

import (
	"errors"
	"io"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/membership"
)

// Replication stream backoff after an unreachable peer.
const (
	streamBackoffMin = 20 * time.Millisecond
	streamBackoffMax = 1 * time.Second
)

var errPeerTermAhead = errors.New("raft: peer reported a newer term")

// stream replicates the log to one peer for the life of one leadership
// term. All stream fields are owned by the stream goroutine; it talks to
// the core only through shared atomics and posted events, and reads the
// log and snapshot stores directly (both allow concurrent readers).
type stream struct {
	node  *Node
	peer  uint64
	term  uint64 // leadership term, fixed for the stream's life
	next  uint64 // next log index to send
	match uint64 // highest index the peer has acknowledged durable

	notify chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// startStreams opens a replication stream to every other member. Leader
// only, on the loop goroutine.
func (n *Node) startStreams() {
	for _, p := range n.effective.cfg.Remotes(n.id) {
		n.startStream(p)
	}
}

func (n *Node) startStream(p membership.Peer) {
	n.transport.AddPeer(p.ID, p.Addr)
	s := &stream{
		node:   n,
		peer:   p.ID,
		term:   n.term,
		next:   n.lastLog.Index + 1,
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	n.streams[p.ID] = s
	go s.run()
}

// stopStreams signals every stream to exit. In-flight RPCs finish on
// their own; any events they still post are dropped by the term gate.
func (n *Node) stopStreams() {
	for id, s := range n.streams {
		close(s.stopCh)
		delete(n.streams, id)
	}
}

// notifyStreams wakes every stream to check for new work. The channel
// holds one token, so repeated notifications collapse.
func (n *Node) notifyStreams() {
	for _, s := range n.streams {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// reconcileStreams adjusts running streams to the effective membership
// after a change: removed members stop, added members start, addresses
// refresh.
func (n *Node) reconcileStreams() {
	if n.role != RoleLeader {
		return
	}
	want := make(map[uint64]membership.Peer)
	for _, p := range n.effective.cfg.Remotes(n.id) {
		want[p.ID] = p
	}
	for id, s := range n.streams {
		if _, ok := want[id]; ok {
			continue
		}
		close(s.stopCh)
		delete(n.streams, id)
		delete(n.matchIndex, id)
		delete(n.ackTimes, id)
		n.transport.RemovePeer(id)
	}
	for id, p := range want {
		if _, ok := n.streams[id]; !ok {
			n.startStream(p)
			continue
		}
		n.transport.AddPeer(id, p.Addr)
	}
}

// handleProgress records replication progress reported by a stream.
// Events from a previous term's streams are dropped.
func (n *Node) handleProgress(ev progressEvent) {
	if n.role != RoleLeader || ev.term != n.term {
		return
	}
	if ev.match > n.matchIndex[ev.peer] {
		n.matchIndex[ev.peer] = ev.match
	}
	if ev.ackAt.After(n.ackTimes[ev.peer]) {
		n.ackTimes[ev.peer] = ev.ackAt
	}
	n.tryAdvanceCommit()
}

// run drives one peer until the stream is stopped: replicate whatever is
// pending, then sleep until new entries arrive or the heartbeat is due.
// Unreachable peers are retried with exponential backoff.
func (s *stream) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.node.opts.HeartbeatInterval)
	defer ticker.Stop()
	backoff := streamBackoffMin

	for {
		more, err := s.replicate()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > streamBackoffMax {
				backoff = streamBackoffMax
			}
			continue
		}
		backoff = streamBackoffMin
		if more {
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}
		select {
		case <-s.stopCh:
			return
		case <-s.notify:
		case <-ticker.C:
		}
	}
}

// replicate sends one AppendEntries round (or a snapshot when the peer
// is behind the log's retained prefix). It reports whether more entries
// are already waiting so the caller can keep the pipe full.
func (s *stream) replicate() (bool, error) {
	n := s.node
	durable := n.sharedDurable.Load()

	// Only durable entries are sent, so the attach point never runs
	// ahead of what the store holds.
	prevIndex := s.next - 1
	if prevIndex > durable {
		prevIndex = durable
	}
	prevTerm, ok, err := s.resolveTerm(prevIndex)
	if err != nil {
		return false, err
	}
	if !ok {
		// The attach point is compacted away; only a snapshot can help.
		if err := s.sendSnapshot(); err != nil {
			return false, err
		}
		return s.next <= durable, nil
	}

	var entries []*Entry
	if prevIndex < durable {
		hi := prevIndex + uint64(n.opts.MaxEntriesPerAppend)
		if hi > durable {
			hi = durable
		}
		entries, err = n.log.Entries(prevIndex+1, hi, n.opts.MaxBytesPerAppend)
		if err == ErrCompacted {
			if err := s.sendSnapshot(); err != nil {
				return false, err
			}
			return s.next <= durable, nil
		}
		if err != nil {
			n.logger.Warn("reading entries for peer failed",
				"nodeId", n.id, "peer", s.peer, "index", prevIndex+1, "error", err)
			return false, err
		}
	}

	args := &AppendEntriesArgs{
		Term:         s.term,
		LeaderID:     n.id,
		PrevLogTerm:  prevTerm,
		PrevLogIndex: prevIndex,
		LeaderCommit: n.sharedCommit.Load(),
		Entries:      entries,
	}
	resp, err := n.transport.Send(s.peer, RPCAppendEntries, args.Serialize())
	if err != nil {
		return false, err
	}
	reply, err := DeserializeAppendEntriesReply(resp)
	if err != nil {
		return false, err
	}

	if reply.Term > s.term {
		n.postEvent(peerTermEvent{peer: s.peer, term: reply.Term})
		return false, errPeerTermAhead
	}

	if reply.Success {
		acked := prevIndex + uint64(len(entries))
		if acked > s.match {
			s.match = acked
		}
		s.next = acked + 1
		// Every acknowledgement counts for the lease, even an empty one.
		n.postEvent(progressEvent{term: s.term, peer: s.peer, match: s.match, ackAt: time.Now()})
		return s.next <= durable, nil
	}

	s.next = s.conflictTarget(reply)
	if s.next == 0 {
		s.next = 1
	}
	return true, nil
}

// conflictTarget turns a rejection's conflict hint into the next index
// to try. If this log has entries of the conflicting term, resume right
// after the last of them; otherwise skip the whole term on the follower.
func (s *stream) conflictTarget(reply *AppendEntriesReply) uint64 {
	if reply.ConflictTerm == 0 {
		if reply.ConflictIndex == 0 {
			return 1
		}
		return reply.ConflictIndex
	}
	i := s.next - 1
	for i > 0 {
		t, err := s.node.log.Term(i)
		if err != nil {
			break // compacted; the snapshot path takes over next round
		}
		if t == reply.ConflictTerm {
			return i + 1
		}
		if t < reply.ConflictTerm {
			break
		}
		i--
	}
	return reply.ConflictIndex
}

// resolveTerm looks up the term at index from the log or the snapshot
// boundary. ok is false when the index is compacted away.
func (s *stream) resolveTerm(index uint64) (uint64, bool, error) {
	if index == 0 {
		return 0, true, nil
	}
	t, err := s.node.log.Term(index)
	if err == nil {
		return t, true, nil
	}
	if err != ErrCompacted && err != ErrIndexOutOfRange {
		return 0, false, err
	}
	meta, merr := s.node.snapshots.Meta()
	if merr == nil && meta.Last.Index == index {
		return meta.Last.Term, true, nil
	}
	if merr == nil && meta.Last.Index > index {
		return 0, false, nil
	}
	return 0, false, err
}

// sendSnapshot streams the current snapshot to the peer in chunks. Any
// failure abandons the transfer; the next round restarts it from the
// beginning. On success the peer is caught up to the snapshot position.
func (s *stream) sendSnapshot() error {
	n := s.node
	meta, rc, err := n.snapshots.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	n.logger.Info("sending snapshot",
		"nodeId", n.id, "peer", s.peer, "snapshot", meta.Last.String(), "size", meta.Size)

	chunk := make([]byte, n.opts.SnapshotChunkSize)
	offset := uint64(0)
	for {
		size := meta.Size - offset
		if size > uint64(n.opts.SnapshotChunkSize) {
			size = uint64(n.opts.SnapshotChunkSize)
		}
		buf := chunk[:size]
		if size > 0 {
			if _, err := io.ReadFull(rc, buf); err != nil {
				return err
			}
		}
		done := offset+size == meta.Size
		if err := s.sendChunk(meta, offset, buf, done); err != nil {
			return err
		}
		offset += size
		if done {
			break
		}
	}

	if meta.Last.Index > s.match {
		s.match = meta.Last.Index
	}
	s.next = meta.Last.Index + 1
	n.postEvent(progressEvent{term: s.term, peer: s.peer, match: s.match, ackAt: time.Now()})
	n.logger.Info("snapshot sent", "nodeId", n.id, "peer", s.peer, "snapshot", meta.Last.String())
	return nil
}

func (s *stream) sendChunk(meta *SnapshotMeta, offset uint64, data []byte, done bool) error {
	args := &InstallSnapshotArgs{
		Term:     s.term,
		LeaderID: s.node.id,
		Meta:     meta,
		Offset:   offset,
		Data:     data,
		Done:     done,
	}
	resp, err := s.node.transport.Send(s.peer, RPCInstallSnapshot, args.Serialize())
	if err != nil {
		return err
	}
	reply, err := DeserializeInstallSnapshotReply(resp)
	if err != nil {
		return err
	}
	if reply.Term > s.term {
		s.node.postEvent(peerTermEvent{peer: s.peer, term: reply.Term})
		return errPeerTermAhead
	}
	return nil
}
