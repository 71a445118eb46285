package raft

import (
	"errors"
	"fmt"
)

// Raft errors.
var (
	// ErrNodeStopped is returned when an operation is attempted on a
	// stopped node.
	ErrNodeStopped = errors.New("raft: node stopped")

	// ErrCorrupted is returned when serialized consensus data cannot be
	// decoded.
	ErrCorrupted = errors.New("raft: corrupted data")

	// ErrCompacted is returned when a log index has been discarded by
	// snapshot compaction.
	ErrCompacted = errors.New("raft: log index compacted")

	// ErrIndexOutOfRange is returned when accessing a log index beyond
	// the last entry.
	ErrIndexOutOfRange = errors.New("raft: log index out of range")

	// ErrProposalDropped is returned when the proposal queue is full.
	// The client should retry after backing off.
	ErrProposalDropped = errors.New("raft: proposal dropped, queue full")

	// ErrLeadershipLost is returned for proposals that were accepted but
	// whose fate became unknown because leadership was lost before they
	// committed. The command may or may not survive; clients must
	// deduplicate on retry.
	ErrLeadershipLost = errors.New("raft: leadership lost before commit")

	// ErrMembershipInFlight is returned when a membership change is
	// requested while another one is not yet fully committed.
	ErrMembershipInFlight = errors.New("raft: membership change in flight")

	// ErrLeaseExpired is returned for lease reads when the leader cannot
	// prove a recent quorum acknowledgement.
	ErrLeaseExpired = errors.New("raft: leader lease expired")

	// ErrSnapshotFailed is returned when snapshot creation fails.
	ErrSnapshotFailed = errors.New("raft: snapshot failed")

	// ErrRestoreFailed is returned when snapshot restore fails.
	ErrRestoreFailed = errors.New("raft: restore failed")

	// ErrNoSnapshot is returned when no snapshot is available.
	ErrNoSnapshot = errors.New("raft: no snapshot")

	// ErrTransportClosed is returned when the transport is closed.
	ErrTransportClosed = errors.New("raft: transport closed")

	// ErrConnectFailed is returned when a connection to a peer fails.
	ErrConnectFailed = errors.New("raft: connection failed")

	// ErrStorageFault is returned after a storage write failed. The node
	// halts rather than serve from a log it can no longer trust.
	ErrStorageFault = errors.New("raft: storage fault")

	// ErrInvalidConfig is returned when the node options are invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")
)

// NotLeaderError is returned when a write or read is attempted on a
// non-leader node. It carries the most recent leader hint so clients can
// re-route; the hint may be stale or empty.
type NotLeaderError struct {
	LeaderID   uint64
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == 0 {
		return "raft: not the leader, leader unknown"
	}
	return fmt.Sprintf("raft: not the leader, try server %d (%s)", e.LeaderID, e.LeaderAddr)
}

// IsNotLeader reports whether err is a NotLeaderError and returns it.
func IsNotLeader(err error) (*NotLeaderError, bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle, true
	}
	return nil, false
}
