package raft

import (
	"encoding/binary"
	"fmt"
)

// Node roles.
const (
	RoleFollower uint8 = iota
	RolePreCandidate
	RoleCandidate
	RoleLeader
	RoleLearner
)

// RoleName returns a human-readable role name.
func RoleName(role uint8) string {
	switch role {
	case RoleFollower:
		return "follower"
	case RolePreCandidate:
		return "pre-candidate"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleLearner:
		return "learner"
	default:
		return "unknown"
	}
}

// LogID identifies a log entry by the term it was proposed in and its
// position in the log. LogIDs order term-first: an entry from a higher
// term is always newer than any entry from a lower term, regardless of
// index.
type LogID struct {
	Term  uint64
	Index uint64
}

// Less reports whether l orders before other (term first, then index).
func (l LogID) Less(other LogID) bool {
	if l.Term != other.Term {
		return l.Term < other.Term
	}
	return l.Index < other.Index
}

// AtLeast reports whether l is as up-to-date as other. Candidates must
// pass this check against a voter's last log id to win its vote.
func (l LogID) AtLeast(other LogID) bool {
	return !l.Less(other)
}

// IsZero reports whether l is the zero id (the empty log).
func (l LogID) IsZero() bool {
	return l.Term == 0 && l.Index == 0
}

func (l LogID) String() string {
	return fmt.Sprintf("%d.%d", l.Term, l.Index)
}

// Log entry types.
const (
	// EntryCommand carries an opaque state machine command.
	EntryCommand uint8 = iota

	// EntryMembership carries a serialized membership configuration.
	EntryMembership

	// EntryBlank is appended by a new leader to commit its term. Blank
	// entries are not passed to the state machine.
	EntryBlank
)

// Entry is a single log entry.
type Entry struct {
	ID   LogID
	Type uint8
	Data []byte
}

// Serialize encodes the entry to bytes.
//
// Format: [Term:8][Index:8][Type:1][DataLen:4][Data:N]
func (e *Entry) Serialize() []byte {
	buf := make([]byte, 21+len(e.Data))
	binary.LittleEndian.PutUint64(buf[0:8], e.ID.Term)
	binary.LittleEndian.PutUint64(buf[8:16], e.ID.Index)
	buf[16] = e.Type
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(e.Data)))
	copy(buf[21:], e.Data)
	return buf
}

// DeserializeEntry decodes an entry from bytes.
func DeserializeEntry(data []byte) (*Entry, error) {
	if len(data) < 21 {
		return nil, ErrCorrupted
	}
	dataLen := binary.LittleEndian.Uint32(data[17:21])
	if uint64(len(data)) < 21+uint64(dataLen) {
		return nil, ErrCorrupted
	}
	e := &Entry{
		ID: LogID{
			Term:  binary.LittleEndian.Uint64(data[0:8]),
			Index: binary.LittleEndian.Uint64(data[8:16]),
		},
		Type: data[16],
	}
	if dataLen > 0 {
		e.Data = make([]byte, dataLen)
		copy(e.Data, data[21:21+dataLen])
	}
	return e, nil
}

// HardState is the durable per-node consensus state. It must be synced to
// stable storage before any vote or term change becomes visible to peers.
type HardState struct {
	// Term is the highest term this node has seen.
	Term uint64

	// VotedFor is the candidate that received this node's vote in Term,
	// or zero if no vote was cast.
	VotedFor uint64

	// Committed records that a leader was established for Term: either
	// this node won the election or it accepted entries from the term's
	// leader. A committed (Term, VotedFor) pair names a leader whose
	// entries may not be lost, so it must never regress.
	Committed bool
}

// Serialize encodes the hard state to bytes.
//
// Format: [Term:8][VotedFor:8][Committed:1]
func (h *HardState) Serialize() []byte {
	buf := make([]byte, 17)
	binary.LittleEndian.PutUint64(buf[0:8], h.Term)
	binary.LittleEndian.PutUint64(buf[8:16], h.VotedFor)
	if h.Committed {
		buf[16] = 1
	}
	return buf
}

// DeserializeHardState decodes a hard state from bytes.
func DeserializeHardState(data []byte) (*HardState, error) {
	if len(data) < 17 {
		return nil, ErrCorrupted
	}
	return &HardState{
		Term:      binary.LittleEndian.Uint64(data[0:8]),
		VotedFor:  binary.LittleEndian.Uint64(data[8:16]),
		Committed: data[16] == 1,
	}, nil
}

// Read policies for linearizable reads.
const (
	// ReadCommitConfirmed confirms leadership through a round of
	// replication before serving the read. Always safe; costs one
	// commit round per read batch.
	ReadCommitConfirmed uint8 = iota

	// ReadLeaderLease serves reads while a quorum-acknowledged lease is
	// valid. Cheaper, but correct only while clocks drift less than the
	// configured bound.
	ReadLeaderLease
)

// Status is a point-in-time snapshot of a node's consensus state.
type Status struct {
	ID                 uint64
	Role               uint8
	Term               uint64
	LeaderID           uint64
	LeaderAddr         string
	CommitIndex        uint64
	LastApplied        uint64
	LastLog            LogID
	FirstIndex         uint64
	Snapshot           LogID
	Membership         string
	Voters             []uint64
	Learners           []uint64
	MembershipInFlight bool
}
