package raft

import (
	"bytes"
	"encoding/binary"
	"io"
)

// RPC message types.
const (
	RPCRequestVote uint8 = iota
	RPCAppendEntries
	RPCInstallSnapshot
)

// RequestVoteArgs is sent by candidates to gather votes. With PreVote set
// it probes whether an election could be won without disturbing any term.
type RequestVoteArgs struct {
	Term         uint64 // Candidate's term (proposed term for pre-vote)
	CandidateID  uint64 // Candidate requesting the vote
	LastLogTerm  uint64 // Term of candidate's last log entry
	LastLogIndex uint64 // Index of candidate's last log entry
	PreVote      bool   // True for the non-binding pre-vote round
}

// LastLog returns the candidate's last log id.
func (r *RequestVoteArgs) LastLog() LogID {
	return LogID{Term: r.LastLogTerm, Index: r.LastLogIndex}
}

// Serialize encodes RequestVoteArgs to bytes.
//
// Format: [Term:8][CandidateID:8][LastLogTerm:8][LastLogIndex:8][PreVote:1]
func (r *RequestVoteArgs) Serialize() []byte {
	buf := make([]byte, 33)
	binary.LittleEndian.PutUint64(buf[0:8], r.Term)
	binary.LittleEndian.PutUint64(buf[8:16], r.CandidateID)
	binary.LittleEndian.PutUint64(buf[16:24], r.LastLogTerm)
	binary.LittleEndian.PutUint64(buf[24:32], r.LastLogIndex)
	if r.PreVote {
		buf[32] = 1
	}
	return buf
}

// DeserializeRequestVoteArgs decodes RequestVoteArgs from bytes.
func DeserializeRequestVoteArgs(data []byte) (*RequestVoteArgs, error) {
	if len(data) < 33 {
		return nil, ErrCorrupted
	}
	return &RequestVoteArgs{
		Term:         binary.LittleEndian.Uint64(data[0:8]),
		CandidateID:  binary.LittleEndian.Uint64(data[8:16]),
		LastLogTerm:  binary.LittleEndian.Uint64(data[16:24]),
		LastLogIndex: binary.LittleEndian.Uint64(data[24:32]),
		PreVote:      data[32] == 1,
	}, nil
}

// RequestVoteReply is the response to RequestVote.
type RequestVoteReply struct {
	Term        uint64 // Current term, for candidate to update itself
	VoteGranted bool   // True if candidate received the vote
}

// Serialize encodes RequestVoteReply to bytes.
func (r *RequestVoteReply) Serialize() []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf[0:8], r.Term)
	if r.VoteGranted {
		buf[8] = 1
	}
	return buf
}

// DeserializeRequestVoteReply decodes RequestVoteReply from bytes.
func DeserializeRequestVoteReply(data []byte) (*RequestVoteReply, error) {
	if len(data) < 9 {
		return nil, ErrCorrupted
	}
	return &RequestVoteReply{
		Term:        binary.LittleEndian.Uint64(data[0:8]),
		VoteGranted: data[8] == 1,
	}, nil
}

// AppendEntriesArgs is sent by the leader to replicate log entries and,
// when empty, as a heartbeat.
type AppendEntriesArgs struct {
	Term         uint64   // Leader's term
	LeaderID     uint64   // So followers can redirect clients
	PrevLogTerm  uint64   // Term of the entry immediately preceding Entries
	PrevLogIndex uint64   // Index of the entry immediately preceding Entries
	LeaderCommit uint64   // Leader's commit index
	Entries      []*Entry // Entries to store (empty for heartbeat)
}

// PrevLog returns the log id the entries attach behind.
func (a *AppendEntriesArgs) PrevLog() LogID {
	return LogID{Term: a.PrevLogTerm, Index: a.PrevLogIndex}
}

// Serialize encodes AppendEntriesArgs to bytes.
//
// Format: [Term:8][LeaderID:8][PrevLogTerm:8][PrevLogIndex:8]
// [LeaderCommit:8][NumEntries:8] then per entry [EntryLen:4][Entry:N].
func (a *AppendEntriesArgs) Serialize() []byte {
	var buf bytes.Buffer

	header := make([]byte, 48)
	binary.LittleEndian.PutUint64(header[0:8], a.Term)
	binary.LittleEndian.PutUint64(header[8:16], a.LeaderID)
	binary.LittleEndian.PutUint64(header[16:24], a.PrevLogTerm)
	binary.LittleEndian.PutUint64(header[24:32], a.PrevLogIndex)
	binary.LittleEndian.PutUint64(header[32:40], a.LeaderCommit)
	binary.LittleEndian.PutUint64(header[40:48], uint64(len(a.Entries)))
	buf.Write(header)

	for _, entry := range a.Entries {
		entryData := entry.Serialize()
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(entryData)))
		buf.Write(lenBuf[:])
		buf.Write(entryData)
	}

	return buf.Bytes()
}

// DeserializeAppendEntriesArgs decodes AppendEntriesArgs from bytes.
func DeserializeAppendEntriesArgs(data []byte) (*AppendEntriesArgs, error) {
	if len(data) < 48 {
		return nil, ErrCorrupted
	}

	args := &AppendEntriesArgs{
		Term:         binary.LittleEndian.Uint64(data[0:8]),
		LeaderID:     binary.LittleEndian.Uint64(data[8:16]),
		PrevLogTerm:  binary.LittleEndian.Uint64(data[16:24]),
		PrevLogIndex: binary.LittleEndian.Uint64(data[24:32]),
		LeaderCommit: binary.LittleEndian.Uint64(data[32:40]),
	}

	// Every entry costs at least its 4-byte length prefix, so a count
	// the remaining bytes cannot hold is corruption; allocating off the
	// claimed count would let one bad frame exhaust memory.
	numEntries := binary.LittleEndian.Uint64(data[40:48])
	if numEntries > uint64(len(data)-48)/4 {
		return nil, ErrCorrupted
	}
	args.Entries = make([]*Entry, 0, numEntries)

	reader := bytes.NewReader(data[48:])
	for i := uint64(0); i < numEntries; i++ {
		var entryLen uint32
		if err := binary.Read(reader, binary.LittleEndian, &entryLen); err != nil {
			return nil, ErrCorrupted
		}
		if uint64(entryLen) > uint64(reader.Len()) {
			return nil, ErrCorrupted
		}

		entryData := make([]byte, entryLen)
		if _, err := io.ReadFull(reader, entryData); err != nil {
			return nil, ErrCorrupted
		}

		entry, err := DeserializeEntry(entryData)
		if err != nil {
			return nil, err
		}
		args.Entries = append(args.Entries, entry)
	}

	return args, nil
}

// AppendEntriesReply is the response to AppendEntries. On a log mismatch
// the conflict fields tell the leader where to resume: ConflictTerm is
// the term of the conflicting entry (zero if the follower's log is too
// short) and ConflictIndex is the first index of that term, or the
// follower's last index + 1.
type AppendEntriesReply struct {
	Term          uint64 // Current term, for leader to update itself
	Success       bool   // True if entries were durably accepted
	ConflictTerm  uint64 // Term of the conflicting entry
	ConflictIndex uint64 // First index of the conflicting term
}

// Serialize encodes AppendEntriesReply to bytes.
func (r *AppendEntriesReply) Serialize() []byte {
	buf := make([]byte, 25)
	binary.LittleEndian.PutUint64(buf[0:8], r.Term)
	if r.Success {
		buf[8] = 1
	}
	binary.LittleEndian.PutUint64(buf[9:17], r.ConflictTerm)
	binary.LittleEndian.PutUint64(buf[17:25], r.ConflictIndex)
	return buf
}

// DeserializeAppendEntriesReply decodes AppendEntriesReply from bytes.
func DeserializeAppendEntriesReply(data []byte) (*AppendEntriesReply, error) {
	if len(data) < 25 {
		return nil, ErrCorrupted
	}
	return &AppendEntriesReply{
		Term:          binary.LittleEndian.Uint64(data[0:8]),
		Success:       data[8] == 1,
		ConflictTerm:  binary.LittleEndian.Uint64(data[9:17]),
		ConflictIndex: binary.LittleEndian.Uint64(data[17:25]),
	}, nil
}

// InstallSnapshotArgs carries one chunk of a snapshot. Chunks arrive in
// order at increasing offsets; Done marks the final chunk. The receiver
// stages chunks keyed by (leader, snapshot id) and installs once Done.
type InstallSnapshotArgs struct {
	Term     uint64        // Leader's term
	LeaderID uint64        // Sending leader
	Meta     *SnapshotMeta // Snapshot position, membership and total size
	Offset   uint64        // Byte offset of this chunk
	Data     []byte        // Chunk payload
	Done     bool          // True on the final chunk
}

// Serialize encodes InstallSnapshotArgs to bytes.
//
// Format: [Term:8][LeaderID:8][Offset:8][Done:1][MetaLen:4][Meta:N]
// [DataLen:4][Data:N]
func (a *InstallSnapshotArgs) Serialize() []byte {
	meta := a.Meta.Serialize()
	buf := make([]byte, 0, 33+len(meta)+len(a.Data))
	buf = binary.LittleEndian.AppendUint64(buf, a.Term)
	buf = binary.LittleEndian.AppendUint64(buf, a.LeaderID)
	buf = binary.LittleEndian.AppendUint64(buf, a.Offset)
	if a.Done {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(meta)))
	buf = append(buf, meta...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(a.Data)))
	buf = append(buf, a.Data...)
	return buf
}

// DeserializeInstallSnapshotArgs decodes InstallSnapshotArgs from bytes.
func DeserializeInstallSnapshotArgs(data []byte) (*InstallSnapshotArgs, error) {
	if len(data) < 29 {
		return nil, ErrCorrupted
	}
	args := &InstallSnapshotArgs{
		Term:     binary.LittleEndian.Uint64(data[0:8]),
		LeaderID: binary.LittleEndian.Uint64(data[8:16]),
		Offset:   binary.LittleEndian.Uint64(data[16:24]),
		Done:     data[24] == 1,
	}
	metaLen := binary.LittleEndian.Uint32(data[25:29])
	off := uint64(29)
	if uint64(len(data)) < off+uint64(metaLen)+4 {
		return nil, ErrCorrupted
	}
	meta, err := DeserializeSnapshotMeta(data[off : off+uint64(metaLen)])
	if err != nil {
		return nil, err
	}
	args.Meta = meta
	off += uint64(metaLen)
	dataLen := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	if uint64(len(data)) < off+uint64(dataLen) {
		return nil, ErrCorrupted
	}
	if dataLen > 0 {
		args.Data = make([]byte, dataLen)
		copy(args.Data, data[off:off+uint64(dataLen)])
	}
	return args, nil
}

// InstallSnapshotReply is the response to one snapshot chunk. The reply
// carries only the receiver's term: a higher term steps the leader down,
// any other reply lets the transfer continue. A receiver that lost its
// staging state simply ignores out-of-order chunks; the leader discovers
// the miss on the next AppendEntries round and restarts the transfer.
type InstallSnapshotReply struct {
	Term uint64 // Current term, for leader to update itself
}

// Serialize encodes InstallSnapshotReply to bytes.
func (r *InstallSnapshotReply) Serialize() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf[0:8], r.Term)
	return buf
}

// DeserializeInstallSnapshotReply decodes InstallSnapshotReply from bytes.
func DeserializeInstallSnapshotReply(data []byte) (*InstallSnapshotReply, error) {
	if len(data) < 8 {
		return nil, ErrCorrupted
	}
	return &InstallSnapshotReply{
		Term: binary.LittleEndian.Uint64(data[0:8]),
	}, nil
}
