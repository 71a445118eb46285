package raft

import (
	"encoding/binary"
	"io"

	"github.com/KilimcininKorOglu/kervan/internal/membership"
)

// LogStore is the durable log of a single node. Implementations must make
// every mutation durable before returning: the consensus core treats a
// returned Append as a promise that the entries survive a crash.
//
// Indexes are 1-based and contiguous. After compaction the log starts at
// FirstIndex > 1; reads below FirstIndex return ErrCompacted and reads
// above LastIndex return ErrIndexOutOfRange.
//
// Only the node's log writer goroutine mutates the store, but reads may
// arrive concurrently from replication streams and the applier.
// Implementations must allow reads concurrent with an append.
type LogStore interface {
	// FirstIndex returns the index of the first retained entry, or 0 if
	// the log holds no entries.
	FirstIndex() (uint64, error)

	// LastIndex returns the index of the last entry. For a log holding
	// no entries it returns the position appends continue from: 0 for a
	// brand-new log, the covered index after a Reset or a full purge.
	LastIndex() (uint64, error)

	// Term returns the term of the entry at index.
	Term(index uint64) (uint64, error)

	// Entry returns the entry at index.
	Entry(index uint64) (*Entry, error)

	// Entries returns entries in [lo, hi] in order, stopping early once
	// maxBytes of entry data has been collected. At least one entry is
	// returned if lo is readable.
	Entries(lo, hi uint64, maxBytes int) ([]*Entry, error)

	// Append appends entries at LastIndex+1 and syncs them to stable
	// storage.
	Append(entries []*Entry) error

	// TruncateAfter removes all entries with index > index.
	TruncateAfter(index uint64) error

	// PurgeTo removes all entries with index <= index. Purged indexes
	// are covered by a snapshot.
	PurgeTo(index uint64) error

	// Reset discards the whole log and restarts it immediately after the
	// given snapshot position. Used after installing a snapshot that
	// supersedes the local log.
	Reset(snapshot LogID) error
}

// StableStore persists the node's hard state (term, vote). StoreHardState
// must be durable before it returns; a vote that is not durable can be
// cast twice after a crash.
type StableStore interface {
	// StoreHardState atomically replaces the stored hard state.
	StoreHardState(hs *HardState) error

	// HardState returns the stored hard state, or nil if none has been
	// stored yet.
	HardState() (*HardState, error)
}

// SnapshotMeta describes a snapshot: the last log position it covers, the
// membership as of that position, and the data size in bytes.
type SnapshotMeta struct {
	Last       LogID
	Membership *membership.Membership
	Size       uint64
}

// Serialize encodes the snapshot metadata.
//
// Format: [Term:8][Index:8][Size:8][MembershipLen:4][Membership:N]
func (m *SnapshotMeta) Serialize() []byte {
	mem := m.Membership.Serialize()
	buf := make([]byte, 28+len(mem))
	binary.LittleEndian.PutUint64(buf[0:8], m.Last.Term)
	binary.LittleEndian.PutUint64(buf[8:16], m.Last.Index)
	binary.LittleEndian.PutUint64(buf[16:24], m.Size)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(mem)))
	copy(buf[28:], mem)
	return buf
}

// DeserializeSnapshotMeta decodes snapshot metadata.
func DeserializeSnapshotMeta(data []byte) (*SnapshotMeta, error) {
	if len(data) < 28 {
		return nil, ErrCorrupted
	}
	memLen := binary.LittleEndian.Uint32(data[24:28])
	if uint64(len(data)) < 28+uint64(memLen) {
		return nil, ErrCorrupted
	}
	mem, err := membership.Deserialize(data[28 : 28+memLen])
	if err != nil {
		return nil, ErrCorrupted
	}
	return &SnapshotMeta{
		Last: LogID{
			Term:  binary.LittleEndian.Uint64(data[0:8]),
			Index: binary.LittleEndian.Uint64(data[8:16]),
		},
		Size:       binary.LittleEndian.Uint64(data[16:24]),
		Membership: mem,
	}, nil
}

// SnapshotStore persists at most one snapshot: the latest. Save must
// replace the previous snapshot atomically, so that a crash at any point
// leaves either the old or the new snapshot intact, never a mix.
type SnapshotStore interface {
	// Save durably stores a snapshot, replacing any previous one. The
	// meta's Size field is set from len(data).
	Save(meta *SnapshotMeta, data []byte) error

	// Meta returns the metadata of the stored snapshot, or ErrNoSnapshot.
	Meta() (*SnapshotMeta, error)

	// Open returns the stored snapshot's metadata and a reader over its
	// data, or ErrNoSnapshot. The caller must close the reader.
	Open() (*SnapshotMeta, io.ReadCloser, error)
}

// StateMachine is the replicated application. The applier goroutine calls
// Apply for every committed command entry exactly once, in log order.
// Query runs read-only requests; it is called from the same goroutine as
// Apply, so implementations need no extra locking between the two.
type StateMachine interface {
	// Apply applies a committed command and returns its result. The
	// error is the application's verdict on the command (for example
	// "key not found") and is handed back to the proposing client; it
	// does not stop the applier. The command stays committed either way.
	Apply(entry *Entry) (interface{}, error)

	// Query executes a read-only request against current state.
	Query(req []byte) (interface{}, error)

	// Snapshot serializes the complete current state.
	Snapshot() ([]byte, error)

	// Restore replaces the complete state from a snapshot.
	Restore(data []byte) error
}

// Backends bundles the external collaborators a Node is built on.
type Backends struct {
	Log       LogStore
	Stable    StableStore
	Snapshots SnapshotStore
	Machine   StateMachine
	Transport Transport
}
