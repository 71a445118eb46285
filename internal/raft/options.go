package raft

import (
	"fmt"
	"time"
)

// Logger is the logging interface used by the consensus core.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// defaultLogger is a no-op logger.
type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, args ...interface{}) {}
func (l *defaultLogger) Info(msg string, args ...interface{})  {}
func (l *defaultLogger) Warn(msg string, args ...interface{})  {}
func (l *defaultLogger) Error(msg string, args ...interface{}) {}

// Options configures a Node.
type Options struct {
	// ID is this server's unique id. Must be non-zero and must not
	// change across restarts.
	ID uint64

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized
	// election timeout. A node that hears nothing from a leader for a
	// duration drawn from this range starts a pre-vote round.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is how often an idle leader sends empty
	// AppendEntries to assert leadership. Must be well below
	// ElectionTimeoutMin.
	HeartbeatInterval time.Duration

	// MaxEntriesPerAppend caps the number of entries in one
	// AppendEntries request.
	MaxEntriesPerAppend int

	// MaxBytesPerAppend caps the total payload bytes in one
	// AppendEntries request. At least one entry is always sent.
	MaxBytesPerAppend int

	// SnapshotThreshold is the number of applied entries since the last
	// snapshot that triggers a new snapshot.
	SnapshotThreshold uint64

	// SnapshotThresholdBytes triggers a snapshot once the command bytes
	// applied since the last snapshot exceed it, regardless of entry
	// count. Zero disables the byte trigger.
	SnapshotThresholdBytes uint64

	// SnapshotChunkSize caps the data bytes in one InstallSnapshot
	// request.
	SnapshotChunkSize int

	// ReadPolicy selects how linearizable reads are served:
	// ReadCommitConfirmed or ReadLeaderLease.
	ReadPolicy uint8

	// LeaseDuration is how long a quorum acknowledgement keeps the
	// leader lease valid. Only used with ReadLeaderLease. It must be
	// shorter than ElectionTimeoutMin, with margin for clock drift
	// between servers.
	LeaseDuration time.Duration

	// ProposalQueueDepth bounds how many proposals may wait for the
	// event loop. Proposals beyond the bound fail with
	// ErrProposalDropped.
	ProposalQueueDepth int

	// Logger receives consensus events. Defaults to a no-op logger.
	Logger Logger
}

// DefaultOptions returns options with production defaults for the given
// server id.
func DefaultOptions(id uint64) *Options {
	return &Options{
		ID:                     id,
		ElectionTimeoutMin:     150 * time.Millisecond,
		ElectionTimeoutMax:     300 * time.Millisecond,
		HeartbeatInterval:      50 * time.Millisecond,
		MaxEntriesPerAppend:    64,
		MaxBytesPerAppend:      1 << 20,
		SnapshotThreshold:      8192,
		SnapshotThresholdBytes: 64 << 20,
		SnapshotChunkSize:      1 << 20,
		ReadPolicy:             ReadCommitConfirmed,
		LeaseDuration:          100 * time.Millisecond,
		ProposalQueueDepth:     256,
	}
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.ID == 0 {
		return fmt.Errorf("%w: server id must be non-zero", ErrInvalidConfig)
	}
	if o.ElectionTimeoutMin <= 0 {
		return fmt.Errorf("%w: election timeout must be positive", ErrInvalidConfig)
	}
	if o.ElectionTimeoutMax < o.ElectionTimeoutMin {
		return fmt.Errorf("%w: election timeout max below min", ErrInvalidConfig)
	}
	if o.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidConfig)
	}
	if o.HeartbeatInterval >= o.ElectionTimeoutMin {
		return fmt.Errorf("%w: heartbeat interval must be below election timeout", ErrInvalidConfig)
	}
	if o.MaxEntriesPerAppend <= 0 {
		return fmt.Errorf("%w: max entries per append must be positive", ErrInvalidConfig)
	}
	if o.MaxBytesPerAppend <= 0 {
		return fmt.Errorf("%w: max bytes per append must be positive", ErrInvalidConfig)
	}
	if o.SnapshotThreshold == 0 {
		return fmt.Errorf("%w: snapshot threshold must be positive", ErrInvalidConfig)
	}
	if o.SnapshotChunkSize <= 0 {
		return fmt.Errorf("%w: snapshot chunk size must be positive", ErrInvalidConfig)
	}
	if o.ReadPolicy != ReadCommitConfirmed && o.ReadPolicy != ReadLeaderLease {
		return fmt.Errorf("%w: unknown read policy %d", ErrInvalidConfig, o.ReadPolicy)
	}
	if o.ReadPolicy == ReadLeaderLease && o.LeaseDuration >= o.ElectionTimeoutMin {
		return fmt.Errorf("%w: lease duration must be below the minimum election timeout", ErrInvalidConfig)
	}
	if o.ReadPolicy == ReadLeaderLease && o.LeaseDuration <= 0 {
		return fmt.Errorf("%w: lease duration must be positive", ErrInvalidConfig)
	}
	if o.ProposalQueueDepth <= 0 {
		return fmt.Errorf("%w: proposal queue depth must be positive", ErrInvalidConfig)
	}
	return nil
}

// withDefaults fills unset optional fields.
func (o *Options) withDefaults() *Options {
	out := *o
	if out.Logger == nil {
		out.Logger = &defaultLogger{}
	}
	return &out
}
