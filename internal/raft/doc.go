// Package raft implements the Raft consensus algorithm as an event-driven
// replication core.
//
// # Overview
//
// This package provides a complete Raft implementation with:
//   - Leader election with a pre-vote round and randomized timeouts
//   - Log replication with conflict hints for fast log repair
//   - Joint (two-phase) membership changes and non-voting learners
//   - Snapshot compaction and chunked snapshot transfer
//   - Linearizable reads (commit-confirmed barrier or leader lease)
//   - TCP-based RPC transport, plus an in-memory transport for tests
//
// # Architecture
//
// Every node runs one event loop goroutine that owns all consensus state:
// term, vote, role, commit index, and membership. RPC handlers, timers,
// client calls and background tasks never touch that state directly; they
// post events into the loop and wait for an answer. Blocking work runs
// outside the loop in dedicated goroutines:
//   - the log writer appends, truncates and syncs the durable log
//   - the applier feeds committed entries to the state machine
//   - one replication stream per peer sends AppendEntries and snapshots
//   - snapshot builds run as one-shot tasks
//
// Each task reports completion by posting an event back into the loop, so
// the loop stays responsive (and election timers keep firing) while disk
// and network operations are in flight.
//
// # Usage
//
// Create and start a node:
//
//	cfg := raft.DefaultOptions(1)
//	members, _ := membership.New([]membership.Peer{
//	    {ID: 1, Addr: "localhost:4446"},
//	    {ID: 2, Addr: "localhost:4447"},
//	    {ID: 3, Addr: "localhost:4448"},
//	})
//
//	node, err := raft.NewNode(cfg, raft.Backends{
//	    Log:       raft.NewInmemLogStore(),
//	    Stable:    raft.NewInmemStableStore(),
//	    Snapshots: raft.NewInmemSnapshotStore(),
//	    Machine:   sm,
//	    Transport: raft.NewTCPTransport("localhost:4446"),
//	}, members)
//	if err != nil {
//	    return err
//	}
//	node.Start()
//
//	// Propose a command (leader only).
//	id, result, err := node.Propose(ctx, cmd)
//
//	// Linearizable read.
//	value, err := node.Read(ctx, query)
//
// # Consistency Guarantees
//
// Committed entries are durable and are applied exactly once, in log
// order, on every node. Reads served through Read observe every write
// committed before the read was accepted.
//
// # Failure Handling
//
// A cluster of N voters tolerates (N-1)/2 failures:
//   - 3 nodes: tolerates 1 failure
//   - 5 nodes: tolerates 2 failures
//
// During a joint membership change both voter sets must retain a
// majority.
//
// # References
//
//   - Raft Paper: https://raft.github.io/raft.pdf
//   - Raft Visualization: https://raft.github.io/
package raft
