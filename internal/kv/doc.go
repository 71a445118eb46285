// Package kv implements the replicated key-value state machine the
// daemon runs on top of the consensus core.
//
// # Overview
//
// The store is a flat map of string keys to string values. Mutations
// travel through the consensus log as gob-encoded Command values; reads
// are served through the core's linearizable read path as gob-encoded
// Query values. The store never touches disk itself: durability comes
// from the log, and Snapshot/Restore hand the complete state to the
// consensus layer's snapshot machinery.
//
// # Usage
//
//	store := kv.NewStore()
//	node, err := raft.NewNode(opts, raft.Backends{
//	    Machine: store,
//	    ...
//	}, initial)
//
//	cmd, _ := kv.EncodeCommand(&kv.Command{Op: kv.OpSet, Key: "a", Value: "1"})
//	id, result, err := node.Propose(ctx, cmd)
//
// Apply, Query, Snapshot and Restore are only ever called from the
// consensus core's applier goroutine, but the local accessors (Get, Len)
// may race with them, so the store guards its map with a mutex.
package kv
