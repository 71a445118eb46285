// Package storage provides the durable file-backed stores a consensus
// node is built on: the segmented entry log, the hard state file, and
// the snapshot store.
//
// # Durability
//
// Every mutation is synced to disk before the call returns. The log
// protects each record with a CRC32 checksum and recovers from a torn
// tail by truncating the active segment at the last intact record.
// Whole-file replacements (hard state, snapshots) are written to a
// temporary file, synced, and renamed into place, so a crash leaves
// either the old or the new file, never a mix.
//
// # Layout
//
// All files live under a single node directory:
//
//	<dir>/log/00000000000000000001.seg   log segments, named by first index
//	<dir>/hardstate.bin                  term, vote, commit flag
//	<dir>/snapshot.snap                  latest snapshot (meta + data)
//
// The log is segmented at purge points: compaction seals the active
// segment and starts a new one, so a later purge can drop whole files
// instead of rewriting them.
package storage
