package raft

import (
	"io"
	"testing"

	"github.com/KilimcininKorOglu/kervan/internal/membership"
)

func TestInmemLogBounds(t *testing.T) {
	s := NewInmemLogStore()

	first, err := s.FirstIndex()
	if err != nil || first != 0 {
		t.Errorf("FirstIndex = %d, %v, want 0 on empty log", first, err)
	}
	last, err := s.LastIndex()
	if err != nil || last != 0 {
		t.Errorf("LastIndex = %d, %v, want 0 on empty log", last, err)
	}
	if _, err := s.Term(1); err != ErrIndexOutOfRange {
		t.Errorf("Term(1) err = %v, want ErrIndexOutOfRange", err)
	}
	if _, err := s.Term(0); err != ErrCompacted {
		t.Errorf("Term(0) err = %v, want ErrCompacted", err)
	}

	if err := s.Append(testEntries(1, 1, 5)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	first, _ = s.FirstIndex()
	last, _ = s.LastIndex()
	if first != 1 || last != 5 {
		t.Errorf("bounds = [%d, %d], want [1, 5]", first, last)
	}
	term, err := s.Term(3)
	if err != nil || term != 1 {
		t.Errorf("Term(3) = %d, %v, want 1", term, err)
	}
	e, err := s.Entry(4)
	if err != nil || e.ID.Index != 4 {
		t.Errorf("Entry(4) = %+v, %v", e, err)
	}
	if _, err := s.Entry(6); err != ErrIndexOutOfRange {
		t.Errorf("Entry(6) err = %v, want ErrIndexOutOfRange", err)
	}
}

func TestInmemLogEntriesMaxBytes(t *testing.T) {
	s := NewInmemLogStore()
	if err := s.Append(testEntries(1, 1, 4)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Each entry's data is 5 bytes; a 12-byte budget fits two and the
	// third would exceed it.
	got, err := s.Entries(1, 4, 12)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("entries = %d, want 2", len(got))
	}

	// The first entry is returned even when it alone busts the budget,
	// otherwise replication could never advance.
	got, err = s.Entries(1, 4, 1)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(got) != 1 || got[0].ID.Index != 1 {
		t.Errorf("entries = %+v, want just index 1", got)
	}

	// hi is clamped to the last held index.
	got, err = s.Entries(3, 100, 1<<20)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(got) != 2 || got[1].ID.Index != 4 {
		t.Errorf("entries = %+v, want indexes 3-4", got)
	}

	if _, err := s.Entries(5, 6, 1<<20); err != ErrIndexOutOfRange {
		t.Errorf("past-end err = %v, want ErrIndexOutOfRange", err)
	}
}

func TestInmemLogTruncateAndPurge(t *testing.T) {
	s := NewInmemLogStore()
	if err := s.Append(testEntries(1, 1, 8)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := s.TruncateAfter(5); err != nil {
		t.Fatalf("TruncateAfter failed: %v", err)
	}
	last, _ := s.LastIndex()
	if last != 5 {
		t.Errorf("LastIndex = %d, want 5 after truncate", last)
	}
	// Truncating past the end is a no-op.
	if err := s.TruncateAfter(9); err != nil {
		t.Fatalf("TruncateAfter failed: %v", err)
	}
	last, _ = s.LastIndex()
	if last != 5 {
		t.Errorf("LastIndex = %d, want 5", last)
	}

	if err := s.PurgeTo(3); err != nil {
		t.Fatalf("PurgeTo failed: %v", err)
	}
	first, _ := s.FirstIndex()
	last, _ = s.LastIndex()
	if first != 4 || last != 5 {
		t.Errorf("bounds = [%d, %d], want [4, 5]", first, last)
	}
	if _, err := s.Term(3); err != ErrCompacted {
		t.Errorf("Term(3) err = %v, want ErrCompacted", err)
	}
	term, err := s.Term(4)
	if err != nil || term != 1 {
		t.Errorf("Term(4) = %d, %v, want 1", term, err)
	}

	// Purging everything leaves the append position in place.
	if err := s.PurgeTo(8); err != nil {
		t.Fatalf("PurgeTo failed: %v", err)
	}
	first, _ = s.FirstIndex()
	last, _ = s.LastIndex()
	if first != 0 || last != 5 {
		t.Errorf("bounds = [%d, %d], want [0, 5]", first, last)
	}
	if err := s.Append(testEntries(1, 6, 6)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	last, _ = s.LastIndex()
	if last != 6 {
		t.Errorf("LastIndex = %d, want 6", last)
	}
}

func TestInmemLogReset(t *testing.T) {
	s := NewInmemLogStore()
	if err := s.Append(testEntries(1, 1, 4)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Reset(LogID{Term: 3, Index: 20}); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	first, _ := s.FirstIndex()
	last, _ := s.LastIndex()
	if first != 0 || last != 20 {
		t.Errorf("bounds = [%d, %d], want [0, 20]", first, last)
	}
	if _, err := s.Term(20); err != ErrCompacted {
		t.Errorf("Term(20) err = %v, want ErrCompacted", err)
	}

	// Appends continue from the reset position.
	if err := s.Append([]*Entry{{ID: LogID{Term: 3, Index: 21}, Type: EntryCommand, Data: []byte("k=v")}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	term, err := s.Term(21)
	if err != nil || term != 3 {
		t.Errorf("Term(21) = %d, %v, want 3", term, err)
	}
}

func TestInmemStableStore(t *testing.T) {
	s := NewInmemStableStore()
	hs, err := s.HardState()
	if err != nil || hs != nil {
		t.Errorf("HardState = %+v, %v, want nil on empty store", hs, err)
	}

	if err := s.StoreHardState(&HardState{Term: 3, VotedFor: 2, Committed: true}); err != nil {
		t.Fatalf("StoreHardState failed: %v", err)
	}
	hs, err = s.HardState()
	if err != nil {
		t.Fatalf("HardState failed: %v", err)
	}
	if hs.Term != 3 || hs.VotedFor != 2 || !hs.Committed {
		t.Errorf("HardState = %+v", hs)
	}

	// The store holds its own copy.
	hs.Term = 99
	again, _ := s.HardState()
	if again.Term != 3 {
		t.Errorf("Term = %d, caller mutation leaked into store", again.Term)
	}
}

func TestInmemSnapshotStore(t *testing.T) {
	s := NewInmemSnapshotStore()
	if _, err := s.Meta(); err != ErrNoSnapshot {
		t.Errorf("Meta err = %v, want ErrNoSnapshot", err)
	}
	if _, _, err := s.Open(); err != ErrNoSnapshot {
		t.Errorf("Open err = %v, want ErrNoSnapshot", err)
	}

	cfg, err := membership.New(testPeers(1, 2, 3))
	if err != nil {
		t.Fatalf("membership.New failed: %v", err)
	}
	if err := s.Save(&SnapshotMeta{Last: LogID{Term: 1, Index: 5}, Membership: cfg}, []byte("a=1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	meta, err := s.Meta()
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if meta.Last != (LogID{Term: 1, Index: 5}) || meta.Size != 3 {
		t.Errorf("meta = %+v", meta)
	}

	// Only the latest snapshot is retained.
	if err := s.Save(&SnapshotMeta{Last: LogID{Term: 2, Index: 9}, Membership: cfg}, []byte("a=1\nb=2")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	meta, rc, err := s.Open()
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()
	if meta.Last.Index != 9 {
		t.Errorf("Last.Index = %d, want 9", meta.Last.Index)
	}
	data, err := io.ReadAll(rc)
	if err != nil || string(data) != "a=1\nb=2" {
		t.Errorf("data = %q, %v", data, err)
	}
}
