package raft

import (
	"bytes"
	"io"
	"sync"
)

// InmemLogStore is a LogStore kept entirely in memory. It is meant for
// tests and for embedding where durability is not required; "durable"
// then means "returned from Append".
type InmemLogStore struct {
	mu      sync.RWMutex
	base    LogID // position the log starts after (zero, or snapshot boundary)
	entries []*Entry
}

// NewInmemLogStore creates an empty in-memory log.
func NewInmemLogStore() *InmemLogStore {
	return &InmemLogStore{}
}

// FirstIndex returns the first retained index, or 0 when no entries are
// held.
func (s *InmemLogStore) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return 0, nil
	}
	return s.base.Index + 1, nil
}

// LastIndex returns the last index, or the base position when no
// entries are held.
func (s *InmemLogStore) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base.Index + uint64(len(s.entries)), nil
}

// Term returns the term at index.
func (s *InmemLogStore) Term(index uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.at(index)
	if err != nil {
		return 0, err
	}
	return e.ID.Term, nil
}

// Entry returns the entry at index.
func (s *InmemLogStore) Entry(index uint64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.at(index)
}

func (s *InmemLogStore) at(index uint64) (*Entry, error) {
	if index <= s.base.Index {
		return nil, ErrCompacted
	}
	if index > s.base.Index+uint64(len(s.entries)) {
		return nil, ErrIndexOutOfRange
	}
	return s.entries[index-s.base.Index-1], nil
}

// Entries returns entries in [lo, hi], stopping once maxBytes of data
// has been collected. The first entry is always included.
func (s *InmemLogStore) Entries(lo, hi uint64, maxBytes int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lo <= s.base.Index {
		return nil, ErrCompacted
	}
	last := s.base.Index + uint64(len(s.entries))
	if lo > last {
		return nil, ErrIndexOutOfRange
	}
	if hi > last {
		hi = last
	}
	out := make([]*Entry, 0, hi-lo+1)
	total := 0
	for idx := lo; idx <= hi; idx++ {
		e := s.entries[idx-s.base.Index-1]
		if len(out) > 0 && total+len(e.Data) > maxBytes {
			break
		}
		out = append(out, e)
		total += len(e.Data)
	}
	return out, nil
}

// Append appends entries after the current last index.
func (s *InmemLogStore) Append(entries []*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

// TruncateAfter removes all entries with index > index.
func (s *InmemLogStore) TruncateAfter(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= s.base.Index+uint64(len(s.entries)) {
		return nil
	}
	if index <= s.base.Index {
		s.entries = nil
		return nil
	}
	s.entries = s.entries[:index-s.base.Index]
	return nil
}

// PurgeTo removes all entries with index <= index.
func (s *InmemLogStore) PurgeTo(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.base.Index {
		return nil
	}
	last := s.base.Index + uint64(len(s.entries))
	if index > last {
		index = last
	}
	cut := index - s.base.Index
	s.base = s.entries[cut-1].ID
	s.entries = append([]*Entry(nil), s.entries[cut:]...)
	return nil
}

// Reset discards everything and restarts the log after snapshot.
func (s *InmemLogStore) Reset(snapshot LogID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = snapshot
	s.entries = nil
	return nil
}

// InmemStableStore is a StableStore kept in memory, for tests.
type InmemStableStore struct {
	mu sync.Mutex
	hs *HardState
}

// NewInmemStableStore creates an empty in-memory stable store.
func NewInmemStableStore() *InmemStableStore {
	return &InmemStableStore{}
}

// StoreHardState replaces the stored hard state.
func (s *InmemStableStore) StoreHardState(hs *HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *hs
	s.hs = &cp
	return nil
}

// HardState returns the stored hard state, or nil.
func (s *InmemStableStore) HardState() (*HardState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hs == nil {
		return nil, nil
	}
	cp := *s.hs
	return &cp, nil
}

// InmemSnapshotStore is a SnapshotStore kept in memory, for tests.
type InmemSnapshotStore struct {
	mu   sync.Mutex
	meta *SnapshotMeta
	data []byte
}

// NewInmemSnapshotStore creates an empty in-memory snapshot store.
func NewInmemSnapshotStore() *InmemSnapshotStore {
	return &InmemSnapshotStore{}
}

// Save replaces the stored snapshot.
func (s *InmemSnapshotStore) Save(meta *SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *meta
	cp.Size = uint64(len(data))
	s.meta = &cp
	s.data = append([]byte(nil), data...)
	return nil
}

// Meta returns the stored snapshot's metadata, or ErrNoSnapshot.
func (s *InmemSnapshotStore) Meta() (*SnapshotMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return nil, ErrNoSnapshot
	}
	cp := *s.meta
	return &cp, nil
}

// Open returns the stored snapshot and a reader over a stable copy of
// its data.
func (s *InmemSnapshotStore) Open() (*SnapshotMeta, io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return nil, nil, ErrNoSnapshot
	}
	cp := *s.meta
	data := append([]byte(nil), s.data...)
	return &cp, io.NopCloser(bytes.NewReader(data)), nil
}
