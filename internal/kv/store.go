package kv

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/KilimcininKorOglu/kervan/internal/raft"
)

// Store errors.
var (
	// ErrKeyNotFound is returned by queries for keys that do not exist.
	ErrKeyNotFound = errors.New("kv: key not found")
	// ErrBadCommand is returned when a replicated command cannot be
	// decoded or names an unknown operation.
	ErrBadCommand = errors.New("kv: bad command")
	// ErrBadQuery is returned when a read request cannot be decoded.
	ErrBadQuery = errors.New("kv: bad query")
)

// Op identifies a mutation.
type Op uint8

// Mutation operations.
const (
	OpSet Op = iota + 1
	OpDelete
)

// Command is one replicated mutation. Commands are gob-encoded into the
// consensus log, so the fields must stay backward compatible.
type Command struct {
	Op    Op
	Key   string
	Value string
}

// Query is a read request served through the linearizable read path.
type Query struct {
	Key string
}

// Result is the outcome of an applied Command.
type Result struct {
	// Previous is the value the key held before the command, empty if
	// the key did not exist.
	Previous string
	// Existed reports whether the key existed before the command.
	Existed bool
}

// EncodeCommand serializes a command for proposing.
func EncodeCommand(cmd *Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	return buf.Bytes(), nil
}

// DecodeCommand deserializes a replicated command.
func DecodeCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	return &cmd, nil
}

// EncodeQuery serializes a read request.
func EncodeQuery(q *Query) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(q); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadQuery, err)
	}
	return buf.Bytes(), nil
}

// DecodeQuery deserializes a read request.
func DecodeQuery(data []byte) (*Query, error) {
	var q Query
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&q); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadQuery, err)
	}
	return &q, nil
}

// Store is the in-memory key-value state machine. It implements
// raft.StateMachine.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: make(map[string]string)}
}

// Apply executes one committed command and returns its *Result.
func (s *Store) Apply(entry *raft.Entry) (interface{}, error) {
	cmd, err := DecodeCommand(entry.Data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.data[cmd.Key]
	switch cmd.Op {
	case OpSet:
		s.data[cmd.Key] = cmd.Value
	case OpDelete:
		delete(s.data, cmd.Key)
	default:
		return nil, fmt.Errorf("%w: unknown op %d", ErrBadCommand, cmd.Op)
	}
	return &Result{Previous: prev, Existed: existed}, nil
}

// Query serves a linearizable read. The result is the value string;
// missing keys return ErrKeyNotFound.
func (s *Store) Query(req []byte) (interface{}, error) {
	q, err := DecodeQuery(req)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[q.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, q.Key)
	}
	return value, nil
}

// Snapshot serializes the complete store contents.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore replaces the store contents from a snapshot.
func (s *Store) Restore(data []byte) error {
	restored := make(map[string]string)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&restored); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = restored
	return nil
}

// Get reads a key from local state without consulting the consensus
// core. The answer may be stale; use the node's Read for linearizable
// results.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	return value, ok
}

// Len returns the number of keys held locally.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
