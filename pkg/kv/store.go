// Package kv is a small in-memory key/value store used as the reference
// host state machine: it implements raft.StateMachine so tests and the
// demo command have something concrete for the engine to replicate
// commands into.
package kv

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/google/uuid"
)

// NewClientID generates an opaque client identity for request
// deduplication, the one place in this repository that needs a random
// unique id rather than a deterministic one.
func NewClientID() string {
	return uuid.NewString()
}

// Command types for the KV store
type CommandType int

const (
	CommandSet CommandType = iota
	CommandDelete
)

// Command represents a command to be applied to the state machine
type Command struct {
	Type      CommandType
	Key       string
	Value     []byte
	ClientID  string
	RequestID uint64
}

// ClientSession tracks the last request from each client for deduplication
type ClientSession struct {
	LastRequestID uint64
	Response      interface{}
}

// Store represents an in-memory key-value state machine
type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	sessions map[string]*ClientSession
}

// New creates a new KV store
func New() *Store {
	return &Store{
		data:     make(map[string][]byte),
		sessions: make(map[string]*ClientSession),
	}
}

// Apply implements raft.StateMachine. logID is accepted for interface
// conformance and future use (e.g. exposing last-applied index) but the
// dedup logic below keys entirely on the command's own client/request
// id, since a command can be re-applied during log replay after a
// restart under the same logID it originally committed at.
func (s *Store) Apply(logID uint64, command []byte) ([]byte, error) {
	var cmd Command
	dec := gob.NewDecoder(bytes.NewReader(command))
	if err := dec.Decode(&cmd); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[cmd.ClientID]; ok {
		if session.LastRequestID >= cmd.RequestID {
			if b, ok := session.Response.([]byte); ok {
				return b, nil
			}
			return nil, nil
		}
	}

	var response []byte
	switch cmd.Type {
	case CommandSet:
		s.data[cmd.Key] = cmd.Value
		response = []byte("ok")
	case CommandDelete:
		delete(s.data, cmd.Key)
		response = []byte("ok")
	}

	s.sessions[cmd.ClientID] = &ClientSession{
		LastRequestID: cmd.RequestID,
		Response:      response,
	}

	return response, nil
}

// Query implements raft.Reader: payload is the raw key, so a
// linearizable read need not invent its own command encoding the way
// writes do through EncodeCommand.
func (s *Store) Query(payload []byte) ([]byte, error) {
	value, ok := s.Get(string(payload))
	if !ok {
		return nil, nil
	}
	return value, nil
}

// Get retrieves a value by key
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, false
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, true
}

// GetAll returns all key-value pairs
func (s *Store) GetAll() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]byte)
	for k, v := range s.data {
		result[k] = v
	}
	return result
}

// Snapshot creates a snapshot of the current state
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := struct {
		Data     map[string][]byte
		Sessions map[string]*ClientSession
	}{
		Data:     s.data,
		Sessions: s.sessions,
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(state); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Restore restores state from a snapshot
func (s *Store) Restore(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state struct {
		Data     map[string][]byte
		Sessions map[string]*ClientSession
	}

	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&state); err != nil {
		return err
	}

	s.data = state.Data
	s.sessions = state.Sessions
	return nil
}

// EncodeCommand encodes a command for log storage
func EncodeCommand(cmdType CommandType, key string, value []byte, clientID string, requestID uint64) ([]byte, error) {
	cmd := Command{
		Type:      cmdType,
		Key:       key,
		Value:     value,
		ClientID:  clientID,
		RequestID: requestID,
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(cmd); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Size returns the number of keys in the store
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}