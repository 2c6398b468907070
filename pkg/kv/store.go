// Package kv implements the replicated state machine (C3): a
// string-keyed, string-valued map driven exclusively by committed log
// entries, plus a per-client session table for exactly-once command
// semantics under retries.
package kv

import (
	"sync"

	"github.com/raftkv/consensus-store/pkg/raft"
)

// ClientSession remembers the last request a client successfully
// applied, so a resubmitted command (e.g. after the original leader
// stepped down before replying) is answered from cache instead of
// applied twice.
type ClientSession struct {
	LastRequestID uint64
	Response      string
}

// Store is an in-memory key-value state machine.
type Store struct {
	mu       sync.RWMutex
	data     map[string]string
	sessions map[string]*ClientSession
}

// New creates an empty store.
func New() *Store {
	return &Store{
		data:     make(map[string]string),
		sessions: make(map[string]*ClientSession),
	}
}

// Apply applies a committed command and returns its result. Set/Delete
// return "OK"; Noop returns "". A command with a ClientID that already
// has an equal-or-newer RequestID recorded returns the cached response
// instead of re-applying.
func (s *Store) Apply(cmd raft.Command) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.ClientID != "" {
		if session, ok := s.sessions[cmd.ClientID]; ok && session.LastRequestID >= cmd.RequestID {
			return session.Response
		}
	}

	var response string
	switch cmd.Type {
	case raft.CommandSet:
		s.data[cmd.Key] = cmd.Value
		response = "OK"
	case raft.CommandDelete:
		delete(s.data, cmd.Key)
		response = "OK"
	case raft.CommandNoop:
		response = ""
	}

	if cmd.ClientID != "" {
		s.sessions[cmd.ClientID] = &ClientSession{LastRequestID: cmd.RequestID, Response: response}
	}

	return response
}

// Get returns the current value for key, if present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Exists reports whether key is currently present, without copying its
// value — used by the HTTP boundary to distinguish a missing key from
// an empty one.
func (s *Store) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

// GetSnapshot returns a defensive copy of the entire key space, used by
// Node.CreateSnapshot.
func (s *Store) GetSnapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]string, len(s.data))
	for k, v := range s.data {
		result[k] = v
	}
	return result
}

// RestoreSnapshot replaces the store's contents with the given data,
// used when installing a snapshot from the leader or recovering from
// disk. Client sessions are cleared: any in-flight retry will simply
// be re-applied, which is safe because snapshot installation already
// implies those commands were committed.
func (s *Store) RestoreSnapshot(data map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]string, len(data))
	for k, v := range data {
		s.data[k] = v
	}
	s.sessions = make(map[string]*ClientSession)
}

// Size returns the number of keys currently stored.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

