package store

import (
	"testing"

	"github.com/raftkv/consensus-store/pkg/raft"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	state := &raft.PersistentState{
		CurrentTerm: 4,
		VotedFor:    "node-2",
		Log: []raft.LogEntry{
			{Index: 0, Term: 0, Command: raft.Command{Type: raft.CommandNoop}},
			{Index: 1, Term: 1, Command: raft.Command{Type: raft.CommandSet, Key: "a", Value: "1"}},
		},
	}

	if err := s.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.CurrentTerm != state.CurrentTerm || loaded.VotedFor != state.VotedFor {
		t.Fatalf("Load() = %+v, want term=%d votedFor=%s", loaded, state.CurrentTerm, state.VotedFor)
	}
	if len(loaded.Log) != len(state.Log) {
		t.Fatalf("Load().Log has %d entries, want %d", len(loaded.Log), len(state.Log))
	}
}

func TestReopenReplaysLastSavedState(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	state := &raft.PersistentState{CurrentTerm: 7, VotedFor: "node-3"}
	if err := s.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.CurrentTerm != 7 || loaded.VotedFor != "node-3" {
		t.Fatalf("Load() after reopen = %+v, want term=7 votedFor=node-3", loaded)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	snapshot := &raft.Snapshot{
		LastIncludedIndex: 10,
		LastIncludedTerm:  3,
		Data:              map[string]string{"a": "1", "b": "2"},
	}

	if err := s.SaveSnapshot(snapshot); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	if loaded.LastIncludedIndex != snapshot.LastIncludedIndex || loaded.LastIncludedTerm != snapshot.LastIncludedTerm {
		t.Fatalf("LoadSnapshot() = %+v, want %+v", loaded, snapshot)
	}
	if len(loaded.Data) != len(snapshot.Data) {
		t.Fatalf("LoadSnapshot().Data has %d keys, want %d", len(loaded.Data), len(snapshot.Data))
	}
}

func TestLoadBeforeAnySaveReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	state, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.CurrentTerm != 0 || state.VotedFor != "" {
		t.Fatalf("Load() on fresh store = %+v, want zero value", state)
	}
}
