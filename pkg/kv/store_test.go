package kv

import (
	"testing"

	"github.com/raftkv/consensus-store/pkg/raft"
)

func TestApplySetGet(t *testing.T) {
	s := New()

	if got := s.Apply(raft.Command{Type: raft.CommandSet, Key: "a", Value: "1"}); got != "OK" {
		t.Fatalf("Apply(set) = %q, want OK", got)
	}

	value, ok := s.Get("a")
	if !ok || value != "1" {
		t.Fatalf("Get(a) = (%q, %v), want (1, true)", value, ok)
	}

	if !s.Exists("a") {
		t.Fatal("Exists(a) = false, want true")
	}
	if s.Exists("missing") {
		t.Fatal("Exists(missing) = true, want false")
	}
}

func TestApplyDelete(t *testing.T) {
	s := New()
	s.Apply(raft.Command{Type: raft.CommandSet, Key: "a", Value: "1"})
	s.Apply(raft.Command{Type: raft.CommandDelete, Key: "a"})

	if _, ok := s.Get("a"); ok {
		t.Fatal("Get(a) found a value after delete")
	}
}

func TestApplyDedupesRetriedRequest(t *testing.T) {
	s := New()

	cmd := raft.Command{Type: raft.CommandSet, Key: "a", Value: "1", ClientID: "client-1", RequestID: 1}
	first := s.Apply(cmd)

	// Same client retries the same request after a later write landed.
	s.Apply(raft.Command{Type: raft.CommandSet, Key: "a", Value: "2", ClientID: "client-2", RequestID: 1})
	second := s.Apply(cmd)

	if second != first {
		t.Fatalf("retried command returned %q, want cached response %q", second, first)
	}
	if value, _ := s.Get("a"); value != "2" {
		t.Fatalf("Get(a) = %q, want 2 (retry must not re-apply)", value)
	}
}

func TestApplyAllowsNewerRequestFromSameClient(t *testing.T) {
	s := New()

	s.Apply(raft.Command{Type: raft.CommandSet, Key: "a", Value: "1", ClientID: "client-1", RequestID: 1})
	s.Apply(raft.Command{Type: raft.CommandSet, Key: "a", Value: "2", ClientID: "client-1", RequestID: 2})

	if value, _ := s.Get("a"); value != "2" {
		t.Fatalf("Get(a) = %q, want 2", value)
	}
}

func TestGetSnapshotRestoreSnapshot(t *testing.T) {
	s := New()
	s.Apply(raft.Command{Type: raft.CommandSet, Key: "a", Value: "1"})
	s.Apply(raft.Command{Type: raft.CommandSet, Key: "b", Value: "2"})

	snapshot := s.GetSnapshot()
	if len(snapshot) != 2 {
		t.Fatalf("GetSnapshot returned %d keys, want 2", len(snapshot))
	}

	restored := New()
	restored.RestoreSnapshot(snapshot)

	if value, ok := restored.Get("a"); !ok || value != "1" {
		t.Fatalf("restored Get(a) = (%q, %v), want (1, true)", value, ok)
	}
	if restored.Size() != 2 {
		t.Fatalf("restored Size() = %d, want 2", restored.Size())
	}
}

func TestGetSnapshotIsDefensiveCopy(t *testing.T) {
	s := New()
	s.Apply(raft.Command{Type: raft.CommandSet, Key: "a", Value: "1"})

	snapshot := s.GetSnapshot()
	snapshot["a"] = "mutated"

	if value, _ := s.Get("a"); value != "1" {
		t.Fatalf("Get(a) = %q after mutating snapshot copy, want 1", value)
	}
}
