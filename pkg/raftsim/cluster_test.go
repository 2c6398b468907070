package raftsim

import (
	"testing"
	"time"

	"github.com/raftkv/consensus-store/pkg/raft"
)

func TestClusterElectsASingleLeader(t *testing.T) {
	c, err := New(3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Cleanup()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	leader, err := c.WaitForStableLeader(5 * time.Second)
	if err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}

	leaders := 0
	for _, node := range c.Nodes {
		if node.IsLeader() {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("cluster reports %d leaders, want 1 (elected: %s)", leaders, leader.GetID())
	}
}

func TestClusterReplicatesCommittedCommands(t *testing.T) {
	c, err := New(3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Cleanup()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := c.WaitForStableLeader(5 * time.Second); err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}

	if _, err := c.SubmitCommand(raft.Command{Type: raft.CommandSet, Key: "a", Value: "1"}, 5*time.Second); err != nil {
		t.Fatalf("SubmitCommand: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		allSee := true
		for _, s := range c.Stores {
			if value, ok := s.Get("a"); !ok || value != "1" {
				allSee = false
				break
			}
		}
		if allSee {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("not every node applied the committed command within the deadline")
}

func TestClusterSurvivesLeaderPartitionAndHeals(t *testing.T) {
	c, err := New(3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Cleanup()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	firstLeader, err := c.WaitForStableLeader(5 * time.Second)
	if err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}

	partitioned := c.PartitionLeader()
	if partitioned == nil || partitioned.GetID() != firstLeader.GetID() {
		t.Fatal("PartitionLeader did not isolate the elected leader")
	}

	newLeader, err := c.WaitForNewLeader(firstLeader.GetID(), 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForNewLeader: %v", err)
	}
	if newLeader.GetID() == firstLeader.GetID() {
		t.Fatal("new leader has the same id as the partitioned leader")
	}

	c.HealPartition()

	if _, err := c.SubmitCommand(raft.Command{Type: raft.CommandSet, Key: "b", Value: "2"}, 5*time.Second); err != nil {
		t.Fatalf("SubmitCommand after heal: %v", err)
	}
}

func TestInvariantCheckerDetectsNoViolationsUnderNormalOperation(t *testing.T) {
	c, err := New(3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Cleanup()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.WaitForStableLeader(5 * time.Second); err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := c.SubmitCommand(raft.Command{Type: raft.CommandSet, Key: "k", Value: string(rune('a' + i))}, 5*time.Second); err != nil {
			t.Fatalf("SubmitCommand %d: %v", i, err)
		}
	}

	checker := NewInvariantChecker()
	checker.CollectFromNodes(c.Nodes)
	if violations := checker.Check(); len(violations) != 0 {
		t.Fatalf("unexpected invariant violations: %+v", violations)
	}

	if diffs := CompareStateMachines(c.Stores); len(diffs) != 0 {
		t.Fatalf("state machines diverged: %v", diffs)
	}
}

func TestCheckLinearizabilityPassesForSequentialHistory(t *testing.T) {
	h := NewHistory()

	id := h.Invoke("write", "a", "1", 0)
	h.Complete(id, "OK", 1)

	id = h.Invoke("read", "a", "", 2)
	h.Complete(id, "1", 3)

	id = h.Invoke("write", "a", "2", 4)
	h.Complete(id, "OK", 5)

	id = h.Invoke("read", "a", "", 6)
	h.Complete(id, "2", 7)

	if err := CheckLinearizability(h); err != nil {
		t.Fatalf("CheckLinearizability: %v", err)
	}
}

func TestCheckLinearizabilityRejectsStaleRead(t *testing.T) {
	h := NewHistory()

	id := h.Invoke("write", "a", "1", 0)
	h.Complete(id, "OK", 1)

	id = h.Invoke("write", "a", "2", 2)
	h.Complete(id, "OK", 3)

	// This read starts and ends well after the second write completed,
	// so returning the first write's value is a stale read, not a
	// concurrent one.
	id = h.Invoke("read", "a", "", 4)
	h.Complete(id, "1", 5)

	if err := CheckLinearizability(h); err == nil {
		t.Fatal("CheckLinearizability accepted a stale read")
	}
}
