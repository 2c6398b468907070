package raft

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/raftkv/consensus-store/pkg/cluster"
)

type nullWAL struct{}

func (nullWAL) Save(*PersistentState) error     { return nil }
func (nullWAL) Load() (*PersistentState, error) { return &PersistentState{}, nil }
func (nullWAL) SaveSnapshot(*Snapshot) error     { return nil }
func (nullWAL) LoadSnapshot() (*Snapshot, error) { return nil, nil }
func (nullWAL) Close() error                     { return nil }
func (nullWAL) Size() (int64, error)             { return 0, nil }

type nullStateMachine struct{}

func (nullStateMachine) Apply(Command) string            { return "" }
func (nullStateMachine) Get(string) (string, bool)        { return "", false }
func (nullStateMachine) GetSnapshot() map[string]string    { return nil }
func (nullStateMachine) RestoreSnapshot(map[string]string) {}

type nullTransport struct{}

func (nullTransport) RequestVote(context.Context, string, *RequestVoteArgs) (*RequestVoteReply, error) {
	return nil, ErrTimeout
}
func (nullTransport) AppendEntries(context.Context, string, *AppendEntriesArgs) (*AppendEntriesReply, error) {
	return nil, ErrTimeout
}
func (nullTransport) InstallSnapshot(context.Context, string, *InstallSnapshotArgs) (*InstallSnapshotReply, error) {
	return nil, ErrTimeout
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	members, err := cluster.NewConfig("a", "addr-a", map[string]string{"b": "addr-b", "c": "addr-c"})
	if err != nil {
		t.Fatalf("cluster.NewConfig: %v", err)
	}
	config := NodeConfig{
		ID:                 "a",
		Peers:              []string{"b", "c"},
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		SnapshotThreshold:  1000,
	}
	return NewNode(config, members, nullTransport{}, nullWAL{}, nullStateMachine{}, log.New(log.Writer(), "", 0), nil)
}

func TestIsLogUpToDate(t *testing.T) {
	n := newTestNode(t)
	n.log = append(n.log, LogEntry{Index: 1, Term: 2, Command: Command{Type: CommandSet, Key: "a", Value: "1"}})

	if !n.isLogUpToDate(1, 3) {
		t.Fatal("candidate with a higher last term should be at least as up to date")
	}
	if !n.isLogUpToDate(2, 2) {
		t.Fatal("candidate with the same term and a higher index should be at least as up to date")
	}
	if n.isLogUpToDate(1, 1) {
		t.Fatal("candidate with a lower last term must not be considered up to date")
	}
	if n.isLogUpToDate(0, 2) {
		t.Fatal("candidate with the same term and a lower index must not be considered up to date")
	}
}

func TestLogArrayIndexConversionRoundTrips(t *testing.T) {
	n := newTestNode(t)
	n.log = append(n.log,
		LogEntry{Index: 1, Term: 1},
		LogEntry{Index: 2, Term: 1},
		LogEntry{Index: 3, Term: 2},
	)

	for _, logIndex := range []uint64{0, 1, 2, 3} {
		arrayIndex := n.logIndexToArrayIndex(logIndex)
		if got := n.arrayIndexToLogIndex(arrayIndex); got != logIndex {
			t.Fatalf("round trip for log index %d produced %d", logIndex, got)
		}
	}
}

func TestRandomElectionTimeoutStaysWithinConfiguredBounds(t *testing.T) {
	n := newTestNode(t)
	for i := 0; i < 50; i++ {
		d := n.randomElectionTimeout()
		if d < n.config.ElectionTimeoutMin || d > n.config.ElectionTimeoutMax {
			t.Fatalf("randomElectionTimeout() = %s, want within [%s, %s]",
				d, n.config.ElectionTimeoutMin, n.config.ElectionTimeoutMax)
		}
	}
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	n := newTestNode(t)
	n.currentTerm = 5

	reply := n.HandleRequestVote(&RequestVoteArgs{Term: 3, CandidateID: "b"})
	if reply.VoteGranted {
		t.Fatal("vote granted for a candidate running a stale term")
	}
	if reply.Term != 5 {
		t.Fatalf("reply term = %d, want 5 (unchanged)", reply.Term)
	}
}

func TestHandleRequestVoteGrantsOncePerTerm(t *testing.T) {
	n := newTestNode(t)

	first := n.HandleRequestVote(&RequestVoteArgs{Term: 1, CandidateID: "b"})
	if !first.VoteGranted {
		t.Fatal("first vote in a new term should be granted")
	}

	second := n.HandleRequestVote(&RequestVoteArgs{Term: 1, CandidateID: "c"})
	if second.VoteGranted {
		t.Fatal("a second candidate in the same term must not also receive a vote")
	}
}

func TestHandleAppendEntriesStepsDownOnHigherTerm(t *testing.T) {
	n := newTestNode(t)
	n.state = Candidate
	n.currentTerm = 2

	reply := n.HandleAppendEntries(&AppendEntriesArgs{Term: 5, LeaderID: "b", PrevLogIndex: 0, PrevLogTerm: 0})

	if n.state != Follower {
		t.Fatalf("state = %v, want Follower after observing a higher term", n.state)
	}
	if n.currentTerm != 5 {
		t.Fatalf("currentTerm = %d, want 5", n.currentTerm)
	}
	if n.leaderID != "b" {
		t.Fatalf("leaderID = %q, want b", n.leaderID)
	}
	if !reply.Success {
		t.Fatal("AppendEntries with a matching empty log should succeed")
	}
}

func TestHandleAppendEntriesRejectsStaleTerm(t *testing.T) {
	n := newTestNode(t)
	n.currentTerm = 5

	reply := n.HandleAppendEntries(&AppendEntriesArgs{Term: 3, LeaderID: "b"})
	if reply.Success {
		t.Fatal("AppendEntries from a stale leader term must be rejected")
	}
	if n.leaderID != "" {
		t.Fatal("a rejected stale AppendEntries must not update leaderID")
	}
}
