package raft

import (
	"context"
	"time"
)

// NodeState represents the current role of a Raft node in the cluster.
type NodeState int

const (
	Follower NodeState = iota
	Candidate
	Leader
)

func (s NodeState) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// LogEntry is a single entry in the replicated log.
type LogEntry struct {
	Index   uint64
	Term    uint64
	Command Command
}

// CommandType identifies the kind of state machine operation carried by
// a log entry.
type CommandType int

const (
	CommandSet CommandType = iota
	CommandDelete
	CommandNoop
)

// Command is the state machine operation carried by a log entry.
// ClientID/RequestID let the state machine deduplicate a command a
// client resubmits after a timeout against a leader that applied it but
// never reported back — see kv.Store.Apply.
type Command struct {
	Type      CommandType
	Key       string
	Value     string
	ClientID  string
	RequestID uint64
}

// PersistentState is the subset of Raft state that must survive a
// restart: current term, the candidate voted for this term (if any),
// and the log itself.
type PersistentState struct {
	CurrentTerm uint64
	VotedFor    string
	Log         []LogEntry
}

// NodeConfig holds the configuration for a single Raft node.
type NodeConfig struct {
	ID                 string
	Peers              []string
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	WALPath            string
	SnapshotThreshold  uint64
}

// DefaultConfig returns reasonable defaults suitable for local testing.
func DefaultConfig(id string, peers []string) NodeConfig {
	return NodeConfig{
		ID:                 id,
		Peers:              peers,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		WALPath:            "raft-wal-" + id,
		SnapshotThreshold:  1000,
	}
}

// Snapshot is a point-in-time compaction of the state machine plus the
// log metadata needed to resume replication past it.
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              map[string]string
}

// RequestVoteArgs/RequestVoteReply implement the RequestVote RPC.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs/AppendEntriesReply implement the AppendEntries RPC,
// doubling as the heartbeat when Entries is empty.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
	ConflictTerm  uint64
}

// InstallSnapshotArgs/InstallSnapshotReply implement the InstallSnapshot
// RPC used when a follower has fallen too far behind the leader's log.
type InstallSnapshotArgs struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

type InstallSnapshotReply struct {
	Term uint64
}

// ApplyMsg is delivered on a Node's apply channel once an entry commits
// and has been applied to the state machine.
type ApplyMsg struct {
	CommandValid bool
	Command      Command
	CommandIndex uint64
	CommandTerm  uint64

	SnapshotValid bool
	Snapshot      []byte
	SnapshotTerm  uint64
	SnapshotIndex uint64
}

// Transport is the peer-to-peer RPC boundary. Implementations carry a
// request to a named peer and back; ctx governs the per-call deadline
// and cancellation. Transport never retries on the caller's behalf.
type Transport interface {
	RequestVote(ctx context.Context, target string, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, target string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, target string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}

// CommitResult reports the outcome of a log index: the value produced
// by applying it, or the error that abandoned it (e.g. lost leadership
// before it committed).
type CommitResult struct {
	Index uint64
	Term  uint64
	Value string
	Error error
}

// PendingCommand tracks a caller waiting on SubmitWithResult for a
// given log index to be resolved.
type PendingCommand struct {
	Index    uint64
	Term     uint64
	ResultCh chan CommitResult
}
