package raft

import (
	"context"
	"log"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raftkv/consensus-store/pkg/cluster"
	"github.com/raftkv/consensus-store/pkg/metrics"
)

// WALInterface is the durability boundary (C2): everything Node needs
// from a PersistentStore.
type WALInterface interface {
	Save(state *PersistentState) error
	Load() (*PersistentState, error)
	SaveSnapshot(snapshot *Snapshot) error
	LoadSnapshot() (*Snapshot, error)
	Close() error
	Size() (int64, error)
}

// StateMachineInterface is the application boundary (C3): everything
// Node needs from a StateMachine.
type StateMachineInterface interface {
	Apply(cmd Command) string
	Get(key string) (string, bool)
	GetSnapshot() map[string]string
	RestoreSnapshot(data map[string]string)
}

// Node is the protocol core (C5): one Raft participant. Every method
// that touches mutable state takes mu, so from the outside Node behaves
// as a single-writer component even though the run loop, the apply
// loop, and each per-peer replication goroutine are all separate
// goroutines internally.
type Node struct {
	mu sync.RWMutex

	id     string
	config NodeConfig

	// Persistent state
	currentTerm uint64
	votedFor    string
	log         []LogEntry

	// Volatile state
	state       NodeState
	commitIndex uint64
	lastApplied uint64

	// Leader state
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	cluster *cluster.Config

	applyCh         chan ApplyMsg
	stopCh          chan struct{}
	electionResetCh chan struct{}

	pendingCommands map[uint64]*PendingCommand

	transport    Transport
	wal          WALInterface
	stateMachine StateMachineInterface
	metrics      *metrics.Collector
	logger       *log.Logger

	snapshot           *Snapshot
	snapshotThreshold  uint64
	snapshotInProgress int32

	leaderID string

	electionDeadline time.Time
	electionMu       sync.Mutex
}

// NewNode builds a Node. transport/wal/stateMachine are the C4/C2/C3
// collaborators; members is the static cluster view (C5 never mutates
// it). logger and metricsCollector may be nil — NewNode then substitutes
// a logger writing to the standard logger's output and a fresh collector
// with its own private registry.
func NewNode(config NodeConfig, members *cluster.Config, transport Transport, wal WALInterface, stateMachine StateMachineInterface, logger *log.Logger, metricsCollector *metrics.Collector) *Node {
	if logger == nil {
		logger = log.New(log.Writer(), "["+config.ID+"] ", log.LstdFlags)
	}
	if metricsCollector == nil {
		metricsCollector = metrics.New()
	}

	n := &Node{
		id:                config.ID,
		config:            config,
		log:               make([]LogEntry, 0, 1),
		state:             Follower,
		nextIndex:         make(map[string]uint64),
		matchIndex:        make(map[string]uint64),
		cluster:           members,
		applyCh:           make(chan ApplyMsg, 100),
		stopCh:            make(chan struct{}),
		electionResetCh:   make(chan struct{}, 1),
		pendingCommands:   make(map[uint64]*PendingCommand),
		transport:         transport,
		wal:               wal,
		stateMachine:      stateMachine,
		logger:            logger,
		metrics:           metricsCollector,
		snapshotThreshold: config.SnapshotThreshold,
		electionDeadline:  time.Now().Add(config.ElectionTimeoutMax),
	}

	// Dummy entry at index 0 so PrevLogIndex/PrevLogTerm arithmetic
	// never has to special-case an empty log.
	n.log = append(n.log, LogEntry{Index: 0, Term: 0, Command: Command{Type: CommandNoop}})

	return n
}

func (n *Node) Start() error {
	if err := n.restore(); err != nil {
		n.logger.Printf("failed to restore state: %v", err)
	}

	go n.run()
	go n.applyLoop()

	return nil
}

func (n *Node) Stop() {
	close(n.stopCh)
	if n.wal != nil {
		n.wal.Close()
	}
}

func (n *Node) run() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.mu.RLock()
		state := n.state
		n.mu.RUnlock()

		switch state {
		case Follower:
			n.runFollower()
		case Candidate:
			n.runCandidate()
		case Leader:
			n.runLeader()
		}
	}
}

func (n *Node) runFollower() {
	n.resetElectionDeadline()

	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.electionMu.Lock()
		deadline := n.electionDeadline
		n.electionMu.Unlock()

		timeout := time.Until(deadline)
		if timeout <= 0 {
			n.mu.Lock()
			if n.state == Follower {
				n.becomeCandidate()
			}
			n.mu.Unlock()
			return
		}

		select {
		case <-n.stopCh:
			return
		case <-n.electionResetCh:
			n.resetElectionDeadline()
		case <-time.After(timeout):
			n.mu.Lock()
			if n.state == Follower {
				n.becomeCandidate()
			}
			n.mu.Unlock()
			return
		}
	}
}

func (n *Node) runCandidate() {
	n.mu.Lock()
	n.currentTerm++
	n.votedFor = n.id
	n.metrics.CurrentTerm.Set(float64(n.currentTerm))
	currentTerm := n.currentTerm
	lastLogIndex := n.getLastLogIndex()
	lastLogTerm := n.getLastLogTerm()
	n.persist()

	n.metrics.ElectionsTotal.Inc()
	n.logger.Printf("starting election for term %d", currentTerm)

	votesReceived := int32(1)
	votesNeeded := int32(n.cluster.Quorum())

	// A lone node's own vote is already a majority; becomeLeader here
	// rather than waiting on peer replies that will never arrive.
	if votesReceived >= votesNeeded {
		n.becomeLeader()
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	peers := n.cluster.PeerIDs()

	for _, peer := range peers {
		go func(peer string) {
			args := &RequestVoteArgs{
				Term:         currentTerm,
				CandidateID:  n.id,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
			}

			ctx, cancel := context.WithTimeout(context.Background(), n.config.HeartbeatInterval*4)
			defer cancel()

			reply, err := n.transport.RequestVote(ctx, peer, args)
			if err != nil {
				return
			}

			n.mu.Lock()
			defer n.mu.Unlock()

			if reply.Term > n.currentTerm {
				n.becomeFollower(reply.Term)
				return
			}

			if n.state != Candidate || n.currentTerm != currentTerm {
				return
			}

			if reply.VoteGranted {
				votes := atomic.AddInt32(&votesReceived, 1)
				if votes >= votesNeeded && n.state == Candidate {
					n.becomeLeader()
				}
			}
		}(peer)
	}

	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	select {
	case <-n.stopCh:
	case <-timer.C:
		// Election timed out without a winner; run() re-enters
		// runCandidate and bumps the term again.
	case <-n.electionResetCh:
		// A legitimate AppendEntries arrived; becomeFollower already ran
		// inside the RPC handler.
	}
}

func (n *Node) runLeader() {
	n.broadcastAppendEntries()

	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.mu.RLock()
			isLeader := n.state == Leader
			n.mu.RUnlock()
			if !isLeader {
				return
			}
			n.broadcastAppendEntries()
			n.advanceCommitIndex()
			n.maybeSnapshotBySize()
		case <-n.electionResetCh:
			// Ignored while leading.
		}
	}
}

func (n *Node) resetElectionDeadline() {
	n.electionMu.Lock()
	defer n.electionMu.Unlock()
	n.electionDeadline = time.Now().Add(n.randomElectionTimeout())
}

// broadcastAppendEntries fans AppendEntries out to every peer on its
// own goroutine (Open Question #4: independent per-peer fan-out, never
// a single coalesced batch — a slow or partitioned peer must never
// delay delivery to the rest of the cluster).
func (n *Node) broadcastAppendEntries() {
	n.mu.RLock()
	if n.state != Leader {
		n.mu.RUnlock()
		return
	}
	currentTerm := n.currentTerm
	commitIndex := n.commitIndex
	n.mu.RUnlock()

	for _, peer := range n.cluster.PeerIDs() {
		go n.sendAppendEntries(peer, currentTerm, commitIndex)
	}
}

func (n *Node) sendAppendEntries(peer string, term uint64, leaderCommit uint64) {
	n.mu.RLock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.RUnlock()
		return
	}

	nextIdx := n.nextIndex[peer]
	if nextIdx == 0 {
		nextIdx = n.getLastLogIndex() + 1
	}

	snapshotIdx := uint64(0)
	if n.snapshot != nil {
		snapshotIdx = n.snapshot.LastIncludedIndex
	}

	if snapshotIdx > 0 && nextIdx <= snapshotIdx {
		n.mu.RUnlock()
		n.sendSnapshot(peer)
		return
	}

	prevLogIndex := nextIdx - 1
	prevLogTerm := uint64(0)
	if prevLogIndex > 0 {
		if snapshotIdx > 0 && prevLogIndex == snapshotIdx {
			prevLogTerm = n.snapshot.LastIncludedTerm
		} else if logIdx := n.logIndexToArrayIndex(prevLogIndex); logIdx >= 0 && logIdx < len(n.log) {
			prevLogTerm = n.log[logIdx].Term
		}
	}

	var entries []LogEntry
	if startIdx := n.logIndexToArrayIndex(nextIdx); startIdx >= 0 && startIdx < len(n.log) {
		entries = append(entries, n.log[startIdx:]...)
	}

	args := &AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}
	n.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.config.HeartbeatInterval*4)
	defer cancel()

	reply, err := n.transport.AppendEntries(ctx, peer, args)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		n.becomeFollower(reply.Term)
		return
	}
	if n.state != Leader || n.currentTerm != term {
		return
	}

	if reply.Success {
		newNextIndex := nextIdx + uint64(len(entries))
		if newNextIndex > n.nextIndex[peer] {
			n.nextIndex[peer] = newNextIndex
		}
		if newMatchIndex := newNextIndex - 1; newMatchIndex > n.matchIndex[peer] {
			n.matchIndex[peer] = newMatchIndex
		}
		n.tryAdvanceCommitIndex()
		return
	}

	switch {
	case reply.ConflictTerm > 0:
		lastIndex := uint64(0)
		for i := len(n.log) - 1; i >= 0; i-- {
			if n.log[i].Term == reply.ConflictTerm {
				lastIndex = n.log[i].Index
				break
			}
		}
		if lastIndex > 0 {
			n.nextIndex[peer] = lastIndex + 1
		} else {
			n.nextIndex[peer] = reply.ConflictIndex
		}
	case reply.ConflictIndex > 0:
		n.nextIndex[peer] = reply.ConflictIndex
	case n.nextIndex[peer] > 1:
		n.nextIndex[peer]--
	}
}

func (n *Node) logIndexToArrayIndex(logIndex uint64) int {
	if len(n.log) == 0 {
		return -1
	}
	base := n.log[0].Index
	if logIndex < base {
		return -1
	}
	return int(logIndex - base)
}

func (n *Node) arrayIndexToLogIndex(arrayIndex int) uint64 {
	if len(n.log) == 0 || arrayIndex < 0 {
		return 0
	}
	return n.log[0].Index + uint64(arrayIndex)
}

func (n *Node) sendSnapshot(peer string) {
	n.mu.RLock()
	if n.state != Leader || n.snapshot == nil {
		n.mu.RUnlock()
		return
	}

	args := &InstallSnapshotArgs{
		Term:              n.currentTerm,
		LeaderID:          n.id,
		LastIncludedIndex: n.snapshot.LastIncludedIndex,
		LastIncludedTerm:  n.snapshot.LastIncludedTerm,
		Data:              encodeSnapshotData(n.snapshot.Data),
	}
	n.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.config.HeartbeatInterval*8)
	defer cancel()

	reply, err := n.transport.InstallSnapshot(ctx, peer, args)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		n.becomeFollower(reply.Term)
		return
	}

	n.nextIndex[peer] = args.LastIncludedIndex + 1
	n.matchIndex[peer] = args.LastIncludedIndex
}

// tryAdvanceCommitIndex implements the §5.4.2 safety rule: a leader may
// only advance commitIndex to N if a majority of matchIndex values are
// >= N *and* the entry at N was written in the leader's own current
// term (Open Question #2 — already upheld here).
func (n *Node) tryAdvanceCommitIndex() {
	if n.state != Leader {
		return
	}

	matchIndices := make([]uint64, 0, n.cluster.Size())
	matchIndices = append(matchIndices, n.getLastLogIndex())
	for _, peer := range n.cluster.PeerIDs() {
		matchIndices = append(matchIndices, n.matchIndex[peer])
	}

	sort.Slice(matchIndices, func(i, j int) bool { return matchIndices[i] > matchIndices[j] })

	majority := n.cluster.Size() / 2
	if majority >= len(matchIndices) {
		return
	}
	newCommitIndex := matchIndices[majority]
	if newCommitIndex <= n.commitIndex {
		return
	}

	logIdx := n.logIndexToArrayIndex(newCommitIndex)
	if logIdx < 0 || logIdx >= len(n.log) || n.log[logIdx].Term != n.currentTerm {
		return
	}

	oldCommit := n.commitIndex
	n.commitIndex = newCommitIndex
	n.metrics.CommitIndex.Set(float64(n.commitIndex))
	n.logger.Printf("committed index %d (was %d)", newCommitIndex, oldCommit)
}

func (n *Node) advanceCommitIndex() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tryAdvanceCommitIndex()
}

func (n *Node) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.metrics.VoteRequestsTotal.Inc()

	reply := &RequestVoteReply{Term: n.currentTerm}

	if args.Term < n.currentTerm {
		return reply
	}
	if args.Term > n.currentTerm {
		n.becomeFollower(args.Term)
	}
	reply.Term = n.currentTerm

	if (n.votedFor == "" || n.votedFor == args.CandidateID) && n.isLogUpToDate(args.LastLogIndex, args.LastLogTerm) {
		n.votedFor = args.CandidateID
		n.persist()
		reply.VoteGranted = true
		n.resetElectionTimer()
		n.logger.Printf("granted vote to %s for term %d", args.CandidateID, args.Term)
	}

	return reply
}

// HandleAppendEntries implements the term rule in full — reject a
// stale term, then step down on a newer term or while Candidate —
// before touching the leader bookkeeping or the election timer (Open
// Question #1). Only after that is a follower allowed to treat the
// sender as its current leader.
func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.metrics.AppendRequestsTotal.Inc()

	reply := &AppendEntriesReply{Term: n.currentTerm}

	if args.Term < n.currentTerm {
		return reply
	}
	if args.Term > n.currentTerm || n.state == Candidate {
		n.becomeFollower(args.Term)
	}

	n.leaderID = args.LeaderID
	n.resetElectionTimer()
	reply.Term = n.currentTerm

	if args.PrevLogIndex > 0 {
		logIdx := n.logIndexToArrayIndex(args.PrevLogIndex)
		if logIdx < 0 || logIdx >= len(n.log) {
			reply.ConflictIndex = uint64(len(n.log))
			if len(n.log) > 0 {
				reply.ConflictIndex = n.log[len(n.log)-1].Index + 1
			}
			return reply
		}
		if n.log[logIdx].Term != args.PrevLogTerm {
			conflictTerm := n.log[logIdx].Term
			reply.ConflictTerm = conflictTerm
			for i := logIdx; i >= 0; i-- {
				if n.log[i].Term != conflictTerm {
					reply.ConflictIndex = n.log[i+1].Index
					break
				}
				if i == 0 {
					reply.ConflictIndex = n.log[0].Index
				}
			}
			return reply
		}
	}

	for i, entry := range args.Entries {
		logIdx := n.logIndexToArrayIndex(args.PrevLogIndex + 1 + uint64(i))
		if logIdx >= 0 && logIdx < len(n.log) {
			if n.log[logIdx].Term != entry.Term {
				n.log = append(n.log[:logIdx], entry)
			}
		} else {
			n.log = append(n.log, entry)
		}
	}

	if len(args.Entries) > 0 {
		n.persist()
		n.metrics.LogSize.Set(float64(len(n.log)))
	}

	if args.LeaderCommit > n.commitIndex {
		lastNewIndex := args.PrevLogIndex + uint64(len(args.Entries))
		if args.LeaderCommit < lastNewIndex {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = lastNewIndex
		}
		n.metrics.CommitIndex.Set(float64(n.commitIndex))
	}

	reply.Success = true
	return reply
}

func (n *Node) HandleInstallSnapshot(args *InstallSnapshotArgs) *InstallSnapshotReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	reply := &InstallSnapshotReply{Term: n.currentTerm}

	if args.Term < n.currentTerm {
		return reply
	}
	if args.Term > n.currentTerm {
		n.becomeFollower(args.Term)
	}

	n.leaderID = args.LeaderID
	n.resetElectionTimer()

	snapshotData, err := decodeSnapshotData(args.Data)
	if err != nil {
		n.logger.Printf("failed to decode snapshot: %v", err)
		return reply
	}

	n.log = []LogEntry{{Index: args.LastIncludedIndex, Term: args.LastIncludedTerm, Command: Command{Type: CommandNoop}}}
	n.snapshot = &Snapshot{LastIncludedIndex: args.LastIncludedIndex, LastIncludedTerm: args.LastIncludedTerm, Data: snapshotData}

	if args.LastIncludedIndex > n.commitIndex {
		n.commitIndex = args.LastIncludedIndex
	}
	if args.LastIncludedIndex > n.lastApplied {
		n.lastApplied = args.LastIncludedIndex
	}

	n.stateMachine.RestoreSnapshot(snapshotData)
	n.persist()
	if n.wal != nil {
		n.wal.SaveSnapshot(n.snapshot)
	}

	n.logger.Printf("installed snapshot at index %d", args.LastIncludedIndex)
	return reply
}

// Submit appends cmd to the leader's log. It does not wait for the
// entry to commit — see SubmitWithResult.
func (n *Node) Submit(cmd Command) (index uint64, term uint64, isLeader bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != Leader {
		return 0, 0, false
	}

	entry := LogEntry{Index: n.getLastLogIndex() + 1, Term: n.currentTerm, Command: cmd}
	n.log = append(n.log, entry)
	n.persist()
	n.metrics.LogSize.Set(float64(len(n.log)))

	return entry.Index, entry.Term, true
}

// SubmitWithResult appends cmd and blocks until it is applied, the
// node loses leadership, or ctx expires.
func (n *Node) SubmitWithResult(ctx context.Context, cmd Command) (CommitResult, error) {
	index, term, isLeader := n.Submit(cmd)
	if !isLeader {
		return CommitResult{}, ErrNotLeader
	}

	resultCh := make(chan CommitResult, 1)
	n.mu.Lock()
	n.pendingCommands[index] = &PendingCommand{Index: index, Term: term, ResultCh: resultCh}
	n.mu.Unlock()

	select {
	case result := <-resultCh:
		return result, result.Error
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.pendingCommands, index)
		n.mu.Unlock()
		return CommitResult{}, ctx.Err()
	}
}

// Read performs a linearizable read of key: it confirms leadership
// against a quorum of peers, then waits for lastApplied to catch up to
// the commit index observed at the start of the read, so a stale
// leader can never answer from data it hasn't caught up on yet.
func (n *Node) Read(ctx context.Context, key string) (string, error) {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return "", ErrNotLeader
	}
	readIdx := n.commitIndex
	currentTerm := n.currentTerm
	n.mu.Unlock()

	if !n.confirmLeadership(currentTerm) {
		return "", ErrNotLeader
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		n.mu.RLock()
		lastApplied := n.lastApplied
		n.mu.RUnlock()

		if lastApplied >= readIdx {
			break
		}
		if time.Now().After(deadline) {
			return "", ErrTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	value, _ := n.stateMachine.Get(key)
	return value, nil
}

func (n *Node) confirmLeadership(term uint64) bool {
	n.mu.RLock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.RUnlock()
		return false
	}
	peers := n.cluster.PeerIDs()
	needed := n.cluster.Quorum()
	n.mu.RUnlock()

	ackCount := int32(1) // self
	done := make(chan struct{}, 1)

	for _, peer := range peers {
		go func(peer string) {
			n.mu.RLock()
			args := &AppendEntriesArgs{
				Term:         n.currentTerm,
				LeaderID:     n.id,
				PrevLogIndex: n.getLastLogIndex(),
				PrevLogTerm:  n.getLastLogTerm(),
				LeaderCommit: n.commitIndex,
			}
			n.mu.RUnlock()

			ctx, cancel := context.WithTimeout(context.Background(), n.config.HeartbeatInterval*4)
			defer cancel()

			reply, err := n.transport.AppendEntries(ctx, peer, args)
			if err != nil || !reply.Success {
				return
			}
			if atomic.AddInt32(&ackCount, 1) >= int32(needed) {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		}(peer)
	}

	select {
	case <-done:
		return true
	case <-time.After(n.config.HeartbeatInterval * 3):
		return atomic.LoadInt32(&ackCount) >= int32(needed)
	}
}

func (n *Node) applyLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.mu.Lock()
		commitIndex := n.commitIndex
		lastApplied := n.lastApplied
		n.mu.Unlock()

		for i := lastApplied + 1; i <= commitIndex; i++ {
			n.mu.RLock()
			arrIdx := n.logIndexToArrayIndex(i)
			if arrIdx < 0 || arrIdx >= len(n.log) {
				n.mu.RUnlock()
				break
			}
			entry := n.log[arrIdx]
			n.mu.RUnlock()

			result := n.stateMachine.Apply(entry.Command)
			if entry.Command.Type != CommandNoop {
				n.metrics.CommandsTotal.Inc()
			}

			select {
			case n.applyCh <- ApplyMsg{CommandValid: true, Command: entry.Command, CommandIndex: entry.Index, CommandTerm: entry.Term}:
			default:
			}

			n.mu.Lock()
			n.lastApplied = i
			n.metrics.LastApplied.Set(float64(i))
			if n.state == Leader {
				if pending, ok := n.pendingCommands[i]; ok {
					select {
					case pending.ResultCh <- CommitResult{Index: i, Term: entry.Term, Value: result}:
					default:
					}
					delete(n.pendingCommands, i)
				}
			}
			n.mu.Unlock()
		}

		select {
		case <-n.stopCh:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (n *Node) maybeSnapshotBySize() {
	if atomic.LoadInt32(&n.snapshotInProgress) == 1 || n.wal == nil {
		return
	}

	size, err := n.wal.Size()
	if err != nil {
		return
	}

	if size > int64(n.snapshotThreshold)*10000 {
		go func() {
			if atomic.CompareAndSwapInt32(&n.snapshotInProgress, 0, 1) {
				defer atomic.StoreInt32(&n.snapshotInProgress, 0)
				n.mu.RLock()
				lastApplied := n.lastApplied
				n.mu.RUnlock()
				n.CreateSnapshot(lastApplied)
			}
		}()
	}
}

func (n *Node) CreateSnapshot(index uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	arrIdx := n.logIndexToArrayIndex(index)
	if arrIdx <= 0 || arrIdx >= len(n.log) {
		return nil
	}

	snapshot := &Snapshot{
		LastIncludedIndex: index,
		LastIncludedTerm:  n.log[arrIdx].Term,
		Data:              n.stateMachine.GetSnapshot(),
	}

	n.log = n.log[arrIdx:]
	n.log[0] = LogEntry{Index: index, Term: snapshot.LastIncludedTerm, Command: Command{Type: CommandNoop}}

	if n.wal != nil {
		if err := n.wal.SaveSnapshot(snapshot); err != nil {
			return err
		}
	}

	n.snapshot = snapshot
	n.logger.Printf("created snapshot at index %d", index)
	return nil
}

func (n *Node) becomeFollower(term uint64) {
	n.logger.Printf("becoming follower for term %d", term)
	n.state = Follower
	n.currentTerm = term
	n.metrics.CurrentTerm.Set(float64(n.currentTerm))
	n.votedFor = ""
	n.leaderID = ""

	for idx, pending := range n.pendingCommands {
		select {
		case pending.ResultCh <- CommitResult{Index: idx, Error: ErrNotLeader}:
		default:
		}
	}
	n.pendingCommands = make(map[uint64]*PendingCommand)

	n.persist()
}

func (n *Node) becomeCandidate() {
	n.logger.Printf("becoming candidate for term %d", n.currentTerm+1)
	n.state = Candidate
}

func (n *Node) becomeLeader() {
	n.logger.Printf("becoming leader for term %d", n.currentTerm)
	n.state = Leader
	n.leaderID = n.id

	lastLogIndex := n.getLastLogIndex()
	for _, peer := range n.cluster.PeerIDs() {
		n.nextIndex[peer] = lastLogIndex + 1
		n.matchIndex[peer] = 0
	}

	noop := LogEntry{Index: lastLogIndex + 1, Term: n.currentTerm, Command: Command{Type: CommandNoop}}
	n.log = append(n.log, noop)
	n.persist()
}

func (n *Node) getLastLogIndex() uint64 {
	if len(n.log) == 0 {
		if n.snapshot != nil {
			return n.snapshot.LastIncludedIndex
		}
		return 0
	}
	return n.log[len(n.log)-1].Index
}

func (n *Node) getLastLogTerm() uint64 {
	if len(n.log) == 0 {
		if n.snapshot != nil {
			return n.snapshot.LastIncludedTerm
		}
		return 0
	}
	return n.log[len(n.log)-1].Term
}

func (n *Node) isLogUpToDate(lastLogIndex, lastLogTerm uint64) bool {
	myLastTerm := n.getLastLogTerm()
	myLastIndex := n.getLastLogIndex()
	if lastLogTerm != myLastTerm {
		return lastLogTerm > myLastTerm
	}
	return lastLogIndex >= myLastIndex
}

func (n *Node) randomElectionTimeout() time.Duration {
	min := int64(n.config.ElectionTimeoutMin)
	max := int64(n.config.ElectionTimeoutMax)
	return time.Duration(min + rand.Int63n(max-min))
}

func (n *Node) resetElectionTimer() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
	n.resetElectionDeadline()
}

// persist writes term/votedFor/log through the WAL, which fsyncs before
// returning — Open Question #3: a caller building an RPC reply after a
// successful persist() acknowledges state that is already durable. A
// failed write is only logged; the node keeps running and the caller
// still sends its reply.
func (n *Node) persist() {
	if n.wal == nil {
		return
	}
	state := &PersistentState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor, Log: n.log}
	if err := n.wal.Save(state); err != nil {
		n.logger.Printf("failed to persist state: %v", err)
	}
}

func (n *Node) restore() error {
	if n.wal == nil {
		return nil
	}

	if snapshot, err := n.wal.LoadSnapshot(); err == nil && snapshot != nil {
		n.snapshot = snapshot
		n.stateMachine.RestoreSnapshot(snapshot.Data)
		n.lastApplied = snapshot.LastIncludedIndex
		n.commitIndex = snapshot.LastIncludedIndex
		n.log = []LogEntry{{Index: snapshot.LastIncludedIndex, Term: snapshot.LastIncludedTerm, Command: Command{Type: CommandNoop}}}
	}

	state, err := n.wal.Load()
	if err != nil {
		return err
	}
	if state != nil {
		n.currentTerm = state.CurrentTerm
		n.metrics.CurrentTerm.Set(float64(n.currentTerm))
		n.votedFor = state.VotedFor
		if len(state.Log) > 0 {
			n.log = state.Log
		}
	}

	return nil
}

// GetState returns (currentTerm, isLeader).
func (n *Node) GetState() (uint64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentTerm, n.state == Leader
}

func (n *Node) GetLeaderID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leaderID
}

func (n *Node) GetID() string { return n.id }

func (n *Node) IsLeader() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == Leader
}

// GetRole returns the node's current role for status reporting.
func (n *Node) GetRole() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) GetCommitIndex() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.commitIndex
}

func (n *Node) GetLastApplied() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastApplied
}

func (n *Node) GetLog() []LogEntry {
	n.mu.RLock()
	defer n.mu.RUnlock()
	logCopy := make([]LogEntry, len(n.log))
	copy(logCopy, n.log)
	return logCopy
}

func (n *Node) GetApplyChan() <-chan ApplyMsg { return n.applyCh }

func (n *Node) GetClusterSize() int { return n.cluster.Size() }

func (n *Node) GetPeers() []string { return n.cluster.PeerIDs() }
