// Package local implements an in-process Transport used by simulation
// tests: RPCs are direct Go calls into the target Node's handlers,
// with optional injected latency and partition/heal controls so tests
// can exercise Raft's safety properties under network faults without
// a real socket.
package local

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/raftkv/consensus-store/pkg/raft"
)

type handler interface {
	HandleRequestVote(args *raft.RequestVoteArgs) *raft.RequestVoteReply
	HandleAppendEntries(args *raft.AppendEntriesArgs) *raft.AppendEntriesReply
	HandleInstallSnapshot(args *raft.InstallSnapshotArgs) *raft.InstallSnapshotReply
}

// Network is a shared registry of nodes reachable through Transport
// instances bound to it. One Network backs an entire simulated
// cluster.
type Network struct {
	mu       sync.RWMutex
	nodes    map[string]handler
	disabled map[string]map[string]bool
	latency  time.Duration
	dropRate float64
}

func NewNetwork() *Network {
	return &Network{
		nodes:    make(map[string]handler),
		disabled: make(map[string]map[string]bool),
	}
}

func (n *Network) Register(id string, node handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = node
	if n.disabled[id] == nil {
		n.disabled[id] = make(map[string]bool)
	}
}

func (n *Network) SetLatency(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = d
}

// SetDropRate makes a fraction of RPCs (0.0-1.0) fail as if the target
// were unreachable, independent of any partition — for exercising
// retry and timeout paths rather than full isolation.
func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

func (n *Network) Disconnect(from, to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disabled[from] == nil {
		n.disabled[from] = make(map[string]bool)
	}
	n.disabled[from][to] = true
}

func (n *Network) Connect(from, to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disabled[from] != nil {
		delete(n.disabled[from], to)
	}
}

// Partition isolates nodeID from every other registered node, in both
// directions.
func (n *Network) Partition(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id := range n.nodes {
		if id == nodeID {
			continue
		}
		if n.disabled[nodeID] == nil {
			n.disabled[nodeID] = make(map[string]bool)
		}
		if n.disabled[id] == nil {
			n.disabled[id] = make(map[string]bool)
		}
		n.disabled[nodeID][id] = true
		n.disabled[id][nodeID] = true
	}
}

// Heal reconnects nodeID to every other registered node.
func (n *Network) Heal(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.disabled[nodeID] = make(map[string]bool)
	for id := range n.nodes {
		if n.disabled[id] != nil {
			delete(n.disabled[id], nodeID)
		}
	}
}

func (n *Network) HealAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disabled = make(map[string]map[string]bool)
}

func (n *Network) isConnected(from, to string) bool {
	if n.disabled[from] == nil {
		return true
	}
	return !n.disabled[from][to]
}

// Transport is a Network-bound raft.Transport for one node.
type Transport struct {
	selfID  string
	network *Network
}

// NewTransport binds selfID's outgoing RPCs to network. Every node in
// a simulated cluster gets its own Transport sharing one Network.
func NewTransport(selfID string, network *Network) *Transport {
	return &Transport{selfID: selfID, network: network}
}

func (t *Transport) call(ctx context.Context, target string, fn func(handler) (interface{}, error)) (interface{}, error) {
	t.network.mu.RLock()
	node, ok := t.network.nodes[target]
	connected := t.network.isConnected(t.selfID, target)
	latency := t.network.latency
	dropRate := t.network.dropRate
	t.network.mu.RUnlock()

	if !ok || !connected {
		return nil, raft.ErrNodeNotFound
	}
	if dropRate > 0 && rand.Float64() < dropRate {
		return nil, raft.ErrTimeout
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return fn(node)
}

func (t *Transport) RequestVote(ctx context.Context, target string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	result, err := t.call(ctx, target, func(h handler) (interface{}, error) {
		return h.HandleRequestVote(args), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*raft.RequestVoteReply), nil
}

func (t *Transport) AppendEntries(ctx context.Context, target string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	result, err := t.call(ctx, target, func(h handler) (interface{}, error) {
		return h.HandleAppendEntries(args), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*raft.AppendEntriesReply), nil
}

func (t *Transport) InstallSnapshot(ctx context.Context, target string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	result, err := t.call(ctx, target, func(h handler) (interface{}, error) {
		return h.HandleInstallSnapshot(args), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*raft.InstallSnapshotReply), nil
}
