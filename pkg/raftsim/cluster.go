// Package raftsim builds in-memory clusters of raft.Node for tests:
// a harness to start several nodes wired through a shared
// transport/local.Network, drive leader elections, inject partitions,
// and check the safety properties committed entries are supposed to
// hold.
package raftsim

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/raftkv/consensus-store/pkg/cluster"
	"github.com/raftkv/consensus-store/pkg/kv"
	"github.com/raftkv/consensus-store/pkg/raft"
	"github.com/raftkv/consensus-store/pkg/store"
	transportlocal "github.com/raftkv/consensus-store/pkg/transport/local"
)

// Cluster is a set of Raft nodes sharing one simulated network.
type Cluster struct {
	Nodes   []*raft.Node
	Stores  []*kv.Store
	Network *transportlocal.Network

	wals    []*store.Store
	walDirs []string
}

// New creates a cluster of size nodes, each with its own temp-dir
// backed store and its own kv state machine, connected through one
// in-memory Network. Election/heartbeat timeouts are scaled up from
// DefaultConfig so test assertions aren't racing real wall-clock RPCs.
func New(size int) (*Cluster, error) {
	network := transportlocal.NewNetwork()

	nodeIDs := make([]string, size)
	for i := range nodeIDs {
		nodeIDs[i] = fmt.Sprintf("node-%d", i)
	}

	c := &Cluster{
		Nodes:   make([]*raft.Node, size),
		Stores:  make([]*kv.Store, size),
		Network: network,
		wals:    make([]*store.Store, size),
		walDirs: make([]string, size),
	}

	runID := time.Now().UnixNano()

	for i, id := range nodeIDs {
		peers := make(map[string]string, size-1)
		for _, peerID := range nodeIDs {
			if peerID != id {
				peers[peerID] = peerID
			}
		}

		members, err := cluster.NewConfig(id, id, peers)
		if err != nil {
			c.Cleanup()
			return nil, err
		}

		dir := fmt.Sprintf("%s/raftsim-%d-%s", os.TempDir(), runID, id)
		c.walDirs[i] = dir
		os.RemoveAll(dir)

		st, err := store.Open(dir)
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.wals[i] = st

		kvStore := kv.New()
		c.Stores[i] = kvStore

		config := raft.NodeConfig{
			ID:                 id,
			Peers:              nodeIDs,
			ElectionTimeoutMin: 300 * time.Millisecond,
			ElectionTimeoutMax: 600 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
			WALPath:            dir,
			SnapshotThreshold:  1000,
		}

		transport := transportlocal.NewTransport(id, network)
		node := raft.NewNode(config, members, transport, st, kvStore, nil, nil)
		c.Nodes[i] = node
		network.Register(id, node)
	}

	return c, nil
}

func (c *Cluster) Start() error {
	for _, node := range c.Nodes {
		if err := node.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cluster) Stop() {
	for _, node := range c.Nodes {
		if node != nil {
			node.Stop()
		}
	}
}

func (c *Cluster) Cleanup() {
	c.Stop()
	time.Sleep(50 * time.Millisecond)
	for _, dir := range c.walDirs {
		if dir != "" {
			os.RemoveAll(dir)
		}
	}
}

func (c *Cluster) GetLeader() *raft.Node {
	for _, node := range c.Nodes {
		if node.IsLeader() {
			return node
		}
	}
	return nil
}

func (c *Cluster) WaitForLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := c.GetLeader(); leader != nil {
			return leader, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("raftsim: no leader elected within %s", timeout)
}

// WaitForStableLeader waits for a leader and confirms it holds that
// role for a further stabilization window, to avoid asserting on a
// leader that is about to be deposed by a straggler's higher term.
func (c *Cluster) WaitForStableLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	var leader *raft.Node
	stable := 0
	const requiredStable = 10

	for time.Now().Before(deadline) {
		current := c.GetLeader()
		switch {
		case current == nil:
			leader, stable = nil, 0
		case current == leader:
			stable++
			if stable >= requiredStable {
				return leader, nil
			}
		default:
			leader, stable = current, 1
		}
		time.Sleep(50 * time.Millisecond)
	}

	return nil, fmt.Errorf("raftsim: no stable leader elected within %s", timeout)
}

func (c *Cluster) WaitForNewLeader(excludeID string, timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, node := range c.Nodes {
			if node.GetID() != excludeID && node.IsLeader() {
				return node, nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("raftsim: no new leader elected within %s", timeout)
}

func (c *Cluster) PartitionLeader() *raft.Node {
	leader := c.GetLeader()
	if leader != nil {
		c.Network.Partition(leader.GetID())
	}
	return leader
}

func (c *Cluster) HealPartition() {
	c.Network.HealAll()
}

// SubmitCommand retries cmd against whichever node currently leads
// until the leader applies it, the submission fails with an error
// other than ErrNotLeader or a context deadline, or timeout elapses.
func (c *Cluster) SubmitCommand(cmd raft.Command, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		leader := c.GetLeader()
		if leader == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		remaining := time.Until(deadline)
		if remaining < 200*time.Millisecond {
			remaining = 200 * time.Millisecond
		}

		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		result, err := leader.SubmitWithResult(ctx, cmd)
		cancel()

		if err == nil {
			return result.Value, nil
		}
		if err == raft.ErrNotLeader || err == context.DeadlineExceeded {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return "", err
	}

	return "", fmt.Errorf("raftsim: timed out submitting command")
}
