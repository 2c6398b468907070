// Package api exposes an in-process cluster over HTTP and provides a
// thin Go client for it.
package api

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/raftkv/consensus-store/pkg/raft"
)

var ErrNoLeader = errors.New("api: no leader available")

// Client talks directly to whichever in-process Node is currently
// leading, skipping HTTP. Every Client mints its own UUID as a stable
// ClientID so retried submissions dedupe correctly at the state
// machine.
type Client struct {
	nodes     []*raft.Node
	timeout   time.Duration
	clientID  string
	requestID uint64
}

func NewClient(nodes []*raft.Node) *Client {
	return &Client{
		nodes:    nodes,
		timeout:  5 * time.Second,
		clientID: uuid.NewString(),
	}
}

func (c *Client) nextRequestID() uint64 {
	return atomic.AddUint64(&c.requestID, 1)
}

func (c *Client) Set(ctx context.Context, key, value string) error {
	leader := c.findLeader()
	if leader == nil {
		return ErrNoLeader
	}

	cmd := raft.Command{
		Type: raft.CommandSet, Key: key, Value: value,
		ClientID: c.clientID, RequestID: c.nextRequestID(),
	}
	_, err := leader.SubmitWithResult(ctx, cmd)
	return err
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	leader := c.findLeader()
	if leader == nil {
		return "", ErrNoLeader
	}
	return leader.Read(ctx, key)
}

func (c *Client) Delete(ctx context.Context, key string) error {
	leader := c.findLeader()
	if leader == nil {
		return ErrNoLeader
	}

	cmd := raft.Command{
		Type: raft.CommandDelete, Key: key,
		ClientID: c.clientID, RequestID: c.nextRequestID(),
	}
	_, err := leader.SubmitWithResult(ctx, cmd)
	return err
}

func (c *Client) findLeader() *raft.Node {
	for _, node := range c.nodes {
		if node.IsLeader() {
			return node
		}
	}
	return nil
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}
