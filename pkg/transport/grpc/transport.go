// Package grpc implements the peer-to-peer Transport over real gRPC
// connections, using a gob codec (see codec.go) in place of generated
// protobuf messages.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/raftkv/consensus-store/pkg/cluster"
	"github.com/raftkv/consensus-store/pkg/raft"
)

// Transport dials peers on demand and caches the resulting
// connections; it also runs the gRPC server that answers incoming
// RPCs on behalf of a local Node.
type Transport struct {
	mu          sync.RWMutex
	members     *cluster.Config
	node        raftServer
	server      *grpc.Server
	listener    net.Listener
	connections map[string]*grpc.ClientConn
	timeout     time.Duration
}

// New builds a Transport that resolves peer addresses from members.
// SetNode must be called before the server starts answering RPCs.
func New(members *cluster.Config) *Transport {
	return &Transport{
		members:     members,
		connections: make(map[string]*grpc.ClientConn),
		timeout:     5 * time.Second,
	}
}

func (t *Transport) SetNode(node raftServer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.node = node
}

// Serve starts the gRPC listener on addr and blocks until ctx is
// cancelled or the server stops.
func (t *Transport) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport/grpc: listen: %w", err)
	}

	t.mu.Lock()
	t.listener = listener
	t.server = grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	t.server.RegisterService(&serviceDesc, t)
	server := t.server
	t.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()

	select {
	case <-ctx.Done():
		server.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, conn := range t.connections {
		conn.Close()
	}
	if t.server != nil {
		t.server.GracefulStop()
	}
	if t.listener != nil {
		t.listener.Close()
	}
}

// raftServer passthrough so *Transport itself can be registered as
// the gRPC service implementation.
func (t *Transport) HandleRequestVote(args *raft.RequestVoteArgs) *raft.RequestVoteReply {
	t.mu.RLock()
	node := t.node
	t.mu.RUnlock()
	return node.HandleRequestVote(args)
}

func (t *Transport) HandleAppendEntries(args *raft.AppendEntriesArgs) *raft.AppendEntriesReply {
	t.mu.RLock()
	node := t.node
	t.mu.RUnlock()
	return node.HandleAppendEntries(args)
}

func (t *Transport) HandleInstallSnapshot(args *raft.InstallSnapshotArgs) *raft.InstallSnapshotReply {
	t.mu.RLock()
	node := t.node
	t.mu.RUnlock()
	return node.HandleInstallSnapshot(args)
}

func (t *Transport) getConn(target string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if conn, ok := t.connections[target]; ok {
		t.mu.RUnlock()
		return conn, nil
	}
	t.mu.RUnlock()

	addr, ok := t.members.Address(target)
	if !ok {
		return nil, fmt.Errorf("transport/grpc: unknown peer %q", target)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.connections[target]; ok {
		return conn, nil
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("transport/grpc: dial %s: %w", addr, err)
	}

	t.connections[target] = conn
	return conn, nil
}

func (t *Transport) RequestVote(ctx context.Context, target string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	reply := new(raft.RequestVoteReply)
	if err := conn.Invoke(ctx, fullMethod("RequestVote"), args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *Transport) AppendEntries(ctx context.Context, target string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	reply := new(raft.AppendEntriesReply)
	if err := conn.Invoke(ctx, fullMethod("AppendEntries"), args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *Transport) InstallSnapshot(ctx context.Context, target string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	conn, err := t.getConn(target)
	if err != nil {
		return nil, err
	}
	reply := new(raft.InstallSnapshotReply)
	if err := conn.Invoke(ctx, fullMethod("InstallSnapshot"), args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}
