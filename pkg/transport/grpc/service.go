package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/raftkv/consensus-store/pkg/raft"
)

const serviceName = "raftkv.consensus.Raft"

// raftServer is what the hand-written service dispatches to: the methods below are
// invoked by the generic ServiceDesc handlers once a request has been
// gob-decoded.
type raftServer interface {
	HandleRequestVote(args *raft.RequestVoteArgs) *raft.RequestVoteReply
	HandleAppendEntries(args *raft.AppendEntriesArgs) *raft.AppendEntriesReply
	HandleInstallSnapshot(args *raft.InstallSnapshotArgs) *raft.InstallSnapshotReply
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	args := new(raft.RequestVoteArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	return srv.(raftServer).HandleRequestVote(args), nil
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	args := new(raft.AppendEntriesArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	return srv.(raftServer).HandleAppendEntries(args), nil
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	args := new(raft.InstallSnapshotArgs)
	if err := dec(args); err != nil {
		return nil, err
	}
	return srv.(raftServer).HandleInstallSnapshot(args), nil
}

// serviceDesc is hand-written in place of a .proto-generated one: the
// three RPCs map directly onto pkg/raft's RPC structs via gobCodec, so
// there is nothing left for protoc to generate.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raftServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/transport/grpc/service.go",
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}
