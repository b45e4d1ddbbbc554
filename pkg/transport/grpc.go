package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ruftgo/ruft/pkg/endpoint"
	"github.com/ruftgo/ruft/pkg/raft"
)

// serviceName/method names mirror what protoc-gen-go-grpc would emit for
// a service with these four RPCs; registering the ServiceDesc by hand
// keeps that shape without needing generated code.
const serviceName = "ruft.Raft"

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raft.Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PreVote", Handler: preVoteHandler},
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ruft.proto",
}

func preVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raft.PreVoteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raft.Handler).HandlePreVote(req), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/PreVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raft.Handler).HandlePreVote(req.(*raft.PreVoteRequest)), nil
	}
	return interceptor(ctx, req, info, handler)
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raft.RequestVoteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raft.Handler).HandleRequestVote(req), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raft.Handler).HandleRequestVote(req.(*raft.RequestVoteRequest)), nil
	}
	return interceptor(ctx, req, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raft.AppendEntriesRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raft.Handler).HandleAppendEntries(req), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AppendEntries"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raft.Handler).HandleAppendEntries(req.(*raft.AppendEntriesRequest)), nil
	}
	return interceptor(ctx, req, info, handler)
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raft.InstallSnapshotRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raft.Handler).HandleInstallSnapshot(req), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/InstallSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raft.Handler).HandleInstallSnapshot(req.(*raft.InstallSnapshotRequest)), nil
	}
	return interceptor(ctx, req, info, handler)
}

// Server hosts one node's Handler over grpc, listening on its endpoint's
// address.
type Server struct {
	listener net.Listener
	server   *grpc.Server
	logger   *zap.Logger
}

// NewServer starts listening on addr and registers handler under the
// hand-built ServiceDesc.
func NewServer(addr string, handler raft.Handler, logger *zap.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	gs := grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	gs.RegisterService(&serviceDesc, handler)

	s := &Server{listener: lis, server: gs, logger: logger}
	go func() {
		if err := gs.Serve(lis); err != nil {
			logger.Info("grpc server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Server) Stop() {
	s.server.GracefulStop()
}

// GRPCTransport dials peers lazily and caches one long-lived
// connection per peer, redialing on the next call after a failure.
type GRPCTransport struct {
	mu      sync.RWMutex
	members endpoint.Set
	conns   map[string]*grpc.ClientConn
}

// NewGRPCTransport builds a transport that resolves peer addresses from
// members.
func NewGRPCTransport(members []endpoint.Endpoint) *GRPCTransport {
	return &GRPCTransport{
		members: endpoint.NewSet(members),
		conns:   make(map[string]*grpc.ClientConn),
	}
}

// SetMembers updates the address book used to dial peers. Node.UpdateMembers
// does not call it, so the address book changes only through this method.
func (t *GRPCTransport) SetMembers(members []endpoint.Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.members = endpoint.NewSet(members)
}

func (t *GRPCTransport) conn(target string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if c, ok := t.conns[target]; ok {
		t.mu.RUnlock()
		return c, nil
	}
	ep, ok := t.members.Get(target)
	t.mu.RUnlock()
	if !ok {
		return nil, raft.ErrUnknownPeer
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[target]; ok {
		return c, nil
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, ep.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(gobCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", ep.Addr, err)
	}
	t.conns[target] = conn
	return conn, nil
}

func (t *GRPCTransport) PreVote(ctx context.Context, target string, req *raft.PreVoteRequest) (*raft.PreVoteResponse, error) {
	conn, err := t.conn(target)
	if err != nil {
		return nil, err
	}
	resp := new(raft.PreVoteResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/PreVote", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *GRPCTransport) RequestVote(ctx context.Context, target string, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	conn, err := t.conn(target)
	if err != nil {
		return nil, err
	}
	resp := new(raft.RequestVoteResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/RequestVote", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, target string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	conn, err := t.conn(target)
	if err != nil {
		return nil, err
	}
	resp := new(raft.AppendEntriesResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/AppendEntries", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *GRPCTransport) InstallSnapshot(ctx context.Context, target string, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	conn, err := t.conn(target)
	if err != nil {
		return nil, err
	}
	resp := new(raft.InstallSnapshotResponse)
	if err := conn.Invoke(ctx, "/"+serviceName+"/InstallSnapshot", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close tears down every cached connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for _, c := range t.conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	t.conns = make(map[string]*grpc.ClientConn)
	return first
}
