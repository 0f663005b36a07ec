package lightd

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/colorfulnotion/lightsync/log"
	"github.com/colorfulnotion/lightsync/types"
	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
)

// Server serves a Source as a CompactTxStreamer. Only the methods the sync
// engine uses are exposed.
type Server struct {
	src        Source
	grpcServer *grpc.Server
	listener   net.Listener
	actualAddr string
}

// NewServer creates a gRPC server serving src.
func NewServer(src Source, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(&protoCodec{})}, opts...)
	s := &Server{src: src, grpcServer: grpc.NewServer(opts...)}
	s.grpcServer.RegisterService(&serviceDesc, src)
	return s
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = lis
	s.actualAddr = lis.Addr().String()
	log.Info(log.LightdMonitoring, "lightd server listening", "addr", s.actualAddr, "endpoint", s.src.Endpoint())
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error(log.LightdMonitoring, "lightd server failed", "err", err)
		}
	}()
	return nil
}

// Serve serves on lis until Stop. It blocks.
func (s *Server) Serve(lis net.Listener) error {
	s.listener = lis
	s.actualAddr = lis.Addr().String()
	return s.grpcServer.Serve(lis)
}

// Address returns the address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.actualAddr
}

// Stop stops the server after in-flight calls finish.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Source)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodGetLatestBlock, Handler: unary(methodGetLatestBlock, func() types.Message { return &types.ChainSpec{} },
			func(ctx context.Context, src Source, _ types.Message) (types.Message, error) {
				return src.GetLatestBlock(ctx)
			})},
		{MethodName: methodGetTransaction, Handler: unary(methodGetTransaction, func() types.Message { return &types.TxFilter{} },
			func(ctx context.Context, src Source, req types.Message) (types.Message, error) {
				return src.GetTransaction(ctx, common.BytesToHash(req.(*types.TxFilter).Hash))
			})},
		{MethodName: methodSendTransaction, Handler: unary(methodSendTransaction, func() types.Message { return &types.RawTransaction{} },
			func(ctx context.Context, src Source, req types.Message) (types.Message, error) {
				return src.SendTransaction(ctx, req.(*types.RawTransaction).Data)
			})},
		{MethodName: methodGetLightdInfo, Handler: unary(methodGetLightdInfo, func() types.Message { return &types.Empty{} },
			func(ctx context.Context, src Source, _ types.Message) (types.Message, error) {
				return src.GetLightdInfo(ctx)
			})},
		{MethodName: methodGetTreeState, Handler: unary(methodGetTreeState, func() types.Message { return &types.BlockID{} },
			func(ctx context.Context, src Source, req types.Message) (types.Message, error) {
				return src.GetTreeState(ctx, req.(*types.BlockID).Height)
			})},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: methodGetBlockRange, ServerStreams: true, Handler: serveBlockRange},
	},
}

type unaryFunc func(ctx context.Context, src Source, req types.Message) (types.Message, error)

func unary(method string, newReq func() types.Message, fn unaryFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := newReq()
		if err := dec(req); err != nil {
			return nil, err
		}
		handle := func(ctx context.Context, req any) (any, error) {
			out, err := fn(ctx, srv.(Source), req.(types.Message))
			if err != nil {
				return nil, toStatus(err)
			}
			return out, nil
		}
		if interceptor == nil {
			return handle(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, req, info, handle)
	}
}

func serveBlockRange(srv any, stream grpc.ServerStream) error {
	req := new(types.BlockRange)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	blocks, err := srv.(Source).GetBlockRange(stream.Context(), req.Start.Height, req.End.Height)
	if err != nil {
		return toStatus(err)
	}
	for _, b := range blocks {
		if err := stream.SendMsg(b); err != nil {
			return err
		}
	}
	return nil
}
