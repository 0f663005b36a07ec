// Package lightd talks to lightwalletd-compatible CompactTxStreamer
// servers. It provides the gRPC client the sync engine uses, an in-memory
// chain with the same interface for tests and demos, and a gRPC server
// adapter that serves any Source.
package lightd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/colorfulnotion/lightsync/types"
	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "pirate.wallet.sdk.rpc.CompactTxStreamer"

const (
	methodGetLatestBlock  = "GetLatestBlock"
	methodGetBlockRange   = "GetBlockRange"
	methodGetTransaction  = "GetTransaction"
	methodSendTransaction = "SendTransaction"
	methodGetLightdInfo   = "GetLightdInfo"
	methodGetTreeState    = "GetTreeState"
)

func fullMethod(m string) string { return "/" + ServiceName + "/" + m }

// Source is a remote compact block source.
type Source interface {
	// Endpoint identifies the source; block caches are keyed by it.
	Endpoint() string
	GetLatestBlock(ctx context.Context) (*types.BlockID, error)
	// GetBlockRange returns the blocks [start, end] in ascending order.
	GetBlockRange(ctx context.Context, start, end uint64) ([]*types.CompactBlock, error)
	GetTransaction(ctx context.Context, txHash common.Hash) (*types.RawTransaction, error)
	SendTransaction(ctx context.Context, raw []byte) (*types.SendResponse, error)
	GetLightdInfo(ctx context.Context) (*types.LightdInfo, error)
	GetTreeState(ctx context.Context, height uint64) (*types.TreeState, error)
}

// protoCodec marshals types.Message values. It counts the bytes it
// decodes so callers can attribute traffic to a call.
type protoCodec struct {
	received atomic.Uint64
}

var _ encoding.Codec = (*protoCodec)(nil)

func (c *protoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(types.Message)
	if !ok {
		return nil, fmt.Errorf("lightd codec: cannot marshal %T", v)
	}
	return m.MarshalProto(), nil
}

func (c *protoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(types.Message)
	if !ok {
		return fmt.Errorf("lightd codec: cannot unmarshal into %T", v)
	}
	c.received.Add(uint64(len(data)))
	return m.UnmarshalProto(data)
}

func (c *protoCodec) Name() string { return "proto" }

// classify maps a gRPC failure onto the sync error taxonomy.
func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	var se *syncerrors.Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return syncerrors.New(syncerrors.KindCancelled, fmt.Errorf("%s: %w", method, syncerrors.ErrYCancelled))
	case errors.Is(err, context.DeadlineExceeded):
		return syncerrors.New(syncerrors.KindNetwork, fmt.Errorf("%s: %w", method, syncerrors.ErrNTimeout))
	}
	st, ok := status.FromError(err)
	if !ok {
		return syncerrors.New(syncerrors.KindConnection, fmt.Errorf("%s: %w: %v", method, syncerrors.ErrNConnectionReset, err))
	}
	switch st.Code() {
	case codes.Canceled:
		return syncerrors.New(syncerrors.KindCancelled, fmt.Errorf("%s: %w", method, syncerrors.ErrYCancelled))
	case codes.DeadlineExceeded:
		return syncerrors.New(syncerrors.KindNetwork, fmt.Errorf("%s: %w: %s", method, syncerrors.ErrNTimeout, st.Message()))
	case codes.Unavailable:
		return syncerrors.New(syncerrors.KindConnection, fmt.Errorf("%s: %w: %s", method, syncerrors.ErrNUnavailable, st.Message()))
	case codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.Unknown:
		return &syncerrors.Error{Kind: syncerrors.KindStatus, Transient: true,
			Err: fmt.Errorf("%s: %s: %s", method, st.Code(), st.Message())}
	case codes.NotFound:
		return &syncerrors.Error{Kind: syncerrors.KindStatus,
			Err: fmt.Errorf("%s: %w: %s", method, syncerrors.ErrSNotFound, st.Message())}
	default:
		return &syncerrors.Error{Kind: syncerrors.KindStatus,
			Err: fmt.Errorf("%s: %w: %s: %s", method, syncerrors.ErrPRejected, st.Code(), st.Message())}
	}
}

// toStatus is the inverse of classify, used by the server adapter.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var se *syncerrors.Error
	if errors.As(err, &se) && se.Kind == syncerrors.KindStatus && se.Transient {
		return status.Error(codes.Aborted, err.Error())
	}
	switch syncerrors.KindOf(err) {
	case syncerrors.KindConnection:
		return status.Error(codes.Unavailable, err.Error())
	case syncerrors.KindNetwork:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case syncerrors.KindCancelled:
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, syncerrors.ErrSNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.InvalidArgument, err.Error())
}
