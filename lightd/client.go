package lightd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/colorfulnotion/lightsync/log"
	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/colorfulnotion/lightsync/types"
	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultCallTimeout bounds unary calls. Streams are bounded by the
// caller's context only.
const DefaultCallTimeout = 30 * time.Second

// MethodStats counts calls of one RPC method.
type MethodStats struct {
	Method        string
	Calls         int64
	Successes     int64
	Errors        int64
	BytesReceived uint64
}

// Client is a CompactTxStreamer client.
type Client struct {
	endpoint string
	conn     *grpc.ClientConn
	owned    bool
	timeout  time.Duration

	// Statistics (protected by mutex)
	statsMu sync.RWMutex
	stats   map[string]*MethodStats
}

var _ Source = (*Client)(nil)

// Dial connects to endpoint. "https://host:port" selects TLS,
// "http://host:port" or a bare "host:port" selects plaintext.
func Dial(endpoint string, opts ...grpc.DialOption) (*Client, error) {
	target, useTLS := parseEndpoint(endpoint)
	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, syncerrors.New(syncerrors.KindConfig, fmt.Errorf("dial %s: %w", endpoint, err))
	}
	c := NewClient(endpoint, conn)
	c.owned = true
	return c, nil
}

// NewClient wraps an existing connection. The connection stays owned by
// the caller.
func NewClient(endpoint string, conn *grpc.ClientConn) *Client {
	return &Client{
		endpoint: endpoint,
		conn:     conn,
		timeout:  DefaultCallTimeout,
		stats:    make(map[string]*MethodStats),
	}
}

func parseEndpoint(endpoint string) (target string, useTLS bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), false
	}
	return endpoint, false
}

// SetTimeout changes the unary call timeout.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

func (c *Client) Endpoint() string { return c.endpoint }

// Close closes the connection if the client dialed it.
func (c *Client) Close() error {
	if c.owned {
		return c.conn.Close()
	}
	return nil
}

// Stats returns per-method call statistics sorted by method name.
func (c *Client) Stats() []MethodStats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	out := make([]MethodStats, 0, len(c.stats))
	for _, s := range c.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

func (c *Client) record(method string, codec *protoCodec, err error) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s, ok := c.stats[method]
	if !ok {
		s = &MethodStats{Method: method}
		c.stats[method] = s
	}
	s.Calls++
	s.BytesReceived += codec.received.Load()
	if err != nil {
		s.Errors++
	} else {
		s.Successes++
	}
}

func (c *Client) invoke(ctx context.Context, method string, req, reply types.Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	codec := &protoCodec{}
	err := c.conn.Invoke(ctx, fullMethod(method), req, reply, grpc.ForceCodec(codec))
	c.record(method, codec, err)
	if err != nil {
		log.Debug(log.LightdMonitoring, "lightd call failed", "method", method, "endpoint", c.endpoint, "err", err)
		return classify(method, err)
	}
	return nil
}

func (c *Client) GetLatestBlock(ctx context.Context) (*types.BlockID, error) {
	out := new(types.BlockID)
	if err := c.invoke(ctx, methodGetLatestBlock, &types.ChainSpec{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

var blockRangeStream = grpc.StreamDesc{StreamName: methodGetBlockRange, ServerStreams: true}

// GetBlockRange streams the blocks [start, end].
func (c *Client) GetBlockRange(ctx context.Context, start, end uint64) ([]*types.CompactBlock, error) {
	if start > end {
		return nil, nil
	}
	began := time.Now()
	codec := &protoCodec{}
	blocks, err := c.streamRange(ctx, start, end, codec)
	c.record(methodGetBlockRange, codec, err)
	if err != nil {
		return nil, classify(methodGetBlockRange, err)
	}
	log.Trace(log.LightdMonitoring, "received block range", "start", start, "end", end, "blocks", len(blocks),
		"bytes", codec.received.Load(), "elapsed", time.Since(began))
	return blocks, nil
}

func (c *Client) streamRange(ctx context.Context, start, end uint64, codec *protoCodec) ([]*types.CompactBlock, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.conn.NewStream(ctx, &blockRangeStream, fullMethod(methodGetBlockRange), grpc.ForceCodec(codec))
	if err != nil {
		return nil, err
	}
	req := &types.BlockRange{Start: types.BlockID{Height: start}, End: types.BlockID{Height: end}}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	blocks := make([]*types.CompactBlock, 0, end-start+1)
	for {
		b := new(types.CompactBlock)
		err := stream.RecvMsg(b)
		if errors.Is(err, io.EOF) {
			return blocks, nil
		}
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
}

// GetTransaction fetches a full transaction by hash.
func (c *Client) GetTransaction(ctx context.Context, txHash common.Hash) (*types.RawTransaction, error) {
	out := new(types.RawTransaction)
	if err := c.invoke(ctx, methodGetTransaction, &types.TxFilter{Hash: txHash.Bytes()}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendTransaction broadcasts raw. A non-zero error code in the response is
// reported as a rejection.
func (c *Client) SendTransaction(ctx context.Context, raw []byte) (*types.SendResponse, error) {
	out := new(types.SendResponse)
	if err := c.invoke(ctx, methodSendTransaction, &types.RawTransaction{Data: raw}, out); err != nil {
		return nil, err
	}
	if out.ErrorCode != 0 {
		return out, &syncerrors.Error{Kind: syncerrors.KindStatus,
			Err: fmt.Errorf("broadcast: %w: %s (code %d)", syncerrors.ErrPRejected, out.ErrorMessage, out.ErrorCode)}
	}
	log.Info(log.LightdMonitoring, "transaction broadcast", "bytes", len(raw))
	return out, nil
}

func (c *Client) GetLightdInfo(ctx context.Context) (*types.LightdInfo, error) {
	out := new(types.LightdInfo)
	if err := c.invoke(ctx, methodGetLightdInfo, &types.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTreeState returns the commitment tree state after the block at height.
func (c *Client) GetTreeState(ctx context.Context, height uint64) (*types.TreeState, error) {
	out := new(types.TreeState)
	if err := c.invoke(ctx, methodGetTreeState, &types.BlockID{Height: height}, out); err != nil {
		return nil, err
	}
	return out, nil
}
