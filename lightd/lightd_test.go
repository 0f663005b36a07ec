package lightd

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/colorfulnotion/lightsync/decrypt"
	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/colorfulnotion/lightsync/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var (
	saplingKey = decrypt.KeyFromSeed(1, types.PoolSapling, []byte("lightd"))
	orchardKey = decrypt.KeyFromSeed(2, types.PoolOrchard, []byte("lightd"))
)

// serve starts a server for src on an in-memory listener and returns a
// client connected to it.
func serve(t *testing.T, src Source) *Client {
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(src)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient("bufnet", conn)
}

func testChain(t *testing.T) *MockSource {
	m := NewMockSource("mock", 1000)
	m.AppendEmpty(5, 2)
	_, err := m.Pay(&saplingKey, 50000, []byte("sapling memo"))
	require.NoError(t, err)
	_, err = m.Pay(&orchardKey, 70000, []byte("orchard memo"))
	require.NoError(t, err)
	m.AppendEmpty(3, 1)
	return m
}

func TestMockChainLinksHashes(t *testing.T) {
	m := testChain(t)
	require.Equal(t, uint64(1009), m.Tip())
	for h := uint64(1001); h <= m.Tip(); h++ {
		assert.Equal(t, m.Block(h-1).Hash, m.Block(h).PrevHash, "height %d", h)
	}
	assert.Nil(t, m.Block(999))
	assert.Nil(t, m.Block(1010))
}

func TestMockReorgForksChain(t *testing.T) {
	m := testChain(t)
	before := m.Block(1006).Hash
	keep := m.Block(1004).Hash
	payTx := m.Block(1005).Vtx[0].Hash
	require.NoError(t, m.Reorg(1005))

	assert.Equal(t, uint64(1009), m.Tip())
	assert.Equal(t, keep, m.Block(1004).Hash)
	assert.Equal(t, keep, m.Block(1005).PrevHash)
	assert.NotEqual(t, before, m.Block(1006).Hash)

	// The payment transaction left the chain.
	_, err := m.FullCiphertext(context.Background(), payTx, types.PoolSapling, 1)
	assert.ErrorIs(t, err, syncerrors.ErrSNotFound)

	assert.Error(t, m.Reorg(999))
	assert.Error(t, m.Reorg(1010))
}

func TestMockTruncate(t *testing.T) {
	m := testChain(t)
	keep := m.Block(1003).Hash
	require.NoError(t, m.Truncate(1003))
	assert.Equal(t, uint64(1003), m.Tip())
	assert.Equal(t, keep, m.Block(1003).Hash)
	assert.Nil(t, m.Block(1004))

	_, err := m.GetBlockRange(context.Background(), 1004, 1004)
	assert.ErrorIs(t, err, syncerrors.ErrSNotFound)
	assert.Error(t, m.Truncate(1004))
}

func TestMockFailNext(t *testing.T) {
	m := testChain(t)
	boom := syncerrors.New(syncerrors.KindNetwork, syncerrors.ErrNTimeout)
	m.FailNext(boom)

	_, err := m.GetBlockRange(context.Background(), 1000, 1001)
	assert.ErrorIs(t, err, syncerrors.ErrNTimeout)
	blocks, err := m.GetBlockRange(context.Background(), 1000, 1001)
	require.NoError(t, err)
	assert.Len(t, blocks, 2)
	assert.Equal(t, 2, m.Calls(methodGetBlockRange))
}

func TestMockMemoLoading(t *testing.T) {
	m := testChain(t)
	ctx := context.Background()
	blocks, err := m.GetBlockRange(ctx, 1000, m.Tip())
	require.NoError(t, err)

	p := decrypt.NewPipeline(decrypt.StaticKeys{saplingKey, orchardKey}, 4, m)
	notes, _, err := p.Decrypt(ctx, decrypt.Flatten(blocks, 0, 0))
	require.NoError(t, err)
	found := decrypt.Matches(notes)
	require.Len(t, found, 2)

	assert.Equal(t, uint64(50000), found[0].Value)
	text, ok, err := found[0].Memo.Text(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sapling memo", text)

	assert.Equal(t, uint64(70000), found[1].Value)
	text, _, err = found[1].Memo.Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "orchard memo", text)
}

func TestClientServerRoundTrip(t *testing.T) {
	m := testChain(t)
	c := serve(t, m)
	ctx := context.Background()

	tip, err := c.GetLatestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.Tip(), tip.Height)
	assert.Equal(t, m.Block(m.Tip()).Hash.Bytes(), tip.Hash)

	blocks, err := c.GetBlockRange(ctx, 1000, m.Tip())
	require.NoError(t, err)
	require.Len(t, blocks, 10)
	for i, b := range blocks {
		want := m.Block(1000 + uint64(i))
		assert.Equal(t, want.Hash, b.Hash)
		assert.Equal(t, want.PrevHash, b.PrevHash)
		require.Len(t, b.Vtx, len(want.Vtx))
		for j := range b.Vtx {
			assert.Equal(t, want.Vtx[j].Outputs, b.Vtx[j].Outputs)
			assert.Equal(t, want.Vtx[j].Actions, b.Vtx[j].Actions)
		}
	}

	payTx := m.Block(1005).Vtx[0].Hash
	raw, err := c.GetTransaction(ctx, payTx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1005), raw.Height)
	assert.Len(t, raw.Data, types.FullCiphertextSize)

	ts, err := c.GetTreeState(ctx, 999)
	require.NoError(t, err)
	assert.Equal(t, uint64(999), ts.Height)

	info, err := c.GetLightdInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.Tip(), info.BlockHeight)
	assert.Equal(t, uint64(1000), info.SaplingActivationHeight)

	_, err = c.SendTransaction(ctx, []byte{0xde, 0xad})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0xde, 0xad}}, m.Sent())

	stats := map[string]MethodStats{}
	for _, s := range c.Stats() {
		stats[s.Method] = s
	}
	assert.Equal(t, int64(1), stats[methodGetBlockRange].Calls)
	assert.Equal(t, int64(1), stats[methodGetBlockRange].Successes)
	assert.Positive(t, stats[methodGetBlockRange].BytesReceived)
	assert.Equal(t, int64(1), stats[methodSendTransaction].Calls)
}

func TestClientErrorsOverTheWire(t *testing.T) {
	m := testChain(t)
	c := serve(t, m)
	ctx := context.Background()

	_, err := c.GetBlockRange(ctx, 1005, 2000)
	assert.ErrorIs(t, err, syncerrors.ErrSNotFound)
	assert.Equal(t, syncerrors.KindStatus, syncerrors.KindOf(err))
	assert.False(t, syncerrors.Retryable(err))

	_, err = c.GetTransaction(ctx, common.Hash{1})
	assert.ErrorIs(t, err, syncerrors.ErrSNotFound)

	m.FailNext(syncerrors.New(syncerrors.KindConnection, syncerrors.ErrNUnavailable))
	_, err = c.GetBlockRange(ctx, 1000, 1001)
	assert.ErrorIs(t, err, syncerrors.ErrNUnavailable)
	assert.True(t, syncerrors.Retryable(err))

	resp, err := c.SendTransaction(ctx, nil)
	assert.ErrorIs(t, err, syncerrors.ErrPRejected)
	require.NotNil(t, resp)
	assert.Equal(t, int32(-1), resp.ErrorCode)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.GetBlockRange(cctx, 1000, 1001)
	assert.Equal(t, syncerrors.KindCancelled, syncerrors.KindOf(err))

	var failed int64
	for _, s := range c.Stats() {
		failed += s.Errors
	}
	assert.Equal(t, int64(4), failed)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		kind      syncerrors.Kind
		retryable bool
	}{
		{"canceled", context.Canceled, syncerrors.KindCancelled, false},
		{"deadline", context.DeadlineExceeded, syncerrors.KindNetwork, true},
		{"unavailable", status.Error(codes.Unavailable, "down"), syncerrors.KindConnection, true},
		{"deadline status", status.Error(codes.DeadlineExceeded, "slow"), syncerrors.KindNetwork, true},
		{"internal", status.Error(codes.Internal, "oops"), syncerrors.KindStatus, true},
		{"exhausted", status.Error(codes.ResourceExhausted, "busy"), syncerrors.KindStatus, true},
		{"not found", status.Error(codes.NotFound, "gone"), syncerrors.KindStatus, false},
		{"invalid", status.Error(codes.InvalidArgument, "bad"), syncerrors.KindStatus, false},
		{"plain", errors.New("reset by peer"), syncerrors.KindConnection, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := classify(methodGetBlockRange, c.err)
			assert.Equal(t, c.kind, syncerrors.KindOf(err))
			assert.Equal(t, c.retryable, syncerrors.Retryable(err))
		})
	}
	assert.NoError(t, classify(methodGetBlockRange, nil))
}

func TestToStatusInvertsClassify(t *testing.T) {
	for _, code := range []codes.Code{codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.NotFound, codes.InvalidArgument} {
		err := classify(methodGetTreeState, status.Error(code, "x"))
		assert.Equal(t, code, status.Code(toStatus(err)), code.String())
	}
	transient := classify(methodGetTreeState, status.Error(codes.Internal, "x"))
	assert.Equal(t, codes.Aborted, status.Code(toStatus(transient)))
}

func TestParseEndpoint(t *testing.T) {
	target, tls := parseEndpoint("https://lightd.example:443")
	assert.Equal(t, "lightd.example:443", target)
	assert.True(t, tls)
	target, tls = parseEndpoint("http://127.0.0.1:9067")
	assert.Equal(t, "127.0.0.1:9067", target)
	assert.False(t, tls)
	target, tls = parseEndpoint("localhost:9067")
	assert.Equal(t, "localhost:9067", target)
	assert.False(t, tls)
}
