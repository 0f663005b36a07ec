package blockcache

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/colorfulnotion/lightsync/storage"
	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/colorfulnotion/lightsync/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockHash(h uint64) common.Hash {
	var out common.Hash
	out[0] = 0xb1
	binary.BigEndian.PutUint64(out[24:], h)
	return out
}

func makeBlocks(start, end uint64) []*types.CompactBlock {
	var out []*types.CompactBlock
	for h := start; h <= end; h++ {
		out = append(out, &types.CompactBlock{
			Height:   h,
			Hash:     blockHash(h),
			PrevHash: blockHash(h - 1),
			Time:     uint32(1700000000 + h),
			Vtx: []*types.CompactTx{{
				Index: 1,
				Hash:  blockHash(h + 1000),
				Outputs: []types.CompactSaplingOutput{{
					Cmu:          blockHash(h + 2000),
					EphemeralKey: blockHash(h + 3000),
					Ciphertext:   make([]byte, types.CompactCiphertextSize),
				}},
			}},
		})
	}
	return out
}

func newCache(t *testing.T, ps *storage.PersistenceStore, endpoint string, reg *InflightRegistry) *Cache {
	c, err := New(ps, endpoint, reg, 16)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func memStore(t *testing.T) *storage.PersistenceStore {
	ps, err := storage.NewMemoryPersistenceStore()
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return ps
}

func heights(blocks []*types.CompactBlock) []uint64 {
	out := make([]uint64, len(blocks))
	for i, b := range blocks {
		out[i] = b.Height
	}
	return out
}

func TestStoreAndLoadRange(t *testing.T) {
	ps := memStore(t)
	c := newCache(t, ps, "https://lightd.example:443", nil)

	stored := makeBlocks(10, 19)
	require.NoError(t, c.StoreBlocks(stored))

	got, err := c.LoadRange(12, 15)
	require.NoError(t, err)
	assert.Equal(t, []uint64{12, 13, 14, 15}, heights(got))

	got, err = c.LoadRange(18, 25)
	require.NoError(t, err)
	assert.Equal(t, []uint64{18, 19}, heights(got))

	got, err = c.LoadRange(5, 4)
	require.NoError(t, err)
	assert.Empty(t, got)

	// A fresh cache has an empty hot set and must decode from disk.
	cold := newCache(t, ps, "https://lightd.example:443", nil)
	got, err = cold.LoadRange(10, 19)
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i := range got {
		assert.Equal(t, stored[i].MarshalProto(), got[i].MarshalProto())
	}
}

func TestEndpointsAreIsolated(t *testing.T) {
	ps := memStore(t)
	a := newCache(t, ps, "a", nil)
	ab := newCache(t, ps, "ab", nil)

	require.NoError(t, a.StoreBlocks(makeBlocks(1, 5)))
	got, err := ab.LoadRange(1, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := ab.DeleteFrom(0)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err = a.LoadRange(1, 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestDeleteFrom(t *testing.T) {
	ps := memStore(t)
	c := newCache(t, ps, "e", nil)
	require.NoError(t, c.StoreBlocks(makeBlocks(100, 120)))

	n, err := c.DeleteFrom(111)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	got, err := c.LoadRange(100, 120)
	require.NoError(t, err)
	assert.Len(t, got, 11)
	assert.Equal(t, uint64(110), got[len(got)-1].Height)
}

func TestCorruptBlockReported(t *testing.T) {
	ps := memStore(t)
	c := newCache(t, ps, "e", nil)
	require.NoError(t, ps.Put(c.key(7), []byte("not snappy")))

	_, err := c.LoadRange(7, 7)
	require.ErrorIs(t, err, syncerrors.ErrSCorruption)
}

func TestRegistryLeaderFollower(t *testing.T) {
	defer leaktest.Check(t)()

	reg := NewInflightRegistry()
	defer reg.Release()

	leader, isLeader := reg.Acquire("e", 100, 199)
	require.True(t, isLeader)
	follower, isLeader := reg.Acquire("e", 150, 250)
	require.False(t, isLeader)
	assert.False(t, follower.Leader())

	other, isLeader := reg.Acquire("e", 200, 299)
	require.True(t, isLeader, "disjoint range leads its own fetch")
	elsewhere, isLeader := reg.Acquire("f", 100, 199)
	require.True(t, isLeader, "other endpoint leads its own fetch")
	assert.Equal(t, 3, reg.Len())

	woke := make(chan error, 1)
	go func() { woke <- follower.Wait(context.Background()) }()

	select {
	case <-woke:
		t.Fatal("follower woke before the leader completed")
	case <-time.After(20 * time.Millisecond):
	}

	boom := errors.New("boom")
	leader.Complete(boom)
	leader.Complete(nil)
	assert.ErrorIs(t, <-woke, boom)

	other.Complete(nil)
	elsewhere.Complete(nil)
	assert.Zero(t, reg.Len())
	assert.NoError(t, leader.Wait(context.Background()))
}

func TestRegistryFollowerContext(t *testing.T) {
	defer leaktest.Check(t)()

	reg := NewInflightRegistry()
	defer reg.Release()
	leader, _ := reg.Acquire("e", 1, 10)
	defer leader.Complete(nil)
	follower, _ := reg.Acquire("e", 5, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, follower.Wait(ctx), context.DeadlineExceeded)
}

func TestRegistryReleaseWakesFollowers(t *testing.T) {
	defer leaktest.Check(t)()

	reg := NewInflightRegistry()
	reg.Retain()
	leader, _ := reg.Acquire("e", 1, 10)
	follower, _ := reg.Acquire("e", 1, 10)

	reg.Release()
	assert.Equal(t, 1, reg.Len(), "registry is still referenced")
	reg.Release()
	assert.ErrorIs(t, follower.Wait(context.Background()), ErrRegistryClosed)
	leader.Complete(nil)

	// A released registry still hands out usable leader leases.
	l, isLeader := reg.Acquire("e", 1, 10)
	assert.True(t, isLeader)
	l.Complete(nil)
}

// gatedFetch serves makeBlocks but holds every call until release is closed.
type gatedFetch struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	fail    atomic.Bool
}

func newGatedFetch() *gatedFetch {
	return &gatedFetch{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedFetch) fetch(ctx context.Context, start, end uint64) ([]*types.CompactBlock, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if g.fail.Swap(false) {
		return nil, syncerrors.New(syncerrors.KindNetwork, syncerrors.ErrNUnavailable)
	}
	return makeBlocks(start, end), nil
}

func TestGetRangeCoalescesOverlappingFetches(t *testing.T) {
	ps := memStore(t)
	defer leaktest.Check(t)()

	reg := NewInflightRegistry()
	defer reg.Release()
	// Two sessions against the same endpoint share the registry.
	first := newCache(t, ps, "e", reg)
	second := newCache(t, ps, "e", reg)
	g := newGatedFetch()

	var wg sync.WaitGroup
	var leaderBlocks, followerBlocks []*types.CompactBlock
	var leaderErr, followerErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		leaderBlocks, leaderErr = first.GetRange(context.Background(), 1, 50, g.fetch)
	}()
	<-g.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		followerBlocks, followerErr = second.GetRange(context.Background(), 20, 40, g.fetch)
	}()
	require.Eventually(t, func() bool { return second.Stats().Coalesced == 1 }, time.Second, time.Millisecond)

	close(g.release)
	wg.Wait()

	require.NoError(t, leaderErr)
	require.NoError(t, followerErr)
	assert.Equal(t, int32(1), g.calls.Load(), "exactly one physical fetch")
	require.Len(t, leaderBlocks, 50)
	require.Len(t, followerBlocks, 21)
	for i, b := range followerBlocks {
		assert.Equal(t, leaderBlocks[19+i].MarshalProto(), b.MarshalProto())
	}
	assert.Equal(t, uint64(1), first.Stats().Misses)
	assert.Equal(t, uint64(1), second.Stats().Hits)
	assert.Zero(t, reg.Len())
}

func TestGetRangeFollowerTakesOverFailedFetch(t *testing.T) {
	ps := memStore(t)
	defer leaktest.Check(t)()

	c := newCache(t, ps, "e", nil)
	g := newGatedFetch()
	g.fail.Store(true)

	var wg sync.WaitGroup
	var leaderErr, followerErr error
	var followerBlocks []*types.CompactBlock
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, leaderErr = c.GetRange(context.Background(), 1, 10, g.fetch)
	}()
	<-g.entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		followerBlocks, followerErr = c.GetRange(context.Background(), 1, 10, g.fetch)
	}()
	require.Eventually(t, func() bool { return c.Stats().Coalesced == 1 }, time.Second, time.Millisecond)
	close(g.release)
	wg.Wait()

	assert.True(t, syncerrors.Retryable(leaderErr))
	require.NoError(t, followerErr)
	assert.Len(t, followerBlocks, 10)
	assert.Equal(t, int32(2), g.calls.Load())
}

func TestGetRangeServesFromCache(t *testing.T) {
	ps := memStore(t)
	c := newCache(t, ps, "e", nil)
	require.NoError(t, c.StoreBlocks(makeBlocks(1, 10)))

	got, err := c.GetRange(context.Background(), 3, 7, func(context.Context, uint64, uint64) ([]*types.CompactBlock, error) {
		t.Fatal("fetch must not be called")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5, 6, 7}, heights(got))
}

func TestGetRangeRejectsShortRange(t *testing.T) {
	ps := memStore(t)
	c := newCache(t, ps, "e", nil)

	_, err := c.GetRange(context.Background(), 1, 10, func(_ context.Context, start, _ uint64) ([]*types.CompactBlock, error) {
		return makeBlocks(start, start+4), nil
	})
	require.ErrorIs(t, err, syncerrors.ErrPShortRange)
	assert.Equal(t, syncerrors.KindProtocol, syncerrors.KindOf(err))

	got, err := c.LoadRange(1, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "a rejected range is not cached")
}

func TestGetRangeCancelledFollower(t *testing.T) {
	ps := memStore(t)
	defer leaktest.Check(t)()

	c := newCache(t, ps, "e", nil)
	g := newGatedFetch()

	done := make(chan error, 1)
	go func() {
		_, err := c.GetRange(context.Background(), 1, 5, g.fetch)
		done <- err
	}()
	<-g.entered

	ctx, cancel := context.WithCancel(context.Background())
	followerDone := make(chan error, 1)
	go func() {
		_, err := c.GetRange(ctx, 1, 5, g.fetch)
		followerDone <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().Coalesced == 1 }, time.Second, time.Millisecond)
	cancel()
	err := <-followerDone
	assert.ErrorIs(t, err, syncerrors.ErrYCancelled)

	close(g.release)
	require.NoError(t, <-done)
}

func TestGetRangeFollowerTimeout(t *testing.T) {
	ps := memStore(t)
	defer leaktest.Check(t)()

	c := newCache(t, ps, "e", nil)
	c.SetFollowerTimeout(10 * time.Millisecond)
	g := newGatedFetch()

	done := make(chan error, 1)
	go func() {
		_, err := c.GetRange(context.Background(), 1, 5, g.fetch)
		done <- err
	}()
	<-g.entered

	// The stuck leader is bypassed with a direct fetch.
	direct := func(_ context.Context, start, end uint64) ([]*types.CompactBlock, error) {
		return makeBlocks(start, end), nil
	}
	got, err := c.GetRange(context.Background(), 2, 4, direct)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	close(g.release)
	require.NoError(t, <-done)
}
