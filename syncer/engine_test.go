package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/colorfulnotion/lightsync/blockcache"
	"github.com/colorfulnotion/lightsync/decrypt"
	"github.com/colorfulnotion/lightsync/frontier"
	"github.com/colorfulnotion/lightsync/lightd"
	"github.com/colorfulnotion/lightsync/progress"
	"github.com/colorfulnotion/lightsync/storage"
	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/colorfulnotion/lightsync/types"
	"github.com/colorfulnotion/lightsync/walletstore"
	"github.com/fortytw2/leaktest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t       *testing.T
	chain   *lightd.MockSource
	walletP *storage.PersistenceStore
	cacheP  *storage.PersistenceStore
	store   *walletstore.Store
	reg     *blockcache.InflightRegistry
	caches  []*blockcache.Cache
	metrics *progress.Metrics
	keys    decrypt.StaticKeys

	mu    sync.Mutex
	notes []*decrypt.Note
}

func newHarness(t *testing.T) *harness {
	walletP, err := storage.NewMemoryPersistenceStore()
	require.NoError(t, err)
	cacheP, err := storage.NewMemoryPersistenceStore()
	require.NoError(t, err)
	return &harness{
		t:       t,
		chain:   lightd.NewMockSource("mock://chain", 1),
		walletP: walletP,
		cacheP:  cacheP,
		store:   walletstore.New(walletP, 0),
		reg:     blockcache.NewInflightRegistry(),
		metrics: progress.NewMetrics(prometheus.NewRegistry()),
		keys: decrypt.StaticKeys{
			decrypt.KeyFromSeed(1, types.PoolSapling, []byte("engine test sapling")),
			decrypt.KeyFromSeed(2, types.PoolOrchard, []byte("engine test orchard")),
		},
	}
}

func (h *harness) close() {
	for _, c := range h.caches {
		c.Close()
	}
	h.walletP.Close()
	h.cacheP.Close()
}

func testConfig() Config {
	c := DefaultConfig()
	c.BatchSize = 10
	c.CheckpointInterval = 50
	c.MiniCheckpointEvery = 3
	c.MaxParallelDecrypt = 4
	c.RetryBaseDelay = time.Millisecond
	return c
}

// engine builds an engine over the harness stores. Each call behaves like
// a process restart: trees are loaded from storage.
func (h *harness) engine(cfg Config) *Engine {
	return h.engineWith(cfg, h.chain)
}

func (h *harness) engineWith(cfg Config, src lightd.Source) *Engine {
	cache, err := blockcache.New(h.cacheP, src.Endpoint(), h.reg, 64)
	require.NoError(h.t, err)
	h.caches = append(h.caches, cache)
	e, err := New(cfg, Deps{
		Source:  src,
		Cache:   cache,
		Store:   h.store,
		Keys:    h.keys,
		Memo:    h.chain,
		Metrics: h.metrics,
		OnNote: func(n *decrypt.Note) {
			h.mu.Lock()
			h.notes = append(h.notes, n)
			h.mu.Unlock()
		},
	})
	require.NoError(h.t, err)
	return e
}

func (h *harness) received() []*decrypt.Note {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*decrypt.Note(nil), h.notes...)
}

// treeSizes counts the commitments of the current remote chain.
func (h *harness) treeSizes() (sapling, orchard uint64) {
	for ht := uint64(1); ht <= h.chain.Tip(); ht++ {
		b := h.chain.Block(ht)
		sapling += uint64(b.SaplingOutputCount())
		orchard += uint64(b.OrchardActionCount())
	}
	return sapling, orchard
}

func (h *harness) assertTreesMatchChain(e *Engine) {
	s, o := e.TreeSizes()
	ws, wo := h.treeSizes()
	assert.Equal(h.t, ws, s, "sapling tree size")
	assert.Equal(h.t, wo, o, "orchard tree size")
}

func domainOf(pool types.Pool) *frontier.Domain {
	if pool == types.PoolOrchard {
		return frontier.Orchard
	}
	return frontier.Sapling
}

func (h *harness) assertWitnesses(e *Engine) {
	notes, err := h.store.Notes()
	require.NoError(h.t, err)
	for _, n := range notes {
		path, err := e.Witness(n.PoolType(), n.Position)
		require.NoError(h.t, err)
		assert.Equal(h.t, e.Root(n.PoolType()), path.Root(domainOf(n.PoolType()), n.Commitment),
			"witness of %s note at %d", n.PoolType(), n.Position)
	}
}

func TestSyncReceivesNotes(t *testing.T) {
	defer leaktest.Check(t)()
	h := newHarness(t)
	defer h.close()

	h.chain.AppendEmpty(5, 2)
	_, err := h.chain.Pay(&h.keys[0], 50000, []byte("sapling memo"))
	require.NoError(t, err)
	_, err = h.chain.Pay(&h.keys[1], 70000, nil)
	require.NoError(t, err)
	h.chain.AppendEmpty(20, 1)
	tip := h.chain.Tip()

	e := h.engine(testConfig())
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, StateComplete, e.State())
	assert.False(t, e.IsRunning())
	assert.Equal(t, tip, e.Height())

	balance, err := h.store.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(120000), balance)

	notes, err := h.store.Notes()
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, types.PoolSapling, notes[0].PoolType())
	assert.Equal(t, uint64(6), notes[0].Height)
	assert.Equal(t, uint64(11), notes[0].Position, "filler outputs precede the payment")
	assert.Equal(t, types.PoolOrchard, notes[1].PoolType())
	assert.Equal(t, uint64(11), notes[1].Position)

	txs, err := h.store.Transactions()
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, uint64(50000), txs[0].Received)
	assert.Equal(t, uint64(70000), txs[1].Received)

	h.assertTreesMatchChain(e)
	h.assertWitnesses(e)
	_, err = e.Witness(types.PoolSapling, 0)
	assert.ErrorIs(t, err, syncerrors.ErrFNotMarked)

	synced, err := h.store.SyncHeight()
	require.NoError(t, err)
	assert.Equal(t, tip, synced)
	latest, err := e.Checkpoints().GetLatest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, tip, latest.Height)
	assert.Equal(t, h.chain.Block(tip).Hash, latest.Hash)

	p := e.Progress()
	assert.Equal(t, progress.StageComplete, p.Stage)
	assert.Equal(t, tip, p.Current)
	assert.Equal(t, 100.0, p.Percent)
	assert.Equal(t, uint64(tip), p.Perf.BlocksProcessed)
	assert.Equal(t, uint64(2), p.Perf.NotesDecrypted)
	assert.NotEmpty(t, p.SessionID)
	assert.Equal(t, float64(tip), testutil.ToFloat64(h.metrics.Height))
}

func TestLazyMemoAfterSync(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.chain.AppendEmpty(2, 1)
	_, err := h.chain.Pay(&h.keys[0], 1000, []byte("thanks for lunch"))
	require.NoError(t, err)

	e := h.engine(testConfig())
	require.NoError(t, e.Run(context.Background()))

	got := h.received()
	require.Len(t, got, 1)
	text, ok, err := got[0].Memo.Text(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "thanks for lunch", text)
}

func TestSpendDetection(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.chain.AppendEmpty(3, 1)
	_, err := h.chain.Pay(&h.keys[0], 40000, nil)
	require.NoError(t, err)
	_, err = h.chain.Pay(&h.keys[1], 60000, nil)
	require.NoError(t, err)

	e := h.engine(testConfig())
	require.NoError(t, e.Run(context.Background()))
	notes, err := h.store.Notes()
	require.NoError(t, err)
	require.Len(t, notes, 2)

	spendSapling := h.chain.Spend(types.PoolSapling, notes[0].Nullifier)
	h.chain.AppendEmpty(2, 1)
	spendOrchard := h.chain.Spend(types.PoolOrchard, notes[1].Nullifier)
	require.NoError(t, e.Run(context.Background()))

	balance, err := h.store.Balance()
	require.NoError(t, err)
	assert.Zero(t, balance)

	n, found, err := h.store.NoteByNullifier(notes[0].Nullifier)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, spendSapling.Height, n.SpentHeight)
	assert.Equal(t, spendSapling.Vtx[0].Hash, n.SpentTx)

	txs, err := h.store.Transactions()
	require.NoError(t, err)
	require.Len(t, txs, 4)
	assert.Equal(t, uint64(40000), txs[2].Spent)
	assert.Equal(t, spendSapling.Height, txs[2].Height)
	assert.Equal(t, uint64(60000), txs[3].Spent)
	assert.Equal(t, spendOrchard.Height, txs[3].Height)
	h.assertTreesMatchChain(e)
}

func TestReorgRewindsToCheckpoint(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	cfg := testConfig()
	cfg.BatchSize = 500
	cfg.CheckpointInterval = 1000
	cfg.MiniCheckpointEvery = 100

	h.chain.AppendEmpty(2004, 0)
	pay, err := h.chain.Pay(&h.keys[0], 25000, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2005), pay.Height)
	h.chain.AppendEmpty(4, 1)
	require.Equal(t, uint64(2009), h.chain.Tip())

	require.NoError(t, h.engine(cfg).Run(context.Background()))
	cps, err := h.store.Checkpoints()
	require.NoError(t, err)
	var heights []uint64
	for _, c := range cps {
		heights = append(heights, c.Height)
	}
	assert.Equal(t, []uint64{0, 1000, 2000, 2009}, heights)
	oldTip := h.chain.Block(2009).Hash

	// Block 2009 is replaced, so block 2010 names a parent the wallet has
	// never seen.
	require.NoError(t, h.chain.Reorg(2009))
	h.chain.AppendEmpty(11, 1)
	require.NotEqual(t, oldTip, h.chain.Block(2009).Hash)
	require.Equal(t, h.chain.Block(2009).Hash, h.chain.Block(2010).PrevHash)

	e := h.engine(cfg)
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reorgs))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Rollbacks.WithLabelValues("reorg")))

	notes, err := h.store.Notes()
	require.NoError(t, err)
	require.Len(t, notes, 1, "the note at 2005 is applied once")
	assert.Equal(t, uint64(2005), notes[0].Height)
	balance, err := h.store.Balance()
	require.NoError(t, err)
	assert.Equal(t, uint64(25000), balance)

	hash, ok, err := h.store.BlockHash(2009)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h.chain.Block(2009).Hash, hash)

	cps, err = h.store.Checkpoints()
	require.NoError(t, err)
	heights = heights[:0]
	for _, c := range cps {
		heights = append(heights, c.Height)
	}
	assert.Equal(t, []uint64{0, 1000, 2000, 2020}, heights)

	h.assertTreesMatchChain(e)
	h.assertWitnesses(e)
	require.NoError(t, h.store.IntegrityCheck())
}

func TestReorgWithoutCommonCheckpointIsFatal(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	cfg := testConfig()
	cfg.MiniCheckpointEvery = 1
	cfg.CheckpointKeep = 1

	h.chain.AppendEmpty(30, 1)
	require.NoError(t, h.engine(cfg).Run(context.Background()))
	cps, err := h.store.Checkpoints()
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, uint64(30), cps[0].Height)

	require.NoError(t, h.chain.Reorg(15))
	h.chain.AppendEmpty(5, 1)

	e := h.engine(cfg)
	err = e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrYReorgUnrecoverable)
	assert.Equal(t, syncerrors.KindReorg, syncerrors.KindOf(err))
	assert.True(t, syncerrors.IsFatal(err))
	assert.Equal(t, StateFailed, e.State())

	synced, err := h.store.SyncHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(30), synced, "nothing past the divergence is applied")
}

func TestReorgAtSameHeightIsDetected(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	cfg := testConfig()
	cfg.MiniCheckpointEvery = 1

	h.chain.AppendEmpty(26, 1)
	_, err := h.chain.Pay(&h.keys[0], 9000, nil)
	require.NoError(t, err)
	h.chain.AppendEmpty(3, 1)
	require.NoError(t, h.engine(cfg).Run(context.Background()))
	balance, err := h.store.Balance()
	require.NoError(t, err)
	require.Equal(t, uint64(9000), balance)

	// The chain keeps its length but blocks 25-30 are replaced, taking
	// the payment at 27 with them.
	oldTip := h.chain.Block(30).Hash
	require.NoError(t, h.chain.Reorg(25))
	require.Equal(t, uint64(30), h.chain.Tip())
	require.NotEqual(t, oldTip, h.chain.Block(30).Hash)

	e := h.engine(cfg)
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, StateComplete, e.State())
	assert.Equal(t, uint64(30), e.Height())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reorgs))

	hash, ok, err := h.store.BlockHash(30)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h.chain.Block(30).Hash, hash)

	balance, err = h.store.Balance()
	require.NoError(t, err)
	assert.Zero(t, balance, "the orphaned payment is gone")
	h.assertTreesMatchChain(e)
	require.NoError(t, h.store.IntegrityCheck())
}

func TestReorgToShorterChainIsDetected(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	cfg := testConfig()
	cfg.MiniCheckpointEvery = 1

	h.chain.AppendEmpty(30, 1)
	require.NoError(t, h.engine(cfg).Run(context.Background()))

	require.NoError(t, h.chain.Reorg(22))
	require.NoError(t, h.chain.Truncate(26))

	e := h.engine(cfg)
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, uint64(26), e.Height())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reorgs))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Rollbacks.WithLabelValues("reorg")))

	synced, err := h.store.SyncHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(26), synced)
	_, ok, err := h.store.BlockHash(30)
	require.NoError(t, err)
	assert.False(t, ok)
	h.assertTreesMatchChain(e)
}

func TestCancelStopsAtBatchBoundary(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	cfg := testConfig()
	cfg.MiniCheckpointEvery = 100
	cfg.CheckpointInterval = 1000
	h.chain.AppendEmpty(100, 1)

	e := h.engine(cfg)
	var once sync.Once
	var unsubscribe func()
	unsubscribe = e.Tracker().Subscribe(func(s progress.Snapshot) {
		if s.Current >= 30 {
			once.Do(func() {
				e.Token().Cancel()
				unsubscribe()
			})
		}
	})

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrYCancelled)
	assert.False(t, syncerrors.IsFatal(err))
	assert.Equal(t, StateCancelled, e.State())
	assert.Equal(t, uint64(30), e.Height())

	latest, err := e.Checkpoints().GetLatest()
	require.NoError(t, err)
	assert.Equal(t, uint64(30), latest.Height, "a clean cancel checkpoints the last batch")

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, uint64(30), e.Progress().From)
	assert.Equal(t, uint64(100), e.Height())
	h.assertTreesMatchChain(e)
}

func TestContextCancelStopsCleanly(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	h.chain.AppendEmpty(20, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := h.engine(testConfig())
	err := e.Run(ctx)
	assert.Equal(t, syncerrors.KindCancelled, syncerrors.KindOf(err))
	assert.Equal(t, StateCancelled, e.State())
}

func TestResumeAfterRestart(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	cfg := testConfig()
	cfg.TargetHeight = 25
	h.chain.AppendEmpty(12, 1)
	_, err := h.chain.Pay(&h.keys[1], 9000, nil)
	require.NoError(t, err)
	h.chain.AppendEmpty(30, 1)

	first := h.engine(cfg)
	require.NoError(t, first.Run(context.Background()))
	assert.Equal(t, uint64(25), first.Height())
	root := first.Root(types.PoolOrchard)

	// Progress past the checkpoint that never got its own checkpoint is
	// discarded on restart.
	require.NoError(t, h.store.Apply(&walletstore.Update{SyncHeight: 27}))

	cfg.TargetHeight = 0
	second := h.engine(cfg)
	require.NoError(t, second.Run(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Rollbacks.WithLabelValues("resume")))
	assert.Equal(t, uint64(25), second.Progress().From)
	assert.Equal(t, h.chain.Tip(), second.Height())
	assert.NotEqual(t, root, second.Root(types.PoolOrchard))
	h.assertTreesMatchChain(second)
	h.assertWitnesses(second)

	notes, err := h.store.Notes()
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestTransientFetchFailuresAreRetried(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	h.chain.AppendEmpty(20, 1)
	h.chain.FailNext(
		syncerrors.New(syncerrors.KindNetwork, syncerrors.ErrNUnavailable),
		syncerrors.New(syncerrors.KindConnection, syncerrors.ErrNConnectionReset),
	)

	e := h.engine(testConfig())
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, uint64(20), e.Height())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Retries))
	h.assertTreesMatchChain(e)
}

func TestRetriesAreBounded(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	h.chain.AppendEmpty(20, 1)
	unavailable := syncerrors.New(syncerrors.KindNetwork, syncerrors.ErrNUnavailable)
	h.chain.FailNext(unavailable, unavailable, unavailable)

	cfg := testConfig()
	cfg.MaxRetries = 2
	e := h.engine(cfg)
	err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrNUnavailable)
	assert.Equal(t, StateFailed, e.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Retries))

	var se *syncerrors.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, uint64(1), se.Height)
	assert.Equal(t, "fetch", se.Stage)

	synced, err := h.store.SyncHeight()
	require.NoError(t, err)
	assert.Zero(t, synced)

	// The next session picks up where the failed one stopped.
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, uint64(20), e.Height())
}

func TestProtocolErrorsAreNotRetried(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	h.chain.AppendEmpty(5, 1)
	h.chain.FailNext(syncerrors.New(syncerrors.KindProtocol, syncerrors.ErrPMalformedBlock))

	e := h.engine(testConfig())
	err := e.Run(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrPMalformedBlock)
	assert.Zero(t, testutil.ToFloat64(h.metrics.Retries))
}

func TestRecoversFromCorruption(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.chain.AppendEmpty(30, 1)
	require.NoError(t, h.engine(testConfig()).Run(context.Background()))

	bogus := &walletstore.NoteRecord{Height: 31, Position: 99, Value: 5, Nullifier: h.chain.Block(1).Hash}
	require.NoError(t, h.store.Apply(&walletstore.Update{Notes: []*walletstore.NoteRecord{bogus}, SyncHeight: 31}))
	kvs, err := h.walletP.GetWithPrefix([]byte("nt"))
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	require.NoError(t, h.walletP.Put(kvs[0].Key, []byte{0xff}))
	require.ErrorIs(t, h.store.IntegrityCheck(), syncerrors.ErrSCorruption)

	h.chain.AppendEmpty(10, 1)
	e := h.engine(testConfig())
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Rollbacks.WithLabelValues("corruption")))
	require.NoError(t, h.store.IntegrityCheck())
	notes, err := h.store.Notes()
	require.NoError(t, err)
	assert.Empty(t, notes)
	h.assertTreesMatchChain(e)
}

// gatedSource holds every block range request until the gate opens.
type gatedSource struct {
	*lightd.MockSource
	gate chan struct{}
}

func (g *gatedSource) GetBlockRange(ctx context.Context, start, end uint64) ([]*types.CompactBlock, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.MockSource.GetBlockRange(ctx, start, end)
}

func TestStartStop(t *testing.T) {
	defer leaktest.Check(t)()
	h := newHarness(t)
	defer h.close()
	h.chain.AppendEmpty(50, 1)

	src := &gatedSource{MockSource: h.chain, gate: make(chan struct{})}
	e := h.engineWith(testConfig(), src)
	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.IsRunning())

	err := e.Run(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrYAlreadyRunning)
	assert.ErrorIs(t, e.Start(context.Background()), syncerrors.ErrYAlreadyRunning)

	close(src.gate)
	require.NoError(t, e.Stop())
	assert.False(t, e.IsRunning())
	assert.True(t, e.State().Terminal())

	// Whatever was applied before the stop is durable.
	synced, err := h.store.SyncHeight()
	require.NoError(t, err)
	assert.Equal(t, e.Height(), synced)
}

func TestWitnessBeforeSync(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	e := h.engine(testConfig())
	_, err := e.Witness(types.PoolSapling, 0)
	assert.ErrorIs(t, err, syncerrors.ErrFEmptyTree)
	assert.Equal(t, frontier.Sapling.EmptyRoot(frontier.MerkleTreeDepth), e.Root(types.PoolSapling))
}

func TestConfigValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"zero birthday":     func(c *Config) { c.BirthdayHeight = 0 },
		"zero batch":        func(c *Config) { c.BatchSize = 0 },
		"zero interval":     func(c *Config) { c.CheckpointInterval = 0 },
		"zero mini":         func(c *Config) { c.MiniCheckpointEvery = 0 },
		"zero parallelism":  func(c *Config) { c.MaxParallelDecrypt = 0 },
		"zero keep":         func(c *Config) { c.CheckpointKeep = 0 },
		"negative retries":  func(c *Config) { c.MaxRetries = -1 },
		"target below base": func(c *Config) { c.BirthdayHeight, c.TargetHeight = 100, 5 },
		"zero retain":       func(c *Config) { c.SnapshotRetain = 0 },
		"keep over retain":  func(c *Config) { c.CheckpointKeep = c.SnapshotRetain + 1 },
		"target past ids":   func(c *Config) { c.TargetHeight = uint64(^uint32(0)) + 1 },
	} {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			mutate(&c)
			err := c.Validate()
			assert.ErrorIs(t, err, syncerrors.ErrYInvalidConfig)
			assert.Equal(t, syncerrors.KindConfig, syncerrors.KindOf(err))
		})
	}
	c := DefaultConfig()
	c.TargetHeight = uint64(^uint32(0))
	c.CheckpointKeep = c.SnapshotRetain
	require.NoError(t, c.Validate())

	c = MobileConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, 8, c.MaxParallelDecrypt)
	assert.Equal(t, 32, DefaultConfig().MaxParallelDecrypt)
}

func TestStateStages(t *testing.T) {
	for s, want := range map[State]progress.Stage{
		StateFetching:      progress.StageHeaders,
		StateDecrypting:    progress.StageNotes,
		StateApplying:      progress.StageWitness,
		StateCheckpointing: progress.StageVerify,
		StateRollingBack:   progress.StageVerify,
		StateComplete:      progress.StageComplete,
	} {
		got, ok := s.stage()
		assert.True(t, ok, s.String())
		assert.Equal(t, want, got, s.String())
	}
	_, ok := StateIdle.stage()
	assert.False(t, ok)
	assert.Equal(t, "rolling_back", StateRollingBack.String())
}
