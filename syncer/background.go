package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/colorfulnotion/lightsync/frontier"
	"github.com/colorfulnotion/lightsync/log"
	"github.com/colorfulnotion/lightsync/progress"
	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/colorfulnotion/lightsync/types"
)

// BackgroundMode selects how much work a background session does.
type BackgroundMode uint8

const (
	// BackgroundCompact is the short session run every few minutes.
	BackgroundCompact BackgroundMode = iota
	// BackgroundDeep runs with twice the time budget and then checks the
	// witness of every unspent note against the tree roots.
	BackgroundDeep
)

func (m BackgroundMode) String() string {
	switch m {
	case BackgroundCompact:
		return "compact"
	case BackgroundDeep:
		return "deep"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// BackgroundConfig bounds background sessions.
type BackgroundConfig struct {
	// MaxDuration is the time budget of a compact session. Deep sessions
	// get twice as much.
	MaxDuration time.Duration
	// MaxBlocks caps the blocks synced by one session.
	MaxBlocks uint64
	// MaxBlocksSpam replaces MaxBlocks while batches are slow, so a session
	// over heavy blocks still ends inside its time budget.
	MaxBlocksSpam uint64
	// SpamBatchTime is the average batch time of the previous session above
	// which MaxBlocksSpam applies.
	SpamBatchTime time.Duration

	CompactInterval time.Duration
	DeepInterval    time.Duration
}

// DefaultBackgroundConfig returns the mobile background defaults.
func DefaultBackgroundConfig() BackgroundConfig {
	return BackgroundConfig{
		MaxDuration:     time.Minute,
		MaxBlocks:       10_000,
		MaxBlocksSpam:   2_500,
		SpamBatchTime:   5 * time.Second,
		CompactInterval: 15 * time.Minute,
		DeepInterval:    24 * time.Hour,
	}
}

func (c *BackgroundConfig) Validate() error {
	var problem string
	switch {
	case c.MaxDuration <= 0:
		problem = "background duration must be positive"
	case c.MaxBlocks == 0:
		problem = "background block budget must be positive"
	case c.MaxBlocksSpam == 0 || c.MaxBlocksSpam > c.MaxBlocks:
		problem = fmt.Sprintf("spam block budget %d not in [1, %d]", c.MaxBlocksSpam, c.MaxBlocks)
	case c.CompactInterval <= 0 || c.DeepInterval < c.CompactInterval:
		problem = "deep interval must not be shorter than the compact interval"
	default:
		return nil
	}
	return syncerrors.New(syncerrors.KindConfig, fmt.Errorf("%w: %s", syncerrors.ErrYInvalidConfig, problem))
}

// BackgroundResult describes one background session.
type BackgroundResult struct {
	Mode         BackgroundMode
	StartHeight  uint64
	EndHeight    uint64
	BlocksSynced uint64
	Duration     time.Duration
	// TimedOut is set when the time budget ended the session at a batch
	// boundary before its block budget was used.
	TimedOut        bool
	Balance         uint64
	NewTransactions int
	// Witnesses is the number of unspent note witnesses a deep session
	// verified. Failures are listed in Errors.
	Witnesses int
	Errors    []string
}

// BackgroundSyncer runs bounded sessions of an engine for platforms that
// only grant short windows of background time. Sessions are serialized.
type BackgroundSyncer struct {
	mu     sync.Mutex
	engine *Engine
	cfg    BackgroundConfig
}

func NewBackgroundSyncer(e *Engine, cfg BackgroundConfig) (*BackgroundSyncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BackgroundSyncer{engine: e, cfg: cfg}, nil
}

// Execute runs one bounded session. Running out of time is not an error:
// the session stops at a batch boundary, checkpoints, and the result says
// so. Any other failure is returned together with the partial result.
func (b *BackgroundSyncer) Execute(ctx context.Context, mode BackgroundMode) (*BackgroundResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	started := time.Now()
	before := b.engine.Progress()
	maxBlocks := b.maxBlocks(before)
	maxDuration := b.cfg.MaxDuration
	if mode == BackgroundDeep {
		maxDuration *= 2
	}
	log.Info(log.SyncMonitoring, "background sync started", "mode", mode, "maxBlocks", maxBlocks, "maxDuration", maxDuration)

	expired, err := b.engine.runBounded(ctx, maxBlocks, maxDuration)
	res := &BackgroundResult{Mode: mode, EndHeight: b.engine.Height()}
	res.StartHeight = res.EndHeight
	if snap := b.engine.Progress(); snap.SessionID != before.SessionID {
		res.StartHeight = snap.From
	}
	if res.EndHeight > res.StartHeight {
		res.BlocksSynced = res.EndHeight - res.StartHeight
	}
	res.Duration = time.Since(started)

	switch {
	case err == nil:
	case expired && syncerrors.KindOf(err) == syncerrors.KindCancelled:
		res.TimedOut = true
		log.Warn(log.SyncMonitoring, "background sync ran out of time", "mode", mode, "height", res.EndHeight,
			"budget", maxDuration)
	default:
		return res, err
	}

	if err := b.summarize(res); err != nil {
		return res, err
	}
	if mode == BackgroundDeep {
		b.checkWitnesses(res)
	}
	log.Info(log.SyncMonitoring, "background sync finished", "mode", mode, "blocks", res.BlocksSynced,
		"height", res.EndHeight, "newTxs", res.NewTransactions, "elapsed", res.Duration)
	return res, nil
}

// maxBlocks picks the block budget from the previous session's batch
// times.
func (b *BackgroundSyncer) maxBlocks(prev progress.Snapshot) uint64 {
	if prev.Perf.BlocksProcessed > 0 && prev.Perf.AvgBatchMs > uint64(b.cfg.SpamBatchTime.Milliseconds()) {
		log.Debug(log.SyncMonitoring, "slow batches, reducing background budget", "avgBatchMs", prev.Perf.AvgBatchMs,
			"from", b.cfg.MaxBlocks, "to", b.cfg.MaxBlocksSpam)
		return b.cfg.MaxBlocksSpam
	}
	return b.cfg.MaxBlocks
}

func (b *BackgroundSyncer) summarize(res *BackgroundResult) error {
	store := b.engine.store
	balance, err := store.Balance()
	if err != nil {
		return err
	}
	res.Balance = balance
	txs, err := store.Transactions()
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if tx.Height > res.StartHeight && tx.Height <= res.EndHeight {
			res.NewTransactions++
		}
	}
	return nil
}

// checkWitnesses verifies that every unspent note still authenticates
// against the current root of its pool.
func (b *BackgroundSyncer) checkWitnesses(res *BackgroundResult) {
	notes, err := b.engine.store.Notes()
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	for _, n := range notes {
		if n.Spent() {
			continue
		}
		pool := n.PoolType()
		path, err := b.engine.Witness(pool, n.Position)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s note at %d: %v", pool, n.Position, err))
			continue
		}
		d := frontier.Sapling
		if pool == types.PoolOrchard {
			d = frontier.Orchard
		}
		if path.Root(d, n.Commitment) != b.engine.Root(pool) {
			res.Errors = append(res.Errors, fmt.Sprintf("%s note at %d: witness does not match root", pool, n.Position))
			continue
		}
		res.Witnesses++
	}
	if len(res.Errors) > 0 {
		log.Warn(log.SyncMonitoring, "deep sync found bad witnesses", "count", len(res.Errors))
	}
}

// IsSyncNeeded reports whether the wallet is behind the remote tip.
func (b *BackgroundSyncer) IsSyncNeeded(ctx context.Context) (bool, error) {
	local := b.engine.Height()
	synced, err := b.engine.store.SyncHeight()
	if err != nil {
		return false, err
	}
	local = max(local, synced)
	tip, err := b.engine.target(ctx)
	if err != nil {
		return false, err
	}
	return local < tip, nil
}

// Due reports whether a compact session is due sinceLast after the
// previous one.
func (b *BackgroundSyncer) Due(sinceLast time.Duration) bool {
	return sinceLast >= b.cfg.CompactInterval
}

// RecommendMode picks deep maintenance once DeepInterval has passed since
// the last sync, compact otherwise.
func (b *BackgroundSyncer) RecommendMode(sinceLast time.Duration) BackgroundMode {
	if sinceLast >= b.cfg.DeepInterval {
		return BackgroundDeep
	}
	return BackgroundCompact
}
