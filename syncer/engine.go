// Package syncer drives a wallet from its last checkpoint to the chain tip.
// Blocks are fetched through the block cache, checked for hash continuity,
// trial-decrypted, appended to both commitment trees and committed to the
// wallet store in one transaction per batch. A batch either lands
// completely, in the trees and on disk, or not at all.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/lightsync/blockcache"
	"github.com/colorfulnotion/lightsync/cancel"
	"github.com/colorfulnotion/lightsync/checkpoint"
	"github.com/colorfulnotion/lightsync/decrypt"
	"github.com/colorfulnotion/lightsync/frontier"
	"github.com/colorfulnotion/lightsync/lightd"
	"github.com/colorfulnotion/lightsync/log"
	"github.com/colorfulnotion/lightsync/progress"
	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/colorfulnotion/lightsync/types"
	"github.com/colorfulnotion/lightsync/walletstore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/colorfulnotion/lightsync/syncer")

// Deps are the collaborators of an engine. Source, Cache, Store and Keys
// are required; the rest default.
type Deps struct {
	Source lightd.Source
	Cache  *blockcache.Cache
	Store  *walletstore.Store
	Keys   decrypt.KeyProvider
	// Memo loads full ciphertexts for LazyMemo. Nil leaves memos
	// unavailable.
	Memo decrypt.MemoLoader
	// Token cancels the session at the next batch boundary.
	Token   *cancel.Token
	Tracker *progress.Tracker
	Metrics *progress.Metrics
	// OnNote is called with every note the wallet receives, after the
	// batch holding it was committed.
	OnNote func(*decrypt.Note)
}

// Engine syncs one wallet. It owns the wallet's commitment trees; Witness
// may be called concurrently with a running session and always sees whole
// batches.
type Engine struct {
	cfg      Config
	source   lightd.Source
	cache    *blockcache.Cache
	store    *walletstore.Store
	cps      *checkpoint.Manager
	pipeline *decrypt.Pipeline
	token    *cancel.Token
	tracker  *progress.Tracker
	metrics  *progress.Metrics
	onNote   func(*decrypt.Note)

	// treeMu guards the trees and the applied tip. Only the session
	// goroutine writes.
	treeMu  sync.RWMutex
	sapling *frontier.BridgeTree
	orchard *frontier.BridgeTree
	height  uint64
	tipHash common.Hash
	tipTime uint64

	sinceCheckpoint int

	mu      sync.RWMutex
	state   State
	running bool
	done    chan struct{}
	err     error
}

// New creates an engine.
func New(cfg Config, d Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.Source == nil || d.Cache == nil || d.Store == nil || d.Keys == nil {
		return nil, syncerrors.New(syncerrors.KindConfig,
			fmt.Errorf("%w: source, cache, store and keys are required", syncerrors.ErrYInvalidConfig))
	}
	cps, err := checkpoint.NewManager(d.Store, 0)
	if err != nil {
		return nil, err
	}
	if cfg.FollowerTimeout > 0 {
		d.Cache.SetFollowerTimeout(cfg.FollowerTimeout)
	}
	e := &Engine{
		cfg:      cfg,
		source:   d.Source,
		cache:    d.Cache,
		store:    d.Store,
		cps:      cps,
		pipeline: decrypt.NewPipeline(d.Keys, cfg.MaxParallelDecrypt, d.Memo),
		token:    d.Token,
		tracker:  d.Tracker,
		metrics:  d.Metrics,
		onNote:   d.OnNote,
	}
	if e.token == nil {
		e.token = cancel.New()
	}
	if e.tracker == nil {
		e.tracker = progress.NewTracker(d.Metrics)
	}
	return e, nil
}

// Token returns the cancellation token the engine checks between batches.
func (e *Engine) Token() *cancel.Token { return e.token }

// Checkpoints returns the checkpoint manager over the wallet store.
func (e *Engine) Checkpoints() *checkpoint.Manager { return e.cps }

// Run syncs until the target height, cancellation or a fatal error.
// A cancelled session returns a KindCancelled error after storing a
// checkpoint at its last applied batch.
func (e *Engine) Run(ctx context.Context) error {
	done, err := e.begin()
	if err != nil {
		return err
	}
	err = e.run(ctx, 0)
	e.finish(done, err)
	return err
}

// runBounded is Run with a session budget. The session syncs at most
// maxBlocks blocks past its resume height and is cancelled at the next
// batch boundary once maxDuration has passed. Zero disables either bound.
// expired reports whether the time budget ran out.
func (e *Engine) runBounded(ctx context.Context, maxBlocks uint64, maxDuration time.Duration) (expired bool, err error) {
	done, err := e.begin()
	if err != nil {
		return false, err
	}
	var fired atomic.Bool
	if maxDuration > 0 {
		timer := time.AfterFunc(maxDuration, func() {
			fired.Store(true)
			e.token.Cancel()
		})
		defer timer.Stop()
	}
	err = e.run(ctx, maxBlocks)
	e.finish(done, err)
	return fired.Load(), err
}

// Start runs a session in the background.
func (e *Engine) Start(ctx context.Context) error {
	done, err := e.begin()
	if err != nil {
		return err
	}
	go func() {
		e.finish(done, e.run(ctx, 0))
	}()
	return nil
}

// Stop cancels the running session and waits for it to end. It returns
// the session error, or nil when the session completed or stopped cleanly.
func (e *Engine) Stop() error {
	e.token.Cancel()
	e.mu.RLock()
	done := e.done
	e.mu.RUnlock()
	if done == nil {
		return nil
	}
	<-done
	err := e.Err()
	if syncerrors.KindOf(err) == syncerrors.KindCancelled {
		return nil
	}
	return err
}

// Wait blocks until the current session ends and returns its error.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.RLock()
	done := e.done
	e.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Err returns the error of the last finished session.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Progress returns a snapshot of the session progress.
func (e *Engine) Progress() progress.Snapshot { return e.tracker.Snapshot() }

// Tracker returns the progress tracker, for feeds and handlers.
func (e *Engine) Tracker() *progress.Tracker { return e.tracker }

// Height returns the last applied height.
func (e *Engine) Height() uint64 {
	e.treeMu.RLock()
	defer e.treeMu.RUnlock()
	return e.height
}

// TreeSizes returns the number of commitments in each tree.
func (e *Engine) TreeSizes() (sapling, orchard uint64) {
	e.treeMu.RLock()
	defer e.treeMu.RUnlock()
	if e.sapling == nil {
		return 0, 0
	}
	return e.sapling.Size(), e.orchard.Size()
}

// Witness returns the authentication path of a marked note position.
func (e *Engine) Witness(pool types.Pool, pos uint64) (*frontier.MerklePath, error) {
	e.treeMu.RLock()
	defer e.treeMu.RUnlock()
	if e.sapling == nil {
		return nil, fmt.Errorf("trees not loaded: %w", syncerrors.ErrFEmptyTree)
	}
	return e.tree(pool).Witness(frontier.Position(pos))
}

// Root returns the current root of a pool's tree.
func (e *Engine) Root(pool types.Pool) common.Hash {
	e.treeMu.RLock()
	defer e.treeMu.RUnlock()
	if e.sapling == nil {
		d := frontier.Sapling
		if pool == types.PoolOrchard {
			d = frontier.Orchard
		}
		return d.EmptyRoot(frontier.MerkleTreeDepth)
	}
	return e.tree(pool).Root()
}

func (e *Engine) tree(pool types.Pool) *frontier.BridgeTree {
	if pool == types.PoolOrchard {
		return e.orchard
	}
	return e.sapling
}

func (e *Engine) begin() (chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil, syncerrors.ErrYAlreadyRunning
	}
	e.running = true
	e.state = StateIdle
	e.err = nil
	e.done = make(chan struct{})
	e.token.Reset()
	return e.done, nil
}

func (e *Engine) finish(done chan struct{}, err error) {
	final := StateComplete
	switch {
	case err == nil:
	case syncerrors.KindOf(err) == syncerrors.KindCancelled:
		final = StateCancelled
	default:
		final = StateFailed
		log.Error(log.SyncMonitoring, "sync failed", "err", err)
	}
	e.mu.Lock()
	e.state = final
	e.running = false
	e.err = err
	e.mu.Unlock()
	close(done)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		log.Trace(log.SyncMonitoring, "state", "from", prev, "to", s)
	}
	if stage, ok := s.stage(); ok {
		e.tracker.SetStage(stage)
	}
}

// run syncs one session. A non-zero budget caps the session at that many
// blocks past the resume height.
func (e *Engine) run(ctx context.Context, budget uint64) (err error) {
	session := uuid.NewString()
	ctx, span := tracer.Start(ctx, "sync.session", trace.WithAttributes(attribute.String("session", session)))
	defer func() {
		if err != nil && syncerrors.KindOf(err) != syncerrors.KindCancelled {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := e.resume(ctx); err != nil {
		return err
	}
	from := e.Height()
	capped := func(h uint64) uint64 {
		if budget != 0 && h > from+budget {
			return from + budget
		}
		return h
	}
	target, err := e.target(ctx)
	if err != nil {
		return err
	}
	target = capped(target)
	e.tracker.Begin(session, from, target)
	log.Info(log.SyncMonitoring, "sync started", "session", session, "from", from, "target", target)

	recovered := false
	for {
		for e.height < target {
			if err := e.cancelled(ctx); err != nil {
				return e.stop(err)
			}
			start := e.height + 1
			end := min(e.height+e.cfg.BatchSize, target)
			err := e.syncBatch(ctx, start, end, target)
			var re *reorgError
			switch {
			case err == nil:
			case errors.As(err, &re):
				if err := e.recoverReorg(ctx, re); err != nil {
					return err
				}
			case syncerrors.KindOf(err) == syncerrors.KindCancelled:
				return e.stop(err)
			case syncerrors.KindOf(err) == syncerrors.KindCorruption && !recovered:
				recovered = true
				log.Warn(log.SyncMonitoring, "corruption during sync, recovering", "err", err)
				if err := e.resume(ctx); err != nil {
					return err
				}
				e.tracker.Rewind(e.height)
			default:
				return err
			}
		}
		if err := e.cancelled(ctx); err != nil {
			return e.stop(err)
		}
		reorged, err := e.verifyTip(ctx)
		if err != nil {
			return err
		}
		tip := target
		if e.cfg.TargetHeight == 0 {
			// Follow the tip while it moves.
			if tip, err = e.target(ctx); err != nil {
				return err
			}
			tip = capped(tip)
		}
		if !reorged && tip <= target {
			break
		}
		if tip != target {
			target = tip
			e.tracker.SetTarget(target)
		}
	}

	e.setState(StateComplete)
	e.tracker.Complete()
	log.Info(log.SyncMonitoring, "sync complete", "session", session, "height", e.height)
	return nil
}

func (e *Engine) cancelled(ctx context.Context) error {
	if e.token.IsCancelled() {
		return e.token.Err()
	}
	if err := ctx.Err(); err != nil {
		return syncerrors.New(syncerrors.KindCancelled, fmt.Errorf("%w: %v", syncerrors.ErrYCancelled, err))
	}
	return nil
}

// stop ends a cancelled session at the last applied batch, checkpointing it
// if the batches since the last checkpoint would otherwise be replayed.
func (e *Engine) stop(cause error) error {
	if e.sinceCheckpoint > 0 {
		e.setState(StateCheckpointing)
		e.treeMu.Lock()
		err := e.commitLocked(&walletstore.Update{SyncHeight: e.height}, true)
		e.treeMu.Unlock()
		if err != nil {
			return err
		}
	}
	e.setState(StateCancelled)
	log.Info(log.SyncMonitoring, "sync cancelled", "height", e.height)
	return syncerrors.At(cause, e.height, "cancel")
}

// target returns the height the session syncs to.
func (e *Engine) target(ctx context.Context) (uint64, error) {
	if e.cfg.TargetHeight != 0 {
		return e.cfg.TargetHeight, nil
	}
	var tip *types.BlockID
	err := e.retry(ctx, "latest block", func() error {
		var err error
		tip, err = e.source.GetLatestBlock(ctx)
		return err
	})
	if err != nil {
		return 0, syncerrors.At(err, e.height, "tip")
	}
	return tip.Height, nil
}

// syncBatch fetches, verifies, decrypts, applies and commits [start, end].
func (e *Engine) syncBatch(ctx context.Context, start, end, target uint64) (err error) {
	ctx, span := tracer.Start(ctx, "sync.batch", trace.WithAttributes(
		attribute.Int64("start", int64(start)),
		attribute.Int64("end", int64(end)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()
	began := time.Now()

	e.setState(StateFetching)
	blocks, err := e.fetch(ctx, start, end)
	if err != nil {
		return err
	}
	if e.tipHash != (common.Hash{}) && blocks[0].PrevHash != e.tipHash {
		return &reorgError{height: start, local: e.tipHash, remote: blocks[0].PrevHash}
	}

	e.setState(StateDecrypting)
	saplingStart, orchardStart := e.TreeSizes()
	outputs := decrypt.Flatten(blocks, saplingStart, orchardStart)
	notes, stats, err := e.pipeline.Decrypt(ctx, outputs)
	if err != nil {
		if cerr := e.cancelled(ctx); cerr != nil {
			return cerr
		}
		return syncerrors.At(err, start, "decrypt")
	}

	e.setState(StateApplying)
	matched := decrypt.Matches(notes)
	e.treeMu.Lock()
	err = e.applyLocked(blocks, outputs, notes, matched, target)
	e.treeMu.Unlock()
	if err != nil {
		return err
	}

	for _, n := range matched {
		if e.onNote != nil {
			e.onNote(n)
		}
	}
	e.tracker.RecordBatch(progress.BatchSample{
		Start:       start,
		End:         end,
		Notes:       len(matched),
		Commitments: len(outputs),
		Duration:    time.Since(began),
	})
	span.SetAttributes(attribute.Int("outputs", stats.Outputs), attribute.Int("notes", stats.Matches))
	log.Debug(log.SyncMonitoring, "batch applied", "start", start, "end", end, "outputs", stats.Outputs,
		"notes", stats.Matches, "elapsed", time.Since(began))
	return nil
}

// applyLocked appends every commitment of the batch, marks the wallet's
// own, and commits the batch. On any failure both trees are rewound to the
// previous batch. Callers hold treeMu.
func (e *Engine) applyLocked(blocks []*types.CompactBlock, outputs []decrypt.Output, notes, matched []*decrypt.Note, target uint64) error {
	prev, prevHash, prevTime := e.height, e.tipHash, e.tipTime
	last := blocks[len(blocks)-1]
	end := last.Height

	fail := func(err error) error {
		if rerr := e.rewindLocked(prev); rerr != nil {
			return fmt.Errorf("%w; rewinding trees: %v", err, rerr)
		}
		return err
	}

	for i := range outputs {
		out := &outputs[i]
		t := e.tree(out.Pool)
		pos, err := t.Append(out.Commitment)
		if err != nil {
			return fail(syncerrors.At(err, out.Height, "apply"))
		}
		if uint64(pos) != out.Position {
			return fail(syncerrors.At(fmt.Errorf("%w: %s commitment landed at %d, expected %d",
				syncerrors.ErrYPositionMismatch, out.Pool, pos, out.Position), out.Height, "apply"))
		}
		if notes[i] != nil {
			if _, err := t.Mark(); err != nil {
				return fail(syncerrors.At(err, out.Height, "apply"))
			}
		}
	}
	e.sapling.Checkpoint(uint32(end))
	e.orchard.Checkpoint(uint32(end))

	u, err := e.buildUpdate(blocks, matched)
	if err != nil {
		return fail(err)
	}

	e.sinceCheckpoint++
	due := e.sinceCheckpoint >= e.cfg.MiniCheckpointEvery ||
		end/e.cfg.CheckpointInterval > prev/e.cfg.CheckpointInterval ||
		end >= target

	e.setState(StateCheckpointing)
	e.height, e.tipHash, e.tipTime = end, last.Hash, uint64(last.Time)
	if err := e.commitLocked(u, due); err != nil {
		e.height, e.tipHash, e.tipTime = prev, prevHash, prevTime
		return fail(err)
	}
	return nil
}

// buildUpdate turns an applied batch into its wallet store writes: the
// received notes, the spends of owned notes, the transactions touching the
// wallet and the hash chain.
func (e *Engine) buildUpdate(blocks []*types.CompactBlock, matched []*decrypt.Note) (*walletstore.Update, error) {
	u := &walletstore.Update{SyncHeight: blocks[len(blocks)-1].Height}

	received := make(map[common.Hash][]*decrypt.Note)
	for _, n := range matched {
		received[n.TxHash] = append(received[n.TxHash], n)
	}
	// Nullifiers of notes received earlier in this batch.
	owned := make(map[common.Hash]uint64)

	for _, b := range blocks {
		u.BlockHashes = append(u.BlockHashes, walletstore.BlockHash{Height: b.Height, Hash: b.Hash})
		for _, tx := range b.Vtx {
			rec := &walletstore.TxRecord{Height: b.Height, Index: tx.Index, Hash: tx.Hash, Fee: tx.Fee}

			spend := func(nf common.Hash) error {
				value, ok := owned[nf]
				if !ok {
					n, found, err := e.store.NoteByNullifier(nf)
					if err != nil {
						return syncerrors.At(err, b.Height, "spends")
					}
					if !found || n.Spent() {
						return nil
					}
					value = n.Value
				}
				delete(owned, nf)
				rec.Spent += value
				u.Spends = append(u.Spends, walletstore.Spend{Nullifier: nf, Height: b.Height, TxHash: tx.Hash})
				return nil
			}
			for _, sp := range tx.Spends {
				if err := spend(sp.Nf); err != nil {
					return nil, err
				}
			}
			for _, a := range tx.Actions {
				if err := spend(a.Nullifier); err != nil {
					return nil, err
				}
			}

			for _, n := range received[tx.Hash] {
				if n.Height != b.Height {
					continue
				}
				rec.Received += n.Value
				owned[n.Nullifier] = n.Value
				u.Notes = append(u.Notes, walletstore.NoteFromDecrypted(n))
			}
			if rec.Received > 0 || rec.Spent > 0 {
				u.Txs = append(u.Txs, rec)
			}
		}
	}
	return u, nil
}

// commitLocked writes u, with a checkpoint of the current trees when
// withCheckpoint is set. Callers hold treeMu.
func (e *Engine) commitLocked(u *walletstore.Update, withCheckpoint bool) error {
	if withCheckpoint {
		u.Checkpoint = &walletstore.CheckpointRecord{
			Height:          e.height,
			Hash:            e.tipHash,
			Timestamp:       e.tipTime,
			SaplingTreeSize: e.sapling.Size(),
			OrchardTreeSize: e.orchard.Size(),
		}
		u.Snapshot = frontier.SnapshotTrees(e.sapling, e.orchard)
	}
	if err := e.cps.Commit(u); err != nil {
		return err
	}
	if !withCheckpoint {
		return nil
	}
	e.sinceCheckpoint = 0
	e.tracker.SetCheckpoint(e.height)
	if _, err := e.cps.PruneOldCheckpoints(e.cfg.CheckpointKeep); err != nil {
		log.Warn(log.SyncMonitoring, "checkpoint pruning failed", "err", err)
	}
	return nil
}

// rewindLocked returns both trees to the batch boundary at height.
func (e *Engine) rewindLocked(height uint64) error {
	if err := e.sapling.Rewind(uint32(height)); err != nil {
		return err
	}
	return e.orchard.Rewind(uint32(height))
}

// fetch returns the verified blocks [start, end], retrying transient
// failures. A range that does not form a hash chain is dropped from the
// cache and fetched again.
func (e *Engine) fetch(ctx context.Context, start, end uint64) ([]*types.CompactBlock, error) {
	var blocks []*types.CompactBlock
	err := e.retry(ctx, "block range", func() error {
		b, err := e.cache.GetRange(ctx, start, end, e.source.GetBlockRange)
		if err != nil {
			return err
		}
		if err := verifyLinks(b); err != nil {
			if _, derr := e.cache.DeleteFrom(start); derr != nil {
				log.Warn(log.SyncMonitoring, "dropping unlinked blocks failed", "start", start, "err", derr)
			}
			return err
		}
		blocks = b
		return nil
	})
	if err != nil {
		return nil, syncerrors.At(err, start, "fetch")
	}
	return blocks, nil
}

// verifyLinks checks that every block names its predecessor as parent.
func verifyLinks(blocks []*types.CompactBlock) error {
	for i := 1; i < len(blocks); i++ {
		if blocks[i].PrevHash != blocks[i-1].Hash {
			return syncerrors.At(syncerrors.New(syncerrors.KindProtocol,
				fmt.Errorf("%w: block %d parent %x, block %d is %x", syncerrors.ErrPChainDiscontinuity,
					blocks[i].Height, blocks[i].PrevHash, blocks[i-1].Height, blocks[i-1].Hash)),
				blocks[i].Height, "verify")
		}
	}
	return nil
}

// reorgError reports a batch whose first block does not extend the local
// chain.
type reorgError struct {
	height        uint64
	local, remote common.Hash
}

func (r *reorgError) Error() string {
	return fmt.Sprintf("block %d builds on %x, local chain has %x", r.height, r.remote, r.local)
}
