package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/colorfulnotion/lightsync/checkpoint"
	"github.com/colorfulnotion/lightsync/frontier"
	"github.com/colorfulnotion/lightsync/log"
	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/colorfulnotion/lightsync/types"
	"github.com/colorfulnotion/lightsync/walletstore"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// resume brings the store and the trees to the latest checkpoint. Storage
// corruption is rolled back first. A wallet without checkpoints starts
// from the tree state below its birthday.
func (e *Engine) resume(ctx context.Context) error {
	if cp, err := e.cps.AutoRollbackOnCorruption(); err != nil {
		return err
	} else if cp != nil {
		e.metrics.IncRollback("corruption")
	}

	latest, err := e.cps.GetLatest()
	if err != nil {
		return syncerrors.At(err, 0, "resume")
	}
	if latest == nil {
		return e.startFromBirthday(ctx)
	}

	synced, err := e.store.SyncHeight()
	if err != nil {
		return syncerrors.At(err, latest.Height, "resume")
	}
	if synced > latest.Height {
		log.Info(log.SyncMonitoring, "discarding progress past the latest checkpoint",
			"synced", synced, "checkpoint", latest.Height)
		if _, err := e.cps.RollbackToCheckpoint(latest); err != nil {
			return err
		}
		e.metrics.IncRollback("resume")
	}

	e.treeMu.Lock()
	defer e.treeMu.Unlock()
	if err := e.restoreTreesLocked(latest); err != nil {
		return err
	}
	e.sinceCheckpoint = 0
	log.Info(log.SyncMonitoring, "resuming from checkpoint", "height", latest.Height,
		"sapling", e.sapling.Size(), "orchard", e.orchard.Size())
	return nil
}

// startFromBirthday loads both frontiers from the remote tree state just
// below the birthday and stores them as the first checkpoint.
func (e *Engine) startFromBirthday(ctx context.Context) error {
	base := e.cfg.BirthdayHeight - 1
	var ts *types.TreeState
	err := e.retry(ctx, "tree state", func() error {
		var err error
		ts, err = e.source.GetTreeState(ctx, base)
		return err
	})
	if err != nil {
		return syncerrors.At(err, base, "birthday")
	}

	saplingHex := ts.SaplingFrontier
	if saplingHex == "" {
		saplingHex = ts.SaplingTree
	}
	sapling, err := frontier.FromTreeStateHex(frontier.Sapling, saplingHex, e.cfg.FrontierMaxCheckpoints)
	if err != nil {
		return syncerrors.At(err, base, "birthday")
	}
	orchard, err := frontier.FromTreeStateHex(frontier.Orchard, ts.OrchardTree, e.cfg.FrontierMaxCheckpoints)
	if err != nil {
		return syncerrors.At(err, base, "birthday")
	}
	sapling.Checkpoint(uint32(base))
	orchard.Checkpoint(uint32(base))

	e.treeMu.Lock()
	defer e.treeMu.Unlock()
	e.sapling, e.orchard = sapling, orchard
	// The tree state hash is not compared against compact block hashes,
	// whose byte order differs between servers; the first fetched block
	// starts the local hash chain.
	e.height, e.tipHash, e.tipTime = base, common.Hash{}, uint64(ts.Time)
	if err := e.commitLocked(&walletstore.Update{SyncHeight: base}, true); err != nil {
		return err
	}
	log.Info(log.SyncMonitoring, "starting from birthday", "height", e.cfg.BirthdayHeight,
		"sapling", sapling.Size(), "orchard", orchard.Size(), "state_hash", ts.Hash)
	return nil
}

// recoverReorg finds the newest checkpoint still on the remote chain and
// rolls everything back to it.
func (e *Engine) recoverReorg(ctx context.Context, re *reorgError) error {
	ctx, span := tracer.Start(ctx, "sync.reorg", trace.WithAttributes(attribute.Int64("height", int64(re.height))))
	defer span.End()

	e.setState(StateRollingBack)
	e.metrics.IncReorg()
	log.Warn(log.SyncMonitoring, "chain reorganization detected", "height", re.height,
		"local", re.local, "remote", re.remote)

	// The local block at re.height-1 is off the remote chain, so the
	// common ancestor is a checkpoint strictly below it.
	below := re.height - 1
	for below > 0 {
		cp, err := e.cps.GetAtHeight(below - 1)
		if err != nil {
			return syncerrors.At(err, re.height, "reorg")
		}
		if cp == nil {
			break
		}
		ok, err := e.onRemoteChain(ctx, cp)
		if err != nil {
			return syncerrors.At(err, cp.Height, "reorg")
		}
		if ok {
			span.SetAttributes(attribute.Int64("ancestor", int64(cp.Height)))
			return e.rollbackTo(cp, "reorg")
		}
		log.Debug(log.SyncMonitoring, "checkpoint not on remote chain", "height", cp.Height, "hash", cp.Hash)
		below = cp.Height
	}
	return syncerrors.At(syncerrors.New(syncerrors.KindReorg,
		fmt.Errorf("%w: divergence below %d", syncerrors.ErrYReorgUnrecoverable, re.height)), re.height, "reorg")
}

// onRemoteChain reports whether the remote block at the checkpoint height
// has the checkpoint hash. A checkpoint without a hash is the birthday
// base, which every chain shares.
func (e *Engine) onRemoteChain(ctx context.Context, cp *checkpoint.Checkpoint) (bool, error) {
	if cp.Hash == (common.Hash{}) {
		return true, nil
	}
	remote, found, err := e.remoteHash(ctx, cp.Height)
	if err != nil {
		return false, err
	}
	return found && remote == cp.Hash, nil
}

// remoteHash fetches the hash of the remote block at h, bypassing the
// cache. found is false when the remote chain ends below h.
func (e *Engine) remoteHash(ctx context.Context, h uint64) (hash common.Hash, found bool, err error) {
	var remote *types.CompactBlock
	err = e.retry(ctx, "block", func() error {
		blocks, err := e.source.GetBlockRange(ctx, h, h)
		if err != nil {
			return err
		}
		if len(blocks) != 1 || blocks[0].Height != h {
			return syncerrors.New(syncerrors.KindProtocol,
				fmt.Errorf("%w: asked for block %d, got %d blocks", syncerrors.ErrPShortRange, h, len(blocks)))
		}
		remote = blocks[0]
		return nil
	})
	if errors.Is(err, syncerrors.ErrSNotFound) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, err
	}
	return remote.Hash, true, nil
}

// verifyTip checks that the local tip block is still on the remote chain
// before a session is reported complete. A replaced tip, or a remote chain
// that no longer reaches it, is recovered like a reorg above the tip and
// reported as true.
func (e *Engine) verifyTip(ctx context.Context) (bool, error) {
	if e.tipHash == (common.Hash{}) {
		return false, nil
	}
	e.setState(StateFetching)
	remote, found, err := e.remoteHash(ctx, e.height)
	if err != nil {
		return false, syncerrors.At(err, e.height, "verify")
	}
	if found && remote == e.tipHash {
		return false, nil
	}
	if err := e.recoverReorg(ctx, &reorgError{height: e.height + 1, local: e.tipHash, remote: remote}); err != nil {
		return false, err
	}
	return true, nil
}

// rollbackTo removes everything above cp from storage, the trees and the
// block cache.
func (e *Engine) rollbackTo(cp *checkpoint.Checkpoint, reason string) error {
	e.setState(StateRollingBack)
	if _, err := e.cps.RollbackToCheckpoint(cp); err != nil {
		return err
	}

	e.treeMu.Lock()
	err := e.restoreTreesLocked(cp)
	e.treeMu.Unlock()
	if err != nil {
		return err
	}
	e.sinceCheckpoint = 0

	dropped, err := e.cache.DeleteFrom(cp.Height + 1)
	if err != nil {
		return syncerrors.At(err, cp.Height+1, "rollback")
	}
	e.tracker.Rewind(cp.Height)
	e.tracker.SetCheckpoint(cp.Height)
	e.metrics.IncRollback(reason)
	log.Info(log.SyncMonitoring, "rolled back", "reason", reason, "height", cp.Height, "cached_dropped", dropped)
	return nil
}

// restoreTreesLocked puts both trees in their state at cp: by rewinding
// in memory when the trees still hold that boundary, otherwise from the
// checkpoint's snapshot. Callers hold treeMu.
func (e *Engine) restoreTreesLocked(cp *checkpoint.Checkpoint) error {
	id := uint32(cp.Height)
	if e.sapling != nil && e.sapling.HasCheckpoint(id) && e.orchard.HasCheckpoint(id) {
		if err := e.rewindLocked(cp.Height); err == nil {
			e.height, e.tipHash, e.tipTime = cp.Height, cp.Hash, cp.Timestamp
			return nil
		}
	}

	blob, ok, err := e.store.Snapshot(cp.Height)
	if err != nil {
		return syncerrors.At(err, cp.Height, "restore")
	}
	if !ok {
		return syncerrors.At(syncerrors.New(syncerrors.KindStorage,
			fmt.Errorf("%w: no frontier snapshot at %d", syncerrors.ErrSNoCheckpoint, cp.Height)), cp.Height, "restore")
	}
	sapling, orchard, err := frontier.RestoreTrees(blob, e.cfg.FrontierMaxCheckpoints)
	if err != nil {
		return syncerrors.At(err, cp.Height, "restore")
	}
	if sapling.Size() != cp.SaplingTreeSize || orchard.Size() != cp.OrchardTreeSize {
		return syncerrors.At(syncerrors.New(syncerrors.KindCorruption,
			fmt.Errorf("%w: snapshot at %d holds %d+%d commitments, checkpoint says %d+%d", syncerrors.ErrSCorruption,
				cp.Height, sapling.Size(), orchard.Size(), cp.SaplingTreeSize, cp.OrchardTreeSize)), cp.Height, "restore")
	}
	for _, t := range []*frontier.BridgeTree{sapling, orchard} {
		if !t.HasCheckpoint(id) {
			t.Checkpoint(id)
		}
	}
	e.sapling, e.orchard = sapling, orchard
	e.height, e.tipHash, e.tipTime = cp.Height, cp.Hash, cp.Timestamp
	return nil
}

// retry runs fn until it succeeds, fails permanently or runs out of
// attempts. Network, connection and transient status errors are retried,
// as are ranges that failed the hash chain check.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(e.cfg.MaxRetries)), ctx)
	err := backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || syncerrors.Retryable(err) || errors.Is(err, syncerrors.ErrPChainDiscontinuity) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		e.metrics.IncRetry()
		log.Warn(log.SyncMonitoring, "remote call failed, retrying", "op", op, "wait", wait, "err", err)
	})
	if err != nil && ctx.Err() != nil {
		return syncerrors.New(syncerrors.KindCancelled, fmt.Errorf("%w: %v", syncerrors.ErrYCancelled, ctx.Err()))
	}
	return err
}

// newBackOff waits RetryBaseDelay * 2^n before retry n.
func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = e.cfg.RetryBaseDelay << min(e.cfg.MaxRetries, 16)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
