package decrypt

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/lightsync/log"
	"github.com/colorfulnotion/lightsync/types"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultParallelism = 8
	defaultChunkSize   = 64
)

// Flatten lists every shielded output of the blocks in canonical
// (height, tx, output) order and assigns tree positions, Sapling outputs
// from saplingStart and Orchard actions from orchardStart.
func Flatten(blocks []*types.CompactBlock, saplingStart, orchardStart uint64) []Output {
	n := 0
	for _, b := range blocks {
		n += b.SaplingOutputCount() + b.OrchardActionCount()
	}
	out := make([]Output, 0, n)
	sp, op := saplingStart, orchardStart
	for _, b := range blocks {
		for ti, tx := range b.Vtx {
			for oi, o := range tx.Outputs {
				out = append(out, Output{
					Pool:         types.PoolSapling,
					Height:       b.Height,
					TxIndex:      ti,
					OutputIndex:  oi,
					TxHash:       tx.Hash,
					Position:     sp,
					Commitment:   o.Cmu,
					EphemeralKey: o.EphemeralKey,
					Ciphertext:   o.Ciphertext,
				})
				sp++
			}
			for ai, a := range tx.Actions {
				out = append(out, Output{
					Pool:         types.PoolOrchard,
					Height:       b.Height,
					TxIndex:      ti,
					OutputIndex:  ai,
					TxHash:       tx.Hash,
					Position:     op,
					Commitment:   a.Cmx,
					EphemeralKey: a.EphemeralKey,
					Ciphertext:   a.Ciphertext,
					Rho:          a.Nullifier,
				})
				op++
			}
		}
	}
	return out
}

// Stats describes one Decrypt call.
type Stats struct {
	Outputs  int
	Matches  int
	Duration time.Duration
}

// Pipeline trial-decrypts batches of outputs on a bounded worker pool.
type Pipeline struct {
	keys        KeyProvider
	parallelism int
	chunkSize   int
	memo        MemoLoader

	trials atomic.Uint64
}

// NewPipeline creates a pipeline. parallelism <= 0 selects
// DefaultParallelism; memo may be nil, in which case memos report
// ErrMemoUnavailable.
func NewPipeline(keys KeyProvider, parallelism int, memo MemoLoader) *Pipeline {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Pipeline{keys: keys, parallelism: parallelism, chunkSize: defaultChunkSize, memo: memo}
}

// Parallelism returns the worker bound.
func (p *Pipeline) Parallelism() int { return p.parallelism }

// Trials returns the number of key/output trials attempted so far.
func (p *Pipeline) Trials() uint64 { return p.trials.Load() }

// Decrypt returns one entry per output, in the order of outputs: the
// decrypted note, or nil when no key matched. Workers finish out of order
// but each writes only its own slots, so the result order never depends on
// scheduling. A cancelled context aborts the whole batch.
func (p *Pipeline) Decrypt(ctx context.Context, outputs []Output) ([]*Note, Stats, error) {
	start := time.Now()
	results := make([]*Note, len(outputs))
	stats := Stats{Outputs: len(outputs)}

	var sapling, orchard []ViewingKey
	for _, k := range p.keys.ViewingKeys() {
		if k.Pool == types.PoolOrchard {
			orchard = append(orchard, k)
		} else {
			sapling = append(sapling, k)
		}
	}
	if len(outputs) == 0 || len(sapling)+len(orchard) == 0 {
		stats.Duration = time.Since(start)
		return results, stats, ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for lo := 0; lo < len(outputs); lo += p.chunkSize {
		if gctx.Err() != nil {
			break
		}
		hi := min(lo+p.chunkSize, len(outputs))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var trials uint64
			for i := lo; i < hi; i++ {
				keys := sapling
				if outputs[i].Pool == types.PoolOrchard {
					keys = orchard
				}
				for j := range keys {
					trials++
					if n, key, ok := trial(&keys[j], &outputs[i]); ok {
						n.Memo = newLazyMemo(p.memo, n, key)
						results[i] = n
						break
					}
				}
			}
			p.trials.Add(trials)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}

	for _, n := range results {
		if n != nil {
			stats.Matches++
		}
	}
	stats.Duration = time.Since(start)
	log.Debug(log.DecryptMonitoring, "trial decryption done", "outputs", stats.Outputs, "matches", stats.Matches,
		"workers", p.parallelism, "elapsed", stats.Duration)
	return results, stats, nil
}

// Matches returns the non-nil notes of a Decrypt result, in order.
func Matches(results []*Note) []*Note {
	var out []*Note
	for _, n := range results {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}
