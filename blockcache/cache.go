// Package blockcache keeps compact blocks fetched from a remote endpoint on
// disk and coalesces concurrent fetches of overlapping ranges.
package blockcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/lightsync/log"
	"github.com/colorfulnotion/lightsync/storage"
	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/colorfulnotion/lightsync/types"
	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultHotBlocks is the number of decoded blocks kept in memory.
	DefaultHotBlocks = 4096
	// DefaultFollowerTimeout bounds how long a follower waits for a leader
	// before fetching the range itself.
	DefaultFollowerTimeout = 30 * time.Second
)

// FetchFunc fetches the blocks [start, end] from the remote source.
type FetchFunc func(ctx context.Context, start, end uint64) ([]*types.CompactBlock, error)

// Stats counts cache activity.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Fetches   uint64
	Coalesced uint64
}

// Cache is the block cache of one endpoint. Blocks returned by the cache
// are shared and must not be modified.
type Cache struct {
	ps       *storage.PersistenceStore
	endpoint string
	prefix   []byte
	hot      *lru.Cache[uint64, *types.CompactBlock]
	inflight *InflightRegistry

	followerTimeout time.Duration

	hits, misses, fetches, coalesced atomic.Uint64
}

// New opens the cache of endpoint on ps. The cache holds a reference on
// reg until Close.
func New(ps *storage.PersistenceStore, endpoint string, reg *InflightRegistry, hotBlocks int) (*Cache, error) {
	if hotBlocks <= 0 {
		hotBlocks = DefaultHotBlocks
	}
	hot, err := lru.New[uint64, *types.CompactBlock](hotBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	if reg == nil {
		reg = NewInflightRegistry()
	} else {
		reg.Retain()
	}
	prefix := append([]byte("blk_"+endpoint), 0)
	return &Cache{
		ps:              ps,
		endpoint:        endpoint,
		prefix:          prefix,
		hot:             hot,
		inflight:        reg,
		followerTimeout: DefaultFollowerTimeout,
	}, nil
}

// SetFollowerTimeout changes how long GetRange follows another fetch.
func (c *Cache) SetFollowerTimeout(d time.Duration) { c.followerTimeout = d }

// Endpoint returns the endpoint identity the cache is keyed by.
func (c *Cache) Endpoint() string { return c.endpoint }

// Close releases the cache's reference on its in-flight registry.
func (c *Cache) Close() { c.inflight.Release() }

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Fetches:   c.fetches.Load(),
		Coalesced: c.coalesced.Load(),
	}
}

func (c *Cache) key(h uint64) []byte {
	k := make([]byte, len(c.prefix)+8)
	copy(k, c.prefix)
	binary.BigEndian.PutUint64(k[len(c.prefix):], h)
	return k
}

// LoadRange returns the cached blocks with start <= height <= end in
// ascending height order. Missing heights are skipped, so the result can be
// shorter than the range.
func (c *Cache) LoadRange(start, end uint64) ([]*types.CompactBlock, error) {
	if start > end {
		return nil, nil
	}
	out := make([]*types.CompactBlock, 0, end-start+1)
	allHot := true
	for h := start; h <= end; h++ {
		b, ok := c.hot.Get(h)
		if !ok {
			allHot = false
			break
		}
		out = append(out, b)
	}
	if allHot {
		return out, nil
	}

	limit := c.key(end + 1)
	if end == ^uint64(0) {
		limit = append(append([]byte{}, c.prefix[:len(c.prefix)-1]...), 1)
	}
	kvs, err := c.ps.GetRange(c.key(start), limit, 0)
	if err != nil {
		return nil, err
	}
	out = out[:0]
	for _, kv := range kvs {
		b, err := decodeBlock(kv.Value)
		if err != nil {
			return nil, syncerrors.New(syncerrors.KindCorruption,
				fmt.Errorf("cached block %x: %w: %v", kv.Key, syncerrors.ErrSCorruption, err))
		}
		c.hot.Add(b.Height, b)
		out = append(out, b)
	}
	return out, nil
}

// StoreBlocks writes blocks in a single batch.
func (c *Cache) StoreBlocks(blocks []*types.CompactBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	var batch storage.Batch
	for _, b := range blocks {
		batch.Put(c.key(b.Height), snappy.Encode(nil, b.MarshalProto()))
	}
	if err := c.ps.WriteBatch(&batch); err != nil {
		return err
	}
	for _, b := range blocks {
		c.hot.Add(b.Height, b)
	}
	return nil
}

// DeleteFrom drops every cached block with height >= h and returns how
// many were on disk.
func (c *Cache) DeleteFrom(h uint64) (int, error) {
	for _, k := range c.hot.Keys() {
		if k >= h {
			c.hot.Remove(k)
		}
	}
	limit := append(append([]byte{}, c.prefix[:len(c.prefix)-1]...), 1)
	kvs, err := c.ps.GetRange(c.key(h), limit, 0)
	if err != nil {
		return 0, err
	}
	if len(kvs) == 0 {
		return 0, nil
	}
	var batch storage.Batch
	for _, kv := range kvs {
		batch.Delete(kv.Key)
	}
	if err := c.ps.WriteBatch(&batch); err != nil {
		return 0, err
	}
	log.Debug(log.CacheMonitoring, "dropped cached blocks", "endpoint", c.endpoint, "from", h, "count", len(kvs))
	return len(kvs), nil
}

// GetRange returns the blocks [start, end], serving them from the cache
// when all are present. Otherwise exactly one caller per overlapping range
// fetches through fetch and stores the result; concurrent callers wait for
// that fetch and then read the stored blocks.
func (c *Cache) GetRange(ctx context.Context, start, end uint64, fetch FetchFunc) ([]*types.CompactBlock, error) {
	if start > end {
		return nil, nil
	}
	expected := int(end - start + 1)
	for {
		blocks, err := c.LoadRange(start, end)
		if err != nil {
			log.Warn(log.CacheMonitoring, "cache read failed, fetching", "start", start, "end", end, "err", err)
		} else if len(blocks) == expected {
			c.hits.Add(1)
			return blocks, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}

		lease, leader := c.inflight.Acquire(c.endpoint, start, end)
		if !leader {
			c.coalesced.Add(1)
			wctx, cancel := context.WithTimeout(ctx, c.followerTimeout)
			werr := lease.Wait(wctx)
			cancel()
			if ctx.Err() != nil {
				return nil, cancelled(ctx.Err())
			}
			if errors.Is(werr, context.DeadlineExceeded) {
				log.Warn(log.CacheMonitoring, "leader fetch timed out, fetching directly", "start", start, "end", end)
				c.misses.Add(1)
				return c.fetchAndStore(ctx, start, end, fetch)
			}
			if werr != nil {
				log.Debug(log.CacheMonitoring, "leader fetch did not help", "start", start, "end", end, "err", werr)
			}
			continue
		}

		// Another leader may have stored the range between the read above
		// and Acquire.
		if blocks, err := c.LoadRange(start, end); err == nil && len(blocks) == expected {
			lease.Complete(nil)
			c.hits.Add(1)
			return blocks, nil
		}
		c.misses.Add(1)
		blocks, err = c.fetchAndStore(ctx, start, end, fetch)
		lease.Complete(err)
		return blocks, err
	}
}

func (c *Cache) fetchAndStore(ctx context.Context, start, end uint64, fetch FetchFunc) ([]*types.CompactBlock, error) {
	c.fetches.Add(1)
	blocks, err := fetch(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if want := int(end - start + 1); len(blocks) != want {
		return nil, syncerrors.New(syncerrors.KindProtocol,
			fmt.Errorf("range %d-%d: got %d blocks, want %d: %w", start, end, len(blocks), want, syncerrors.ErrPShortRange))
	}
	for i, b := range blocks {
		if b.Height != start+uint64(i) {
			return nil, syncerrors.New(syncerrors.KindProtocol,
				fmt.Errorf("range %d-%d: block %d has height %d: %w", start, end, i, b.Height, syncerrors.ErrPMalformedBlock))
		}
	}
	if err := c.StoreBlocks(blocks); err != nil {
		// The fetched blocks are still good; followers will fetch again.
		log.Warn(log.CacheMonitoring, "cache store failed", "start", start, "end", end, "err", err)
	}
	log.Trace(log.CacheMonitoring, "fetched range", "endpoint", c.endpoint, "start", start, "end", end)
	return blocks, nil
}

func decodeBlock(v []byte) (*types.CompactBlock, error) {
	raw, err := snappy.Decode(nil, v)
	if err != nil {
		return nil, err
	}
	b := new(types.CompactBlock)
	if err := b.UnmarshalProto(raw); err != nil {
		return nil, err
	}
	return b, nil
}

func cancelled(err error) error {
	return syncerrors.New(syncerrors.KindCancelled, fmt.Errorf("%w: %v", syncerrors.ErrYCancelled, err))
}
