// Package checkpoint manages the durable checkpoint table: creation,
// lookup by height, pruning, rollback of derived wallet state and automatic
// recovery from storage corruption.
package checkpoint

import (
	"fmt"
	"sync"

	"github.com/colorfulnotion/lightsync/log"
	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/colorfulnotion/lightsync/walletstore"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultLookupCache is the number of GetAtHeight answers kept in memory.
const DefaultLookupCache = 256

// Checkpoint is a stored checkpoint record.
type Checkpoint = walletstore.CheckpointRecord

// Store is the storage the manager works on. *walletstore.Store implements
// it; every method that writes is atomic.
type Store interface {
	Apply(u *walletstore.Update) error
	CreateCheckpoint(c *walletstore.CheckpointRecord, snapshot []byte) error
	LatestCheckpoint() (*walletstore.CheckpointRecord, error)
	CheckpointAtOrBelow(h uint64) (*walletstore.CheckpointRecord, error)
	Checkpoints() ([]*walletstore.CheckpointRecord, error)
	RollbackTo(h uint64) (walletstore.RollbackStats, error)
	PruneCheckpoints(keep int) (int, error)
	IntegrityCheck() error
}

// Manager wraps a Store with a height lookup cache.
type Manager struct {
	mu    sync.Mutex
	store Store
	// byHeight caches GetAtHeight(h) by query height. Any write purges it.
	byHeight *lru.Cache[uint64, Checkpoint]
}

// NewManager creates a manager. cacheSize <= 0 selects DefaultLookupCache.
func NewManager(store Store, cacheSize int) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultLookupCache
	}
	cache, err := lru.New[uint64, Checkpoint](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Manager{store: store, byHeight: cache}, nil
}

// CreateCheckpoint stores a checkpoint for height together with an optional
// frontier snapshot. timestamp is the block time in unix seconds. Heights
// must not decrease.
func (m *Manager) CreateCheckpoint(height uint64, hash common.Hash, timestamp, saplingSize, orchardSize uint64, snapshot []byte) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &Checkpoint{
		Height:          height,
		Hash:            hash,
		Timestamp:       timestamp,
		SaplingTreeSize: saplingSize,
		OrchardTreeSize: orchardSize,
	}
	if err := m.store.CreateCheckpoint(c, snapshot); err != nil {
		return nil, syncerrors.At(err, height, "checkpoint")
	}
	m.byHeight.Purge()
	log.Debug(log.CheckpointMonitoring, "checkpoint created", "id", c.ID, "height", height,
		"treeSize", c.TreeSize(), "snapshot", len(snapshot))
	return c, nil
}

// Commit writes the derived state of an applied batch, and the batch
// checkpoint when u carries one, in one transaction.
func (m *Manager) Commit(u *walletstore.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Apply(u); err != nil {
		return syncerrors.At(err, u.SyncHeight, "commit")
	}
	if u.Checkpoint != nil {
		m.byHeight.Purge()
		log.Debug(log.CheckpointMonitoring, "checkpoint created", "id", u.Checkpoint.ID, "height", u.Checkpoint.Height,
			"treeSize", u.Checkpoint.TreeSize(), "snapshot", len(u.Snapshot))
	}
	return nil
}

// GetLatest returns the highest checkpoint, or nil when there is none.
func (m *Manager) GetLatest() (*Checkpoint, error) {
	return m.store.LatestCheckpoint()
}

// GetAtHeight returns the checkpoint with the greatest height <= h, or nil.
func (m *Manager) GetAtHeight(h uint64) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.byHeight.Get(h); ok {
		return &c, nil
	}
	c, err := m.store.CheckpointAtOrBelow(h)
	if err != nil || c == nil {
		return nil, err
	}
	m.byHeight.Add(h, *c)
	return c, nil
}

// List returns every checkpoint in ascending height order.
func (m *Manager) List() ([]*Checkpoint, error) {
	return m.store.Checkpoints()
}

// RollbackToCheckpoint removes all notes, transactions, spends, block hashes,
// checkpoints and snapshots above c.Height in one transaction.
func (m *Manager) RollbackToCheckpoint(c *Checkpoint) (walletstore.RollbackStats, error) {
	if c == nil {
		return walletstore.RollbackStats{}, syncerrors.New(syncerrors.KindStorage, syncerrors.ErrSNoCheckpoint)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.store.RollbackTo(c.Height)
	m.byHeight.Purge()
	if err != nil {
		return st, syncerrors.At(err, c.Height, "rollback")
	}
	log.Info(log.CheckpointMonitoring, "rolled back to checkpoint", "id", c.ID, "height", c.Height,
		"notes", st.Notes, "txs", st.Txs, "checkpoints", st.Checkpoints)
	return st, nil
}

// PruneOldCheckpoints keeps the keep highest checkpoints. The latest
// checkpoint is never removed.
func (m *Manager) PruneOldCheckpoints(keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.store.PruneCheckpoints(keep)
	m.byHeight.Purge()
	if err != nil {
		return n, err
	}
	if n > 0 {
		log.Debug(log.CheckpointMonitoring, "pruned checkpoints", "removed", n, "keep", keep)
	}
	return n, nil
}

// AutoRollbackOnCorruption runs the storage integrity check. When it fails
// the store is rolled back to the latest checkpoint and that checkpoint is
// returned. A healthy store returns (nil, nil).
//
// Corruption with no checkpoint to fall back to, or corruption that
// survives the rollback, is returned as a fatal storage error.
func (m *Manager) AutoRollbackOnCorruption() (*Checkpoint, error) {
	checkErr := m.store.IntegrityCheck()
	if checkErr == nil {
		return nil, nil
	}
	if syncerrors.KindOf(checkErr) != syncerrors.KindCorruption {
		return nil, checkErr
	}
	log.Warn(log.CheckpointMonitoring, "storage integrity check failed", "err", checkErr)

	latest, err := m.store.LatestCheckpoint()
	if err != nil {
		return nil, syncerrors.New(syncerrors.KindStorage, fmt.Errorf("%w: checkpoint table unreadable: %v", syncerrors.ErrSNoCheckpoint, err))
	}
	if latest == nil {
		return nil, syncerrors.New(syncerrors.KindStorage, fmt.Errorf("%w: %v", syncerrors.ErrSNoCheckpoint, checkErr))
	}
	if _, err := m.RollbackToCheckpoint(latest); err != nil {
		return nil, err
	}
	if err := m.store.IntegrityCheck(); err != nil {
		return nil, syncerrors.New(syncerrors.KindStorage, fmt.Errorf("corruption persists after rollback to %d: %w", latest.Height, err))
	}
	log.Info(log.CheckpointMonitoring, "recovered from corruption", "height", latest.Height)
	return latest, nil
}
