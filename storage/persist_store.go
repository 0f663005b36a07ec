// Package storage is the raw key/value layer under the block cache and the
// wallet store: LevelDB on disk, or in memory for tests.
package storage

import (
	"fmt"

	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// KV is one key/value pair returned by prefix scans.
type KV struct {
	Key   []byte
	Value []byte
}

// PersistenceStore wraps LevelDB for raw key-value persistence.
// Thread-safe: LevelDB handles its own synchronization.
type PersistenceStore struct {
	path string
	db   *leveldb.DB
}

// NewPersistenceStore opens or creates a LevelDB database at the given path.
// If path is empty, uses in-memory storage.
func NewPersistenceStore(path string) (*PersistenceStore, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open database at %q: %w", path, syncerrors.New(syncerrors.KindStorage, err))
	}
	return &PersistenceStore{path: path, db: db}, nil
}

// NewMemoryPersistenceStore creates an in-memory PersistenceStore for testing.
func NewMemoryPersistenceStore() (*PersistenceStore, error) {
	return NewPersistenceStore("")
}

// Path returns the database directory, empty for in-memory stores.
func (ps *PersistenceStore) Path() string { return ps.path }

// Get retrieves a value by key. Returns (nil, false, nil) if not found.
func (ps *PersistenceStore) Get(key []byte) ([]byte, bool, error) {
	return get(ps.db, key)
}

func (ps *PersistenceStore) Has(key []byte) (bool, error) {
	ok, err := ps.db.Has(key, nil)
	if err != nil {
		return false, readErr("has", key, err)
	}
	return ok, nil
}

func (ps *PersistenceStore) Put(key []byte, value []byte) error {
	if err := ps.db.Put(key, value, nil); err != nil {
		return storageErr("put", key, err)
	}
	return nil
}

func (ps *PersistenceStore) Delete(key []byte) error {
	if err := ps.db.Delete(key, nil); err != nil {
		return storageErr("delete", key, err)
	}
	return nil
}

// GetWithPrefix returns all key-value pairs with the given prefix, sorted by
// key.
func (ps *PersistenceStore) GetWithPrefix(prefix []byte) ([]KV, error) {
	return scan(ps.db, util.BytesPrefix(prefix), 0)
}

// GetRange returns the pairs with start <= key < limit, at most max of
// them when max > 0.
func (ps *PersistenceStore) GetRange(start, limit []byte, max int) ([]KV, error) {
	return scan(ps.db, &util.Range{Start: start, Limit: limit}, max)
}

// Last returns the greatest key with the given prefix.
func (ps *PersistenceStore) Last(prefix []byte) (*KV, error) {
	iter := ps.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, readErr("last", prefix, err)
		}
		return nil, nil
	}
	return &KV{Key: copyBytes(iter.Key()), Value: copyBytes(iter.Value())}, nil
}

// WriteBatch applies all operations of b atomically.
func (ps *PersistenceStore) WriteBatch(b *Batch) error {
	if err := ps.db.Write(&b.b, nil); err != nil {
		return storageErr("write batch", nil, err)
	}
	return nil
}

// Update runs fn inside a LevelDB transaction. The transaction commits only
// when fn returns nil; otherwise nothing fn wrote becomes visible.
func (ps *PersistenceStore) Update(fn func(tx *Tx) error) error {
	tr, err := ps.db.OpenTransaction()
	if err != nil {
		return storageErr("open transaction", nil, err)
	}
	if err := fn(&Tx{tr: tr}); err != nil {
		tr.Discard()
		return err
	}
	if err := tr.Commit(); err != nil {
		return storageErr("commit", nil, err)
	}
	return nil
}

func (ps *PersistenceStore) Close() error {
	return ps.db.Close()
}

// DB returns the underlying LevelDB instance for advanced operations.
// Use sparingly - prefer the wrapper methods.
func (ps *PersistenceStore) DB() *leveldb.DB {
	return ps.db
}

// Batch collects writes for WriteBatch.
type Batch struct {
	b leveldb.Batch
}

func (b *Batch) Put(key, value []byte) { b.b.Put(key, value) }
func (b *Batch) Delete(key []byte)     { b.b.Delete(key) }
func (b *Batch) Len() int              { return b.b.Len() }
func (b *Batch) Reset()                { b.b.Reset() }

// Tx is an open transaction. Reads observe the transaction's own writes.
type Tx struct {
	tr *leveldb.Transaction
}

func (tx *Tx) Get(key []byte) ([]byte, bool, error) {
	return get(tx.tr, key)
}

func (tx *Tx) Put(key, value []byte) error {
	if err := tx.tr.Put(key, value, nil); err != nil {
		return storageErr("tx put", key, err)
	}
	return nil
}

func (tx *Tx) Delete(key []byte) error {
	if err := tx.tr.Delete(key, nil); err != nil {
		return storageErr("tx delete", key, err)
	}
	return nil
}

func (tx *Tx) GetWithPrefix(prefix []byte) ([]KV, error) {
	return scan(tx.tr, util.BytesPrefix(prefix), 0)
}

func (tx *Tx) GetRange(start, limit []byte, max int) ([]KV, error) {
	return scan(tx.tr, &util.Range{Start: start, Limit: limit}, max)
}

// DeleteRange deletes every key with start <= key < limit and returns the
// number of deleted keys.
func (tx *Tx) DeleteRange(start, limit []byte) (int, error) {
	kvs, err := tx.GetRange(start, limit, 0)
	if err != nil {
		return 0, err
	}
	for _, kv := range kvs {
		if err := tx.Delete(kv.Key); err != nil {
			return 0, err
		}
	}
	return len(kvs), nil
}

// kvReader is satisfied by both *leveldb.DB and *leveldb.Transaction.
type kvReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

func get(r kvReader, key []byte) ([]byte, bool, error) {
	data, err := r.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, readErr("get", key, err)
	}
	return data, true, nil
}

func scan(src kvReader, rng *util.Range, max int) ([]KV, error) {
	iter := src.NewIterator(rng, nil)
	defer iter.Release()

	var results []KV
	for iter.Next() {
		// Copy key and value to avoid iterator reuse issues
		results = append(results, KV{Key: copyBytes(iter.Key()), Value: copyBytes(iter.Value())})
		if max > 0 && len(results) >= max {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, readErr("scan", rng.Start, err)
	}
	return results, nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func storageErr(op string, key []byte, err error) error {
	return syncerrors.New(syncerrors.KindStorage, fmt.Errorf("%s %x: %w: %v", op, key, syncerrors.ErrSWriteFailed, err))
}

func readErr(op string, key []byte, err error) error {
	return syncerrors.New(syncerrors.KindStorage, fmt.Errorf("%s %x: %w", op, key, err))
}
