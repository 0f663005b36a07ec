package walletstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/colorfulnotion/lightsync/frontier"
	"github.com/colorfulnotion/lightsync/log"
	"github.com/colorfulnotion/lightsync/storage"
	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// DefaultSnapshotRetain is the number of frontier snapshots kept.
const DefaultSnapshotRetain = 10

// Store is the wallet database.
type Store struct {
	ps             *storage.PersistenceStore
	snapshotRetain int
	now            func() time.Time
}

// New opens a wallet store on ps. snapshotRetain <= 0 selects
// DefaultSnapshotRetain.
func New(ps *storage.PersistenceStore, snapshotRetain int) *Store {
	if snapshotRetain <= 0 {
		snapshotRetain = DefaultSnapshotRetain
	}
	return &Store{ps: ps, snapshotRetain: snapshotRetain, now: time.Now}
}

// Update is everything one applied batch writes. It is stored atomically.
type Update struct {
	Notes       []*NoteRecord
	Txs         []*TxRecord
	Spends      []Spend
	BlockHashes []BlockHash
	SyncHeight  uint64

	// Checkpoint and Snapshot are written together when Checkpoint is set.
	Checkpoint *CheckpointRecord
	Snapshot   []byte
}

// Apply writes u in one transaction. A checkpoint in u gets the next id.
func (s *Store) Apply(u *Update) error {
	return s.ps.Update(func(tx *storage.Tx) error {
		for _, n := range u.Notes {
			if err := putRLP(tx, noteKey(n), n); err != nil {
				return err
			}
			if err := tx.Put(nullifierKey(n.Nullifier), noteKey(n)); err != nil {
				return err
			}
		}
		for i := range u.Spends {
			if err := markSpent(tx, &u.Spends[i]); err != nil {
				return err
			}
		}
		for _, t := range u.Txs {
			if err := putRLP(tx, txKey(t), t); err != nil {
				return err
			}
		}
		for _, bh := range u.BlockHashes {
			if err := tx.Put(heightKey(prefixBlockHash, bh.Height), bh.Hash[:]); err != nil {
				return err
			}
		}
		if u.Checkpoint != nil {
			if err := s.putCheckpoint(tx, u.Checkpoint); err != nil {
				return err
			}
			if len(u.Snapshot) > 0 {
				if err := s.putSnapshot(tx, u.Checkpoint.Height, u.Snapshot); err != nil {
					return err
				}
			}
		}
		// A checkpoint vouches for everything up to its height.
		synced := u.SyncHeight
		if u.Checkpoint != nil && synced < u.Checkpoint.Height {
			cur, err := syncHeight(tx)
			if err != nil {
				return err
			}
			synced = max(cur, u.Checkpoint.Height)
		}
		if synced > 0 {
			return tx.Put(keySyncHeight, be64(synced))
		}
		return nil
	})
}

// markSpent flags the note with the spend's nullifier, if the wallet owns
// one, and records the spend so rollback can undo it.
func markSpent(tx *storage.Tx, sp *Spend) error {
	nk, found, err := tx.Get(nullifierKey(sp.Nullifier))
	if err != nil || !found {
		return err
	}
	var n NoteRecord
	if err := getRLP(tx, nk, &n); err != nil {
		return err
	}
	n.SpentHeight, n.SpentTx = sp.Height, sp.TxHash
	if err := putRLP(tx, nk, &n); err != nil {
		return err
	}
	return tx.Put(spendKey(sp), nk)
}

// InsertNote stores a single note outside a batch.
func (s *Store) InsertNote(n *NoteRecord) error {
	return s.Apply(&Update{Notes: []*NoteRecord{n}})
}

// CreateCheckpoint stores a checkpoint record, assigning its id.
func (s *Store) CreateCheckpoint(c *CheckpointRecord, snapshot []byte) error {
	return s.Apply(&Update{Checkpoint: c, Snapshot: snapshot})
}

func (s *Store) putCheckpoint(tx *storage.Tx, c *CheckpointRecord) error {
	seq := uint64(0)
	if v, found, err := tx.Get(keyCheckpointSeq); err != nil {
		return err
	} else if found && len(v) == 8 {
		seq = binary.BigEndian.Uint64(v)
	}
	if latest, err := lastCheckpoint(tx); err != nil {
		return err
	} else if latest != nil && c.Height < latest.Height {
		return fmt.Errorf("checkpoint at %d below latest %d: %w", c.Height, latest.Height, syncerrors.ErrSWriteFailed)
	}
	seq++
	c.ID = seq
	if c.CreatedAt == 0 {
		c.CreatedAt = uint64(s.now().Unix())
	}
	if err := putRLP(tx, heightKey(prefixCheckpoint, c.Height), c); err != nil {
		return err
	}
	return tx.Put(keyCheckpointSeq, be64(seq))
}

func (s *Store) putSnapshot(tx *storage.Tx, height uint64, blob []byte) error {
	if err := tx.Put(heightKey(prefixSnapshot, height), blob); err != nil {
		return err
	}
	kvs, err := tx.GetWithPrefix(prefixSnapshot)
	if err != nil {
		return err
	}
	for i := 0; i < len(kvs)-s.snapshotRetain; i++ {
		if err := tx.Delete(kvs[i].Key); err != nil {
			return err
		}
	}
	return nil
}

// RollbackStats counts what RollbackTo removed.
type RollbackStats struct {
	Notes       int
	Txs         int
	Checkpoints int
	Snapshots   int
	BlockHashes int
	Unspent     int
}

// RollbackTo removes every note, transaction, checkpoint, snapshot and
// block hash above height h, and clears spends recorded above h, in one
// transaction.
func (s *Store) RollbackTo(h uint64) (RollbackStats, error) {
	var st RollbackStats
	err := s.ps.Update(func(tx *storage.Tx) error {
		start, limit := above(prefixNote, h)
		notes, err := tx.GetRange(start, limit, 0)
		if err != nil {
			return err
		}
		var broken [][]byte
		for _, kv := range notes {
			var n NoteRecord
			if err := rlp.DecodeBytes(kv.Value, &n); err != nil {
				// Undecodable notes are dropped; their index entries are
				// found by value below.
				broken = append(broken, kv.Key)
			} else if err := tx.Delete(nullifierKey(n.Nullifier)); err != nil {
				return err
			}
			if err := tx.Delete(kv.Key); err != nil {
				return err
			}
		}
		if len(broken) > 0 {
			if err := dropIndexEntries(tx, broken); err != nil {
				return err
			}
		}
		st.Notes = len(notes)

		start, limit = above(prefixSpend, h)
		spends, err := tx.GetRange(start, limit, 0)
		if err != nil {
			return err
		}
		for _, kv := range spends {
			var n NoteRecord
			found, err := getRLPOptional(tx, kv.Value, &n)
			if err != nil {
				return err
			}
			if found && n.SpentHeight > h {
				n.SpentHeight, n.SpentTx = 0, common.Hash{}
				if err := putRLP(tx, kv.Value, &n); err != nil {
					return err
				}
				st.Unspent++
			}
			if err := tx.Delete(kv.Key); err != nil {
				return err
			}
		}

		for _, r := range []struct {
			prefix []byte
			count  *int
		}{
			{prefixTx, &st.Txs},
			{prefixCheckpoint, &st.Checkpoints},
			{prefixSnapshot, &st.Snapshots},
			{prefixBlockHash, &st.BlockHashes},
		} {
			start, limit := above(r.prefix, h)
			n, err := tx.DeleteRange(start, limit)
			if err != nil {
				return err
			}
			*r.count = n
		}

		cur, err := syncHeight(tx)
		if err != nil {
			return err
		}
		if cur > h {
			return tx.Put(keySyncHeight, be64(h))
		}
		return nil
	})
	if err != nil {
		return RollbackStats{}, err
	}
	log.Info(log.StoreMonitoring, "rolled back wallet store", "height", h, "notes", st.Notes, "txs", st.Txs,
		"checkpoints", st.Checkpoints, "unspent", st.Unspent)
	return st, nil
}

func dropIndexEntries(tx *storage.Tx, noteKeys [][]byte) error {
	index, err := tx.GetWithPrefix(prefixNullifier)
	if err != nil {
		return err
	}
	for _, kv := range index {
		if slices.ContainsFunc(noteKeys, func(k []byte) bool { return bytes.Equal(k, kv.Value) }) {
			if err := tx.Delete(kv.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// PruneCheckpoints keeps the keep highest checkpoints and drops the rest
// together with their snapshots. It returns the number removed.
func (s *Store) PruneCheckpoints(keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	removed := 0
	err := s.ps.Update(func(tx *storage.Tx) error {
		kvs, err := tx.GetWithPrefix(prefixCheckpoint)
		if err != nil {
			return err
		}
		for i := 0; i < len(kvs)-keep; i++ {
			h := heightFromKey(kvs[i].Key)
			if err := tx.Delete(kvs[i].Key); err != nil {
				return err
			}
			if err := tx.Delete(heightKey(prefixSnapshot, h)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Checkpoints returns all checkpoints in ascending height order.
func (s *Store) Checkpoints() ([]*CheckpointRecord, error) {
	kvs, err := s.ps.GetWithPrefix(prefixCheckpoint)
	if err != nil {
		return nil, err
	}
	out := make([]*CheckpointRecord, 0, len(kvs))
	for _, kv := range kvs {
		var c CheckpointRecord
		if err := rlp.DecodeBytes(kv.Value, &c); err != nil {
			return nil, corrupt("checkpoint %x: %v", kv.Key, err)
		}
		out = append(out, &c)
	}
	return out, nil
}

// LatestCheckpoint returns the highest checkpoint, or nil.
func (s *Store) LatestCheckpoint() (*CheckpointRecord, error) {
	kv, err := s.ps.Last(prefixCheckpoint)
	if err != nil || kv == nil {
		return nil, err
	}
	var c CheckpointRecord
	if err := rlp.DecodeBytes(kv.Value, &c); err != nil {
		return nil, corrupt("checkpoint %x: %v", kv.Key, err)
	}
	return &c, nil
}

// CheckpointAtOrBelow returns the highest checkpoint with height <= h, or nil.
func (s *Store) CheckpointAtOrBelow(h uint64) (*CheckpointRecord, error) {
	start, limit := atOrBelow(prefixCheckpoint, h)
	kvs, err := s.ps.GetRange(start, limit, 0)
	if err != nil || len(kvs) == 0 {
		return nil, err
	}
	kv := kvs[len(kvs)-1]
	var c CheckpointRecord
	if err := rlp.DecodeBytes(kv.Value, &c); err != nil {
		return nil, corrupt("checkpoint %x: %v", kv.Key, err)
	}
	return &c, nil
}

func lastCheckpoint(tx *storage.Tx) (*CheckpointRecord, error) {
	kvs, err := tx.GetWithPrefix(prefixCheckpoint)
	if err != nil || len(kvs) == 0 {
		return nil, err
	}
	var c CheckpointRecord
	if err := rlp.DecodeBytes(kvs[len(kvs)-1].Value, &c); err != nil {
		return nil, corrupt("checkpoint: %v", err)
	}
	return &c, nil
}

// Snapshot returns the frontier snapshot stored with the checkpoint at h.
func (s *Store) Snapshot(h uint64) ([]byte, bool, error) {
	return s.ps.Get(heightKey(prefixSnapshot, h))
}

// SnapshotHeights lists the heights that have a frontier snapshot.
func (s *Store) SnapshotHeights() ([]uint64, error) {
	kvs, err := s.ps.GetWithPrefix(prefixSnapshot)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, len(kvs))
	for i, kv := range kvs {
		out[i] = heightFromKey(kv.Key)
	}
	return out, nil
}

// BlockHash returns the recorded hash of the block at h.
func (s *Store) BlockHash(h uint64) (common.Hash, bool, error) {
	v, found, err := s.ps.Get(heightKey(prefixBlockHash, h))
	if err != nil || !found {
		return common.Hash{}, false, err
	}
	if len(v) != common.HashLength {
		return common.Hash{}, false, corrupt("block hash at %d has %d bytes", h, len(v))
	}
	return common.BytesToHash(v), true, nil
}

// SyncHeight returns the last fully applied height, zero before the first
// batch.
func (s *Store) SyncHeight() (uint64, error) {
	v, found, err := s.ps.Get(keySyncHeight)
	if err != nil || !found {
		return 0, err
	}
	if len(v) != 8 {
		return 0, corrupt("sync height has %d bytes", len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

func syncHeight(tx *storage.Tx) (uint64, error) {
	v, found, err := tx.Get(keySyncHeight)
	if err != nil || !found || len(v) != 8 {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

// Notes returns all owned notes in (height, pool, position) order.
func (s *Store) Notes() ([]*NoteRecord, error) {
	return s.notesIn(prefixNote, prefixEnd(prefixNote))
}

// NotesAbove returns the notes with height > h.
func (s *Store) NotesAbove(h uint64) ([]*NoteRecord, error) {
	start, limit := above(prefixNote, h)
	return s.notesIn(start, limit)
}

func (s *Store) notesIn(start, limit []byte) ([]*NoteRecord, error) {
	kvs, err := s.ps.GetRange(start, limit, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*NoteRecord, 0, len(kvs))
	for _, kv := range kvs {
		var n NoteRecord
		if err := rlp.DecodeBytes(kv.Value, &n); err != nil {
			return nil, corrupt("note %x: %v", kv.Key, err)
		}
		out = append(out, &n)
	}
	return out, nil
}

// NoteByNullifier returns the owned note with nullifier nf.
func (s *Store) NoteByNullifier(nf common.Hash) (*NoteRecord, bool, error) {
	nk, found, err := s.ps.Get(nullifierKey(nf))
	if err != nil || !found {
		return nil, false, err
	}
	v, found, err := s.ps.Get(nk)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, corrupt("nullifier %x points at missing note", nf)
	}
	var n NoteRecord
	if err := rlp.DecodeBytes(v, &n); err != nil {
		return nil, false, corrupt("note %x: %v", nk, err)
	}
	return &n, true, nil
}

// Balance sums the values of unspent notes.
func (s *Store) Balance() (uint64, error) {
	notes, err := s.Notes()
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, n := range notes {
		if !n.Spent() {
			total += n.Value
		}
	}
	return total, nil
}

// Transactions returns the wallet transactions in height order.
func (s *Store) Transactions() ([]*TxRecord, error) {
	kvs, err := s.ps.GetWithPrefix(prefixTx)
	if err != nil {
		return nil, err
	}
	out := make([]*TxRecord, 0, len(kvs))
	for _, kv := range kvs {
		var t TxRecord
		if err := rlp.DecodeBytes(kv.Value, &t); err != nil {
			return nil, corrupt("tx %x: %v", kv.Key, err)
		}
		out = append(out, &t)
	}
	return out, nil
}

// IntegrityCheck verifies that every record decodes and that the indexes
// agree with each other. Problems are reported as ErrSCorruption.
func (s *Store) IntegrityCheck() error {
	notes, err := s.ps.GetWithPrefix(prefixNote)
	if err != nil {
		return err
	}
	nullifiers := make(map[common.Hash][]byte, len(notes))
	for _, kv := range notes {
		var n NoteRecord
		if err := rlp.DecodeBytes(kv.Value, &n); err != nil {
			return corrupt("note %x: %v", kv.Key, err)
		}
		if !bytes.Equal(noteKey(&n), kv.Key) {
			return corrupt("note stored under %x belongs at %x", kv.Key, noteKey(&n))
		}
		nullifiers[n.Nullifier] = kv.Key
	}
	index, err := s.ps.GetWithPrefix(prefixNullifier)
	if err != nil {
		return err
	}
	if len(index) != len(nullifiers) {
		return corrupt("%d nullifier index entries for %d notes", len(index), len(nullifiers))
	}
	for _, kv := range index {
		nf := common.BytesToHash(kv.Key[len(prefixNullifier):])
		if want, ok := nullifiers[nf]; !ok || !bytes.Equal(want, kv.Value) {
			return corrupt("nullifier %x index mismatch", nf)
		}
	}

	cps, err := s.Checkpoints()
	if err != nil {
		return err
	}
	synced, err := s.SyncHeight()
	if err != nil {
		return err
	}
	for i, c := range cps {
		if i > 0 && c.ID <= cps[i-1].ID {
			return corrupt("checkpoint ids not increasing at height %d", c.Height)
		}
		if c.Height > synced {
			return corrupt("checkpoint at %d above sync height %d", c.Height, synced)
		}
	}

	snaps, err := s.ps.GetWithPrefix(prefixSnapshot)
	if err != nil {
		return err
	}
	for _, kv := range snaps {
		if _, _, err := frontier.DecodeSnapshot(kv.Value); err != nil {
			return corrupt("snapshot at %d: %v", heightFromKey(kv.Key), err)
		}
	}
	hashes, err := s.ps.GetWithPrefix(prefixBlockHash)
	if err != nil {
		return err
	}
	if i := slices.IndexFunc(hashes, func(kv storage.KV) bool { return len(kv.Value) != common.HashLength }); i >= 0 {
		return corrupt("block hash at %d malformed", heightFromKey(hashes[i].Key))
	}
	return nil
}

func putRLP(tx *storage.Tx, key []byte, v any) error {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		return fmt.Errorf("encode %x: %w", key, err)
	}
	return tx.Put(key, b)
}

func getRLP(tx *storage.Tx, key []byte, v any) error {
	found, err := getRLPOptional(tx, key, v)
	if err != nil {
		return err
	}
	if !found {
		return corrupt("missing record %x", key)
	}
	return nil
}

func getRLPOptional(tx *storage.Tx, key []byte, v any) (bool, error) {
	b, found, err := tx.Get(key)
	if err != nil || !found {
		return false, err
	}
	if err := rlp.DecodeBytes(b, v); err != nil {
		return false, corrupt("record %x: %v", key, err)
	}
	return true, nil
}

func corrupt(format string, args ...any) error {
	return syncerrors.New(syncerrors.KindCorruption, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), syncerrors.ErrSCorruption))
}
