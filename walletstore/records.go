// Package walletstore persists everything the sync engine derives from the
// chain: owned notes and their spends, wallet transactions, the local hash
// chain, checkpoints and frontier snapshots. Every multi-record change runs
// in one LevelDB transaction.
package walletstore

import (
	"encoding/binary"
	"math"

	"github.com/colorfulnotion/lightsync/decrypt"
	"github.com/colorfulnotion/lightsync/types"
	"github.com/ethereum/go-ethereum/common"
)

// NoteRecord is an owned note. SpentHeight is zero while unspent.
type NoteRecord struct {
	Pool        uint8
	Height      uint64
	TxIndex     uint64
	OutputIndex uint64
	TxHash      common.Hash
	Position    uint64
	Value       uint64
	Diversifier [decrypt.DiversifierSize]byte
	Rseed       [32]byte
	Rho         common.Hash
	Commitment  common.Hash
	Nullifier   common.Hash
	KeyID       uint64
	Scope       uint8
	SpentHeight uint64
	SpentTx     common.Hash
}

// NoteFromDecrypted converts a pipeline match into a record.
func NoteFromDecrypted(n *decrypt.Note) *NoteRecord {
	return &NoteRecord{
		Pool:        uint8(n.Pool),
		Height:      n.Height,
		TxIndex:     uint64(n.TxIndex),
		OutputIndex: uint64(n.OutputIndex),
		TxHash:      n.TxHash,
		Position:    n.Position,
		Value:       n.Value,
		Diversifier: n.Diversifier,
		Rseed:       n.Rseed,
		Rho:         n.Rho,
		Commitment:  n.Commitment,
		Nullifier:   n.Nullifier,
		KeyID:       uint64(n.KeyID),
		Scope:       uint8(n.Scope),
	}
}

func (n *NoteRecord) PoolType() types.Pool { return types.Pool(n.Pool) }
func (n *NoteRecord) Spent() bool          { return n.SpentHeight != 0 }

// TxRecord is a transaction that touched the wallet.
type TxRecord struct {
	Height   uint64
	Index    uint64
	Hash     common.Hash
	Fee      uint32
	Received uint64
	Spent    uint64
}

// Spend is a nullifier revealed on chain at a height.
type Spend struct {
	Nullifier common.Hash
	Height    uint64
	TxHash    common.Hash
}

// CheckpointRecord is one row of the checkpoint table.
type CheckpointRecord struct {
	ID              uint64
	Height          uint64
	Hash            common.Hash
	Timestamp       uint64
	SaplingTreeSize uint64
	OrchardTreeSize uint64
	CreatedAt       uint64
}

// TreeSize is the total number of commitments in both pools.
func (c *CheckpointRecord) TreeSize() uint64 { return c.SaplingTreeSize + c.OrchardTreeSize }

// BlockHash is one link of the locally recorded hash chain.
type BlockHash struct {
	Height uint64
	Hash   common.Hash
}

var (
	prefixNote       = []byte("nt")
	prefixNullifier  = []byte("nf")
	prefixTx         = []byte("tx")
	prefixCheckpoint = []byte("cp")
	prefixSnapshot   = []byte("fs")
	prefixBlockHash  = []byte("bh")
	prefixSpend      = []byte("sp")

	keySyncHeight    = []byte("m:sync_height")
	keyCheckpointSeq = []byte("m:checkpoint_seq")
)

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func heightKey(prefix []byte, h uint64, rest ...[]byte) []byte {
	k := make([]byte, 0, len(prefix)+8+32)
	k = append(k, prefix...)
	k = append(k, be64(h)...)
	for _, r := range rest {
		k = append(k, r...)
	}
	return k
}

// heightFromKey reads the big-endian height following a 2-byte prefix.
func heightFromKey(k []byte) uint64 {
	if len(k) < 10 {
		return 0
	}
	return binary.BigEndian.Uint64(k[2:10])
}

func noteKey(n *NoteRecord) []byte {
	return heightKey(prefixNote, n.Height, []byte{n.Pool}, be64(n.Position))
}

func nullifierKey(nf common.Hash) []byte {
	return append(append([]byte{}, prefixNullifier...), nf[:]...)
}

func txKey(t *TxRecord) []byte {
	return heightKey(prefixTx, t.Height, t.Hash[:])
}

func spendKey(s *Spend) []byte {
	return heightKey(prefixSpend, s.Height, s.Nullifier[:])
}

// above returns the key range of records with height > h under prefix.
// The range is empty for the largest height.
func above(prefix []byte, h uint64) (start, limit []byte) {
	limit = prefixEnd(prefix)
	if h == math.MaxUint64 {
		return limit, limit
	}
	return heightKey(prefix, h+1), limit
}

// atOrBelow returns the key range of records with height <= h under prefix.
func atOrBelow(prefix []byte, h uint64) (start, limit []byte) {
	if h == math.MaxUint64 {
		return prefix, prefixEnd(prefix)
	}
	return prefix, heightKey(prefix, h+1)
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
