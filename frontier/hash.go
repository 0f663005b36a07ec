// Package frontier implements the append-only note commitment trees used by
// the sync engine: a bridge tree that keeps only the frontier plus the data
// needed to witness marked leaves, a bounded checkpoint queue for rewinds,
// and a versioned binary format for persistence.
package frontier

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"
)

const (
	// MerkleTreeDepth is the depth of both shielded commitment trees
	MerkleTreeDepth = 32

	// MaxTreeSize is the maximum number of leaves (2^32)
	MaxTreeSize = uint64(1) << MerkleTreeDepth

	// DefaultMaxCheckpoints bounds the rewind queue
	DefaultMaxCheckpoints = 100
)

// Domain is the hashing context of one commitment tree. Sapling and Orchard
// nodes never hash to the same value because each domain keys blake2b with
// its own tag.
type Domain struct {
	name        string
	magic       [4]byte
	key         []byte
	uncommitted common.Hash

	once       sync.Once
	zeroHashes [MerkleTreeDepth + 1]common.Hash
}

var (
	Sapling = &Domain{
		name:        "sapling",
		magic:       [4]byte{'S', 'B', 'T', '2'},
		key:         []byte("lightsync_SaplingMerkleNode"),
		uncommitted: common.Hash{0x01},
	}
	Orchard = &Domain{
		name:        "orchard",
		magic:       [4]byte{'O', 'B', 'T', '2'},
		key:         []byte("lightsync_OrchardMerkleNode"),
		uncommitted: common.Hash{0x02},
	}
)

// Name returns the pool name of the domain.
func (d *Domain) Name() string { return d.name }

// Magic returns the 4-byte tag that prefixes serialized trees of this domain.
func (d *Domain) Magic() [4]byte { return d.magic }

// UncommittedLeaf is the value of a leaf that has not been appended yet.
func (d *Domain) UncommittedLeaf() common.Hash { return d.uncommitted }

// HashNode combines two children at the given level.
func (d *Domain) HashNode(level uint8, left, right common.Hash) common.Hash {
	h, err := blake2b.New256(d.key)
	if err != nil {
		// key is a package constant shorter than 64 bytes
		panic(err)
	}
	h.Write([]byte{level})
	h.Write(left[:])
	h.Write(right[:])
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// EmptyRoot returns the root of an empty subtree of the given height.
// EmptyRoot(0) is the uncommitted leaf.
func (d *Domain) EmptyRoot(level uint8) common.Hash {
	d.once.Do(func() {
		d.zeroHashes[0] = d.uncommitted
		for i := 1; i <= MerkleTreeDepth; i++ {
			d.zeroHashes[i] = d.HashNode(uint8(i-1), d.zeroHashes[i-1], d.zeroHashes[i-1])
		}
	})
	return d.zeroHashes[level]
}

// DomainForMagic returns the domain that owns the 3-byte magic prefix.
func DomainForMagic(b []byte) *Domain {
	if len(b) < 3 {
		return nil
	}
	for _, d := range []*Domain{Sapling, Orchard} {
		if b[0] == d.magic[0] && b[1] == d.magic[1] && b[2] == d.magic[2] {
			return d
		}
	}
	return nil
}
