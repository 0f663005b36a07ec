package frontier

import (
	"github.com/ethereum/go-ethereum/common"
)

// NonEmptyFrontier is the rightmost path of a tree with at least one leaf:
// the most recent leaf and the roots of the completed left subtrees along
// its path (ommers), lowest level first.
type NonEmptyFrontier struct {
	position Position
	leaf     common.Hash
	ommers   []common.Hash
}

func newFrontier(leaf common.Hash) NonEmptyFrontier {
	return NonEmptyFrontier{leaf: leaf}
}

// Position returns the position of the most recent leaf.
func (f *NonEmptyFrontier) Position() Position { return f.position }

// Leaf returns the most recent leaf.
func (f *NonEmptyFrontier) Leaf() common.Hash { return f.leaf }

// Ommers returns a copy of the left sibling roots, lowest level first.
func (f *NonEmptyFrontier) Ommers() []common.Hash {
	out := make([]common.Hash, len(f.ommers))
	copy(out, f.ommers)
	return out
}

func (f NonEmptyFrontier) clone() NonEmptyFrontier {
	f.ommers = append([]common.Hash(nil), f.ommers...)
	return f
}

// append moves the frontier one position right. Every trailing one-bit of
// the old position folds an ommer into the carried subtree root; the first
// zero bit receives the carry as a new ommer.
func (f *NonEmptyFrontier) append(d *Domain, leaf common.Hash) {
	carry := f.leaf
	p := uint64(f.position)
	i := 0
	level := uint8(0)
	for (p>>level)&1 == 1 {
		carry = d.HashNode(level, f.ommers[i], carry)
		i++
		level++
	}
	ommers := make([]common.Hash, 0, len(f.ommers)-i+1)
	ommers = append(ommers, carry)
	ommers = append(ommers, f.ommers[i:]...)
	f.ommers = ommers
	f.position++
	f.leaf = leaf
}

// root returns the root of the subtree of the given height that contains
// the frontier position, treating leaves to its right as uncommitted.
func (f *NonEmptyFrontier) root(d *Domain, height uint8) common.Hash {
	digest := f.leaf
	p := uint64(f.position)
	i := 0
	for level := uint8(0); level < height; level++ {
		if (p>>level)&1 == 1 {
			digest = d.HashNode(level, f.ommers[i], digest)
			i++
		} else {
			digest = d.HashNode(level, digest, d.EmptyRoot(level))
		}
	}
	return digest
}

// ommerAt returns the left sibling at level. Only valid when bit level of
// the position is set.
func (f *NonEmptyFrontier) ommerAt(level uint8) common.Hash {
	mask := (uint64(1) << level) - 1
	return f.ommers[ommerCount(Position(uint64(f.position)&mask))]
}
