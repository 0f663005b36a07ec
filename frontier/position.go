package frontier

import (
	"fmt"
	"math/bits"
)

// Position is the index of a leaf in the tree.
type Position uint64

// Address names a subtree by its height and its index among subtrees of
// that height.
type Address struct {
	Level uint8
	Index uint64
}

func (a Address) String() string {
	return fmt.Sprintf("%d/%d", a.Level, a.Index)
}

// FirstPosition is the leftmost leaf covered by the subtree.
func (a Address) FirstPosition() Position {
	return Position(a.Index << a.Level)
}

// LastPosition is the rightmost leaf covered by the subtree.
func (a Address) LastPosition() Position {
	return Position(((a.Index + 1) << a.Level) - 1)
}

func (a Address) parent() Address {
	return Address{Level: a.Level + 1, Index: a.Index >> 1}
}

func (a Address) less(b Address) bool {
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	return a.Index < b.Index
}

// firstRightSibling returns the lowest right-hand sibling on the path from
// the leaf at p to the root. ok is false when the leaf is the rightmost leaf
// of the whole tree.
func firstRightSibling(p Position) (Address, bool) {
	z := bits.TrailingZeros64(^uint64(p))
	if z >= MerkleTreeDepth {
		return Address{}, false
	}
	return Address{Level: uint8(z), Index: (uint64(p) >> z) + 1}, true
}

// nextRightSibling returns the right-hand sibling needed above a completed
// right sibling a, walking up past every level where the path is already
// a right child.
func nextRightSibling(a Address) (Address, bool) {
	n := a.parent()
	for n.Level < MerkleTreeDepth && n.Index&1 == 1 {
		n = n.parent()
	}
	if n.Level >= MerkleTreeDepth {
		return Address{}, false
	}
	return Address{Level: n.Level, Index: n.Index + 1}, true
}

// ommerCount is the number of left siblings a frontier at p carries.
func ommerCount(p Position) int {
	return bits.OnesCount64(uint64(p))
}
