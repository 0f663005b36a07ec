package frontier

import (
	"fmt"

	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/ethereum/go-ethereum/common"
)

// MerklePath is the authentication path of a leaf: one sibling per level,
// leaf level first.
type MerklePath struct {
	Position Position
	AuthPath []common.Hash
}

// Root recomputes the tree root from the leaf and the path.
func (p *MerklePath) Root(d *Domain, leaf common.Hash) common.Hash {
	digest := leaf
	for level, sibling := range p.AuthPath {
		if (uint64(p.Position)>>level)&1 == 1 {
			digest = d.HashNode(uint8(level), sibling, digest)
		} else {
			digest = d.HashNode(uint8(level), digest, sibling)
		}
	}
	return digest
}

// Witness returns the authentication path of a marked leaf against the
// current root. Unmarked positions return ErrFNotMarked.
func (t *BridgeTree) Witness(pos Position) (*MerklePath, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.saved[pos]
	if !ok {
		return nil, fmt.Errorf("%s position %d: %w", t.domain.name, pos, syncerrors.ErrFNotMarked)
	}
	marked := &t.priorBridges[idx].frontier
	tip := &t.current.frontier

	path := make([]common.Hash, MerkleTreeDepth)
	for l := 0; l < MerkleTreeDepth; l++ {
		level := uint8(l)
		if (uint64(pos)>>level)&1 == 1 {
			path[l] = marked.ommerAt(level)
			continue
		}
		sibling := Address{Level: level, Index: (uint64(pos) >> level) + 1}
		switch {
		case sibling.FirstPosition() > tip.position:
			path[l] = t.domain.EmptyRoot(level)
		case sibling.LastPosition() >= tip.position:
			// The tip is inside the sibling subtree.
			path[l] = tip.root(t.domain, level)
		default:
			h, found := t.findOmmer(idx, sibling)
			if !found {
				return nil, fmt.Errorf("%s position %d: missing sibling %s: %w", t.domain.name, pos, sibling, syncerrors.ErrFMalformed)
			}
			path[l] = h
		}
	}
	return &MerklePath{Position: pos, AuthPath: path}, nil
}

// findOmmer searches the bridges after the marked bridge for a completed
// subtree root.
func (t *BridgeTree) findOmmer(markedIdx int, a Address) (common.Hash, bool) {
	for i := markedIdx + 1; i < len(t.priorBridges); i++ {
		if h, ok := t.priorBridges[i].ommers[a]; ok {
			return h, true
		}
	}
	h, ok := t.current.ommers[a]
	return h, ok
}
