package frontier

import (
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

// MerkleBridge covers the span of leaves appended between two points of
// interest (a marked leaf or a checkpoint). It records the frontier at its
// end and the roots of the subtrees that completed while it was current and
// that some marked leaf needs as a right-hand sibling.
type MerkleBridge struct {
	priorPosition Position
	hasPrior      bool

	// tracking holds the next right sibling address each marked leaf is
	// waiting on.
	tracking map[Address]struct{}
	ommers   map[Address]common.Hash
	frontier NonEmptyFrontier
}

func newBridge(leaf common.Hash) *MerkleBridge {
	return &MerkleBridge{
		tracking: make(map[Address]struct{}),
		ommers:   make(map[Address]common.Hash),
		frontier: newFrontier(leaf),
	}
}

// Frontier returns the frontier at the end of the bridge.
func (b *MerkleBridge) Frontier() *NonEmptyFrontier { return &b.frontier }

// PriorPosition returns the tip of the previous bridge, if any.
func (b *MerkleBridge) PriorPosition() (Position, bool) { return b.priorPosition, b.hasPrior }

// successor starts a new bridge at the tip of b. Tracking carries over,
// ommers do not.
func (b *MerkleBridge) successor() *MerkleBridge {
	next := &MerkleBridge{
		priorPosition: b.frontier.position,
		hasPrior:      true,
		tracking:      make(map[Address]struct{}, len(b.tracking)),
		ommers:        make(map[Address]common.Hash),
		frontier:      b.frontier.clone(),
	}
	for a := range b.tracking {
		next.tracking[a] = struct{}{}
	}
	return next
}

// trackCurrentLeaf starts collecting right siblings for the tip leaf.
func (b *MerkleBridge) trackCurrentLeaf() {
	if a, ok := firstRightSibling(b.frontier.position); ok {
		b.tracking[a] = struct{}{}
	}
}

func (b *MerkleBridge) append(d *Domain, leaf common.Hash) {
	b.frontier.append(d, leaf)

	var completed []Address
	for a := range b.tracking {
		if a.LastPosition() == b.frontier.position {
			completed = append(completed, a)
		}
	}
	for _, a := range completed {
		b.ommers[a] = b.frontier.root(d, a.Level)
		delete(b.tracking, a)
		if next, ok := nextRightSibling(a); ok {
			b.tracking[next] = struct{}{}
		}
	}
}

// fuse merges b, which directly follows a, into a single bridge spanning
// both. The result keeps b's frontier.
func fuse(a, b *MerkleBridge) *MerkleBridge {
	out := &MerkleBridge{
		priorPosition: a.priorPosition,
		hasPrior:      a.hasPrior,
		tracking:      make(map[Address]struct{}, len(b.tracking)),
		ommers:        make(map[Address]common.Hash, len(a.ommers)+len(b.ommers)),
		frontier:      b.frontier.clone(),
	}
	for addr := range b.tracking {
		out.tracking[addr] = struct{}{}
	}
	for addr, h := range a.ommers {
		out.ommers[addr] = h
	}
	for addr, h := range b.ommers {
		out.ommers[addr] = h
	}
	return out
}

func sortedAddresses[V any](m map[Address]V) []Address {
	out := make([]Address, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	slices.SortFunc(out, func(x, y Address) int {
		switch {
		case x.less(y):
			return -1
		case y.less(x):
			return 1
		}
		return 0
	})
	return out
}
