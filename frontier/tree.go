package frontier

import (
	"fmt"
	"slices"
	"sync"

	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/ethereum/go-ethereum/common"
)

// Checkpoint is a rewindable point in the tree history.
type Checkpoint struct {
	ID uint32
	// BridgesLen is the number of prior bridges at checkpoint time.
	BridgesLen int
	// Marked holds positions marked after the checkpoint was taken.
	Marked map[Position]struct{}
	// Forgotten holds marks removed after the checkpoint, with their bridge index.
	Forgotten map[Position]int
}

func newCheckpoint(id uint32, bridgesLen int) *Checkpoint {
	return &Checkpoint{
		ID:         id,
		BridgesLen: bridgesLen,
		Marked:     make(map[Position]struct{}),
		Forgotten:  make(map[Position]int),
	}
}

// BridgeTree is an incremental commitment tree that keeps the frontier,
// the bridges needed to witness marked leaves, and a bounded queue of
// checkpoints. It is safe for concurrent readers; writers must be
// serialized by the owner.
type BridgeTree struct {
	mu sync.RWMutex

	domain         *Domain
	maxCheckpoints int

	priorBridges []*MerkleBridge
	current      *MerkleBridge
	// saved maps a marked position to the index of the prior bridge whose
	// frontier ends at it.
	saved       map[Position]int
	checkpoints []*Checkpoint
}

// NewBridgeTree creates an empty tree for the domain. maxCheckpoints <= 0
// selects DefaultMaxCheckpoints.
func NewBridgeTree(d *Domain, maxCheckpoints int) *BridgeTree {
	if maxCheckpoints <= 0 {
		maxCheckpoints = DefaultMaxCheckpoints
	}
	return &BridgeTree{
		domain:         d,
		maxCheckpoints: maxCheckpoints,
		saved:          make(map[Position]int),
	}
}

// Domain returns the hashing domain of the tree.
func (t *BridgeTree) Domain() *Domain { return t.domain }

// MaxCheckpoints returns the checkpoint queue bound.
func (t *BridgeTree) MaxCheckpoints() int { return t.maxCheckpoints }

// Append adds a leaf and returns its position.
func (t *BridgeTree) Append(commitment common.Hash) (Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		t.current = newBridge(commitment)
		return 0, nil
	}
	if uint64(t.current.frontier.position)+1 >= MaxTreeSize {
		return 0, fmt.Errorf("%s tree at position %d: %w", t.domain.name, t.current.frontier.position, syncerrors.ErrFTreeFull)
	}
	t.current.append(t.domain, commitment)
	return t.current.frontier.position, nil
}

// Mark retains the most recently appended leaf for witnessing.
func (t *BridgeTree) Mark() (Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return 0, syncerrors.ErrFEmptyTree
	}
	pos := t.current.frontier.position
	if _, ok := t.saved[pos]; ok {
		return pos, nil
	}

	t.current.trackCurrentLeaf()
	if n := len(t.priorBridges); n > 0 && t.priorBridges[n-1].frontier.position == pos {
		// A checkpoint already closed a bridge at this leaf.
		t.priorBridges[n-1].trackCurrentLeaf()
		t.saved[pos] = n - 1
	} else {
		t.priorBridges = append(t.priorBridges, t.current)
		t.current = t.current.successor()
		t.saved[pos] = len(t.priorBridges) - 1
	}
	if cp := t.latestCheckpoint(); cp != nil {
		cp.Marked[pos] = struct{}{}
	}
	return pos, nil
}

// RemoveMark stops retaining witness data for pos. It reports whether pos
// was marked.
func (t *BridgeTree) RemoveMark(pos Position) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.saved[pos]
	if !ok {
		return false
	}
	delete(t.saved, pos)
	if cp := t.latestCheckpoint(); cp != nil {
		if _, marked := cp.Marked[pos]; marked {
			delete(cp.Marked, pos)
		} else {
			cp.Forgotten[pos] = idx
		}
	}
	return true
}

// IsMarked reports whether pos is retained for witnessing.
func (t *BridgeTree) IsMarked(pos Position) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.saved[pos]
	return ok
}

// MarkedPositions returns the marked positions in ascending order.
func (t *BridgeTree) MarkedPositions() []Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.markedLocked()
}

func (t *BridgeTree) markedLocked() []Position {
	out := make([]Position, 0, len(t.saved))
	for p := range t.saved {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Checkpoint records a rewind point. IDs must strictly increase; a
// non-increasing id is ignored and reported as false.
func (t *BridgeTree) Checkpoint(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cp := t.latestCheckpoint(); cp != nil && id <= cp.ID {
		return false
	}
	bridgesLen := 0
	if t.current != nil {
		n := len(t.priorBridges)
		if n == 0 || t.priorBridges[n-1].frontier.position != t.current.frontier.position {
			t.priorBridges = append(t.priorBridges, t.current)
			t.current = t.current.successor()
		}
		bridgesLen = len(t.priorBridges)
	}
	t.checkpoints = append(t.checkpoints, newCheckpoint(id, bridgesLen))
	if len(t.checkpoints) > t.maxCheckpoints {
		t.checkpoints[0] = nil
		t.checkpoints = t.checkpoints[1:]
		t.compact()
	}
	return true
}

// Rewind restores the tree to the state recorded by checkpoint id. Later
// checkpoints are discarded; the target checkpoint is kept so the tree can
// be rewound to it again.
func (t *BridgeTree) Rewind(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := slices.IndexFunc(t.checkpoints, func(c *Checkpoint) bool { return c.ID == id })
	if i < 0 {
		return fmt.Errorf("%s tree checkpoint %d: %w", t.domain.name, id, syncerrors.ErrFUnknownCheckpoint)
	}
	for j := len(t.checkpoints) - 1; j >= i; j-- {
		cp := t.checkpoints[j]
		for pos := range cp.Marked {
			delete(t.saved, pos)
		}
		for pos, idx := range cp.Forgotten {
			t.saved[pos] = idx
		}
	}
	target := t.checkpoints[i]
	target.Marked = make(map[Position]struct{})
	target.Forgotten = make(map[Position]int)
	for j := i + 1; j < len(t.checkpoints); j++ {
		t.checkpoints[j] = nil
	}
	t.checkpoints = t.checkpoints[:i+1]

	for pos, idx := range t.saved {
		if idx >= target.BridgesLen {
			delete(t.saved, pos)
		}
	}
	for j := target.BridgesLen; j < len(t.priorBridges); j++ {
		t.priorBridges[j] = nil
	}
	t.priorBridges = t.priorBridges[:target.BridgesLen]
	if target.BridgesLen == 0 {
		t.current = nil
	} else {
		t.current = t.priorBridges[target.BridgesLen-1].successor()
	}
	return nil
}

// LatestCheckpoint returns the id of the newest checkpoint.
func (t *BridgeTree) LatestCheckpoint() (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cp := t.latestCheckpoint(); cp != nil {
		return cp.ID, true
	}
	return 0, false
}

// CheckpointIDs returns the retained checkpoint ids, oldest first.
func (t *BridgeTree) CheckpointIDs() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]uint32, len(t.checkpoints))
	for i, cp := range t.checkpoints {
		ids[i] = cp.ID
	}
	return ids
}

// HasCheckpoint reports whether checkpoint id is retained.
func (t *BridgeTree) HasCheckpoint(id uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.ContainsFunc(t.checkpoints, func(c *Checkpoint) bool { return c.ID == id })
}

// Root returns the current root. An empty tree has the empty root of full
// depth.
func (t *BridgeTree) Root() common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootLocked()
}

func (t *BridgeTree) rootLocked() common.Hash {
	if t.current == nil {
		return t.domain.EmptyRoot(MerkleTreeDepth)
	}
	return t.current.frontier.root(t.domain, MerkleTreeDepth)
}

// Size returns the number of appended leaves.
func (t *BridgeTree) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return 0
	}
	return uint64(t.current.frontier.position) + 1
}

// Position returns the position of the last appended leaf, or false for
// an empty tree.
func (t *BridgeTree) Position() (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return 0, false
	}
	return t.current.frontier.position, true
}

// Frontier returns a copy of the current frontier, or nil for an empty tree.
func (t *BridgeTree) Frontier() *NonEmptyFrontier {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return nil
	}
	f := t.current.frontier.clone()
	return &f
}

func (t *BridgeTree) latestCheckpoint() *Checkpoint {
	if len(t.checkpoints) == 0 {
		return nil
	}
	return t.checkpoints[len(t.checkpoints)-1]
}

// compact fuses prior bridges whose frontier nothing refers to any more:
// not a marked leaf, not a checkpoint boundary, not the last prior bridge.
func (t *BridgeTree) compact() {
	n := len(t.priorBridges)
	if n < 2 {
		return
	}
	keep := make([]bool, n)
	keep[n-1] = true
	for _, idx := range t.saved {
		keep[idx] = true
	}
	for _, cp := range t.checkpoints {
		if cp.BridgesLen > 0 {
			keep[cp.BridgesLen-1] = true
		}
		for _, idx := range cp.Forgotten {
			keep[idx] = true
		}
	}

	remap := make([]int, n)
	fused := make([]*MerkleBridge, 0, n)
	var acc *MerkleBridge
	for i, b := range t.priorBridges {
		if acc == nil {
			acc = b
		} else {
			acc = fuse(acc, b)
		}
		if keep[i] {
			fused = append(fused, acc)
			acc = nil
		}
		remap[i] = len(fused) - 1
	}
	if len(fused) == n {
		return
	}
	t.priorBridges = fused
	for pos, idx := range t.saved {
		t.saved[pos] = remap[idx]
	}
	for _, cp := range t.checkpoints {
		if cp.BridgesLen > 0 {
			cp.BridgesLen = remap[cp.BridgesLen-1] + 1
		}
		for pos, idx := range cp.Forgotten {
			cp.Forgotten[pos] = remap[idx]
		}
	}
}
