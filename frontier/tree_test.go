package frontier

import (
	"encoding/binary"
	"testing"

	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
	"pgregory.net/rapid"
)

func testLeaf(i uint64) common.Hash {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], i)
	return common.Hash(blake2b.Sum256(b[:]))
}

// denseRoot computes the root of the subtree at (level, index) directly
// from the leaf list.
func denseRoot(d *Domain, leaves []common.Hash, level uint8, index uint64) common.Hash {
	first := index << level
	if first >= uint64(len(leaves)) {
		return d.EmptyRoot(level)
	}
	if level == 0 {
		return leaves[index]
	}
	l := denseRoot(d, leaves, level-1, 2*index)
	r := denseRoot(d, leaves, level-1, 2*index+1)
	return d.HashNode(level-1, l, r)
}

func buildTree(t require.TestingT, d *Domain, n uint64) (*BridgeTree, []common.Hash) {
	tree := NewBridgeTree(d, 0)
	leaves := make([]common.Hash, 0, n)
	for i := uint64(0); i < n; i++ {
		leaf := testLeaf(i)
		pos, err := tree.Append(leaf)
		require.NoError(t, err)
		require.Equal(t, Position(i), pos)
		leaves = append(leaves, leaf)
	}
	return tree, leaves
}

func TestEmptyTree(t *testing.T) {
	for _, d := range []*Domain{Sapling, Orchard} {
		tree := NewBridgeTree(d, 0)
		assert.Equal(t, d.EmptyRoot(MerkleTreeDepth), tree.Root())
		assert.Equal(t, uint64(0), tree.Size())
		_, ok := tree.Position()
		assert.False(t, ok)
		assert.Nil(t, tree.Frontier())

		_, err := tree.Mark()
		assert.ErrorIs(t, err, syncerrors.ErrFEmptyTree)
		_, err = tree.Witness(0)
		assert.ErrorIs(t, err, syncerrors.ErrFNotMarked)
	}
	assert.NotEqual(t, Sapling.EmptyRoot(MerkleTreeDepth), Orchard.EmptyRoot(MerkleTreeDepth))
	assert.Equal(t, Sapling.UncommittedLeaf(), Sapling.EmptyRoot(0))
}

func TestAppendAssignsSequentialPositions(t *testing.T) {
	tree, leaves := buildTree(t, Sapling, 37)
	assert.Equal(t, uint64(37), tree.Size())
	pos, ok := tree.Position()
	require.True(t, ok)
	assert.Equal(t, Position(36), pos)
	assert.Equal(t, denseRoot(Sapling, leaves, MerkleTreeDepth, 0), tree.Root())

	f := tree.Frontier()
	require.NotNil(t, f)
	assert.Equal(t, leaves[36], f.Leaf())
	assert.Len(t, f.Ommers(), ommerCount(36))
}

func TestRootMatchesDenseTree(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Uint64Range(1, 300).Draw(t, "n").(uint64)
		tree, leaves := buildTree(t, Orchard, n)
		require.Equal(t, denseRoot(Orchard, leaves, MerkleTreeDepth, 0), tree.Root())
	})
}

func TestWitnessSimple(t *testing.T) {
	tree := NewBridgeTree(Sapling, 0)
	var leaves []common.Hash
	for i := uint64(0); i < 20; i++ {
		leaves = append(leaves, testLeaf(i))
		_, err := tree.Append(leaves[i])
		require.NoError(t, err)
		if i == 3 || i == 11 {
			pos, err := tree.Mark()
			require.NoError(t, err)
			require.Equal(t, Position(i), pos)
		}
	}
	assert.Equal(t, []Position{3, 11}, tree.MarkedPositions())
	for _, p := range []Position{3, 11} {
		path, err := tree.Witness(p)
		require.NoError(t, err)
		require.Len(t, path.AuthPath, MerkleTreeDepth)
		assert.Equal(t, tree.Root(), path.Root(Sapling, leaves[p]))
	}
	_, err := tree.Witness(4)
	assert.ErrorIs(t, err, syncerrors.ErrFNotMarked)
}

// Random appends, marks, mark removals and checkpoints; every retained
// witness must verify against the dense root.
func TestWitnessProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxCheckpoints := rapid.IntRange(1, 4).Draw(t, "maxCheckpoints").(int)
		d := Sapling
		if rapid.Bool().Draw(t, "orchard").(bool) {
			d = Orchard
		}
		tree := NewBridgeTree(d, maxCheckpoints)
		var leaves []common.Hash
		marked := map[Position]bool{}
		nextID := uint32(1)

		steps := rapid.IntRange(1, 120).Draw(t, "steps").(int)
		for s := 0; s < steps; s++ {
			switch rapid.IntRange(0, 9).Draw(t, "op").(int) {
			case 0, 1:
				if len(leaves) == 0 {
					continue
				}
				pos, err := tree.Mark()
				require.NoError(t, err)
				require.Equal(t, Position(len(leaves)-1), pos)
				marked[pos] = true
			case 2:
				require.True(t, tree.Checkpoint(nextID))
				nextID++
			case 3:
				for p := range marked {
					require.True(t, tree.RemoveMark(p))
					delete(marked, p)
					break
				}
			default:
				leaf := testLeaf(uint64(len(leaves)))
				_, err := tree.Append(leaf)
				require.NoError(t, err)
				leaves = append(leaves, leaf)
			}
		}

		require.Equal(t, denseRoot(d, leaves, MerkleTreeDepth, 0), tree.Root())
		require.Len(t, tree.MarkedPositions(), len(marked))
		for p := range marked {
			path, err := tree.Witness(p)
			require.NoError(t, err)
			require.Equal(t, tree.Root(), path.Root(d, leaves[p]), "witness of %d", p)
		}
		require.LessOrEqual(t, len(tree.CheckpointIDs()), maxCheckpoints)
	})
}

func TestCheckpointIDsMustIncrease(t *testing.T) {
	tree, _ := buildTree(t, Sapling, 4)
	require.True(t, tree.Checkpoint(10))
	assert.False(t, tree.Checkpoint(10))
	assert.False(t, tree.Checkpoint(9))
	assert.True(t, tree.Checkpoint(11))
	id, ok := tree.LatestCheckpoint()
	require.True(t, ok)
	assert.Equal(t, uint32(11), id)
}

func TestRewindRestoresState(t *testing.T) {
	tree, leaves := buildTree(t, Orchard, 10)
	_, err := tree.Mark()
	require.NoError(t, err)
	require.True(t, tree.Checkpoint(1))
	rootAt1 := tree.Root()

	for i := uint64(10); i < 25; i++ {
		_, err := tree.Append(testLeaf(i))
		require.NoError(t, err)
		if i == 15 {
			_, err := tree.Mark()
			require.NoError(t, err)
		}
	}
	require.True(t, tree.RemoveMark(9))
	require.True(t, tree.Checkpoint(2))
	_, err = tree.Append(testLeaf(25))
	require.NoError(t, err)

	require.NoError(t, tree.Rewind(1))
	assert.Equal(t, rootAt1, tree.Root())
	assert.Equal(t, uint64(10), tree.Size())
	assert.Equal(t, []Position{9}, tree.MarkedPositions())
	assert.Equal(t, []uint32{1}, tree.CheckpointIDs())

	// The target checkpoint is kept.
	require.NoError(t, tree.Rewind(1))
	assert.ErrorIs(t, tree.Rewind(2), syncerrors.ErrFUnknownCheckpoint)

	// Growing again keeps the old mark witnessable.
	for i := uint64(10); i < 30; i++ {
		leaf := testLeaf(i + 1000)
		_, err := tree.Append(leaf)
		require.NoError(t, err)
		leaves = append(leaves[:i], leaf)
	}
	path, err := tree.Witness(9)
	require.NoError(t, err)
	assert.Equal(t, denseRoot(Orchard, leaves, MerkleTreeDepth, 0), tree.Root())
	assert.Equal(t, tree.Root(), path.Root(Orchard, leaves[9]))
}

func TestRewindToEmptyCheckpoint(t *testing.T) {
	tree := NewBridgeTree(Sapling, 0)
	require.True(t, tree.Checkpoint(1))
	buildInto(t, tree, 0, 5)
	_, err := tree.Mark()
	require.NoError(t, err)

	require.NoError(t, tree.Rewind(1))
	assert.Equal(t, uint64(0), tree.Size())
	assert.Empty(t, tree.MarkedPositions())
	assert.Equal(t, Sapling.EmptyRoot(MerkleTreeDepth), tree.Root())
}

func buildInto(t require.TestingT, tree *BridgeTree, from, to uint64) []common.Hash {
	var out []common.Hash
	for i := from; i < to; i++ {
		leaf := testLeaf(i)
		_, err := tree.Append(leaf)
		require.NoError(t, err)
		out = append(out, leaf)
	}
	return out
}

func TestCheckpointEvictionCompacts(t *testing.T) {
	tree := NewBridgeTree(Sapling, 3)
	var leaves []common.Hash
	for id := uint32(1); id <= 8; id++ {
		more := buildInto(t, tree, uint64(len(leaves)), uint64(len(leaves))+7)
		leaves = append(leaves, more...)
		if id%3 == 0 {
			_, err := tree.Mark()
			require.NoError(t, err)
		}
		require.True(t, tree.Checkpoint(id))
	}
	assert.Equal(t, []uint32{6, 7, 8}, tree.CheckpointIDs())
	assert.False(t, tree.HasCheckpoint(5))
	assert.ErrorIs(t, tree.Rewind(5), syncerrors.ErrFUnknownCheckpoint)

	// Bridges between evicted checkpoints were fused.
	assert.Less(t, len(tree.priorBridges), 8)

	more := buildInto(t, tree, uint64(len(leaves)), uint64(len(leaves))+9)
	leaves = append(leaves, more...)
	for _, p := range tree.MarkedPositions() {
		path, err := tree.Witness(p)
		require.NoError(t, err)
		assert.Equal(t, tree.Root(), path.Root(Sapling, leaves[p]))
	}
	require.NoError(t, tree.Rewind(6))
	assert.Equal(t, uint64(6*7), tree.Size())
}

func TestTreeFull(t *testing.T) {
	tree := NewBridgeTree(Sapling, 0)
	_, err := tree.Append(testLeaf(0))
	require.NoError(t, err)
	// Jump the frontier to the last position without appending 2^32 leaves.
	tree.current.frontier.position = Position(MaxTreeSize - 1)
	tree.current.frontier.ommers = make([]common.Hash, MerkleTreeDepth)
	_, err = tree.Append(testLeaf(1))
	assert.ErrorIs(t, err, syncerrors.ErrFTreeFull)
}

func TestDump(t *testing.T) {
	tree, _ := buildTree(t, Sapling, 6)
	_, err := tree.Mark()
	require.NoError(t, err)
	require.True(t, tree.Checkpoint(1))
	out := tree.Dump()
	assert.Contains(t, out, "sapling tree size=6")
	assert.Contains(t, out, "pos=5")
	assert.Contains(t, out, "id=1")
}
