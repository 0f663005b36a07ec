package frontier

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/ethereum/go-ethereum/common"
)

// FromTreeStateHex builds a tree whose frontier matches a lightwalletd
// TreeState field. The frontier encoding (optional leaf, u64 LE position,
// leaf, compact-size ommer vector) is tried first, then the older
// commitment tree encoding (optional left, optional right, compact-size
// vector of optional parents). An empty string is an empty tree.
func FromTreeStateHex(d *Domain, hexStr string, maxCheckpoints int) (*BridgeTree, error) {
	hexStr = strings.TrimSpace(hexStr)
	t := NewBridgeTree(d, maxCheckpoints)
	if hexStr == "" {
		return t, nil
	}
	raw := common.FromHex(hexStr)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s tree state: invalid hex: %w", d.name, syncerrors.ErrFMalformed)
	}

	f, err := readFrontierV1(raw)
	if err != nil {
		var errV0 error
		if f, errV0 = readCommitmentTreeV0(d, raw); errV0 != nil {
			return nil, fmt.Errorf("%s tree state: %v; legacy tree: %w", d.name, err, errV0)
		}
	}
	if f != nil {
		t.current = &MerkleBridge{
			tracking: make(map[Address]struct{}),
			ommers:   make(map[Address]common.Hash),
			frontier: *f,
		}
	}
	return t, nil
}

func (r *reader) compactSize() uint64 {
	switch tag := r.u8(); tag {
	case 0xfd:
		v := r.take(2)
		if v == nil {
			return 0
		}
		return uint64(v[0]) | uint64(v[1])<<8
	case 0xfe:
		return uint64(r.u32())
	case 0xff:
		return r.u64()
	default:
		return uint64(tag)
	}
}

func (r *reader) optionalHash() (common.Hash, bool) {
	if !r.flag() {
		return common.Hash{}, false
	}
	return r.hash(), true
}

func readFrontierV1(b []byte) (*NonEmptyFrontier, error) {
	r := &reader{b: b}
	if !r.flag() {
		if r.err == nil && r.remaining() != 0 {
			r.fail("%d trailing bytes", r.remaining())
		}
		return nil, r.err
	}
	pos := r.u64()
	leaf := r.hash()
	n := r.compactSize()
	if r.err == nil && pos >= MaxTreeSize {
		r.fail("position %d beyond tree", pos)
	}
	if r.err == nil && n != uint64(ommerCount(Position(pos))) {
		r.fail("position %d needs %d ommers, got %d", pos, ommerCount(Position(pos)), n)
	}
	if r.err != nil {
		return nil, r.err
	}
	f := &NonEmptyFrontier{position: Position(pos), leaf: leaf, ommers: make([]common.Hash, n)}
	for i := range f.ommers {
		f.ommers[i] = r.hash()
	}
	if r.err == nil && r.remaining() != 0 {
		r.fail("%d trailing bytes", r.remaining())
	}
	if r.err != nil {
		return nil, r.err
	}
	return f, nil
}

// readCommitmentTreeV0 converts the older left/right/parents tree
// encoding. parents[i] is the completed left subtree at level i+1.
func readCommitmentTreeV0(d *Domain, b []byte) (*NonEmptyFrontier, error) {
	r := &reader{b: b}
	left, hasLeft := r.optionalHash()
	right, hasRight := r.optionalHash()
	n := r.compactSize()
	if r.err == nil && n >= MerkleTreeDepth {
		r.fail("%d parents", n)
	}
	var parents []*common.Hash
	for i := uint64(0); i < n && r.err == nil; i++ {
		if h, ok := r.optionalHash(); ok {
			parents = append(parents, &h)
		} else {
			parents = append(parents, nil)
		}
	}
	if r.err == nil && r.remaining() != 0 {
		r.fail("%d trailing bytes", r.remaining())
	}
	if r.err == nil && hasRight && !hasLeft {
		r.fail("right leaf without left leaf")
	}
	if r.err != nil {
		return nil, r.err
	}
	if !hasLeft {
		for _, p := range parents {
			if p != nil {
				return nil, fmt.Errorf("parents without leaves: %w", syncerrors.ErrFMalformed)
			}
		}
		return nil, nil
	}

	var size uint64 = 1
	f := &NonEmptyFrontier{leaf: left}
	if hasRight {
		size = 2
		f.leaf = right
		f.ommers = append(f.ommers, left)
	}
	for i, p := range parents {
		if p != nil {
			size += uint64(1) << (i + 1)
			f.ommers = append(f.ommers, *p)
		}
	}
	f.position = Position(size - 1)
	if ommerCount(f.position) != len(f.ommers) {
		return nil, fmt.Errorf("inconsistent legacy tree: %w", syncerrors.ErrFMalformed)
	}
	_ = d
	return f, nil
}
