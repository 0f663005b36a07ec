package frontier

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/ethereum/go-ethereum/common"
)

const (
	// formatVersion follows the 4-byte magic in the versioned format.
	formatVersion byte = 1

	// legacyVersion is the leading byte of the pre-magic frontier-only format.
	legacyVersion byte = 1
)

// Serialize encodes the full tree state:
//
//	magic[4] version[1] max_checkpoints[u32]
//	prior_count[u32] bridge*
//	has_current[1] bridge?
//	saved_count[u32] (position[u64] bridge_index[u64])*
//	checkpoint_count[u32] checkpoint*
//
// All integers are little endian. Map entries are written in key order so
// equal trees produce equal bytes.
func (t *BridgeTree) Serialize() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b := make([]byte, 0, 256)
	b = append(b, t.domain.magic[:]...)
	b = append(b, formatVersion)
	b = binary.LittleEndian.AppendUint32(b, uint32(t.maxCheckpoints))

	b = binary.LittleEndian.AppendUint32(b, uint32(len(t.priorBridges)))
	for _, br := range t.priorBridges {
		b = appendBridge(b, br)
	}
	if t.current != nil {
		b = append(b, 1)
		b = appendBridge(b, t.current)
	} else {
		b = append(b, 0)
	}

	positions := make([]Position, 0, len(t.saved))
	for p := range t.saved {
		positions = append(positions, p)
	}
	slices.Sort(positions)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(positions)))
	for _, p := range positions {
		b = binary.LittleEndian.AppendUint64(b, uint64(p))
		b = binary.LittleEndian.AppendUint64(b, uint64(t.saved[p]))
	}

	b = binary.LittleEndian.AppendUint32(b, uint32(len(t.checkpoints)))
	for _, cp := range t.checkpoints {
		b = appendCheckpoint(b, cp)
	}
	return b
}

func appendFrontier(b []byte, f *NonEmptyFrontier) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(f.position))
	b = append(b, f.leaf[:]...)
	b = append(b, byte(len(f.ommers)))
	for _, o := range f.ommers {
		b = append(b, o[:]...)
	}
	return b
}

func appendBridge(b []byte, br *MerkleBridge) []byte {
	if br.hasPrior {
		b = append(b, 1)
		b = binary.LittleEndian.AppendUint64(b, uint64(br.priorPosition))
	} else {
		b = append(b, 0)
	}
	tracking := sortedAddresses(br.tracking)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(tracking)))
	for _, a := range tracking {
		b = append(b, a.Level)
		b = binary.LittleEndian.AppendUint64(b, a.Index)
	}
	ommers := sortedAddresses(br.ommers)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(ommers)))
	for _, a := range ommers {
		h := br.ommers[a]
		b = append(b, a.Level)
		b = binary.LittleEndian.AppendUint64(b, a.Index)
		b = append(b, h[:]...)
	}
	return appendFrontier(b, &br.frontier)
}

func appendCheckpoint(b []byte, cp *Checkpoint) []byte {
	b = binary.LittleEndian.AppendUint32(b, cp.ID)
	b = binary.LittleEndian.AppendUint64(b, uint64(cp.BridgesLen))

	marked := make([]Position, 0, len(cp.Marked))
	for p := range cp.Marked {
		marked = append(marked, p)
	}
	slices.Sort(marked)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(marked)))
	for _, p := range marked {
		b = binary.LittleEndian.AppendUint64(b, uint64(p))
	}

	forgotten := make([]Position, 0, len(cp.Forgotten))
	for p := range cp.Forgotten {
		forgotten = append(forgotten, p)
	}
	slices.Sort(forgotten)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(forgotten)))
	for _, p := range forgotten {
		b = binary.LittleEndian.AppendUint64(b, uint64(p))
		b = binary.LittleEndian.AppendUint64(b, uint64(cp.Forgotten[p]))
	}
	return b
}

// Deserialize decodes a tree for domain d. The versioned format is selected
// by its magic; a leading legacy version byte selects the frontier-only
// legacy format. Anything else fails closed.
func Deserialize(d *Domain, b []byte) (*BridgeTree, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%s tree: empty input: %w", d.name, syncerrors.ErrFMalformed)
	}
	if owner := DomainForMagic(b); owner != nil {
		if owner != d {
			return nil, fmt.Errorf("%s tree: found %s magic: %w", d.name, owner.name, syncerrors.ErrFMalformed)
		}
		if len(b) < 5 {
			return nil, fmt.Errorf("%s tree: truncated header: %w", d.name, syncerrors.ErrFMalformed)
		}
		if b[3] != d.magic[3] {
			return nil, fmt.Errorf("%s tree: format %q: %w", d.name, b[:4], syncerrors.ErrFUnsupportedVersion)
		}
		if b[4] != formatVersion {
			return nil, fmt.Errorf("%s tree: version %d: %w", d.name, b[4], syncerrors.ErrFUnsupportedVersion)
		}
		return decodeVersioned(d, b[5:])
	}
	if b[0] == legacyVersion {
		return decodeLegacy(d, b[1:])
	}
	return nil, fmt.Errorf("%s tree: leading byte 0x%02x: %w", d.name, b[0], syncerrors.ErrFUnsupportedVersion)
}

// SerializeLegacy writes the frontier-only legacy format:
// version[1] position[u64] has_leaf[1] leaf? ommer_count[u8] ommers.
// Marks and checkpoints are not representable.
func (t *BridgeTree) SerializeLegacy() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b := []byte{legacyVersion}
	if t.current == nil {
		b = binary.LittleEndian.AppendUint64(b, 0)
		b = append(b, 0, 0)
		return b
	}
	f := &t.current.frontier
	b = binary.LittleEndian.AppendUint64(b, uint64(f.position))
	b = append(b, 1)
	b = append(b, f.leaf[:]...)
	b = append(b, byte(len(f.ommers)))
	for _, o := range f.ommers {
		b = append(b, o[:]...)
	}
	return b
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("offset %d: %s: %w", r.off, fmt.Sprintf(format, args...), syncerrors.ErrFMalformed)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.fail("need %d bytes, have %d", n, len(r.b)-r.off)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() byte {
	if v := r.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if v := r.take(4); v != nil {
		return binary.LittleEndian.Uint32(v)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if v := r.take(8); v != nil {
		return binary.LittleEndian.Uint64(v)
	}
	return 0
}

func (r *reader) hash() common.Hash {
	var h common.Hash
	if v := r.take(common.HashLength); v != nil {
		copy(h[:], v)
	}
	return h
}

func (r *reader) flag() bool {
	switch v := r.u8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("flag byte %d", v)
		return false
	}
}

// count reads a u32 element count and checks that the remaining input can
// hold that many elements of at least minSize bytes.
func (r *reader) count(minSize int) int {
	n := r.u32()
	if r.err != nil {
		return 0
	}
	if uint64(n)*uint64(minSize) > uint64(len(r.b)-r.off) {
		r.fail("count %d exceeds input", n)
		return 0
	}
	return int(n)
}

func (r *reader) remaining() int { return len(r.b) - r.off }

func (r *reader) frontier() NonEmptyFrontier {
	var f NonEmptyFrontier
	pos := r.u64()
	f.leaf = r.hash()
	n := int(r.u8())
	if r.err != nil {
		return f
	}
	if pos >= MaxTreeSize {
		r.fail("position %d beyond tree", pos)
		return f
	}
	f.position = Position(pos)
	if n != ommerCount(f.position) {
		r.fail("position %d needs %d ommers, got %d", pos, ommerCount(f.position), n)
		return f
	}
	f.ommers = make([]common.Hash, n)
	for i := range f.ommers {
		f.ommers[i] = r.hash()
	}
	return f
}

func (r *reader) address() Address {
	level := r.u8()
	index := r.u64()
	if r.err == nil && (level > MerkleTreeDepth || index >= (MaxTreeSize>>level)) {
		r.fail("address %d/%d out of range", level, index)
	}
	return Address{Level: level, Index: index}
}

func (r *reader) bridge() *MerkleBridge {
	br := &MerkleBridge{
		tracking: make(map[Address]struct{}),
		ommers:   make(map[Address]common.Hash),
	}
	if r.flag() {
		br.hasPrior = true
		br.priorPosition = Position(r.u64())
	}
	n := r.count(9)
	for i := 0; i < n && r.err == nil; i++ {
		br.tracking[r.address()] = struct{}{}
	}
	n = r.count(9 + common.HashLength)
	for i := 0; i < n && r.err == nil; i++ {
		a := r.address()
		br.ommers[a] = r.hash()
	}
	br.frontier = r.frontier()
	if r.err == nil && br.hasPrior && br.priorPosition > br.frontier.position {
		r.fail("bridge prior %d after tip %d", br.priorPosition, br.frontier.position)
	}
	return br
}

func decodeVersioned(d *Domain, b []byte) (*BridgeTree, error) {
	r := &reader{b: b}
	maxCheckpoints := int(r.u32())
	if r.err == nil && maxCheckpoints == 0 {
		r.fail("max checkpoints is zero")
	}

	t := NewBridgeTree(d, maxCheckpoints)
	n := r.count(1 + 4 + 4 + 8 + common.HashLength + 1)
	t.priorBridges = make([]*MerkleBridge, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		t.priorBridges = append(t.priorBridges, r.bridge())
	}
	if r.flag() {
		t.current = r.bridge()
	}

	n = r.count(16)
	for i := 0; i < n && r.err == nil; i++ {
		pos := Position(r.u64())
		idx := r.u64()
		if r.err == nil && idx >= uint64(len(t.priorBridges)) {
			r.fail("mark %d refers to bridge %d of %d", pos, idx, len(t.priorBridges))
		}
		if r.err == nil && t.priorBridges[idx].frontier.position != pos {
			r.fail("mark %d refers to bridge ending at %d", pos, t.priorBridges[idx].frontier.position)
		}
		t.saved[pos] = int(idx)
	}

	n = r.count(4 + 8 + 4 + 4)
	for i := 0; i < n && r.err == nil; i++ {
		cp := newCheckpoint(r.u32(), 0)
		bridgesLen := r.u64()
		if r.err == nil && bridgesLen > uint64(len(t.priorBridges)) {
			r.fail("checkpoint %d spans %d of %d bridges", cp.ID, bridgesLen, len(t.priorBridges))
		}
		if prev := t.latestCheckpoint(); r.err == nil && prev != nil && cp.ID <= prev.ID {
			r.fail("checkpoint %d not after %d", cp.ID, prev.ID)
		}
		cp.BridgesLen = int(bridgesLen)
		m := r.count(8)
		for j := 0; j < m && r.err == nil; j++ {
			cp.Marked[Position(r.u64())] = struct{}{}
		}
		m = r.count(16)
		for j := 0; j < m && r.err == nil; j++ {
			pos := Position(r.u64())
			idx := r.u64()
			if r.err == nil && idx >= uint64(len(t.priorBridges)) {
				r.fail("forgotten mark %d refers to bridge %d", pos, idx)
			}
			cp.Forgotten[pos] = int(idx)
		}
		t.checkpoints = append(t.checkpoints, cp)
	}

	if r.err == nil && r.remaining() != 0 {
		r.fail("%d trailing bytes", r.remaining())
	}
	if r.err == nil && len(t.priorBridges) > 0 && t.current == nil {
		r.fail("prior bridges without a current bridge")
	}
	if r.err != nil {
		return nil, fmt.Errorf("%s tree: %w", d.name, r.err)
	}
	return t, nil
}

func decodeLegacy(d *Domain, b []byte) (*BridgeTree, error) {
	r := &reader{b: b}
	pos := r.u64()
	hasLeaf := r.flag()
	t := NewBridgeTree(d, DefaultMaxCheckpoints)
	if hasLeaf {
		leaf := r.hash()
		n := int(r.u8())
		if r.err == nil && pos >= MaxTreeSize {
			r.fail("position %d beyond tree", pos)
		}
		if r.err == nil && n != ommerCount(Position(pos)) {
			r.fail("position %d needs %d ommers, got %d", pos, ommerCount(Position(pos)), n)
		}
		ommers := make([]common.Hash, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			ommers = append(ommers, r.hash())
		}
		if r.err == nil {
			t.current = newBridge(leaf)
			t.current.frontier.position = Position(pos)
			t.current.frontier.ommers = ommers
		}
	} else {
		n := r.u8()
		if r.err == nil && (pos != 0 || n != 0) {
			r.fail("empty legacy frontier with position %d and %d ommers", pos, n)
		}
	}
	if r.err == nil && r.remaining() != 0 {
		r.fail("%d trailing bytes", r.remaining())
	}
	if r.err != nil {
		return nil, fmt.Errorf("%s legacy frontier: %w", d.name, r.err)
	}
	return t, nil
}
