package frontier

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/lightsync/syncerrors"
)

var snapshotMagic = [4]byte{'P', 'F', 'S', '1'}

const snapshotVersion byte = 1

// EncodeSnapshot packs the serialized Sapling and Orchard trees into one
// blob: magic "PFS1", version, then each tree as u32 LE length + bytes.
func EncodeSnapshot(sapling, orchard []byte) []byte {
	b := make([]byte, 0, 4+1+8+len(sapling)+len(orchard))
	b = append(b, snapshotMagic[:]...)
	b = append(b, snapshotVersion)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(sapling)))
	b = append(b, sapling...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(orchard)))
	b = append(b, orchard...)
	return b
}

// DecodeSnapshot splits a snapshot blob into the two serialized trees.
func DecodeSnapshot(b []byte) (sapling, orchard []byte, err error) {
	if len(b) < 5 || [4]byte(b[:4]) != snapshotMagic {
		return nil, nil, fmt.Errorf("frontier snapshot: bad magic: %w", syncerrors.ErrFMalformed)
	}
	if b[4] != snapshotVersion {
		return nil, nil, fmt.Errorf("frontier snapshot: version %d: %w", b[4], syncerrors.ErrFUnsupportedVersion)
	}
	r := &reader{b: b, off: 5}
	sapling = r.take(int(r.u32()))
	orchard = r.take(int(r.u32()))
	if r.err == nil && r.remaining() != 0 {
		r.fail("%d trailing bytes", r.remaining())
	}
	if r.err != nil {
		return nil, nil, fmt.Errorf("frontier snapshot: %w", r.err)
	}
	return sapling, orchard, nil
}

// SnapshotTrees serializes both trees into one snapshot blob.
func SnapshotTrees(sapling, orchard *BridgeTree) []byte {
	return EncodeSnapshot(sapling.Serialize(), orchard.Serialize())
}

// RestoreTrees rebuilds both trees from a snapshot blob. An empty Orchard
// section yields an empty Orchard tree.
func RestoreTrees(b []byte, maxCheckpoints int) (*BridgeTree, *BridgeTree, error) {
	saplingBytes, orchardBytes, err := DecodeSnapshot(b)
	if err != nil {
		return nil, nil, err
	}
	sapling, err := Deserialize(Sapling, saplingBytes)
	if err != nil {
		return nil, nil, err
	}
	orchard := NewBridgeTree(Orchard, maxCheckpoints)
	if len(orchardBytes) > 0 {
		if orchard, err = Deserialize(Orchard, orchardBytes); err != nil {
			return nil, nil, err
		}
	}
	return sapling, orchard, nil
}
