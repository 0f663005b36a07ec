package decrypt

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/colorfulnotion/lightsync/types"
	"github.com/ethereum/go-ethereum/common"
)

// Note plaintext lead bytes. Sapling accepts both; Orchard only the second.
const (
	leadByteV1 byte = 0x01
	leadByteV2 byte = 0x02
)

// notePlaintext is the decrypted compact prefix:
// lead[1] diversifier[11] value[u64 LE] rseed[32].
type notePlaintext struct {
	lead        byte
	diversifier [DiversifierSize]byte
	value       uint64
	rseed       [32]byte
}

func parsePlaintext(b []byte) (notePlaintext, bool) {
	var p notePlaintext
	if len(b) < types.CompactCiphertextSize {
		return p, false
	}
	p.lead = b[0]
	copy(p.diversifier[:], b[1:12])
	p.value = binary.LittleEndian.Uint64(b[12:20])
	copy(p.rseed[:], b[20:52])
	return p, true
}

func (p *notePlaintext) encode() []byte {
	b := make([]byte, types.CompactCiphertextSize)
	b[0] = p.lead
	copy(b[1:12], p.diversifier[:])
	binary.LittleEndian.PutUint64(b[12:20], p.value)
	copy(b[20:52], p.rseed[:])
	return b
}

// noteCommitment binds the recipient, value and randomness of a note.
// Orchard commitments also bind rho, the nullifier of the action's spend.
func noteCommitment(pool types.Pool, addr PaymentAddress, value uint64, rseed [32]byte, rho common.Hash) common.Hash {
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], value)
	if pool == types.PoolOrchard {
		return tagged("lightsync_OrchardNoteCommit", addr.Diversifier[:], addr.PkD[:], v[:], rseed[:], rho[:])
	}
	return tagged("lightsync_SaplingNoteCommit", addr.Diversifier[:], addr.PkD[:], v[:], rseed[:])
}

// Note is a compact output that decrypted under one of the wallet keys.
// The memo is not part of the compact ciphertext and loads on demand.
type Note struct {
	Pool        types.Pool
	Height      uint64
	TxIndex     int
	OutputIndex int
	TxHash      common.Hash
	Position    uint64

	Value       uint64
	Diversifier [DiversifierSize]byte
	Rseed       [32]byte
	// Rho is the nullifier of the Orchard action that created the note.
	Rho        common.Hash
	Commitment common.Hash
	Nullifier  common.Hash

	KeyID int64
	Scope Scope
	Memo  *LazyMemo
}

// MemoText decodes a memo field as text. Memos whose first byte is above
// 0xF4 are not text; trailing zero padding is dropped.
func MemoText(memo []byte) (string, bool) {
	if len(memo) == 0 || memo[0] > 0xF4 {
		return "", false
	}
	if len(memo) > types.MemoSize {
		memo = memo[:types.MemoSize]
	}
	n := 0
	for n < len(memo) && memo[n] != 0 {
		n++
	}
	if n == 0 || !utf8.Valid(memo[:n]) {
		return "", false
	}
	return string(memo[:n]), true
}
