package decrypt

import (
	"github.com/colorfulnotion/lightsync/types"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
)

// Output is one shielded commitment of a compact block, located in
// canonical (height, tx, output) order and at its pre-assigned tree
// position.
type Output struct {
	Pool        types.Pool
	Height      uint64
	TxIndex     int
	OutputIndex int
	TxHash      common.Hash
	Position    uint64

	Commitment   common.Hash
	EphemeralKey common.Hash
	Ciphertext   []byte
	// Rho is the action nullifier for Orchard outputs.
	Rho common.Hash
}

var zeroNonce [chacha20.NonceSize]byte

func kdfTag(pool types.Pool) string {
	if pool == types.PoolOrchard {
		return "lightsync_OrchardKDF"
	}
	return "lightsync_SaplingKDF"
}

// symmetricKey derives the note encryption key from the key agreement
// output and the ephemeral public key.
func symmetricKey(pool types.Pool, shared []byte, epk common.Hash) [KeySize]byte {
	return tagged(kdfTag(pool), shared, epk[:])
}

// TrySapling trial-decrypts a Sapling output with one key.
func TrySapling(k *ViewingKey, out *Output) (*Note, bool) {
	if out.Pool != types.PoolSapling {
		return nil, false
	}
	n, _, ok := trial(k, out)
	return n, ok
}

// TryOrchard trial-decrypts an Orchard action output with one key.
func TryOrchard(k *ViewingKey, out *Output) (*Note, bool) {
	if out.Pool != types.PoolOrchard {
		return nil, false
	}
	n, _, ok := trial(k, out)
	return n, ok
}

// trial decrypts the compact prefix and accepts the note only if the
// recomputed commitment matches the one on chain. It returns the symmetric
// key so the full ciphertext can be opened later for the memo.
func trial(k *ViewingKey, out *Output) (*Note, [KeySize]byte, bool) {
	var key [KeySize]byte
	if k.Pool != out.Pool || len(out.Ciphertext) < types.CompactCiphertextSize {
		return nil, key, false
	}
	shared, err := curve25519.X25519(k.IVK[:], out.EphemeralKey[:])
	if err != nil {
		return nil, key, false
	}
	key = symmetricKey(out.Pool, shared, out.EphemeralKey)

	c, err := chacha20.NewUnauthenticatedCipher(key[:], zeroNonce[:])
	if err != nil {
		return nil, key, false
	}
	// Block 0 of the keystream is reserved for the AEAD one-time key.
	c.SetCounter(1)
	pt := make([]byte, types.CompactCiphertextSize)
	c.XORKeyStream(pt, out.Ciphertext[:types.CompactCiphertextSize])

	p, ok := parsePlaintext(pt)
	if !ok {
		return nil, key, false
	}
	switch {
	case p.lead == leadByteV2:
	case p.lead == leadByteV1 && out.Pool == types.PoolSapling:
	default:
		return nil, key, false
	}

	addr, err := k.Address(p.diversifier)
	if err != nil {
		return nil, key, false
	}
	if noteCommitment(out.Pool, addr, p.value, p.rseed, out.Rho) != out.Commitment {
		return nil, key, false
	}
	return &Note{
		Pool:        out.Pool,
		Height:      out.Height,
		TxIndex:     out.TxIndex,
		OutputIndex: out.OutputIndex,
		TxHash:      out.TxHash,
		Position:    out.Position,
		Value:       p.value,
		Diversifier: p.diversifier,
		Rseed:       p.rseed,
		Rho:         out.Rho,
		Commitment:  out.Commitment,
		Nullifier:   k.Nullifier(out.Commitment, out.Position),
		KeyID:       k.ID,
		Scope:       k.Scope,
	}, key, true
}
