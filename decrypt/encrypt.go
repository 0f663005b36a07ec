package decrypt

import (
	"errors"
	"fmt"
	"io"

	"github.com/colorfulnotion/lightsync/types"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

var errMemoTooLong = errors.New("memo longer than 512 bytes")

// EncryptedOutput is a shielded output as a sender would publish it.
type EncryptedOutput struct {
	Commitment   common.Hash
	EphemeralKey common.Hash
	// Ciphertext is the full note ciphertext. Its first
	// types.CompactCiphertextSize bytes are what compact blocks carry.
	Ciphertext []byte
}

// Compact returns the truncated ciphertext served in compact blocks.
func (o *EncryptedOutput) Compact() []byte {
	return common.CopyBytes(o.Ciphertext[:types.CompactCiphertextSize])
}

// EncryptNote creates an output paying value to addr. rho is only bound for
// Orchard notes. Randomness is read from rand.
func EncryptNote(pool types.Pool, addr PaymentAddress, value uint64, memo []byte, rho common.Hash, rand io.Reader) (*EncryptedOutput, error) {
	if len(memo) > types.MemoSize {
		return nil, errMemoTooLong
	}
	var esk, rseed [KeySize]byte
	if _, err := io.ReadFull(rand, esk[:]); err != nil {
		return nil, fmt.Errorf("esk: %w", err)
	}
	if _, err := io.ReadFull(rand, rseed[:]); err != nil {
		return nil, fmt.Errorf("rseed: %w", err)
	}

	gd := diversifyHash(addr.Diversifier)
	epkBytes, err := curve25519.X25519(esk[:], gd[:])
	if err != nil {
		return nil, fmt.Errorf("epk: %w", err)
	}
	shared, err := curve25519.X25519(esk[:], addr.PkD[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	epk := common.BytesToHash(epkBytes)
	key := symmetricKey(pool, shared, epk)

	p := notePlaintext{lead: leadByteV2, diversifier: addr.Diversifier, value: value, rseed: rseed}
	pt := make([]byte, types.CompactCiphertextSize+types.MemoSize)
	copy(pt, p.encode())
	copy(pt[types.CompactCiphertextSize:], memo)

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &EncryptedOutput{
		Commitment:   noteCommitment(pool, addr, value, rseed, rho),
		EphemeralKey: epk,
		Ciphertext:   aead.Seal(nil, zeroNonce[:], pt, nil),
	}, nil
}
