// Package decrypt trial-decrypts compact shielded outputs against the
// wallet's incoming viewing keys and runs the bounded parallel pipeline that
// turns a batch of compact blocks into ordered note matches.
package decrypt

import (
	"fmt"

	"github.com/colorfulnotion/lightsync/types"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

const (
	DiversifierSize = 11
	KeySize         = 32
)

// Scope tells whether an address receives external payments or change.
type Scope uint8

const (
	ScopeExternal Scope = iota
	ScopeInternal
)

func (s Scope) String() string {
	if s == ScopeInternal {
		return "internal"
	}
	return "external"
}

// ViewingKey is an already-derived incoming viewing key plus the nullifier
// key used to recognise spends of its notes.
type ViewingKey struct {
	ID    int64
	Pool  types.Pool
	Scope Scope
	IVK   [KeySize]byte
	NK    [KeySize]byte
}

// PaymentAddress is a diversified address of a viewing key.
type PaymentAddress struct {
	Diversifier [DiversifierSize]byte
	PkD         [KeySize]byte
}

// KeyProvider supplies the viewing keys to trial-decrypt against.
type KeyProvider interface {
	ViewingKeys() []ViewingKey
}

// StaticKeys is a fixed key set.
type StaticKeys []ViewingKey

func (k StaticKeys) ViewingKeys() []ViewingKey { return k }

// KeyFromSeed derives a viewing key from seed material. Wallets hand over
// keys derived elsewhere; this exists for tooling and tests.
func KeyFromSeed(id int64, pool types.Pool, seed []byte) ViewingKey {
	k := ViewingKey{ID: id, Pool: pool}
	k.IVK = tagged("lightsync_ivk_"+pool.String(), seed)
	k.NK = tagged("lightsync_nk_"+pool.String(), seed)
	return k
}

// Address returns the diversified address for d.
func (k *ViewingKey) Address(d [DiversifierSize]byte) (PaymentAddress, error) {
	gd := diversifyHash(d)
	pk, err := curve25519.X25519(k.IVK[:], gd[:])
	if err != nil {
		return PaymentAddress{}, fmt.Errorf("diversifier %x: %w", d, err)
	}
	addr := PaymentAddress{Diversifier: d}
	copy(addr.PkD[:], pk)
	return addr, nil
}

// Nullifier derives the spend nullifier of a note at its tree position.
func (k *ViewingKey) Nullifier(cm common.Hash, position uint64) common.Hash {
	h, _ := blake2b.New256(k.NK[:])
	h.Write(cm[:])
	var pos [8]byte
	for i := range pos {
		pos[i] = byte(position >> (8 * i))
	}
	h.Write(pos[:])
	var nf common.Hash
	h.Sum(nf[:0])
	return nf
}

func diversifyHash(d [DiversifierSize]byte) [KeySize]byte {
	return tagged("lightsync_gd", d[:])
}

// tagged hashes data with blake2b-256 keyed by a domain tag.
func tagged(tag string, data ...[]byte) [KeySize]byte {
	h, err := blake2b.New256([]byte(tag))
	if err != nil {
		panic(err)
	}
	for _, b := range data {
		h.Write(b)
	}
	var out [KeySize]byte
	h.Sum(out[:0])
	return out
}
