package decrypt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/colorfulnotion/lightsync/types"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrMemoUnavailable = errors.New("memo unavailable: no full transaction source")
	ErrMemoAuth        = errors.New("memo ciphertext failed authentication")
)

// MemoLoader fetches the full note ciphertext of one output of a
// transaction, typically through a GetTransaction call.
type MemoLoader interface {
	FullCiphertext(ctx context.Context, txHash common.Hash, pool types.Pool, outputIndex int) ([]byte, error)
}

// LazyMemo opens the full ciphertext of a note on first use and caches the
// memo. Failed loads are not cached.
type LazyMemo struct {
	loader      MemoLoader
	txHash      common.Hash
	pool        types.Pool
	outputIndex int
	key         [KeySize]byte

	mu   sync.Mutex
	memo []byte
}

func newLazyMemo(loader MemoLoader, n *Note, key [KeySize]byte) *LazyMemo {
	return &LazyMemo{
		loader:      loader,
		txHash:      n.TxHash,
		pool:        n.Pool,
		outputIndex: n.OutputIndex,
		key:         key,
	}
}

// Loaded reports whether the memo is already cached.
func (m *LazyMemo) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memo != nil
}

// Get returns the 512-byte memo field.
func (m *LazyMemo) Get(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memo != nil {
		return common.CopyBytes(m.memo), nil
	}
	if m.loader == nil {
		return nil, ErrMemoUnavailable
	}
	ct, err := m.loader.FullCiphertext(ctx, m.txHash, m.pool, m.outputIndex)
	if err != nil {
		return nil, fmt.Errorf("tx %s output %d: %w", m.txHash.Hex(), m.outputIndex, err)
	}
	if len(ct) != types.FullCiphertextSize {
		return nil, fmt.Errorf("tx %s output %d: ciphertext is %d bytes: %w", m.txHash.Hex(), m.outputIndex, len(ct), ErrMemoAuth)
	}
	aead, err := chacha20poly1305.New(m.key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, zeroNonce[:], ct, nil)
	if err != nil {
		return nil, fmt.Errorf("tx %s output %d: %w", m.txHash.Hex(), m.outputIndex, ErrMemoAuth)
	}
	m.memo = pt[types.CompactCiphertextSize:]
	return common.CopyBytes(m.memo), nil
}

// Text returns the memo as text when it is a text memo.
func (m *LazyMemo) Text(ctx context.Context) (string, bool, error) {
	memo, err := m.Get(ctx)
	if err != nil {
		return "", false, err
	}
	s, ok := MemoText(memo)
	return s, ok, nil
}
