package lightd

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/colorfulnotion/lightsync/decrypt"
	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/colorfulnotion/lightsync/types"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"
)

// MockSource is an in-memory chain. It serves compact blocks like a
// lightwalletd server would, keeps the full ciphertexts of the outputs it
// creates for memo loading, and can be reorganized or made to fail.
type MockSource struct {
	mu         sync.RWMutex
	endpoint   string
	start      uint64
	blocks     []*types.CompactBlock
	full       map[common.Hash]*fullTx
	treeStates map[uint64]*types.TreeState
	sent       [][]byte
	failures   []error
	calls      map[string]int
	salt       uint64
	seq        uint64
}

type fullTx struct {
	height  uint64
	sapling [][]byte
	orchard [][]byte
}

var (
	_ Source             = (*MockSource)(nil)
	_ decrypt.MemoLoader = (*MockSource)(nil)
)

// NewMockSource creates an empty chain whose first block will be at start.
func NewMockSource(endpoint string, start uint64) *MockSource {
	return &MockSource{
		endpoint:   endpoint,
		start:      start,
		full:       make(map[common.Hash]*fullTx),
		treeStates: make(map[uint64]*types.TreeState),
		calls:      make(map[string]int),
	}
}

func (m *MockSource) Endpoint() string { return m.endpoint }

// Tip returns the height of the last block, or start-1 for an empty chain.
func (m *MockSource) Tip() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tipLocked()
}

func (m *MockSource) tipLocked() uint64 { return m.start + uint64(len(m.blocks)) - 1 }

// Block returns the block at h, or nil.
func (m *MockSource) Block(h uint64) *types.CompactBlock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h < m.start || h > m.tipLocked() {
		return nil
	}
	return m.blocks[h-m.start]
}

// Calls returns how many times method was called.
func (m *MockSource) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// Sent returns the transactions passed to SendTransaction.
func (m *MockSource) Sent() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]byte(nil), m.sent...)
}

// FailNext makes the next len(errs) GetBlockRange calls fail with errs in
// order.
func (m *MockSource) FailNext(errs ...error) {
	m.mu.Lock()
	m.failures = append(m.failures, errs...)
	m.mu.Unlock()
}

// SetTreeState registers the tree state served for ts.Height.
func (m *MockSource) SetTreeState(ts *types.TreeState) {
	m.mu.Lock()
	m.treeStates[ts.Height] = ts
	m.mu.Unlock()
}

// AppendEmpty appends n blocks, each with one transaction carrying fillers
// Sapling outputs and fillers Orchard actions nobody can decrypt.
func (m *MockSource) AppendEmpty(n, fillers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		var txs []*types.CompactTx
		if fillers > 0 {
			tx := &types.CompactTx{}
			for j := 0; j < fillers; j++ {
				tx.Outputs = append(tx.Outputs, m.fillerOutput())
				tx.Actions = append(tx.Actions, m.fillerAction())
			}
			txs = append(txs, tx)
		}
		m.appendLocked(txs, nil)
	}
}

// Pay appends a block with one transaction holding a filler output followed
// by a note of value to key's default address, in key's pool.
func (m *MockSource) Pay(key *decrypt.ViewingKey, value uint64, memo []byte) (*types.CompactBlock, error) {
	addr, err := key.Address([decrypt.DiversifierSize]byte{1})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &types.CompactTx{Fee: 1000}
	ft := &fullTx{}
	switch key.Pool {
	case types.PoolSapling:
		tx.Outputs = append(tx.Outputs, m.fillerOutput())
		enc, err := decrypt.EncryptNote(types.PoolSapling, addr, value, memo, common.Hash{}, rand.Reader)
		if err != nil {
			return nil, err
		}
		tx.Outputs = append(tx.Outputs, types.CompactSaplingOutput{
			Cmu: enc.Commitment, EphemeralKey: enc.EphemeralKey, Ciphertext: enc.Compact(),
		})
		ft.sapling = [][]byte{nil, enc.Ciphertext}
	case types.PoolOrchard:
		tx.Actions = append(tx.Actions, m.fillerAction())
		nf := m.fillerHash("nf")
		enc, err := decrypt.EncryptNote(types.PoolOrchard, addr, value, memo, nf, rand.Reader)
		if err != nil {
			return nil, err
		}
		tx.Actions = append(tx.Actions, types.CompactOrchardAction{
			Nullifier: nf, Cmx: enc.Commitment, EphemeralKey: enc.EphemeralKey, Ciphertext: enc.Compact(),
		})
		ft.orchard = [][]byte{nil, enc.Ciphertext}
	default:
		return nil, fmt.Errorf("unknown pool %v", key.Pool)
	}
	return m.appendLocked([]*types.CompactTx{tx}, []*fullTx{ft}), nil
}

// Spend appends a block revealing nf: as a Sapling spend, or as the
// nullifier of an Orchard action.
func (m *MockSource) Spend(pool types.Pool, nf common.Hash) *types.CompactBlock {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &types.CompactTx{Fee: 1000}
	if pool == types.PoolOrchard {
		a := m.fillerAction()
		a.Nullifier = nf
		tx.Actions = append(tx.Actions, a)
	} else {
		tx.Spends = append(tx.Spends, types.CompactSaplingSpend{Nf: nf})
		tx.Outputs = append(tx.Outputs, m.fillerOutput())
	}
	return m.appendLocked([]*types.CompactTx{tx}, nil)
}

// AppendTxs appends a block holding txs. Transaction hashes left zero are
// filled in.
func (m *MockSource) AppendTxs(txs ...*types.CompactTx) *types.CompactBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(txs, nil)
}

// Reorg replaces every block at height >= from with a different block, so
// the chain keeps its length but forks below from+1.
func (m *MockSource) Reorg(from uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if from < m.start || from > m.tipLocked() {
		return fmt.Errorf("reorg height %d outside chain %d-%d", from, m.start, m.tipLocked())
	}
	n := int(m.tipLocked() - from + 1)
	for _, b := range m.blocks[from-m.start:] {
		for _, tx := range b.Vtx {
			delete(m.full, tx.Hash)
		}
	}
	m.blocks = m.blocks[:from-m.start]
	m.salt++
	for i := 0; i < n; i++ {
		tx := &types.CompactTx{Outputs: []types.CompactSaplingOutput{m.fillerOutput()}}
		m.appendLocked([]*types.CompactTx{tx}, nil)
	}
	return nil
}

// Truncate drops every block above tip.
func (m *MockSource) Truncate(tip uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tip+1 < m.start || tip > m.tipLocked() {
		return fmt.Errorf("truncate height %d outside chain %d-%d", tip, m.start, m.tipLocked())
	}
	for _, b := range m.blocks[tip+1-m.start:] {
		for _, tx := range b.Vtx {
			delete(m.full, tx.Hash)
		}
	}
	m.blocks = m.blocks[:tip+1-m.start]
	return nil
}

func (m *MockSource) appendLocked(txs []*types.CompactTx, full []*fullTx) *types.CompactBlock {
	height := m.start + uint64(len(m.blocks))
	var prev common.Hash
	if len(m.blocks) > 0 {
		prev = m.blocks[len(m.blocks)-1].Hash
	}
	h, _ := blake2b.New256(nil)
	h.Write(be64(height))
	h.Write(prev[:])
	h.Write(be64(m.salt))
	for i, tx := range txs {
		tx.Index = uint64(i)
		if tx.Hash == (common.Hash{}) {
			tx.Hash = m.fillerHash("tx")
		}
		h.Write(tx.Hash[:])
		if i < len(full) && full[i] != nil {
			full[i].height = height
			m.full[tx.Hash] = full[i]
		}
	}
	b := &types.CompactBlock{
		ProtoVersion: 1,
		Height:       height,
		Hash:         common.BytesToHash(h.Sum(nil)),
		PrevHash:     prev,
		Time:         uint32(1600000000 + height*75),
		Vtx:          txs,
	}
	m.blocks = append(m.blocks, b)
	return b
}

func (m *MockSource) fillerHash(tag string) common.Hash {
	m.seq++
	sum := blake2b.Sum256(append([]byte(tag), append(be64(m.seq), be64(m.salt)...)...))
	return sum
}

func (m *MockSource) fillerCiphertext() []byte {
	a, b := m.fillerHash("ct"), m.fillerHash("ct")
	return append(a[:], b[:types.CompactCiphertextSize-len(a)]...)
}

func (m *MockSource) fillerOutput() types.CompactSaplingOutput {
	return types.CompactSaplingOutput{
		Cmu:          m.fillerHash("cmu"),
		EphemeralKey: m.fillerHash("epk"),
		Ciphertext:   m.fillerCiphertext(),
	}
}

func (m *MockSource) fillerAction() types.CompactOrchardAction {
	return types.CompactOrchardAction{
		Nullifier:    m.fillerHash("nf"),
		Cmx:          m.fillerHash("cmx"),
		EphemeralKey: m.fillerHash("epk"),
		Ciphertext:   m.fillerCiphertext(),
	}
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func (m *MockSource) count(method string) {
	m.mu.Lock()
	m.calls[method]++
	m.mu.Unlock()
}

func (m *MockSource) GetLatestBlock(ctx context.Context) (*types.BlockID, error) {
	m.count(methodGetLatestBlock)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.blocks) == 0 {
		return &types.BlockID{Height: m.start - 1}, nil
	}
	tip := m.blocks[len(m.blocks)-1]
	return &types.BlockID{Height: tip.Height, Hash: tip.Hash.Bytes()}, nil
}

func (m *MockSource) GetBlockRange(ctx context.Context, start, end uint64) ([]*types.CompactBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(methodGetBlockRange, err)
	}
	m.mu.Lock()
	m.calls[methodGetBlockRange]++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		m.mu.Unlock()
		return nil, err
	}
	defer m.mu.Unlock()

	if start > end {
		return nil, nil
	}
	if start < m.start || end > m.tipLocked() || len(m.blocks) == 0 {
		return nil, &syncerrors.Error{Kind: syncerrors.KindStatus,
			Err: fmt.Errorf("range %d-%d outside chain: %w", start, end, syncerrors.ErrSNotFound)}
	}
	out := make([]*types.CompactBlock, end-start+1)
	copy(out, m.blocks[start-m.start:end-m.start+1])
	return out, nil
}

// GetTransaction returns the full ciphertexts of a transaction created by
// Pay, concatenated, as the raw transaction data.
func (m *MockSource) GetTransaction(ctx context.Context, txHash common.Hash) (*types.RawTransaction, error) {
	m.count(methodGetTransaction)
	m.mu.RLock()
	defer m.mu.RUnlock()
	ft, ok := m.full[txHash]
	if !ok {
		return nil, &syncerrors.Error{Kind: syncerrors.KindStatus,
			Err: fmt.Errorf("transaction %x: %w", txHash, syncerrors.ErrSNotFound)}
	}
	var data []byte
	for _, ct := range append(append([][]byte{}, ft.sapling...), ft.orchard...) {
		data = append(data, ct...)
	}
	return &types.RawTransaction{Data: data, Height: ft.height}, nil
}

// FullCiphertext serves LazyMemo loads from the transactions created by Pay.
func (m *MockSource) FullCiphertext(ctx context.Context, txHash common.Hash, pool types.Pool, outputIndex int) ([]byte, error) {
	m.count(methodGetTransaction)
	m.mu.RLock()
	defer m.mu.RUnlock()
	ft, ok := m.full[txHash]
	if !ok {
		return nil, fmt.Errorf("transaction %x: %w", txHash, syncerrors.ErrSNotFound)
	}
	cts := ft.sapling
	if pool == types.PoolOrchard {
		cts = ft.orchard
	}
	if outputIndex < 0 || outputIndex >= len(cts) || cts[outputIndex] == nil {
		return nil, fmt.Errorf("transaction %x has no %s output %d: %w", txHash, pool, outputIndex, syncerrors.ErrSNotFound)
	}
	return common.CopyBytes(cts[outputIndex]), nil
}

func (m *MockSource) SendTransaction(ctx context.Context, raw []byte) (*types.SendResponse, error) {
	m.count(methodSendTransaction)
	if len(raw) == 0 {
		return &types.SendResponse{ErrorCode: -1, ErrorMessage: "empty transaction"}, nil
	}
	m.mu.Lock()
	m.sent = append(m.sent, common.CopyBytes(raw))
	m.mu.Unlock()
	return &types.SendResponse{}, nil
}

func (m *MockSource) GetLightdInfo(ctx context.Context) (*types.LightdInfo, error) {
	m.count(methodGetLightdInfo)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &types.LightdInfo{
		Version:                 "mock",
		Vendor:                  "lightsync",
		ChainName:               "regtest",
		SaplingActivationHeight: m.start,
		BlockHeight:             m.tipLocked(),
		EstimatedHeight:         m.tipLocked(),
	}, nil
}

// GetTreeState returns the registered tree state for height. The height
// just below the first block has empty trees unless registered.
func (m *MockSource) GetTreeState(ctx context.Context, height uint64) (*types.TreeState, error) {
	m.count(methodGetTreeState)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.treeStates[height]; ok {
		cp := *ts
		return &cp, nil
	}
	if height+1 == m.start {
		return &types.TreeState{Network: "regtest", Height: height}, nil
	}
	return nil, &syncerrors.Error{Kind: syncerrors.KindStatus,
		Err: fmt.Errorf("tree state at %d: %w", height, syncerrors.ErrSNotFound)}
}
