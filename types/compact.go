package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Sizes of the compact note ciphertext prefix and the full note ciphertext.
const (
	CompactCiphertextSize = 52
	MemoSize              = 512
	// FullCiphertextSize is the note plaintext plus memo plus the AEAD tag.
	FullCiphertextSize = CompactCiphertextSize + MemoSize + 16
)

// Pool identifies a shielded note commitment scheme.
type Pool uint8

const (
	PoolSapling Pool = iota
	PoolOrchard
)

func (p Pool) String() string {
	switch p {
	case PoolSapling:
		return "sapling"
	case PoolOrchard:
		return "orchard"
	default:
		return fmt.Sprintf("pool(%d)", uint8(p))
	}
}

// CompactBlock is the minimal block representation served by lightwalletd.
type CompactBlock struct {
	ProtoVersion uint32
	Height       uint64
	Hash         common.Hash
	PrevHash     common.Hash
	Time         uint32
	Header       []byte
	Vtx          []*CompactTx
}

// CompactTx carries the shielded parts of one transaction.
type CompactTx struct {
	Index   uint64
	Hash    common.Hash
	Fee     uint32
	Spends  []CompactSaplingSpend
	Outputs []CompactSaplingOutput
	Actions []CompactOrchardAction
}

// CompactSaplingSpend is the nullifier revealed by a Sapling spend.
type CompactSaplingSpend struct {
	Nf common.Hash
}

// CompactSaplingOutput is a Sapling output with its truncated ciphertext.
type CompactSaplingOutput struct {
	Cmu          common.Hash
	EphemeralKey common.Hash
	Ciphertext   []byte
}

// CompactOrchardAction is an Orchard action: one spend nullifier and one
// output with its truncated ciphertext.
type CompactOrchardAction struct {
	Nullifier    common.Hash
	Cmx          common.Hash
	EphemeralKey common.Hash
	Ciphertext   []byte
}

// SaplingOutputCount returns the number of Sapling commitments in the block.
func (b *CompactBlock) SaplingOutputCount() int {
	n := 0
	for _, tx := range b.Vtx {
		n += len(tx.Outputs)
	}
	return n
}

// OrchardActionCount returns the number of Orchard commitments in the block.
func (b *CompactBlock) OrchardActionCount() int {
	n := 0
	for _, tx := range b.Vtx {
		n += len(tx.Actions)
	}
	return n
}

// BlockID identifies a block by height and optionally hash.
type BlockID struct {
	Height uint64
	Hash   []byte
}

// BlockRange is an inclusive height range.
type BlockRange struct {
	Start BlockID
	End   BlockID
}

// TxFilter selects a transaction by block and index or by hash.
type TxFilter struct {
	Block *BlockID
	Index uint64
	Hash  []byte
}

// RawTransaction is a full serialized transaction.
type RawTransaction struct {
	Data   []byte
	Height uint64
}

// SendResponse is the result of a transaction broadcast.
type SendResponse struct {
	ErrorCode    int32
	ErrorMessage string
}

// ChainSpec is the empty request of GetLatestBlock.
type ChainSpec struct {
	Network string
}

// Empty is the empty request message.
type Empty struct{}

// LightdInfo describes the remote server and the chain it follows.
type LightdInfo struct {
	Version                 string
	Vendor                  string
	TaddrSupport            bool
	ChainName               string
	SaplingActivationHeight uint64
	ConsensusBranchID       string
	BlockHeight             uint64
	GitCommit               string
	Branch                  string
	BuildDate               string
	BuildUser               string
	EstimatedHeight         uint64
	ZcashdBuild             string
	ZcashdSubversion        string
}

// TreeState is the serialized commitment tree state at a height. Tree
// fields are hex encoded.
type TreeState struct {
	Network         string
	Height          uint64
	Hash            string
	Time            uint32
	SaplingTree     string
	SaplingFrontier string
	OrchardTree     string
}
