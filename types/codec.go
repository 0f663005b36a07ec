package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every type that crosses the lightwalletd wire.
// The encoding is plain protobuf, field numbers match compact_formats.proto
// and service.proto.
type Message interface {
	MarshalProto() []byte
	UnmarshalProto(b []byte) error
}

var (
	_ Message = (*CompactBlock)(nil)
	_ Message = (*CompactTx)(nil)
	_ Message = (*BlockID)(nil)
	_ Message = (*BlockRange)(nil)
	_ Message = (*TxFilter)(nil)
	_ Message = (*RawTransaction)(nil)
	_ Message = (*SendResponse)(nil)
	_ Message = (*ChainSpec)(nil)
	_ Message = (*Empty)(nil)
	_ Message = (*LightdInfo)(nil)
	_ Message = (*TreeState)(nil)
)

// --- encoding helpers; proto3 omits default values ---

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendHash(b []byte, num protowire.Number, h common.Hash) []byte {
	if h == (common.Hash{}) {
		return b
	}
	return appendBytes(b, num, h[:])
}

// appendMessage always writes the field, so repeated empty messages keep
// their slot.
func appendMessage(b []byte, num protowire.Number, encoded []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, encoded)
}

// --- decoding helpers ---

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	data   []byte
}

// eachField walks the top level fields of b. Unknown wire types are
// skipped, truncated input is an error.
func eachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.data = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("field %d: wire type %d, want %d", f.num, f.typ, typ)
	}
	return nil
}

func (f field) uint64() (uint64, error) {
	return f.varint, f.expect(protowire.VarintType)
}

func (f field) uint32() (uint32, error) {
	if err := f.expect(protowire.VarintType); err != nil {
		return 0, err
	}
	return uint32(f.varint), nil
}

func (f field) bytes() ([]byte, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return nil, err
	}
	return common.CopyBytes(f.data), nil
}

func (f field) string() (string, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return "", err
	}
	return string(f.data), nil
}

// hash accepts an empty field as the zero hash; any other length than 32 is malformed.
func (f field) hash() (common.Hash, error) {
	if err := f.expect(protowire.BytesType); err != nil {
		return common.Hash{}, err
	}
	switch len(f.data) {
	case 0:
		return common.Hash{}, nil
	case common.HashLength:
		return common.BytesToHash(f.data), nil
	default:
		return common.Hash{}, fmt.Errorf("field %d: %d byte hash", f.num, len(f.data))
	}
}

// --- CompactBlock ---

func (m *CompactBlock) MarshalProto() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.ProtoVersion))
	b = appendVarint(b, 2, m.Height)
	b = appendHash(b, 3, m.Hash)
	b = appendHash(b, 4, m.PrevHash)
	b = appendVarint(b, 5, uint64(m.Time))
	b = appendBytes(b, 6, m.Header)
	for _, tx := range m.Vtx {
		b = appendMessage(b, 7, tx.MarshalProto())
	}
	return b
}

func (m *CompactBlock) UnmarshalProto(b []byte) error {
	*m = CompactBlock{}
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.ProtoVersion, err = f.uint32()
		case 2:
			m.Height, err = f.uint64()
		case 3:
			m.Hash, err = f.hash()
		case 4:
			m.PrevHash, err = f.hash()
		case 5:
			m.Time, err = f.uint32()
		case 6:
			m.Header, err = f.bytes()
		case 7:
			if err = f.expect(protowire.BytesType); err != nil {
				return err
			}
			tx := new(CompactTx)
			if err = tx.UnmarshalProto(f.data); err != nil {
				return fmt.Errorf("vtx[%d]: %w", len(m.Vtx), err)
			}
			m.Vtx = append(m.Vtx, tx)
		}
		return err
	})
}

// --- CompactTx ---

func (m *CompactTx) MarshalProto() []byte {
	var b []byte
	b = appendVarint(b, 1, m.Index)
	b = appendHash(b, 2, m.Hash)
	b = appendVarint(b, 3, uint64(m.Fee))
	for i := range m.Spends {
		b = appendMessage(b, 4, appendHash(nil, 1, m.Spends[i].Nf))
	}
	for i := range m.Outputs {
		o := &m.Outputs[i]
		var ob []byte
		ob = appendHash(ob, 1, o.Cmu)
		ob = appendHash(ob, 2, o.EphemeralKey)
		ob = appendBytes(ob, 3, o.Ciphertext)
		b = appendMessage(b, 5, ob)
	}
	for i := range m.Actions {
		a := &m.Actions[i]
		var ab []byte
		ab = appendHash(ab, 1, a.Nullifier)
		ab = appendHash(ab, 2, a.Cmx)
		ab = appendHash(ab, 3, a.EphemeralKey)
		ab = appendBytes(ab, 4, a.Ciphertext)
		b = appendMessage(b, 6, ab)
	}
	return b
}

func (m *CompactTx) UnmarshalProto(b []byte) error {
	*m = CompactTx{}
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Index, err = f.uint64()
		case 2:
			m.Hash, err = f.hash()
		case 3:
			m.Fee, err = f.uint32()
		case 4:
			if err = f.expect(protowire.BytesType); err != nil {
				return err
			}
			var s CompactSaplingSpend
			err = eachField(f.data, func(sf field) (err error) {
				if sf.num == 1 {
					s.Nf, err = sf.hash()
				}
				return err
			})
			m.Spends = append(m.Spends, s)
		case 5:
			if err = f.expect(protowire.BytesType); err != nil {
				return err
			}
			var o CompactSaplingOutput
			err = eachField(f.data, func(of field) (err error) {
				switch of.num {
				case 1:
					o.Cmu, err = of.hash()
				case 2:
					o.EphemeralKey, err = of.hash()
				case 3:
					o.Ciphertext, err = of.bytes()
				}
				return err
			})
			m.Outputs = append(m.Outputs, o)
		case 6:
			if err = f.expect(protowire.BytesType); err != nil {
				return err
			}
			var a CompactOrchardAction
			err = eachField(f.data, func(af field) (err error) {
				switch af.num {
				case 1:
					a.Nullifier, err = af.hash()
				case 2:
					a.Cmx, err = af.hash()
				case 3:
					a.EphemeralKey, err = af.hash()
				case 4:
					a.Ciphertext, err = af.bytes()
				}
				return err
			})
			m.Actions = append(m.Actions, a)
		}
		return err
	})
}

// --- BlockID / BlockRange / TxFilter ---

func (m *BlockID) MarshalProto() []byte {
	var b []byte
	b = appendVarint(b, 1, m.Height)
	b = appendBytes(b, 2, m.Hash)
	return b
}

func (m *BlockID) UnmarshalProto(b []byte) error {
	*m = BlockID{}
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Height, err = f.uint64()
		case 2:
			m.Hash, err = f.bytes()
		}
		return err
	})
}

func (m *BlockRange) MarshalProto() []byte {
	var b []byte
	b = appendMessage(b, 1, m.Start.MarshalProto())
	b = appendMessage(b, 2, m.End.MarshalProto())
	return b
}

func (m *BlockRange) UnmarshalProto(b []byte) error {
	*m = BlockRange{}
	return eachField(b, func(f field) error {
		switch f.num {
		case 1:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			return m.Start.UnmarshalProto(f.data)
		case 2:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			return m.End.UnmarshalProto(f.data)
		}
		return nil
	})
}

func (m *TxFilter) MarshalProto() []byte {
	var b []byte
	if m.Block != nil {
		b = appendMessage(b, 1, m.Block.MarshalProto())
	}
	b = appendVarint(b, 2, m.Index)
	b = appendBytes(b, 3, m.Hash)
	return b
}

func (m *TxFilter) UnmarshalProto(b []byte) error {
	*m = TxFilter{}
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			if err = f.expect(protowire.BytesType); err != nil {
				return err
			}
			m.Block = new(BlockID)
			err = m.Block.UnmarshalProto(f.data)
		case 2:
			m.Index, err = f.uint64()
		case 3:
			m.Hash, err = f.bytes()
		}
		return err
	})
}

// --- RawTransaction / SendResponse ---

func (m *RawTransaction) MarshalProto() []byte {
	var b []byte
	b = appendBytes(b, 1, m.Data)
	b = appendVarint(b, 2, m.Height)
	return b
}

func (m *RawTransaction) UnmarshalProto(b []byte) error {
	*m = RawTransaction{}
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Data, err = f.bytes()
		case 2:
			m.Height, err = f.uint64()
		}
		return err
	})
}

func (m *SendResponse) MarshalProto() []byte {
	var b []byte
	// int32 is sign extended to 64 bits on the wire.
	b = appendVarint(b, 1, uint64(int64(m.ErrorCode)))
	b = appendString(b, 2, m.ErrorMessage)
	return b
}

func (m *SendResponse) UnmarshalProto(b []byte) error {
	*m = SendResponse{}
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			var v uint64
			v, err = f.uint64()
			m.ErrorCode = int32(v)
		case 2:
			m.ErrorMessage, err = f.string()
		}
		return err
	})
}

// --- ChainSpec / Empty ---

func (m *ChainSpec) MarshalProto() []byte {
	return appendString(nil, 1, m.Network)
}

func (m *ChainSpec) UnmarshalProto(b []byte) error {
	*m = ChainSpec{}
	return eachField(b, func(f field) (err error) {
		if f.num == 1 {
			m.Network, err = f.string()
		}
		return err
	})
}

func (m *Empty) MarshalProto() []byte { return nil }

func (m *Empty) UnmarshalProto(b []byte) error {
	return eachField(b, func(field) error { return nil })
}

// --- LightdInfo ---

func (m *LightdInfo) MarshalProto() []byte {
	var b []byte
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Vendor)
	b = appendBool(b, 3, m.TaddrSupport)
	b = appendString(b, 4, m.ChainName)
	b = appendVarint(b, 5, m.SaplingActivationHeight)
	b = appendString(b, 6, m.ConsensusBranchID)
	b = appendVarint(b, 7, m.BlockHeight)
	b = appendString(b, 8, m.GitCommit)
	b = appendString(b, 9, m.Branch)
	b = appendString(b, 10, m.BuildDate)
	b = appendString(b, 11, m.BuildUser)
	b = appendVarint(b, 12, m.EstimatedHeight)
	b = appendString(b, 13, m.ZcashdBuild)
	b = appendString(b, 14, m.ZcashdSubversion)
	return b
}

func (m *LightdInfo) UnmarshalProto(b []byte) error {
	*m = LightdInfo{}
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Version, err = f.string()
		case 2:
			m.Vendor, err = f.string()
		case 3:
			var v uint64
			v, err = f.uint64()
			m.TaddrSupport = v != 0
		case 4:
			m.ChainName, err = f.string()
		case 5:
			m.SaplingActivationHeight, err = f.uint64()
		case 6:
			m.ConsensusBranchID, err = f.string()
		case 7:
			m.BlockHeight, err = f.uint64()
		case 8:
			m.GitCommit, err = f.string()
		case 9:
			m.Branch, err = f.string()
		case 10:
			m.BuildDate, err = f.string()
		case 11:
			m.BuildUser, err = f.string()
		case 12:
			m.EstimatedHeight, err = f.uint64()
		case 13:
			m.ZcashdBuild, err = f.string()
		case 14:
			m.ZcashdSubversion, err = f.string()
		}
		return err
	})
}

// --- TreeState ---

func (m *TreeState) MarshalProto() []byte {
	var b []byte
	b = appendString(b, 1, m.Network)
	b = appendVarint(b, 2, m.Height)
	b = appendString(b, 3, m.Hash)
	b = appendVarint(b, 4, uint64(m.Time))
	b = appendString(b, 5, m.SaplingTree)
	b = appendString(b, 6, m.SaplingFrontier)
	b = appendString(b, 7, m.OrchardTree)
	return b
}

func (m *TreeState) UnmarshalProto(b []byte) error {
	*m = TreeState{}
	return eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Network, err = f.string()
		case 2:
			m.Height, err = f.uint64()
		case 3:
			m.Hash, err = f.string()
		case 4:
			m.Time, err = f.uint32()
		case 5:
			m.SaplingTree, err = f.string()
		case 6:
			m.SaplingFrontier, err = f.string()
		case 7:
			m.OrchardTree, err = f.string()
		}
		return err
	})
}
