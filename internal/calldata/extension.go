package calldata

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// TagLending 标记一个借贷操作。
	TagLending byte = 0x30

	LendingDeposit byte = 0x00
	LendingBorrow  byte = 0x01
)

const (
	extensionHeaderLength = 2 * common.AddressLength
	depositOpLength       = 1 + 1 + 2 + 2*common.AddressLength
	borrowOpLength        = depositOpLength + 1
)

// Lending 是扩展中借贷操作共用的参数。
type Lending struct {
	LenderID         uint16
	Pool             common.Address
	InterestRateMode uint8
}

// LendingOp 是一个解码后的借贷操作。
type LendingOp struct {
	Action           byte
	LenderID         uint16
	Asset            common.Address
	Pool             common.Address
	InterestRateMode uint8
}

// Extension 是结算合约在成交前后执行的操作列表。
type Extension struct {
	Settlement common.Address
	Maker      common.Address
	Ops        []LendingOp
}

// BuildExtension 构造 settlement ‖ maker ‖ deposit(collateral) ‖ borrow(debt)。
func BuildExtension(settlement, maker, collateral, debt common.Address, lending Lending) []byte {
	ext := Extension{
		Settlement: settlement,
		Maker:      maker,
		Ops: []LendingOp{
			{Action: LendingDeposit, LenderID: lending.LenderID, Asset: collateral, Pool: lending.Pool},
			{Action: LendingBorrow, LenderID: lending.LenderID, Asset: debt, Pool: lending.Pool, InterestRateMode: lending.InterestRateMode},
		},
	}
	return ext.Encode()
}

// Encode 按协议布局序列化扩展。
func (e Extension) Encode() []byte {
	size := extensionHeaderLength
	for _, op := range e.Ops {
		size += op.encodedLength()
	}

	out := make([]byte, 0, size)
	out = append(out, e.Settlement.Bytes()...)
	out = append(out, e.Maker.Bytes()...)
	for _, op := range e.Ops {
		out = append(out, TagLending, op.Action)
		out = binary.BigEndian.AppendUint16(out, op.LenderID)
		out = append(out, op.Asset.Bytes()...)
		out = append(out, op.Pool.Bytes()...)
		if op.Action == LendingBorrow {
			out = append(out, op.InterestRateMode)
		}
	}
	return out
}

func (op LendingOp) encodedLength() int {
	if op.Action == LendingBorrow {
		return borrowOpLength
	}
	return depositOpLength
}

// ParseExtension 解码扩展数据，遇到未知标签或截断时返回 ErrMalformed。
func ParseExtension(data []byte) (Extension, error) {
	if len(data) < extensionHeaderLength {
		return Extension{}, fmt.Errorf("%w: 扩展长度 %d 小于头部 %d 字节", ErrMalformed, len(data), extensionHeaderLength)
	}

	ext := Extension{
		Settlement: common.BytesToAddress(data[:common.AddressLength]),
		Maker:      common.BytesToAddress(data[common.AddressLength:extensionHeaderLength]),
	}

	rest := data[extensionHeaderLength:]
	for offset := extensionHeaderLength; len(rest) > 0; {
		if rest[0] != TagLending {
			return Extension{}, fmt.Errorf("%w: 偏移 %d 处未知操作标签 0x%02x", ErrMalformed, offset, rest[0])
		}
		if len(rest) < 2 {
			return Extension{}, fmt.Errorf("%w: 偏移 %d 处操作被截断", ErrMalformed, offset)
		}

		op := LendingOp{Action: rest[1]}
		switch op.Action {
		case LendingDeposit, LendingBorrow:
		default:
			return Extension{}, fmt.Errorf("%w: 偏移 %d 处未知借贷动作 0x%02x", ErrMalformed, offset, op.Action)
		}

		n := op.encodedLength()
		if len(rest) < n {
			return Extension{}, fmt.Errorf("%w: 偏移 %d 处操作需要 %d 字节，剩余 %d", ErrMalformed, offset, n, len(rest))
		}

		op.LenderID = binary.BigEndian.Uint16(rest[2:4])
		op.Asset = common.BytesToAddress(rest[4 : 4+common.AddressLength])
		op.Pool = common.BytesToAddress(rest[4+common.AddressLength : depositOpLength])
		if op.Action == LendingBorrow {
			op.InterestRateMode = rest[depositOpLength]
		}

		ext.Ops = append(ext.Ops, op)
		rest = rest[n:]
		offset += n
	}

	return ext, nil
}

// Op 返回第一个指定动作的操作。
func (e Extension) Op(action byte) (LendingOp, bool) {
	for _, op := range e.Ops {
		if op.Action == action {
			return op, true
		}
	}
	return LendingOp{}, false
}
