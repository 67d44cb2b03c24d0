package calldata

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var takerTraitsArgs = abi.Arguments{
	{Name: "extensionOffset", Type: uint256Type},
	{Name: "extensionLength", Type: uint256Type},
	{Name: "swapOffset", Type: uint256Type},
	{Name: "swapLength", Type: uint256Type},
}

// TakerTraits 告诉结算合约如何切分 extension‖swap 组合字节。
type TakerTraits struct {
	ExtensionOffset uint64
	ExtensionLength uint64
	SwapOffset      uint64
	SwapLength      uint64
}

// NewTakerTraits 由两段字节长度计算偏移。
func NewTakerTraits(extensionLen, swapLen int) TakerTraits {
	return TakerTraits{
		ExtensionOffset: 0,
		ExtensionLength: uint64(extensionLen),
		SwapOffset:      uint64(extensionLen),
		SwapLength:      uint64(swapLen),
	}
}

// Encode 编码为 abi.encode(uint256,uint256,uint256,uint256)。
func (t TakerTraits) Encode() ([]byte, error) {
	out, err := takerTraitsArgs.Pack(
		new(big.Int).SetUint64(t.ExtensionOffset),
		new(big.Int).SetUint64(t.ExtensionLength),
		new(big.Int).SetUint64(t.SwapOffset),
		new(big.Int).SetUint64(t.SwapLength),
	)
	if err != nil {
		return nil, fmt.Errorf("calldata: 编码 taker traits 失败: %w", err)
	}
	return out, nil
}

// DecodeTakerTraits 解码 128 字节的 taker traits。
func DecodeTakerTraits(data []byte) (TakerTraits, error) {
	values, err := takerTraitsArgs.Unpack(data)
	if err != nil {
		return TakerTraits{}, fmt.Errorf("%w: 解码 taker traits 失败: %v", ErrMalformed, err)
	}

	fields := make([]uint64, len(values))
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok || !n.IsUint64() {
			return TakerTraits{}, fmt.Errorf("%w: taker traits 第 %d 项超出范围", ErrMalformed, i)
		}
		fields[i] = n.Uint64()
	}

	return TakerTraits{
		ExtensionOffset: fields[0],
		ExtensionLength: fields[1],
		SwapOffset:      fields[2],
		SwapLength:      fields[3],
	}, nil
}

// Split 按 traits 切分组合字节。
func (t TakerTraits) Split(combined []byte) (extension, swap []byte, err error) {
	size := uint64(len(combined))
	if t.ExtensionOffset+t.ExtensionLength > size || t.SwapOffset+t.SwapLength > size {
		return nil, nil, fmt.Errorf("%w: taker traits 越界 (组合长度 %d)", ErrMalformed, size)
	}
	extension = combined[t.ExtensionOffset : t.ExtensionOffset+t.ExtensionLength]
	swap = combined[t.SwapOffset : t.SwapOffset+t.SwapLength]
	return extension, swap, nil
}

var allowedSenderMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 80), big.NewInt(1))

// AllowedSender 取 makerTraits 低 80 位，即限定成交者地址的低 80 位。
func AllowedSender(makerTraits *big.Int) *big.Int {
	if makerTraits == nil {
		return new(big.Int)
	}
	return new(big.Int).And(makerTraits, allowedSenderMask)
}

// AllowsSender 判断 makerTraits 是否限定为 sender。
func AllowsSender(makerTraits *big.Int, sender common.Address) bool {
	want := new(big.Int).And(new(big.Int).SetBytes(sender.Bytes()), allowedSenderMask)
	return AllowedSender(makerTraits).Cmp(want) == 0
}
