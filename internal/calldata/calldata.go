// Package calldata 实现结算合约要求的二进制协议：扩展数据、兑换路由、taker traits
// 以及 flashLoanFill 的最终参数。字段顺序与字节宽度必须与链上解码器逐字节一致。
package calldata

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMalformed 表示输入无法按协议解析。
var ErrMalformed = errors.New("calldata: 数据格式错误")

var (
	uint256Type = mustType("uint256", nil)
	bytesType   = mustType("bytes", nil)
)

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(fmt.Sprintf("calldata: 构造 ABI 类型 %s 失败: %v", t, err))
	}
	return typ
}

// ParseAddress 解析 0x 地址，field 用于错误信息。
func ParseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s 不是合法地址 %q", ErrMalformed, field, raw)
	}
	return common.HexToAddress(raw), nil
}

// ParseUint256 解析十进制或 0x 十六进制整数，空串视为 0。
func ParseUint256(field, raw string) (*big.Int, error) {
	v, ok := math.ParseBig256(strings.TrimSpace(raw))
	if !ok {
		return nil, fmt.Errorf("%w: %s 不是合法的 uint256 %q", ErrMalformed, field, raw)
	}
	return v, nil
}

// DecodeHex 解析 0x 前缀的字节串。
func DecodeHex(field, raw string) ([]byte, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s 不是合法的十六进制字节串: %v", ErrMalformed, field, err)
	}
	return b, nil
}

// Hash 计算 keccak256 摘要，用于 extensionHash。
func Hash(data []byte) common.Hash {
	return crypto.Keccak256Hash(data)
}
