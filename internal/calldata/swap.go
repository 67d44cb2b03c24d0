package calldata

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const routerABIJSON = `[{
	"name": "exactInputSingle",
	"type": "function",
	"stateMutability": "payable",
	"inputs": [{
		"name": "params",
		"type": "tuple",
		"components": [
			{"name": "tokenIn", "type": "address"},
			{"name": "tokenOut", "type": "address"},
			{"name": "fee", "type": "uint24"},
			{"name": "recipient", "type": "address"},
			{"name": "deadline", "type": "uint256"},
			{"name": "amountIn", "type": "uint256"},
			{"name": "amountOutMinimum", "type": "uint256"},
			{"name": "sqrtPriceLimitX96", "type": "uint160"}
		]
	}],
	"outputs": [{"name": "amountOut", "type": "uint256"}]
}]`

var (
	routerABI   = mustParseABI(routerABIJSON)
	exactSingle = routerABI.Methods["exactInputSingle"]
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("calldata: 解析 ABI 失败: %v", err))
	}
	return parsed
}

// ExactInputSingleParams 对应路由合约 exactInputSingle 的参数结构。
type ExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// Swap 描述一次单池精确输入兑换。
type Swap struct {
	Router    common.Address
	TokenIn   common.Address
	TokenOut  common.Address
	Fee       uint32
	Recipient common.Address
	Deadline  *big.Int
	AmountIn  *big.Int
}

// BuildSwap 构造 router(20) ‖ exactInputSingle 调用数据，最小输出与价格限制均为 0。
func BuildSwap(s Swap) ([]byte, error) {
	if s.Deadline == nil || s.AmountIn == nil {
		return nil, fmt.Errorf("%w: 兑换缺少 deadline 或 amountIn", ErrMalformed)
	}

	call, err := routerABI.Pack(exactSingle.Name, ExactInputSingleParams{
		TokenIn:           s.TokenIn,
		TokenOut:          s.TokenOut,
		Fee:               new(big.Int).SetUint64(uint64(s.Fee)),
		Recipient:         s.Recipient,
		Deadline:          s.Deadline,
		AmountIn:          s.AmountIn,
		AmountOutMinimum:  new(big.Int),
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return nil, fmt.Errorf("calldata: 编码兑换调用失败: %w", err)
	}

	out := make([]byte, 0, common.AddressLength+len(call))
	out = append(out, s.Router.Bytes()...)
	return append(out, call...), nil
}

// DecodeSwap 拆分路由地址并解码 exactInputSingle 参数。
func DecodeSwap(data []byte) (common.Address, ExactInputSingleParams, error) {
	if len(data) < common.AddressLength+4 {
		return common.Address{}, ExactInputSingleParams{}, fmt.Errorf("%w: 兑换数据长度 %d 不足", ErrMalformed, len(data))
	}

	router := common.BytesToAddress(data[:common.AddressLength])
	call := data[common.AddressLength:]
	if !bytes.Equal(call[:4], exactSingle.ID) {
		return common.Address{}, ExactInputSingleParams{}, fmt.Errorf("%w: 兑换选择器 0x%x 不匹配", ErrMalformed, call[:4])
	}

	values, err := exactSingle.Inputs.Unpack(call[4:])
	if err != nil {
		return common.Address{}, ExactInputSingleParams{}, fmt.Errorf("%w: 解码兑换参数失败: %v", ErrMalformed, err)
	}
	params := *abi.ConvertType(values[0], new(ExactInputSingleParams)).(*ExactInputSingleParams)

	return router, params, nil
}
