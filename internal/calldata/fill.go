package calldata

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var orderTermsType = mustType("tuple", []abi.ArgumentMarshaling{
	{Name: "salt", Type: "uint256"},
	{Name: "maker", Type: "address"},
	{Name: "receiver", Type: "address"},
	{Name: "makerAsset", Type: "address"},
	{Name: "takerAsset", Type: "address"},
	{Name: "makingAmount", Type: "uint256"},
	{Name: "takingAmount", Type: "uint256"},
	{Name: "makerTraits", Type: "uint256"},
})

var fillArgs = abi.Arguments{
	{Name: "order", Type: orderTermsType},
	{Name: "signature", Type: bytesType},
	{Name: "takingAmount", Type: uint256Type},
	{Name: "takerTraits", Type: bytesType},
	{Name: "args", Type: bytesType},
	{Name: "extensionSignature", Type: bytesType},
}

const settlementABIJSON = `[{
	"name": "flashLoanFill",
	"type": "function",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "asset", "type": "address"},
		{"name": "amount", "type": "uint256"},
		{"name": "params", "type": "bytes"}
	],
	"outputs": []
}]`

// FlashLoanFillMethod 是结算合约的填单入口。
const FlashLoanFillMethod = "flashLoanFill"

// SettlementABI 返回结算合约 ABI。
func SettlementABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(settlementABIJSON))
	if err != nil {
		panic(fmt.Sprintf("calldata: 解析结算合约 ABI 失败: %v", err))
	}
	return parsed
}

// OrderTerms 是 ABI 编码用的订单条款，字段顺序即元组顺序。
type OrderTerms struct {
	Salt         *big.Int
	Maker        common.Address
	Receiver     common.Address
	MakerAsset   common.Address
	TakerAsset   common.Address
	MakingAmount *big.Int
	TakingAmount *big.Int
	MakerTraits  *big.Int
}

// FillParams 是 flashLoanFill 的 params 参数内容。
type FillParams struct {
	Filler             common.Address
	Terms              OrderTerms
	MakerSignature     []byte
	TakingAmount       *big.Int
	TakerTraits        []byte
	Interaction        []byte
	ExtensionSignature []byte
}

// NewFillParams 拼接 extension‖swap 并根据两段长度生成 taker traits。
func NewFillParams(filler common.Address, terms OrderTerms, makerSig, extension, swap, extensionSig []byte) (FillParams, error) {
	traits, err := NewTakerTraits(len(extension), len(swap)).Encode()
	if err != nil {
		return FillParams{}, err
	}

	interaction := make([]byte, 0, len(extension)+len(swap))
	interaction = append(interaction, extension...)
	interaction = append(interaction, swap...)

	return FillParams{
		Filler:             filler,
		Terms:              terms,
		MakerSignature:     makerSig,
		TakingAmount:       terms.TakingAmount,
		TakerTraits:        traits,
		Interaction:        interaction,
		ExtensionSignature: extensionSig,
	}, nil
}

// Encode 输出 filler(20) ‖ abi.encode(...)。
func (p FillParams) Encode() ([]byte, error) {
	if p.Terms.Salt == nil || p.Terms.MakingAmount == nil || p.Terms.TakingAmount == nil || p.Terms.MakerTraits == nil || p.TakingAmount == nil {
		return nil, fmt.Errorf("%w: 订单条款存在空数值", ErrMalformed)
	}

	encoded, err := fillArgs.Pack(p.Terms, p.MakerSignature, p.TakingAmount, p.TakerTraits, p.Interaction, p.ExtensionSignature)
	if err != nil {
		return nil, fmt.Errorf("calldata: 编码填单参数失败: %w", err)
	}

	out := make([]byte, 0, common.AddressLength+len(encoded))
	out = append(out, p.Filler.Bytes()...)
	return append(out, encoded...), nil
}

// DecodeFillParams 是 Encode 的逆过程。
func DecodeFillParams(data []byte) (FillParams, error) {
	if len(data) < common.AddressLength {
		return FillParams{}, fmt.Errorf("%w: 填单参数长度 %d 不足", ErrMalformed, len(data))
	}

	values, err := fillArgs.Unpack(data[common.AddressLength:])
	if err != nil {
		return FillParams{}, fmt.Errorf("%w: 解码填单参数失败: %v", ErrMalformed, err)
	}
	if len(values) != len(fillArgs) {
		return FillParams{}, fmt.Errorf("%w: 填单参数项数 %d", ErrMalformed, len(values))
	}

	p := FillParams{
		Filler: common.BytesToAddress(data[:common.AddressLength]),
		Terms:  *abi.ConvertType(values[0], new(OrderTerms)).(*OrderTerms),
	}

	var ok bool
	if p.MakerSignature, ok = values[1].([]byte); !ok {
		return FillParams{}, fmt.Errorf("%w: signature 类型 %T", ErrMalformed, values[1])
	}
	if p.TakingAmount, ok = values[2].(*big.Int); !ok {
		return FillParams{}, fmt.Errorf("%w: takingAmount 类型 %T", ErrMalformed, values[2])
	}
	if p.TakerTraits, ok = values[3].([]byte); !ok {
		return FillParams{}, fmt.Errorf("%w: takerTraits 类型 %T", ErrMalformed, values[3])
	}
	if p.Interaction, ok = values[4].([]byte); !ok {
		return FillParams{}, fmt.Errorf("%w: args 类型 %T", ErrMalformed, values[4])
	}
	if p.ExtensionSignature, ok = values[5].([]byte); !ok {
		return FillParams{}, fmt.Errorf("%w: extensionSignature 类型 %T", ErrMalformed, values[5])
	}

	return p, nil
}

// Segments 根据 taker traits 取回扩展与兑换两段字节。
func (p FillParams) Segments() (extension, swap []byte, err error) {
	traits, err := DecodeTakerTraits(p.TakerTraits)
	if err != nil {
		return nil, nil, err
	}
	return traits.Split(p.Interaction)
}
