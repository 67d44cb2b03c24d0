package token

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"flashfill-relayer/internal/config"
)

// Token 描述一个 ERC20 代币的展示信息。
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Catalog 按地址与符号索引代币，仅用于金额展示与换算。
type Catalog struct {
	byAddress map[common.Address]Token
	bySymbol  map[string]Token
}

// NewCatalog 根据配置构建代币目录。
func NewCatalog(tokens []config.TokenConfig) (*Catalog, error) {
	c := &Catalog{
		byAddress: make(map[common.Address]Token, len(tokens)),
		bySymbol:  make(map[string]Token, len(tokens)),
	}

	for _, tc := range tokens {
		if !common.IsHexAddress(tc.Address) {
			return nil, fmt.Errorf("token: %s 地址非法 %q", tc.Symbol, tc.Address)
		}
		t := Token{
			Symbol:   tc.Symbol,
			Address:  common.HexToAddress(tc.Address),
			Decimals: tc.Decimals,
		}
		key := strings.ToUpper(t.Symbol)
		if _, dup := c.bySymbol[key]; dup {
			return nil, fmt.Errorf("token: 符号 %s 重复", t.Symbol)
		}
		c.byAddress[t.Address] = t
		c.bySymbol[key] = t
	}

	return c, nil
}

// Lookup 按地址查找。
func (c *Catalog) Lookup(addr common.Address) (Token, bool) {
	if c == nil {
		return Token{}, false
	}
	t, ok := c.byAddress[addr]
	return t, ok
}

// BySymbol 按符号查找，大小写不敏感。
func (c *Catalog) BySymbol(symbol string) (Token, bool) {
	if c == nil {
		return Token{}, false
	}
	t, ok := c.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	return t, ok
}

// Format 把链上整数金额格式化为 "0.1 WETH"，未知代币原样输出整数与地址。
func (c *Catalog) Format(addr common.Address, amount *big.Int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	t, ok := c.Lookup(addr)
	if !ok {
		return fmt.Sprintf("%s @%s", amount.String(), addr.Hex())
	}
	return decimal.NewFromBigInt(amount, -t.Decimals).String() + " " + t.Symbol
}

// Units 把 "0.1" 这样的人类可读金额换算为最小单位整数。
func (t Token) Units(human string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(human))
	if err != nil {
		return nil, fmt.Errorf("token: 金额 %q 非法: %w", human, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("token: 金额 %q 不能为负", human)
	}

	scaled := d.Shift(t.Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("token: 金额 %q 超出 %s 的精度 %d", human, t.Symbol, t.Decimals)
	}
	return scaled.BigInt(), nil
}
