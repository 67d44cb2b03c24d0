// extension 为 maker 生成订单扩展数据，便于离线签名。
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"flashfill-relayer/internal/calldata"
	"flashfill-relayer/internal/config"
	"flashfill-relayer/internal/token"
)

type output struct {
	ExtensionCalldata string `json:"extensionCalldata"`
	ExtensionHash     string `json:"extensionHash"`
	MakerAsset        string `json:"makerAsset"`
	TakerAsset        string `json:"takerAsset"`
	MakingAmount      string `json:"makingAmount,omitempty"`
	TakingAmount      string `json:"takingAmount,omitempty"`
	MakerTraits       string `json:"makerTraits,omitempty"`
}

func main() {
	var (
		configPath string
		maker      string
		collateral string
		debt       string
		making     string
		taking     string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&maker, "maker", "", "maker 地址")
	flag.StringVar(&collateral, "collateral", "WETH", "抵押资产，代币符号或地址（订单 takerAsset）")
	flag.StringVar(&debt, "debt", "USDC", "借出资产，代币符号或地址（订单 makerAsset）")
	flag.StringVar(&making, "making", "", "可选，借出数量（人类可读，如 100）")
	flag.StringVar(&taking, "taking", "", "可选，抵押数量（人类可读，如 0.1）")
	flag.Parse()

	if err := run(configPath, maker, collateral, debt, making, taking); err != nil {
		fmt.Fprintf(os.Stderr, "生成扩展失败: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, maker, collateral, debt, making, taking string) error {
	cfg, err := config.Read(configPath)
	if err != nil {
		return err
	}
	catalog, err := token.NewCatalog(cfg.Tokens)
	if err != nil {
		return err
	}

	makerAddr, err := calldata.ParseAddress("maker", maker)
	if err != nil {
		return err
	}
	settlement, err := calldata.ParseAddress("chain.settlement_address", cfg.Chain.SettlementAddress)
	if err != nil {
		return err
	}
	pool, err := calldata.ParseAddress("lending.pool_address", cfg.Lending.PoolAddress)
	if err != nil {
		return err
	}
	collateralToken, err := resolve(catalog, collateral)
	if err != nil {
		return err
	}
	debtToken, err := resolve(catalog, debt)
	if err != nil {
		return err
	}

	ext := calldata.BuildExtension(settlement, makerAddr, collateralToken.Address, debtToken.Address, calldata.Lending{
		LenderID:         cfg.Lending.LenderID,
		Pool:             pool,
		InterestRateMode: cfg.Lending.InterestRateMode,
	})

	out := output{
		ExtensionCalldata: hexutil.Encode(ext),
		ExtensionHash:     calldata.Hash(ext).Hex(),
		MakerAsset:        debtToken.Address.Hex(),
		TakerAsset:        collateralToken.Address.Hex(),
	}
	if making != "" {
		amount, err := debtToken.Units(making)
		if err != nil {
			return err
		}
		out.MakingAmount = amount.String()
	}
	if taking != "" {
		amount, err := collateralToken.Units(taking)
		if err != nil {
			return err
		}
		out.TakingAmount = amount.String()
	}
	if cfg.Relayer.AllowedSender != "" {
		sender, err := calldata.ParseAddress("relayer.allowed_sender", cfg.Relayer.AllowedSender)
		if err != nil {
			return err
		}
		out.MakerTraits = calldata.AllowedSender(sender.Big()).String()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// resolve 接受代币符号或地址，地址不在目录中时按 18 位精度处理。
func resolve(catalog *token.Catalog, raw string) (token.Token, error) {
	raw = strings.TrimSpace(raw)
	if t, ok := catalog.BySymbol(raw); ok {
		return t, nil
	}
	if !common.IsHexAddress(raw) {
		return token.Token{}, fmt.Errorf("未知代币 %q", raw)
	}
	addr := common.HexToAddress(raw)
	if t, ok := catalog.Lookup(addr); ok {
		return t, nil
	}
	return token.Token{Symbol: addr.Hex(), Address: addr, Decimals: 18}, nil
}
