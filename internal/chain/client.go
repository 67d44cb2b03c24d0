package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"flashfill-relayer/internal/calldata"
	"flashfill-relayer/internal/config"
)

// Backend 是提交与确认交易所需的链上能力，*ethclient.Client 满足该接口。
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Receipt 是已上链交易的摘要。
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Client 负责签名、发送 flashLoanFill 交易并等待回执，RPC 调用带重试。
type Client struct {
	cfg        config.ChainConfig
	logger     *zap.Logger
	backend    Backend
	key        *ecdsa.PrivateKey
	from       common.Address
	chainID    *big.Int
	settlement common.Address
	contract   *bind.BoundContract
	closeFn    func()

	// 同一账户的 nonce 获取与发送必须串行
	sendMu sync.Mutex
}

// Dial 连接 RPC 节点并构造客户端。
func Dial(ctx context.Context, cfg config.ChainConfig, logger *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: 连接 RPC 失败: %w", err)
	}

	client, err := NewClient(ctx, cfg, eth, logger)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closeFn = eth.Close
	return client, nil
}

// NewClient 使用给定 backend 构造客户端，chain_id 为 0 时从节点查询。
func NewClient(ctx context.Context, cfg config.ChainConfig, backend Backend, logger *zap.Logger) (*Client, error) {
	if backend == nil {
		return nil, errors.New("chain: backend 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: 解析私钥失败: %w", err)
	}

	settlement, err := calldata.ParseAddress("chain.settlement_address", cfg.SettlementAddress)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		logger:     logger,
		backend:    backend,
		key:        key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		settlement: settlement,
		contract:   bind.NewBoundContract(settlement, calldata.SettlementABI(), backend, backend, backend),
	}

	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	} else {
		err = c.callWithRetry(ctx, "chain_id", func() error {
			id, idErr := backend.ChainID(ctx)
			if idErr != nil {
				return idErr
			}
			c.chainID = id
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("chain: 查询 chain id 失败: %w", err)
		}
	}

	logger.Info("链上客户端已就绪",
		zap.String("filler", c.from.Hex()),
		zap.String("settlement", settlement.Hex()),
		zap.String("chain_id", c.chainID.String()),
	)

	return c, nil
}

// From 返回签名账户地址，即填单者地址。
func (c *Client) From() common.Address {
	return c.from
}

// Settlement 返回结算合约地址。
func (c *Client) Settlement() common.Address {
	return c.settlement
}

// Close 释放 RPC 连接。
func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

// FlashLoanFill 发送 flashLoanFill(asset, amount, params) 并阻塞等待回执。
// 交易签名后 Receipt 始终带有交易哈希，包括发送失败、回滚与确认超时。
func (c *Client) FlashLoanFill(ctx context.Context, asset common.Address, amount *big.Int, params []byte) (Receipt, error) {
	tx, err := c.send(ctx, asset, amount, params)
	if tx == nil {
		return Receipt{}, err
	}
	if err != nil {
		return Receipt{TxHash: tx.Hash()}, err
	}

	c.logger.Info("填单交易已发送",
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.String("asset", asset.Hex()),
		zap.String("amount", amount.String()),
	)

	return c.waitMined(ctx, tx)
}

// send 先签名一次，再重试广播同一笔已签名交易，避免以相同 nonce 重新构造。
func (c *Client) send(ctx context.Context, asset common.Address, amount *big.Int, params []byte) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var nonce uint64
	err := c.callWithRetry(ctx, "pending_nonce", func() error {
		n, nonceErr := c.backend.PendingNonceAt(ctx, c.from)
		if nonceErr != nil {
			return nonceErr
		}
		nonce = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chain: 获取 nonce 失败: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("chain: 构造签名器失败: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = c.cfg.GasLimit
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.NoSend = true

	var tx *types.Transaction
	err = c.callWithRetry(ctx, "sign_flash_loan_fill", func() error {
		signed, signErr := c.contract.Transact(opts, calldata.FlashLoanFillMethod, asset, amount, params)
		if signErr != nil {
			return signErr
		}
		tx = signed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chain: 签名填单交易失败: %w", err)
	}

	if err := c.broadcast(ctx, tx); err != nil {
		return tx, fmt.Errorf("chain: 发送填单交易 %s 失败: %w", tx.Hash().Hex(), err)
	}
	return tx, nil
}

// broadcast 重试发送同一笔交易。节点已持有该交易视为成功；
// 之前的发送结果不确定时，nonce too low 说明交易可能已被打包，交给回执确认判断。
func (c *Client) broadcast(ctx context.Context, tx *types.Transaction) error {
	uncertain := false
	return c.callWithRetry(ctx, "send_transaction", func() error {
		err := c.backend.SendTransaction(ctx, tx)
		switch {
		case err == nil:
			return nil
		case IsKnownTransaction(err):
			c.logger.Info("节点已持有该交易", zap.String("tx_hash", tx.Hash().Hex()))
			return nil
		case uncertain && IsNonceTooLow(err):
			c.logger.Warn("nonce 已被使用，等待回执确认", zap.String("tx_hash", tx.Hash().Hex()))
			return nil
		}
		if IsRetryable(err) {
			uncertain = true
		}
		return err
	})
}

func (c *Client) waitMined(ctx context.Context, tx *types.Transaction) (Receipt, error) {
	waitCtx := ctx
	if c.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
		defer cancel()
	}

	start := time.Now()
	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Receipt{TxHash: tx.Hash()}, fmt.Errorf("%w: %s (%s)", ErrConfirmTimeout, tx.Hash().Hex(), c.cfg.ConfirmTimeout)
		}
		return Receipt{TxHash: tx.Hash()}, fmt.Errorf("chain: 等待交易 %s 确认失败: %w", tx.Hash().Hex(), err)
	}

	result, err := checkReceipt(receipt)
	if err != nil {
		c.logger.Warn("填单交易回滚",
			zap.String("tx_hash", result.TxHash.Hex()),
			zap.Uint64("block", result.BlockNumber),
		)
		return result, err
	}

	c.logger.Info("填单交易已确认",
		zap.String("tx_hash", result.TxHash.Hex()),
		zap.Uint64("block", result.BlockNumber),
		zap.Uint64("gas_used", result.GasUsed),
		zap.Duration("latency", time.Since(start)),
	)
	return result, nil
}

func checkReceipt(receipt *types.Receipt) (Receipt, error) {
	if receipt == nil {
		return Receipt{}, errors.New("chain: 回执为空")
	}

	result := Receipt{
		TxHash:  receipt.TxHash,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return result, fmt.Errorf("%w: %s (区块 %d)", ErrReverted, receipt.TxHash.Hex(), result.BlockNumber)
	}
	return result, nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				c.logger.Info("RPC 调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			c.logger.Error("RPC 调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("RPC 调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
