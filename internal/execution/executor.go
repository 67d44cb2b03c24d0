package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"flashfill-relayer/internal/calldata"
	"flashfill-relayer/internal/metrics"
	"flashfill-relayer/internal/order"
)

// Executor 驱动单笔订单 pending -> filling -> filled|failed。
type Executor struct {
	store     Store
	submitter Submitter
	recorder  Recorder
	observer  Observer
	opts      Options
	logger    *zap.Logger
}

// NewExecutor 创建执行器，recorder 与 observer 可为空。
func NewExecutor(store Store, submitter Submitter, recorder Recorder, observer Observer, opts Options, logger *zap.Logger) (*Executor, error) {
	if store == nil {
		return nil, errors.New("execution: store 不能为空")
	}
	if submitter == nil {
		return nil, errors.New("execution: submitter 不能为空")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SwapDeadline <= 0 {
		opts.SwapDeadline = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:     store,
		submitter: submitter,
		recorder:  recorder,
		observer:  observer,
		opts:      opts,
		logger:    logger,
	}, nil
}

// AttemptFill 执行一次填单。订单不存在或不是 pending 时返回错误且不做任何修改；
// 认领成功后组装或提交失败只体现在 Outcome 中，订单被置为 failed。
// 认领之后的流程不受调用方取消影响，只由链上客户端的 confirm_timeout 约束。
func (e *Executor) AttemptFill(ctx context.Context, id string) (Outcome, error) {
	outcome := Outcome{OrderID: id}

	current, err := e.store.Get(ctx, id)
	if err != nil {
		return outcome, err
	}
	outcome.Order = current
	if current.Status != order.StatusPending {
		return outcome, &order.StateError{ID: id, Current: current.Status, From: order.StatusPending, To: order.StatusFilling}
	}

	// CAS 认领，并发调用者在此处失败且不会触达链上
	claimed, err := e.store.Transition(ctx, id, order.StatusPending, order.StatusFilling, order.Update{})
	if err != nil {
		if latest, getErr := e.store.Get(ctx, id); getErr == nil {
			outcome.Order = latest
		}
		return outcome, err
	}
	outcome.Order = claimed
	start := e.opts.Now()

	// 交易一旦广播就可能上链，调用方断开不能把订单写成 failed
	ctx = context.WithoutCancel(ctx)
	e.recordStarted(ctx, id)

	logger := e.logger.With(zap.String("order_id", id))
	logger.Info("开始填单")

	asset, amount, params, err := e.build(claimed)
	if err != nil {
		return e.fail(ctx, outcome, fmt.Errorf("%w: %w", ErrBuildFailure, err), common.Hash{}, start)
	}

	receipt, err := e.submitter.FlashLoanFill(ctx, asset, amount, params)
	if err != nil {
		return e.fail(ctx, outcome, fmt.Errorf("%w: %w", ErrSubmissionFailure, err), receipt.TxHash, start)
	}

	filledAt := e.opts.Now()
	filled, err := e.store.Transition(ctx, id, order.StatusFilling, order.StatusFilled, order.Update{
		FilledAt: filledAt.UnixMilli(),
		TxHash:   receipt.TxHash.Hex(),
	})
	if err != nil {
		logger.Error("交易已确认但写入 filled 失败", zap.String("tx_hash", receipt.TxHash.Hex()), zap.Error(err))
		return outcome, fmt.Errorf("execution: 更新订单为 filled 失败: %w", err)
	}

	elapsed := filledAt.Sub(start)
	outcome.Success = true
	outcome.TxHash = filled.TxHash
	outcome.BlockNumber = receipt.BlockNumber
	outcome.Order = filled

	if e.recorder != nil {
		e.recorder.RecordFillSucceeded(ctx, id, filled.TxHash, receipt.BlockNumber, elapsed)
	}
	if e.observer != nil {
		e.observer.FillObserved(metrics.OutcomeFilled, elapsed)
	}

	logger.Info("填单成功",
		zap.String("tx_hash", filled.TxHash),
		zap.Uint64("block", receipt.BlockNumber),
		zap.Duration("elapsed", elapsed),
	)
	return outcome, nil
}

func (e *Executor) fail(ctx context.Context, outcome Outcome, cause error, txHash common.Hash, start time.Time) (Outcome, error) {
	upd := order.Update{ErrorMessage: cause.Error()}
	if txHash != (common.Hash{}) {
		upd.TxHash = txHash.Hex()
	}

	elapsed := e.opts.Now().Sub(start)
	failed, err := e.store.Transition(ctx, outcome.OrderID, order.StatusFilling, order.StatusFailed, upd)
	if err != nil {
		e.logger.Error("写入 failed 状态失败",
			zap.String("order_id", outcome.OrderID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return outcome, fmt.Errorf("execution: 更新订单为 failed 失败: %w", err)
	}

	outcome.Order = failed
	outcome.TxHash = upd.TxHash
	outcome.Err = cause

	if e.recorder != nil {
		e.recorder.RecordFillFailed(ctx, outcome.OrderID, upd.TxHash, cause, elapsed)
	}
	if e.observer != nil {
		e.observer.FillObserved(metrics.OutcomeFailed, elapsed)
	}

	e.logger.Warn("填单失败",
		zap.String("order_id", outcome.OrderID),
		zap.String("tx_hash", upd.TxHash),
		zap.Error(cause),
	)
	return outcome, nil
}

func (e *Executor) recordStarted(ctx context.Context, id string) {
	if e.recorder != nil {
		e.recorder.RecordFillStarted(ctx, id)
	}
}

// build 仅使用订单自身字段组装 flashLoanFill 参数。
func (e *Executor) build(o order.Order) (common.Address, *big.Int, []byte, error) {
	terms, err := ParseTerms(o.Terms)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	makerSig, err := calldata.DecodeHex("orderSignature", o.MakerSignature)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	extension, err := calldata.DecodeHex("extensionCalldata", o.ExtensionCalldata)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	extensionSig, err := calldata.DecodeHex("extensionSignature", o.ExtensionSignature)
	if err != nil {
		return common.Address{}, nil, nil, err
	}

	ext, err := calldata.ParseExtension(extension)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	if ext.Settlement != e.opts.Settlement {
		return common.Address{}, nil, nil, fmt.Errorf("扩展中的结算合约 %s 与配置 %s 不一致", ext.Settlement.Hex(), e.opts.Settlement.Hex())
	}
	if ext.Maker != terms.Maker {
		return common.Address{}, nil, nil, fmt.Errorf("扩展中的 maker %s 与订单 maker %s 不一致", ext.Maker.Hex(), terms.Maker.Hex())
	}

	filler := e.submitter.From()
	swap, err := calldata.BuildSwap(calldata.Swap{
		Router:    e.opts.Router,
		TokenIn:   terms.TakerAsset,
		TokenOut:  terms.MakerAsset,
		Fee:       e.opts.FeeTier,
		Recipient: filler,
		Deadline:  big.NewInt(e.opts.Now().Add(e.opts.SwapDeadline).Unix()),
		AmountIn:  terms.TakingAmount,
	})
	if err != nil {
		return common.Address{}, nil, nil, err
	}

	params, err := calldata.NewFillParams(filler, terms, makerSig, extension, swap, extensionSig)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	encoded, err := params.Encode()
	if err != nil {
		return common.Address{}, nil, nil, err
	}

	return terms.MakerAsset, terms.MakingAmount, encoded, nil
}

// ParseTerms 把存储中的字符串条款解析为 ABI 编码用的结构。
func ParseTerms(t order.Terms) (calldata.OrderTerms, error) {
	var (
		out calldata.OrderTerms
		err error
	)
	if out.Salt, err = calldata.ParseUint256("order.salt", t.Salt); err != nil {
		return out, err
	}
	if out.Maker, err = calldata.ParseAddress("order.maker", t.Maker); err != nil {
		return out, err
	}
	if out.Receiver, err = calldata.ParseAddress("order.receiver", t.Receiver); err != nil {
		return out, err
	}
	if out.MakerAsset, err = calldata.ParseAddress("order.makerAsset", t.MakerAsset); err != nil {
		return out, err
	}
	if out.TakerAsset, err = calldata.ParseAddress("order.takerAsset", t.TakerAsset); err != nil {
		return out, err
	}
	if out.MakingAmount, err = calldata.ParseUint256("order.makingAmount", t.MakingAmount); err != nil {
		return out, err
	}
	if out.TakingAmount, err = calldata.ParseUint256("order.takingAmount", t.TakingAmount); err != nil {
		return out, err
	}
	if out.MakerTraits, err = calldata.ParseUint256("order.makerTraits", t.MakerTraits); err != nil {
		return out, err
	}
	return out, nil
}
