package execution

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"flashfill-relayer/internal/chain"
	"flashfill-relayer/internal/order"
)

var (
	// ErrBuildFailure 表示填单参数无法组装。
	ErrBuildFailure = errors.New("execution: 组装填单参数失败")
	// ErrSubmissionFailure 表示交易发送、确认或执行失败。
	ErrSubmissionFailure = errors.New("execution: 提交填单交易失败")
)

// Store 是执行器需要的订单存储能力。
type Store interface {
	Get(ctx context.Context, id string) (order.Order, error)
	Transition(ctx context.Context, id string, from, to order.Status, upd order.Update) (order.Order, error)
}

// Submitter 负责把 flashLoanFill 发送上链并等待回执。
type Submitter interface {
	From() common.Address
	FlashLoanFill(ctx context.Context, asset common.Address, amount *big.Int, params []byte) (chain.Receipt, error)
}

// Recorder 接收填单生命周期事件。
type Recorder interface {
	RecordFillStarted(ctx context.Context, orderID string)
	RecordFillSucceeded(ctx context.Context, orderID, txHash string, block uint64, elapsed time.Duration)
	RecordFillFailed(ctx context.Context, orderID, txHash string, cause error, elapsed time.Duration)
}

// Observer 接收填单耗时指标。
type Observer interface {
	FillObserved(outcome string, elapsed time.Duration)
}

// Options 控制兑换路由与扩展校验。
type Options struct {
	Settlement   common.Address
	Router       common.Address
	FeeTier      uint32
	SwapDeadline time.Duration
	Now          func() time.Time
}

// Outcome 是单次填单尝试的结果。Success=false 时 Err 说明失败原因。
type Outcome struct {
	OrderID     string
	Success     bool
	TxHash      string
	BlockNumber uint64
	Order       order.Order
	Err         error
}

// Filler 抽象单笔订单的填单入口，供调度器与 API 使用。
type Filler interface {
	AttemptFill(ctx context.Context, id string) (Outcome, error)
}

var _ Filler = (*Executor)(nil)
