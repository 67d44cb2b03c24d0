package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"flashfill-relayer/internal/execution"
)

// PendingSource 提供按创建时间排序的待处理订单ID。
type PendingSource interface {
	PendingIDs(ctx context.Context, limit int) ([]string, error)
}

// DrainResult 是单笔订单在一次 drain 中的结果。
type DrainResult struct {
	OrderID string `json:"orderId"`
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	TxHash  string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DrainSummary 汇总一次 drain。
type DrainSummary struct {
	Processed  int           `json:"processed"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Results    []DrainResult `json:"results"`
}

// Drainer 取出至多 batchSize 个待处理订单并逐个填单。
type Drainer struct {
	pending   PendingSource
	filler    execution.Filler
	batchSize int
	fillDelay time.Duration
	logger    *zap.Logger
}

// NewDrainer 创建 drain 执行器。
func NewDrainer(pending PendingSource, filler execution.Filler, batchSize int, fillDelay time.Duration, logger *zap.Logger) (*Drainer, error) {
	if pending == nil || filler == nil {
		return nil, errors.New("scheduler: pending 与 filler 不能为空")
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{
		pending:   pending,
		filler:    filler,
		batchSize: batchSize,
		fillDelay: fillDelay,
		logger:    logger,
	}, nil
}

// Drain 顺序处理一批订单，单笔失败不影响其余订单；只有读取待处理列表失败或 ctx 取消时返回错误。
func (d *Drainer) Drain(ctx context.Context) (DrainSummary, error) {
	summary := DrainSummary{Results: make([]DrainResult, 0)}

	ids, err := d.pending.PendingIDs(ctx, d.batchSize)
	if err != nil {
		return summary, fmt.Errorf("scheduler: 读取待处理订单失败: %w", err)
	}
	if len(ids) == 0 {
		return summary, nil
	}

	d.logger.Info("开始处理待处理订单", zap.Int("count", len(ids)))

	for i, id := range ids {
		if i > 0 && d.fillDelay > 0 {
			if err := sleep(ctx, d.fillDelay); err != nil {
				return summary, err
			}
		}

		result := DrainResult{OrderID: id}
		outcome, fillErr := d.filler.AttemptFill(ctx, id)
		switch {
		case fillErr != nil:
			result.Error = fillErr.Error()
		case outcome.Success:
			result.Success = true
			result.TxHash = outcome.TxHash
		default:
			result.TxHash = outcome.TxHash
			if outcome.Err != nil {
				result.Error = outcome.Err.Error()
			}
		}
		result.Status = string(outcome.Order.Status)

		summary.Processed++
		if result.Success {
			summary.Successful++
		} else {
			summary.Failed++
			d.logger.Warn("订单处理失败", zap.String("order_id", id), zap.String("error", result.Error))
		}
		summary.Results = append(summary.Results, result)
	}

	return summary, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
