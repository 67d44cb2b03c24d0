package scheduler

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flashfill-relayer/internal/execution"
	"flashfill-relayer/internal/order"
)

// Dispatcher 用有界队列替代下单后的即发即弃填单。
// 队列满时丢弃的订单仍为 pending，由下一个调度周期接手。
type Dispatcher struct {
	filler  execution.Filler
	queue   chan string
	workers int
	logger  *zap.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewDispatcher 创建分发器。
func NewDispatcher(filler execution.Filler, queueSize, workers int, logger *zap.Logger) (*Dispatcher, error) {
	if filler == nil {
		return nil, errors.New("scheduler: filler 不能为空")
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		filler:  filler,
		queue:   make(chan string, queueSize),
		workers: workers,
		logger:  logger,
	}, nil
}

// Enqueue 非阻塞入队，返回是否成功。
func (d *Dispatcher) Enqueue(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- id:
		return true
	default:
		d.logger.Warn("分发队列已满，订单留待下个周期处理", zap.String("order_id", id))
		return false
	}
}

// Pending 返回队列中尚未被取走的订单数。
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run 启动 worker 直到 ctx 结束，结束后队列中剩余的订单保持 pending。
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("scheduler: dispatcher 已启动")
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info("填单分发器已启动", zap.Int("workers", d.workers), zap.Int("queue_size", cap(d.queue)))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	err := g.Wait()

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.logger.Info("填单分发器已停止", zap.Int("dropped", len(d.queue)))
	return err
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.fill(ctx, id)
		}
	}
}

func (d *Dispatcher) fill(ctx context.Context, id string) {
	outcome, err := d.filler.AttemptFill(ctx, id)
	switch {
	case err == nil && outcome.Success:
		d.logger.Info("异步填单成功", zap.String("order_id", id), zap.String("tx_hash", outcome.TxHash))
	case err == nil:
		d.logger.Warn("异步填单失败", zap.String("order_id", id), zap.Error(outcome.Err))
	case errors.Is(err, order.ErrInvalidTransition):
		// 已被其他触发方认领或已终结
		d.logger.Debug("订单已不在 pending，跳过", zap.String("order_id", id), zap.Error(err))
	default:
		d.logger.Error("异步填单异常", zap.String("order_id", id), zap.Error(err))
	}
}
