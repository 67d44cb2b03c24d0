package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flashfill-relayer/internal/chain"
	"flashfill-relayer/internal/config"
	"flashfill-relayer/internal/execution"
	"flashfill-relayer/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 连接链上节点并运行 HTTP 服务、分发器与调度循环，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	client, err := chain.Dial(ctx, a.cfg.Chain, a.logger)
	if err != nil {
		return fmt.Errorf("初始化链上客户端失败: %w", err)
	}
	defer client.Close()

	return a.run(ctx, client)
}

func (a *App) run(ctx context.Context, submitter execution.Submitter) error {
	orch, err := newOrchestrator(a.cfg, a.logger, a.store, submitter)
	if err != nil {
		return err
	}

	a.logger.Info("中继服务已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("filler", submitter.From().Hex()),
		zap.String("settlement", a.cfg.Chain.SettlementAddress),
		zap.Duration("loop_interval", a.cfg.Scheduler.LoopInterval),
		zap.String("daily_at", a.cfg.Scheduler.DailyAt),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(gctx, orch.server.Router(), a.cfg.Server, a.logger)
	})
	g.Go(func() error {
		return orch.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return orch.runLoop(gctx)
	})
	g.Go(func() error {
		return orch.runDaily(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}
