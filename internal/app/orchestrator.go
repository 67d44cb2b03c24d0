package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jasonlvhit/gocron"
	"go.uber.org/zap"

	"flashfill-relayer/internal/api"
	"flashfill-relayer/internal/config"
	"flashfill-relayer/internal/execution"
	"flashfill-relayer/internal/metrics"
	"flashfill-relayer/internal/monitor"
	"flashfill-relayer/internal/order"
	"flashfill-relayer/internal/scheduler"
	"flashfill-relayer/internal/store"
	"flashfill-relayer/internal/token"
)

// orchestrator 持有一次运行中构造好的全部组件。
type orchestrator struct {
	repo       *order.Repository
	monitor    *monitor.Service
	metrics    *metrics.Collector
	executor   *execution.Executor
	drainer    *scheduler.Drainer
	cycles     *scheduler.Scheduler
	dispatcher *scheduler.Dispatcher
	server     *api.Server
	logger     *zap.Logger

	loopInterval time.Duration
	dailyAt      string
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger, st *store.Store, submitter execution.Submitter) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	tokens, err := token.NewCatalog(cfg.Tokens)
	if err != nil {
		return nil, fmt.Errorf("初始化代币目录失败: %w", err)
	}

	repo, err := order.NewRepository(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化订单仓库失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(st, tokens, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New(cfg.Metrics.Namespace)
	}

	executor, err := execution.NewExecutor(repo, submitter, monitorSvc, collector, execution.Options{
		Settlement:   common.HexToAddress(cfg.Chain.SettlementAddress),
		Router:       common.HexToAddress(cfg.Swap.RouterAddress),
		FeeTier:      cfg.Swap.FeeTier,
		SwapDeadline: cfg.Swap.Deadline,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化填单执行器失败: %w", err)
	}

	drainer, err := scheduler.NewDrainer(repo, executor, cfg.Scheduler.BatchSize, cfg.Scheduler.FillDelay, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化批处理失败: %w", err)
	}

	cycles, err := scheduler.New(drainer, scheduler.Options{
		MaxBatches: cfg.Scheduler.MaxBatches,
		BatchDelay: cfg.Scheduler.BatchDelay,
	}, monitorSvc, collector, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化调度器失败: %w", err)
	}

	dispatcher, err := scheduler.NewDispatcher(executor, cfg.Dispatcher.QueueSize, cfg.Dispatcher.Workers, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化分发器失败: %w", err)
	}

	deps := api.Deps{
		Store:      repo,
		Filler:     executor,
		Drainer:    drainer,
		Cycles:     cycles,
		Dispatcher: dispatcher,
		Events:     monitorSvc,
		Health:     st,
	}
	if collector != nil {
		deps.Metrics = collector
	}
	opts := api.Options{
		CronSecret:      cfg.Relayer.CronSecret,
		RequireCronAuth: !cfg.App.IsLocal(),
	}
	if cfg.Relayer.AllowedSender != "" {
		opts.AllowedSender = common.HexToAddress(cfg.Relayer.AllowedSender)
	}
	server, err := api.NewServer(deps, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化接口层失败: %w", err)
	}

	return &orchestrator{
		repo:         repo,
		monitor:      monitorSvc,
		metrics:      collector,
		executor:     executor,
		drainer:      drainer,
		cycles:       cycles,
		dispatcher:   dispatcher,
		server:       server,
		logger:       logger,
		loopInterval: cfg.Scheduler.LoopInterval,
		dailyAt:      cfg.Scheduler.DailyAt,
	}, nil
}

// Tick 运行一个调度周期并刷新状态指标。
func (o *orchestrator) Tick(ctx context.Context, trigger string) scheduler.CycleSummary {
	summary := o.cycles.RunCycle(scheduler.WithTrigger(ctx, trigger))
	if summary.Err != nil {
		o.monitor.RecordError(ctx, "调度周期存在失败批次", summary.Err, map[string]interface{}{
			"trigger": trigger,
			"batches": summary.BatchCount,
		})
	}
	o.refreshCounts(ctx)
	return summary
}

func (o *orchestrator) refreshCounts(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	counts, err := o.repo.Counts(ctx)
	if err != nil {
		o.logger.Warn("刷新订单统计失败", zap.Error(err))
		return
	}
	o.metrics.SetOrderCounts(counts)
}

// runLoop 按固定间隔触发调度周期，间隔为 0 时不启用。
func (o *orchestrator) runLoop(ctx context.Context) error {
	if o.loopInterval <= 0 {
		o.logger.Info("未配置周期调度")
		<-ctx.Done()
		return nil
	}

	o.Tick(ctx, scheduler.TriggerLoop)

	ticker := time.NewTicker(o.loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Tick(ctx, scheduler.TriggerLoop)
		}
	}
}

// runDaily 每天在 dailyAt 触发一次调度周期。
func (o *orchestrator) runDaily(ctx context.Context) error {
	if o.dailyAt == "" {
		<-ctx.Done()
		return nil
	}

	s := gocron.NewScheduler()
	s.Every(1).Day().At(o.dailyAt).Do(func() {
		o.Tick(ctx, scheduler.TriggerDaily)
	})
	stopped := s.Start()
	o.logger.Info("每日调度已启动", zap.String("at", o.dailyAt))

	<-ctx.Done()
	close(stopped)
	s.Clear()
	return nil
}
