package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"flashfill-relayer/internal/app"
	"flashfill-relayer/internal/config"
	"flashfill-relayer/internal/log"
	"flashfill-relayer/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	logger.Info("中继服务启动", startupFields(cfg)...)

	relayer := app.New(cfg, logger, sqliteStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := relayer.Run(ctx); err != nil {
		logger.Error("中继服务运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("中继服务已安全退出")
}

// startupFields 汇总启动时的关键配置，私钥与 cron 密钥不输出。
func startupFields(cfg *config.Config) []zap.Field {
	database := cfg.Database.Path
	if cfg.Database.InMemory {
		database = ":memory:"
	}
	return []zap.Field{
		zap.String("environment", cfg.App.Environment),
		zap.String("addr", cfg.Server.Addr),
		zap.Int64("chain_id", cfg.Chain.ChainID),
		zap.String("settlement", cfg.Chain.SettlementAddress),
		zap.Duration("confirm_timeout", cfg.Chain.ConfirmTimeout),
		zap.String("allowed_sender", cfg.Relayer.AllowedSender),
		zap.Bool("cron_auth", !cfg.App.IsLocal()),
		zap.Int("batch_size", cfg.Scheduler.BatchSize),
		zap.Int("max_batches", cfg.Scheduler.MaxBatches),
		zap.Duration("loop_interval", cfg.Scheduler.LoopInterval),
		zap.String("daily_at", cfg.Scheduler.DailyAt),
		zap.Int("dispatch_workers", cfg.Dispatcher.Workers),
		zap.String("database", database),
		zap.Int("tokens", len(cfg.Tokens)),
	}
}
