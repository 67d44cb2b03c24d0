package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"flashfill-relayer/internal/monitor"
)

// 周期触发来源
const (
	TriggerLoop   = "loop"
	TriggerDaily  = "daily"
	TriggerCron   = "cron"
	TriggerManual = "manual"
)

type triggerKey struct{}

// WithTrigger 在 ctx 上标记周期的触发来源。
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// TriggerFrom 读取触发来源，未标记时视为 manual。
func TriggerFrom(ctx context.Context) string {
	if t, ok := ctx.Value(triggerKey{}).(string); ok && t != "" {
		return t
	}
	return TriggerManual
}

// Draining 是调度器依赖的单批处理能力。
type Draining interface {
	Drain(ctx context.Context) (DrainSummary, error)
}

// CycleRecorder 接收周期汇总审计事件。
type CycleRecorder interface {
	RecordCycle(ctx context.Context, payload monitor.CyclePayload)
}

// CycleObserver 接收周期指标。
type CycleObserver interface {
	CycleObserved(trigger string, batches int)
}

// BatchReport 是单批的结果。
type BatchReport struct {
	Batch      int           `json:"batch"`
	Processed  int           `json:"processed"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Results    []DrainResult `json:"results,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// CycleSummary 汇总一次调度周期。
type CycleSummary struct {
	Trigger    string        `json:"trigger"`
	Processed  int           `json:"totalProcessed"`
	Successful int           `json:"totalSuccessful"`
	Failed     int           `json:"totalFailed"`
	BatchCount int           `json:"batchCount"`
	Batches    []BatchReport `json:"-"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"-"`
	// Err 聚合了所有批次级错误
	Err error `json:"-"`
}

// Options 控制周期节奏。
type Options struct {
	MaxBatches int
	BatchDelay time.Duration
}

// Scheduler 在一个周期内顺序执行至多 MaxBatches 批 drain。
type Scheduler struct {
	drainer  Draining
	opts     Options
	recorder CycleRecorder
	observer CycleObserver
	logger   *zap.Logger

	// 同一时刻只允许一个周期运行
	mu sync.Mutex
}

// New 创建调度器，recorder 与 observer 可为空。
func New(drainer Draining, opts Options, recorder CycleRecorder, observer CycleObserver, logger *zap.Logger) (*Scheduler, error) {
	if drainer == nil {
		return nil, errors.New("scheduler: drainer 不能为空")
	}
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		drainer:  drainer,
		opts:     opts,
		recorder: recorder,
		observer: observer,
		logger:   logger,
	}, nil
}

// RunCycle 运行一个完整周期：某批 processed 为 0 时提前结束，批次错误记录后继续下一批。
func (s *Scheduler) RunCycle(ctx context.Context) CycleSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := CycleSummary{
		Trigger:   TriggerFrom(ctx),
		StartedAt: time.Now().UTC(),
		Batches:   make([]BatchReport, 0, s.opts.MaxBatches),
	}
	logger := s.logger.With(zap.String("trigger", summary.Trigger))
	logger.Info("调度周期开始", zap.Int("max_batches", s.opts.MaxBatches))

	for i := 1; i <= s.opts.MaxBatches; i++ {
		if ctx.Err() != nil {
			summary.Err = multierr.Append(summary.Err, ctx.Err())
			break
		}

		result, err := s.drainer.Drain(ctx)
		report := BatchReport{
			Batch:      i,
			Processed:  result.Processed,
			Successful: result.Successful,
			Failed:     result.Failed,
			Results:    result.Results,
		}
		summary.Processed += result.Processed
		summary.Successful += result.Successful
		summary.Failed += result.Failed

		if err != nil {
			report.Error = err.Error()
			summary.Batches = append(summary.Batches, report)
			summary.Err = multierr.Append(summary.Err, fmt.Errorf("batch %d: %w", i, err))
			logger.Error("批次执行失败", zap.Int("batch", i), zap.Error(err))
			continue
		}

		summary.Batches = append(summary.Batches, report)
		logger.Info("批次完成",
			zap.Int("batch", i),
			zap.Int("processed", result.Processed),
			zap.Int("successful", result.Successful),
			zap.Int("failed", result.Failed),
		)

		if result.Processed == 0 {
			logger.Info("待处理队列已空，提前结束周期", zap.Int("batch", i))
			break
		}

		if i < s.opts.MaxBatches && s.opts.BatchDelay > 0 {
			if err := sleep(ctx, s.opts.BatchDelay); err != nil {
				summary.Err = multierr.Append(summary.Err, err)
				break
			}
		}
	}

	summary.BatchCount = len(summary.Batches)
	summary.Duration = time.Since(summary.StartedAt)

	logger.Info("调度周期结束",
		zap.Int("processed", summary.Processed),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
		zap.Int("batches", summary.BatchCount),
		zap.Duration("duration", summary.Duration),
	)

	if s.recorder != nil {
		s.recorder.RecordCycle(context.WithoutCancel(ctx), monitor.CyclePayload{
			Trigger:    summary.Trigger,
			Processed:  summary.Processed,
			Successful: summary.Successful,
			Failed:     summary.Failed,
			Batches:    summary.BatchCount,
			DurationMs: summary.Duration.Milliseconds(),
		})
	}
	if s.observer != nil {
		s.observer.CycleObserved(summary.Trigger, summary.BatchCount)
	}

	return summary
}
