// Package metrics 提供中继服务的 Prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flashfill-relayer/internal/order"
)

// 填单结果标签
const (
	OutcomeFilled = "filled"
	OutcomeFailed = "failed"
)

// Collector 持有独立 registry 上的全部指标，nil 接收者上的方法均为空操作。
type Collector struct {
	registry *prometheus.Registry

	ordersCreated prometheus.Counter
	fills         *prometheus.CounterVec
	fillDuration  prometheus.Histogram
	cycles        *prometheus.CounterVec
	cycleBatches  prometheus.Histogram
	orders        *prometheus.GaugeVec
}

// New 创建指标集合，namespace 为空时使用 relayer。
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "relayer"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		ordersCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Orders accepted by the submission API.",
		}),
		fills: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Fill attempts that reached a terminal status.",
		}, []string{"outcome"}),
		fillDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fill_duration_seconds",
			Help:      "Time from claiming an order to its terminal transition.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Batch scheduler cycles by trigger.",
		}, []string{"trigger"}),
		cycleBatches: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_batches",
			Help:      "Batches executed per scheduler cycle.",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		}),
		orders: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orders",
			Help:      "Orders currently in each status.",
		}, []string{"status"}),
	}
}

// Handler 返回 /metrics 处理器。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// OrderCreated 记录新订单。
func (c *Collector) OrderCreated() {
	if c == nil {
		return
	}
	c.ordersCreated.Inc()
}

// FillObserved 记录一次终态填单及耗时。
func (c *Collector) FillObserved(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.fills.WithLabelValues(outcome).Inc()
	c.fillDuration.Observe(elapsed.Seconds())
}

// CycleObserved 记录一次调度周期。
func (c *Collector) CycleObserved(trigger string, batches int) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(trigger).Inc()
	c.cycleBatches.Observe(float64(batches))
}

// SetOrderCounts 用存储中的实时统计刷新状态 gauge。
func (c *Collector) SetOrderCounts(counts order.Counts) {
	if c == nil {
		return
	}
	for _, s := range order.AllStatuses {
		c.orders.WithLabelValues(string(s)).Set(float64(counts.Of(s)))
	}
}
