package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"flashfill-relayer/internal/execution"
	"flashfill-relayer/internal/monitor"
	"flashfill-relayer/internal/order"
	"flashfill-relayer/internal/scheduler"
)

// OrderStore 是接口层需要的订单存储能力。
type OrderStore interface {
	Create(ctx context.Context, o order.Order) (order.Order, error)
	Get(ctx context.Context, id string) (order.Order, error)
	Transition(ctx context.Context, id string, from, to order.Status, upd order.Update) (order.Order, error)
	List(ctx context.Context, filter order.Status, limit, offset int) (order.Page, error)
	Counts(ctx context.Context) (order.Counts, error)
}

// Drainer 执行一次 drain。
type Drainer interface {
	Drain(ctx context.Context) (scheduler.DrainSummary, error)
}

// CycleRunner 执行一个完整调度周期。
type CycleRunner interface {
	RunCycle(ctx context.Context) scheduler.CycleSummary
}

// Enqueuer 接收下单后的首次异步填单。
type Enqueuer interface {
	Enqueue(id string) bool
}

// Events 负责审计事件的写入与查询。
type Events interface {
	RecordOrderCreated(ctx context.Context, o order.Order)
	RecordOrderCancelled(ctx context.Context, orderID string)
	ListEvents(ctx context.Context, filter monitor.Filter) ([]monitor.Event, error)
}

// Metrics 是接口层用到的指标能力。
type Metrics interface {
	OrderCreated()
	SetOrderCounts(counts order.Counts)
	Handler() http.Handler
}

// Pinger 用于健康检查。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps 聚合接口层依赖，Events、Metrics 与 Health 可为空。
type Deps struct {
	Store      OrderStore
	Filler     execution.Filler
	Drainer    Drainer
	Cycles     CycleRunner
	Dispatcher Enqueuer
	Events     Events
	Metrics    Metrics
	Health     Pinger
}

// Options 控制校验与鉴权。
type Options struct {
	// AllowedSender 非零时要求 makerTraits 限定该成交者
	AllowedSender common.Address
	CronSecret    string
	// RequireCronAuth 为 false 时 cron 接口不校验密钥（本地环境）
	RequireCronAuth bool
	Now             func() time.Time
}

// Server 实现全部 HTTP 接口。
type Server struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewServer 创建接口层。
func NewServer(deps Deps, opts Options, logger *zap.Logger) (*Server, error) {
	if deps.Store == nil || deps.Filler == nil || deps.Drainer == nil || deps.Cycles == nil {
		return nil, errors.New("api: store、filler、drainer 与 cycles 不能为空")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{deps: deps, opts: opts, logger: logger}, nil
}

// Router 注册全部路由。
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(s.recoverMiddleware, s.logMiddleware)

	router.HandleFunc("/orders", s.createOrder).Methods(http.MethodPost)
	router.HandleFunc("/orders", s.listOrders).Methods(http.MethodGet)
	// 固定路径需先于 {id} 注册
	router.HandleFunc("/orders/process", s.processOrders).Methods(http.MethodPost)
	router.HandleFunc("/orders/process", s.processStatistics).Methods(http.MethodGet)
	router.HandleFunc("/orders/{id}", s.getOrder).Methods(http.MethodGet)
	router.HandleFunc("/orders/{id}", s.cancelOrder).Methods(http.MethodDelete)
	router.HandleFunc("/orders/{id}/fill", s.fillOrder).Methods(http.MethodPost)

	router.HandleFunc("/cron/process-orders", s.runCron).Methods(http.MethodPost)
	router.HandleFunc("/cron/process-orders", s.cronStatus).Methods(http.MethodGet)

	router.HandleFunc("/events", s.listEvents).Methods(http.MethodGet)
	router.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	return router
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(r.Context()); err != nil {
			s.logger.Warn("健康检查失败", zap.Error(err))
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// metricsHandler 在每次抓取前刷新订单状态 gauge。
func (s *Server) metricsHandler() http.Handler {
	if s.deps.Metrics == nil {
		return http.NotFoundHandler()
	}
	inner := s.deps.Metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if counts, err := s.deps.Store.Counts(r.Context()); err == nil {
			s.deps.Metrics.SetOrderCounts(counts)
		} else {
			s.logger.Warn("刷新订单统计失败", zap.Error(err))
		}
		inner.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("请求处理 panic",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				s.writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Debug("HTTP 请求",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("写入响应失败", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// internalError 记录真实原因，对外只返回通用信息。
func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "Internal server error")
}
