package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"flashfill-relayer/internal/order"
	"flashfill-relayer/internal/store"
	"flashfill-relayer/internal/token"
)

// Service 负责持久化订单生命周期审计事件。
type Service struct {
	db     *sql.DB
	tokens *token.Catalog
	logger *zap.Logger
}

// NewService 初始化审计服务，创建所需表结构。
func NewService(store *store.Store, tokens *token.Catalog, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		tokens: tokens,
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	order_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_order ON monitor_events(order_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, order_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.OrderID, string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

func (s *Service) record(ctx context.Context, event Event) {
	if err := s.Record(ctx, event); err != nil {
		s.logger.Warn("记录审计事件失败",
			zap.String("type", string(event.Type)),
			zap.String("order_id", event.OrderID),
			zap.Error(err),
		)
	}
}

// RecordOrderCreated 记录新订单，金额按代币目录格式化。
func (s *Service) RecordOrderCreated(ctx context.Context, o order.Order) {
	s.record(ctx, Event{
		Type:    EventOrderCreated,
		OrderID: o.ID,
		Payload: OrderCreatedPayload{
			Maker:        o.Terms.Maker,
			MakerAsset:   o.Terms.MakerAsset,
			TakerAsset:   o.Terms.TakerAsset,
			MakingAmount: o.Terms.MakingAmount,
			TakingAmount: o.Terms.TakingAmount,
			Making:       s.format(o.Terms.MakerAsset, o.Terms.MakingAmount),
			Taking:       s.format(o.Terms.TakerAsset, o.Terms.TakingAmount),
		},
	})
}

// RecordFillStarted 记录订单进入 filling。
func (s *Service) RecordFillStarted(ctx context.Context, orderID string) {
	s.record(ctx, Event{Type: EventFillStarted, OrderID: orderID, Payload: FillPayload{}})
}

// RecordFillSucceeded 记录填单成功。
func (s *Service) RecordFillSucceeded(ctx context.Context, orderID, txHash string, block uint64, elapsed time.Duration) {
	s.record(ctx, Event{
		Type:    EventFillSucceeded,
		OrderID: orderID,
		Payload: FillPayload{TxHash: txHash, BlockNumber: block, DurationMs: elapsed.Milliseconds()},
	})
}

// RecordFillFailed 记录填单失败。
func (s *Service) RecordFillFailed(ctx context.Context, orderID, txHash string, cause error, elapsed time.Duration) {
	payload := FillPayload{TxHash: txHash, DurationMs: elapsed.Milliseconds()}
	if cause != nil {
		payload.Error = cause.Error()
	}
	s.record(ctx, Event{Type: EventFillFailed, OrderID: orderID, Payload: payload})
}

// RecordOrderCancelled 记录撤单。
func (s *Service) RecordOrderCancelled(ctx context.Context, orderID string) {
	s.record(ctx, Event{Type: EventOrderCancelled, OrderID: orderID, Payload: struct{}{}})
}

// RecordCycle 记录批处理周期汇总。
func (s *Service) RecordCycle(ctx context.Context, payload CyclePayload) {
	s.record(ctx, Event{Type: EventCycleCompleted, Payload: payload})
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	s.record(ctx, Event{Type: EventError, Payload: payload})
}

// ListEvents 按类型与订单检索最近事件。
func (s *Service) ListEvents(ctx context.Context, filter Filter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, order_id, payload, created_at FROM monitor_events WHERE 1 = 1`
	args := make([]interface{}, 0, 3)
	if filter.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.OrderID != "" {
		query += ` AND order_id = ?`
		args = append(args, filter.OrderID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			orderID string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &orderID, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			OrderID:   orderID,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

func (s *Service) format(asset, amount string) string {
	if !common.IsHexAddress(asset) {
		return amount
	}
	value, ok := new(big.Int).SetString(amount, 0)
	if !ok {
		return amount
	}
	return s.tokens.Format(common.HexToAddress(asset), value)
}
