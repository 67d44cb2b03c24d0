package monitor

import (
	"time"
)

// EventType 表示审计事件类型。
type EventType string

const (
	EventOrderCreated   EventType = "order_created"
	EventFillStarted    EventType = "fill_started"
	EventFillSucceeded  EventType = "fill_succeeded"
	EventFillFailed     EventType = "fill_failed"
	EventOrderCancelled EventType = "order_cancelled"
	EventCycleCompleted EventType = "cycle_completed"
	EventError          EventType = "error"
)

// ParseEventType 校验事件类型字符串，空串表示不过滤。
func ParseEventType(raw string) (EventType, bool) {
	switch t := EventType(raw); t {
	case "", EventOrderCreated, EventFillStarted, EventFillSucceeded, EventFillFailed,
		EventOrderCancelled, EventCycleCompleted, EventError:
		return t, true
	default:
		return "", false
	}
}

// Event 封装通用审计事件。
type Event struct {
	Type      EventType   `json:"type"`
	OrderID   string      `json:"orderId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Filter 是事件查询条件。
type Filter struct {
	Type    EventType
	OrderID string
	Limit   int
}

// OrderCreatedPayload 记录新订单的经济条款。
type OrderCreatedPayload struct {
	Maker        string `json:"maker"`
	MakerAsset   string `json:"makerAsset"`
	TakerAsset   string `json:"takerAsset"`
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
	Making       string `json:"making"`
	Taking       string `json:"taking"`
}

// FillPayload 记录一次填单尝试的结果。
type FillPayload struct {
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	DurationMs  int64  `json:"durationMs,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CyclePayload 记录一次批处理周期汇总。
type CyclePayload struct {
	Trigger    string `json:"trigger"`
	Processed  int    `json:"processed"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
	Batches    int    `json:"batches"`
	DurationMs int64  `json:"durationMs"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
