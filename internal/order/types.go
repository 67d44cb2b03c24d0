package order

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Status 表示订单在填单生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusFilling   Status = "filling"
	StatusFilled    Status = "filled"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses 按生命周期顺序列出全部状态。
var AllStatuses = []Status{StatusPending, StatusFilling, StatusFilled, StatusFailed, StatusCancelled}

var transitions = map[Status][]Status{
	StatusPending: {StatusFilling, StatusCancelled},
	StatusFilling: {StatusFilled, StatusFailed},
}

// ParseStatus 解析状态字符串。
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllStatuses {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("order: 未知订单状态 %q", raw)
}

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusFailed || s == StatusCancelled
}

// CanTransition 判断状态机中是否存在 from -> to 的边。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terms 是 maker 签名的订单经济条款，整数字段为十进制或 0x 十六进制字符串。
type Terms struct {
	Salt         string `json:"salt"`
	Maker        string `json:"maker"`
	Receiver     string `json:"receiver"`
	MakerAsset   string `json:"makerAsset"`
	TakerAsset   string `json:"takerAsset"`
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
	MakerTraits  string `json:"makerTraits"`
}

// MissingField 返回第一个缺失的必填条款字段名，全部存在时返回空串。
// makerTraits 缺省视为 0。
func (t Terms) MissingField() string {
	fields := []struct {
		name  string
		value string
	}{
		{"order.salt", t.Salt},
		{"order.maker", t.Maker},
		{"order.receiver", t.Receiver},
		{"order.makerAsset", t.MakerAsset},
		{"order.takerAsset", t.TakerAsset},
		{"order.makingAmount", t.MakingAmount},
		{"order.takingAmount", t.TakingAmount},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return f.name
		}
	}
	return ""
}

// Order 是持久化的订单记录。
type Order struct {
	ID                 string `json:"id"`
	OrderHash          string `json:"orderHash"`
	ExtensionHash      string `json:"extensionHash"`
	Terms              Terms  `json:"order"`
	MakerSignature     string `json:"orderSignature"`
	ExtensionCalldata  string `json:"extensionCalldata"`
	ExtensionSignature string `json:"extensionSignature"`
	Status             Status `json:"status"`
	CreatedAt          int64  `json:"createdAt"`
	FilledAt           int64  `json:"filledAt,omitempty"`
	TxHash             string `json:"txHash,omitempty"`
	ErrorMessage       string `json:"errorMessage,omitempty"`
}

// Update 是状态迁移时随之写入的字段，零值表示不修改。
type Update struct {
	FilledAt     int64
	TxHash       string
	ErrorMessage string
}

// Counts 是五个状态集合的基数。
type Counts struct {
	Pending   int `json:"pending"`
	Filling   int `json:"filling"`
	Filled    int `json:"filled"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// Of 返回指定状态的数量。
func (c Counts) Of(s Status) int {
	switch s {
	case StatusPending:
		return c.Pending
	case StatusFilling:
		return c.Filling
	case StatusFilled:
		return c.Filled
	case StatusFailed:
		return c.Failed
	case StatusCancelled:
		return c.Cancelled
	default:
		return 0
	}
}

// Page 是分页查询结果。
type Page struct {
	Orders []Order
	Total  int
}

// NewID 生成订单ID。
func NewID() string {
	return "order_" + uuid.NewString()
}
