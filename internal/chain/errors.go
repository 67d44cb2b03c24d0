package chain

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrReverted 表示交易已上链但执行失败。
	ErrReverted = errors.New("chain: 交易执行回滚")
	// ErrConfirmTimeout 表示在 confirm_timeout 内未拿到回执。
	ErrConfirmTimeout = errors.New("chain: 等待交易确认超时")
)

var transientMessages = []string{
	"timeout",
	"connection reset",
	"connection refused",
	"too many requests",
	"header not found",
	"eof",
}

var knownTxMessages = []string{
	"already known",
	"known transaction",
	"already imported",
}

// IsKnownTransaction 判断节点是否已持有同一笔交易。
func IsKnownTransaction(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range knownTxMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// IsNonceTooLow 判断发送是否因 nonce 已被占用而失败。
func IsNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// IsRetryable 判断 RPC 错误是否值得重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
