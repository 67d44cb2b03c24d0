package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"flashfill-relayer/internal/calldata"
	"flashfill-relayer/internal/execution"
	"flashfill-relayer/internal/order"
)

// createOrderRequest 是 POST /orders 的请求体。
type createOrderRequest struct {
	OrderHash          string       `json:"orderHash"`
	ExtensionHash      string       `json:"extensionHash"`
	Order              *order.Terms `json:"order"`
	OrderSignature     string       `json:"orderSignature"`
	ExtensionCalldata  string       `json:"extensionCalldata"`
	ExtensionSignature string       `json:"extensionSignature"`
}

func (req createOrderRequest) missingField() string {
	switch {
	case strings.TrimSpace(req.OrderHash) == "":
		return "orderHash"
	case req.Order == nil:
		return "order"
	case strings.TrimSpace(req.OrderSignature) == "":
		return "orderSignature"
	case strings.TrimSpace(req.ExtensionCalldata) == "":
		return "extensionCalldata"
	case strings.TrimSpace(req.ExtensionSignature) == "":
		return "extensionSignature"
	}
	return req.Order.MissingField()
}

type createOrderResponse struct {
	Success    bool         `json:"success"`
	OrderID    string       `json:"orderId"`
	TrackingID string       `json:"trackingId"`
	Status     order.Status `json:"status"`
}

type listOrdersResponse struct {
	Orders []order.Order `json:"orders"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type cancelOrderResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Order   order.Order `json:"order"`
}

type fillResponse struct {
	Success     bool        `json:"success"`
	TxHash      string      `json:"txHash,omitempty"`
	BlockNumber uint64      `json:"blockNumber,omitempty"`
	Error       string      `json:"error,omitempty"`
	Order       order.Order `json:"order"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if field := req.missingField(); field != "" {
		s.writeError(w, http.StatusBadRequest, "Missing required field: "+field)
		return
	}

	extension, msg := s.validateOrder(req)
	if msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	extensionHash := strings.TrimSpace(req.ExtensionHash)
	if extensionHash == "" {
		extensionHash = calldata.Hash(extension).Hex()
	}

	created, err := s.deps.Store.Create(r.Context(), order.Order{
		ID:                 order.NewID(),
		OrderHash:          req.OrderHash,
		ExtensionHash:      extensionHash,
		Terms:              *req.Order,
		MakerSignature:     req.OrderSignature,
		ExtensionCalldata:  req.ExtensionCalldata,
		ExtensionSignature: req.ExtensionSignature,
		CreatedAt:          s.opts.Now().UnixMilli(),
	})
	if err != nil {
		s.internalError(w, "写入订单失败", err)
		return
	}

	if s.deps.Events != nil {
		s.deps.Events.RecordOrderCreated(r.Context(), created)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.OrderCreated()
	}
	if s.deps.Dispatcher != nil {
		s.deps.Dispatcher.Enqueue(created.ID)
	}

	s.logger.Info("新订单已接收", zap.String("order_id", created.ID), zap.String("order_hash", created.OrderHash))
	s.writeJSON(w, http.StatusOK, createOrderResponse{
		Success:    true,
		OrderID:    created.ID,
		TrackingID: created.ID,
		Status:     created.Status,
	})
}

// validateOrder 校验条款与十六进制字段，返回扩展字节或面向调用方的错误信息。
func (s *Server) validateOrder(req createOrderRequest) ([]byte, string) {
	terms, err := execution.ParseTerms(*req.Order)
	if err != nil {
		return nil, err.Error()
	}
	if _, err := calldata.DecodeHex("orderSignature", req.OrderSignature); err != nil {
		return nil, err.Error()
	}
	if _, err := calldata.DecodeHex("extensionSignature", req.ExtensionSignature); err != nil {
		return nil, err.Error()
	}
	extension, err := calldata.DecodeHex("extensionCalldata", req.ExtensionCalldata)
	if err != nil {
		return nil, err.Error()
	}

	if s.opts.AllowedSender != (common.Address{}) && !calldata.AllowsSender(terms.MakerTraits, s.opts.AllowedSender) {
		return nil, "Order must include allowed sender restriction in maker traits"
	}
	return extension, ""
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter order.Status
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := order.ParseStatus(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown status: %s", raw))
			return
		}
		filter = status
	}

	limit, err := queryInt(q.Get("limit"), defaultListLimit)
	if err != nil || limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	page, err := s.deps.Store.List(r.Context(), filter, limit, offset)
	if err != nil {
		s.internalError(w, "查询订单列表失败", err)
		return
	}

	s.writeJSON(w, http.StatusOK, listOrdersResponse{
		Orders: page.Orders,
		Total:  page.Total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Order not found")
			return
		}
		s.internalError(w, "查询订单失败", err)
		return
	}
	s.writeJSON(w, http.StatusOK, o)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cancelled, err := s.deps.Store.Transition(r.Context(), id, order.StatusPending, order.StatusCancelled, order.Update{})
	if err != nil {
		switch {
		case errors.Is(err, order.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, order.ErrInvalidTransition):
			current, _ := order.CurrentStatus(err)
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Cannot cancel order (current status: %s)", current))
		default:
			s.internalError(w, "取消订单失败", err)
		}
		return
	}

	if s.deps.Events != nil {
		s.deps.Events.RecordOrderCancelled(r.Context(), id)
	}
	s.logger.Info("订单已取消", zap.String("order_id", id))
	s.writeJSON(w, http.StatusOK, cancelOrderResponse{
		Success: true,
		Message: "Order cancelled successfully",
		Order:   cancelled,
	})
}

func (s *Server) fillOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	outcome, err := s.deps.Filler.AttemptFill(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, order.ErrInvalidTransition):
			current, _ := order.CurrentStatus(err)
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Order is not pending (current status: %s)", current))
		default:
			s.internalError(w, "填单异常", err)
		}
		return
	}

	if !outcome.Success {
		msg := "Unknown error during fill"
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		s.writeJSON(w, http.StatusInternalServerError, fillResponse{
			Success: false,
			Error:   msg,
			Order:   outcome.Order,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, fillResponse{
		Success:     true,
		TxHash:      outcome.TxHash,
		BlockNumber: outcome.BlockNumber,
		Order:       outcome.Order,
	})
}

func queryInt(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
