package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"flashfill-relayer/internal/monitor"
	"flashfill-relayer/internal/order"
	"flashfill-relayer/internal/scheduler"
)

type processResponse struct {
	Message    string                  `json:"message"`
	Processed  int                     `json:"processed"`
	Successful int                     `json:"successful"`
	Failed     int                     `json:"failed"`
	Results    []scheduler.DrainResult `json:"results"`
}

type statisticsResponse struct {
	Statistics order.Counts `json:"statistics"`
}

type cronResponse struct {
	Success   bool                    `json:"success"`
	Timestamp time.Time               `json:"timestamp"`
	Summary   scheduler.CycleSummary  `json:"summary"`
	Batches   []scheduler.BatchReport `json:"batches"`
}

type cronStatusResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

const maxEventLimit = 1000

// processOrders 执行一次 drain。
func (s *Server) processOrders(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Drainer.Drain(r.Context())
	if err != nil {
		s.internalError(w, "处理待处理订单失败", err)
		return
	}
	s.writeJSON(w, http.StatusOK, processResponse{
		Message:    fmt.Sprintf("Processed %d orders", summary.Processed),
		Processed:  summary.Processed,
		Successful: summary.Successful,
		Failed:     summary.Failed,
		Results:    summary.Results,
	})
}

func (s *Server) processStatistics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Store.Counts(r.Context())
	if err != nil {
		s.internalError(w, "统计订单失败", err)
		return
	}
	s.writeJSON(w, http.StatusOK, statisticsResponse{Statistics: counts})
}

func (s *Server) runCron(w http.ResponseWriter, r *http.Request) {
	if s.opts.RequireCronAuth && !s.cronAuthorized(r) {
		s.logger.Warn("cron 请求鉴权失败", zap.String("remote", r.RemoteAddr))
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	summary := s.deps.Cycles.RunCycle(scheduler.WithTrigger(r.Context(), scheduler.TriggerCron))
	batches := summary.Batches
	if batches == nil {
		batches = []scheduler.BatchReport{}
	}
	s.writeJSON(w, http.StatusOK, cronResponse{
		Success:   true,
		Timestamp: s.opts.Now().UTC(),
		Summary:   summary,
		Batches:   batches,
	})
}

func (s *Server) cronAuthorized(r *http.Request) bool {
	if s.opts.CronSecret == "" {
		return false
	}
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	want := "Bearer " + s.opts.CronSecret
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) cronStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, cronStatusResponse{
		Status:    "active",
		Timestamp: s.opts.Now().UTC(),
		Message:   "Background order processing cron job is active",
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.writeError(w, http.StatusNotFound, "Events are disabled")
		return
	}
	q := r.URL.Query()

	eventType, ok := monitor.ParseEventType(strings.ToLower(strings.TrimSpace(q.Get("type"))))
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown event type: %s", q.Get("type")))
		return
	}
	limit, err := queryInt(q.Get("limit"), 200)
	if err != nil || limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	events, err := s.deps.Events.ListEvents(r.Context(), monitor.Filter{
		Type:    eventType,
		OrderID: strings.TrimSpace(q.Get("orderId")),
		Limit:   limit,
	})
	if err != nil {
		s.internalError(w, "查询审计事件失败", err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}
