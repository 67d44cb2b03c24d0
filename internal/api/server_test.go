package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashfill-relayer/internal/calldata"
	"flashfill-relayer/internal/config"
	"flashfill-relayer/internal/execution"
	"flashfill-relayer/internal/metrics"
	"flashfill-relayer/internal/monitor"
	"flashfill-relayer/internal/order"
	"flashfill-relayer/internal/scheduler"
	"flashfill-relayer/internal/store"
)

var (
	testSettlement = common.HexToAddress("0x5e77e7e7e7e7e7e7e7e7e7e7e7e7e7e7e7e7e7e7")
	testMaker      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	testPool       = common.HexToAddress("0x794a61358D6845594F94dc1DB02A252b5b4814aD")
	testWETH       = common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1")
	testUSDC       = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	testRelayer    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testNow        = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func TestCreateOrder_PersistsPendingAndDispatches(t *testing.T) {
	env := newTestEnv(t, Options{})
	body := validRequest()
	delete(body, "extensionHash")

	rec := env.do(t, http.MethodPost, "/orders", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp createOrderResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.OrderID, "order_"))
	assert.Equal(t, resp.OrderID, resp.TrackingID)
	assert.Equal(t, order.StatusPending, resp.Status)

	stored, err := env.repo.Get(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, stored.Status)
	assert.Equal(t, testNow.UnixMilli(), stored.CreatedAt)

	ext, err := hexutil.Decode(body["extensionCalldata"].(string))
	require.NoError(t, err)
	assert.Equal(t, calldata.Hash(ext).Hex(), stored.ExtensionHash)

	assert.Equal(t, []string{resp.OrderID}, env.dispatcher.ids())

	events, err := env.events.ListEvents(context.Background(), monitor.Filter{Type: monitor.EventOrderCreated})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, resp.OrderID, events[0].OrderID)
}

func TestCreateOrder_KeepsProvidedExtensionHash(t *testing.T) {
	env := newTestEnv(t, Options{})
	body := validRequest()
	body["extensionHash"] = "0xabc"

	rec := env.do(t, http.MethodPost, "/orders", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp createOrderResponse
	decode(t, rec, &resp)
	stored, err := env.repo.Get(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", stored.ExtensionHash)
}

func TestCreateOrder_RejectsMissingFields(t *testing.T) {
	env := newTestEnv(t, Options{})

	cases := []struct {
		name   string
		mutate func(map[string]interface{})
		want   string
	}{
		{"orderHash", func(b map[string]interface{}) { delete(b, "orderHash") }, "Missing required field: orderHash"},
		{"order", func(b map[string]interface{}) { delete(b, "order") }, "Missing required field: order"},
		{"orderSignature", func(b map[string]interface{}) { b["orderSignature"] = "" }, "Missing required field: orderSignature"},
		{"extensionSignature", func(b map[string]interface{}) { delete(b, "extensionSignature") }, "Missing required field: extensionSignature"},
		{"takerAsset", func(b map[string]interface{}) {
			b["order"].(map[string]interface{})["takerAsset"] = ""
		}, "Missing required field: order.takerAsset"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := validRequest()
			tc.mutate(body)
			rec := env.do(t, http.MethodPost, "/orders", body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var resp errorResponse
			decode(t, rec, &resp)
			assert.Equal(t, tc.want, resp.Error)
		})
	}

	counts, err := env.repo.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
	assert.Empty(t, env.dispatcher.ids())
}

func TestCreateOrder_RejectsMalformedValues(t *testing.T) {
	env := newTestEnv(t, Options{})

	body := validRequest()
	body["order"].(map[string]interface{})["maker"] = "not-an-address"
	rec := env.do(t, http.MethodPost, "/orders", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "order.maker")

	body = validRequest()
	body["extensionCalldata"] = "0xzz"
	rec = env.do(t, http.MethodPost, "/orders", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "extensionCalldata")

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader("{"))
	raw := httptest.NewRecorder()
	env.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestCreateOrder_AllowedSender(t *testing.T) {
	env := newTestEnv(t, Options{AllowedSender: testRelayer})

	body := validRequest()
	rec := env.do(t, http.MethodPost, "/orders", body, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "allowed sender")

	low80 := new(big.Int).SetBytes(testRelayer.Bytes()[10:])
	traits := new(big.Int).Or(new(big.Int).Lsh(big.NewInt(1), 255), low80)
	body["order"].(map[string]interface{})["makerTraits"] = traits.String()
	rec = env.do(t, http.MethodPost, "/orders", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestListOrders(t *testing.T) {
	env := newTestEnv(t, Options{})
	for i := 0; i < 3; i++ {
		seedOrder(t, env.repo, fmt.Sprintf("order_%d", i), int64(100+i))
	}
	_, err := env.repo.Transition(context.Background(), "order_0", order.StatusPending, order.StatusCancelled, order.Update{})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/orders", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all listOrdersResponse
	decode(t, rec, &all)
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, defaultListLimit, all.Limit)
	require.Len(t, all.Orders, 3)
	assert.Equal(t, "order_2", all.Orders[0].ID)

	rec = env.do(t, http.MethodGet, "/orders?status=cancelled", nil, nil)
	var cancelled listOrdersResponse
	decode(t, rec, &cancelled)
	require.Len(t, cancelled.Orders, 1)
	assert.Equal(t, "order_0", cancelled.Orders[0].ID)

	rec = env.do(t, http.MethodGet, "/orders?limit=1&offset=1", nil, nil)
	var page listOrdersResponse
	decode(t, rec, &page)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Orders, 1)
	assert.Equal(t, "order_1", page.Orders[0].ID)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/orders?status=settled", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/orders?limit=abc", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/orders?offset=-1", nil, nil).Code)
}

func TestGetOrder(t *testing.T) {
	env := newTestEnv(t, Options{})
	seedOrder(t, env.repo, "order_x", 1)

	rec := env.do(t, http.MethodGet, "/orders/order_x", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got order.Order
	decode(t, rec, &got)
	assert.Equal(t, "order_x", got.ID)
	assert.Equal(t, order.StatusPending, got.Status)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/orders/missing", nil, nil).Code)
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t, Options{})
	seedOrder(t, env.repo, "order_c", 1)

	rec := env.do(t, http.MethodDelete, "/orders/order_c", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp cancelOrderResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, order.StatusCancelled, resp.Order.Status)

	rec = env.do(t, http.MethodDelete, "/orders/order_c", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "cancelled")

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/orders/missing", nil, nil).Code)

	events, err := env.events.ListEvents(context.Background(), monitor.Filter{Type: monitor.EventOrderCancelled})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFillOrder(t *testing.T) {
	env := newTestEnv(t, Options{})

	env.filler.set(execution.Outcome{
		Success:     true,
		TxHash:      "0xfeed",
		BlockNumber: 42,
		Order:       order.Order{ID: "order_f", Status: order.StatusFilled},
	}, nil)
	rec := env.do(t, http.MethodPost, "/orders/order_f/fill", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ok fillResponse
	decode(t, rec, &ok)
	assert.True(t, ok.Success)
	assert.Equal(t, "0xfeed", ok.TxHash)
	assert.Equal(t, uint64(42), ok.BlockNumber)

	env.filler.set(execution.Outcome{
		Order: order.Order{ID: "order_f", Status: order.StatusFailed, ErrorMessage: "reverted"},
		Err:   fmt.Errorf("%w: reverted", execution.ErrSubmissionFailure),
	}, nil)
	rec = env.do(t, http.MethodPost, "/orders/order_f/fill", nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var failed fillResponse
	decode(t, rec, &failed)
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Error, "reverted")
	assert.Equal(t, order.StatusFailed, failed.Order.Status)

	env.filler.set(execution.Outcome{}, &order.StateError{ID: "order_f", Current: order.StatusFilled, From: order.StatusPending, To: order.StatusFilling})
	rec = env.do(t, http.MethodPost, "/orders/order_f/fill", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "current status: filled")

	env.filler.set(execution.Outcome{}, fmt.Errorf("lookup: %w", order.ErrNotFound))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/orders/order_f/fill", nil, nil).Code)

	env.filler.set(execution.Outcome{}, errors.New("database is locked"))
	rec = env.do(t, http.MethodPost, "/orders/order_f/fill", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "locked")
}

func TestRecoverMiddleware(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.filler.panicWith = "boom"

	rec := env.do(t, http.MethodPost, "/orders/any/fill", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Internal server error")
}

func TestProcessOrders(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.drainer.summary = scheduler.DrainSummary{
		Processed:  2,
		Successful: 1,
		Failed:     1,
		Results: []scheduler.DrainResult{
			{OrderID: "order_a", Success: true, TxHash: "0x01"},
			{OrderID: "order_b", Error: "reverted"},
		},
	}

	rec := env.do(t, http.MethodPost, "/orders/process", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp processResponse
	decode(t, rec, &resp)
	assert.Equal(t, "Processed 2 orders", resp.Message)
	assert.Equal(t, 2, resp.Processed)
	assert.Equal(t, 1, resp.Successful)
	assert.Equal(t, 1, resp.Failed)
	assert.Len(t, resp.Results, 2)

	env.drainer.err = errors.New("disk gone")
	assert.Equal(t, http.StatusInternalServerError, env.do(t, http.MethodPost, "/orders/process", nil, nil).Code)
}

func TestProcessStatistics(t *testing.T) {
	env := newTestEnv(t, Options{})
	seedOrder(t, env.repo, "order_1", 1)
	seedOrder(t, env.repo, "order_2", 2)
	_, err := env.repo.Transition(context.Background(), "order_2", order.StatusPending, order.StatusCancelled, order.Update{})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/orders/process", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp statisticsResponse
	decode(t, rec, &resp)
	assert.Equal(t, 1, resp.Statistics.Pending)
	assert.Equal(t, 1, resp.Statistics.Cancelled)
	assert.Equal(t, 2, resp.Statistics.Total)
}

func TestCron(t *testing.T) {
	env := newTestEnv(t, Options{RequireCronAuth: true, CronSecret: "s3cret"})
	env.cycles.summary = scheduler.CycleSummary{
		Processed:  3,
		Successful: 3,
		BatchCount: 2,
		Batches:    []scheduler.BatchReport{{Batch: 1, Processed: 3, Successful: 3}, {Batch: 2}},
	}

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/cron/process-orders", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/cron/process-orders", nil,
		map[string]string{"Authorization": "Bearer wrong"}).Code)
	assert.Zero(t, env.cycles.calls)

	rec := env.do(t, http.MethodPost, "/cron/process-orders", nil, map[string]string{"Authorization": "Bearer s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool `json:"success"`
		Summary struct {
			TotalProcessed  int `json:"totalProcessed"`
			TotalSuccessful int `json:"totalSuccessful"`
			TotalFailed     int `json:"totalFailed"`
			BatchCount      int `json:"batchCount"`
		} `json:"summary"`
		Batches []scheduler.BatchReport `json:"batches"`
	}
	decode(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.Summary.TotalProcessed)
	assert.Equal(t, 2, resp.Summary.BatchCount)
	assert.Len(t, resp.Batches, 2)
	assert.Equal(t, scheduler.TriggerCron, env.cycles.trigger)

	local := newTestEnv(t, Options{})
	assert.Equal(t, http.StatusOK, local.do(t, http.MethodPost, "/cron/process-orders", nil, nil).Code)

	rec = env.do(t, http.MethodGet, "/cron/process-orders", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status cronStatusResponse
	decode(t, rec, &status)
	assert.Equal(t, "active", status.Status)
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/orders", validRequest(), nil).Code)

	rec := env.do(t, http.MethodGet, "/events?type=order_created&limit=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []struct {
		Type    string `json:"type"`
		OrderID string `json:"orderId"`
	}
	decode(t, rec, &events)
	require.Len(t, events, 1)
	assert.Equal(t, "order_created", events[0].Type)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/events?type=bogus", nil, nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/orders", validRequest(), nil).Code)

	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "relayer_orders_created_total 1")
	assert.Contains(t, body, `relayer_orders{status="pending"} 1`)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	require.NoError(t, env.store.Close())
	rec = env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unavailable"}`, rec.Body.String())
}

type testEnv struct {
	store      *store.Store
	repo       *order.Repository
	events     *monitor.Service
	filler     *stubFiller
	drainer    *stubDrainer
	cycles     *stubCycles
	dispatcher *stubDispatcher
	handler    http.Handler
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo, err := order.NewRepository(st, nil)
	require.NoError(t, err)
	events, err := monitor.NewService(st, nil, nil)
	require.NoError(t, err)

	env := &testEnv{
		store:      st,
		repo:       repo,
		events:     events,
		filler:     &stubFiller{},
		drainer:    &stubDrainer{},
		cycles:     &stubCycles{},
		dispatcher: &stubDispatcher{},
	}
	opts.Now = func() time.Time { return testNow }

	srv, err := NewServer(Deps{
		Store:      repo,
		Filler:     env.filler,
		Drainer:    env.drainer,
		Cycles:     env.cycles,
		Dispatcher: env.dispatcher,
		Events:     events,
		Metrics:    metrics.New("relayer"),
		Health:     st,
	}, opts, nil)
	require.NoError(t, err)
	env.handler = srv.Router()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

func validRequest() map[string]interface{} {
	extension := calldata.BuildExtension(testSettlement, testMaker, testWETH, testUSDC, calldata.Lending{Pool: testPool, InterestRateMode: 2})
	return map[string]interface{}{
		"orderHash":     "0x" + strings.Repeat("ab", 32),
		"extensionHash": "",
		"order": map[string]interface{}{
			"salt":         "12345",
			"maker":        testMaker.Hex(),
			"receiver":     common.Address{}.Hex(),
			"makerAsset":   testUSDC.Hex(),
			"takerAsset":   testWETH.Hex(),
			"makingAmount": "100000000",
			"takingAmount": "100000000000000000",
			"makerTraits":  "0",
		},
		"orderSignature":     "0x" + strings.Repeat("11", 65),
		"extensionCalldata":  hexutil.Encode(extension),
		"extensionSignature": "0x" + strings.Repeat("22", 65),
	}
}

func seedOrder(t *testing.T, repo *order.Repository, id string, createdAt int64) {
	t.Helper()
	_, err := repo.Create(context.Background(), order.Order{
		ID:        id,
		OrderHash: "0x01",
		Terms:     order.Terms{Maker: testMaker.Hex()},
		CreatedAt: createdAt,
	})
	require.NoError(t, err)
}

type stubFiller struct {
	mu        sync.Mutex
	outcome   execution.Outcome
	err       error
	panicWith string
}

func (s *stubFiller) set(outcome execution.Outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = outcome
	s.err = err
}

func (s *stubFiller) AttemptFill(ctx context.Context, id string) (execution.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicWith != "" {
		panic(s.panicWith)
	}
	out := s.outcome
	out.OrderID = id
	return out, s.err
}

type stubDrainer struct {
	summary scheduler.DrainSummary
	err     error
}

func (s *stubDrainer) Drain(ctx context.Context) (scheduler.DrainSummary, error) {
	return s.summary, s.err
}

type stubCycles struct {
	summary scheduler.CycleSummary
	calls   int
	trigger string
}

func (s *stubCycles) RunCycle(ctx context.Context) scheduler.CycleSummary {
	s.calls++
	s.trigger = scheduler.TriggerFrom(ctx)
	return s.summary
}

type stubDispatcher struct {
	mu  sync.Mutex
	got []string
}

func (s *stubDispatcher) Enqueue(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, id)
	return true
}

func (s *stubDispatcher) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}
