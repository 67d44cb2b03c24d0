package execution

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashfill-relayer/internal/calldata"
	"flashfill-relayer/internal/chain"
	"flashfill-relayer/internal/config"
	"flashfill-relayer/internal/order"
	"flashfill-relayer/internal/store"
)

var (
	testSettlement = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testMaker      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testFiller     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testRouter     = common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564")
	testPool       = common.HexToAddress("0x794a61358D6845594F94dc1DB02A252b5b4814aD")
	testWETH       = common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1")
	testUSDC       = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	testNow        = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
)

func TestAttemptFill_ScenarioA_FillsPendingOrder(t *testing.T) {
	repo := newTestRepository(t)
	submitter := &mockSubmitter{receipt: chain.Receipt{TxHash: common.HexToHash("0xfeed"), BlockNumber: 99}}
	recorder := &mockRecorder{}
	exec := newTestExecutor(t, repo, submitter, recorder)
	ctx := context.Background()

	createOrder(t, repo, "order_a", testSettlement)
	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, order.Counts{Pending: 1, Total: 1}, counts)

	outcome, err := exec.AttemptFill(ctx, "order_a")
	require.NoError(t, err)
	require.True(t, outcome.Success)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, uint64(99), outcome.BlockNumber)
	assert.Equal(t, common.HexToHash("0xfeed").Hex(), outcome.TxHash)

	stored, err := repo.Get(ctx, "order_a")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, stored.Status)
	assert.NotEmpty(t, stored.TxHash)
	assert.Equal(t, testNow.UnixMilli(), stored.FilledAt)

	counts, err = repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, order.Counts{Filled: 1, Total: 1}, counts)

	assert.Equal(t, []string{"started:order_a", "succeeded:order_a"}, recorder.list())
}

func TestAttemptFill_SubmitsDecodableParams(t *testing.T) {
	repo := newTestRepository(t)
	submitter := &mockSubmitter{receipt: chain.Receipt{TxHash: common.HexToHash("0x01"), BlockNumber: 1}}
	exec := newTestExecutor(t, repo, submitter, nil)

	created := createOrder(t, repo, "order_params", testSettlement)
	_, err := exec.AttemptFill(context.Background(), "order_params")
	require.NoError(t, err)

	require.Len(t, submitter.calls, 1)
	call := submitter.calls[0]
	assert.Equal(t, testUSDC, call.asset, "flash loan borrows makerAsset")
	assert.Zero(t, call.amount.Cmp(big.NewInt(100_000_000)), "flash loan borrows makingAmount, got %s", call.amount)

	params, err := calldata.DecodeFillParams(call.params)
	require.NoError(t, err)
	assert.Equal(t, testFiller, params.Filler)
	assert.Equal(t, testMaker, params.Terms.Maker)
	assert.Equal(t, testWETH, params.Terms.TakerAsset)
	assert.Equal(t, created.MakerSignature, hexutil.Encode(params.MakerSignature))

	extension, swap, err := params.Segments()
	require.NoError(t, err)
	assert.Equal(t, created.ExtensionCalldata, hexutil.Encode(extension))

	router, swapParams, err := calldata.DecodeSwap(swap)
	require.NoError(t, err)
	assert.Equal(t, testRouter, router)
	assert.Equal(t, testWETH, swapParams.TokenIn)
	assert.Equal(t, testUSDC, swapParams.TokenOut)
	assert.Equal(t, testFiller, swapParams.Recipient)
	assert.Equal(t, testNow.Add(30*time.Minute).Unix(), swapParams.Deadline.Int64())
	assert.Equal(t, int64(3000), swapParams.Fee.Int64())
}

func TestAttemptFill_ScenarioB_RejectsFilledOrder(t *testing.T) {
	repo := newTestRepository(t)
	submitter := &mockSubmitter{receipt: chain.Receipt{TxHash: common.HexToHash("0x01"), BlockNumber: 1}}
	exec := newTestExecutor(t, repo, submitter, nil)
	ctx := context.Background()

	createOrder(t, repo, "order_b", testSettlement)
	_, err := exec.AttemptFill(ctx, "order_b")
	require.NoError(t, err)
	before, err := repo.Get(ctx, "order_b")
	require.NoError(t, err)

	outcome, err := exec.AttemptFill(ctx, "order_b")
	require.ErrorIs(t, err, order.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "filled")
	current, ok := order.CurrentStatus(err)
	assert.True(t, ok)
	assert.Equal(t, order.StatusFilled, current)
	assert.Equal(t, order.StatusFilled, outcome.Order.Status)

	after, err := repo.Get(ctx, "order_b")
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected fill must not mutate the order")
	assert.Equal(t, 1, submitter.callCount())
}

func TestAttemptFill_ScenarioE_CancelledOrderIsInvalidState(t *testing.T) {
	repo := newTestRepository(t)
	submitter := &mockSubmitter{}
	exec := newTestExecutor(t, repo, submitter, nil)
	ctx := context.Background()

	createOrder(t, repo, "order_e", testSettlement)
	_, err := repo.Transition(ctx, "order_e", order.StatusPending, order.StatusCancelled, order.Update{})
	require.NoError(t, err)

	_, err = exec.AttemptFill(ctx, "order_e")
	current, ok := order.CurrentStatus(err)
	require.True(t, ok, "expected StateError, got %v", err)
	assert.Equal(t, order.StatusCancelled, current)
	assert.Zero(t, submitter.callCount(), "cancelled order must not be submitted")
}

func TestAttemptFill_NotFound(t *testing.T) {
	exec := newTestExecutor(t, newTestRepository(t), &mockSubmitter{}, nil)
	_, err := exec.AttemptFill(context.Background(), "order_missing")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestAttemptFill_BuildFailureMarksFailed(t *testing.T) {
	repo := newTestRepository(t)
	submitter := &mockSubmitter{}
	recorder := &mockRecorder{}
	exec := newTestExecutor(t, repo, submitter, recorder)
	ctx := context.Background()

	// 扩展头部指向其他结算合约
	createOrder(t, repo, "order_bad_ext", common.HexToAddress("0x3333333333333333333333333333333333333333"))

	outcome, err := exec.AttemptFill(ctx, "order_bad_ext")
	require.NoError(t, err, "build failure is reported through the outcome")
	assert.False(t, outcome.Success)
	assert.ErrorIs(t, outcome.Err, ErrBuildFailure)
	assert.Zero(t, submitter.callCount())

	stored, err := repo.Get(ctx, "order_bad_ext")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "结算合约")
	assert.Equal(t, []string{"started:order_bad_ext", "failed:order_bad_ext"}, recorder.list())
}

func TestAttemptFill_MalformedSignatureMarksFailed(t *testing.T) {
	repo := newTestRepository(t)
	exec := newTestExecutor(t, repo, &mockSubmitter{}, nil)
	ctx := context.Background()

	o := sampleOrder("order_bad_sig", testSettlement)
	o.MakerSignature = "not-hex"
	_, err := repo.Create(ctx, o)
	require.NoError(t, err)

	outcome, err := exec.AttemptFill(ctx, "order_bad_sig")
	require.NoError(t, err)
	assert.ErrorIs(t, outcome.Err, calldata.ErrMalformed)
	assert.Equal(t, order.StatusFailed, outcome.Order.Status)
}

func TestAttemptFill_RevertMarksFailedWithTxHash(t *testing.T) {
	repo := newTestRepository(t)
	revertHash := common.HexToHash("0xbad")
	submitter := &mockSubmitter{
		receipt: chain.Receipt{TxHash: revertHash, BlockNumber: 7},
		err:     chain.ErrReverted,
	}
	exec := newTestExecutor(t, repo, submitter, nil)
	ctx := context.Background()

	createOrder(t, repo, "order_revert", testSettlement)

	outcome, err := exec.AttemptFill(ctx, "order_revert")
	require.NoError(t, err, "submission failure is reported through the outcome")
	assert.ErrorIs(t, outcome.Err, ErrSubmissionFailure)
	assert.ErrorIs(t, outcome.Err, chain.ErrReverted)

	stored, err := repo.Get(ctx, "order_revert")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, stored.Status)
	assert.Equal(t, revertHash.Hex(), stored.TxHash)
	assert.NotEmpty(t, stored.ErrorMessage)
}

func TestAttemptFill_CallerCancelDoesNotReachSubmission(t *testing.T) {
	repo := newTestRepository(t)
	ctx, cancel := context.WithCancel(context.Background())
	submitter := &mockSubmitter{
		receipt: chain.Receipt{TxHash: common.HexToHash("0x0c"), BlockNumber: 3},
		before:  cancel,
	}
	exec := newTestExecutor(t, repo, submitter, nil)

	createOrder(t, repo, "order_ctx", testSettlement)

	outcome, err := exec.AttemptFill(ctx, "order_ctx")
	require.NoError(t, err)
	assert.NoError(t, submitter.ctxErr(), "submission must not observe the caller's cancellation")
	assert.True(t, outcome.Success)
	assert.Equal(t, order.StatusFilled, outcome.Order.Status)
}

func TestAttemptFill_CallerCancelDuringConfirmationStillFills(t *testing.T) {
	repo := newTestRepository(t)
	release := make(chan struct{})
	submitter := &mockSubmitter{
		receipt: chain.Receipt{TxHash: common.HexToHash("0x0d"), BlockNumber: 4},
		wait:    release,
	}
	exec := newTestExecutor(t, repo, submitter, nil)
	createOrder(t, repo, "order_wait", testSettlement)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := exec.AttemptFill(ctx, "order_wait")
		done <- result{outcome, err}
	}()

	require.Eventually(t, func() bool { return submitter.callCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	stored, err := repo.Get(context.Background(), "order_wait")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilling, stored.Status, "in-flight fill stays filling after caller cancel")

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.outcome.Success)

	stored, err = repo.Get(context.Background(), "order_wait")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, stored.Status)
	assert.Equal(t, common.HexToHash("0x0d").Hex(), stored.TxHash)
}

func TestAttemptFill_ConcurrentCallersSubmitOnce(t *testing.T) {
	repo := newTestRepository(t)
	submitter := &mockSubmitter{
		receipt: chain.Receipt{TxHash: common.HexToHash("0x02"), BlockNumber: 2},
		delay:   20 * time.Millisecond,
	}
	exec := newTestExecutor(t, repo, submitter, nil)
	createOrder(t, repo, "order_race", testSettlement)

	const callers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := exec.AttemptFill(context.Background(), "order_race")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && outcome.Success:
				successes++
			case errors.Is(err, order.ErrInvalidTransition):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one caller owns the fill")
	assert.Equal(t, callers-1, rejected)
	assert.Equal(t, 1, submitter.callCount())
}

func newTestRepository(t *testing.T) *order.Repository {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo, err := order.NewRepository(st, nil)
	require.NoError(t, err)
	return repo
}

func newTestExecutor(t *testing.T, repo Store, submitter Submitter, recorder Recorder) *Executor {
	t.Helper()
	exec, err := NewExecutor(repo, submitter, recorder, nil, Options{
		Settlement:   testSettlement,
		Router:       testRouter,
		FeeTier:      3000,
		SwapDeadline: 30 * time.Minute,
		Now:          func() time.Time { return testNow },
	}, nil)
	require.NoError(t, err)
	return exec
}

// sampleOrder 构造 0.1 WETH -> 100 USDC 的订单，扩展头部使用给定结算合约。
func sampleOrder(id string, settlement common.Address) order.Order {
	extension := calldata.BuildExtension(settlement, testMaker, testWETH, testUSDC, calldata.Lending{Pool: testPool, InterestRateMode: 2})
	return order.Order{
		ID:        id,
		OrderHash: "0x" + strings.Repeat("ab", 32),
		Terms: order.Terms{
			Salt:         "12345",
			Maker:        testMaker.Hex(),
			Receiver:     common.Address{}.Hex(),
			MakerAsset:   testUSDC.Hex(),
			TakerAsset:   testWETH.Hex(),
			MakingAmount: "100000000",
			TakingAmount: "100000000000000000",
			MakerTraits:  "0",
		},
		MakerSignature:     "0x" + strings.Repeat("11", 65),
		ExtensionCalldata:  hexutil.Encode(extension),
		ExtensionSignature: "0x" + strings.Repeat("22", 65),
		CreatedAt:          testNow.UnixMilli(),
	}
}

func createOrder(t *testing.T, repo *order.Repository, id string, settlement common.Address) order.Order {
	t.Helper()
	created, err := repo.Create(context.Background(), sampleOrder(id, settlement))
	require.NoError(t, err)
	return created
}

type submission struct {
	asset  common.Address
	amount *big.Int
	params []byte
}

type mockSubmitter struct {
	mu      sync.Mutex
	calls   []submission
	receipt chain.Receipt
	err     error
	delay   time.Duration
	before  func()
	wait    chan struct{}
	seenErr error
}

func (m *mockSubmitter) From() common.Address {
	return testFiller
}

func (m *mockSubmitter) FlashLoanFill(ctx context.Context, asset common.Address, amount *big.Int, params []byte) (chain.Receipt, error) {
	m.mu.Lock()
	m.calls = append(m.calls, submission{asset: asset, amount: amount, params: params})
	m.mu.Unlock()

	if m.before != nil {
		m.before()
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.wait != nil {
		select {
		case <-ctx.Done():
			return chain.Receipt{TxHash: m.receipt.TxHash}, ctx.Err()
		case <-m.wait:
		}
	}

	m.mu.Lock()
	m.seenErr = ctx.Err()
	m.mu.Unlock()
	return m.receipt, m.err
}

func (m *mockSubmitter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockSubmitter) ctxErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seenErr
}

type mockRecorder struct {
	mu     sync.Mutex
	events []string
}

func (m *mockRecorder) RecordFillStarted(ctx context.Context, orderID string) {
	m.add("started:" + orderID)
}

func (m *mockRecorder) RecordFillSucceeded(ctx context.Context, orderID, txHash string, block uint64, elapsed time.Duration) {
	m.add("succeeded:" + orderID)
}

func (m *mockRecorder) RecordFillFailed(ctx context.Context, orderID, txHash string, cause error, elapsed time.Duration) {
	m.add("failed:" + orderID)
}

func (m *mockRecorder) add(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockRecorder) list() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}
