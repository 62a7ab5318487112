package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-bridge/internal/apperr"
	"trade-bridge/internal/delivery"
	"trade-bridge/internal/dispatch"
	"trade-bridge/internal/market"
	"trade-bridge/internal/monitor"
)

type fakeSession struct {
	healthy  atomic.Bool
	startErr error
	mu       sync.Mutex
	calls    []string
}

func (f *fakeSession) Start(ctx context.Context) error {
	f.record("start")
	return f.startErr
}

func (f *fakeSession) IsHealthy() bool { return f.healthy.Load() }

func (f *fakeSession) FetchAPIKey(ctx context.Context, host string) (string, error) {
	f.record("fetch_key:" + host)
	return "SESSION-KEY", nil
}

func (f *fakeSession) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

type fakeMarket struct {
	mu      sync.Mutex
	ping    market.Response
	pingErr error
	polls   int
	results []error
	orders  []market.Order
	setKeys []string
	trace   *[]string
}

func (f *fakeMarket) Ping(ctx context.Context) (market.Response, error) {
	f.note("ping")
	return f.ping, f.pingErr
}

func (f *fakeMarket) SetSessionKey(ctx context.Context, key string) error {
	f.note("set_key")
	f.mu.Lock()
	f.setKeys = append(f.setKeys, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeMarket) Poll(ctx context.Context) ([]market.Order, error) {
	f.note("poll")
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	f.polls++
	if i < len(f.results) && f.results[i] != nil {
		return nil, f.results[i]
	}
	return f.orders, nil
}

func (f *fakeMarket) note(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trace != nil {
		*f.trace = append(*f.trace, call)
	}
}

type fakeDispatcher struct {
	mu        sync.Mutex
	orders    []string
	err       error
	afterEach func()
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, order market.Order) (dispatch.Delivery, error) {
	f.mu.Lock()
	f.orders = append(f.orders, order.ID)
	n := len(f.orders)
	f.mu.Unlock()
	if f.afterEach != nil {
		f.afterEach()
	}
	if f.err != nil {
		return dispatch.Delivery{}, &dispatch.Error{Kind: dispatch.KindTransport, OrderID: order.ID, Err: f.err}
	}
	return dispatch.Delivery{OrderID: order.ID, TransferID: "offer-" + strconv.Itoa(n), Items: 1}, nil
}

func (f *fakeDispatcher) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.orders...)
}

func newTestOrchestrator(sess *fakeSession, mkt *fakeMarket, disp *fakeDispatcher) *orchestrator {
	var n int64
	return &orchestrator{
		session:      sess,
		source:       mkt,
		account:      mkt,
		dedup:        delivery.NewDeduplicator(4, nil),
		dispatcher:   disp,
		monitor:      monitor.NewService(50, nil),
		logger:       zapNop(),
		callbackHost: "localhost",
		newCycleID: func() string {
			return "cycle-" + strconv.FormatInt(atomic.AddInt64(&n, 1), 10)
		},
	}
}

func healthySession() *fakeSession {
	s := &fakeSession{}
	s.healthy.Store(true)
	return s
}

func TestTick_DuplicateRedeliveryIsBounded(t *testing.T) {
	mkt := &fakeMarket{ping: market.Response{Success: true}, orders: []market.Order{
		{ID: "A", Destination: "link", Payload: []string{"1"}, Note: "A"},
	}}
	disp := &fakeDispatcher{}
	orch := newTestOrchestrator(healthySession(), mkt, disp)

	for i := 0; i < 6; i++ {
		require.NoError(t, orch.Tick(context.Background()))
	}

	assert.Equal(t, []string{"A", "A", "A", "A"}, disp.dispatched())
	counters := orch.Monitor().Counters()
	assert.Equal(t, int64(6), counters.Polls)
	assert.Equal(t, int64(4), counters.Dispatched)
	assert.Equal(t, int64(2), counters.Suppressed)

	suppressed := orch.Monitor().ListEvents(context.Background(), monitor.EventSuppressed, 10)
	require.Len(t, suppressed, 2)
	assert.Equal(t, monitor.DispatchPayload{OrderID: "A", Reason: "suppressed"}, suppressed[0].Payload)
}

func TestStart_RegistersSessionKeyBeforePolling(t *testing.T) {
	var trace []string
	mkt := &fakeMarket{ping: market.Response{Success: false, Msg: market.NoSessionKeyMsg}, trace: &trace}
	sess := healthySession()
	orch := newTestOrchestrator(sess, mkt, &fakeDispatcher{})

	require.NoError(t, orch.Start(context.Background()))
	require.NoError(t, orch.Tick(context.Background()))

	assert.Equal(t, []string{"ping", "set_key", "poll"}, trace)
	assert.Equal(t, []string{"SESSION-KEY"}, mkt.setKeys)
	assert.Equal(t, []string{"start", "fetch_key:localhost"}, sess.calls)
	assert.Equal(t, int64(1), orch.Monitor().Counters().KeyRegisters)
}

func TestStart_KeyAlreadyRegistered(t *testing.T) {
	mkt := &fakeMarket{ping: market.Response{Success: true}}
	sess := healthySession()
	orch := newTestOrchestrator(sess, mkt, &fakeDispatcher{})

	require.NoError(t, orch.Start(context.Background()))
	assert.Empty(t, mkt.setKeys)
	assert.Equal(t, []string{"start"}, sess.calls)
}

func TestStart_PingTransportFailureIsNotFatal(t *testing.T) {
	mkt := &fakeMarket{pingErr: fmt.Errorf("%w: reset", apperr.ErrTransport)}
	orch := newTestOrchestrator(healthySession(), mkt, &fakeDispatcher{})

	require.NoError(t, orch.Start(context.Background()))
}

func TestStart_SessionFailure(t *testing.T) {
	sess := healthySession()
	sess.startErr = context.Canceled
	orch := newTestOrchestrator(sess, &fakeMarket{}, &fakeDispatcher{})

	err := orch.Start(context.Background())
	require.ErrorIs(t, err, context.Canceled)
}

func TestTick_PollReportsMissingKey(t *testing.T) {
	mkt := &fakeMarket{results: []error{fmt.Errorf("%w: noSteamApi", apperr.ErrNoSessionKey)}}
	orch := newTestOrchestrator(healthySession(), mkt, &fakeDispatcher{})

	require.NoError(t, orch.Tick(context.Background()))
	assert.Equal(t, []string{"SESSION-KEY"}, mkt.setKeys)
}

func TestTick_TransportErrorDoesNotStopNextCycle(t *testing.T) {
	mkt := &fakeMarket{
		results: []error{fmt.Errorf("%w: reset", apperr.ErrTransport)},
		orders:  []market.Order{{ID: "B", Destination: "link", Payload: []string{"2"}}},
	}
	disp := &fakeDispatcher{}
	orch := newTestOrchestrator(healthySession(), mkt, disp)

	err := orch.Tick(context.Background())
	require.ErrorIs(t, err, apperr.ErrTransport)
	assert.Empty(t, disp.dispatched())

	require.NoError(t, orch.Tick(context.Background()))
	assert.Equal(t, []string{"B"}, disp.dispatched())
	assert.Equal(t, int64(1), orch.Monitor().Counters().PollFailures)
}

func TestLoop_SurvivesFailingCycles(t *testing.T) {
	mkt := &fakeMarket{
		results: []error{
			fmt.Errorf("%w: reset", apperr.ErrTransport),
			fmt.Errorf("%w: reset", apperr.ErrTransport),
		},
		orders: []market.Order{{ID: "C", Destination: "link", Payload: []string{"3"}}},
	}
	disp := &fakeDispatcher{}
	orch := newTestOrchestrator(healthySession(), mkt, disp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.loop(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return len(disp.dispatched()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestTick_SkipsWhenUnhealthy(t *testing.T) {
	mkt := &fakeMarket{orders: []market.Order{{ID: "D"}}}
	orch := newTestOrchestrator(&fakeSession{}, mkt, &fakeDispatcher{})

	require.NoError(t, orch.Tick(context.Background()))
	assert.Equal(t, 0, mkt.polls)
}

func TestTick_StopsDispatchingWhenHealthFlips(t *testing.T) {
	sess := healthySession()
	mkt := &fakeMarket{orders: []market.Order{
		{ID: "E1", Destination: "l", Payload: []string{"1"}},
		{ID: "E2", Destination: "l", Payload: []string{"2"}},
		{ID: "E3", Destination: "l", Payload: []string{"3"}},
	}}
	disp := &fakeDispatcher{afterEach: func() { sess.healthy.Store(false) }}
	orch := newTestOrchestrator(sess, mkt, disp)

	require.NoError(t, orch.Tick(context.Background()))
	assert.Equal(t, []string{"E1"}, disp.dispatched())
}

func TestTick_DispatchFailureContinuesWithOtherOrders(t *testing.T) {
	mkt := &fakeMarket{orders: []market.Order{
		{ID: "F1", Destination: "l", Payload: []string{"1"}},
		{ID: "F2", Destination: "l", Payload: []string{"2"}},
	}}
	disp := &fakeDispatcher{err: errors.New("gateway down")}
	orch := newTestOrchestrator(healthySession(), mkt, disp)

	require.NoError(t, orch.Tick(context.Background()))
	assert.Equal(t, []string{"F1", "F2"}, disp.dispatched())
	assert.Equal(t, int64(2), orch.Monitor().Counters().Failures)

	errs := orch.Monitor().ListEvents(context.Background(), monitor.EventError, 10)
	require.Len(t, errs, 2)
	assert.Equal(t, "cycle-1", errs[0].CycleID)
}
