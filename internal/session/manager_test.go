package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"trade-bridge/internal/apperr"
	"trade-bridge/internal/totp"
)

const (
	testShared   = "c2hhcmVkLXNlY3JldA=="
	testIdentity = "aWRlbnRpdHktc2VjcmV0LWZvci10ZXN0cw=="
	waitFor      = 2 * time.Second
	tick         = 5 * time.Millisecond
)

type fakeProvider struct {
	mu         sync.Mutex
	events     chan Event
	calls      []string
	auths      []Credentials
	renews     int
	restored   [][]byte
	approvals  []Approval
	approveErr error
	// onAuth 返回 Authenticate 的结果，可在其中推送事件
	onAuth func(p *fakeProvider, call int) error
	// onRenew 返回 Renew 的结果，未设置时续期成功但不推送事件
	onRenew func(p *fakeProvider, call int) error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{events: make(chan Event, 32)}
}

func establishOnAuth(p *fakeProvider, _ int) error {
	p.emit(Event{Type: EventConnected})
	p.emit(Event{Type: EventSessionEstablished, Cookies: []string{"sessionid=1"}})
	return nil
}

func (p *fakeProvider) emit(ev Event) { p.events <- ev }

func (p *fakeProvider) Authenticate(_ context.Context, creds Credentials) error {
	p.mu.Lock()
	p.calls = append(p.calls, "authenticate")
	p.auths = append(p.auths, creds)
	call := len(p.auths)
	hook := p.onAuth
	p.mu.Unlock()
	if hook != nil {
		return hook(p, call)
	}
	return nil
}

func (p *fakeProvider) Renew(context.Context) error {
	p.mu.Lock()
	p.calls = append(p.calls, "renew")
	p.renews++
	call := p.renews
	hook := p.onRenew
	p.mu.Unlock()
	if hook != nil {
		return hook(p, call)
	}
	return nil
}

func (p *fakeProvider) RestoreCheckpoint(_ context.Context, blob []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "restore")
	p.restored = append(p.restored, blob)
	return nil
}

func (p *fakeProvider) Events() <-chan Event { return p.events }

func (p *fakeProvider) SubmitTransfer(context.Context, TransferRequest) (string, error) {
	return "transfer-1", nil
}

func (p *fakeProvider) ApproveConfirmation(_ context.Context, a Approval) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.approvals = append(p.approvals, a)
	return p.approveErr
}

func (p *fakeProvider) FetchAPIKey(context.Context, string) (string, error) {
	return "api-key", nil
}

func (p *fakeProvider) authCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.auths)
}

func (p *fakeProvider) renewCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.renews
}

func (p *fakeProvider) approvalList() []Approval {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Approval(nil), p.approvals...)
}

type memCheckpoints struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{data: make(map[string][]byte)}
}

func (m *memCheckpoints) Load(_ context.Context, id string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[id]
	return b, ok, nil
}

func (m *memCheckpoints) Save(_ context.Context, id string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = append([]byte(nil), blob...)
	return nil
}

func (m *memCheckpoints) get(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.data[id])
}

func newTestManager(t *testing.T, p *fakeProvider, cps *memCheckpoints) (*Manager, context.Context) {
	t.Helper()
	return newTestManagerWith(t, p, cps, zap.NewNop(), nil)
}

func newTestManagerWith(t *testing.T, p *fakeProvider, cps *memCheckpoints, logger *zap.Logger, tune func(*Options)) (*Manager, context.Context) {
	t.Helper()
	if cps == nil {
		cps = newMemCheckpoints()
	}
	opts := Options{
		AccountName:       "seller",
		Password:          "hunter2",
		SharedSecret:      testShared,
		IdentitySecret:    testIdentity,
		AuthBackoff:       10 * time.Millisecond,
		StartPollInterval: 10 * time.Millisecond,
		MaxAuthFailures:   2,
	}
	if tune != nil {
		tune(&opts)
	}
	m, err := NewManager(p, cps, nil, opts, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	return m, ctx
}

func startManager(t *testing.T, m *Manager, ctx context.Context) {
	t.Helper()
	startCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, m.Start(startCtx))
}

func TestNewManager_RejectsInvalidSecrets(t *testing.T) {
	_, err := NewManager(newFakeProvider(), newMemCheckpoints(), nil, Options{
		AccountName:    "seller",
		SharedSecret:   "%%%",
		IdentitySecret: testIdentity,
	}, nil)
	require.ErrorIs(t, err, apperr.ErrInvalidSecret)

	_, err = NewManager(newFakeProvider(), newMemCheckpoints(), nil, Options{
		AccountName:    "seller",
		SharedSecret:   testShared,
		IdentitySecret: "",
	}, nil)
	require.ErrorIs(t, err, apperr.ErrInvalidSecret)
}

func TestManager_NotHealthyBeforeFirstAuthentication(t *testing.T) {
	p := newFakeProvider()
	m, ctx := newTestManager(t, p, nil)

	assert.False(t, m.IsHealthy())

	started := make(chan error, 1)
	go func() { started <- m.Start(ctx) }()

	require.Eventually(t, func() bool { return p.authCount() == 1 }, waitFor, tick)
	assert.False(t, m.IsHealthy())
	assert.Equal(t, StateConnecting, m.State())

	select {
	case err := <-started:
		t.Fatalf("Start returned before authentication: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	p.emit(Event{Type: EventConnected})

	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Start did not return after authentication")
	}
	assert.True(t, m.IsHealthy())
	assert.Equal(t, StateAuthenticated, m.State())

	p.mu.Lock()
	creds := p.auths[0]
	p.mu.Unlock()
	assert.Equal(t, "seller", creds.AccountName)
	assert.Len(t, creds.TwoFactorCode, 5)
}

func TestManager_StartHonoursCancellation(t *testing.T) {
	p := newFakeProvider()
	m, ctx := newTestManager(t, p, nil)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := m.Start(startCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, m.IsHealthy())
}

func TestManager_DuplicateExpirySignalsRenewOnce(t *testing.T) {
	p := newFakeProvider()
	p.onAuth = establishOnAuth
	m, ctx := newTestManager(t, p, nil)
	startManager(t, m, ctx)

	for i := 0; i < 3; i++ {
		p.emit(Event{Type: EventSessionExpired})
	}

	require.Eventually(t, func() bool {
		return m.State() == StateExpiring && p.renewCount() == 1
	}, waitFor, tick)
	assert.False(t, m.IsHealthy())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, p.renewCount(), "重复的过期信号不应触发额外续期")
	assert.Equal(t, 1, p.authCount())

	p.emit(Event{Type: EventSessionEstablished})
	require.Eventually(t, m.IsHealthy, waitFor, tick)

	p.emit(Event{Type: EventSessionExpired})
	require.Eventually(t, func() bool { return p.renewCount() == 2 }, waitFor, tick)
}

func TestManager_ErrorWhileConnectingRetriesAfterBackoff(t *testing.T) {
	p := newFakeProvider()
	p.onAuth = func(p *fakeProvider, call int) error {
		if call == 1 {
			p.emit(Event{Type: EventError, Err: apperr.ErrTransport})
			return nil
		}
		return establishOnAuth(p, call)
	}
	m, ctx := newTestManager(t, p, nil)
	startManager(t, m, ctx)

	assert.Equal(t, 2, p.authCount())
	assert.True(t, m.IsHealthy())
	assert.Equal(t, 0, m.Snapshot().ConsecutiveFailures)
}

func TestManager_RejectedCodeWaitsForNextWindow(t *testing.T) {
	p := newFakeProvider()
	p.onAuth = func(p *fakeProvider, call int) error {
		if call < 3 {
			return apperr.ErrAuth
		}
		return establishOnAuth(p, call)
	}
	m, ctx := newTestManager(t, p, nil)
	// 距离下一个窗口仅 1ms
	m.now = func() time.Time { return time.Unix(1_700_000_009, 999_000_000) }

	startManager(t, m, ctx)
	assert.Equal(t, 3, p.authCount())
	assert.EqualValues(t, 3, m.Snapshot().AuthAttempts)
}

func TestManager_DisconnectTriggersReauthentication(t *testing.T) {
	p := newFakeProvider()
	p.onAuth = establishOnAuth
	m, ctx := newTestManager(t, p, nil)
	startManager(t, m, ctx)

	p.emit(Event{Type: EventDisconnected, Reason: "LogonSessionReplaced"})
	require.Eventually(t, func() bool { return p.authCount() == 2 }, waitFor, tick)
	require.Eventually(t, m.IsHealthy, waitFor, tick)
}

func TestManager_CheckpointRestoredAndPersisted(t *testing.T) {
	p := newFakeProvider()
	p.onAuth = establishOnAuth
	cps := newMemCheckpoints()
	require.NoError(t, cps.Save(context.Background(), "seller", []byte(`{"offers":1}`)))

	m, ctx := newTestManager(t, p, cps)
	startManager(t, m, ctx)

	p.mu.Lock()
	calls := append([]string(nil), p.calls...)
	restored := append([][]byte(nil), p.restored...)
	p.mu.Unlock()
	require.Len(t, restored, 1)
	assert.Equal(t, `{"offers":1}`, string(restored[0]))
	assert.Equal(t, "restore", calls[0], "断点必须在登录前恢复")

	p.emit(Event{Type: EventCheckpoint, Checkpoint: []byte(`{"offers":2}`)})
	require.Eventually(t, func() bool { return cps.get("seller") == `{"offers":2}` }, waitFor, tick)
	assert.Equal(t, `{"offers":2}`, string(m.Checkpoint()))
}

func TestManager_ApprovesConfirmationWithFreshSignature(t *testing.T) {
	p := newFakeProvider()
	p.onAuth = establishOnAuth
	m, ctx := newTestManager(t, p, nil)
	fixed := time.Unix(1_700_000_100, 0)
	m.now = func() time.Time { return fixed }
	startManager(t, m, ctx)

	m.TrackPending(PendingConfirmation{TransferID: "offer-9", OrderID: "A"})
	_, ok := m.Pending("offer-9")
	require.True(t, ok)

	p.emit(Event{Type: EventConfirmation, Confirmation: Confirmation{ID: "conf-1", Key: "key-1", Creator: "offer-9"}})

	require.Eventually(t, func() bool { return len(p.approvalList()) == 1 }, waitFor, tick)
	approval := p.approvalList()[0]

	want, err := totp.Sign(testIdentity, "conf-1", fixed.Unix())
	require.NoError(t, err)
	assert.Equal(t, want, approval.Signature)
	assert.Equal(t, fixed.Unix(), approval.Time)
	assert.Equal(t, "key-1", approval.Key)
	assert.Equal(t, "conf-1", approval.ConfirmationID)
	assert.True(t, approval.Accept)

	require.Eventually(t, func() bool {
		_, ok := m.Pending("offer-9")
		return !ok
	}, waitFor, tick)
	assert.True(t, m.IsHealthy())
}

func TestManager_ApprovalFailureRechecksSession(t *testing.T) {
	p := newFakeProvider()
	p.onAuth = establishOnAuth
	p.approveErr = errors.New("confirmation rejected")
	m, ctx := newTestManager(t, p, nil)
	startManager(t, m, ctx)

	p.emit(Event{Type: EventConfirmation, Confirmation: Confirmation{ID: "conf-1", Key: "key-1"}})

	require.Eventually(t, func() bool {
		return m.State() == StateExpiring && p.renewCount() == 1
	}, waitFor, tick)

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, p.approvalList(), 1, "失败的确认不应被反复重试")
}

func TestManager_TransferChangedResolvesPending(t *testing.T) {
	p := newFakeProvider()
	p.onAuth = establishOnAuth
	m, ctx := newTestManager(t, p, nil)
	startManager(t, m, ctx)

	m.TrackPending(PendingConfirmation{TransferID: "offer-1", OrderID: "A"})

	p.emit(Event{Type: EventTransferChanged, Transfer: TransferUpdate{ID: "offer-1", State: TransferCreatedNeedsConfirmation, Previous: TransferInvalid}})
	time.Sleep(20 * time.Millisecond)
	_, ok := m.Pending("offer-1")
	assert.True(t, ok)

	p.emit(Event{Type: EventTransferChanged, Transfer: TransferUpdate{ID: "offer-1", State: TransferActive, Previous: TransferCreatedNeedsConfirmation}})
	require.Eventually(t, func() bool {
		_, ok := m.Pending("offer-1")
		return !ok
	}, waitFor, tick)
	assert.Equal(t, 0, m.Snapshot().PendingConfirmations)
}

func TestManager_RepeatedAuthFailureEscalatesAndKeepsRetrying(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p := newFakeProvider()
	p.onAuth = func(p *fakeProvider, call int) error {
		if call < 4 {
			return apperr.ErrTransport
		}
		return establishOnAuth(p, call)
	}
	m, ctx := newTestManagerWith(t, p, nil, zap.New(core), nil)
	startManager(t, m, ctx)

	assert.Equal(t, 4, p.authCount())
	assert.True(t, m.IsHealthy())

	warned := logs.FilterMessage("会话认证失败，稍后重试")
	assert.Equal(t, 1, warned.Len())

	escalated := logs.FilterMessage("会话认证连续失败，需要人工检查凭据").All()
	require.Len(t, escalated, 2)
	for _, entry := range escalated {
		assert.Equal(t, zap.ErrorLevel, entry.Level)
		assert.Equal(t, true, entry.ContextMap()["operator_action_required"])
	}
	assert.Equal(t, int64(3), escalated[1].ContextMap()["consecutive_failures"])
}

func TestManager_RenewTransportFailureRetriesRenew(t *testing.T) {
	p := newFakeProvider()
	p.onAuth = establishOnAuth
	p.onRenew = func(p *fakeProvider, call int) error {
		if call == 1 {
			return apperr.ErrTransport
		}
		p.emit(Event{Type: EventSessionEstablished})
		return nil
	}
	m, ctx := newTestManager(t, p, nil)
	startManager(t, m, ctx)

	p.emit(Event{Type: EventSessionExpired})

	require.Eventually(t, func() bool { return p.renewCount() == 2 }, waitFor, tick)
	require.Eventually(t, m.IsHealthy, waitFor, tick)
	assert.Equal(t, 1, p.authCount(), "传输错误只重试续期，不重新登录")
}

func TestManager_RenewRejectedFallsBackToLogin(t *testing.T) {
	p := newFakeProvider()
	p.onAuth = establishOnAuth
	p.onRenew = func(*fakeProvider, int) error { return apperr.ErrAuth }
	m, ctx := newTestManager(t, p, nil)
	startManager(t, m, ctx)

	p.emit(Event{Type: EventSessionExpired})

	require.Eventually(t, func() bool { return p.authCount() == 2 }, waitFor, tick)
	require.Eventually(t, m.IsHealthy, waitFor, tick)
	assert.Equal(t, 1, p.renewCount())
}

func TestManager_LoginNotSwallowedBySlowRenew(t *testing.T) {
	release := make(chan struct{})
	p := newFakeProvider()
	p.onAuth = establishOnAuth
	p.onRenew = func(*fakeProvider, int) error {
		<-release
		return nil
	}
	m, ctx := newTestManager(t, p, nil)
	startManager(t, m, ctx)

	p.emit(Event{Type: EventSessionExpired})
	require.Eventually(t, func() bool { return p.renewCount() == 1 }, waitFor, tick)

	// 续期仍在途时断线，退避后的登录会遇到尚未返回的续期调用
	p.emit(Event{Type: EventDisconnected, Reason: "LoggedInElsewhere"})
	require.Eventually(t, func() bool { return m.State() == StateConnecting }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return p.authCount() == 2 }, waitFor, tick)
	require.Eventually(t, m.IsHealthy, waitFor, tick)
}

func TestManager_LostConnectedEventRetriesLogin(t *testing.T) {
	p := newFakeProvider()
	p.onAuth = func(p *fakeProvider, call int) error {
		if call == 1 {
			// 调用成功但事件丢失
			return nil
		}
		return establishOnAuth(p, call)
	}
	m, ctx := newTestManagerWith(t, p, nil, zap.NewNop(), func(o *Options) {
		o.EstablishTimeout = 20 * time.Millisecond
	})
	startManager(t, m, ctx)

	assert.Equal(t, 2, p.authCount())
	assert.Equal(t, 0, m.Snapshot().ConsecutiveFailures)
}

func TestManager_LostRenewEventRetriesRenew(t *testing.T) {
	p := newFakeProvider()
	p.onAuth = establishOnAuth
	p.onRenew = func(p *fakeProvider, call int) error {
		if call > 1 {
			p.emit(Event{Type: EventConnected})
		}
		return nil
	}
	m, ctx := newTestManagerWith(t, p, nil, zap.NewNop(), func(o *Options) {
		o.EstablishTimeout = 20 * time.Millisecond
	})
	startManager(t, m, ctx)

	p.emit(Event{Type: EventSessionExpired})

	require.Eventually(t, func() bool { return p.renewCount() == 2 }, waitFor, tick)
	require.Eventually(t, m.IsHealthy, waitFor, tick)
	assert.Equal(t, StateAuthenticated, m.State())
	assert.Equal(t, 1, p.authCount())
}
