package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"trade-bridge/internal/apperr"
	"trade-bridge/internal/store"
	"trade-bridge/internal/totp"
)

const authFlightKey = "authenticate"

// Options 控制会话管理器行为。
type Options struct {
	AccountName       string
	Password          string
	SharedSecret      string
	IdentitySecret    string
	AuthBackoff       time.Duration
	StartPollInterval time.Duration
	MaxAuthFailures   int
	CallTimeout       time.Duration
	ApprovalTimeout   time.Duration
	// EstablishTimeout 为登录或续期调用成功后等待会话事件的上限
	EstablishTimeout time.Duration
	ConfirmBuffer    int
}

func (o *Options) applyDefaults() {
	if o.AuthBackoff <= 0 {
		o.AuthBackoff = 5 * time.Second
	}
	if o.StartPollInterval <= 0 {
		o.StartPollInterval = 5 * time.Second
	}
	if o.MaxAuthFailures <= 0 {
		o.MaxAuthFailures = 3
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 15 * time.Second
	}
	if o.ApprovalTimeout <= 0 {
		o.ApprovalTimeout = o.CallTimeout
	}
	if o.EstablishTimeout <= 0 {
		o.EstablishTimeout = o.CallTimeout
	}
	if o.ConfirmBuffer <= 0 {
		o.ConfirmBuffer = 32
	}
}

type internalKind int

const (
	internalAuthenticate internalKind = iota
	internalAuthFailed
	internalRenew
	internalRenewFailed
	internalApprovalFailed
	// 认证调用被合并到另一个在途调用中，需要重新发起自己的调用
	internalAuthenticateJoined
	internalRenewJoined
	internalAuthenticateTimeout
	internalRenewTimeout
)

type internalEvent struct {
	kind internalKind
	err  error
	id   string
	seq  int64
}

// errEstablishTimeout 表示调用成功但在限定时间内没有收到会话建立事件。
var errEstablishTimeout = fmt.Errorf("%w: 等待会话建立事件超时", apperr.ErrTransport)

// Manager 维护会话认证状态机，并负责确认项的签名批准。
//
// 所有状态迁移都在单个事件循环中串行执行；认证与续期调用在独立 goroutine 中进行，
// 通过 singleflight 保证同一时刻最多一个认证请求在途。
type Manager struct {
	provider Provider
	store    store.CheckpointStore
	signer   totp.Signer
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	mu              sync.Mutex
	state           State
	checkpoint      []byte
	pending         map[string]PendingConfirmation
	failures        int
	lastAuthErr     error
	authenticatedAt time.Time

	healthy       atomic.Bool
	authAttempts  atomic.Int64
	renewAttempts atomic.Int64

	flight        singleflight.Group
	internal      chan internalEvent
	confirmations chan Confirmation
	authenticated chan struct{}
	authOnce      sync.Once
	startOnce     sync.Once
	wg            sync.WaitGroup
}

// NewManager 创建会话管理器。
func NewManager(provider Provider, checkpoints store.CheckpointStore, signer totp.Signer, opts Options, logger *zap.Logger) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("session: provider 不能为空")
	}
	if checkpoints == nil {
		return nil, errors.New("session: 断点存储不能为空")
	}
	if opts.AccountName == "" {
		return nil, errors.New("session: 账号不能为空")
	}
	if err := totp.Validate(opts.SharedSecret); err != nil {
		return nil, fmt.Errorf("session: shared_secret 无效: %w", err)
	}
	if err := totp.Validate(opts.IdentitySecret); err != nil {
		return nil, fmt.Errorf("session: identity_secret 无效: %w", err)
	}
	if signer == nil {
		signer = totp.ConfirmationSigner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()

	return &Manager{
		provider:      provider,
		store:         checkpoints,
		signer:        signer,
		opts:          opts,
		logger:        logger.Named("session"),
		now:           time.Now,
		state:         StateDisconnected,
		pending:       make(map[string]PendingConfirmation),
		internal:      make(chan internalEvent, 16),
		confirmations: make(chan Confirmation, opts.ConfirmBuffer),
		authenticated: make(chan struct{}),
	}, nil
}

// Start 恢复断点、发起登录，并阻塞直到首次认证成功或 ctx 结束。
// 事件循环与确认循环在 ctx 结束后退出，可通过 Wait 等待。
func (m *Manager) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		m.restoreFromStore(ctx)

		m.wg.Add(2)
		go m.run(ctx)
		go m.approvalLoop(ctx)

		m.post(ctx, internalEvent{kind: internalAuthenticate})
	})

	ticker := time.NewTicker(m.opts.StartPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.authenticated:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.logger.Info("等待会话认证完成", zap.String("state", m.State().String()))
		}
	}
}

// Wait 等待后台循环退出。
func (m *Manager) Wait() {
	m.wg.Wait()
}

// IsHealthy 非阻塞地返回当前是否允许发货。
func (m *Manager) IsHealthy() bool {
	return m.healthy.Load()
}

// State 返回当前状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Checkpoint 返回最近一次断点的副本。
func (m *Manager) Checkpoint() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint == nil {
		return nil
	}
	out := make([]byte, len(m.checkpoint))
	copy(out, m.checkpoint)
	return out
}

// RestoreCheckpoint 将断点交给会话提供方以便免握手恢复。
func (m *Manager) RestoreCheckpoint(ctx context.Context, blob []byte) error {
	m.mu.Lock()
	m.checkpoint = append([]byte(nil), blob...)
	m.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	if err := m.provider.RestoreCheckpoint(callCtx, blob); err != nil {
		return fmt.Errorf("session: 恢复断点失败: %w", err)
	}
	return nil
}

// TrackPending 登记一笔已提交、等待确认的转移。
func (m *Manager) TrackPending(p PendingConfirmation) {
	if p.TransferID == "" {
		return
	}
	if p.IssuedAt.IsZero() {
		p.IssuedAt = m.now()
	}
	m.mu.Lock()
	m.pending[p.TransferID] = p
	m.mu.Unlock()
}

// Pending 返回指定转移的待确认记录。
func (m *Manager) Pending(transferID string) (PendingConfirmation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[transferID]
	return p, ok
}

// Snapshot 返回状态视图。
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:                m.state.String(),
		Healthy:              m.healthy.Load(),
		AuthAttempts:         m.authAttempts.Load(),
		RenewAttempts:        m.renewAttempts.Load(),
		ConsecutiveFailures:  m.failures,
		PendingConfirmations: len(m.pending),
		CheckpointBytes:      len(m.checkpoint),
		AuthenticatedAt:      m.authenticatedAt,
	}
}

// FetchAPIKey 通过会话申请 Web API key。
func (m *Manager) FetchAPIKey(ctx context.Context, callbackHost string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	key, err := m.provider.FetchAPIKey(callCtx, callbackHost)
	if err != nil {
		return "", fmt.Errorf("session: 获取 API key 失败: %w", err)
	}
	return key, nil
}

func (m *Manager) restoreFromStore(ctx context.Context) {
	blob, ok, err := m.store.Load(ctx, m.opts.AccountName)
	if err != nil {
		m.logger.Warn("读取会话断点失败，将完整握手", zap.Error(err))
		return
	}
	if !ok {
		m.logger.Info("未找到会话断点")
		return
	}

	m.logger.Info("找到会话断点，恢复提供方状态", zap.Int("bytes", len(blob)))
	if err := m.RestoreCheckpoint(ctx, blob); err != nil {
		m.logger.Warn("恢复会话断点失败", zap.Error(err))
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	events := m.provider.Events()
	for {
		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			m.logger.Info("会话事件循环已停止")
			return
		case ev, ok := <-events:
			if !ok {
				m.logger.Warn("会话事件流已关闭")
				events = nil
				m.handleEvent(ctx, Event{Type: EventDisconnected, Reason: "event stream closed"})
				continue
			}
			m.handleEvent(ctx, ev)
		case ie := <-m.internal:
			m.handleInternal(ctx, ie)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventConnected:
		m.logger.Info("会话提供方已连接")
		switch m.State() {
		case StateConnecting, StateDisconnected, StateExpiring:
			m.markAuthenticated()
		}

	case EventSessionEstablished:
		m.logger.Info("会话已建立", zap.Int("cookies", len(ev.Cookies)))
		if m.State() != StateAuthenticated {
			m.markAuthenticated()
		}

	case EventDisconnected:
		m.logger.Warn("会话提供方断开", zap.String("reason", ev.Reason))
		m.setState(StateDisconnected)
		m.scheduleInternal(ctx, internalEvent{kind: internalAuthenticate})

	case EventSessionExpired:
		m.onExpired(ctx, "provider")

	case EventError:
		if m.State() == StateConnecting {
			m.onAuthFailure(ctx, ev.Err)
			return
		}
		m.logger.Error("会话提供方错误", zap.Error(ev.Err), zap.String("error_kind", apperr.Kind(ev.Err)))

	case EventCheckpoint:
		m.persistCheckpoint(ctx, ev.Checkpoint)

	case EventConfirmation:
		select {
		case m.confirmations <- ev.Confirmation:
		case <-ctx.Done():
		}

	case EventTransferChanged:
		m.onTransferChanged(ev.Transfer)

	default:
		m.logger.Debug("忽略未知会话事件", zap.String("type", string(ev.Type)))
	}
}

func (m *Manager) handleInternal(ctx context.Context, ie internalEvent) {
	switch ie.kind {
	case internalAuthenticate:
		if m.State() != StateDisconnected {
			return
		}
		m.setState(StateConnecting)
		m.authenticate(ctx)

	case internalAuthFailed:
		if m.State() == StateConnecting {
			m.onAuthFailure(ctx, ie.err)
		}

	case internalRenew:
		if m.State() == StateExpiring {
			m.renew(ctx)
		}

	case internalRenewFailed:
		if m.State() != StateExpiring {
			return
		}
		m.logger.Warn("会话续期失败，稍后重试", zap.Error(ie.err), zap.Duration("backoff", m.opts.AuthBackoff))
		if errors.Is(ie.err, apperr.ErrAuth) {
			// 续期被拒绝时回退到完整登录
			m.setState(StateDisconnected)
			m.scheduleInternal(ctx, internalEvent{kind: internalAuthenticate})
			return
		}
		m.scheduleInternal(ctx, internalEvent{kind: internalRenew})

	case internalApprovalFailed:
		m.logger.Warn("确认批准失败，检查会话状态", zap.String("confirmation_id", ie.id), zap.Error(ie.err))
		m.onExpired(ctx, "approval_failed")

	case internalAuthenticateJoined:
		if m.State() == StateConnecting {
			m.authenticate(ctx)
		}

	case internalRenewJoined:
		if m.State() == StateExpiring {
			m.renew(ctx)
		}

	case internalAuthenticateTimeout:
		if m.State() == StateConnecting && ie.seq == m.authAttempts.Load() {
			m.onAuthFailure(ctx, errEstablishTimeout)
		}

	case internalRenewTimeout:
		if m.State() == StateExpiring && ie.seq == m.renewAttempts.Load() {
			m.handleInternal(ctx, internalEvent{kind: internalRenewFailed, err: errEstablishTimeout})
		}
	}
}

func (m *Manager) onExpired(ctx context.Context, source string) {
	if m.State() != StateAuthenticated {
		m.logger.Debug("忽略重复的会话过期信号", zap.String("source", source), zap.String("state", m.State().String()))
		return
	}
	m.logger.Warn("会话已过期，重新登录", zap.String("source", source))
	m.setState(StateExpiring)
	m.renew(ctx)
}

func (m *Manager) onAuthFailure(ctx context.Context, err error) {
	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.lastAuthErr = err
	m.mu.Unlock()

	m.setState(StateDisconnected)

	fields := []zap.Field{
		zap.Error(err),
		zap.String("error_kind", apperr.Kind(err)),
		zap.Int("consecutive_failures", failures),
		zap.Duration("backoff", m.opts.AuthBackoff),
	}
	if failures >= m.opts.MaxAuthFailures {
		m.logger.Error("会话认证连续失败，需要人工检查凭据", append(fields, zap.Bool("operator_action_required", true))...)
	} else {
		m.logger.Warn("会话认证失败，稍后重试", fields...)
	}

	m.scheduleInternal(ctx, internalEvent{kind: internalAuthenticate})
}

func (m *Manager) markAuthenticated() {
	m.mu.Lock()
	m.failures = 0
	m.lastAuthErr = nil
	m.authenticatedAt = m.now()
	m.mu.Unlock()

	m.setState(StateAuthenticated)
	m.authOnce.Do(func() { close(m.authenticated) })
	m.logger.Info("会话认证成功")
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	m.healthy.Store(next == StateAuthenticated)
	if prev != next {
		m.logger.Debug("会话状态迁移", zap.String("from", prev.String()), zap.String("to", next.String()))
	}
}

// exclusive 在 authFlightKey 上执行 fn。若本次调用合并到了另一个在途调用，
// fn 不会执行，ran 返回 false，得到的结果属于另一个操作。
func (m *Manager) exclusive(fn func() error) (ran bool, err error) {
	_, err, _ = m.flight.Do(authFlightKey, func() (interface{}, error) {
		ran = true
		return nil, fn()
	})
	return ran, err
}

func (m *Manager) authenticate(ctx context.Context) {
	m.mu.Lock()
	waitWindow := errors.Is(m.lastAuthErr, apperr.ErrAuth)
	m.mu.Unlock()

	go func() {
		var seq int64
		ran, err := m.exclusive(func() error {
			var logErr error
			seq, logErr = m.logOn(ctx, waitWindow)
			return logErr
		})
		switch {
		case ctx.Err() != nil:
		case !ran:
			m.logger.Debug("登录合并到在途的认证调用，完成后重新发起")
			m.post(ctx, internalEvent{kind: internalAuthenticateJoined})
		case err != nil:
			m.post(ctx, internalEvent{kind: internalAuthFailed, err: err})
		default:
			m.awaitEstablished(ctx, internalEvent{kind: internalAuthenticateTimeout, seq: seq})
		}
	}()
}

func (m *Manager) logOn(ctx context.Context, waitWindow bool) (int64, error) {
	if waitWindow {
		// 同一窗口内的验证码已被拒绝，等待下一个窗口
		wait := totp.UntilNextWindow(m.now())
		m.logger.Info("等待新的两步验证码", zap.Duration("wait", wait))
		if err := sleepContext(ctx, wait); err != nil {
			return 0, err
		}
	}

	code, err := totp.AuthCode(m.opts.SharedSecret, m.now().Unix())
	if err != nil {
		return 0, err
	}

	seq := m.authAttempts.Add(1)
	m.logger.Info("尝试登录", zap.String("account", m.opts.AccountName))

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	return seq, m.provider.Authenticate(callCtx, Credentials{
		AccountName:   m.opts.AccountName,
		Password:      m.opts.Password,
		TwoFactorCode: code,
	})
}

func (m *Manager) renew(ctx context.Context) {
	go func() {
		var seq int64
		ran, err := m.exclusive(func() error {
			seq = m.renewAttempts.Add(1)
			callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
			defer cancel()
			return m.provider.Renew(callCtx)
		})
		switch {
		case ctx.Err() != nil:
		case !ran:
			m.logger.Debug("续期合并到在途的认证调用，完成后重新发起")
			m.post(ctx, internalEvent{kind: internalRenewJoined})
		case err != nil:
			m.post(ctx, internalEvent{kind: internalRenewFailed, err: err})
		default:
			m.awaitEstablished(ctx, internalEvent{kind: internalRenewTimeout, seq: seq})
		}
	}()
}

// awaitEstablished 在 EstablishTimeout 后投递超时事件，事件循环根据状态和 seq 判断是否仍在等待。
func (m *Manager) awaitEstablished(ctx context.Context, ie internalEvent) {
	time.AfterFunc(m.opts.EstablishTimeout, func() {
		m.post(ctx, ie)
	})
}

func (m *Manager) persistCheckpoint(ctx context.Context, blob []byte) {
	m.mu.Lock()
	m.checkpoint = append([]byte(nil), blob...)
	m.mu.Unlock()

	if err := m.store.Save(ctx, m.opts.AccountName, blob); err != nil {
		m.logger.Error("写入会话断点失败", zap.Error(err))
		return
	}
	m.logger.Info("会话断点已写入", zap.Int("bytes", len(blob)))
}

func (m *Manager) onTransferChanged(update TransferUpdate) {
	m.logger.Info("转移状态变化",
		zap.String("transfer_id", update.ID),
		zap.String("state", update.State.String()),
		zap.String("previous", update.Previous.String()),
	)
	if update.State == TransferCreatedNeedsConfirmation {
		return
	}
	m.resolvePending(update.ID)
}

func (m *Manager) resolvePending(transferID string) (PendingConfirmation, bool) {
	if transferID == "" {
		return PendingConfirmation{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[transferID]
	if ok {
		delete(m.pending, transferID)
	}
	return p, ok
}

// post 将内部事件投递到事件循环，ctx 结束时放弃。
func (m *Manager) post(ctx context.Context, ie internalEvent) {
	select {
	case m.internal <- ie:
	case <-ctx.Done():
	}
}

func (m *Manager) scheduleInternal(ctx context.Context, ie internalEvent) {
	time.AfterFunc(m.opts.AuthBackoff, func() {
		m.post(ctx, ie)
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
