package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trade-bridge/internal/apperr"
	"trade-bridge/internal/config"
	"trade-bridge/internal/delivery"
	"trade-bridge/internal/dispatch"
	"trade-bridge/internal/gateway"
	"trade-bridge/internal/market"
	"trade-bridge/internal/monitor"
	"trade-bridge/internal/session"
	"trade-bridge/internal/store"
	"trade-bridge/internal/totp"
)

type sessionLifecycle interface {
	Start(ctx context.Context) error
	IsHealthy() bool
	FetchAPIKey(ctx context.Context, callbackHost string) (string, error)
}

type orderSource interface {
	Poll(ctx context.Context) ([]market.Order, error)
}

type marketAccount interface {
	Ping(ctx context.Context) (market.Response, error)
	SetSessionKey(ctx context.Context, key string) error
}

type admitter interface {
	Admit(order market.Order) bool
}

type orderDispatcher interface {
	Dispatch(ctx context.Context, order market.Order) (dispatch.Delivery, error)
}

type orchestrator struct {
	session      sessionLifecycle
	source       orderSource
	account      marketAccount
	dedup        admitter
	dispatcher   orderDispatcher
	monitor      *monitor.Service
	logger       *zap.Logger
	callbackHost string
	newCycleID   func() string
}

// components 为 App 运行时需要直接访问的具体实现。
type components struct {
	gateway *gateway.Client
	manager *session.Manager
	dedup   *delivery.Deduplicator
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	checkpoints, err := store.NewCheckpointStore(cfg.Checkpoint, st)
	if err != nil {
		return nil, components{}, fmt.Errorf("初始化断点存储失败: %w", err)
	}

	gw, err := gateway.NewClient(cfg.Gateway, logger)
	if err != nil {
		return nil, components{}, fmt.Errorf("初始化会话网关失败: %w", err)
	}

	manager, err := session.NewManager(gw, checkpoints, totp.ConfirmationSigner{}, session.Options{
		AccountName:       cfg.Account.Name,
		Password:          cfg.Account.Password,
		SharedSecret:      cfg.Account.SharedSecret,
		IdentitySecret:    cfg.Account.IdentitySecret,
		AuthBackoff:       cfg.Session.AuthBackoff,
		StartPollInterval: cfg.Session.StartPollInterval,
		MaxAuthFailures:   cfg.Session.MaxAuthFailures,
		CallTimeout:       cfg.Trade.CallTimeout,
		ApprovalTimeout:   cfg.Session.ApprovalTimeout,
		EstablishTimeout:  cfg.Session.EstablishTimeout,
	}, logger)
	if err != nil {
		return nil, components{}, fmt.Errorf("初始化会话管理器失败: %w", err)
	}

	feed, err := market.NewClient(cfg.Market, logger)
	if err != nil {
		return nil, components{}, fmt.Errorf("初始化市场客户端失败: %w", err)
	}

	dedup := delivery.NewDeduplicator(cfg.Delivery.MaxAttempts, logger)
	dispatcher := dispatch.NewDispatcher(gw, manager, dispatch.Options{
		AppID:       cfg.Trade.AppID,
		ContextID:   cfg.Trade.ContextID,
		CallTimeout: cfg.Trade.CallTimeout,
	}, logger)

	orch := &orchestrator{
		session:      manager,
		source:       market.NewSource(feed, cfg.Market.Retry, logger),
		account:      feed,
		dedup:        dedup,
		dispatcher:   dispatcher,
		monitor:      monitor.NewService(0, logger),
		logger:       logger.Named("orchestrator"),
		callbackHost: cfg.Market.CallbackHost,
		newCycleID:   uuid.NewString,
	}
	return orch, components{gateway: gw, manager: manager, dedup: dedup}, nil
}

func (o *orchestrator) Monitor() *monitor.Service {
	return o.monitor
}

// Start 等待会话首次认证成功，并在开始轮询前确认市场侧持有会话 API key。
func (o *orchestrator) Start(ctx context.Context) error {
	if err := o.session.Start(ctx); err != nil {
		return fmt.Errorf("会话启动失败: %w", err)
	}
	o.logger.Info("会话已认证，开始轮询订单")

	if err := o.ensureSessionKey(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("检查会话 API key 失败，将在轮询中重试",
			zap.String("error_kind", apperr.Kind(err)),
			zap.Error(err),
		)
	}
	return nil
}

func (o *orchestrator) ensureSessionKey(ctx context.Context) error {
	resp, err := o.account.Ping(ctx)
	if err != nil {
		return err
	}
	if resp.Success {
		return nil
	}
	if resp.Msg != market.NoSessionKeyMsg {
		return resp.Err()
	}
	return o.registerSessionKey(ctx)
}

func (o *orchestrator) registerSessionKey(ctx context.Context) error {
	key, err := o.session.FetchAPIKey(ctx, o.callbackHost)
	if err != nil {
		return err
	}
	if err := o.account.SetSessionKey(ctx, key); err != nil {
		return fmt.Errorf("登记会话 API key 失败: %w", err)
	}
	o.monitor.RecordSessionKey(ctx)
	o.logger.Info("会话 API key 已登记到市场", zap.String("callback_host", o.callbackHost))
	return nil
}

// Tick 执行一次 轮询 -> 准入 -> 发货。单个订单失败不会中断本轮其他订单。
func (o *orchestrator) Tick(ctx context.Context) error {
	cycleID := o.newCycleID()
	logger := o.logger.With(zap.String("cycle_id", cycleID))

	if !o.session.IsHealthy() {
		logger.Debug("会话不可用，跳过本轮")
		return nil
	}

	start := time.Now()
	orders, err := o.source.Poll(ctx)
	if err != nil {
		if errors.Is(err, apperr.ErrNoSessionKey) {
			logger.Warn("市场缺少会话 API key，重新登记")
			if regErr := o.registerSessionKey(ctx); regErr != nil {
				o.monitor.RecordError(ctx, cycleID, "登记会话 API key 失败", regErr, map[string]interface{}{"stage": "session_key"})
				return regErr
			}
			return nil
		}
		o.monitor.RecordError(ctx, cycleID, "拉取订单失败", err, map[string]interface{}{"stage": "poll"})
		return err
	}

	admitted := 0
	for i, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !o.session.IsHealthy() {
			logger.Warn("会话状态变化，停止本轮发货", zap.Int("remaining", len(orders)-i))
			break
		}

		if !o.dedup.Admit(order) {
			suppressed := fmt.Errorf("%w: %s", apperr.ErrSuppressed, order.ID)
			logger.Debug("订单已达投递上限，跳过", zap.String("order_id", order.ID), zap.Error(suppressed))
			o.monitor.RecordSuppressed(ctx, cycleID, order.ID, suppressed)
			continue
		}
		admitted++
		o.monitor.RecordAdmission(ctx, cycleID, order.ID)

		result, err := o.dispatcher.Dispatch(ctx, order)
		if err != nil {
			o.monitor.RecordError(ctx, cycleID, "发货失败", err, map[string]interface{}{
				"stage":    "dispatch",
				"order_id": order.ID,
			})
			continue
		}
		o.monitor.RecordDispatch(ctx, cycleID, monitor.DispatchPayload{
			OrderID:    result.OrderID,
			TransferID: result.TransferID,
			Items:      result.Items,
		})
	}

	o.monitor.RecordPoll(ctx, cycleID, monitor.PollPayload{
		Orders:   len(orders),
		Admitted: admitted,
		Latency:  time.Since(start),
	})
	if len(orders) > 0 {
		logger.Info("本轮处理完成", zap.Int("orders", len(orders)), zap.Int("admitted", admitted))
	}
	return nil
}

// loop 以固定间隔驱动 Tick，错误只记录，不终止循环。
func (o *orchestrator) loop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	if err := o.Tick(ctx); err != nil && ctx.Err() == nil {
		o.logger.Error("首次轮询失败", zap.String("error_kind", apperr.Kind(err)), zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("轮询周期失败", zap.String("error_kind", apperr.Kind(err)), zap.Error(err))
			}
		}
	}
}
