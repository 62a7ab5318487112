package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trade-bridge/internal/config"
	"trade-bridge/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。store 在使用文件断点时可以为 nil。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 启动会话事件流、状态接口与轮询循环，阻塞直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("发货桥已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("checkpoint_backend", a.cfg.Checkpoint.Backend),
		zap.Duration("poll_interval", a.cfg.Market.PollInterval),
		zap.Int("max_attempts", a.cfg.Delivery.MaxAttempts),
	)

	orch, parts, err := newOrchestrator(a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return parts.gateway.Run(gctx)
	})

	if a.cfg.Status.Enabled {
		srv := newStatusServer(parts.manager, parts.dedup, orch.Monitor(), a.logger)
		g.Go(func() error {
			return srv.Serve(gctx, a.cfg.Status.Port)
		})
	}

	g.Go(func() error {
		// 先订阅事件流再登录，避免丢失认证事件
		select {
		case <-parts.gateway.Ready():
		case <-gctx.Done():
			return nil
		}
		if err := orch.Start(gctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		return orch.loop(gctx, a.cfg.Market.PollInterval)
	})

	err = g.Wait()
	parts.manager.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，已停止")
	return nil
}
