package market

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"trade-bridge/internal/apperr"
	"trade-bridge/internal/config"
)

// Feed 为订单源依赖的最小接口。
type Feed interface {
	ReadyTrades(ctx context.Context) ([]Trade, error)
}

// Source 以固定间隔重试的方式拉取待发货订单。
type Source struct {
	feed   Feed
	retry  config.RetryConfig
	logger *zap.Logger
}

// NewSource 构造订单源。
func NewSource(feed Feed, retry config.RetryConfig, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Source{
		feed:   feed,
		retry:  retry,
		logger: logger.Named("order_source"),
	}
}

// Poll 拉取一次订单列表。结果按订单 ID 去重，只有传输错误会在同一周期内重试。
func (s *Source) Poll(ctx context.Context) ([]Order, error) {
	var (
		trades []Trade
		err    error
	)

	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		trades, err = s.feed.ReadyTrades(ctx)
		if err == nil {
			if attempt > 1 {
				s.logger.Info("订单拉取重试后成功", zap.Int("attempts", attempt))
			}
			break
		}

		if !errors.Is(err, apperr.ErrTransport) || attempt >= s.retry.MaxAttempts {
			return nil, err
		}

		s.logger.Warn("订单拉取失败，准备重试",
			zap.Int("attempt", attempt),
			zap.Duration("delay", s.retry.Delay),
			zap.Error(err),
		)

		timer := time.NewTimer(s.retry.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	orders := make([]Order, 0, len(trades))
	seen := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		order, ok := t.ToOrder()
		if !ok {
			s.logger.Warn("忽略字段不完整的交易", zap.String("custom_id", t.CustomID), zap.String("item_id", t.ItemID))
			continue
		}
		if _, dup := seen[order.ID]; dup {
			continue
		}
		seen[order.ID] = struct{}{}
		orders = append(orders, order)
	}
	return orders, nil
}
