// Package dispatch 将订单转换为物品转移并提交。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trade-bridge/internal/apperr"
	"trade-bridge/internal/market"
	"trade-bridge/internal/session"
)

// Submitter 提交物品转移。
type Submitter interface {
	SubmitTransfer(ctx context.Context, req session.TransferRequest) (string, error)
}

// Session 为发货需要的会话能力。
type Session interface {
	IsHealthy() bool
	TrackPending(p session.PendingConfirmation)
}

// Options 控制物品定位与调用超时。
type Options struct {
	AppID       int64
	ContextID   int64
	CallTimeout time.Duration
}

// Dispatcher 将订单转化为一次物品转移。
type Dispatcher struct {
	submitter Submitter
	session   Session
	opts      Options
	now       func() time.Time
	logger    *zap.Logger
}

// NewDispatcher 创建发货器。
func NewDispatcher(submitter Submitter, sess Session, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	return &Dispatcher{
		submitter: submitter,
		session:   sess,
		opts:      opts,
		now:       time.Now,
		logger:    logger.Named("dispatch"),
	}
}

// BuildRequest 根据订单生成转移请求，每件物品数量固定为 1。
func (d *Dispatcher) BuildRequest(order market.Order) (session.TransferRequest, error) {
	if order.Destination == "" {
		return session.TransferRequest{}, errors.New("订单缺少收货地址")
	}
	if len(order.Payload) == 0 {
		return session.TransferRequest{}, errors.New("订单不包含物品")
	}

	items := make([]session.Item, 0, len(order.Payload))
	for _, assetID := range order.Payload {
		if assetID == "" {
			return session.TransferRequest{}, errors.New("订单包含空的物品 ID")
		}
		items = append(items, session.Item{
			AppID:     d.opts.AppID,
			ContextID: d.opts.ContextID,
			AssetID:   assetID,
			Amount:    1,
		})
	}

	return session.TransferRequest{
		Destination: order.Destination,
		Items:       items,
		Message:     order.Note,
	}, nil
}

// Dispatch 提交订单对应的转移。失败不在此处重试，由下一个轮询周期重新投递。
func (d *Dispatcher) Dispatch(ctx context.Context, order market.Order) (Delivery, error) {
	if !d.session.IsHealthy() {
		return Delivery{}, &Error{Kind: KindUnhealthy, OrderID: order.ID, Err: apperr.ErrSessionUnhealthy}
	}

	req, err := d.BuildRequest(order)
	if err != nil {
		return Delivery{}, &Error{Kind: KindInvalid, OrderID: order.ID, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()

	start := d.now()
	transferID, err := d.submitter.SubmitTransfer(callCtx, req)
	latency := d.now().Sub(start)
	if err != nil {
		kind := KindRejected
		if apperr.Retryable(err) {
			kind = KindTransport
		}
		d.logger.Warn("提交转移失败",
			zap.String("order_id", order.ID),
			zap.String("error_kind", apperr.Kind(err)),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return Delivery{}, &Error{Kind: kind, OrderID: order.ID, Err: err}
	}
	if transferID == "" {
		return Delivery{}, &Error{Kind: KindRejected, OrderID: order.ID, Err: fmt.Errorf("提交成功但未返回转移 ID")}
	}

	submittedAt := d.now()
	d.session.TrackPending(session.PendingConfirmation{
		TransferID: transferID,
		OrderID:    order.ID,
		IssuedAt:   submittedAt,
	})

	d.logger.Info("转移已提交，等待确认",
		zap.String("order_id", order.ID),
		zap.String("transfer_id", transferID),
		zap.Int("items", len(req.Items)),
		zap.Float64("price", order.Price),
		zap.Duration("latency", latency),
	)

	return Delivery{
		OrderID:     order.ID,
		TransferID:  transferID,
		Items:       len(req.Items),
		SubmittedAt: submittedAt,
		Latency:     latency,
	}, nil
}
