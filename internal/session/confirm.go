package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// approvalLoop 串行处理确认通知，签名在处理时即时计算。
func (m *Manager) approvalLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-m.confirmations:
			if err := m.approve(ctx, c); err != nil && ctx.Err() == nil {
				m.post(ctx, internalEvent{kind: internalApprovalFailed, id: c.ID, err: err})
			}
		}
	}
}

func (m *Manager) approve(ctx context.Context, c Confirmation) error {
	now := m.now().Unix()
	signature, err := m.signer.Sign(m.opts.IdentitySecret, c.ID, now)
	if err != nil {
		return fmt.Errorf("session: 确认签名失败: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.ApprovalTimeout)
	defer cancel()

	err = m.provider.ApproveConfirmation(callCtx, Approval{
		ConfirmationID: c.ID,
		Key:            c.Key,
		Time:           now,
		Signature:      signature,
		Accept:         true,
	})

	pending, tracked := m.resolvePending(c.Creator)
	fields := []zap.Field{
		zap.String("confirmation_id", c.ID),
		zap.String("transfer_id", c.Creator),
	}
	if tracked {
		fields = append(fields,
			zap.String("order_id", pending.OrderID),
			zap.Duration("pending_for", m.now().Sub(pending.IssuedAt)),
		)
	}

	if err != nil {
		m.logger.Error("批准确认失败", append(fields, zap.Error(err))...)
		return fmt.Errorf("session: 批准确认失败: %w", err)
	}

	m.logger.Info("确认已批准", fields...)
	return nil
}
