package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trade-bridge/internal/apperr"
	"trade-bridge/internal/session"
)

// frame 是事件流中的单条 JSON 消息。
type frame struct {
	Type         string                  `json:"type"`
	Cookies      []string                `json:"cookies,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Code         string                  `json:"code,omitempty"`
	Data         json.RawMessage         `json:"data,omitempty"`
	Confirmation *session.Confirmation   `json:"confirmation,omitempty"`
	Transfer     *session.TransferUpdate `json:"transfer,omitempty"`
}

// Run 维持事件订阅，断线后按固定间隔重连，直到 ctx 结束。
func (c *Client) Run(ctx context.Context) error {
	for {
		connected, err := c.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			// 断线期间的事件无法补发，交由会话管理器重新认证
			c.emit(ctx, session.Event{Type: session.EventDisconnected, Reason: "event stream lost"})
		}
		c.logger.Warn("事件流中断，等待重连",
			zap.Error(err),
			zap.Duration("wait", c.cfg.ReconnectDelay),
		)

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) eventsURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/v1/events"
	return u.String()
}

func (c *Client) emit(ctx context.Context, ev session.Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// subscribe 读取事件直到连接中断，connected 表示本次是否成功建立过连接。
func (c *Client) subscribe(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	c.authorize(header)

	conn, resp, err := c.dialer.DialContext(ctx, c.eventsURL(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("%w: 订阅事件流失败: %w", apperr.ErrTransport, err)
	}
	defer conn.Close()

	c.logger.Info("事件流已连接")
	c.readyOnce.Do(func() { close(c.ready) })

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, errors.New("事件流被对端关闭")
			}
			return true, fmt.Errorf("%w: 读取事件失败: %w", apperr.ErrTransport, err)
		}

		ev, ok := decodeFrame(f)
		if !ok {
			c.logger.Debug("忽略未知事件", zap.String("type", f.Type))
			continue
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func decodeFrame(f frame) (session.Event, bool) {
	ev := session.Event{Type: session.EventType(f.Type)}

	switch ev.Type {
	case session.EventConnected, session.EventSessionExpired:
	case session.EventSessionEstablished:
		ev.Cookies = f.Cookies
	case session.EventDisconnected:
		ev.Reason = f.Reason
	case session.EventError:
		if f.Code == "auth" {
			ev.Err = fmt.Errorf("%w: %s", apperr.ErrAuth, f.Error)
		} else {
			ev.Err = fmt.Errorf("%w: %s", apperr.ErrTransport, f.Error)
		}
	case session.EventCheckpoint:
		if len(f.Data) == 0 {
			return ev, false
		}
		ev.Checkpoint = []byte(f.Data)
	case session.EventConfirmation:
		if f.Confirmation == nil || f.Confirmation.ID == "" {
			return ev, false
		}
		ev.Confirmation = *f.Confirmation
	case session.EventTransferChanged:
		if f.Transfer == nil || f.Transfer.ID == "" {
			return ev, false
		}
		ev.Transfer = *f.Transfer
	default:
		return ev, false
	}
	return ev, true
}
