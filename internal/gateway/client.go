package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trade-bridge/internal/apperr"
	"trade-bridge/internal/config"
	"trade-bridge/internal/session"
)

// Client 通过会话网关实现 session.Provider：命令走 HTTP，事件走 websocket。
type Client struct {
	cfg    config.GatewayConfig
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	logger *zap.Logger
	events chan session.Event

	ready     chan struct{}
	readyOnce sync.Once
}

var _ session.Provider = (*Client)(nil)

// NewClient 创建网关客户端。
func NewClient(cfg config.GatewayConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("gateway: base_url 无效 %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}

	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{
			Timeout: cfg.Timeout + 5*time.Second,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Timeout,
		},
		logger: logger.Named("gateway"),
		events: make(chan session.Event, cfg.EventBuffer),
		ready:  make(chan struct{}),
	}, nil
}

// Ready 在事件流首次连接成功后关闭。登录应在此之后发起，否则认证事件可能丢失。
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Events 返回生命周期事件流。
func (c *Client) Events() <-chan session.Event {
	return c.events
}

type logonRequest struct {
	AccountName   string `json:"account_name"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"two_factor_code"`
}

// Authenticate 发起登录，结果通过事件流返回。
func (c *Client) Authenticate(ctx context.Context, creds session.Credentials) error {
	return c.do(ctx, http.MethodPost, "/v1/logon", logonRequest{
		AccountName:   creds.AccountName,
		Password:      creds.Password,
		TwoFactorCode: creds.TwoFactorCode,
	}, nil)
}

// Renew 使用现有登录重新建立 Web 会话。
func (c *Client) Renew(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/weblogon", nil, nil)
}

// RestoreCheckpoint 原样上传断点。
func (c *Client) RestoreCheckpoint(ctx context.Context, blob []byte) error {
	if !json.Valid(blob) {
		return errors.New("gateway: 断点不是合法 JSON")
	}
	return c.do(ctx, http.MethodPut, "/v1/checkpoint", json.RawMessage(blob), nil)
}

type transferResponse struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
}

// SubmitTransfer 发出转移并返回其 ID。
func (c *Client) SubmitTransfer(ctx context.Context, req session.TransferRequest) (string, error) {
	var resp transferResponse
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", req, &resp); err != nil {
		return "", err
	}
	if resp.TransferID == "" {
		return "", fmt.Errorf("%w: gateway 未返回 transfer_id", apperr.ErrTransport)
	}
	c.logger.Debug("转移已提交", zap.String("transfer_id", resp.TransferID), zap.String("status", resp.Status))
	return resp.TransferID, nil
}

// ApproveConfirmation 提交确认签名。
func (c *Client) ApproveConfirmation(ctx context.Context, approval session.Approval) error {
	path := "/v1/confirmations/" + url.PathEscape(approval.ConfirmationID) + "/respond"
	return c.do(ctx, http.MethodPost, path, approval, nil)
}

type apiKeyResponse struct {
	Key string `json:"key"`
}

// FetchAPIKey 申请（或读取已有的）Web API key。
func (c *Client) FetchAPIKey(ctx context.Context, callbackHost string) (string, error) {
	var resp apiKeyResponse
	path := "/v1/api-key?domain=" + url.QueryEscape(callbackHost)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	if resp.Key == "" {
		return "", errors.New("gateway: 返回的 API key 为空")
	}
	return resp.Key, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: 序列化请求失败: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("gateway: 构造请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", apperr.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: 读取响应失败: %w", apperr.ErrTransport, err)
	}

	c.logger.Debug("网关调用完成",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, raw)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: 解析响应失败: %w", apperr.ErrTransport, err)
	}
	return nil
}

func (c *Client) authorize(h http.Header) {
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

func classifyStatus(status int, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: gateway %d: %s", apperr.ErrAuth, status, msg)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return fmt.Errorf("%w: gateway %d: %s", apperr.ErrTransport, status, msg)
	default:
		return fmt.Errorf("gateway %d: %s", status, msg)
	}
}
