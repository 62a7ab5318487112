package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"trade-bridge/internal/apperr"
	"trade-bridge/internal/config"
)

const (
	opPing        = "ping"
	opReadyTrades = "ready-to-transfer-p2p"
	opSetKey      = "set-my-steamapi"
)

// Client 负责与市场接口交互。
type Client struct {
	cfg    config.MarketConfig
	base   string
	http   *http.Client
	logger *zap.Logger
}

// NewClient 构造市场客户端。
func NewClient(cfg config.MarketConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("market: base_url 不能为空")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("market: base_url 无效: %w", err)
	}
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &Client{
		cfg:  cfg,
		base: strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.Trim(cfg.Version, "/") + "/",
		http: &http.Client{
			Timeout: cfg.Timeout + 5*time.Second,
		},
		logger: logger.Named("market"),
	}, nil
}

// Ping 检查接口连通性及账号状态，success=false 不视为错误，由调用方解读 msg。
func (c *Client) Ping(ctx context.Context) (Response, error) {
	var resp Response
	if err := c.get(ctx, opPing, nil, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// ReadyTrades 拉取待发货的交易。
func (c *Client) ReadyTrades(ctx context.Context) ([]Trade, error) {
	var resp readyTradesResponse
	if err := c.get(ctx, opReadyTrades, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Trades, nil
}

// SetSessionKey 向市场登记会话 API key。
func (c *Client) SetSessionKey(ctx context.Context, key string) error {
	var resp Response
	if err := c.get(ctx, opSetKey, url.Values{"steam_api": []string{key}}, &resp); err != nil {
		return err
	}
	return resp.Err()
}

func (c *Client) get(ctx context.Context, op string, extra url.Values, out interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	query := url.Values{"api": []string{c.cfg.APIKey}}
	for k, vs := range extra {
		query[k] = vs
	}
	endpoint := c.base + op + "?" + query.Encode()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("market: 构造请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: market %s: %w", apperr.ErrTransport, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: market %s 读取响应失败: %w", apperr.ErrTransport, op, err)
	}

	c.logger.Debug("市场接口调用完成",
		zap.String("operation", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: market %s 返回 %d", apperr.ErrTransport, op, resp.StatusCode)
	}

	// 4xx 通常也带有 success/msg 结构，交给领域层解读
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: market %s 响应解析失败 (status %d): %w", apperr.ErrTransport, op, resp.StatusCode, err)
	}
	return nil
}
