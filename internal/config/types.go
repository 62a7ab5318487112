package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Account    AccountConfig    `mapstructure:"account"`
	Trade      TradeConfig      `mapstructure:"trade"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Market     MarketConfig     `mapstructure:"market"`
	Session    SessionConfig    `mapstructure:"session"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Status     StatusConfig     `mapstructure:"status"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// AccountConfig 描述交易账号凭据。
type AccountConfig struct {
	Name           string `mapstructure:"name"`
	Password       string `mapstructure:"password"`
	SharedSecret   string `mapstructure:"shared_secret"`
	IdentitySecret string `mapstructure:"identity_secret"`
}

// TradeConfig 描述发货物品的定位参数。
type TradeConfig struct {
	AppID       int64         `mapstructure:"app_id"`
	ContextID   int64         `mapstructure:"context_id"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// GatewayConfig 描述会话网关连接信息。
type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	EventBuffer    int           `mapstructure:"event_buffer"`
}

// MarketConfig 描述市场订单源。
type MarketConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Version      string        `mapstructure:"version"`
	APIKey       string        `mapstructure:"api_key"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CallbackHost string        `mapstructure:"callback_host"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 控制固定间隔重试。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

// SessionConfig 控制会话状态机节奏。
type SessionConfig struct {
	AuthBackoff       time.Duration `mapstructure:"auth_backoff"`
	StartPollInterval time.Duration `mapstructure:"start_poll_interval"`
	MaxAuthFailures   int           `mapstructure:"max_auth_failures"`
	ApprovalTimeout   time.Duration `mapstructure:"approval_timeout"`
	EstablishTimeout  time.Duration `mapstructure:"establish_timeout"`
}

// DeliveryConfig 控制去重上限。
type DeliveryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// CheckpointConfig 控制会话断点的存储方式。
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"` // sqlite | file
	Dir     string `mapstructure:"dir"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// StatusConfig 控制状态查询接口。
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

const (
	CheckpointBackendSQLite = "sqlite"
	CheckpointBackendFile   = "file"
)

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Account.Name == "" {
		err = multierr.Append(err, errors.New("account.name 不能为空"))
	}
	if c.Account.Password == "" {
		err = multierr.Append(err, errors.New("account.password 不能为空"))
	}
	if c.Account.SharedSecret == "" {
		err = multierr.Append(err, errors.New("account.shared_secret 不能为空"))
	}
	if c.Account.IdentitySecret == "" {
		err = multierr.Append(err, errors.New("account.identity_secret 不能为空"))
	}
	if c.Trade.AppID <= 0 {
		err = multierr.Append(err, errors.New("trade.app_id 必须大于0"))
	}
	if c.Trade.ContextID <= 0 {
		err = multierr.Append(err, errors.New("trade.context_id 必须大于0"))
	}
	if c.Trade.CallTimeout <= 0 {
		err = multierr.Append(err, errors.New("trade.call_timeout 必须大于0"))
	}
	if c.Gateway.BaseURL == "" {
		err = multierr.Append(err, errors.New("gateway.base_url 不能为空"))
	}
	if c.Gateway.Timeout <= 0 {
		err = multierr.Append(err, errors.New("gateway.timeout 必须大于0"))
	}
	if c.Gateway.ReconnectDelay <= 0 {
		err = multierr.Append(err, errors.New("gateway.reconnect_delay 必须大于0"))
	}
	if c.Market.BaseURL == "" {
		err = multierr.Append(err, errors.New("market.base_url 不能为空"))
	}
	if c.Market.Version == "" {
		err = multierr.Append(err, errors.New("market.version 不能为空"))
	}
	if c.Market.APIKey == "" {
		err = multierr.Append(err, errors.New("market.api_key 不能为空"))
	}
	if c.Market.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("market.poll_interval 必须大于0"))
	}
	if c.Market.Timeout <= 0 {
		err = multierr.Append(err, errors.New("market.timeout 必须大于0"))
	}
	if c.Market.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("market.retry.max_attempts 必须大于0"))
	}
	if c.Market.Retry.Delay < 0 {
		err = multierr.Append(err, errors.New("market.retry.delay 不能为负"))
	}
	if c.Market.Retry.Delay >= c.Market.PollInterval {
		err = multierr.Append(err, errors.New("market.retry.delay 应小于 poll_interval"))
	}
	if c.Session.AuthBackoff <= 0 {
		err = multierr.Append(err, errors.New("session.auth_backoff 必须大于0"))
	}
	if c.Session.StartPollInterval <= 0 {
		err = multierr.Append(err, errors.New("session.start_poll_interval 必须大于0"))
	}
	if c.Session.MaxAuthFailures <= 0 {
		err = multierr.Append(err, errors.New("session.max_auth_failures 必须大于0"))
	}
	if c.Session.ApprovalTimeout <= 0 {
		err = multierr.Append(err, errors.New("session.approval_timeout 必须大于0"))
	}
	if c.Session.EstablishTimeout < 0 {
		err = multierr.Append(err, errors.New("session.establish_timeout 不能为负数"))
	}
	if c.Delivery.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("delivery.max_attempts 必须大于0"))
	}
	switch strings.ToLower(c.Checkpoint.Backend) {
	case CheckpointBackendSQLite:
		if c.Database.Path == "" && !c.Database.InMemory {
			err = multierr.Append(err, errors.New("database.path 不能为空"))
		}
	case CheckpointBackendFile:
		if c.Checkpoint.Dir == "" {
			err = multierr.Append(err, errors.New("checkpoint.dir 不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("checkpoint.backend 不支持: %q", c.Checkpoint.Backend))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		err = multierr.Append(err, errors.New("status.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
