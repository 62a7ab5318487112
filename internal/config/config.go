package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "bridge"
)

// legacyEnv 兼容旧部署使用的环境变量名。
var legacyEnv = map[string]string{
	"account.name":            "STEAMBOT_TRADE_BOT_ACCOUNT_NAME",
	"account.password":        "STEAMBOT_TRADE_BOT_ACCOUNT_PASSWORD",
	"account.shared_secret":   "STEAMBOT_TRADE_BOT_SHARED_SECRET",
	"account.identity_secret": "STEAMBOT_TRADE_BOT_IDENTITY_SECRET",
	"trade.app_id":            "STEAMBOT_TRADE_BOT_APP_ID",
	"trade.context_id":        "STEAMBOT_TRADE_BOT_CONTEXT_ID",
	"market.api_key":          "WAXPEER_API",
}

// Load 读取配置文件并结合环境变量返回 Config。
// 未显式指定路径且默认文件不存在时，仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	for key, env := range legacyEnv {
		if err := v.BindEnv(key, strings.ToUpper(envPrefix)+"_"+replacer.Replace(strings.ToUpper(key)), env); err != nil {
			return nil, fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}

	setDefaults(v)

	if _, statErr := os.Stat(path); statErr == nil || explicit {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
			}
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("trade.app_id", 730)
	v.SetDefault("trade.context_id", 2)
	v.SetDefault("trade.call_timeout", "15s")

	v.SetDefault("gateway.base_url", "http://127.0.0.1:3030")
	v.SetDefault("gateway.timeout", "15s")
	v.SetDefault("gateway.reconnect_delay", "5s")
	v.SetDefault("gateway.event_buffer", 64)

	v.SetDefault("market.base_url", "https://api.waxpeer.com/")
	v.SetDefault("market.version", "v1")
	v.SetDefault("market.poll_interval", "5s")
	v.SetDefault("market.timeout", "15s")
	v.SetDefault("market.callback_host", "localhost")
	v.SetDefault("market.retry.max_attempts", 2)
	v.SetDefault("market.retry.delay", "1s")

	v.SetDefault("session.auth_backoff", "5s")
	v.SetDefault("session.start_poll_interval", "5s")
	v.SetDefault("session.max_auth_failures", 3)
	v.SetDefault("session.approval_timeout", "15s")
	v.SetDefault("session.establish_timeout", "30s")

	v.SetDefault("delivery.max_attempts", 4)

	v.SetDefault("checkpoint.backend", CheckpointBackendSQLite)
	v.SetDefault("checkpoint.dir", "data")

	v.SetDefault("database.path", "data/trade_bridge.db")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.port", 8089)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
