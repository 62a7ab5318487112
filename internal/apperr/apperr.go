// Package apperr 定义跨组件共享的错误分类。
package apperr

import (
	"context"
	"errors"
)

var (
	// ErrTransport 表示网络或远端故障，下一个周期重试即可。
	ErrTransport = errors.New("transport failure")
	// ErrAuth 表示登录被拒绝或一次性验证码错误。
	ErrAuth = errors.New("authentication rejected")
	// ErrInvalidSecret 表示共享密钥格式错误，启动阶段即应退出。
	ErrInvalidSecret = errors.New("invalid secret")
	// ErrSuppressed 表示订单已达到投递上限，不再重试。
	ErrSuppressed = errors.New("order suppressed")
	// ErrSessionUnhealthy 表示会话当前不可用于发货。
	ErrSessionUnhealthy = errors.New("session unhealthy")
	// ErrNoSessionKey 表示市场侧缺少可用的会话 API key，需要重新登记。
	ErrNoSessionKey = errors.New("session api key missing")
)

// Kind 返回便于日志检索的错误类别。
func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrInvalidSecret):
		return "invalid_secret"

	case errors.Is(err, ErrAuth):
		return "auth"

	case errors.Is(err, ErrNoSessionKey):
		return "no_session_key"

	case errors.Is(err, ErrSessionUnhealthy):
		return "session_unhealthy"

	case errors.Is(err, ErrSuppressed):
		return "suppressed"

	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, context.Canceled):
		return "canceled"

	case errors.Is(err, ErrTransport):
		return "transport"

	default:
		return "internal"
	}
}

// Retryable 判断错误是否可以在下一个周期重试。
func Retryable(err error) bool {
	switch Kind(err) {
	case "transport", "timeout", "session_unhealthy", "auth", "no_session_key":
		return true
	default:
		return false
	}
}
