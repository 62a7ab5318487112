package market

import (
	"errors"
	"fmt"

	"trade-bridge/internal/apperr"
)

// NoSessionKeyMsg 表示对方缺少可用的会话 API key。
const NoSessionKeyMsg = "noSteamApi"

// ErrRejected 表示请求被市场以 success=false 拒绝。
var ErrRejected = errors.New("market rejected request")

func rejection(msg string) error {
	if msg == NoSessionKeyMsg {
		return fmt.Errorf("%w: %s", apperr.ErrNoSessionKey, msg)
	}
	if msg == "" {
		msg = "unknown"
	}
	return fmt.Errorf("%w: %s", ErrRejected, msg)
}
