// Package totp 计算登录所需的两步验证码与确认操作签名。
//
// 两类代码都以 30 秒为时间窗口，必须在使用时即时计算，不能缓存跨窗口复用。
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"trade-bridge/internal/apperr"
)

// Window 为验证码有效的时间窗口。
const Window = 30 * time.Second

const (
	authCodeLength   = 5
	authCodeAlphabet = "23456789BCDFGHJKMNPQRTVWXY"
)

// Signer 根据身份密钥为确认操作签名。
type Signer interface {
	Sign(secret, actionID string, unixTime int64) (string, error)
}

// ConfirmationSigner 为无状态实现，零值即可使用。
type ConfirmationSigner struct{}

var _ Signer = ConfirmationSigner{}

// Sign 计算 actionID 在 unixTime 所在窗口内的确认签名。
func (ConfirmationSigner) Sign(secret, actionID string, unixTime int64) (string, error) {
	return Sign(secret, actionID, unixTime)
}

// Sign 计算 actionID 在 unixTime 所在窗口内的确认签名，结果为 base64 编码。
func Sign(secret, actionID string, unixTime int64) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}

	msg := make([]byte, 8, 8+len(actionID))
	binary.BigEndian.PutUint64(msg, uint64(windowIndex(unixTime)))
	msg = append(msg, actionID...)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// AuthCode 计算登录用的 5 位两步验证码。
func AuthCode(sharedSecret string, unixTime int64) (string, error) {
	key, err := decodeSecret(sharedSecret)
	if err != nil {
		return "", err
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(windowIndex(unixTime)))

	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	full := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	code := make([]byte, authCodeLength)
	for i := range code {
		code[i] = authCodeAlphabet[full%uint32(len(authCodeAlphabet))]
		full /= uint32(len(authCodeAlphabet))
	}
	return string(code), nil
}

// WindowStart 返回 unixTime 所在窗口的起始时间。
func WindowStart(unixTime int64) int64 {
	return windowIndex(unixTime) * int64(Window/time.Second)
}

// UntilNextWindow 返回距下一个窗口开始的时长。
func UntilNextWindow(now time.Time) time.Duration {
	next := time.Unix(WindowStart(now.Unix())+int64(Window/time.Second), 0)
	return next.Sub(now)
}

// Validate 校验密钥格式，启动阶段调用以便尽早失败。
func Validate(secret string) error {
	_, err := decodeSecret(secret)
	return err
}

func windowIndex(unixTime int64) int64 {
	step := int64(Window / time.Second)
	if unixTime < 0 {
		return (unixTime - step + 1) / step
	}
	return unixTime / step
}

func decodeSecret(secret string) ([]byte, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: 密钥为空", apperr.ErrInvalidSecret)
	}
	key, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidSecret, err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: 解码后为空", apperr.ErrInvalidSecret)
	}
	return key, nil
}
