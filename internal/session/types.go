package session

import (
	"context"
	"time"
)

// State 表示会话状态机所处的状态。
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateExpiring
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateExpiring:
		return "expiring"
	default:
		return "unknown"
	}
}

// EventType 表示会话提供方推送的生命周期事件类型。
type EventType string

const (
	EventConnected          EventType = "connected"
	EventSessionEstablished EventType = "session_established"
	EventDisconnected       EventType = "disconnected"
	EventSessionExpired     EventType = "session_expired"
	EventError              EventType = "error"
	EventCheckpoint         EventType = "checkpoint"
	EventConfirmation       EventType = "confirmation"
	EventTransferChanged    EventType = "transfer_changed"
)

// Event 为会话提供方推送的异步事件。
type Event struct {
	Type         EventType
	Cookies      []string
	Reason       string
	Err          error
	Checkpoint   []byte
	Confirmation Confirmation
	Transfer     TransferUpdate
}

// Confirmation 是等待签名批准的确认项，Creator 为触发它的转移 ID。
type Confirmation struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Creator string `json:"creator,omitempty"`
}

// TransferState 对应交易报价的状态码。
type TransferState int

const (
	TransferInvalid TransferState = iota + 1
	TransferActive
	TransferAccepted
	TransferCountered
	TransferExpired
	TransferCanceled
	TransferDeclined
	TransferInvalidItems
	TransferCreatedNeedsConfirmation
	TransferCanceledBySecondFactor
	TransferInEscrow
)

func (s TransferState) String() string {
	switch s {
	case TransferInvalid:
		return "invalid"
	case TransferActive:
		return "active"
	case TransferAccepted:
		return "accepted"
	case TransferCountered:
		return "countered"
	case TransferExpired:
		return "expired"
	case TransferCanceled:
		return "canceled"
	case TransferDeclined:
		return "declined"
	case TransferInvalidItems:
		return "invalid_items"
	case TransferCreatedNeedsConfirmation:
		return "created_needs_confirmation"
	case TransferCanceledBySecondFactor:
		return "canceled_by_second_factor"
	case TransferInEscrow:
		return "in_escrow"
	default:
		return "unknown"
	}
}

// TransferUpdate 描述已发出转移的状态变化。
type TransferUpdate struct {
	ID       string        `json:"id"`
	State    TransferState `json:"state"`
	Previous TransferState `json:"previous"`
}

// Credentials 为登录所需的账号凭据。
type Credentials struct {
	AccountName   string
	Password      string
	TwoFactorCode string
}

// Item 定位一件待转移的物品。
type Item struct {
	AppID     int64  `json:"appid"`
	ContextID int64  `json:"contextid"`
	AssetID   string `json:"assetid"`
	Amount    int    `json:"amount"`
}

// TransferRequest 描述一次发往买家的物品转移。
type TransferRequest struct {
	Destination string `json:"trade_link"`
	Items       []Item `json:"items"`
	Message     string `json:"message"`
}

// Approval 为一次确认批准请求。
type Approval struct {
	ConfirmationID string `json:"-"`
	Key            string `json:"key"`
	Time           int64  `json:"time"`
	Signature      string `json:"signature"`
	Accept         bool   `json:"accept"`
}

// PendingConfirmation 为已提交、尚未完成确认的转移。
type PendingConfirmation struct {
	TransferID string    `json:"transfer_id"`
	OrderID    string    `json:"order_id"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Provider 抽象底层会话 SDK，本系统不关心其线路格式。
type Provider interface {
	Authenticate(ctx context.Context, creds Credentials) error
	Renew(ctx context.Context) error
	RestoreCheckpoint(ctx context.Context, blob []byte) error
	Events() <-chan Event
	SubmitTransfer(ctx context.Context, req TransferRequest) (string, error)
	ApproveConfirmation(ctx context.Context, approval Approval) error
	FetchAPIKey(ctx context.Context, callbackHost string) (string, error)
}

// Snapshot 为状态查询接口提供的只读视图。
type Snapshot struct {
	State                string    `json:"state"`
	Healthy              bool      `json:"healthy"`
	AuthAttempts         int64     `json:"auth_attempts"`
	RenewAttempts        int64     `json:"renew_attempts"`
	ConsecutiveFailures  int       `json:"consecutive_auth_failures"`
	PendingConfirmations int       `json:"pending_confirmations"`
	CheckpointBytes      int       `json:"checkpoint_bytes"`
	AuthenticatedAt      time.Time `json:"authenticated_at,omitempty"`
}
