package monitor

import (
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventPoll       EventType = "poll"
	EventAdmission  EventType = "admission"
	EventDispatch   EventType = "dispatch"
	EventSuppressed EventType = "suppressed"
	EventSessionKey EventType = "session_key"
	EventError      EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	CycleID   string      `json:"cycle_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// PollPayload 记录一次轮询结果。
type PollPayload struct {
	Orders   int           `json:"orders"`
	Admitted int           `json:"admitted"`
	Latency  time.Duration `json:"latency"`
}

// DispatchPayload 记录订单发货结果。
type DispatchPayload struct {
	OrderID    string `json:"order_id"`
	TransferID string `json:"transfer_id,omitempty"`
	Items      int    `json:"items,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Kind    string                 `json:"kind,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Counters 为各类事件的累计次数。
type Counters struct {
	Polls        int64 `json:"polls"`
	PollFailures int64 `json:"poll_failures"`
	Admitted     int64 `json:"admitted"`
	Suppressed   int64 `json:"suppressed"`
	Dispatched   int64 `json:"dispatched"`
	Failures     int64 `json:"dispatch_failures"`
	KeyRegisters int64 `json:"session_key_registrations"`
}
