package dispatch

import (
	"fmt"
	"time"
)

// ErrorKind 区分发货失败的原因。
type ErrorKind string

const (
	KindUnhealthy ErrorKind = "unhealthy"
	KindInvalid   ErrorKind = "invalid_order"
	KindTransport ErrorKind = "transport"
	KindRejected  ErrorKind = "rejected"
)

// Error 为单个订单的发货失败，不影响同一周期内的其他订单。
type Error struct {
	Kind    ErrorKind
	OrderID string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch %s (%s): %v", e.OrderID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Delivery 为成功提交的转移。提交成功不代表已确认。
type Delivery struct {
	OrderID     string        `json:"order_id"`
	TransferID  string        `json:"transfer_id"`
	Items       int           `json:"items"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Latency     time.Duration `json:"latency"`
}
