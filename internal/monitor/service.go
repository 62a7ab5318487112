package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trade-bridge/internal/apperr"
)

const defaultCapacity = 256

// Service 在内存中保存最近的监控事件与累计计数。
type Service struct {
	mu       sync.RWMutex
	events   []Event
	next     int
	full     bool
	counters Counters
	now      func() time.Time
	logger   *zap.Logger
}

// NewService 初始化监控服务，capacity 为保留的最近事件数量。
func NewService(capacity int, logger *zap.Logger) *Service {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		events: make([]Event, capacity),
		now:    time.Now,
		logger: logger.Named("monitor"),
	}
}

// Record 写入单个事件，超出容量时覆盖最旧的事件。
func (s *Service) Record(_ context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case EventAdmission:
		s.counters.Admitted++
	case EventSuppressed:
		s.counters.Suppressed++
	case EventDispatch:
		s.counters.Dispatched++
	case EventSessionKey:
		s.counters.KeyRegisters++
	}

	s.events[s.next] = event
	s.next = (s.next + 1) % len(s.events)
	if s.next == 0 {
		s.full = true
	}
}

// RecordPoll 记录一次轮询。
func (s *Service) RecordPoll(ctx context.Context, cycleID string, payload PollPayload) {
	s.mu.Lock()
	s.counters.Polls++
	s.mu.Unlock()
	s.Record(ctx, Event{Type: EventPoll, CycleID: cycleID, Payload: payload})
}

// RecordAdmission 记录订单被允许投递。
func (s *Service) RecordAdmission(ctx context.Context, cycleID, orderID string) {
	s.Record(ctx, Event{Type: EventAdmission, CycleID: cycleID, Payload: DispatchPayload{OrderID: orderID}})
}

// RecordSuppressed 记录订单因达到上限被拦截，reason 取 err 的错误类别。
func (s *Service) RecordSuppressed(ctx context.Context, cycleID, orderID string, err error) {
	s.Record(ctx, Event{Type: EventSuppressed, CycleID: cycleID, Payload: DispatchPayload{
		OrderID: orderID,
		Reason:  apperr.Kind(err),
	}})
}

// RecordDispatch 记录成功提交的转移。
func (s *Service) RecordDispatch(ctx context.Context, cycleID string, payload DispatchPayload) {
	s.Record(ctx, Event{Type: EventDispatch, CycleID: cycleID, Payload: payload})
}

func (s *Service) RecordSessionKey(ctx context.Context) {
	s.Record(ctx, Event{Type: EventSessionKey})
}

// RecordError 记录异常，stage 区分轮询失败与发货失败。
func (s *Service) RecordError(ctx context.Context, cycleID, msg string, err error, ctxMap map[string]interface{}) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if stage, _ := ctxMap["stage"].(string); stage == "poll" {
		s.counters.PollFailures++
	} else if stage == "dispatch" {
		s.counters.Failures++
	}
	s.mu.Unlock()

	s.logger.Debug("记录异常事件", zap.String("cycle_id", cycleID), zap.String("message", msg), zap.Error(err))
	s.Record(ctx, Event{
		Type:    EventError,
		CycleID: cycleID,
		Payload: ErrorPayload{
			Message: msg,
			Error:   err.Error(),
			Kind:    apperr.Kind(err),
			Context: ctxMap,
		},
	})
}

// ListEvents 按类型检索最近事件，最新的在前。
func (s *Service) ListEvents(_ context.Context, eventType EventType, limit int) []Event {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = len(s.events)
	}

	out := make([]Event, 0, min(limit, size))
	for i := 0; i < size && len(out) < limit; i++ {
		idx := (s.next - 1 - i + len(s.events)) % len(s.events)
		ev := s.events[idx]
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Counters 返回累计计数。
func (s *Service) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters
}
