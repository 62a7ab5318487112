// Package delivery 控制同一订单的投递次数上限。
package delivery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"trade-bridge/internal/market"
)

// DefaultMaxAttempts 为单个订单的默认投递上限。
const DefaultMaxAttempts = 4

// Record 记录单个订单的投递情况，只增不减。
type Record struct {
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	Suppressed    bool      `json:"suppressed"`
}

// Stats 为去重器的汇总视图。
type Stats struct {
	Tracked    int `json:"tracked"`
	Suppressed int `json:"suppressed"`
}

// Deduplicator 决定一个订单是否还允许投递。记录在进程生命周期内保留。
type Deduplicator struct {
	mu          sync.Mutex
	records     map[string]*Record
	maxAttempts int
	now         func() time.Time
	logger      *zap.Logger
}

// NewDeduplicator 创建去重器，maxAttempts<=0 时使用默认值。
func NewDeduplicator(maxAttempts int, logger *zap.Logger) *Deduplicator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{
		records:     make(map[string]*Record),
		maxAttempts: maxAttempts,
		now:         time.Now,
		logger:      logger.Named("dedup"),
	}
}

// Admit 在尝试次数未达上限时计数并返回 true；达到上限后永远返回 false。
// 检查与计数在同一把锁内完成。
func (d *Deduplicator) Admit(order market.Order) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[order.ID]
	if !ok {
		rec = &Record{}
		d.records[order.ID] = rec
	}

	if rec.Attempts >= d.maxAttempts {
		if !rec.Suppressed {
			rec.Suppressed = true
			d.logger.Warn("订单达到投递上限，不再发货",
				zap.String("order_id", order.ID),
				zap.Int("attempts", rec.Attempts),
				zap.Time("last_attempt_at", rec.LastAttemptAt),
			)
		}
		return false
	}

	rec.Attempts++
	rec.LastAttemptAt = d.now()
	return true
}

// Lookup 返回订单当前的投递记录。
func (d *Deduplicator) Lookup(orderID string) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[orderID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Stats{Tracked: len(d.records)}
	for _, rec := range d.records {
		if rec.Suppressed {
			stats.Suppressed++
		}
	}
	return stats
}

func (d *Deduplicator) MaxAttempts() int {
	return d.maxAttempts
}
