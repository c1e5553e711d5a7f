package worker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"shift-scheduler/backend/internal/health"
	"shift-scheduler/backend/internal/prediction"
)

// ErrMemoryBudget 分配将超出预算
var ErrMemoryBudget = health.Tag(errors.New("缓冲区超出内存预算"), health.CategoryMemory)

const float64Bytes = 8

// BufferTracker 跟踪特征/概率缓冲区。
// 每个缓冲区属于某个 Scope，Scope.Release 后立即归还；
// 未归还的缓冲区由定时清扫在超过高水位时强制回收。
type BufferTracker struct {
	mu        sync.Mutex
	live      map[uint64]int64
	nextID    uint64
	allocated int64
	budget    int64
	highWater int64
	reclaimed int64
	sweeps    int
}

// NewBufferTracker budget 字节预算；ratio 高水位比例（0,1]
func NewBufferTracker(budget int64, ratio float64) *BufferTracker {
	if budget <= 0 {
		budget = 500 << 20
	}
	if ratio <= 0 || ratio > 1 {
		ratio = 0.8
	}
	return &BufferTracker{
		live:      make(map[uint64]int64),
		budget:    budget,
		highWater: int64(float64(budget) * ratio),
	}
}

// Scope 开启一个分配作用域
func (t *BufferTracker) Scope() *Scope {
	return &Scope{t: t}
}

// Sweep 已分配量达到高水位时释放所有登记的缓冲区，返回回收字节数
func (t *BufferTracker) Sweep() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweeps++
	if t.allocated < t.highWater {
		return 0, false
	}
	freed := t.allocated
	t.live = make(map[uint64]int64)
	t.allocated = 0
	t.reclaimed += freed
	return freed, true
}

// Stats 当前使用情况
func (t *BufferTracker) Stats() prediction.MemoryStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return prediction.MemoryStats{
		AllocatedBytes: t.allocated,
		BudgetBytes:    t.budget,
		HighWaterBytes: t.highWater,
		LiveBuffers:    len(t.live),
		ReclaimedBytes: t.reclaimed,
		Sweeps:         t.sweeps,
	}
}

func (t *BufferTracker) register(bytes int64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allocated+bytes > t.budget {
		return 0, fmt.Errorf("%w: 已用 %d / %d", ErrMemoryBudget, t.allocated, t.budget)
	}
	t.nextID++
	t.live[t.nextID] = bytes
	t.allocated += bytes
	return t.nextID, nil
}

func (t *BufferTracker) release(ids []uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if n, ok := t.live[id]; ok {
			t.allocated -= n
			delete(t.live, id)
		}
	}
}

// Scope 一组一起释放的缓冲区
type Scope struct {
	t   *BufferTracker
	ids []uint64
}

// Alloc 分配 n 个 float64
func (s *Scope) Alloc(n int) ([]float64, error) {
	id, err := s.t.register(int64(n) * float64Bytes)
	if err != nil {
		return nil, err
	}
	s.ids = append(s.ids, id)
	return make([]float64, n), nil
}

// Release 归还作用域内全部缓冲区，可重复调用
func (s *Scope) Release() {
	if len(s.ids) == 0 {
		return
	}
	s.t.release(s.ids)
	s.ids = s.ids[:0]
}

// ── 定时清扫 ──

// Sweeper 基于 cron 的周期清扫
type Sweeper struct {
	c *cron.Cron
}

// StartSweeper spec 为 cron 表达式（如 "@every 30s"）
func StartSweeper(spec string, tracker *BufferTracker, metrics *prediction.Metrics, logger *zap.Logger) (*Sweeper, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		freed, swept := tracker.Sweep()
		if !swept {
			return
		}
		metrics.AddReclaimed(freed)
		logger.Warn("缓冲区超过高水位，已强制回收", zap.Int64("bytes", freed))
	})
	if err != nil {
		return nil, fmt.Errorf("清扫计划无效 %q: %w", spec, err)
	}
	c.Start()
	return &Sweeper{c: c}, nil
}

// Stop 停止清扫并等待进行中的任务结束
func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	<-s.c.Stop().Done()
}
