package worker

import (
	"sync"
	"time"

	"shift-scheduler/backend/internal/prediction"
)

// statsRecorder 性能统计；取消的操作不计入
type statsRecorder struct {
	mu       sync.Mutex
	total    int
	success  int
	failed   int
	elapsed  time.Duration
	byMethod map[prediction.Method]int
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{byMethod: make(map[prediction.Method]int)}
}

func (s *statsRecorder) record(ok bool, elapsed time.Duration, method prediction.Method) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.elapsed += elapsed
	if ok {
		s.success++
	} else {
		s.failed++
	}
	if method != "" {
		s.byMethod[method]++
	}
}

func (s *statsRecorder) snapshot() prediction.PerformanceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := prediction.PerformanceStats{
		TotalOperations: s.total,
		Successful:      s.success,
		Failed:          s.failed,
		ByMethod:        make(map[prediction.Method]int, len(s.byMethod)),
	}
	if s.total > 0 {
		out.AverageProcessingMs = float64(s.elapsed.Milliseconds()) / float64(s.total)
	}
	for k, v := range s.byMethod {
		out.ByMethod[k] = v
	}
	return out
}
