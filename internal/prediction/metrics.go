package prediction

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 预测链路指标。所有方法对 nil 接收者安全。
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	pending    prometheus.Gauge
	methods    *prometheus.CounterVec
	restarts   prometheus.Counter
	reclaimed  prometheus.Counter
}

// NewMetrics 创建并注册指标；reg 为 nil 时使用独立注册表（测试用）
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shift",
			Subsystem: "prediction",
			Name:      "operations_total",
			Help:      "预测通道操作数，按种类与结果分组",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shift",
			Subsystem: "prediction",
			Name:      "operation_duration_seconds",
			Help:      "预测通道操作耗时",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shift",
			Subsystem: "prediction",
			Name:      "pending_operations",
			Help:      "等待响应的操作数",
		}),
		methods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shift",
			Subsystem: "prediction",
			Name:      "results_total",
			Help:      "预测结果数，按降级方式分组",
		}, []string{"method"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shift",
			Subsystem: "prediction",
			Name:      "channel_restarts_total",
			Help:      "后台通道重建次数",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shift",
			Subsystem: "prediction",
			Name:      "reclaimed_bytes_total",
			Help:      "强制回收的缓冲区字节数",
		}),
	}
	reg.MustRegister(m.operations, m.duration, m.pending, m.methods, m.restarts, m.reclaimed)
	return m
}

// ObserveOperation 记录一次操作结果
func (m *Metrics) ObserveOperation(kind OperationKind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(kind), outcome).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// SetPending 更新等待数
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// ObserveMethod 记录结果所用的降级方式
func (m *Metrics) ObserveMethod(method Method) {
	if m == nil {
		return
	}
	m.methods.WithLabelValues(string(method)).Inc()
}

// IncRestart 通道重建
func (m *Metrics) IncRestart() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

// AddReclaimed 回收字节数
func (m *Metrics) AddReclaimed(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.reclaimed.Add(float64(bytes))
}
