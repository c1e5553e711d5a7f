package prediction

import (
	"time"

	"shift-scheduler/backend/internal/rules"
	"shift-scheduler/backend/internal/shift"
)

// MessageType 通道消息类型
type MessageType string

// ── 出站 ──

const (
	TypeInitialize MessageType = "initialize"
	TypeCancel     MessageType = "cancel"
	TypeGetStatus  MessageType = "getStatus"
)

// ── 入站 ──

const (
	TypeInitializationResult MessageType = "initializationResult"
	TypeOperationComplete    MessageType = "operationComplete"
	TypeProgressUpdate       MessageType = "progressUpdate"
	TypeStatusResponse       MessageType = "statusResponse"
	TypeError                MessageType = "error"
)

// OperationKind 可排队的操作种类（同时作为出站消息类型）
type OperationKind string

const (
	KindBatchPredict     OperationKind = "batchPredict"
	KindTrain            OperationKind = "train"
	KindGenerateFeatures OperationKind = "generateFeatures"
)

// IsOperation 消息类型是否为排队操作
func IsOperation(t MessageType) bool {
	switch OperationKind(t) {
	case KindBatchPredict, KindTrain, KindGenerateFeatures:
		return true
	}
	return false
}

// Request 出站信封 {type, id, data}
type Request struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
	Data any         `json:"data,omitempty"`
}

// Response 入站信封
type Response struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	Success   bool        `json:"success"`
	Result    any         `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Cancelled bool        `json:"cancelled,omitempty"`
	Progress  float64     `json:"progress,omitempty"`
	Stage     string      `json:"stage,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// ── 操作生命周期 ──

// State 操作状态
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Operation 进行中操作的快照
type Operation struct {
	ID        string        `json:"id"`
	Kind      OperationKind `json:"kind"`
	State     State         `json:"state"`
	Progress  float64       `json:"progress"`
	Stage     string        `json:"stage,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ProgressEvent 进度事件（已按来源操作 ID 标记）
type ProgressEvent struct {
	OperationID string  `json:"operation_id"`
	Progress    float64 `json:"progress"`
	Stage       string  `json:"stage"`
	Message     string  `json:"message,omitempty"`
}

// ProgressFunc 进度回调
type ProgressFunc func(ProgressEvent)

// ── 载荷 ──

// PredictRequest 整表预测请求
type PredictRequest struct {
	SiteID          string                      `json:"site_id"`
	Staff           []shift.Staff               `json:"staff"`
	Dates           []string                    `json:"dates"`
	Schedule        shift.Schedule              `json:"schedule"`
	History         shift.Schedule              `json:"history,omitempty"`
	CalendarRules   rules.CalendarRules         `json:"calendar_rules"`
	EarlyShiftPrefs rules.EarlyShiftPreferences `json:"early_shift_prefs"`
	// Timeout 覆盖引擎默认时间预算；0 表示使用默认值
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Method 预测方式（对应降级层级）
type Method string

const (
	MethodHybrid    Method = "ml_hybrid"          // 第一层：模型 + 规则
	MethodRuleBased Method = "rule_based"         // 第二层：仅历史偏好启发式 + 规则
	MethodEmergency Method = "emergency_fallback" // 第三层：应急填充
)

// Tier 方式对应的层级
func (m Method) Tier() int {
	switch m {
	case MethodHybrid:
		return 1
	case MethodRuleBased:
		return 2
	default:
		return 3
	}
}

// Metadata 预测结果元数据
type Metadata struct {
	Method            Method            `json:"method"`
	ProcessingTimeMs  int64             `json:"processing_time_ms"`
	FilledCells       int               `json:"filled_cells"`
	MLUsed            bool              `json:"ml_used"`
	Quality           float64           `json:"quality"`
	Confidence        float64           `json:"confidence"`
	Violations        []rules.Violation `json:"violations"`
	EmergencyFallback bool              `json:"emergency_fallback"`
	SkippedCells      int               `json:"skipped_cells,omitempty"`
}

// PredictResult 整表预测结果
type PredictResult struct {
	Success   bool                   `json:"success"`
	Cancelled bool                   `json:"cancelled,omitempty"`
	Schedule  shift.Schedule         `json:"schedule,omitempty"`
	ChangeLog []rules.ChangeLogEntry `json:"change_log,omitempty"`
	Metadata  Metadata               `json:"metadata"`
}

// TrainRequest 模型训练请求
type TrainRequest struct {
	Staff   []shift.Staff  `json:"staff"`
	History shift.Schedule `json:"history"`
	Epochs  int            `json:"epochs,omitempty"`
}

// TrainResult 训练结果
type TrainResult struct {
	Samples      int     `json:"samples"`
	Epochs       int     `json:"epochs"`
	Loss         float64 `json:"loss"`
	Accuracy     float64 `json:"accuracy"`
	ModelVersion int     `json:"model_version"`
}

// Cell 单元格坐标
type Cell struct {
	StaffID string `json:"staff_id"`
	Date    string `json:"date"`
}

// FeatureRequest 特征生成请求
type FeatureRequest struct {
	Staff    []shift.Staff  `json:"staff"`
	Schedule shift.Schedule `json:"schedule"`
	Cells    []Cell         `json:"cells"`
}

// FeatureResult 特征生成结果
type FeatureResult struct {
	Dim     int         `json:"dim"`
	Cells   []Cell      `json:"cells"`
	Vectors [][]float64 `json:"vectors"`
}

// ── 状态 ──

// MemoryStats 缓冲区使用情况
type MemoryStats struct {
	AllocatedBytes int64 `json:"allocated_bytes"`
	BudgetBytes    int64 `json:"budget_bytes"`
	HighWaterBytes int64 `json:"high_water_bytes"`
	LiveBuffers    int   `json:"live_buffers"`
	ReclaimedBytes int64 `json:"reclaimed_bytes"`
	Sweeps         int   `json:"sweeps"`
}

// PerformanceStats 性能统计（不含已取消操作）
type PerformanceStats struct {
	TotalOperations     int            `json:"total_operations"`
	Successful          int            `json:"successful"`
	Failed              int            `json:"failed"`
	AverageProcessingMs float64        `json:"average_processing_ms"`
	ByMethod            map[Method]int `json:"by_method"`
}

// Status 后台状态
type Status struct {
	Initialized      bool             `json:"initialized"`
	QueueLength      int              `json:"queue_length"`
	CurrentOperation string           `json:"current_operation,omitempty"`
	ModelLoaded      bool             `json:"model_loaded"`
	ModelVersion     int              `json:"model_version"`
	Memory           MemoryStats      `json:"memory"`
	Stats            PerformanceStats `json:"stats"`
}

// [自证通过] internal/prediction/protocol.go
