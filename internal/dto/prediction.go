package dto

import (
	"shift-scheduler/backend/internal/health"
	"shift-scheduler/backend/internal/prediction"
	"shift-scheduler/backend/internal/rules"
	"shift-scheduler/backend/internal/shift"
)

// ── 排班生成模块 DTO ──

// GenerateScheduleRequest 整表生成请求
type GenerateScheduleRequest struct {
	SiteID    string         `json:"site_id"    binding:"required,max=64"`
	StartDate string         `json:"start_date" binding:"required,datekey"`
	EndDate   string         `json:"end_date"   binding:"required,datekey"`
	Schedule  shift.Schedule `json:"schedule"` // 为空时读取已保存的排班
	Persist   bool           `json:"persist"`
	TimeoutMs int            `json:"timeout_ms" binding:"omitempty,min=100,max=120000"`
}

// TrainModelRequest 模型训练请求（以指定区间的排班为训练样本）
type TrainModelRequest struct {
	SiteID    string `json:"site_id"    binding:"required,max=64"`
	StartDate string `json:"start_date" binding:"required,datekey"`
	EndDate   string `json:"end_date"   binding:"required,datekey"`
	Epochs    int    `json:"epochs"     binding:"omitempty,min=1,max=500"`
}

// GenerateFeaturesRequest 特征生成请求
type GenerateFeaturesRequest struct {
	SiteID    string            `json:"site_id"    binding:"required,max=64"`
	StartDate string            `json:"start_date" binding:"required,datekey"`
	EndDate   string            `json:"end_date"   binding:"required,datekey"`
	Cells     []prediction.Cell `json:"cells"      binding:"required,min=1,max=500"`
}

// PredictionRunListRequest 预测审计查询参数
type PredictionRunListRequest struct {
	SiteID string `form:"site_id" binding:"required,max=64"`
	Limit  int    `form:"limit"   binding:"omitempty,min=1,max=100"`
}

// ── 响应 ──

// GenerateScheduleResponse 整表生成结果
type GenerateScheduleResponse struct {
	Success       bool                   `json:"success"`
	OperationID   string                 `json:"operation_id,omitempty"`
	Mode          string                 `json:"mode"` // background | same_thread
	Schedule      shift.Schedule         `json:"schedule"`
	ChangeLog     []rules.ChangeLogEntry `json:"change_log"`
	Summary       rules.Summary          `json:"summary"`
	Metadata      prediction.Metadata    `json:"metadata"`
	MonthlyLimits []MonthlyLimitResponse `json:"monthly_limits,omitempty"`
}

// TrainModelResponse 训练结果
type TrainModelResponse struct {
	Mode string `json:"mode"`
	prediction.TrainResult
}

// PredictionStatusResponse 预测通道状态
type PredictionStatusResponse struct {
	Enabled    bool                   `json:"enabled"`
	Ready      bool                   `json:"ready"`
	Background *prediction.Status     `json:"background,omitempty"`
	Operations []prediction.Operation `json:"operations"`
	Health     health.Snapshot        `json:"health"`
}

// PredictionRunResponse 预测审计记录
type PredictionRunResponse struct {
	ID                string  `json:"id"`
	StartDate         string  `json:"start_date"`
	EndDate           string  `json:"end_date"`
	Method            string  `json:"method"`
	Mode              string  `json:"mode"`
	Success           bool    `json:"success"`
	Cancelled         bool    `json:"cancelled"`
	EmergencyFallback bool    `json:"emergency_fallback"`
	MLUsed            bool    `json:"ml_used"`
	Quality           float64 `json:"quality"`
	Confidence        float64 `json:"confidence"`
	FilledCells       int     `json:"filled_cells"`
	ChangeCount       int     `json:"change_count"`
	ViolationCount    int     `json:"violation_count"`
	ProcessingMs      int64   `json:"processing_ms"`
	Error             string  `json:"error,omitempty"`
	CreatedAt         string  `json:"created_at"`
}
