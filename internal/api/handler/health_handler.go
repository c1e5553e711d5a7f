package handler

import (
	"github.com/gin-gonic/gin"

	"shift-scheduler/backend/internal/health"
	"shift-scheduler/backend/pkg/response"
)

// HealthHandler 错误监控 HTTP 处理器
type HealthHandler struct {
	monitor *health.Monitor
}

// NewHealthHandler 创建 HealthHandler
func NewHealthHandler(monitor *health.Monitor) *HealthHandler {
	return &HealthHandler{monitor: monitor}
}

// Errors 最近错误与健康状态
// GET /api/v1/health/errors
func (h *HealthHandler) Errors(c *gin.Context) {
	response.OK(c, h.monitor.Snapshot())
}

// Reset 清空错误记录
// POST /api/v1/health/errors/reset
func (h *HealthHandler) Reset(c *gin.Context) {
	h.monitor.Reset()
	response.OK(c, h.monitor.Snapshot())
}
