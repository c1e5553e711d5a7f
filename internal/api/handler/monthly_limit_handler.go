package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"shift-scheduler/backend/internal/dto"
	"shift-scheduler/backend/internal/service"
	"shift-scheduler/backend/pkg/response"
)

// MonthlyLimitHandler 月度休息配额 HTTP 处理器
type MonthlyLimitHandler struct {
	limitSvc service.MonthlyLimitService
}

// NewMonthlyLimitHandler 创建 MonthlyLimitHandler
func NewMonthlyLimitHandler(limitSvc service.MonthlyLimitService) *MonthlyLimitHandler {
	return &MonthlyLimitHandler{limitSvc: limitSvc}
}

// GetLimits 员工当月有效配额
// GET /api/v1/monthly-limits/:staff_id?site_id=&month=
func (h *MonthlyLimitHandler) GetLimits(c *gin.Context) {
	staffID := c.Param("staff_id")
	if staffID == "" {
		response.BadRequest(c, 10001, "员工ID不能为空")
		return
	}

	var q dto.MonthlyLimitQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		bindFailed(c, err)
		return
	}

	resp, err := h.limitSvc.Get(c.Request.Context(), staffID, &q)
	if err != nil {
		h.handleLimitError(c, err)
		return
	}

	response.OK(c, resp)
}

// UpdateLimits 设置员工当月配额
// PUT /api/v1/monthly-limits/:staff_id
func (h *MonthlyLimitHandler) UpdateLimits(c *gin.Context) {
	staffID := c.Param("staff_id")
	if staffID == "" {
		response.BadRequest(c, 10001, "员工ID不能为空")
		return
	}

	var req dto.UpdateMonthlyLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}

	cfg, err := h.limitSvc.Update(c.Request.Context(), staffID, &req)
	if err != nil {
		h.handleLimitError(c, err)
		return
	}

	response.OK(c, cfg)
}

// handleLimitError 统一处理月度配额模块业务错误
func (h *MonthlyLimitHandler) handleLimitError(c *gin.Context, err error) {
	if e, ok := classifySessionError(err); ok {
		writeError(c, e)
		return
	}
	switch {
	case errors.Is(err, service.ErrInvalidMonth):
		response.BadRequest(c, 22001, "月份格式无效")
	case errors.Is(err, service.ErrInvalidMonthlyLimit):
		response.ErrorWithDetails(c, http.StatusBadRequest, 22002, "月度休息配额无效", err.Error())
	default:
		response.InternalError(c)
	}
}
