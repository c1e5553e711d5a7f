package handler

import (
	"github.com/gin-gonic/gin"

	"shift-scheduler/backend/internal/dto"
	"shift-scheduler/backend/internal/service"
	"shift-scheduler/backend/pkg/response"
)

// RuleHandler 日历规则模块 HTTP 处理器
type RuleHandler struct {
	ruleSvc service.RuleService
}

// NewRuleHandler 创建 RuleHandler
func NewRuleHandler(ruleSvc service.RuleService) *RuleHandler {
	return &RuleHandler{ruleSvc: ruleSvc}
}

// Apply 应用日历规则与早班资格
// POST /api/v1/rules/apply
func (h *RuleHandler) Apply(c *gin.Context) {
	var req dto.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}

	resp, err := h.ruleSvc.Apply(c.Request.Context(), &req)
	if err != nil {
		h.handleRuleError(c, err)
		return
	}

	response.OK(c, resp)
}

// Validate 只校验不修改
// POST /api/v1/rules/validate
func (h *RuleHandler) Validate(c *gin.Context) {
	var req dto.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}

	res, err := h.ruleSvc.Validate(c.Request.Context(), &req)
	if err != nil {
		h.handleRuleError(c, err)
		return
	}

	response.OK(c, res)
}

// handleRuleError 统一处理规则模块业务错误
func (h *RuleHandler) handleRuleError(c *gin.Context, err error) {
	if e, ok := classifySessionError(err); ok {
		writeError(c, e)
		return
	}
	response.InternalError(c)
}
