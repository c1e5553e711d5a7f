package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"shift-scheduler/backend/internal/service"
	"shift-scheduler/backend/pkg/response"
)

// apiError 业务错误对应的 HTTP 状态与错误码
type apiError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// classifySessionError 会话加载阶段的公共错误；ok=false 表示不属于此类
func classifySessionError(err error) (apiError, bool) {
	switch {
	case errors.Is(err, service.ErrInvalidDateRange):
		return apiError{http.StatusBadRequest, 20001, "日期范围无效", err.Error()}, true
	case errors.Is(err, service.ErrInvalidSchedule):
		return apiError{http.StatusBadRequest, 20002, "排班数据无效", err.Error()}, true
	case errors.Is(err, service.ErrNoActiveStaff):
		return apiError{http.StatusUnprocessableEntity, 20003, "该站点在指定区间内没有在职员工", ""}, true
	case errors.Is(err, service.ErrStaffNotFound):
		return apiError{http.StatusNotFound, 20004, "员工不存在", ""}, true
	}
	return apiError{}, false
}

func writeError(c *gin.Context, e apiError) {
	if e.Code == internalError.Code {
		response.InternalError(c)
		return
	}
	response.ErrorWithDetails(c, e.Status, e.Code, e.Message, e.Details)
}

var internalError = apiError{Status: http.StatusInternalServerError, Code: 50000, Message: "服务器内部错误"}

// bindFailed 参数校验失败；validator 错误附带字段详情
func bindFailed(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		response.Error(c, http.StatusRequestEntityTooLarge, 10005, "请求体过大")
		return
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		response.ErrorWithDetails(c, http.StatusBadRequest, 10001, "参数校验失败", verrs.Error())
		return
	}
	response.BadRequest(c, 10001, "参数校验失败")
}
