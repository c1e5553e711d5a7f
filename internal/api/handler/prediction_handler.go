package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"shift-scheduler/backend/internal/dto"
	"shift-scheduler/backend/internal/prediction"
	"shift-scheduler/backend/internal/service"
	"shift-scheduler/backend/pkg/response"
)

// progressBuffer 流式接口的进度缓冲；写满时丢弃较新的进度，结果事件不受影响
const progressBuffer = 32

// PredictionHandler 排班预测模块 HTTP 处理器
type PredictionHandler struct {
	svc service.PredictionService
}

// NewPredictionHandler 创建 PredictionHandler
func NewPredictionHandler(svc service.PredictionService) *PredictionHandler {
	return &PredictionHandler{svc: svc}
}

// Generate 整表生成（预测 + 规则校正）
// POST /api/v1/schedules/generate
func (h *PredictionHandler) Generate(c *gin.Context) {
	var req dto.GenerateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}

	resp, err := h.svc.Generate(c.Request.Context(), &req, nil)
	if err != nil {
		writeError(c, classifyPredictionError(err))
		return
	}

	response.OK(c, resp)
}

type generateOutcome struct {
	resp *dto.GenerateScheduleResponse
	err  error
}

// GenerateStream 整表生成，进度以 SSE 推送。
// 事件：progress（多次）→ result 或 error（一次）
// POST /api/v1/schedules/generate/stream
func (h *PredictionHandler) GenerateStream(c *gin.Context) {
	var req dto.GenerateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}

	ctx := c.Request.Context()
	events := make(chan prediction.ProgressEvent, progressBuffer)
	done := make(chan generateOutcome, 1)
	go func() {
		resp, err := h.svc.Generate(ctx, &req, func(ev prediction.ProgressEvent) {
			select {
			case events <- ev:
			default:
			}
		})
		done <- generateOutcome{resp: resp, err: err}
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent("progress", ev)
			return true
		case o := <-done:
			// 结果之前先推送已缓冲的进度
		drain:
			for {
				select {
				case ev := <-events:
					c.SSEvent("progress", ev)
				default:
					break drain
				}
			}
			if o.err != nil {
				c.SSEvent("error", classifyPredictionError(o.err))
				return false
			}
			c.SSEvent("result", o.resp)
			return false
		case <-ctx.Done():
			return false
		}
	})
}

// Train 以已保存的排班训练模型
// POST /api/v1/prediction/train
func (h *PredictionHandler) Train(c *gin.Context) {
	var req dto.TrainModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}

	resp, err := h.svc.Train(c.Request.Context(), &req, nil)
	if err != nil {
		writeError(c, classifyPredictionError(err))
		return
	}

	response.OK(c, resp)
}

// GenerateFeatures 生成单元格特征向量
// POST /api/v1/prediction/features
func (h *PredictionHandler) GenerateFeatures(c *gin.Context) {
	var req dto.GenerateFeaturesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailed(c, err)
		return
	}

	res, err := h.svc.GenerateFeatures(c.Request.Context(), &req)
	if err != nil {
		writeError(c, classifyPredictionError(err))
		return
	}

	response.OK(c, res)
}

// Status 后台通道状态
// GET /api/v1/prediction/status
func (h *PredictionHandler) Status(c *gin.Context) {
	resp, err := h.svc.Status(c.Request.Context())
	if err != nil {
		response.InternalError(c)
		return
	}

	response.OK(c, resp)
}

// Cancel 取消进行中的预测操作
// POST /api/v1/prediction/operations/:id/cancel
func (h *PredictionHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, 10001, "操作ID不能为空")
		return
	}

	if err := h.svc.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, classifyPredictionError(err))
		return
	}

	response.OK(c, gin.H{"id": id})
}

// Restart 重建后台通道
// POST /api/v1/prediction/restart
func (h *PredictionHandler) Restart(c *gin.Context) {
	if err := h.svc.Restart(c.Request.Context()); err != nil {
		writeError(c, classifyPredictionError(err))
		return
	}

	response.OK(c, nil)
}

// ListRuns 最近的预测运行记录
// GET /api/v1/prediction/runs?site_id=&limit=
func (h *PredictionHandler) ListRuns(c *gin.Context) {
	var req dto.PredictionRunListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		bindFailed(c, err)
		return
	}

	runs, err := h.svc.ListRuns(c.Request.Context(), &req)
	if err != nil {
		response.InternalError(c)
		return
	}

	response.OK(c, gin.H{"list": runs})
}

// classifyPredictionError 统一处理预测模块业务错误
func classifyPredictionError(err error) apiError {
	if e, ok := classifySessionError(err); ok {
		return e
	}
	switch {
	case errors.Is(err, service.ErrPredictionCancelled):
		return apiError{http.StatusConflict, 21001, "预测已取消", ""}
	case errors.Is(err, service.ErrPredictionUnavailable):
		return apiError{http.StatusServiceUnavailable, 21002, "后台预测通道不可用", ""}
	case errors.Is(err, service.ErrNoTrainingData):
		return apiError{http.StatusUnprocessableEntity, 21003, "指定区间没有可用于训练的排班", ""}
	case errors.Is(err, service.ErrPredictionFailed):
		return apiError{http.StatusInternalServerError, 21004, "预测失败", ""}
	}
	return internalError
}
