package prediction

import (
	"errors"

	"shift-scheduler/backend/internal/health"
)

// ── 预测模块错误（已标注类别，health.Classify 可直接识别） ──

var (
	ErrNotReady           = health.Tag(errors.New("预测通道未就绪"), health.CategoryChannel)
	ErrChannelUnsupported = health.Tag(errors.New("当前环境不支持后台预测通道"), health.CategoryChannel)
	ErrChannelFailure     = health.Tag(errors.New("预测通道异常"), health.CategoryChannel)
	ErrInitFailed         = health.Tag(errors.New("预测通道初始化失败"), health.CategoryChannel)
	ErrManagerClosed      = health.Tag(errors.New("预测管理器已关闭"), health.CategoryChannel)
	ErrOperationTimeout   = health.Tag(errors.New("预测操作超时"), health.CategoryTimeout)
	ErrOperationCancelled = health.Tag(errors.New("预测操作已取消"), health.CategoryCancellation)
	ErrOperationFailed    = health.Tag(errors.New("预测操作失败"), health.CategoryOperation)
	ErrInvalidPayload     = health.Tag(errors.New("预测请求参数无效"), health.CategoryInput)
	ErrUnexpectedResult   = health.Tag(errors.New("预测结果类型不匹配"), health.CategoryOperation)
	ErrQueueFull          = health.Tag(errors.New("预测队列已满"), health.CategoryOperation)
)
