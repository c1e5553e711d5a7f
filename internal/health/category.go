package health

import (
	"context"
	"errors"
)

// Category 错误类别（封闭枚举）
type Category int

const (
	CategoryInput        Category = iota // 输入数据格式错误
	CategoryOperation                    // 模型推理/特征生成失败
	CategoryTimeout                      // 超出时间预算
	CategoryCancellation                 // 调用方主动取消
	CategoryChannel                      // 后台通道崩溃/不可用
	CategoryMemory                       // 缓冲区超出高水位
)

// String 日志与接口输出用名称
func (c Category) String() string {
	switch c {
	case CategoryInput:
		return "input"
	case CategoryOperation:
		return "operation"
	case CategoryTimeout:
		return "timeout"
	case CategoryCancellation:
		return "cancellation"
	case CategoryChannel:
		return "channel"
	case CategoryMemory:
		return "memory"
	}
	return "unknown"
}

// Strategy 恢复策略
type Strategy int

const (
	StrategyUseDefaults         Strategy = iota // 返回空默认值，不向上传播
	StrategySkipCell                            // 跳过该单元格，留给后续规则/兜底
	StrategyEmergencyFill                       // 降级链第三层：应急填充
	StrategyAbortCancelled                      // 明确的取消结果，不降级
	StrategyRestartChannelLocal                 // 异步重启通道，本次改为同线程计算
	StrategyReleaseMemory                       // 强制释放缓冲区
)

// String 日志与接口输出用名称
func (s Strategy) String() string {
	switch s {
	case StrategyUseDefaults:
		return "use_defaults"
	case StrategySkipCell:
		return "skip_cell"
	case StrategyEmergencyFill:
		return "emergency_fill"
	case StrategyAbortCancelled:
		return "abort_cancelled"
	case StrategyRestartChannelLocal:
		return "restart_channel_same_thread"
	case StrategyReleaseMemory:
		return "release_memory"
	}
	return "unknown"
}

// StrategyFor 类别 → 恢复策略（编译期固定映射）
func StrategyFor(c Category) Strategy {
	switch c {
	case CategoryInput:
		return StrategyUseDefaults
	case CategoryOperation:
		return StrategySkipCell
	case CategoryTimeout:
		return StrategyEmergencyFill
	case CategoryCancellation:
		return StrategyAbortCancelled
	case CategoryChannel:
		return StrategyRestartChannelLocal
	case CategoryMemory:
		return StrategyReleaseMemory
	}
	return StrategyUseDefaults
}

// Categorized 由各包的错误实现，用于精确归类
type Categorized interface {
	error
	Category() Category
}

// Classify 将错误归类；无法识别的错误按操作错误处理
func Classify(err error) Category {
	var c Categorized
	switch {
	case errors.As(err, &c):
		return c.Category()
	case errors.Is(err, context.Canceled):
		return CategoryCancellation
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	default:
		return CategoryOperation
	}
}

// categorizedError 带类别的错误
type categorizedError struct {
	err      error
	category Category
}

func (e *categorizedError) Error() string      { return e.err.Error() }
func (e *categorizedError) Unwrap() error      { return e.err }
func (e *categorizedError) Category() Category { return e.category }

// Tag 为错误标注类别；err 为 nil 时返回 nil
func Tag(err error, c Category) error {
	if err == nil {
		return nil
	}
	return &categorizedError{err: err, category: c}
}
