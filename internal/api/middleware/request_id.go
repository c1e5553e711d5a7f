package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDKey gin.Context 中请求追踪 ID 的键，也作为审计日志字段名
const RequestIDKey = "request_id"

const requestIDHeader = "X-Request-ID"

// requestIDMaxLen 外部传入 ID 的最大长度
const requestIDMaxLen = 64

// RequestID 请求追踪 ID 中间件。
// 沿用上游传入的 X-Request-ID；缺失、过长或含非法字符时生成新的 UUID。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if !validRequestID(rid) {
			rid = uuid.NewString()
		}

		c.Set(RequestIDKey, rid)
		c.Header(requestIDHeader, rid)

		c.Next()
	}
}

// validRequestID 只接受字母、数字、'-'、'_'、'.'，避免换行等字符进入日志
func validRequestID(rid string) bool {
	if rid == "" || len(rid) > requestIDMaxLen {
		return false
	}
	for i := 0; i < len(rid); i++ {
		ch := rid[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_' || ch == '.':
		default:
			return false
		}
	}
	return true
}
