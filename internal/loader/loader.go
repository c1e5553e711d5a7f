// Package loader 从持久层读取日历规则与早班资格，并规范化为规则引擎使用的映射。
// 加载失败时只记录警告并返回空映射，不向调用方返回错误。
package loader

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"shift-scheduler/backend/internal/shift"
)

// Cache 规则数据缓存（pkg/redis.Client 实现）
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// cached 封装读穿缓存：命中直接返回；未命中调用 load 并在成功后回写
type cached struct {
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func (c cached) key(kind, siteID string, rng shift.DateRange) string {
	return fmt.Sprintf("%s:%s:%s:%s", kind, siteID, rng.StartKey(), rng.EndKey())
}

func (c cached) get(ctx context.Context, key string, dst any) bool {
	if c.cache == nil {
		return false
	}
	found, err := c.cache.GetJSON(ctx, key, dst)
	if err != nil {
		c.logger.Warn("读取规则缓存失败", zap.String("key", key), zap.Error(err))
		return false
	}
	return found
}

func (c cached) set(ctx context.Context, key string, v any) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetJSON(ctx, key, v, c.ttl); err != nil {
		c.logger.Warn("写入规则缓存失败", zap.String("key", key), zap.Error(err))
	}
}

// validRange 空站点或非法范围时记录警告
func validRange(logger *zap.Logger, what, siteID string, rng shift.DateRange) bool {
	if siteID == "" {
		logger.Warn(what+"：站点为空，返回空映射")
		return false
	}
	if err := rng.Validate(); err != nil {
		logger.Warn(what+"：日期范围无效，返回空映射", zap.String("site_id", siteID), zap.Error(err))
		return false
	}
	return true
}
