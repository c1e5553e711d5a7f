package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"shift-scheduler/backend/internal/model"
)

// CalendarRuleRepository 日历规则数据访问接口
type CalendarRuleRepository interface {
	ListByRange(ctx context.Context, siteID string, start, end time.Time) ([]model.CalendarRule, error)
}

type calendarRuleRepo struct {
	db *gorm.DB
}

// NewCalendarRuleRepo 创建 CalendarRuleRepository 实例
func NewCalendarRuleRepo(db *gorm.DB) CalendarRuleRepository {
	return &calendarRuleRepo{db: db}
}

func (r *calendarRuleRepo) ListByRange(ctx context.Context, siteID string, start, end time.Time) ([]model.CalendarRule, error) {
	var rows []model.CalendarRule
	err := r.db.WithContext(ctx).
		Where("site_id = ? AND date BETWEEN ? AND ?", siteID, start, end).
		Order("date ASC").
		Find(&rows).Error
	return rows, err
}

// ── 早班资格 ──

// EarlyShiftPreferenceRepository 早班资格数据访问接口
type EarlyShiftPreferenceRepository interface {
	ListByRange(ctx context.Context, siteID string, start, end time.Time) ([]model.EarlyShiftPreference, error)
}

type earlyShiftPreferenceRepo struct {
	db *gorm.DB
}

// NewEarlyShiftPreferenceRepo 创建 EarlyShiftPreferenceRepository 实例
func NewEarlyShiftPreferenceRepo(db *gorm.DB) EarlyShiftPreferenceRepository {
	return &earlyShiftPreferenceRepo{db: db}
}

// ListByRange 通过 staff 表按站点过滤
func (r *earlyShiftPreferenceRepo) ListByRange(ctx context.Context, siteID string, start, end time.Time) ([]model.EarlyShiftPreference, error) {
	var rows []model.EarlyShiftPreference
	err := r.db.WithContext(ctx).
		Joins("JOIN staff ON staff.staff_id = early_shift_preferences.staff_id AND staff.deleted_at IS NULL").
		Where("staff.site_id = ? AND early_shift_preferences.date BETWEEN ? AND ?", siteID, start, end).
		Order("early_shift_preferences.date ASC").
		Find(&rows).Error
	return rows, err
}
