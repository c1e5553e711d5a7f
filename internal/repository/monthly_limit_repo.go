package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shift-scheduler/backend/internal/model"
	pkgerrors "shift-scheduler/backend/pkg/errors"
)

// MonthlyLimitRepository 月度休息上下限数据访问接口
type MonthlyLimitRepository interface {
	GetForStaff(ctx context.Context, staffID, month string) (*model.MonthlyLimit, error)
	ListByMonth(ctx context.Context, month string, staffIDs []string) ([]model.MonthlyLimit, error)
	Upsert(ctx context.Context, limit *model.MonthlyLimit) error
}

type monthlyLimitRepo struct {
	db *gorm.DB
}

// NewMonthlyLimitRepo 创建 MonthlyLimitRepository 实例
func NewMonthlyLimitRepo(db *gorm.DB) MonthlyLimitRepository {
	return &monthlyLimitRepo{db: db}
}

// GetForStaff 查询员工当月配置；未配置时返回 ErrNotFound，由调用方回退到全局默认
func (r *monthlyLimitRepo) GetForStaff(ctx context.Context, staffID, month string) (*model.MonthlyLimit, error) {
	var limit model.MonthlyLimit
	err := r.db.WithContext(ctx).
		Where("staff_id = ? AND month = ?", staffID, month).
		First(&limit).Error
	if err != nil {
		return nil, pkgerrors.FromGorm(err)
	}
	return &limit, nil
}

func (r *monthlyLimitRepo) ListByMonth(ctx context.Context, month string, staffIDs []string) ([]model.MonthlyLimit, error) {
	if len(staffIDs) == 0 {
		return nil, nil
	}
	var limits []model.MonthlyLimit
	err := r.db.WithContext(ctx).
		Where("month = ? AND staff_id IN ?", month, staffIDs).
		Find(&limits).Error
	return limits, err
}

func (r *monthlyLimitRepo) Upsert(ctx context.Context, limit *model.MonthlyLimit) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "staff_id"}, {Name: "month"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"min_off_days", "max_off_days", "exclude_calendar_rules", "override_weekly_limits", "updated_at",
			}),
		}).
		Create(limit).Error
}
