package repository

import (
	"context"

	"gorm.io/gorm"

	"shift-scheduler/backend/internal/model"
	pkgerrors "shift-scheduler/backend/pkg/errors"
)

// StaffRepository 员工数据访问接口
type StaffRepository interface {
	GetByID(ctx context.Context, id string) (*model.Staff, error)
	ListBySite(ctx context.Context, siteID string) ([]model.Staff, error)
}

type staffRepo struct {
	db *gorm.DB
}

// NewStaffRepo 创建 StaffRepository 实例
func NewStaffRepo(db *gorm.DB) StaffRepository {
	return &staffRepo{db: db}
}

func (r *staffRepo) GetByID(ctx context.Context, id string) (*model.Staff, error) {
	var staff model.Staff
	err := r.db.WithContext(ctx).
		Where("staff_id = ?", id).
		First(&staff).Error
	if err != nil {
		return nil, pkgerrors.FromGorm(err)
	}
	return &staff, nil
}

// ListBySite 按排序号返回站点全部员工（含已离职，由调用方按在职窗口过滤）
func (r *staffRepo) ListBySite(ctx context.Context, siteID string) ([]model.Staff, error) {
	var staff []model.Staff
	err := r.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("sort_order ASC, name ASC").
		Find(&staff).Error
	return staff, err
}
