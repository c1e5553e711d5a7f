package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shift-scheduler/backend/internal/model"
)

// upsertBatchSize 单条 INSERT 的最大行数
const upsertBatchSize = 500

// ScheduleRepository 排班单元格数据访问接口
type ScheduleRepository interface {
	ListCells(ctx context.Context, siteID string, start, end time.Time) ([]model.ScheduleCell, error)
	UpsertCells(ctx context.Context, cells []model.ScheduleCell) error
}

type scheduleRepo struct {
	db *gorm.DB
}

// NewScheduleRepo 创建 ScheduleRepository 实例
func NewScheduleRepo(db *gorm.DB) ScheduleRepository {
	return &scheduleRepo{db: db}
}

func (r *scheduleRepo) ListCells(ctx context.Context, siteID string, start, end time.Time) ([]model.ScheduleCell, error) {
	var cells []model.ScheduleCell
	err := r.db.WithContext(ctx).
		Where("site_id = ? AND date BETWEEN ? AND ?", siteID, start, end).
		Order("date ASC, staff_id ASC").
		Find(&cells).Error
	return cells, err
}

// UpsertCells 按 (staff_id, date) 覆盖写入
func (r *scheduleRepo) UpsertCells(ctx context.Context, cells []model.ScheduleCell) error {
	if len(cells) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "staff_id"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{"symbol", "source", "site_id", "updated_at"}),
		}).
		CreateInBatches(cells, upsertBatchSize).Error
}

// ── 预测运行审计 ──

// PredictionRunRepository 预测运行审计数据访问接口
type PredictionRunRepository interface {
	Create(ctx context.Context, run *model.PredictionRun) error
	ListRecent(ctx context.Context, siteID string, limit int) ([]model.PredictionRun, error)
}

type predictionRunRepo struct {
	db *gorm.DB
}

// NewPredictionRunRepo 创建 PredictionRunRepository 实例
func NewPredictionRunRepo(db *gorm.DB) PredictionRunRepository {
	return &predictionRunRepo{db: db}
}

func (r *predictionRunRepo) Create(ctx context.Context, run *model.PredictionRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *predictionRunRepo) ListRecent(ctx context.Context, siteID string, limit int) ([]model.PredictionRun, error) {
	var runs []model.PredictionRun
	err := r.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}
