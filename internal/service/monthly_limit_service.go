package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"shift-scheduler/backend/config"
	"shift-scheduler/backend/internal/dto"
	"shift-scheduler/backend/internal/loader"
	"shift-scheduler/backend/internal/model"
	"shift-scheduler/backend/internal/repository"
	"shift-scheduler/backend/internal/rules"
	"shift-scheduler/backend/internal/shift"
	pkgerrors "shift-scheduler/backend/pkg/errors"
)

// ── 月度配额模块业务错误 ──

var (
	ErrInvalidMonth        = errors.New("月份格式无效，应为 YYYY-MM")
	ErrInvalidMonthlyLimit = errors.New("月度休息配额无效")
)

// MonthlyLimitService 月度休息配额业务接口
type MonthlyLimitService interface {
	Get(ctx context.Context, staffID string, q *dto.MonthlyLimitQuery) (*dto.MonthlyLimitResponse, error)
	Update(ctx context.Context, staffID string, req *dto.UpdateMonthlyLimitRequest) (*rules.MonthlyLimitConfig, error)
}

type monthlyLimitService struct {
	repo     *repository.Repository
	sessions *sessionLoader
	limits   *limitResolver
	logger   *zap.Logger
}

// NewMonthlyLimitService 创建 MonthlyLimitService 实例
func NewMonthlyLimitService(cfg *config.Config, repo *repository.Repository, cache loader.Cache, logger *zap.Logger) MonthlyLimitService {
	return &monthlyLimitService{
		repo:     repo,
		sessions: newSessionLoader(cfg, repo, cache, logger),
		limits:   &limitResolver{repo: repo, defaults: cfg.Rules},
		logger:   logger,
	}
}

func (s *monthlyLimitService) getStaff(ctx context.Context, staffID string) (*model.Staff, error) {
	st, err := s.repo.Staff.GetByID(ctx, staffID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return nil, ErrStaffNotFound
		}
		s.logger.Error("查询员工失败", zap.String("staff_id", staffID), zap.Error(err))
		return nil, err
	}
	return st, nil
}

// ────────────────────── Get ──────────────────────

// Get 按当月已保存的排班计算员工的有效配额
func (s *monthlyLimitService) Get(ctx context.Context, staffID string, q *dto.MonthlyLimitQuery) (*dto.MonthlyLimitResponse, error) {
	rng, err := shift.MonthRange(q.Month)
	if err != nil {
		return nil, ErrInvalidMonth
	}
	st, err := s.getStaff(ctx, staffID)
	if err != nil {
		return nil, err
	}
	if st.SiteID != q.SiteID {
		return nil, ErrStaffNotFound
	}

	sess, err := s.sessions.load(ctx, q.SiteID, rng, nil, false)
	if err != nil {
		return nil, err
	}
	cfg, err := s.limits.configFor(ctx, staffID, q.Month)
	if err != nil {
		s.logger.Error("查询月度配额失败", zap.String("staff_id", staffID), zap.Error(err))
		return nil, err
	}

	calc := rules.NewLimitCalculator(rng, sess.calendar, sess.prefs)
	resp := dto.NewMonthlyLimitResponse(q.Month, calc.CalculateEffectiveLimits(staffID, sess.schedule, cfg))
	return &resp, nil
}

// ────────────────────── Update ──────────────────────

func (s *monthlyLimitService) Update(ctx context.Context, staffID string, req *dto.UpdateMonthlyLimitRequest) (*rules.MonthlyLimitConfig, error) {
	if _, err := shift.MonthRange(req.Month); err != nil {
		return nil, ErrInvalidMonth
	}
	if _, err := s.getStaff(ctx, staffID); err != nil {
		return nil, err
	}

	row := &model.MonthlyLimit{
		StaffID:              staffID,
		Month:                req.Month,
		MinOffDays:           req.MinOffDays,
		MaxOffDays:           req.MaxOffDays,
		ExcludeCalendarRules: s.limits.defaults.ExcludeCalendarRules,
		OverrideWeeklyLimits: s.limits.defaults.OverrideWeeklyLimits,
	}
	if req.ExcludeCalendarRules != nil {
		row.ExcludeCalendarRules = *req.ExcludeCalendarRules
	}
	if req.OverrideWeeklyLimits != nil {
		row.OverrideWeeklyLimits = *req.OverrideWeeklyLimits
	}

	cfg := s.limits.merge(row)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMonthlyLimit, err)
	}
	if err := s.repo.MonthlyLimit.Upsert(ctx, row); err != nil {
		s.logger.Error("保存月度配额失败", zap.String("staff_id", staffID), zap.Error(err))
		return nil, err
	}

	s.logger.Info("月度配额已更新", zap.String("staff_id", staffID), zap.String("month", req.Month))
	return &cfg, nil
}
