package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shift-scheduler/backend/config"
	"shift-scheduler/backend/internal/loader"
	"shift-scheduler/backend/internal/model"
	"shift-scheduler/backend/internal/repository"
	"shift-scheduler/backend/internal/rules"
	"shift-scheduler/backend/internal/shift"
	pkgerrors "shift-scheduler/backend/pkg/errors"
)

// ── 会话加载的公共错误 ──

var (
	ErrInvalidDateRange = errors.New("日期范围无效")
	ErrInvalidSchedule  = errors.New("排班数据无效")
	ErrNoActiveStaff    = errors.New("该站点在指定区间内没有在职员工")
	ErrStaffNotFound    = errors.New("员工不存在")
)

// session 单次排班会话的全部输入（各字段由独立协程写入）
type session struct {
	siteID   string
	rng      shift.DateRange
	dates    []string
	staff    []shift.Staff
	schedule shift.Schedule
	history  shift.Schedule
	calendar rules.CalendarRules
	prefs    rules.EarlyShiftPreferences
}

// sessionLoader 并发加载员工、排班、历史与规则数据
type sessionLoader struct {
	repo        *repository.Repository
	calendar    *loader.CalendarRuleLoader
	prefs       *loader.EarlyShiftPreferenceLoader
	historyDays int
	logger      *zap.Logger
}

func newSessionLoader(cfg *config.Config, repo *repository.Repository, cache loader.Cache, logger *zap.Logger) *sessionLoader {
	var ttl time.Duration
	if cfg.Cache.Enabled {
		ttl = cfg.Cache.TTL
	} else {
		cache = nil
	}
	return &sessionLoader{
		repo:        repo,
		calendar:    loader.NewCalendarRuleLoader(repo.CalendarRule, cache, ttl, logger),
		prefs:       loader.NewEarlyShiftPreferenceLoader(repo.EarlyShiftPref, cache, ttl, logger),
		historyDays: cfg.Prediction.HistoryDays,
		logger:      logger,
	}
}

// load provided 非空时以调用方排班为准，不读取已保存的单元格
func (l *sessionLoader) load(ctx context.Context, siteID string, rng shift.DateRange, provided shift.Schedule, withHistory bool) (*session, error) {
	s := &session{siteID: siteID, rng: rng, dates: rng.Keys()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := l.repo.Staff.ListBySite(gctx, siteID)
		if err != nil {
			return fmt.Errorf("查询员工失败: %w", err)
		}
		s.staff = activeStaff(rows, s.dates)
		return nil
	})
	if provided == nil {
		g.Go(func() error {
			cells, err := l.repo.Schedule.ListCells(gctx, siteID, rng.Start, rng.End)
			if err != nil {
				return fmt.Errorf("查询排班失败: %w", err)
			}
			s.schedule = toSchedule(cells)
			return nil
		})
	} else {
		s.schedule = provided.Clone()
	}
	if withHistory && l.historyDays > 0 {
		g.Go(func() error {
			from := rng.Start.AddDate(0, 0, -l.historyDays)
			to := rng.Start.AddDate(0, 0, -1)
			cells, err := l.repo.Schedule.ListCells(gctx, siteID, from, to)
			if err != nil {
				// 历史仅影响预测质量，缺失时按空历史继续
				l.logger.Warn("查询历史排班失败，按空历史处理", zap.String("site_id", siteID), zap.Error(err))
				s.history = shift.Schedule{}
				return nil
			}
			s.history = toSchedule(cells)
			return nil
		})
	}
	g.Go(func() error {
		s.calendar = l.calendar.Load(gctx, siteID, rng)
		return nil
	})
	g.Go(func() error {
		s.prefs = l.prefs.Load(gctx, siteID, rng)
		return nil
	})

	if err := g.Wait(); err != nil {
		l.logger.Error("加载排班会话失败", zap.String("site_id", siteID), zap.Error(err))
		return nil, err
	}
	if s.history == nil {
		s.history = shift.Schedule{}
	}
	return s, nil
}

// ── 转换与校验 ──

// parseRange 解析请求中的起止日期
func parseRange(start, end string) (shift.DateRange, error) {
	rng, err := shift.NewDateRange(start, end)
	if err != nil {
		return shift.DateRange{}, fmt.Errorf("%w: %v", ErrInvalidDateRange, err)
	}
	return rng, nil
}

// validateSchedule 日期键与符号格式
func validateSchedule(s shift.Schedule) error {
	for staffID, row := range s {
		if staffID == "" {
			return fmt.Errorf("%w: 员工 ID 为空", ErrInvalidSchedule)
		}
		for date, sym := range row {
			if !shift.IsDateKey(date) {
				return fmt.Errorf("%w: 日期 %q", ErrInvalidSchedule, date)
			}
			if !sym.Valid() {
				return fmt.Errorf("%w: %s/%s 的班次 %q", ErrInvalidSchedule, staffID, date, sym)
			}
		}
	}
	return nil
}

// activeStaff 区间内至少在职一天的员工
func activeStaff(rows []model.Staff, dates []string) []shift.Staff {
	out := make([]shift.Staff, 0, len(rows))
	for _, row := range rows {
		st := row.ToShift()
		for _, d := range dates {
			if st.IsActiveOn(d) {
				out = append(out, st)
				break
			}
		}
	}
	return out
}

func toSchedule(cells []model.ScheduleCell) shift.Schedule {
	s := make(shift.Schedule)
	for _, c := range cells {
		s.Set(c.StaffID, shift.DateKey(c.Date), c.Symbol)
	}
	return s
}

// ════════════════════════════════════════════════════════════
// limitResolver — 月度配额配置（员工配置优先，缺省取全局默认）
// ════════════════════════════════════════════════════════════

type limitResolver struct {
	repo     *repository.Repository
	defaults config.RulesConfig
}

func (r *limitResolver) defaultConfig() rules.MonthlyLimitConfig {
	cfg := rules.MonthlyLimitConfig{
		MinCount:             r.defaults.DefaultMinOffDays,
		ExcludeCalendarRules: r.defaults.ExcludeCalendarRules,
		OverrideWeeklyLimits: r.defaults.OverrideWeeklyLimits,
	}
	if r.defaults.DefaultMaxOffDays > 0 {
		n := r.defaults.DefaultMaxOffDays
		cfg.MaxCount = &n
	}
	return cfg
}

// merge 员工配置中为空的上下限沿用默认值
func (r *limitResolver) merge(row *model.MonthlyLimit) rules.MonthlyLimitConfig {
	cfg := r.defaultConfig()
	if row == nil {
		return cfg
	}
	if row.MinOffDays != nil {
		cfg.MinCount = *row.MinOffDays
	}
	if row.MaxOffDays != nil {
		n := *row.MaxOffDays
		cfg.MaxCount = &n
	}
	cfg.ExcludeCalendarRules = row.ExcludeCalendarRules
	cfg.OverrideWeeklyLimits = row.OverrideWeeklyLimits
	return cfg
}

func (r *limitResolver) configFor(ctx context.Context, staffID, month string) (rules.MonthlyLimitConfig, error) {
	row, err := r.repo.MonthlyLimit.GetForStaff(ctx, staffID, month)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return r.defaultConfig(), nil
		}
		return rules.MonthlyLimitConfig{}, err
	}
	return r.merge(row), nil
}

// configsFor 批量查询；未配置的员工取默认值
func (r *limitResolver) configsFor(ctx context.Context, month string, staff []shift.Staff) (map[string]rules.MonthlyLimitConfig, error) {
	ids := make([]string, len(staff))
	for i, st := range staff {
		ids[i] = st.ID
	}
	rows, err := r.repo.MonthlyLimit.ListByMonth(ctx, month, ids)
	if err != nil {
		return nil, err
	}
	byStaff := make(map[string]*model.MonthlyLimit, len(rows))
	for i := range rows {
		byStaff[rows[i].StaffID] = &rows[i]
	}
	out := make(map[string]rules.MonthlyLimitConfig, len(staff))
	for _, st := range staff {
		out[st.ID] = r.merge(byStaff[st.ID])
	}
	return out, nil
}

// fullMonths 区间完整覆盖的月份（YYYY-MM）
func fullMonths(rng shift.DateRange) []string {
	var out []string
	cur := time.Date(rng.Start.Year(), rng.Start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(rng.End) {
		month := cur.Format("2006-01")
		if m, err := shift.MonthRange(month); err == nil && !m.Start.Before(rng.Start) && !m.End.After(rng.End) {
			out = append(out, month)
		}
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}
