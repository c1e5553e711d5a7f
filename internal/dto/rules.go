package dto

import (
	"shift-scheduler/backend/internal/rules"
	"shift-scheduler/backend/internal/shift"
)

// ── 规则模块 DTO ──

// RuleRequest 规则应用/校验请求
type RuleRequest struct {
	SiteID    string         `json:"site_id"    binding:"required,max=64"`
	StartDate string         `json:"start_date" binding:"required,datekey"`
	EndDate   string         `json:"end_date"   binding:"required,datekey"`
	Schedule  shift.Schedule `json:"schedule"` // 为空时读取已保存的排班
}

// ApplyRulesResponse 规则应用结果（附带应用后的校验）
type ApplyRulesResponse struct {
	rules.ApplyResult
	Validation rules.ValidationResult `json:"validation"`
}

// ── 月度休息配额 ──

// MonthlyLimitQuery 月度配额查询参数
type MonthlyLimitQuery struct {
	SiteID string `form:"site_id" binding:"required,max=64"`
	Month  string `form:"month"   binding:"required,month"`
}

// UpdateMonthlyLimitRequest 月度配额设置请求；nil 字段沿用全局默认
type UpdateMonthlyLimitRequest struct {
	Month                string `json:"month"                  binding:"required,month"`
	MinOffDays           *int   `json:"min_off_days"           binding:"omitempty,min=0,max=31"`
	MaxOffDays           *int   `json:"max_off_days"           binding:"omitempty,min=0,max=31"`
	ExcludeCalendarRules *bool  `json:"exclude_calendar_rules"`
	OverrideWeeklyLimits *bool  `json:"override_weekly_limits"`
}

// MonthlyLimitResponse 员工当月配额状态
type MonthlyLimitResponse struct {
	StaffID             string                   `json:"staff_id"`
	Month               string                   `json:"month"`
	Config              rules.MonthlyLimitConfig `json:"config"`
	CalendarOffDays     int                      `json:"calendar_off_days"`
	CalendarEarlyDays   int                      `json:"calendar_early_days"`
	FlexibleOffDays     int                      `json:"flexible_off_days"`
	CountableOffDays    int                      `json:"countable_off_days"`
	NeedsMoreOffDays    bool                     `json:"needs_more_off_days"`
	CanAddOffDay        bool                     `json:"can_add_off_day"`
	RemainingMinOffDays int                      `json:"remaining_min_off_days"`
	RemainingMaxOffDays *int                     `json:"remaining_max_off_days"` // null 表示无上限
	WeeklyDecision      rules.WeeklyDecision     `json:"weekly_decision"`
}

// NewMonthlyLimitResponse 由有效配额构造响应
func NewMonthlyLimitResponse(month string, l rules.EffectiveLimits) MonthlyLimitResponse {
	resp := MonthlyLimitResponse{
		StaffID:             l.StaffID,
		Month:               month,
		Config:              l.Config,
		CalendarOffDays:     l.CalendarOffDays,
		CalendarEarlyDays:   l.CalendarEarlyDays,
		FlexibleOffDays:     l.FlexibleOffDays,
		CountableOffDays:    l.CountableOffDays,
		NeedsMoreOffDays:    l.NeedsMoreOffDays(),
		CanAddOffDay:        l.CanAddOffDay(),
		RemainingMinOffDays: l.RemainingMinOffDays(),
		WeeklyDecision:      l.ShouldOverrideWeeklyLimit(),
	}
	if n, unbounded := l.RemainingMaxOffDays(); !unbounded {
		resp.RemainingMaxOffDays = &n
	}
	return resp
}
