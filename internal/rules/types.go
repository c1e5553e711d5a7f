package rules

import "shift-scheduler/backend/internal/shift"

// CalendarRule 单日日历强制规则；两者至多一个为 true
type CalendarRule struct {
	MustWork   bool `json:"must_work"`
	MustDayOff bool `json:"must_day_off"`
}

// CalendarRules dateKey → 规则
type CalendarRules map[string]CalendarRule

// EarlyShiftPreferences staffID → dateKey → 是否可排早班（仅在 MustDayOff 日有意义）
type EarlyShiftPreferences map[string]map[string]bool

// Eligible 员工在该日是否可排早班
func (p EarlyShiftPreferences) Eligible(staffID, dateKey string) bool {
	if p == nil {
		return false
	}
	return p[staffID][dateKey]
}

// ChangeLogEntry 规则引擎变更审计（只追加，不修改）
type ChangeLogEntry struct {
	Date     string       `json:"date"`
	StaffID  string       `json:"staff_id"`
	Previous shift.Symbol `json:"previous"`
	New      shift.Symbol `json:"new"`
	Reason   string       `json:"reason"`
}

// ViolationType 违规类型
type ViolationType string

const (
	ViolationMustWork          ViolationType = "must_work_violation"
	ViolationMustDayOff        ViolationType = "must_day_off_violation"
	ViolationMissingEarlyShift ViolationType = "missing_early_shift_on_must_day_off"
)

// Violation 违规记录
type Violation struct {
	Type     ViolationType `json:"type"`
	StaffID  string        `json:"staff_id"`
	Date     string        `json:"date"`
	Observed shift.Symbol  `json:"observed"`
	Expected shift.Symbol  `json:"expected"`
	Message  string        `json:"message"`
}

// Summary 规则应用汇总
type Summary struct {
	MustDayOffDates     int `json:"must_day_off_dates"`
	MustWorkDates       int `json:"must_work_dates"`
	EarlyShiftsAssigned int `json:"early_shifts_assigned"`
	DayOffsAssigned     int `json:"day_offs_assigned"`
}

// ApplyResult ApplyCombinedRules 输出
type ApplyResult struct {
	Schedule       shift.Schedule   `json:"schedule"`
	ChangesApplied int              `json:"changes_applied"`
	ChangeLog      []ChangeLogEntry `json:"change_log"`
	Summary        Summary          `json:"summary"`
}

// ValidationResult ValidateCombinedRules 输出
type ValidationResult struct {
	IsValid    bool        `json:"is_valid"`
	Violations []Violation `json:"violations"`
}

// ── 变更原因 ──

const (
	ReasonCalendarDayOff = "日历规则：强制休息日"
	ReasonEarlyShift     = "日历规则：强制休息日 + 早班资格"
	ReasonMustWork       = "日历规则：强制出勤日（最高优先级）"
)
