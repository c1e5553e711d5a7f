package shift

import "time"

// Status 雇佣状态
type Status string

const (
	StatusRegular  Status = "regular"   // 正社员
	StatusDispatch Status = "dispatch"  // 派遣
	StatusPartTime Status = "part_time" // 兼职
)

// Staff 员工
type Staff struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     Status     `json:"status"`
	ActiveFrom *time.Time `json:"active_from,omitempty"`
	ActiveTo   *time.Time `json:"active_to,omitempty"`
}

// IsPartTime 是否兼职
func (s Staff) IsPartTime() bool {
	return s.Status == StatusPartTime
}

// IsActiveOn 判断员工在指定日期是否在职（窗口两端均含）
func (s Staff) IsActiveOn(dateKey string) bool {
	d, err := ParseDateKey(dateKey)
	if err != nil {
		return false
	}
	if s.ActiveFrom != nil && d.Before(truncateDay(*s.ActiveFrom)) {
		return false
	}
	if s.ActiveTo != nil && d.After(truncateDay(*s.ActiveTo)) {
		return false
	}
	return true
}

// WorkSymbol 该状态下"出勤"的符号
func WorkSymbol(st Status) Symbol {
	if st == StatusPartTime {
		return Work
	}
	return Normal
}

// EmptyMeansWork 空白单元格是否表示出勤。
// 正社员/派遣空白即正常班；兼职空白表示未安排。
func EmptyMeansWork(st Status) bool {
	return st != StatusPartTime
}

// IsWorking 该单元格是否计为出勤。
// 兼职的空白只在强制出勤日计为出勤（规则引擎在该日统一写空白）。
func IsWorking(st Status, s Symbol, mustWork bool) bool {
	if s == Normal {
		return mustWork || EmptyMeansWork(st)
	}
	return !s.IsOffLike()
}

// LegalSymbols 各雇佣状态允许的固定符号
func LegalSymbols(st Status) []Symbol {
	switch st {
	case StatusPartTime:
		return []Symbol{Normal, Work, Early, Late, DayOff}
	case StatusDispatch:
		return []Symbol{Normal, Early, Late, DayOff}
	default:
		return []Symbol{Normal, Early, Late, DayOff, Holiday}
	}
}

// IsLegal 符号对该状态是否合法；自由文本对所有状态均合法
func IsLegal(st Status, s Symbol) bool {
	if !s.IsKnown() {
		return s.Valid()
	}
	for _, l := range LegalSymbols(st) {
		if l == s {
			return true
		}
	}
	return false
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
