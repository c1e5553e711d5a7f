package worker

import (
	"time"

	"shift-scheduler/backend/internal/shift"
)

// ── 历史偏好 ──

// profile 员工按星期的历史班次分布
type profile struct {
	weekday [7][shift.NumClasses]int
	total   [shift.NumClasses]int
	samples int
}

func buildProfile(row map[string]shift.Symbol) *profile {
	p := &profile{}
	for date, sym := range row {
		wd, ok := shift.Weekday(date)
		if !ok {
			continue
		}
		c := shift.ClassOf(sym)
		p.weekday[wd][c]++
		p.total[c]++
		p.samples++
	}
	return p
}

// preferred 该星期最常见的类别；同星期无样本时退回整体分布。
// ok=false 表示没有任何历史。
func (p *profile) preferred(wd time.Weekday) (shift.Class, bool) {
	if p == nil || p.samples == 0 {
		return shift.ClassNormal, false
	}
	counts := p.weekday[wd]
	n := 0
	for _, v := range counts {
		n += v
	}
	if n == 0 {
		counts = p.total
	}
	best := shift.ClassNormal
	for c := 1; c < shift.NumClasses; c++ {
		if counts[c] > counts[best] {
			best = shift.Class(c)
		}
	}
	// 自由文本无法还原，按正常班处理
	if best == shift.ClassOther {
		best = shift.ClassNormal
	}
	return best, true
}

// heuristicSymbol 第二层：历史偏好，无历史时用应急规则
func heuristicSymbol(st shift.Staff, date string, p *profile) shift.Symbol {
	wd, ok := shift.Weekday(date)
	if !ok {
		return shift.WorkSymbol(st.Status)
	}
	if c, ok := p.preferred(wd); ok {
		return shift.SymbolFor(c, st.Status)
	}
	return emergencySymbol(st, wd)
}

// ── 应急填充 ──

const (
	fullTimeDayOff = time.Sunday
	fullTimeEarly  = time.Wednesday
)

// emergencySymbol 固定规则：兼职周末休息；全职周日休息、周三早班；其余正常班
func emergencySymbol(st shift.Staff, wd time.Weekday) shift.Symbol {
	if st.IsPartTime() {
		if wd == time.Saturday || wd == time.Sunday {
			return shift.DayOff
		}
		return shift.WorkSymbol(st.Status)
	}
	switch wd {
	case fullTimeDayOff:
		return shift.DayOff
	case fullTimeEarly:
		return shift.Early
	}
	return shift.WorkSymbol(st.Status)
}

// emergencyFill 填充所有在职且未设置的单元格；不查询模型与规则
func emergencyFill(schedule shift.Schedule, staff []shift.Staff, dates []string) (shift.Schedule, int) {
	out := schedule.Clone()
	filled := 0
	for _, date := range dates {
		wd, ok := shift.Weekday(date)
		if !ok {
			continue
		}
		for _, st := range staff {
			if !st.IsActiveOn(date) || out.IsSet(st.ID, date) {
				continue
			}
			out.Set(st.ID, date, emergencySymbol(st, wd))
			filled++
		}
	}
	return out, filled
}
