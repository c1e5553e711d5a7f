package worker

import (
	"math"

	"shift-scheduler/backend/internal/rules"
	"shift-scheduler/backend/internal/shift"
)

const (
	fillWeight        = 0.6
	appropriateWeight = 0.4
)

// scoreQuality 质量分 0-100：填充率与班次适配度加权
func scoreQuality(s shift.Schedule, staff []shift.Staff, dates []string, calendar rules.CalendarRules) float64 {
	total, filled := 0, 0
	var fit float64
	for _, st := range staff {
		for _, date := range dates {
			if !st.IsActiveOn(date) {
				continue
			}
			total++
			sym, ok := s.Get(st.ID, date)
			if !ok {
				continue
			}
			filled++
			fit += appropriateness(st, date, sym, calendar)
		}
	}
	if total == 0 {
		return 0
	}
	fillRate := float64(filled) / float64(total)
	fitRate := 0.0
	if filled > 0 {
		fitRate = fit / float64(filled)
	}
	return round1(100 * (fillWeight*fillRate + appropriateWeight*fitRate))
}

// appropriateness 单元格适配度 0..1
func appropriateness(st shift.Staff, date string, sym shift.Symbol, calendar rules.CalendarRules) float64 {
	if !shift.IsLegal(st.Status, sym) {
		return 0
	}
	if !sym.IsKnown() {
		return 0.5
	}
	rule := calendar[date]
	switch {
	case rule.MustWork && sym.IsOffLike():
		return 0
	case rule.MustDayOff && !rule.MustWork && !sym.IsOffLike() && sym != shift.Early:
		return 0.25
	}
	return 1
}

const (
	// minCoverageStaff 在职人数不足时不做覆盖调整，单人站点的休息由模型决定
	minCoverageStaff = 2
	// coverageLockConfidence 模型置信度达到该值的单元格不参与覆盖调整
	coverageLockConfidence = 80.0
)

// coveragePass 非休日若所有在职员工都休息，将该日第一个可调整的预测单元格改为出勤。
// 只调整 predicted 中的单元格；modelConf 记录模型单元格置信度，高置信度单元格保持不变。
// 返回被调整的单元格。
func coveragePass(s shift.Schedule, staff []shift.Staff, dates []string, calendar rules.CalendarRules,
	predicted map[cellKey]bool, modelConf map[cellKey]float64) []cellKey {
	var adjusted []cellKey
	for _, date := range dates {
		rule := calendar[date]
		if rule.MustDayOff && !rule.MustWork {
			continue
		}
		active, working := 0, 0
		var candidate *shift.Staff
		for i := range staff {
			st := &staff[i]
			if !st.IsActiveOn(date) {
				continue
			}
			active++
			sym, ok := s.Get(st.ID, date)
			if ok && shift.IsWorking(st.Status, sym, rule.MustWork) {
				working++
			}
			key := cellKey{st.ID, date}
			if candidate == nil && predicted[key] && ok && sym.IsOffLike() && modelConf[key] < coverageLockConfidence {
				candidate = st
			}
		}
		if active >= minCoverageStaff && working == 0 && candidate != nil {
			s.Set(candidate.ID, date, shift.WorkSymbol(candidate.Status))
			adjusted = append(adjusted, cellKey{candidate.ID, date})
		}
	}
	return adjusted
}

type cellKey struct {
	staffID string
	date    string
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
