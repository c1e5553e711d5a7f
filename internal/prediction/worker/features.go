package worker

import (
	"math"

	"shift-scheduler/backend/internal/shift"
)

// ── 特征布局 ──
//
//	[0,3)    员工类别 one-hot（正社员/派遣/兼职）
//	[3,10)   星期 one-hot（周日起）
//	[10,14)  年内/月内周期编码 sin/cos
//	[14,56)  前 7 天班次类别 one-hot（每天 6 维，缺失为全 0）

const (
	statusDims  = 3
	weekdayDims = 7
	cyclicDims  = 4
	historyDays = 7

	offsetStatus  = 0
	offsetWeekday = offsetStatus + statusDims
	offsetCyclic  = offsetWeekday + weekdayDims
	offsetHistory = offsetCyclic + cyclicDims

	// FeatureDim 特征向量维度
	FeatureDim = offsetHistory + historyDays*shift.NumClasses
)

// historyIndex 第 lag 天前（1 起）类别 c 的下标
func historyIndex(lag int, c shift.Class) int {
	return offsetHistory + (lag-1)*shift.NumClasses + int(c)
}

// encodeFeatures 将 (员工, 日期) 编码写入 out（长度 FeatureDim）。
// lookup 同时覆盖历史与当前排班；日期非法时返回 false。
func encodeFeatures(out []float64, st shift.Staff, dateKey string, lookup shift.Schedule) bool {
	day, err := shift.ParseDateKey(dateKey)
	if err != nil {
		return false
	}
	for i := range out {
		out[i] = 0
	}

	switch st.Status {
	case shift.StatusDispatch:
		out[offsetStatus+1] = 1
	case shift.StatusPartTime:
		out[offsetStatus+2] = 1
	default:
		out[offsetStatus] = 1
	}

	out[offsetWeekday+int(day.Weekday())] = 1

	doy := float64(day.YearDay()-1) / 365
	dom := float64(day.Day()-1) / 31
	out[offsetCyclic] = math.Sin(2 * math.Pi * doy)
	out[offsetCyclic+1] = math.Cos(2 * math.Pi * doy)
	out[offsetCyclic+2] = math.Sin(2 * math.Pi * dom)
	out[offsetCyclic+3] = math.Cos(2 * math.Pi * dom)

	for lag := 1; lag <= historyDays; lag++ {
		prev := shift.DateKey(day.AddDate(0, 0, -lag))
		sym, ok := lookup.Get(st.ID, prev)
		if !ok {
			continue
		}
		out[historyIndex(lag, shift.ClassOf(sym))] = 1
	}
	return true
}

// mergeHistory 历史在下、当前排班在上的合并视图
func mergeHistory(history, current shift.Schedule) shift.Schedule {
	merged := history.Clone()
	for staffID, row := range current {
		for date, sym := range row {
			merged.Set(staffID, date, sym)
		}
	}
	return merged
}
