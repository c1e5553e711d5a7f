package shift

import "sort"

// Schedule 排班表：staffID → dateKey → 符号。
// 各阶段均返回新的 Schedule，不修改调用方传入的实例。
type Schedule map[string]map[string]Symbol

// Clone 深拷贝
func (s Schedule) Clone() Schedule {
	out := make(Schedule, len(s))
	for staffID, days := range s {
		row := make(map[string]Symbol, len(days))
		for k, v := range days {
			row[k] = v
		}
		out[staffID] = row
	}
	return out
}

// Get 读取单元格；ok=false 表示未设置
func (s Schedule) Get(staffID, dateKey string) (Symbol, bool) {
	row, ok := s[staffID]
	if !ok {
		return Normal, false
	}
	v, ok := row[dateKey]
	return v, ok
}

// Set 写入单元格（仅用于已 Clone 的副本）
func (s Schedule) Set(staffID, dateKey string, v Symbol) {
	row, ok := s[staffID]
	if !ok {
		row = make(map[string]Symbol)
		s[staffID] = row
	}
	row[dateKey] = v
}

// IsSet 单元格是否已有值（包含空白正常班）
func (s Schedule) IsSet(staffID, dateKey string) bool {
	_, ok := s.Get(staffID, dateKey)
	return ok
}

// CountFilled 统计 staff × dates 中已设置的单元格数
func (s Schedule) CountFilled(staff []Staff, dates []string) int {
	n := 0
	for _, st := range staff {
		for _, d := range dates {
			if s.IsSet(st.ID, d) {
				n++
			}
		}
	}
	return n
}

// StaffIDs 按字典序返回所有员工 ID
func (s Schedule) StaffIDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Equal 逐单元格比较（区分未设置与空白）
func (s Schedule) Equal(o Schedule) bool {
	if countCells(s) != countCells(o) {
		return false
	}
	for staffID, row := range s {
		for k, v := range row {
			ov, ok := o.Get(staffID, k)
			if !ok || ov != v {
				return false
			}
		}
	}
	return true
}

func countCells(s Schedule) int {
	n := 0
	for _, row := range s {
		n += len(row)
	}
	return n
}
