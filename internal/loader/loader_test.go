package loader

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"shift-scheduler/backend/internal/model"
	"shift-scheduler/backend/internal/rules"
	"shift-scheduler/backend/internal/shift"
)

// ── 测试替身 ──

type fakeCalendarRepo struct {
	rows  []model.CalendarRule
	err   error
	calls int
}

func (f *fakeCalendarRepo) ListByRange(_ context.Context, _ string, _, _ time.Time) ([]model.CalendarRule, error) {
	f.calls++
	return f.rows, f.err
}

type fakePrefRepo struct {
	rows []model.EarlyShiftPreference
	err  error
}

func (f *fakePrefRepo) ListByRange(_ context.Context, _ string, _, _ time.Time) ([]model.EarlyShiftPreference, error) {
	return f.rows, f.err
}

// memCache 以 JSON 存储，与 Redis 实现的编解码行为一致
type memCache struct {
	data   map[string][]byte
	getErr error
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) GetJSON(_ context.Context, key string, dst any) (bool, error) {
	if m.getErr != nil {
		return false, m.getErr
	}
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (m *memCache) SetJSON(_ context.Context, key string, v any, _ time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.data[key] = raw
	return nil
}

func day(key string) time.Time {
	t, _ := shift.ParseDateKey(key)
	return t
}

func march(t *testing.T) shift.DateRange {
	t.Helper()
	rng, err := shift.MonthRange("2025-03")
	if err != nil {
		t.Fatalf("MonthRange: %v", err)
	}
	return rng
}

// ── 日历规则 ──

func TestCalendarRuleLoader_Normalizes(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	repo := &fakeCalendarRepo{rows: []model.CalendarRule{
		{Date: day("2025-03-01"), MustDayOff: true},
		{Date: day("2025-03-02"), MustWork: true, MustDayOff: true},
		{Date: day("2025-03-03")},                   // 无约束，不收录
		{Date: day("2025-04-01"), MustDayOff: true}, // 范围外
		{MustWork: true},                            // 缺日期
	}}
	l := NewCalendarRuleLoader(repo, nil, 0, zap.New(core))

	got := l.Load(context.Background(), "site-1", march(t))
	want := rules.CalendarRules{
		"2025-03-01": {MustDayOff: true},
		"2025-03-02": {MustWork: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("规范化结果不符 (-want +got):\n%s", diff)
	}
	if logs.FilterMessage("日历规则同时为强制出勤与强制休息，按强制出勤处理").Len() != 1 {
		t.Error("冲突规则应记录一条警告")
	}
	if logs.FilterMessage("忽略缺少日期的日历规则").Len() != 1 {
		t.Error("缺日期记录应记录警告")
	}
}

func TestCalendarRuleLoader_RepoErrorReturnsEmpty(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	repo := &fakeCalendarRepo{err: errors.New("connection refused")}
	l := NewCalendarRuleLoader(repo, nil, 0, zap.New(core))

	got := l.Load(context.Background(), "site-1", march(t))
	if got == nil || len(got) != 0 {
		t.Fatalf("期望空映射，实际 %v", got)
	}
	if logs.Len() != 1 {
		t.Errorf("期望 1 条警告，实际 %d", logs.Len())
	}
}

func TestCalendarRuleLoader_InvalidInput(t *testing.T) {
	repo := &fakeCalendarRepo{}
	l := NewCalendarRuleLoader(repo, nil, 0, zap.NewNop())

	if got := l.Load(context.Background(), "", march(t)); len(got) != 0 {
		t.Errorf("空站点应返回空映射: %v", got)
	}
	bad := shift.DateRange{Start: day("2025-03-10"), End: day("2025-03-01")}
	if got := l.Load(context.Background(), "site-1", bad); len(got) != 0 {
		t.Errorf("倒置范围应返回空映射: %v", got)
	}
	if repo.calls != 0 {
		t.Errorf("非法输入不应查询数据库，实际 %d 次", repo.calls)
	}
}

func TestCalendarRuleLoader_CachesResult(t *testing.T) {
	repo := &fakeCalendarRepo{rows: []model.CalendarRule{{Date: day("2025-03-05"), MustWork: true}}}
	cache := newMemCache()
	l := NewCalendarRuleLoader(repo, cache, time.Minute, zap.NewNop())

	first := l.Load(context.Background(), "site-1", march(t))
	second := l.Load(context.Background(), "site-1", march(t))
	if repo.calls != 1 {
		t.Errorf("第二次应命中缓存，实际查询 %d 次", repo.calls)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("缓存结果不一致:\n%s", diff)
	}
	if _, ok := cache.data["calendar:site-1:2025-03-01:2025-03-31"]; !ok {
		t.Errorf("缓存键不符: %v", cache.data)
	}
}

func TestCalendarRuleLoader_CacheErrorFallsThrough(t *testing.T) {
	repo := &fakeCalendarRepo{rows: []model.CalendarRule{{Date: day("2025-03-05"), MustWork: true}}}
	cache := newMemCache()
	cache.getErr = errors.New("redis down")
	l := NewCalendarRuleLoader(repo, cache, time.Minute, zap.NewNop())

	got := l.Load(context.Background(), "site-1", march(t))
	if !got["2025-03-05"].MustWork || repo.calls != 1 {
		t.Errorf("缓存故障时应回源查询: %v calls=%d", got, repo.calls)
	}
}

// ── 早班资格 ──

func TestEarlyShiftPreferenceLoader_Load(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	repo := &fakePrefRepo{rows: []model.EarlyShiftPreference{
		{StaffID: "a", Date: day("2025-03-01"), Eligible: true},
		{StaffID: "a", Date: day("2025-03-08"), Eligible: false},
		{StaffID: "b", Date: day("2025-03-01"), Eligible: true},
		{StaffID: "", Date: day("2025-03-01"), Eligible: true},
	}}
	l := NewEarlyShiftPreferenceLoader(repo, newMemCache(), time.Minute, zap.New(core))

	got := l.Load(context.Background(), "site-1", march(t))
	want := rules.EarlyShiftPreferences{
		"a": {"2025-03-01": true, "2025-03-08": false},
		"b": {"2025-03-01": true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("早班资格不符 (-want +got):\n%s", diff)
	}
	if !got.Eligible("a", "2025-03-01") || got.Eligible("a", "2025-03-08") {
		t.Error("Eligible 判定不符")
	}
	if logs.Len() != 1 {
		t.Errorf("不完整记录应记录 1 条警告，实际 %d", logs.Len())
	}
}

func TestEarlyShiftPreferenceLoader_RepoErrorReturnsEmpty(t *testing.T) {
	l := NewEarlyShiftPreferenceLoader(&fakePrefRepo{err: errors.New("timeout")}, nil, 0, zap.NewNop())
	got := l.Load(context.Background(), "site-1", march(t))
	if got == nil || len(got) != 0 {
		t.Fatalf("期望空映射，实际 %v", got)
	}
}
