package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"shift-scheduler/backend/config"
	"shift-scheduler/backend/internal/model"
	"shift-scheduler/backend/internal/prediction"
	"shift-scheduler/backend/internal/repository"
	"shift-scheduler/backend/internal/shift"
	pkgerrors "shift-scheduler/backend/pkg/errors"
)

// ── Mock StaffRepository ──

type mockStaffRepo struct {
	staff map[string]*model.Staff
}

func newMockStaffRepo(staff ...*model.Staff) *mockStaffRepo {
	m := &mockStaffRepo{staff: make(map[string]*model.Staff)}
	for _, s := range staff {
		m.staff[s.StaffID] = s
	}
	return m
}

func (m *mockStaffRepo) GetByID(_ context.Context, id string) (*model.Staff, error) {
	if s, ok := m.staff[id]; ok {
		return s, nil
	}
	return nil, pkgerrors.ErrNotFound
}

func (m *mockStaffRepo) ListBySite(_ context.Context, siteID string) ([]model.Staff, error) {
	var out []model.Staff
	for _, s := range m.staff {
		if s.SiteID == siteID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

// ── Mock CalendarRuleRepository / EarlyShiftPreferenceRepository ──

type mockCalendarRepo struct {
	rows []model.CalendarRule
}

func (m *mockCalendarRepo) ListByRange(_ context.Context, siteID string, start, end time.Time) ([]model.CalendarRule, error) {
	var out []model.CalendarRule
	for _, r := range m.rows {
		if r.SiteID == siteID && inRange(r.Date, start, end) {
			out = append(out, r)
		}
	}
	return out, nil
}

type mockPrefRepo struct {
	rows []model.EarlyShiftPreference
}

func (m *mockPrefRepo) ListByRange(_ context.Context, _ string, start, end time.Time) ([]model.EarlyShiftPreference, error) {
	var out []model.EarlyShiftPreference
	for _, r := range m.rows {
		if inRange(r.Date, start, end) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ── Mock MonthlyLimitRepository ──

type mockMonthlyLimitRepo struct {
	limits map[string]*model.MonthlyLimit
}

func newMockMonthlyLimitRepo() *mockMonthlyLimitRepo {
	return &mockMonthlyLimitRepo{limits: make(map[string]*model.MonthlyLimit)}
}

func (m *mockMonthlyLimitRepo) GetForStaff(_ context.Context, staffID, month string) (*model.MonthlyLimit, error) {
	if l, ok := m.limits[staffID+"|"+month]; ok {
		return l, nil
	}
	return nil, pkgerrors.ErrNotFound
}

func (m *mockMonthlyLimitRepo) ListByMonth(_ context.Context, month string, staffIDs []string) ([]model.MonthlyLimit, error) {
	var out []model.MonthlyLimit
	for _, id := range staffIDs {
		if l, ok := m.limits[id+"|"+month]; ok {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *mockMonthlyLimitRepo) Upsert(_ context.Context, limit *model.MonthlyLimit) error {
	cp := *limit
	m.limits[limit.StaffID+"|"+limit.Month] = &cp
	return nil
}

// ── Mock ScheduleRepository（后台协程写入，需加锁） ──

type mockScheduleRepo struct {
	mu       sync.Mutex
	cells    []model.ScheduleCell
	upserted []model.ScheduleCell
}

func (m *mockScheduleRepo) ListCells(_ context.Context, siteID string, start, end time.Time) ([]model.ScheduleCell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ScheduleCell
	for _, c := range m.cells {
		if c.SiteID == siteID && inRange(c.Date, start, end) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockScheduleRepo) UpsertCells(_ context.Context, cells []model.ScheduleCell) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserted = append(m.upserted, cells...)
	return nil
}

func (m *mockScheduleRepo) Upserted() []model.ScheduleCell {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ScheduleCell(nil), m.upserted...)
}

// ── Mock PredictionRunRepository ──

type mockRunRepo struct {
	mu   sync.Mutex
	runs []model.PredictionRun
}

func (m *mockRunRepo) Create(_ context.Context, run *model.PredictionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return nil
}

func (m *mockRunRepo) ListRecent(_ context.Context, siteID string, limit int) ([]model.PredictionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PredictionRun
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.runs[i].SiteID == siteID {
			out = append(out, m.runs[i])
		}
	}
	return out, nil
}

func (m *mockRunRepo) Runs() []model.PredictionRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.PredictionRun(nil), m.runs...)
}

// ── Fake Predictor ──

type fakePredictor struct {
	mu       sync.Mutex
	ready    bool
	predict  func(ctx context.Context, req *prediction.PredictRequest, onProgress prediction.ProgressFunc) (*prediction.PredictResult, error)
	restarts int
	canceled []string
}

func (f *fakePredictor) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakePredictor) Predict(ctx context.Context, req *prediction.PredictRequest, onProgress prediction.ProgressFunc) (*prediction.PredictResult, error) {
	return f.predict(ctx, req, onProgress)
}

func (f *fakePredictor) Train(context.Context, *prediction.TrainRequest, prediction.ProgressFunc) (*prediction.TrainResult, error) {
	return nil, prediction.ErrChannelFailure
}

func (f *fakePredictor) GenerateFeatures(context.Context, *prediction.FeatureRequest) (*prediction.FeatureResult, error) {
	return nil, prediction.ErrChannelFailure
}

func (f *fakePredictor) Status(context.Context) (*prediction.Status, error) {
	return &prediction.Status{Initialized: true, ModelLoaded: true, ModelVersion: 1}, nil
}

func (f *fakePredictor) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakePredictor) Operations() []prediction.Operation { return nil }

func (f *fakePredictor) Restart(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	f.ready = true
	return nil
}

func (f *fakePredictor) Restarts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

// ── 测试夹具 ──

const testSite = "site-1"

type fixture struct {
	cfg      *config.Config
	repo     *repository.Repository
	staff    *mockStaffRepo
	calendar *mockCalendarRepo
	prefs    *mockPrefRepo
	limits   *mockMonthlyLimitRepo
	schedule *mockScheduleRepo
	runs     *mockRunRepo
}

// newFixture A（正社员）与 B（兼职）两名员工
func newFixture() *fixture {
	f := &fixture{
		cfg: &config.Config{
			Prediction: config.PredictionConfig{HistoryDays: 7},
			Rules:      config.RulesConfig{ExcludeCalendarRules: true, OverrideWeeklyLimits: true},
		},
		staff: newMockStaffRepo(
			&model.Staff{StaffID: "a", SiteID: testSite, Name: "A", Status: string(shift.StatusRegular), SortOrder: 1},
			&model.Staff{StaffID: "b", SiteID: testSite, Name: "B", Status: string(shift.StatusPartTime), SortOrder: 2},
		),
		calendar: &mockCalendarRepo{},
		prefs:    &mockPrefRepo{},
		limits:   newMockMonthlyLimitRepo(),
		schedule: &mockScheduleRepo{},
		runs:     &mockRunRepo{},
	}
	f.repo = &repository.Repository{
		Staff:          f.staff,
		CalendarRule:   f.calendar,
		EarlyShiftPref: f.prefs,
		MonthlyLimit:   f.limits,
		Schedule:       f.schedule,
		PredictionRun:  f.runs,
	}
	return f
}

func (f *fixture) mustDayOff(date string) {
	f.calendar.rows = append(f.calendar.rows, model.CalendarRule{SiteID: testSite, Date: day(date), MustDayOff: true})
}

func (f *fixture) mustWork(date string) {
	f.calendar.rows = append(f.calendar.rows, model.CalendarRule{SiteID: testSite, Date: day(date), MustWork: true})
}

func (f *fixture) earlyEligible(staffID, date string) {
	f.prefs.rows = append(f.prefs.rows, model.EarlyShiftPreference{StaffID: staffID, Date: day(date), Eligible: true})
}

func (f *fixture) storeCell(staffID, date string, sym shift.Symbol) {
	f.schedule.cells = append(f.schedule.cells, model.ScheduleCell{StaffID: staffID, Date: day(date), SiteID: testSite, Symbol: sym})
}

func day(key string) time.Time {
	t, _ := shift.ParseDateKey(key)
	return t
}

func inRange(d, start, end time.Time) bool {
	return !d.Before(start) && !d.After(end)
}

func nopLogger() *zap.Logger { return zap.NewNop() }
