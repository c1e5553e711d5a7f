//go:build integration

package repository_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"shift-scheduler/backend/internal/model"
	"shift-scheduler/backend/internal/repository"
	"shift-scheduler/backend/internal/shift"
	pkgerrors "shift-scheduler/backend/pkg/errors"
)

// ═══════════════════════════════════════════════════════════
// Test Setup
// ═══════════════════════════════════════════════════════════

var testDB *gorm.DB

func TestMain(m *testing.M) {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		dsn = "host=localhost port=5433 user=shift password=shift_password dbname=shift_scheduler_test sslmode=disable TimeZone=Asia/Tokyo"
	}

	var err error
	testDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法连接测试数据库: %v\n", err)
		os.Exit(1)
	}

	// 自动迁移测试表结构
	err = testDB.AutoMigrate(
		&model.Staff{},
		&model.CalendarRule{},
		&model.EarlyShiftPreference{},
		&model.MonthlyLimit{},
		&model.ScheduleCell{},
		&model.PredictionRun{},
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "AutoMigrate 失败: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	os.Exit(code)
}

func day(key string) time.Time {
	t, _ := shift.ParseDateKey(key)
	return t
}

// setupTestData 创建一个站点与两名员工，返回清理函数
func setupTestData(t *testing.T) (siteID string, staff []*model.Staff, cleanup func()) {
	t.Helper()
	ctx := context.Background()

	siteID = fmt.Sprintf("site-%d", time.Now().UnixNano())
	staff = []*model.Staff{
		{SiteID: siteID, Name: "山田", Status: string(shift.StatusRegular), SortOrder: 1},
		{SiteID: siteID, Name: "佐藤", Status: string(shift.StatusPartTime), SortOrder: 2},
	}
	for _, s := range staff {
		if err := testDB.WithContext(ctx).Create(s).Error; err != nil {
			t.Fatalf("创建员工失败: %v", err)
		}
	}

	cleanup = func() {
		ids := []string{staff[0].StaffID, staff[1].StaffID}
		testDB.Where("site_id = ?", siteID).Delete(&model.PredictionRun{})
		testDB.Where("staff_id IN ?", ids).Delete(&model.ScheduleCell{})
		testDB.Where("staff_id IN ?", ids).Delete(&model.MonthlyLimit{})
		testDB.Where("staff_id IN ?", ids).Delete(&model.EarlyShiftPreference{})
		testDB.Where("site_id = ?", siteID).Delete(&model.CalendarRule{})
		testDB.Unscoped().Where("staff_id IN ?", ids).Delete(&model.Staff{})
	}
	return
}

// ═══════════════════════════════════════════════════════════
// Test: Staff / Calendar / Preference
// ═══════════════════════════════════════════════════════════

func TestStaff_ListBySiteOrdered(t *testing.T) {
	siteID, staff, cleanup := setupTestData(t)
	defer cleanup()

	repo := repository.NewRepository(testDB)
	list, err := repo.Staff.ListBySite(context.Background(), siteID)
	if err != nil {
		t.Fatalf("ListBySite 失败: %v", err)
	}
	if len(list) != 2 || list[0].StaffID != staff[0].StaffID {
		t.Fatalf("排序或数量不符: %+v", list)
	}

	if _, err := repo.Staff.GetByID(context.Background(), "00000000-0000-0000-0000-000000000000"); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Errorf("期望 ErrNotFound，实际 %v", err)
	}
}

func TestCalendarRule_ListByRange(t *testing.T) {
	siteID, staff, cleanup := setupTestData(t)
	defer cleanup()
	ctx := context.Background()

	rows := []model.CalendarRule{
		{SiteID: siteID, Date: day("2025-03-01"), MustDayOff: true},
		{SiteID: siteID, Date: day("2025-03-10"), MustWork: true},
		{SiteID: siteID, Date: day("2025-04-01"), MustDayOff: true},
	}
	if err := testDB.WithContext(ctx).Create(&rows).Error; err != nil {
		t.Fatalf("创建日历规则失败: %v", err)
	}
	pref := model.EarlyShiftPreference{StaffID: staff[0].StaffID, Date: day("2025-03-01"), Eligible: true}
	if err := testDB.WithContext(ctx).Create(&pref).Error; err != nil {
		t.Fatalf("创建早班资格失败: %v", err)
	}

	repo := repository.NewRepository(testDB)
	got, err := repo.CalendarRule.ListByRange(ctx, siteID, day("2025-03-01"), day("2025-03-31"))
	if err != nil {
		t.Fatalf("ListByRange 失败: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("期望 2 条规则（区间两端均含），实际 %d", len(got))
	}

	prefs, err := repo.EarlyShiftPref.ListByRange(ctx, siteID, day("2025-03-01"), day("2025-03-31"))
	if err != nil {
		t.Fatalf("早班资格 ListByRange 失败: %v", err)
	}
	if len(prefs) != 1 || !prefs[0].Eligible {
		t.Errorf("早班资格不符: %+v", prefs)
	}
}

// ═══════════════════════════════════════════════════════════
// Test: Monthly Limit Upsert
// ═══════════════════════════════════════════════════════════

func TestMonthlyLimit_UpsertAndGet(t *testing.T) {
	_, staff, cleanup := setupTestData(t)
	defer cleanup()
	ctx := context.Background()
	repo := repository.NewRepository(testDB)

	if _, err := repo.MonthlyLimit.GetForStaff(ctx, staff[0].StaffID, "2025-03"); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("未配置时期望 ErrNotFound，实际 %v", err)
	}

	minOff, maxOff := 6, 8
	limit := &model.MonthlyLimit{StaffID: staff[0].StaffID, Month: "2025-03", MinOffDays: &minOff, MaxOffDays: &maxOff}
	if err := repo.MonthlyLimit.Upsert(ctx, limit); err != nil {
		t.Fatalf("Upsert 失败: %v", err)
	}
	maxOff = 9
	if err := repo.MonthlyLimit.Upsert(ctx, limit); err != nil {
		t.Fatalf("二次 Upsert 失败: %v", err)
	}

	got, err := repo.MonthlyLimit.GetForStaff(ctx, staff[0].StaffID, "2025-03")
	if err != nil {
		t.Fatalf("GetForStaff 失败: %v", err)
	}
	if got.MaxOffDays == nil || *got.MaxOffDays != 9 {
		t.Errorf("期望上限被覆盖为 9，实际 %v", got.MaxOffDays)
	}
}

// ═══════════════════════════════════════════════════════════
// Test: Schedule Cells + Transaction
// ═══════════════════════════════════════════════════════════

func TestSchedule_UpsertCellsInTransaction(t *testing.T) {
	siteID, staff, cleanup := setupTestData(t)
	defer cleanup()
	ctx := context.Background()
	repo := repository.NewRepository(testDB)

	tx, err := repo.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx 失败: %v", err)
	}
	txRepo := repo.WithTx(tx)

	cells := []model.ScheduleCell{
		{StaffID: staff[0].StaffID, Date: day("2025-03-03"), SiteID: siteID, Symbol: shift.Early, Source: "prediction"},
		{StaffID: staff[1].StaffID, Date: day("2025-03-03"), SiteID: siteID, Symbol: shift.Work, Source: "prediction"},
	}
	if err := txRepo.Schedule.UpsertCells(ctx, cells); err != nil {
		tx.Rollback()
		t.Fatalf("事务内 UpsertCells 失败: %v", err)
	}
	run := &model.PredictionRun{SiteID: siteID, StartDate: day("2025-03-03"), EndDate: day("2025-03-03"), Method: "rule_based", Mode: "background", Success: true}
	if err := txRepo.PredictionRun.Create(ctx, run); err != nil {
		tx.Rollback()
		t.Fatalf("事务内写入审计失败: %v", err)
	}
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("Commit 失败: %v", err)
	}

	// 覆盖写入同一单元格
	cells[0].Symbol = shift.DayOff
	if err := repo.Schedule.UpsertCells(ctx, cells[:1]); err != nil {
		t.Fatalf("UpsertCells 覆盖失败: %v", err)
	}

	got, err := repo.Schedule.ListCells(ctx, siteID, day("2025-03-01"), day("2025-03-31"))
	if err != nil {
		t.Fatalf("ListCells 失败: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("期望 2 个单元格，实际 %d", len(got))
	}
	for _, c := range got {
		if c.StaffID == staff[0].StaffID && c.Symbol != shift.DayOff {
			t.Errorf("覆盖写入未生效: %q", c.Symbol)
		}
	}

	runs, err := repo.PredictionRun.ListRecent(ctx, siteID, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("审计记录不符: %v %d", err, len(runs))
	}
}

func TestTransaction_Rollback(t *testing.T) {
	siteID, staff, cleanup := setupTestData(t)
	defer cleanup()
	ctx := context.Background()
	repo := repository.NewRepository(testDB)

	tx, err := repo.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx 失败: %v", err)
	}
	cell := model.ScheduleCell{StaffID: staff[0].StaffID, Date: day("2025-03-05"), SiteID: siteID, Symbol: shift.Late, Source: "manual"}
	if err := repo.WithTx(tx).Schedule.UpsertCells(ctx, []model.ScheduleCell{cell}); err != nil {
		tx.Rollback()
		t.Fatalf("事务内 UpsertCells 失败: %v", err)
	}
	tx.Rollback()

	got, err := repo.Schedule.ListCells(ctx, siteID, day("2025-03-05"), day("2025-03-05"))
	if err != nil {
		t.Fatalf("ListCells 失败: %v", err)
	}
	if len(got) != 0 {
		t.Fatal("期望回滚后查不到单元格，但实际查到了")
	}
}
