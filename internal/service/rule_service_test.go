package service

import (
	"context"
	"errors"
	"testing"

	"shift-scheduler/backend/internal/dto"
	"shift-scheduler/backend/internal/rules"
	"shift-scheduler/backend/internal/shift"
)

func ruleRequest(s shift.Schedule) *dto.RuleRequest {
	return &dto.RuleRequest{SiteID: testSite, StartDate: "2025-03-03", EndDate: "2025-03-09", Schedule: s}
}

func TestRuleService_ApplyMustDayOffWithEarlyShift(t *testing.T) {
	f := newFixture()
	f.mustDayOff("2025-03-05")
	f.earlyEligible("a", "2025-03-05")
	svc := NewRuleService(f.cfg, f.repo, nil, nopLogger())

	resp, err := svc.Apply(context.Background(), ruleRequest(nil))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if v, _ := resp.Schedule.Get("a", "2025-03-05"); v != shift.Early {
		t.Errorf("A 应为早班，实际 %q", v)
	}
	if v, _ := resp.Schedule.Get("b", "2025-03-05"); v != shift.DayOff {
		t.Errorf("B 应为休息，实际 %q", v)
	}
	if resp.ChangesApplied != 2 || resp.Summary.EarlyShiftsAssigned != 1 || resp.Summary.MustDayOffDates != 1 {
		t.Errorf("汇总不符: changes=%d %+v", resp.ChangesApplied, resp.Summary)
	}
	if !resp.Validation.IsValid {
		t.Errorf("应用后应通过校验: %+v", resp.Validation.Violations)
	}
	// 其余日期未设置的单元格保持未设置
	if resp.Schedule.IsSet("a", "2025-03-04") {
		t.Error("无规则的日期不应被填充")
	}
}

func TestRuleService_ApplyUsesStoredSchedule(t *testing.T) {
	f := newFixture()
	f.mustWork("2025-03-06")
	f.storeCell("a", "2025-03-06", shift.DayOff)
	f.storeCell("b", "2025-03-06", shift.Late)
	svc := NewRuleService(f.cfg, f.repo, nil, nopLogger())

	resp, err := svc.Apply(context.Background(), ruleRequest(nil))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if v, _ := resp.Schedule.Get("a", "2025-03-06"); v != shift.Normal {
		t.Errorf("正社员强制出勤应为正常班，实际 %q", v)
	}
	if v, _ := resp.Schedule.Get("b", "2025-03-06"); v != shift.Normal {
		t.Errorf("兼职强制出勤同样应为空白，实际 %q", v)
	}
	for _, c := range resp.ChangeLog {
		if c.Reason != rules.ReasonMustWork {
			t.Errorf("变更原因不符: %+v", c)
		}
	}
}

func TestRuleService_ValidateReportsViolations(t *testing.T) {
	f := newFixture()
	f.mustDayOff("2025-03-05")
	f.earlyEligible("a", "2025-03-05")
	svc := NewRuleService(f.cfg, f.repo, nil, nopLogger())

	res, err := svc.Validate(context.Background(), ruleRequest(shift.Schedule{
		"a": {"2025-03-05": shift.DayOff},
		"b": {"2025-03-05": shift.Work},
	}))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.IsValid {
		t.Fatal("期望校验失败")
	}
	types := map[rules.ViolationType]string{}
	for _, v := range res.Violations {
		types[v.Type] = v.StaffID
	}
	if types[rules.ViolationMissingEarlyShift] != "a" || types[rules.ViolationMustDayOff] != "b" {
		t.Errorf("违规类型不符: %+v", res.Violations)
	}
}

func TestRuleService_RejectsBadInput(t *testing.T) {
	f := newFixture()
	svc := NewRuleService(f.cfg, f.repo, nil, nopLogger())
	ctx := context.Background()

	req := ruleRequest(nil)
	req.StartDate = "2025/03/03"
	if _, err := svc.Apply(ctx, req); !errors.Is(err, ErrInvalidDateRange) {
		t.Errorf("期望 ErrInvalidDateRange，实际 %v", err)
	}
	if _, err := svc.Validate(ctx, ruleRequest(shift.Schedule{"a": {"03-05": shift.DayOff}})); !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("期望 ErrInvalidSchedule，实际 %v", err)
	}
}
