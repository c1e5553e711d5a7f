package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"shift-scheduler/backend/internal/prediction"
	"shift-scheduler/backend/internal/rules"
	"shift-scheduler/backend/internal/shift"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ── helpers ──

// 2025-03-03 为周一
func weekDates(start string, n int) []string {
	d, _ := shift.ParseDateKey(start)
	out := make([]string, n)
	for i := range out {
		out[i] = shift.DateKey(d.AddDate(0, 0, i))
	}
	return out
}

func makeStaff(n int, status shift.Status) []shift.Staff {
	out := make([]shift.Staff, n)
	for i := range out {
		out[i] = shift.Staff{ID: fmt.Sprintf("s%d", i+1), Name: fmt.Sprintf("员工%d", i+1), Status: status}
	}
	return out
}

func newRequest(staff []shift.Staff, dates []string) *prediction.PredictRequest {
	return &prediction.PredictRequest{
		SiteID:          "site-1",
		Staff:           staff,
		Dates:           dates,
		Schedule:        shift.Schedule{},
		CalendarRules:   rules.CalendarRules{},
		EarlyShiftPrefs: rules.EarlyShiftPreferences{},
	}
}

func assertAllFilled(t *testing.T, s shift.Schedule, staff []shift.Staff, dates []string) {
	t.Helper()
	for _, st := range staff {
		for _, d := range dates {
			if !s.IsSet(st.ID, d) {
				t.Errorf("单元格 %s/%s 未填充", st.ID, d)
			}
		}
	}
}

// countingModel 第 cancelAt 次调用时取消
type countingModel struct {
	calls    atomic.Int32
	cancelAt int32
	cancel   context.CancelCauseFunc
	delay    time.Duration
}

func (m *countingModel) Loaded() bool { return true }
func (m *countingModel) Version() int { return 1 }
func (m *countingModel) Predict(_, probs []float64) error {
	n := m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.cancel != nil && n == m.cancelAt {
		m.cancel(prediction.ErrOperationCancelled)
	}
	for i := range probs {
		probs[i] = 0
	}
	probs[shift.ClassNormal] = 1
	return nil
}

// fixedModel 所有单元格都输出同一类别与概率
type fixedModel struct {
	class shift.Class
	p     float64
}

func (fixedModel) Loaded() bool { return true }
func (fixedModel) Version() int { return 1 }
func (m fixedModel) Predict(_, probs []float64) error {
	rest := (1 - m.p) / float64(len(probs)-1)
	for i := range probs {
		probs[i] = rest
	}
	probs[m.class] = m.p
	return nil
}

type failingModel struct{}

func (failingModel) Loaded() bool { return true }
func (failingModel) Version() int { return 1 }
func (failingModel) Predict(_, _ []float64) error {
	return errors.New("inference failed")
}

// ════════════════════════════════════════════════════════════

func TestEngine_PredictFullPipeline(t *testing.T) {
	staff := []shift.Staff{
		{ID: "s1", Name: "甲", Status: shift.StatusRegular},
		{ID: "s2", Name: "乙", Status: shift.StatusPartTime},
	}
	dates := weekDates("2025-03-03", 7)
	req := newRequest(staff, dates)
	req.Schedule.Set("s1", "2025-03-03", shift.Late)
	req.CalendarRules["2025-03-05"] = rules.CalendarRule{MustDayOff: true}
	req.EarlyShiftPrefs = rules.EarlyShiftPreferences{"s1": {"2025-03-05": true}}

	var mu sync.Mutex
	var progress []float64
	e := NewEngine(Config{}, nil, nil, zap.NewNop())
	res, err := e.Predict(context.Background(), req, func(p float64, _, _ string) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	if !res.Success || res.Metadata.Method != prediction.MethodHybrid || !res.Metadata.MLUsed {
		t.Errorf("期望第一层结果: %+v", res.Metadata)
	}
	if res.Metadata.EmergencyFallback {
		t.Error("不应走应急填充")
	}
	assertAllFilled(t, res.Schedule, staff, dates)
	if v, _ := res.Schedule.Get("s1", "2025-03-03"); v != shift.Late {
		t.Errorf("已有单元格不应被覆盖，实际 %q", v)
	}
	if v, _ := res.Schedule.Get("s1", "2025-03-05"); v != shift.Early {
		t.Errorf("休日早班资格者应为早班，实际 %q", v)
	}
	if v, _ := res.Schedule.Get("s2", "2025-03-05"); v != shift.DayOff {
		t.Errorf("休日其他员工应休息，实际 %q", v)
	}
	if res.Metadata.FilledCells != 13 {
		t.Errorf("期望填充 13 格，实际 %d", res.Metadata.FilledCells)
	}
	if len(res.Metadata.Violations) != 0 {
		t.Errorf("不应有违规: %+v", res.Metadata.Violations)
	}
	if req.Schedule.CountFilled(staff, dates) != 1 {
		t.Error("调用方的排班不应被修改")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("进度应单调不减: %v", progress)
		}
	}
	if progress[0] != 5 || progress[len(progress)-1] != 100 {
		t.Errorf("进度应从 5 到 100: %v", progress)
	}
}

func TestEngine_CancelStopsAtChunkBoundary(t *testing.T) {
	staff := makeStaff(5, shift.StatusRegular)
	dates := weekDates("2025-03-03", 5)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	model := &countingModel{cancelAt: 10, cancel: cancel}
	e := NewEngine(Config{ChunkSize: 10}, model, nil, zap.NewNop())

	res, err := e.Predict(ctx, newRequest(staff, dates), nil)
	if !errors.Is(err, prediction.ErrOperationCancelled) {
		t.Fatalf("期望取消错误，实际 res=%v err=%v", res, err)
	}
	if res != nil {
		t.Error("取消不应返回降级结果")
	}
	if n := model.calls.Load(); n != 10 {
		t.Errorf("取消后不应再处理后续批次，实际调用 %d 次", n)
	}
}

func TestEngine_TimeoutFallsBackToEmergency(t *testing.T) {
	staff := append(makeStaff(3, shift.StatusRegular), shift.Staff{ID: "p1", Status: shift.StatusPartTime})
	dates := weekDates("2025-03-03", 7)
	req := newRequest(staff, dates)
	req.Schedule.Set("s1", "2025-03-04", shift.Late)

	model := &countingModel{delay: 5 * time.Millisecond}
	e := NewEngine(Config{PipelineTimeout: 20 * time.Millisecond}, model, nil, zap.NewNop())

	res, err := e.Predict(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("超时应降级而非失败: %v", err)
	}
	if !res.Success || !res.Metadata.EmergencyFallback || res.Metadata.Method != prediction.MethodEmergency {
		t.Fatalf("期望应急填充: %+v", res.Metadata)
	}
	if res.Metadata.Quality != 60 {
		t.Errorf("应急质量分应为 60，实际 %v", res.Metadata.Quality)
	}
	assertAllFilled(t, res.Schedule, staff, dates)
	if v, _ := res.Schedule.Get("s1", "2025-03-04"); v != shift.Late {
		t.Error("已有单元格不应被覆盖")
	}

	cases := []struct {
		staffID, date string
		want          shift.Symbol
	}{
		{"p1", "2025-03-08", shift.DayOff}, // 周六
		{"p1", "2025-03-09", shift.DayOff}, // 周日
		{"p1", "2025-03-05", shift.Work},
		{"s2", "2025-03-09", shift.DayOff},
		{"s2", "2025-03-05", shift.Early}, // 周三
		{"s2", "2025-03-06", shift.Normal},
	}
	for _, c := range cases {
		if v, _ := res.Schedule.Get(c.staffID, c.date); v != c.want {
			t.Errorf("%s/%s 期望 %q，实际 %q", c.staffID, c.date, c.want, v)
		}
	}
}

func TestEngine_ModelFailureDegradesToHeuristics(t *testing.T) {
	staff := makeStaff(1, shift.StatusRegular)
	dates := weekDates("2025-03-10", 7) // 周一起
	req := newRequest(staff, dates)
	req.History = shift.Schedule{}
	for _, d := range weekDates("2025-02-17", 21) {
		wd, _ := shift.Weekday(d)
		sym := shift.Normal
		if wd == time.Monday {
			sym = shift.Late
		}
		req.History.Set("s1", d, sym)
	}

	e := NewEngine(Config{}, failingModel{}, nil, zap.NewNop())
	res, err := e.Predict(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if res.Metadata.Method != prediction.MethodRuleBased || res.Metadata.MLUsed {
		t.Errorf("期望第二层: %+v", res.Metadata)
	}
	if res.Metadata.Confidence != 75 {
		t.Errorf("第二层置信度应为固定值 75，实际 %v", res.Metadata.Confidence)
	}
	assertAllFilled(t, res.Schedule, staff, dates)
	if v, _ := res.Schedule.Get("s1", "2025-03-10"); v != shift.Late {
		t.Errorf("周一应沿用历史晚班，实际 %q", v)
	}
}

func TestEngine_InvalidRequest(t *testing.T) {
	e := NewEngine(Config{}, nil, nil, zap.NewNop())
	cases := []*prediction.PredictRequest{
		nil,
		newRequest(nil, []string{"2025-03-03"}),
		newRequest(makeStaff(1, shift.StatusRegular), nil),
		newRequest(makeStaff(1, shift.StatusRegular), []string{"2025/03/03"}),
	}
	for i, req := range cases {
		if _, err := e.Predict(context.Background(), req, nil); !errors.Is(err, prediction.ErrInvalidPayload) {
			t.Errorf("case %d: 期望参数错误，实际 %v", i, err)
		}
	}
}

func TestEngine_TrainReplacesModel(t *testing.T) {
	staff := makeStaff(1, shift.StatusRegular)
	history := shift.Schedule{}
	for _, d := range weekDates("2025-02-03", 28) {
		wd, _ := shift.Weekday(d)
		sym := shift.Normal
		if wd == time.Tuesday {
			sym = shift.DayOff
		}
		history.Set("s1", d, sym)
	}

	e := NewEngine(Config{}, nil, nil, zap.NewNop())
	var epochs int
	res, err := e.Train(context.Background(), &prediction.TrainRequest{Staff: staff, History: history, Epochs: 30},
		func(_ float64, stage, _ string) {
			if stage == StageTrain {
				epochs++
			}
		})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.Samples != 28 || res.Epochs != 30 || epochs != 30 {
		t.Errorf("训练统计不符: %+v epochs=%d", res, epochs)
	}
	if res.ModelVersion != 2 || e.Model().Version() != 2 {
		t.Errorf("模型版本应递增为 2，实际 %d", res.ModelVersion)
	}
	if res.Accuracy < 0.9 {
		t.Errorf("训练集准确率过低: %v", res.Accuracy)
	}

	// 单人站点，覆盖调整不介入，周二的休息完全由模型决定
	req := newRequest(staff, []string{"2025-03-04"}) // 周二
	req.History = history
	pred, err := e.Predict(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if v, _ := pred.Schedule.Get("s1", "2025-03-04"); v != shift.DayOff {
		t.Errorf("训练后周二应预测休息，实际 %q", v)
	}
	if e.Tracker().Stats().AllocatedBytes != 0 {
		t.Error("训练缓冲区应全部归还")
	}
}

func TestEngine_TrainRejectsEmptyHistory(t *testing.T) {
	e := NewEngine(Config{}, nil, nil, zap.NewNop())
	_, err := e.Train(context.Background(), &prediction.TrainRequest{Staff: makeStaff(1, shift.StatusRegular)}, nil)
	if !errors.Is(err, prediction.ErrInvalidPayload) {
		t.Fatalf("期望参数错误，实际 %v", err)
	}
}

func TestEngine_GenerateFeatures(t *testing.T) {
	staff := []shift.Staff{{ID: "p1", Status: shift.StatusPartTime}}
	sched := shift.Schedule{}
	sched.Set("p1", "2025-03-02", shift.DayOff) // 前一天

	e := NewEngine(Config{}, nil, nil, zap.NewNop())
	res, err := e.GenerateFeatures(context.Background(), &prediction.FeatureRequest{
		Staff:    staff,
		Schedule: sched,
		Cells: []prediction.Cell{
			{StaffID: "p1", Date: "2025-03-03"},
			{StaffID: "unknown", Date: "2025-03-03"},
		},
	})
	if err != nil {
		t.Fatalf("GenerateFeatures: %v", err)
	}
	if res.Dim != 56 || len(res.Vectors) != 1 || len(res.Vectors[0]) != 56 {
		t.Fatalf("特征维度不符: dim=%d n=%d", res.Dim, len(res.Vectors))
	}
	v := res.Vectors[0]
	if v[offsetStatus+2] != 1 {
		t.Error("兼职标志未设置")
	}
	if v[offsetWeekday+int(time.Monday)] != 1 {
		t.Error("星期 one-hot 错误")
	}
	if v[historyIndex(1, shift.ClassDayOff)] != 1 {
		t.Error("前一天休息未编码")
	}
}

func TestEngine_ReleasesBuffersAfterPredict(t *testing.T) {
	tracker := NewBufferTracker(1<<20, 0.8)
	e := NewEngine(Config{}, nil, tracker, zap.NewNop())
	if _, err := e.Predict(context.Background(), newRequest(makeStaff(2, shift.StatusRegular), weekDates("2025-03-03", 3)), nil); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	st := tracker.Stats()
	if st.AllocatedBytes != 0 || st.LiveBuffers != 0 {
		t.Errorf("预测后缓冲区应全部归还: %+v", st)
	}
}

// ── 组件 ──

func TestBufferTracker_BudgetAndSweep(t *testing.T) {
	tracker := NewBufferTracker(1000, 0.5)
	scope := tracker.Scope()
	if _, err := scope.Alloc(50); err != nil { // 400 bytes
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := scope.Alloc(100); !errors.Is(err, ErrMemoryBudget) { // 800 bytes
		t.Errorf("超预算应失败，实际 %v", err)
	}
	if freed, swept := tracker.Sweep(); swept || freed != 0 {
		t.Error("低于高水位不应回收")
	}

	leaked := tracker.Scope()
	if _, err := leaked.Alloc(20); err != nil { // 累计 560 bytes
		t.Fatalf("Alloc: %v", err)
	}
	freed, swept := tracker.Sweep()
	if !swept || freed != 560 {
		t.Errorf("超过高水位应回收 560 字节，实际 %d %v", freed, swept)
	}
	scope.Release()
	st := tracker.Stats()
	if st.AllocatedBytes != 0 || st.ReclaimedBytes != 560 || st.Sweeps != 2 {
		t.Errorf("统计不符: %+v", st)
	}
}

func TestScoreQuality(t *testing.T) {
	staff := makeStaff(2, shift.StatusRegular)
	dates := weekDates("2025-03-03", 2)
	cal := rules.CalendarRules{"2025-03-04": {MustWork: true}}

	full := shift.Schedule{}
	for _, st := range staff {
		for _, d := range dates {
			full.Set(st.ID, d, shift.Normal)
		}
	}
	if q := scoreQuality(full, staff, dates, cal); q != 100 {
		t.Errorf("完整合规排班应为 100，实际 %v", q)
	}
	if q := scoreQuality(shift.Schedule{}, staff, dates, cal); q != 0 {
		t.Errorf("空排班应为 0，实际 %v", q)
	}

	full.Set("s1", "2025-03-04", shift.DayOff)
	if q := scoreQuality(full, staff, dates, cal); q != 90 {
		t.Errorf("一格违反出勤日应为 90，实际 %v", q)
	}
}

func TestCoveragePass_KeepsSomeoneWorking(t *testing.T) {
	staff := makeStaff(2, shift.StatusRegular)
	s := shift.Schedule{}
	s.Set("s1", "2025-03-04", shift.DayOff)
	s.Set("s2", "2025-03-04", shift.DayOff)
	predicted := map[cellKey]bool{{"s2", "2025-03-04"}: true}
	modelConf := map[cellKey]float64{{"s2", "2025-03-04"}: 55}

	adjusted := coveragePass(s, staff, []string{"2025-03-04"}, rules.CalendarRules{}, predicted, modelConf)
	if len(adjusted) != 1 || adjusted[0] != (cellKey{"s2", "2025-03-04"}) {
		t.Fatalf("期望调整 s2 一处，实际 %v", adjusted)
	}
	if v, _ := s.Get("s1", "2025-03-04"); v != shift.DayOff {
		t.Error("非预测单元格不应调整")
	}
	if v, _ := s.Get("s2", "2025-03-04"); v != shift.Normal {
		t.Errorf("预测单元格应改为出勤，实际 %q", v)
	}
}

func TestCoveragePass_LeavesSingleStaffAlone(t *testing.T) {
	staff := makeStaff(1, shift.StatusRegular)
	s := shift.Schedule{}
	s.Set("s1", "2025-03-04", shift.DayOff)
	predicted := map[cellKey]bool{{"s1", "2025-03-04"}: true}

	if adjusted := coveragePass(s, staff, []string{"2025-03-04"}, rules.CalendarRules{}, predicted, nil); len(adjusted) != 0 {
		t.Fatalf("单人站点不应调整，实际 %v", adjusted)
	}
	if v, _ := s.Get("s1", "2025-03-04"); v != shift.DayOff {
		t.Errorf("预测的休息应保留，实际 %q", v)
	}
}

func TestCoveragePass_KeepsConfidentModelCells(t *testing.T) {
	staff := makeStaff(2, shift.StatusRegular)
	s := shift.Schedule{}
	s.Set("s1", "2025-03-04", shift.DayOff)
	s.Set("s2", "2025-03-04", shift.DayOff)
	predicted := map[cellKey]bool{{"s1", "2025-03-04"}: true, {"s2", "2025-03-04"}: true}
	modelConf := map[cellKey]float64{{"s1", "2025-03-04"}: 92, {"s2", "2025-03-04"}: 60}

	adjusted := coveragePass(s, staff, []string{"2025-03-04"}, rules.CalendarRules{}, predicted, modelConf)
	if len(adjusted) != 1 || adjusted[0].staffID != "s2" {
		t.Fatalf("应跳过高置信度的 s1，调整 s2，实际 %v", adjusted)
	}
	if v, _ := s.Get("s1", "2025-03-04"); v != shift.DayOff {
		t.Errorf("高置信度单元格应保留，实际 %q", v)
	}

	modelConf[cellKey{"s2", "2025-03-04"}] = 85
	s.Set("s2", "2025-03-04", shift.DayOff)
	if adjusted := coveragePass(s, staff, []string{"2025-03-04"}, rules.CalendarRules{}, predicted, modelConf); len(adjusted) != 0 {
		t.Errorf("全部高置信度时不应调整，实际 %v", adjusted)
	}
}

func TestFillStats_DropModelCell(t *testing.T) {
	a, b := cellKey{"s1", "2025-03-04"}, cellKey{"s2", "2025-03-04"}
	stats := &fillStats{
		predicted:     map[cellKey]bool{a: true, b: true},
		modelConf:     map[cellKey]float64{a: 90, b: 50},
		confidenceSum: 140,
		modelCells:    2,
	}
	stats.dropModelCell(b)
	stats.dropModelCell(b)
	stats.dropModelCell(cellKey{"s3", "2025-03-04"})
	if stats.modelCells != 1 || stats.confidenceSum != 90 {
		t.Errorf("剔除后应只剩 a: cells=%d sum=%v", stats.modelCells, stats.confidenceSum)
	}
}

func TestEngine_SingleStaffKeepsModelDayOff(t *testing.T) {
	staff := makeStaff(1, shift.StatusRegular)
	e := NewEngine(Config{}, fixedModel{class: shift.ClassDayOff, p: 0.95}, nil, zap.NewNop())

	res, err := e.Predict(context.Background(), newRequest(staff, []string{"2025-03-04"}), nil)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if v, _ := res.Schedule.Get("s1", "2025-03-04"); v != shift.DayOff {
		t.Errorf("单人站点应保留模型的休息预测，实际 %q", v)
	}
	if !res.Metadata.MLUsed || res.Metadata.Confidence != 95 {
		t.Errorf("置信度应来自模型: %+v", res.Metadata)
	}
}

func TestEngine_CoverageAdjustmentExcludedFromConfidence(t *testing.T) {
	staff := makeStaff(2, shift.StatusRegular)
	e := NewEngine(Config{}, fixedModel{class: shift.ClassDayOff, p: 0.6}, nil, zap.NewNop())

	var completeMsg string
	res, err := e.Predict(context.Background(), newRequest(staff, []string{"2025-03-04"}), func(_ float64, stage, msg string) {
		if stage == StageComplete {
			completeMsg = msg
		}
	})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	v1, _ := res.Schedule.Get("s1", "2025-03-04")
	v2, _ := res.Schedule.Get("s2", "2025-03-04")
	if v1 != shift.Normal || v2 != shift.DayOff {
		t.Errorf("应只把第一格改为出勤: s1=%q s2=%q", v1, v2)
	}
	// 剩下的 s2 仍由模型决定
	if !res.Metadata.MLUsed || res.Metadata.Confidence != 60 {
		t.Errorf("置信度应只统计模型单元格: %+v", res.Metadata)
	}
	if !strings.Contains(completeMsg, "覆盖调整 1 处") {
		t.Errorf("完成消息应报告 1 处调整: %q", completeMsg)
	}
}

func TestCoveragePass_PartTimeBlankIsUnscheduled(t *testing.T) {
	staff := []shift.Staff{
		{ID: "s1", Name: "甲", Status: shift.StatusRegular},
		{ID: "p1", Name: "乙", Status: shift.StatusPartTime},
	}
	predicted := map[cellKey]bool{{"s1", "2025-03-04"}: true, {"s1", "2025-03-05"}: true}
	modelConf := map[cellKey]float64{{"s1", "2025-03-04"}: 50, {"s1", "2025-03-05"}: 50}
	s := shift.Schedule{}
	s.Set("s1", "2025-03-04", shift.DayOff)
	s.Set("p1", "2025-03-04", shift.Normal)
	s.Set("s1", "2025-03-05", shift.DayOff)
	s.Set("p1", "2025-03-05", shift.Normal)
	calendar := rules.CalendarRules{"2025-03-05": {MustWork: true}}

	adjusted := coveragePass(s, staff, []string{"2025-03-04", "2025-03-05"}, calendar, predicted, modelConf)
	if len(adjusted) != 1 || adjusted[0] != (cellKey{"s1", "2025-03-04"}) {
		t.Fatalf("兼职空白在普通日不算出勤，应只调整 03-04，实际 %v", adjusted)
	}
	if v, _ := s.Get("s1", "2025-03-05"); v != shift.DayOff {
		t.Errorf("强制出勤日兼职空白已算出勤，不应调整，实际 %q", v)
	}
}
