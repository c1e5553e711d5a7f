package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"shift-scheduler/backend/internal/health"
	"shift-scheduler/backend/internal/prediction"
	"shift-scheduler/backend/internal/rules"
	"shift-scheduler/backend/internal/shift"
)

var (
	ErrPipelineTimeout = health.Tag(errors.New("预测流水线超时"), health.CategoryTimeout)
	ErrModelFailed     = health.Tag(errors.New("模型预测失败"), health.CategoryOperation)
	ErrPipelinePanic   = health.Tag(errors.New("预测流水线异常"), health.CategoryOperation)
)

// ── 阶段 ──

const (
	StageValidate = "validate"
	StagePrepare  = "prepare"
	StageModel    = "model"
	StageRules    = "rules"
	StageOptimize = "optimize"
	StageComplete = "complete"
	StageSamples  = "samples"
	StageTrain    = "train"
	StageFeatures = "features"
)

// Config 引擎配置
type Config struct {
	PipelineTimeout     time.Duration // 流水线时间预算，超出即走应急填充
	ChunkSize           int           // 每批单元格数，批间让出
	TrainEpochs         int
	LearningRate        float64
	HeuristicConfidence float64 // 未使用模型时的置信度
	EmergencyQuality    float64
	EmergencyConfidence float64
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		PipelineTimeout:     30 * time.Second,
		ChunkSize:           10,
		TrainEpochs:         20,
		LearningRate:        0.05,
		HeuristicConfidence: 75,
		EmergencyQuality:    60,
		EmergencyConfidence: 40,
	}
}

// Reporter 阶段进度回报
type Reporter func(progress float64, stage, message string)

// Engine 后台预测引擎。模型只在此处读写。
type Engine struct {
	cfg     Config
	tracker *BufferTracker
	logger  *zap.Logger

	mu    sync.RWMutex
	model Model
}

// NewEngine 创建引擎；model 为 nil 时使用先验模型
func NewEngine(cfg Config, model Model, tracker *BufferTracker, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = def.PipelineTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.TrainEpochs <= 0 {
		cfg.TrainEpochs = def.TrainEpochs
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.HeuristicConfidence <= 0 {
		cfg.HeuristicConfidence = def.HeuristicConfidence
	}
	if cfg.EmergencyQuality <= 0 {
		cfg.EmergencyQuality = def.EmergencyQuality
	}
	if cfg.EmergencyConfidence <= 0 {
		cfg.EmergencyConfidence = def.EmergencyConfidence
	}
	if model == nil {
		model = NewPriorModel()
	}
	if tracker == nil {
		tracker = NewBufferTracker(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, tracker: tracker, logger: logger, model: model}
}

// Model 当前模型
func (e *Engine) Model() Model {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.model
}

// SetModel 替换模型（训练完成后调用）
func (e *Engine) SetModel(m Model) {
	e.mu.Lock()
	e.model = m
	e.mu.Unlock()
}

// Tracker 缓冲区跟踪器
func (e *Engine) Tracker() *BufferTracker { return e.tracker }

// checkpoint 协作式检查点：取消优先于超时
func checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return ErrPipelineTimeout
	}
	return prediction.ErrOperationCancelled
}

// yield 让出执行权后检查
func yield(ctx context.Context) error {
	runtime.Gosched()
	return checkpoint(ctx)
}

func isAbort(err error) bool {
	return errors.Is(err, prediction.ErrOperationCancelled) ||
		errors.Is(err, ErrPipelineTimeout) ||
		errors.Is(err, prediction.ErrInvalidPayload)
}

// ════════════════════════════════════════════════════════════
// 整表预测
// ════════════════════════════════════════════════════════════

type pipelineOutcome struct {
	res *prediction.PredictResult
	err error
}

// Predict 运行流水线并与时间预算赛跑。
// 超时或流水线异常时返回应急填充结果；取消与参数错误直接返回错误。
func (e *Engine) Predict(ctx context.Context, req *prediction.PredictRequest, report Reporter) (*prediction.PredictResult, error) {
	start := time.Now()
	if err := validatePredictRequest(req); err != nil {
		return nil, err
	}

	// 超时返回后，仍在运行的流水线不再回报进度
	var finished atomic.Bool
	defer finished.Store(true)
	guarded := func(p float64, stage, msg string) {
		if report != nil && !finished.Load() {
			report(p, stage, msg)
		}
	}

	timeout := e.cfg.PipelineTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan pipelineOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- pipelineOutcome{err: fmt.Errorf("%w: %v", ErrPipelinePanic, r)}
			}
		}()
		res, err := e.runPipeline(pctx, req, guarded, start)
		done <- pipelineOutcome{res: res, err: err}
	}()

	var o pipelineOutcome
	select {
	case o = <-done:
	case <-pctx.Done():
		o.err = checkpoint(pctx)
	}

	switch {
	case o.err == nil:
		return o.res, nil
	case errors.Is(o.err, prediction.ErrOperationCancelled), errors.Is(o.err, prediction.ErrInvalidPayload):
		return nil, o.err
	}

	e.logger.Warn("预测流水线未完成，启用应急填充",
		zap.String("site_id", req.SiteID),
		zap.Duration("timeout", timeout),
		zap.Error(o.err),
	)
	res := e.emergency(req, start)
	if report != nil {
		report(100, StageComplete, "应急填充完成")
	}
	return res, nil
}

// Emergency 直接执行第三层应急填充
func (e *Engine) Emergency(req *prediction.PredictRequest) (*prediction.PredictResult, error) {
	if err := validatePredictRequest(req); err != nil {
		return nil, err
	}
	return e.emergency(req, time.Now()), nil
}

func (e *Engine) emergency(req *prediction.PredictRequest, start time.Time) *prediction.PredictResult {
	filled, n := emergencyFill(req.Schedule, req.Staff, req.Dates)
	return &prediction.PredictResult{
		Success:  true,
		Schedule: filled,
		Metadata: prediction.Metadata{
			Method:            prediction.MethodEmergency,
			ProcessingTimeMs:  time.Since(start).Milliseconds(),
			FilledCells:       n,
			MLUsed:            false,
			Quality:           e.cfg.EmergencyQuality,
			Confidence:        e.cfg.EmergencyConfidence,
			Violations:        []rules.Violation{},
			EmergencyFallback: true,
		},
	}
}

func validatePredictRequest(req *prediction.PredictRequest) error {
	if req == nil {
		return fmt.Errorf("%w: 请求为空", prediction.ErrInvalidPayload)
	}
	if len(req.Staff) == 0 {
		return fmt.Errorf("%w: 员工列表为空", prediction.ErrInvalidPayload)
	}
	if len(req.Dates) == 0 {
		return fmt.Errorf("%w: 日期列表为空", prediction.ErrInvalidPayload)
	}
	for _, d := range req.Dates {
		if !shift.IsDateKey(d) {
			return fmt.Errorf("%w: 日期格式错误 %q", prediction.ErrInvalidPayload, d)
		}
	}
	return nil
}

// pipelineData 数据准备阶段产物
type pipelineData struct {
	staff    map[string]shift.Staff
	dates    []string
	lookup   shift.Schedule
	profiles map[string]*profile
	targets  []cellKey
}

// fillStats 预测阶段统计
type fillStats struct {
	predicted     map[cellKey]bool
	modelConf     map[cellKey]float64 // 模型单元格置信度 0-100
	confidenceSum float64
	modelCells    int
	skipped       []cellKey
}

// dropModelCell 单元格不再由模型决定时，从置信度统计中剔除
func (s *fillStats) dropModelCell(k cellKey) {
	c, ok := s.modelConf[k]
	if !ok {
		return
	}
	delete(s.modelConf, k)
	s.confidenceSum -= c
	s.modelCells--
}

func (e *Engine) runPipeline(ctx context.Context, req *prediction.PredictRequest, report Reporter, start time.Time) (*prediction.PredictResult, error) {
	// ── 1. 校验 ──
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	report(5, StageValidate, "参数校验完成")

	// ── 2. 数据准备 ──
	data, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	report(15, StagePrepare, fmt.Sprintf("待预测单元格 %d 个", len(data.targets)))

	// ── 3. 模型预测，失败时降级为历史偏好 ──
	work := req.Schedule.Clone()
	method := prediction.MethodHybrid
	stats, err := e.predictWithModel(ctx, data, work, report)
	if err != nil {
		if isAbort(err) {
			return nil, err
		}
		e.logger.Warn("模型预测失败，降级为规则推断", zap.Error(err))
		method = prediction.MethodRuleBased
		work = req.Schedule.Clone()
		data.lookup = mergeHistory(req.History, req.Schedule)
		stats, err = e.predictWithHeuristics(ctx, data, work, data.targets)
		if err != nil {
			return nil, err
		}
	} else if len(stats.skipped) > 0 {
		// 单元格级失败留给历史偏好补齐
		extra, err := e.predictWithHeuristics(ctx, data, work, stats.skipped)
		if err != nil {
			return nil, err
		}
		for k := range extra.predicted {
			stats.predicted[k] = true
		}
	}
	report(60, StageModel, fmt.Sprintf("已预测 %d 个单元格", len(stats.predicted)))

	// ── 4. 规则覆盖 ──
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	applied := rules.ApplyCombinedRules(work, req.CalendarRules, req.EarlyShiftPrefs, req.Staff)
	for _, entry := range applied.ChangeLog {
		k := cellKey{entry.StaffID, entry.Date}
		delete(stats.predicted, k)
		stats.dropModelCell(k)
	}
	report(80, StageRules, fmt.Sprintf("规则修正 %d 处", applied.ChangesApplied))

	// ── 5. 一致性与评分 ──
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}
	final := applied.Schedule
	adjusted := coveragePass(final, req.Staff, data.dates, req.CalendarRules, stats.predicted, stats.modelConf)
	for _, k := range adjusted {
		stats.dropModelCell(k)
	}
	quality := scoreQuality(final, req.Staff, data.dates, req.CalendarRules)
	confidence := e.cfg.HeuristicConfidence
	mlUsed := method == prediction.MethodHybrid && stats.modelCells > 0
	if mlUsed {
		confidence = round1(stats.confidenceSum / float64(stats.modelCells))
	}
	validation := rules.ValidateCombinedRules(final, req.CalendarRules, req.EarlyShiftPrefs, req.Staff)
	report(100, StageComplete, fmt.Sprintf("质量 %.1f，覆盖调整 %d 处", quality, len(adjusted)))

	return &prediction.PredictResult{
		Success:   true,
		Schedule:  final,
		ChangeLog: applied.ChangeLog,
		Metadata: prediction.Metadata{
			Method:            method,
			ProcessingTimeMs:  time.Since(start).Milliseconds(),
			FilledCells:       final.CountFilled(req.Staff, data.dates) - req.Schedule.CountFilled(req.Staff, data.dates),
			MLUsed:            mlUsed,
			Quality:           quality,
			Confidence:        confidence,
			Violations:        validation.Violations,
			EmergencyFallback: false,
			SkippedCells:      len(stats.skipped),
		},
	}, nil
}

// prepare 构建查找矩阵与历史偏好；每处理一名员工、一天都让出一次
func (e *Engine) prepare(ctx context.Context, req *prediction.PredictRequest) (*pipelineData, error) {
	dates := append([]string(nil), req.Dates...)
	sort.Strings(dates)

	d := &pipelineData{
		staff:    make(map[string]shift.Staff, len(req.Staff)),
		dates:    dates,
		lookup:   mergeHistory(req.History, req.Schedule),
		profiles: make(map[string]*profile, len(req.Staff)),
	}
	for _, st := range req.Staff {
		if err := yield(ctx); err != nil {
			return nil, err
		}
		d.staff[st.ID] = st
		d.profiles[st.ID] = buildProfile(d.lookup[st.ID])
	}
	for _, date := range dates {
		if err := yield(ctx); err != nil {
			return nil, err
		}
		for _, st := range req.Staff {
			if st.IsActiveOn(date) && !req.Schedule.IsSet(st.ID, date) {
				d.targets = append(d.targets, cellKey{st.ID, date})
			}
		}
	}
	return d, nil
}

// predictWithModel 第一层：分批推理，批间让出并回报进度。
// 单元格级错误跳过；全部失败视为模型失败。
func (e *Engine) predictWithModel(ctx context.Context, data *pipelineData, work shift.Schedule, report Reporter) (*fillStats, error) {
	model := e.Model()
	if model == nil || !model.Loaded() {
		return nil, ErrModelNotLoaded
	}

	scope := e.tracker.Scope()
	defer scope.Release()
	feat, err := scope.Alloc(FeatureDim)
	if err != nil {
		return nil, err
	}
	probs, err := scope.Alloc(shift.NumClasses)
	if err != nil {
		return nil, err
	}

	stats := &fillStats{
		predicted: make(map[cellKey]bool, len(data.targets)),
		modelConf: make(map[cellKey]float64, len(data.targets)),
	}
	total := len(data.targets)
	for i, cell := range data.targets {
		if i > 0 && i%e.cfg.ChunkSize == 0 {
			if err := yield(ctx); err != nil {
				return nil, err
			}
			report(30+30*float64(i)/float64(total), StageModel, fmt.Sprintf("%d/%d", i, total))
		}

		st := data.staff[cell.staffID]
		if !encodeFeatures(feat, st, cell.date, data.lookup) {
			stats.skipped = append(stats.skipped, cell)
			continue
		}
		if err := safePredict(model, feat, probs); err != nil {
			e.logger.Debug("单元格预测失败", zap.String("staff_id", cell.staffID), zap.String("date", cell.date), zap.Error(err))
			stats.skipped = append(stats.skipped, cell)
			continue
		}
		c, p := argmax(probs)
		sym := shift.SymbolFor(c, st.Status)
		work.Set(cell.staffID, cell.date, sym)
		data.lookup.Set(cell.staffID, cell.date, sym)
		stats.predicted[cell] = true
		stats.modelConf[cell] = p * 100
		stats.confidenceSum += p * 100
		stats.modelCells++
	}

	if total > 0 && len(stats.skipped) == total {
		return nil, fmt.Errorf("%w: 全部 %d 个单元格失败", ErrModelFailed, total)
	}
	return stats, nil
}

func safePredict(m Model, feat, probs []float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrModelFailed, r)
		}
	}()
	return m.Predict(feat, probs)
}

// predictWithHeuristics 第二层：按历史偏好填充 cells
func (e *Engine) predictWithHeuristics(ctx context.Context, data *pipelineData, work shift.Schedule, cells []cellKey) (*fillStats, error) {
	stats := &fillStats{predicted: make(map[cellKey]bool, len(cells))}
	for i, cell := range cells {
		if i > 0 && i%e.cfg.ChunkSize == 0 {
			if err := yield(ctx); err != nil {
				return nil, err
			}
		}
		st := data.staff[cell.staffID]
		sym := heuristicSymbol(st, cell.date, data.profiles[cell.staffID])
		work.Set(cell.staffID, cell.date, sym)
		data.lookup.Set(cell.staffID, cell.date, sym)
		stats.predicted[cell] = true
	}
	return stats, nil
}

// ════════════════════════════════════════════════════════════
// 训练与特征
// ════════════════════════════════════════════════════════════

// Train 用历史排班训练新模型并替换当前模型
func (e *Engine) Train(ctx context.Context, req *prediction.TrainRequest, report Reporter) (*prediction.TrainResult, error) {
	if req == nil || len(req.Staff) == 0 || len(req.History) == 0 {
		return nil, fmt.Errorf("%w: 训练需要员工与历史排班", prediction.ErrInvalidPayload)
	}
	if report == nil {
		report = func(float64, string, string) {}
	}
	epochs := req.Epochs
	if epochs <= 0 {
		epochs = e.cfg.TrainEpochs
	}

	scope := e.tracker.Scope()
	defer scope.Release()

	var samples []Sample
	for _, st := range req.Staff {
		if err := yield(ctx); err != nil {
			return nil, err
		}
		row := req.History[st.ID]
		dates := make([]string, 0, len(row))
		for d := range row {
			dates = append(dates, d)
		}
		sort.Strings(dates)
		for _, date := range dates {
			buf, err := scope.Alloc(FeatureDim)
			if err != nil {
				return nil, err
			}
			if !encodeFeatures(buf, st, date, req.History) {
				continue
			}
			samples = append(samples, Sample{Features: buf, Label: shift.ClassOf(row[date])})
		}
	}
	report(10, StageSamples, fmt.Sprintf("训练样本 %d 个", len(samples)))

	base, ok := e.Model().(*LinearModel)
	if !ok {
		base = NewPriorModel()
	}
	fit, err := base.Fit(ctx, samples, epochs, e.cfg.LearningRate, func(epoch int, loss float64) {
		report(10+80*float64(epoch)/float64(epochs), StageTrain, fmt.Sprintf("第 %d 轮 loss=%.4f", epoch, loss))
	})
	if err != nil {
		return nil, err
	}
	e.SetModel(fit.Model)
	report(100, StageComplete, "训练完成")

	e.logger.Info("模型训练完成",
		zap.Int("samples", len(samples)),
		zap.Int("version", fit.Model.Version()),
		zap.Float64("accuracy", fit.Accuracy),
	)
	return &prediction.TrainResult{
		Samples:      len(samples),
		Epochs:       epochs,
		Loss:         fit.Loss,
		Accuracy:     fit.Accuracy,
		ModelVersion: fit.Model.Version(),
	}, nil
}

// GenerateFeatures 为指定单元格生成特征向量
func (e *Engine) GenerateFeatures(ctx context.Context, req *prediction.FeatureRequest) (*prediction.FeatureResult, error) {
	if req == nil || len(req.Cells) == 0 {
		return nil, fmt.Errorf("%w: 单元格列表为空", prediction.ErrInvalidPayload)
	}
	staff := make(map[string]shift.Staff, len(req.Staff))
	for _, st := range req.Staff {
		staff[st.ID] = st
	}

	out := &prediction.FeatureResult{Dim: FeatureDim}
	for i, cell := range req.Cells {
		if i > 0 && i%e.cfg.ChunkSize == 0 {
			if err := yield(ctx); err != nil {
				return nil, err
			}
		}
		st, ok := staff[cell.StaffID]
		if !ok {
			continue
		}
		vec := make([]float64, FeatureDim)
		if !encodeFeatures(vec, st, cell.Date, req.Schedule) {
			continue
		}
		out.Cells = append(out.Cells, cell)
		out.Vectors = append(out.Vectors, vec)
	}
	return out, nil
}
