package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shift-scheduler/backend/config"
	"shift-scheduler/backend/internal/dto"
	"shift-scheduler/backend/internal/health"
	"shift-scheduler/backend/internal/loader"
	"shift-scheduler/backend/internal/model"
	"shift-scheduler/backend/internal/prediction"
	"shift-scheduler/backend/internal/prediction/worker"
	"shift-scheduler/backend/internal/repository"
	"shift-scheduler/backend/internal/rules"
	"shift-scheduler/backend/internal/shift"
)

// ── 预测模块业务错误 ──

var (
	ErrPredictionCancelled   = errors.New("预测已取消")
	ErrPredictionFailed      = errors.New("预测失败")
	ErrPredictionUnavailable = errors.New("后台预测通道不可用")
	ErrNoTrainingData        = errors.New("指定区间没有可用于训练的排班")
)

// 计算方式
const (
	ModeBackground = "background"
	ModeSameThread = "same_thread"
)

const (
	serviceSource   = "service.prediction"
	persistTimeout  = 30 * time.Second
	restartTimeout  = 15 * time.Second
	defaultRunLimit = 20
)

// Predictor 后台预测通道（prediction.Manager 实现）
type Predictor interface {
	IsReady() bool
	Predict(ctx context.Context, req *prediction.PredictRequest, onProgress prediction.ProgressFunc) (*prediction.PredictResult, error)
	Train(ctx context.Context, req *prediction.TrainRequest, onProgress prediction.ProgressFunc) (*prediction.TrainResult, error)
	GenerateFeatures(ctx context.Context, req *prediction.FeatureRequest) (*prediction.FeatureResult, error)
	Status(ctx context.Context) (*prediction.Status, error)
	Cancel(id string) error
	Operations() []prediction.Operation
	Restart(ctx context.Context) error
}

// LocalEngine 同线程计算引擎（worker.Engine 实现）
type LocalEngine interface {
	Predict(ctx context.Context, req *prediction.PredictRequest, report worker.Reporter) (*prediction.PredictResult, error)
	Emergency(req *prediction.PredictRequest) (*prediction.PredictResult, error)
	Train(ctx context.Context, req *prediction.TrainRequest, report worker.Reporter) (*prediction.TrainResult, error)
	GenerateFeatures(ctx context.Context, req *prediction.FeatureRequest) (*prediction.FeatureResult, error)
}

// PredictionService 混合编排：后台预测 → 规则校正 → 校验，并负责降级与审计
type PredictionService interface {
	Generate(ctx context.Context, req *dto.GenerateScheduleRequest, onProgress prediction.ProgressFunc) (*dto.GenerateScheduleResponse, error)
	Train(ctx context.Context, req *dto.TrainModelRequest, onProgress prediction.ProgressFunc) (*dto.TrainModelResponse, error)
	GenerateFeatures(ctx context.Context, req *dto.GenerateFeaturesRequest) (*prediction.FeatureResult, error)
	Status(ctx context.Context) (*dto.PredictionStatusResponse, error)
	Cancel(ctx context.Context, id string) error
	Restart(ctx context.Context) error
	ListRuns(ctx context.Context, req *dto.PredictionRunListRequest) ([]dto.PredictionRunResponse, error)
	// Close 等待后台写入与重启任务结束
	Close()
}

type predictionService struct {
	repo      *repository.Repository
	sessions  *sessionLoader
	limits    *limitResolver
	predictor Predictor // nil 表示未启用后台通道
	local     LocalEngine
	monitor   *health.Monitor
	logger    *zap.Logger

	// maxPipeline 单次请求可申请的流水线预算上限，保证引擎先于编排层超时完成降级
	maxPipeline time.Duration

	restarting atomic.Bool
	wg         sync.WaitGroup
}

// NewPredictionService 创建 PredictionService 实例。predictor 为 nil 时始终同线程计算。
func NewPredictionService(
	cfg *config.Config,
	repo *repository.Repository,
	predictor Predictor,
	local LocalEngine,
	cache loader.Cache,
	monitor *health.Monitor,
	logger *zap.Logger,
) PredictionService {
	if monitor == nil {
		monitor = health.NewMonitor(0, 0, 0, logger)
	}
	return &predictionService{
		repo:      repo,
		sessions:  newSessionLoader(cfg, repo, cache, logger),
		limits:    &limitResolver{repo: repo, defaults: cfg.Rules},
		predictor: predictor,
		local:     local,
		monitor:   monitor,
		logger:    logger,

		maxPipeline: cfg.Prediction.PipelineTimeout,
	}
}

// pipelineBudget 请求的流水线预算只能缩短，不能超过配置的 pipeline_timeout。
// 返回 0 表示使用引擎默认值。
func (s *predictionService) pipelineBudget(timeoutMs int) time.Duration {
	if timeoutMs <= 0 {
		return 0
	}
	budget := time.Duration(timeoutMs) * time.Millisecond
	if s.maxPipeline > 0 && budget > s.maxPipeline {
		s.logger.Debug("请求的流水线预算超出上限，已截断",
			zap.Duration("requested", budget), zap.Duration("max", s.maxPipeline))
		return s.maxPipeline
	}
	return budget
}

// ════════════════════════════════════════════════════════════
// Generate — 混合编排
// ════════════════════════════════════════════════════════════

func (s *predictionService) Generate(ctx context.Context, req *dto.GenerateScheduleRequest, onProgress prediction.ProgressFunc) (*dto.GenerateScheduleResponse, error) {
	rng, err := parseRange(req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}
	if err := validateSchedule(req.Schedule); err != nil {
		return nil, err
	}

	sess, err := s.sessions.load(ctx, req.SiteID, rng, req.Schedule, true)
	if err != nil {
		return nil, err
	}
	if len(sess.staff) == 0 {
		return nil, ErrNoActiveStaff
	}

	preq := &prediction.PredictRequest{
		SiteID:          req.SiteID,
		Staff:           sess.staff,
		Dates:           sess.dates,
		Schedule:        sess.schedule,
		History:         sess.history,
		CalendarRules:   sess.calendar,
		EarlyShiftPrefs: sess.prefs,
		Timeout:         s.pipelineBudget(req.TimeoutMs),
	}

	// 操作 ID 由首个进度事件携带
	var opID atomic.Value
	progress := func(ev prediction.ProgressEvent) {
		if opID.Load() == nil && ev.OperationID != "" {
			opID.Store(ev.OperationID)
		}
		if onProgress != nil {
			onProgress(ev)
		}
	}

	res, mode, err := s.predict(ctx, preq, progress)
	if err != nil {
		s.audit(sess, mode, nil, err)
		return nil, err
	}

	// ── 最终校正：无论哪一层产生的结果都重新应用规则 ──
	applied := rules.ApplyCombinedRules(res.Schedule, sess.calendar, sess.prefs, sess.staff)
	validation := rules.ValidateCombinedRules(applied.Schedule, sess.calendar, sess.prefs, sess.staff)

	meta := res.Metadata
	meta.Violations = validation.Violations
	changeLog := make([]rules.ChangeLogEntry, 0, len(res.ChangeLog)+len(applied.ChangeLog))
	changeLog = append(changeLog, res.ChangeLog...)
	changeLog = append(changeLog, applied.ChangeLog...)

	resp := &dto.GenerateScheduleResponse{
		Success:   true,
		Mode:      mode,
		Schedule:  applied.Schedule,
		ChangeLog: changeLog,
		Summary:   applied.Summary,
		Metadata:  meta,
	}
	if id, ok := opID.Load().(string); ok {
		resp.OperationID = id
	}

	limits, err := s.evaluateLimits(ctx, sess, applied.Schedule)
	if err != nil {
		// 配额状态只是附加信息，查询失败不影响排班结果
		s.logger.Warn("计算月度配额失败", zap.String("site_id", req.SiteID), zap.Error(err))
	}
	resp.MonthlyLimits = limits

	s.logger.Info("排班生成完成",
		zap.String("site_id", req.SiteID),
		zap.String("mode", mode),
		zap.String("method", string(meta.Method)),
		zap.Float64("quality", meta.Quality),
		zap.Int("violations", len(meta.Violations)),
	)

	s.audit(sess, mode, resp, nil)
	if req.Persist {
		s.persist(sess, resp.Schedule)
	}
	return resp, nil
}

// predict 选择计算路径并按错误类别的恢复策略降级
func (s *predictionService) predict(ctx context.Context, preq *prediction.PredictRequest, progress prediction.ProgressFunc) (*prediction.PredictResult, string, error) {
	if s.predictor == nil {
		return s.predictLocal(ctx, preq, progress)
	}
	if !s.predictor.IsReady() {
		s.logger.Warn("后台预测通道未就绪，改为同线程计算")
		s.restartAsync()
		return s.predictLocal(ctx, preq, progress)
	}

	res, err := s.predictor.Predict(ctx, preq, progress)
	if err == nil {
		if res.Cancelled {
			return nil, ModeBackground, ErrPredictionCancelled
		}
		return res, ModeBackground, nil
	}

	switch health.StrategyFor(health.Classify(err)) {
	case health.StrategyAbortCancelled:
		return nil, ModeBackground, ErrPredictionCancelled
	case health.StrategyUseDefaults:
		return nil, ModeBackground, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	case health.StrategyEmergencyFill:
		s.logger.Warn("后台预测超时，启用应急填充", zap.Error(err))
		res, eerr := s.local.Emergency(preq)
		if eerr != nil {
			return nil, ModeSameThread, fmt.Errorf("%w: %v", ErrPredictionFailed, eerr)
		}
		return res, ModeSameThread, nil
	case health.StrategyRestartChannelLocal:
		s.restartAsync()
	}
	s.logger.Warn("后台预测失败，改为同线程计算", zap.Error(err))
	return s.predictLocal(ctx, preq, progress)
}

func (s *predictionService) predictLocal(ctx context.Context, preq *prediction.PredictRequest, progress prediction.ProgressFunc) (*prediction.PredictResult, string, error) {
	id := "local-" + uuid.NewString()
	res, err := s.local.Predict(ctx, preq, localReporter(id, progress))
	if err != nil {
		s.monitor.Record(serviceSource, err)
		switch health.Classify(err) {
		case health.CategoryCancellation:
			return nil, ModeSameThread, ErrPredictionCancelled
		case health.CategoryInput:
			return nil, ModeSameThread, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		default:
			return nil, ModeSameThread, fmt.Errorf("%w: %v", ErrPredictionFailed, err)
		}
	}
	if res.Cancelled {
		return nil, ModeSameThread, ErrPredictionCancelled
	}
	return res, ModeSameThread, nil
}

// localReporter 将同线程引擎的进度转为带操作 ID 的事件
func localReporter(id string, progress prediction.ProgressFunc) worker.Reporter {
	return func(p float64, stage, msg string) {
		if progress != nil {
			progress(prediction.ProgressEvent{OperationID: id, Progress: p, Stage: stage, Message: msg})
		}
	}
}

// restartAsync 异步重启后台通道；同一时间只有一个重启任务
func (s *predictionService) restartAsync() {
	if s.predictor == nil || !s.restarting.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.restarting.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
		defer cancel()
		if err := s.predictor.Restart(ctx); err != nil {
			s.logger.Warn("重启后台预测通道失败", zap.Error(err))
			return
		}
		s.logger.Info("后台预测通道已重启")
	}()
}

// evaluateLimits 对区间完整覆盖的月份计算每位员工的配额状态
func (s *predictionService) evaluateLimits(ctx context.Context, sess *session, schedule shift.Schedule) ([]dto.MonthlyLimitResponse, error) {
	var out []dto.MonthlyLimitResponse
	for _, month := range fullMonths(sess.rng) {
		mrng, err := shift.MonthRange(month)
		if err != nil {
			return out, err
		}
		cfgs, err := s.limits.configsFor(ctx, month, sess.staff)
		if err != nil {
			return out, err
		}
		calc := rules.NewLimitCalculator(mrng, sess.calendar, sess.prefs)
		for _, st := range sess.staff {
			l := calc.CalculateEffectiveLimits(st.ID, schedule, cfgs[st.ID])
			out = append(out, dto.NewMonthlyLimitResponse(month, l))
		}
	}
	return out, nil
}

// ── 异步写入（调用方不等待） ──

// audit 写入预测运行审计
func (s *predictionService) audit(sess *session, mode string, resp *dto.GenerateScheduleResponse, cause error) {
	run := &model.PredictionRun{
		RunID:     uuid.NewString(),
		SiteID:    sess.siteID,
		StartDate: sess.rng.Start,
		EndDate:   sess.rng.End,
		Mode:      mode,
		CreatedAt: time.Now(),
	}
	if resp != nil {
		m := resp.Metadata
		run.Method = string(m.Method)
		run.Success = resp.Success
		run.EmergencyFallback = m.EmergencyFallback
		run.MLUsed = m.MLUsed
		run.Quality = m.Quality
		run.Confidence = m.Confidence
		run.FilledCells = m.FilledCells
		run.ChangeCount = len(resp.ChangeLog)
		run.ViolationCount = len(m.Violations)
		run.ProcessingMs = m.ProcessingTimeMs
	}
	if cause != nil {
		run.Method = "none"
		run.Cancelled = errors.Is(cause, ErrPredictionCancelled)
		run.Error = cause.Error()
	}

	s.background("写入预测审计失败", func(ctx context.Context) error {
		return s.repo.PredictionRun.Create(ctx, run)
	})
}

// persist 保存与输入不同的单元格；原本为空的记为 prediction，被改写的记为 rule
func (s *predictionService) persist(sess *session, final shift.Schedule) {
	var cells []model.ScheduleCell
	for _, st := range sess.staff {
		for _, date := range sess.dates {
			v, ok := final.Get(st.ID, date)
			if !ok {
				continue
			}
			source := "prediction"
			if orig, had := sess.schedule.Get(st.ID, date); had {
				if orig == v {
					continue
				}
				source = "rule"
			}
			d, _ := shift.ParseDateKey(date)
			cells = append(cells, model.ScheduleCell{StaffID: st.ID, Date: d, SiteID: sess.siteID, Symbol: v, Source: source})
		}
	}
	if len(cells) == 0 {
		return
	}

	s.background("保存排班失败", func(ctx context.Context) error {
		tx, err := s.repo.BeginTx(ctx)
		if err != nil {
			return err
		}
		if err := s.repo.WithTx(tx).Schedule.UpsertCells(ctx, cells); err != nil {
			if tx != nil {
				tx.Rollback()
			}
			return err
		}
		if tx != nil {
			return tx.Commit().Error
		}
		return nil
	})
}

// background 在独立协程执行写入，使用与请求无关的上下文
func (s *predictionService) background(failMsg string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Error(failMsg, zap.Error(err))
		}
	}()
}

// ════════════════════════════════════════════════════════════
// Train / GenerateFeatures
// ════════════════════════════════════════════════════════════

func (s *predictionService) Train(ctx context.Context, req *dto.TrainModelRequest, onProgress prediction.ProgressFunc) (*dto.TrainModelResponse, error) {
	rng, err := parseRange(req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.load(ctx, req.SiteID, rng, nil, false)
	if err != nil {
		return nil, err
	}
	if len(sess.staff) == 0 {
		return nil, ErrNoActiveStaff
	}
	if sess.schedule.CountFilled(sess.staff, sess.dates) == 0 {
		return nil, ErrNoTrainingData
	}

	treq := &prediction.TrainRequest{Staff: sess.staff, History: sess.schedule, Epochs: req.Epochs}

	if s.predictor != nil && s.predictor.IsReady() {
		res, err := s.predictor.Train(ctx, treq, onProgress)
		if err == nil {
			return &dto.TrainModelResponse{Mode: ModeBackground, TrainResult: *res}, nil
		}
		if health.Classify(err) != health.CategoryChannel {
			return nil, s.operationError(err)
		}
		s.restartAsync()
		s.logger.Warn("后台训练失败，改为同线程训练", zap.Error(err))
	}

	res, err := s.local.Train(ctx, treq, localReporter("local-"+uuid.NewString(), onProgress))
	if err != nil {
		return nil, s.operationError(err)
	}
	return &dto.TrainModelResponse{Mode: ModeSameThread, TrainResult: *res}, nil
}

func (s *predictionService) GenerateFeatures(ctx context.Context, req *dto.GenerateFeaturesRequest) (*prediction.FeatureResult, error) {
	rng, err := parseRange(req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}
	for _, c := range req.Cells {
		if !rng.Contains(c.Date) {
			return nil, fmt.Errorf("%w: 单元格日期 %q 不在区间内", ErrInvalidDateRange, c.Date)
		}
	}
	sess, err := s.sessions.load(ctx, req.SiteID, rng, nil, true)
	if err != nil {
		return nil, err
	}

	// 特征的历史窗口可以跨越区间起点
	lookup := sess.history.Clone()
	for staffID, row := range sess.schedule {
		for date, v := range row {
			lookup.Set(staffID, date, v)
		}
	}
	freq := &prediction.FeatureRequest{Staff: sess.staff, Schedule: lookup, Cells: req.Cells}

	if s.predictor != nil && s.predictor.IsReady() {
		res, err := s.predictor.GenerateFeatures(ctx, freq)
		if err == nil {
			return res, nil
		}
		if health.Classify(err) != health.CategoryChannel {
			return nil, s.operationError(err)
		}
		s.restartAsync()
	}
	res, err := s.local.GenerateFeatures(ctx, freq)
	if err != nil {
		return nil, s.operationError(err)
	}
	return res, nil
}

// operationError 将预测模块错误映射为业务错误
func (s *predictionService) operationError(err error) error {
	switch health.Classify(err) {
	case health.CategoryCancellation:
		return ErrPredictionCancelled
	case health.CategoryInput:
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	case health.CategoryChannel:
		return fmt.Errorf("%w: %v", ErrPredictionUnavailable, err)
	}
	s.logger.Error("预测操作失败", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrPredictionFailed, err)
}

// ════════════════════════════════════════════════════════════
// 状态 / 取消 / 重启 / 审计查询
// ════════════════════════════════════════════════════════════

func (s *predictionService) Status(ctx context.Context) (*dto.PredictionStatusResponse, error) {
	resp := &dto.PredictionStatusResponse{
		Enabled:    s.predictor != nil,
		Operations: []prediction.Operation{},
		Health:     s.monitor.Snapshot(),
	}
	if s.predictor == nil {
		return resp, nil
	}
	resp.Ready = s.predictor.IsReady()
	resp.Operations = s.predictor.Operations()
	if resp.Ready {
		st, err := s.predictor.Status(ctx)
		if err != nil {
			s.logger.Warn("查询后台状态失败", zap.Error(err))
		} else {
			resp.Background = st
		}
	}
	return resp, nil
}

func (s *predictionService) Cancel(_ context.Context, id string) error {
	if s.predictor == nil {
		return ErrPredictionUnavailable
	}
	if err := s.predictor.Cancel(id); err != nil {
		if errors.Is(err, prediction.ErrNotReady) {
			return ErrPredictionUnavailable
		}
		return fmt.Errorf("%w: %v", ErrPredictionFailed, err)
	}
	s.logger.Info("已请求取消预测操作", zap.String("id", id))
	return nil
}

func (s *predictionService) Restart(ctx context.Context) error {
	if s.predictor == nil {
		return ErrPredictionUnavailable
	}
	if err := s.predictor.Restart(ctx); err != nil {
		s.logger.Error("重启后台预测通道失败", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrPredictionUnavailable, err)
	}
	return nil
}

func (s *predictionService) ListRuns(ctx context.Context, req *dto.PredictionRunListRequest) ([]dto.PredictionRunResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	runs, err := s.repo.PredictionRun.ListRecent(ctx, req.SiteID, limit)
	if err != nil {
		s.logger.Error("查询预测审计失败", zap.String("site_id", req.SiteID), zap.Error(err))
		return nil, err
	}
	out := make([]dto.PredictionRunResponse, 0, len(runs))
	for i := range runs {
		out = append(out, toRunResponse(&runs[i]))
	}
	return out, nil
}

func (s *predictionService) Close() {
	s.wg.Wait()
}

func toRunResponse(r *model.PredictionRun) dto.PredictionRunResponse {
	return dto.PredictionRunResponse{
		ID:                r.RunID,
		StartDate:         shift.DateKey(r.StartDate),
		EndDate:           shift.DateKey(r.EndDate),
		Method:            r.Method,
		Mode:              r.Mode,
		Success:           r.Success,
		Cancelled:         r.Cancelled,
		EmergencyFallback: r.EmergencyFallback,
		MLUsed:            r.MLUsed,
		Quality:           r.Quality,
		Confidence:        r.Confidence,
		FilledCells:       r.FilledCells,
		ChangeCount:       r.ChangeCount,
		ViolationCount:    r.ViolationCount,
		ProcessingMs:      r.ProcessingMs,
		Error:             r.Error,
		CreatedAt:         r.CreatedAt.Format(time.RFC3339),
	}
}
